// Package receiver accepts agent connections on the frame listener and feeds
// accepted log lines into the store and any attached sinks.
//
// Each connection is a session. A node frame records the node's stream list;
// a bind frame ties the connection to a node name. Log frames are accepted
// only after the connection has bound, and only for the bound node; others
// are counted as rejected and dropped. Malformed frames are logged and
// skipped without closing the connection.
//
// The protocol has no replies, so the receiver never writes to the socket.
package receiver
