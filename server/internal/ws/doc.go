// Package ws implements the WebSocket live tail for tailship-server.
//
// Hub is attached to the receiver as a sink: every accepted line is pushed to
// the connected clients whose filter matches it. The node list is broadcast
// to all clients on a configurable interval (default 5s in production).
//
// Hub.ServeHTTP accepts ?node=, ?source= and ?backlog=N. On connect the
// client receives the node list, then up to N retained lines, then the live
// tail.
//
// Message format sent to clients:
//
//	{"event": "nodes", "data": [ /* same schema as GET /api/v1/nodes */ ]}
//	{"event": "log",   "data": { /* one entry of GET /api/v1/logs */ }}
//
// The upgrader accepts all origins. Apply CORS restrictions at the reverse
// proxy level. The endpoint is mounted at /ws/tail by the server.
package ws
