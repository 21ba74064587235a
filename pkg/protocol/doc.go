// Package protocol defines the text frames exchanged between tailship-agent and
// an aggregation server.
//
// Frames are pipe-separated fields terminated by a delimiter (CRLF unless
// configured otherwise):
//
//	node|<nodeName>|<src1,src2,...>
//	bind|node|<nodeName>
//	log|<sourceName>|<nodeName>|info|<message text>
//
// The agent only encodes. Parse and NewScanner are used by the server side.
// Nothing is escaped; callers must not put the delimiter inside a field.
package protocol
