// Package store keeps the server's in-memory view of connected agents: a
// registry of nodes with their announced streams, and a bounded ring of the
// most recent lines per (node, source). Idle nodes without an open
// connection are evicted after a TTL.
package store
