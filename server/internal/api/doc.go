// Package api implements the HTTP REST API for tailship-server.
//
// New(store, opts...) returns an http.Handler that serves:
//
//	GET /api/v1/health          - node, connection and line counts
//	GET /api/v1/nodes           - all known nodes ([]NodeResponse)
//	GET /api/v1/nodes/{name}    - single node with diagnostics; 404 if unknown
//	GET /api/v1/logs            - retained lines; ?node= ?source= ?limit= (default 100)
//	GET /api/v1/archive         - archived lines; also ?since=RFC3339; 404 when disabled
//
// All endpoints:
//   - Respond with Content-Type: application/json
//   - Return 405 for non-GET methods
//   - Return lines oldest first
//
// JSON types are defined in types.go. No external HTTP framework is used.
package api
