package api

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	Status         string `json:"status"`
	NodeCount      int    `json:"node_count"`
	ConnectedCount int    `json:"connected_count"`
	LineCount      int64  `json:"line_count"`
	Archive        bool   `json:"archive"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
}

// NodeResponse is one node entry in GET /api/v1/nodes or
// GET /api/v1/nodes/{name}.
type NodeResponse struct {
	Name        string           `json:"name"`
	Sources     []string         `json:"sources"`
	Streams     []string         `json:"streams"`
	Connected   bool             `json:"connected"`
	Connections int              `json:"connections"`
	Lines       int64            `json:"lines"`
	FirstSeen   string           `json:"first_seen"` // RFC3339
	LastSeen    string           `json:"last_seen"`  // RFC3339
	Diagnostics []DiagnosticHint `json:"diagnostics,omitempty"`
}

// LogResponse is one line in GET /api/v1/logs, GET /api/v1/archive and the
// WebSocket live tail.
type LogResponse struct {
	Seq      uint64 `json:"seq"`
	Node     string `json:"node"`
	Source   string `json:"source"`
	Level    string `json:"level"`
	Text     string `json:"text"`
	Received string `json:"received"` // RFC3339Nano
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
