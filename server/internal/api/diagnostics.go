package api

import (
	"fmt"
	"slices"
	"time"

	"github.com/tailship/tailship/server/internal/store"
)

// DiagnosticHint is one human-readable observation about a node, shown next
// to it in the node detail view.
type DiagnosticHint struct {
	// Key is a stable machine-readable identifier.
	Key string `json:"key"`
	// Level is "info" | "warning" | "critical"
	Level string `json:"level"`
	// Title is a short label (≤ 5 words).
	Title string `json:"title"`
	// Detail is the full explanation.
	Detail string `json:"detail"`
}

// computeDiagnostics derives hints from a node's registry entry. now is used
// to describe how long a disconnected node has been silent.
func computeDiagnostics(n store.Node, now time.Time) []DiagnosticHint {
	var hints []DiagnosticHint

	switch {
	case n.Connections == 0:
		hints = append(hints, DiagnosticHint{
			Key:   "disconnected",
			Level: "warning",
			Title: "Agent disconnected",
			Detail: fmt.Sprintf(
				"No connection is bound to this node; it was last heard from %s ago. "+
					"The agent retries with backoff up to 60 seconds, and lines written "+
					"while it is disconnected are not delivered.",
				now.Sub(n.LastSeen).Round(time.Second)),
		})
	case n.Connections > 1:
		hints = append(hints, DiagnosticHint{
			Key:   "duplicate_name",
			Level: "warning",
			Title: "Several agents share name",
			Detail: fmt.Sprintf(
				"%d connections are bound to this node name. Their lines are merged; "+
					"give each agent a distinct agent.node_name.", n.Connections),
		})
	}

	if len(n.Sources) == 0 {
		hints = append(hints, DiagnosticHint{
			Key:    "not_announced",
			Level:  "info",
			Title:  "No node frame",
			Detail: "The connection bound without announcing its streams, so the stream list is unknown.",
		})
	}

	for _, src := range n.Streams {
		if len(n.Sources) > 0 && !slices.Contains(n.Sources, src) {
			hints = append(hints, DiagnosticHint{
				Key:   "unannounced_stream:" + src,
				Level: "info",
				Title: "Unannounced stream",
				Detail: fmt.Sprintf(
					"Lines arrived for stream %q, which is not in the node's announce. "+
						"The agent configuration may have changed without a restart.", src),
			})
		}
	}

	if n.Connections > 0 && n.Lines == 0 && len(n.Sources) > 0 {
		hints = append(hints, DiagnosticHint{
			Key:   "silent",
			Level: "info",
			Title: "No lines yet",
			Detail: "The agent is connected but nothing has been appended to its files since it started. " +
				"Agents only forward content written after they begin watching.",
		})
	}

	return hints
}
