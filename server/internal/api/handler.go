package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tailship/tailship/pkg/clock"
	"github.com/tailship/tailship/server/internal/store"
)

const (
	defaultLimit = 100
	maxLimit     = 10000
)

// Querier reads archived records. *archive.Archive satisfies it.
type Querier interface {
	Query(ctx context.Context, node, source string, since time.Time, limit int) ([]store.Record, error)
}

// Option configures the Handler.
type Option func(*Handler)

// WithArchive enables GET /api/v1/archive backed by q.
func WithArchive(q Querier) Option { return func(h *Handler) { h.archive = q } }

// WithClock sets the clock used for uptime and diagnostics.
func WithClock(c clock.Clock) Option { return func(h *Handler) { h.clock = c } }

// Handler is the HTTP handler for all /api/v1/* endpoints.
// It reads node and line state from the store and returns JSON responses.
type Handler struct {
	store   *store.Store
	archive Querier
	clock   clock.Clock
	started time.Time
	mux     *http.ServeMux
}

// New creates a Handler wired to the given store and registers all routes.
func New(st *store.Store, opts ...Option) http.Handler {
	h := &Handler{store: st, clock: clock.Real(), mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(h)
	}
	h.started = h.clock.Now()

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/nodes", h.listNodes)
	h.mux.HandleFunc("/api/v1/nodes/", h.getNode) // subtree, extracts {name}
	h.mux.HandleFunc("/api/v1/logs", h.logs)
	h.mux.HandleFunc("/api/v1/archive", h.archived)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health: node and line counts.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats := h.store.Stats()
	jsonResp(w, http.StatusOK, HealthResponse{
		Status:         "ok",
		NodeCount:      stats.Nodes,
		ConnectedCount: stats.Connected,
		LineCount:      stats.Lines,
		Archive:        h.archive != nil,
		UptimeSeconds:  int64(h.clock.Now().Sub(h.started) / time.Second),
	})
}

// listNodes returns GET /api/v1/nodes: every known node.
func (h *Handler) listNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, BuildNodes(h.store))
}

// getNode returns GET /api/v1/nodes/{name}: one node with diagnostics.
func (h *Handler) getNode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/v1/nodes/")
	if name == "" {
		h.listNodes(w, r)
		return
	}

	n, ok := h.store.Node(name)
	if !ok {
		jsonErr(w, http.StatusNotFound, "node not found")
		return
	}
	resp := toNodeResponse(n)
	resp.Diagnostics = computeDiagnostics(n, h.clock.Now())
	jsonResp(w, http.StatusOK, resp)
}

// logs returns GET /api/v1/logs?node=&source=&limit=: retained lines, oldest
// first.
func (h *Handler) logs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	jsonResp(w, http.StatusOK, toLogResponses(h.store.Lines(q.Get("node"), q.Get("source"), limit)))
}

// archived returns GET /api/v1/archive?node=&source=&since=&limit=: lines
// from the on-disk archive, oldest first.
func (h *Handler) archived(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.archive == nil {
		jsonErr(w, http.StatusNotFound, "archive not enabled")
		return
	}

	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	var since time.Time
	if v := q.Get("since"); v != "" {
		since, err = time.Parse(time.RFC3339, v)
		if err != nil {
			jsonErr(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
	}

	recs, err := h.archive.Query(r.Context(), q.Get("node"), q.Get("source"), since, limit)
	if err != nil {
		jsonErr(w, http.StatusInternalServerError, "archive query failed")
		return
	}
	jsonResp(w, http.StatusOK, toLogResponses(recs))
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

var errBadLimit = errors.New("limit must be a positive integer")

// parseLimit defaults an empty limit and clamps it to maxLimit.
func parseLimit(s string) (int, error) {
	if s == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errBadLimit
	}
	return min(n, maxLimit), nil
}

// BuildNodes maps every node in st to its JSON representation, sorted by name.
func BuildNodes(st *store.Store) []NodeResponse {
	nodes := st.Nodes()
	out := make([]NodeResponse, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, toNodeResponse(n))
	}
	return out
}

func toNodeResponse(n store.Node) NodeResponse {
	return NodeResponse{
		Name:        n.Name,
		Sources:     nonNil(n.Sources),
		Streams:     nonNil(n.Streams),
		Connected:   n.Connections > 0,
		Connections: n.Connections,
		Lines:       n.Lines,
		FirstSeen:   n.FirstSeen.UTC().Format(time.RFC3339),
		LastSeen:    n.LastSeen.UTC().Format(time.RFC3339),
	}
}

// LogFromRecord maps a stored record to its JSON representation.
func LogFromRecord(r store.Record) LogResponse {
	return LogResponse{
		Seq:      r.Seq,
		Node:     r.Node,
		Source:   r.Source,
		Level:    r.Level,
		Text:     r.Text,
		Received: r.Received.UTC().Format(time.RFC3339Nano),
	}
}

func toLogResponses(recs []store.Record) []LogResponse {
	out := make([]LogResponse, 0, len(recs))
	for _, r := range recs {
		out = append(out, LogFromRecord(r))
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
