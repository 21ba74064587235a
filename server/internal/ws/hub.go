package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tailship/tailship/pkg/clock"
	"github.com/tailship/tailship/pkg/metrics"
	"github.com/tailship/tailship/server/internal/api"
	"github.com/tailship/tailship/server/internal/store"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod controls how often the server sends WebSocket ping frames.
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing message buffer depth. A client
	// that falls this far behind the live tail is disconnected.
	sendBufSize = 256

	// maxBacklog caps the ?backlog= replay on connect.
	maxBacklog = 1000
)

// Event names carried in Message.Event.
const (
	EventNodes = "nodes"
	EventLog   = "log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Allow all origins: callers should apply CORS at the reverse-proxy level.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is the JSON envelope sent to clients.
type Message struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the diagnostic logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(h *Hub) { h.logger = l } }

// WithClock sets the clock driving the node list broadcast.
func WithClock(c clock.Clock) Option { return func(h *Hub) { h.clock = c } }

// WithMetrics records client and drop counters in r.
func WithMetrics(r *metrics.Registry) Option { return func(h *Hub) { h.reg = r } }

// Hub manages WebSocket live-tail clients. Every accepted line is pushed to
// the clients whose filter matches it, and the node list is broadcast to all
// clients every interval.
type Hub struct {
	store    *store.Store
	interval time.Duration
	logger   *slog.Logger
	clock    clock.Clock
	reg      *metrics.Registry

	mu      sync.RWMutex
	clients map[*client]struct{}

	clientsGauge *metrics.Vec
	evicted      *metrics.Vec
}

// client represents one connected WebSocket client.
type client struct {
	conn   *websocket.Conn
	send   chan []byte
	node   string // empty matches every node
	source string // empty matches every source
}

func (c *client) wants(rec store.Record) bool {
	return (c.node == "" || c.node == rec.Node) && (c.source == "" || c.source == rec.Source)
}

// New creates a Hub that reads node state from st and broadcasts it every
// interval.
func New(st *store.Store, interval time.Duration, opts ...Option) *Hub {
	h := &Hub{
		store:    st,
		interval: interval,
		logger:   slog.Default(),
		clock:    clock.Real(),
		clients:  make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.clientsGauge = h.reg.Gauge("tailship_ws_clients", "Connected live-tail clients.")
	h.evicted = h.reg.Counter("tailship_ws_evicted_total", "Live-tail clients disconnected for falling behind.")
	return h
}

// Run starts the node list ticker loop. Run blocks until ctx is cancelled,
// then closes all active connections.
func (h *Hub) Run(ctx context.Context) {
	t := h.clock.NewTicker(h.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-t.C:
			if data, err := h.nodesMessage(); err == nil {
				h.deliver(data, func(*client) bool { return true })
			}
		}
	}
}

// Append pushes rec to every matching client. It never blocks; clients whose
// buffer is full are disconnected.
func (h *Hub) Append(rec store.Record) {
	data, err := json.Marshal(Message{Event: EventLog, Data: api.LogFromRecord(rec)})
	if err != nil {
		return
	}
	h.deliver(data, func(c *client) bool { return c.wants(rec) })
}

// ServeHTTP upgrades the HTTP connection to WebSocket and serves the client.
//
// Query parameters: node and source filter the live tail; backlog=N first
// replays up to N retained lines matching the filter. The current node list
// is sent immediately on connect. Blocks until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	backlog := 0
	if v := q.Get("backlog"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "backlog must be a non-negative integer", http.StatusBadRequest)
			return
		}
		backlog = min(n, maxBacklog)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBufSize+backlog+1),
		node:   q.Get("node"),
		source: q.Get("source"),
	}

	// Queue the greeting before registering so it precedes any live line.
	if data, err := h.nodesMessage(); err == nil {
		c.send <- data
	}
	if backlog > 0 {
		for _, rec := range h.store.Lines(c.node, c.source, backlog) {
			if data, err := json.Marshal(Message{Event: EventLog, Data: api.LogFromRecord(rec)}); err == nil {
				c.send <- data
			}
		}
	}

	h.register(c)
	defer h.unregister(c)
	h.logger.Debug("ws: client connected", "remote", r.RemoteAddr, "node", c.node, "source", c.source)

	go c.writePump()
	c.readPump() // blocks until connection closes
}

// Count returns the number of currently connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// --- internal ---------------------------------------------------------------

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.clientsGauge.Set(float64(len(h.clients)))
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.clientsGauge.Set(float64(len(h.clients)))
	}
	h.mu.Unlock()
}

// deliver queues data for every client match accepts. Sends happen under the
// read lock so they cannot race with unregister closing the channel.
func (h *Hub) deliver(data []byte, match func(*client) bool) {
	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if !match(c) {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.evicted.Inc()
		h.logger.Warn("ws: client too slow, disconnecting")
		h.unregister(c)
	}
}

func (h *Hub) nodesMessage() ([]byte, error) {
	return json.Marshal(Message{Event: EventNodes, Data: api.BuildNodes(h.store)})
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.clientsGauge.Set(0)
}

// writePump drains the client's send channel and forwards messages to the
// WebSocket connection. It also sends periodic ping frames. Runs in its own
// goroutine per client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				// Channel was closed (hub is shutting down or client removed).
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads frames from the connection to process control messages (pong,
// close) and detect disconnects. Blocks until the connection closes.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
