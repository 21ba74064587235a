package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/tailship/tailship/pkg/metrics"
	"github.com/tailship/tailship/pkg/protocol"
	"github.com/tailship/tailship/server/internal/store"
)

// Sink consumes records after the store has accepted them. Append is called on
// the connection's goroutine and must not block for long.
type Sink interface {
	Append(rec store.Record)
}

// Option configures a Receiver.
type Option func(*Receiver)

// WithLogger sets the diagnostic logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(r *Receiver) { r.logger = l } }

// WithMetrics records frame and connection counters in reg.
func WithMetrics(reg *metrics.Registry) Option { return func(r *Receiver) { r.reg = reg } }

// WithSink attaches a sink that receives every accepted record.
func WithSink(s Sink) Option { return func(r *Receiver) { r.sinks = append(r.sinks, s) } }

// Receiver serves the agent frame protocol.
type Receiver struct {
	store  *store.Store
	delim  string
	sinks  []Sink
	logger *slog.Logger
	reg    *metrics.Registry

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup

	frames   *metrics.Vec
	rejected *metrics.Vec
	open     *metrics.Vec
}

// New creates a Receiver that writes accepted lines to st. delim must match
// the agents' frame delimiter.
func New(st *store.Store, delim string, opts ...Option) *Receiver {
	if delim == "" {
		delim = protocol.DefaultDelimiter
	}
	r := &Receiver{
		store:  st,
		delim:  delim,
		logger: slog.Default(),
		conns:  make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.frames = r.reg.Counter("tailship_frames_received_total", "Frames accepted from agents.", "type")
	r.rejected = r.reg.Counter("tailship_frames_rejected_total", "Frames dropped by the receiver.", "reason")
	r.open = r.reg.Gauge("tailship_agent_connections", "Open agent connections.")
	return r
}

// Serve accepts connections on lis until ctx is cancelled, then closes every
// open connection and waits for their handlers to return.
func (r *Receiver) Serve(ctx context.Context, lis net.Listener) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		lis.Close()
		r.closeAll()
	}()
	defer r.wg.Wait()

	r.logger.Info("receiver: listening", "addr", lis.Addr().String())
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("receiver: accept: %w", err)
		}
		if !r.track(conn) {
			conn.Close()
			return nil
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer r.untrack(conn)
			r.handle(conn)
		}()
	}
}

// track registers conn; it reports false once shutdown has started.
func (r *Receiver) track(conn net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns == nil {
		return false
	}
	r.conns[conn] = struct{}{}
	r.open.Set(float64(len(r.conns)))
	return true
}

func (r *Receiver) untrack(conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns != nil {
		delete(r.conns, conn)
		r.open.Set(float64(len(r.conns)))
	}
	conn.Close()
}

func (r *Receiver) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.conns {
		c.Close()
	}
	r.conns = nil
	r.open.Set(0)
}

// session is the per-connection protocol state.
type session struct {
	remote string
	node   string // bound node name; empty until a bind frame
}

func (r *Receiver) handle(conn net.Conn) {
	sess := &session{remote: conn.RemoteAddr().String()}
	log := r.logger.With("remote", sess.remote)
	log.Debug("receiver: connection opened")

	sc := protocol.NewScanner(conn, r.delim)
	for sc.Scan() {
		r.frame(sess, log, sc.Text())
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Warn("receiver: read failed", "err", err)
	}

	if sess.node != "" {
		r.store.Release(sess.node)
	}
	log.Debug("receiver: connection closed", "node", sess.node)
}

func (r *Receiver) frame(sess *session, log *slog.Logger, frame string) {
	msg, err := protocol.Parse(frame)
	if err != nil {
		r.rejected.Inc("malformed")
		log.Warn("receiver: dropping frame", "err", err)
		return
	}

	switch msg.Type {
	case protocol.TypeNode:
		r.store.Announce(msg.Args[0], msg.Sources())
		log.Info("receiver: node announced", "node", msg.Args[0], "sources", msg.Sources())

	case protocol.TypeBind:
		name := msg.Args[1]
		if sess.node == name {
			break
		}
		if sess.node != "" {
			r.store.Release(sess.node)
		}
		r.store.Bind(name)
		sess.node = name
		log.Info("receiver: connection bound", "node", name)

	case protocol.TypeLog:
		source, node, level, text := msg.Args[0], msg.Args[1], msg.Args[2], msg.Args[3]
		switch {
		case sess.node == "":
			r.rejected.Inc("unbound")
			log.Debug("receiver: log frame before bind", "node", node)
			return
		case node != sess.node:
			r.rejected.Inc("node_mismatch")
			log.Debug("receiver: log frame for another node", "node", node, "bound", sess.node)
			return
		}
		rec := r.store.Append(store.Record{Node: node, Source: source, Level: level, Text: text})
		for _, s := range r.sinks {
			s.Append(rec)
		}
	}
	r.frames.Inc(string(msg.Type))
}
