package shipper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tailship/tailship/agent/internal/config"
	"github.com/tailship/tailship/pkg/clock"
	"github.com/tailship/tailship/pkg/metrics"
	"github.com/tailship/tailship/pkg/protocol"
)

const (
	backoffMultiplier = 2

	// writeTimeout bounds a single frame write so a stalled server cannot
	// hold the send lock indefinitely.
	writeTimeout = 10 * time.Second
)

// State is the connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// dialFunc opens the TCP connection. Abstracted so tests can count attempts
// or hand back an in-memory pipe.
type dialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Option configures a Shipper.
type Option func(*Shipper)

// WithLogger sets the diagnostic logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Shipper) { s.logger = l } }

// WithClock sets the clock used to wait between reconnect attempts.
func WithClock(c clock.Clock) Option { return func(s *Shipper) { s.clock = c } }

// WithMetrics records connection and frame counters in r.
func WithMetrics(r *metrics.Registry) Option { return func(s *Shipper) { s.reg = r } }

// Shipper keeps one TCP connection to the aggregation server open, announcing
// the node on every connect, and writes frames to it.
//
// Run owns the dial/backoff loop and must be called in a goroutine. Send may
// be called from any goroutine; it writes only while Connected and otherwise
// drops the message.
type Shipper struct {
	cfg      config.AgentConfig
	addr     string
	announce []protocol.Message

	logger *slog.Logger
	clock  clock.Clock
	reg    *metrics.Registry
	dialFn dialFunc // injectable for tests

	state atomic.Int32

	// mu serializes writes on conn. The announce is written while holding it
	// and before state becomes Connected, so no log frame can precede it.
	mu     sync.Mutex
	conn   net.Conn
	replay chan protocol.Message // nil unless cfg.ReplayBuffer > 0

	framesSent  *metrics.Vec
	bytesSent   *metrics.Vec
	dropped     *metrics.Vec
	attempts    *metrics.Vec
	connects    *metrics.Vec
	stateGauge  *metrics.Vec
	replayDepth *metrics.Vec
}

// New creates a Shipper for cfg. The announce sequence is derived from the
// node name and the stream names in configuration order.
func New(cfg config.AgentConfig, opts ...Option) *Shipper {
	if cfg.Delimiter == "" {
		cfg.Delimiter = protocol.DefaultDelimiter
	}
	if cfg.Reconnect.Initial <= 0 {
		cfg.Reconnect.Initial = config.DefaultReconnectInitial
	}
	if cfg.Reconnect.Max < cfg.Reconnect.Initial {
		cfg.Reconnect.Max = max(config.DefaultReconnectMax, cfg.Reconnect.Initial)
	}
	s := &Shipper{
		cfg:      cfg,
		addr:     cfg.Server.Address(),
		announce: protocol.Announce(cfg.NodeName, cfg.LogStreams.Names()),
		logger:   slog.Default(),
		clock:    clock.Real(),
		dialFn:   defaultDial,
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.ReplayBuffer > 0 {
		s.replay = make(chan protocol.Message, cfg.ReplayBuffer)
	}
	s.framesSent = s.reg.Counter("tailship_frames_sent_total", "Frames written to the server.", "type")
	s.bytesSent = s.reg.Counter("tailship_bytes_sent_total", "Bytes written to the server.")
	s.dropped = s.reg.Counter("tailship_lines_dropped_total", "Log messages not sent because the connection was down.")
	s.attempts = s.reg.Counter("tailship_connect_attempts_total", "Connection attempts.")
	s.connects = s.reg.Counter("tailship_connections_total", "Successful connections (including announce).")
	s.stateGauge = s.reg.Gauge("tailship_connection_state", "0=disconnected 1=connecting 2=connected.")
	s.replayDepth = s.reg.Gauge("tailship_replay_buffered", "Log messages held for replay.")
	s.setState(Disconnected)
	return s
}

// State returns the current connection state.
func (s *Shipper) State() State { return State(s.state.Load()) }

// Connected reports whether log messages are currently being sent.
func (s *Shipper) Connected() bool { return s.State() == Connected }

func (s *Shipper) setState(st State) {
	s.state.Store(int32(st))
	s.stateGauge.Set(float64(st))
}

// Run connects, announces, and reconnects with exponential backoff whenever
// the connection fails. It never gives up; Run blocks until ctx is cancelled.
func (s *Shipper) Run(ctx context.Context) {
	bo := newBackoff(s.cfg.Reconnect.Initial, s.cfg.Reconnect.Max)

	for {
		if ctx.Err() != nil {
			return
		}

		s.setState(Connecting)
		s.attempts.Inc()
		conn, err := s.dialFn(ctx, s.addr)
		if err == nil {
			err = s.establish(conn)
			if err != nil {
				conn.Close()
			}
		}
		if err != nil {
			s.setState(Disconnected)
			if ctx.Err() != nil {
				return
			}
			wait := bo.next()
			s.logger.Error("shipper: connect failed, will retry",
				"endpoint", s.addr,
				"err", err,
				"retry_in", wait)
			if !s.sleep(ctx, wait) {
				return
			}
			continue
		}

		s.logger.Info("shipper: connected", "endpoint", s.addr, "node", s.cfg.NodeName)
		s.connects.Inc()
		bo.reset()

		err = s.serve(ctx, conn)
		s.disconnect(conn)

		if ctx.Err() != nil {
			return
		}

		wait := bo.next()
		s.logger.Warn("shipper: connection lost, will reconnect",
			"endpoint", s.addr,
			"err", err,
			"retry_in", wait)
		if !s.sleep(ctx, wait) {
			return
		}
	}
}

// establish writes the announce sequence and any replayed messages, then
// publishes conn as the active connection.
func (s *Shipper) establish(conn net.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.announce {
		if err := s.writeLocked(conn, m); err != nil {
			return fmt.Errorf("announce: %w", err)
		}
	}
	if err := s.flushReplayLocked(conn); err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	s.conn = conn
	s.setState(Connected)
	return nil
}

// serve blocks until the connection fails or ctx is cancelled. The server
// sends nothing meaningful; reading only detects EOF and resets.
func (s *Shipper) serve(ctx context.Context, conn net.Conn) error {
	readErr := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, conn)
		if err == nil {
			err = io.EOF
		}
		readErr <- err
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		<-readErr
		return ctx.Err()
	case err := <-readErr:
		return err
	}
}

// disconnect drops conn if it is still the active connection.
func (s *Shipper) disconnect(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
	}
	s.setState(Disconnected)
	conn.Close()
}

// Send writes msg if the connection is up and reports whether it was written.
// While disconnected the message is dropped, or held for replay when a replay
// buffer is configured. A write error closes the connection; Run reconnects.
func (s *Shipper) Send(msg protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != Connected || s.conn == nil {
		s.holdLocked(msg)
		return false
	}

	if err := s.writeLocked(s.conn, msg); err != nil {
		s.logger.Warn("shipper: write failed, dropping connection",
			"endpoint", s.addr, "err", err)
		s.setState(Disconnected)
		s.conn.Close()
		s.conn = nil
		s.holdLocked(msg)
		return false
	}
	return true
}

func (s *Shipper) writeLocked(conn net.Conn, msg protocol.Message) error {
	frame := msg.Encode(s.cfg.Delimiter)
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	n, err := conn.Write(frame)
	s.bytesSent.Add(float64(n))
	if err != nil {
		return err
	}
	s.framesSent.Inc(string(msg.Type))
	return nil
}

// holdLocked keeps a log message for replay, evicting the oldest when the
// buffer is full, or counts it as dropped when replay is disabled.
func (s *Shipper) holdLocked(msg protocol.Message) {
	if s.replay == nil || msg.Type != protocol.TypeLog {
		s.dropped.Inc()
		return
	}
	select {
	case s.replay <- msg:
	default:
		select {
		case <-s.replay:
			s.dropped.Inc()
		default:
		}
		s.replay <- msg
	}
	s.replayDepth.Set(float64(len(s.replay)))
}

func (s *Shipper) flushReplayLocked(conn net.Conn) error {
	if s.replay == nil {
		return nil
	}
	defer func() { s.replayDepth.Set(float64(len(s.replay))) }()
	for {
		select {
		case msg := <-s.replay:
			if err := s.writeLocked(conn, msg); err != nil {
				s.dropped.Inc()
				return err
			}
		default:
			return nil
		}
	}
}

// sleep waits d on the shipper's clock. It returns false if ctx was cancelled.
func (s *Shipper) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.clock.After(d):
		return true
	}
}

func defaultDial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// backoff implements truncated exponential backoff.
type backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{initial: initial, max: max, current: initial}
}

// next returns the current backoff duration and advances the internal state.
func (b *backoff) next() time.Duration {
	d := b.current
	b.current *= backoffMultiplier
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

func (b *backoff) reset() {
	b.current = b.initial
}
