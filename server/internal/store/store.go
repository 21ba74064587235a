package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tailship/tailship/pkg/clock"
)

// Record is one log line accepted from an agent.
type Record struct {
	Seq      uint64    // assigned by the store, increasing across all nodes
	Node     string
	Source   string
	Level    string
	Text     string
	Received time.Time
}

// Node is the registry entry for one agent.
type Node struct {
	Name        string
	Sources     []string // announced stream names, in announce order
	Streams     []string // sources that have sent lines, sorted
	Connections int      // open connections bound to this node
	Lines       int64    // lines accepted since the node was first seen
	FirstSeen   time.Time
	LastSeen    time.Time
}

// Stats summarises the store for health reporting.
type Stats struct {
	Nodes     int
	Connected int
	Lines     int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for timestamps and eviction.
func WithClock(c clock.Clock) Option { return func(s *Store) { s.clock = c } }

// WithLogger sets the diagnostic logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

type node struct {
	info    Node
	streams map[string]*ring
}

// Store is a thread-safe node registry with per-stream line retention.
// A background goroutine (Run) periodically evicts nodes that have no open
// connection and have not been heard from within the TTL.
type Store struct {
	mu        sync.RWMutex
	nodes     map[string]*node
	seq       uint64
	lines     int64
	retention int
	ttl       time.Duration
	clock     clock.Clock
	logger    *slog.Logger
}

// New creates a Store keeping retention lines per (node, source). A ttl of
// zero disables eviction.
func New(retention int, ttl time.Duration, opts ...Option) *Store {
	if retention <= 0 {
		retention = 1
	}
	s := &Store{
		nodes:     make(map[string]*node),
		retention: retention,
		ttl:       ttl,
		clock:     clock.Real(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the configured eviction TTL.
func (s *Store) TTL() time.Duration { return s.ttl }

// nodeLocked returns the entry for name, creating it if needed.
func (s *Store) nodeLocked(name string, now time.Time) *node {
	n, ok := s.nodes[name]
	if !ok {
		n = &node{
			info:    Node{Name: name, FirstSeen: now},
			streams: make(map[string]*ring),
		}
		s.nodes[name] = n
	}
	n.info.LastSeen = now
	return n
}

// Announce records the streams a node will send. A re-announce replaces the
// previous list; retained lines are kept.
func (s *Store) Announce(name string, sources []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nodeLocked(name, s.clock.Now())
	n.info.Sources = append([]string(nil), sources...)
}

// Bind counts a new connection for name.
func (s *Store) Bind(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeLocked(name, s.clock.Now()).info.Connections++
}

// Release undoes one Bind when the connection closes.
func (s *Store) Release(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[name]; ok && n.info.Connections > 0 {
		n.info.Connections--
		n.info.LastSeen = s.clock.Now()
	}
}

// Append stores rec, stamping Seq and, when unset, Received. It returns the
// stored record.
func (s *Store) Append(rec Record) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if rec.Received.IsZero() {
		rec.Received = now
	}
	s.seq++
	rec.Seq = s.seq

	n := s.nodeLocked(rec.Node, now)
	r, ok := n.streams[rec.Source]
	if !ok {
		r = newRing(s.retention)
		n.streams[rec.Source] = r
	}
	r.push(rec)
	n.info.Lines++
	s.lines++
	return rec
}

// Node returns a copy of the named node's registry entry.
func (s *Store) Node(name string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[name]
	if !ok {
		return Node{}, false
	}
	return n.snapshot(), true
}

// Nodes returns every known node sorted by name.
func (s *Store) Nodes() []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// snapshot copies the registry entry so callers cannot mutate the store.
func (n *node) snapshot() Node {
	out := n.info
	out.Sources = append([]string(nil), n.info.Sources...)
	out.Streams = make([]string, 0, len(n.streams))
	for src := range n.streams {
		out.Streams = append(out.Streams, src)
	}
	sort.Strings(out.Streams)
	return out
}

// Lines returns up to limit of the most recent retained records, oldest
// first. An empty node or source matches all. limit <= 0 returns everything
// retained.
func (s *Store) Lines(nodeName, source string, limit int) []Record {
	s.mu.RLock()
	var out []Record
	for name, n := range s.nodes {
		if nodeName != "" && name != nodeName {
			continue
		}
		for src, r := range n.streams {
			if source != "" && src != source {
				continue
			}
			out = append(out, r.records()...)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Stats returns node and line counts.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Nodes: len(s.nodes), Lines: s.lines}
	for _, n := range s.nodes {
		if n.info.Connections > 0 {
			st.Connected++
		}
	}
	return st
}

// Evict removes nodes with no open connection whose LastSeen is older than
// now minus TTL. It returns the number of nodes removed.
func (s *Store) Evict(now time.Time) int {
	if s.ttl <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.ttl)
	removed := 0
	for name, n := range s.nodes {
		if n.info.Connections == 0 && !n.info.LastSeen.After(cutoff) {
			delete(s.nodes, name)
			removed++
		}
	}
	return removed
}

// Run starts the background TTL eviction loop. It ticks at half the TTL
// (minimum 1 second) and blocks until ctx is cancelled. With a zero TTL it
// returns immediately.
func (s *Store) Run(ctx context.Context) {
	if s.ttl <= 0 {
		return
	}
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := s.clock.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Evict(now); n > 0 {
				s.logger.Debug("store: evicted idle nodes", "count", n)
			}
		}
	}
}
