package forwarder

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/tailship/tailship/agent/internal/config"
	"github.com/tailship/tailship/agent/internal/shipper"
	"github.com/tailship/tailship/agent/internal/tailer"
	"github.com/tailship/tailship/pkg/clock"
	"github.com/tailship/tailship/pkg/metrics"
)

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option { return func(f *Forwarder) { f.logger = l } }

// WithClock sets the clock shared by the tailers and the shipper.
func WithClock(c clock.Clock) Option { return func(f *Forwarder) { f.clock = c } }

// WithMetrics records agent metrics in r.
func WithMetrics(r *metrics.Registry) Option { return func(f *Forwarder) { f.reg = r } }

// Forwarder owns the tailers and the shipper for one agent process.
type Forwarder struct {
	cfg    config.AgentConfig
	logger *slog.Logger
	clock  clock.Clock
	reg    *metrics.Registry

	tailers []*tailer.Tailer
	shipper *shipper.Shipper

	linesSent *metrics.Vec
}

// New builds a Tailer for each stream in configuration order and the Shipper
// that announces them.
func New(cfg *config.Config, opts ...Option) *Forwarder {
	f := &Forwarder{
		cfg:    cfg.Agent,
		logger: slog.Default(),
		clock:  clock.Real(),
	}
	for _, opt := range opts {
		opt(f)
	}

	f.shipper = shipper.New(f.cfg,
		shipper.WithLogger(f.logger),
		shipper.WithClock(f.clock),
		shipper.WithMetrics(f.reg))
	f.linesSent = f.reg.Counter("tailship_lines_sent_total", "Log lines written to the server.", "source")

	for _, st := range f.cfg.LogStreams {
		topts := []tailer.Option{
			tailer.WithLogger(f.logger),
			tailer.WithClock(f.clock),
			tailer.WithMetrics(f.reg),
		}
		if f.cfg.PollInterval > 0 {
			topts = append(topts, tailer.WithPollInterval(f.cfg.PollInterval))
		}
		t := tailer.New(st.Name, st.Paths, topts...)
		t.OnLine(f.forward)
		f.tailers = append(f.tailers, t)
	}
	return f
}

// Shipper returns the connection manager, for state reporting.
func (f *Forwarder) Shipper() *shipper.Shipper { return f.shipper }

func (f *Forwarder) forward(l tailer.Line) {
	if f.shipper.SendLine(l.Source, l.Text) {
		f.linesSent.Inc(l.Source)
	}
}

// Run starts the connection loop and every tailer, then blocks until ctx is
// cancelled and all of them have stopped. If a tailer cannot start, the rest
// are stopped and its error is returned.
func (f *Forwarder) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.shipper.Run(ctx)
	}()

	var (
		mu   sync.Mutex
		errs []error
	)
	for _, t := range f.tailers {
		wg.Add(1)
		go func(t *tailer.Tailer) {
			defer wg.Done()
			if err := t.Run(ctx); err != nil {
				f.logger.Error("forwarder: tailer stopped", "stream", t.Name(), "err", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				cancel()
			}
		}(t)
	}

	f.logger.Info("forwarder: started",
		"node", f.cfg.NodeName,
		"streams", f.cfg.LogStreams.Names(),
		"server", f.cfg.Server.Address())

	wg.Wait()
	return errors.Join(errs...)
}
