package tailer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tailship/tailship/pkg/clock"
	"github.com/tailship/tailship/pkg/metrics"
)

// DefaultPollInterval is how often a missing path is checked for existence.
const DefaultPollInterval = 1 * time.Second

// Line is one non-empty segment read from a watched file.
type Line struct {
	Source string // stream name the file belongs to
	Path   string // file the line was read from
	Text   string
}

// Handler receives lines in file order. Handlers run on the Tailer's event
// goroutine and must not block for long.
type Handler func(Line)

// Option configures a Tailer.
type Option func(*Tailer)

// WithLogger sets the diagnostic logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(t *Tailer) { t.logger = l } }

// WithClock sets the clock used for existence polling.
func WithClock(c clock.Clock) Option { return func(t *Tailer) { t.clock = c } }

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option { return func(t *Tailer) { t.poll = d } }

// WithMetrics records per-stream counters in r.
func WithMetrics(r *metrics.Registry) Option { return func(t *Tailer) { t.reg = r } }

// Tailer follows every file configured for one named stream and emits lines
// appended after the watch was established.
//
// All watch state is owned by the goroutine running Run; fsnotify events,
// existence-poll results, and reads are handled one at a time there.
type Tailer struct {
	name   string
	paths  []string
	logger *slog.Logger
	clock  clock.Clock
	poll   time.Duration
	reg    *metrics.Registry

	handlers []Handler

	watcher *fsnotify.Watcher
	files   map[string]*fileWatch
	found   chan pending

	linesRead  *metrics.Vec
	rotations  *metrics.Vec
	readErrors *metrics.Vec
	watched    *metrics.Vec

	// onWatch, when set, is called after a file watch is established with the
	// recorded watermark.
	onWatch func(path string, size int64)
}

// pending is a path waiting to come into existence.
type pending struct {
	path   string
	expand bool // a configured path; directories are expanded one level
}

// New returns a Tailer for the stream name over paths.
func New(name string, paths []string, opts ...Option) *Tailer {
	t := &Tailer{
		name:   name,
		paths:  paths,
		logger: slog.Default(),
		clock:  clock.Real(),
		poll:   DefaultPollInterval,
		files:  make(map[string]*fileWatch),
		found:  make(chan pending),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("stream", name)
	t.linesRead = t.reg.Counter("tailship_lines_read_total", "Lines read from watched files.", "source")
	t.rotations = t.reg.Counter("tailship_rotations_total", "Rotations detected on watched files.", "source")
	t.readErrors = t.reg.Counter("tailship_read_errors_total", "Failed delta reads.", "source")
	t.watched = t.reg.Gauge("tailship_files_watched", "Files currently watched.", "source")
	return t
}

// Name returns the stream name.
func (t *Tailer) Name() string { return t.name }

// OnLine subscribes h to every emitted line. Subscribe before calling Run.
func (t *Tailer) OnLine(h Handler) {
	t.handlers = append(t.handlers, h)
}

// Run watches the configured paths until ctx is cancelled. It only returns an
// error when the filesystem watcher cannot be created.
func (t *Tailer) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tailer %q: create watcher: %w", t.name, err)
	}
	defer w.Close()
	t.watcher = w

	for _, p := range t.paths {
		t.setup(ctx, pending{path: p, expand: true})
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case p := <-t.found:
			t.setup(ctx, p)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			t.handle(ctx, ev)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			t.logger.Error("tailer: watcher error", "err", err)
		}
	}
}

// setup starts watching p.path, or schedules an existence poll if it is not
// there yet. Configured directories are expanded into their direct entries;
// nested directories are not descended into.
func (t *Tailer) setup(ctx context.Context, p pending) {
	info, err := os.Stat(p.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			t.logger.Warn("tailer: stat failed, polling", "path", p.path, "err", err)
		} else {
			t.logger.Debug("tailer: path does not exist yet, polling", "path", p.path, "every", t.poll)
		}
		go t.waitFor(ctx, p)
		return
	}

	if info.IsDir() {
		if !p.expand {
			t.logger.Debug("tailer: skipping nested directory", "path", p.path)
			return
		}
		entries, err := os.ReadDir(p.path)
		if err != nil {
			t.logger.Error("tailer: read directory", "path", p.path, "err", err)
			return
		}
		for _, e := range entries {
			t.setup(ctx, pending{path: filepath.Join(p.path, e.Name())})
		}
		return
	}

	t.watchFile(ctx, p.path, info.Size())
}

// waitFor polls for p.path every poll interval and hands it back to the event
// goroutine once it exists.
func (t *Tailer) waitFor(ctx context.Context, p pending) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.clock.After(t.poll):
		}
		if _, err := os.Stat(p.path); err != nil {
			continue
		}
		select {
		case t.found <- p:
		case <-ctx.Done():
		}
		return
	}
}

func (t *Tailer) watchFile(ctx context.Context, path string, size int64) {
	if _, ok := t.files[path]; ok {
		return
	}
	if err := t.watcher.Add(path); err != nil {
		t.logger.Warn("tailer: add watch failed, polling", "path", path, "err", err)
		go t.waitFor(ctx, pending{path: path})
		return
	}
	t.files[path] = newFileWatch(path, size)
	t.watched.Set(float64(len(t.files)), t.name)
	t.logger.Info("tailer: watching", "path", path, "offset", size)
	if t.onWatch != nil {
		t.onWatch(path, size)
	}
}

func (t *Tailer) closeWatch(fw *fileWatch) {
	delete(t.files, fw.path)
	// The kernel may already have dropped the watch for a removed file.
	if err := t.watcher.Remove(fw.path); err != nil {
		t.logger.Debug("tailer: remove watch", "path", fw.path, "err", err)
	}
	t.watched.Set(float64(len(t.files)), t.name)
}

func (t *Tailer) handle(ctx context.Context, ev fsnotify.Event) {
	fw, ok := t.files[ev.Name]
	if !ok {
		return
	}
	switch {
	case ev.Has(fsnotify.Rename), ev.Has(fsnotify.Remove):
		t.logger.Info("tailer: rotation detected", "path", fw.path, "op", ev.Op.String())
		t.rotations.Inc(t.name)
		t.closeWatch(fw)
		t.setup(ctx, pending{path: fw.path})
	case ev.Has(fsnotify.Write):
		t.grow(fw)
	}
}

// grow reads whatever was appended to fw since its watermark.
func (t *Tailer) grow(fw *fileWatch) {
	info, err := os.Stat(fw.path)
	if err != nil {
		// A rename or remove event follows; nothing to read here.
		t.logger.Debug("tailer: stat after write failed", "path", fw.path, "err", err)
		return
	}
	size := info.Size()
	if size < fw.size {
		t.logger.Debug("tailer: file shrank below watermark, skipping",
			"path", fw.path, "size", size, "watermark", fw.size)
		return
	}
	if size == fw.size {
		return
	}

	err = fw.readTo(size, func(text string) {
		t.linesRead.Inc(t.name)
		t.emit(Line{Source: t.name, Path: fw.path, Text: text})
	})
	if err != nil {
		t.readErrors.Inc(t.name)
		t.logger.Error("tailer: read failed, will resume on next change",
			"path", fw.path, "watermark", fw.size, "err", err)
	}
}

func (t *Tailer) emit(l Line) {
	for _, h := range t.handlers {
		h(l)
	}
}
