package archive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/tailship/tailship/pkg/clock"
	"github.com/tailship/tailship/pkg/metrics"
	"github.com/tailship/tailship/server/internal/store"
)

const (
	DefaultQueueSize     = 4096
	DefaultBatchSize     = 256
	DefaultFlushInterval = time.Second
)

// Entry is the persisted form of a store.Record.
type Entry struct {
	ID         uint      `gorm:"primaryKey"`
	Seq        uint64    `gorm:"index"`
	Node       string    `gorm:"not null;index:idx_log_entries_node_source"`
	Source     string    `gorm:"not null;index:idx_log_entries_node_source"`
	Level      string    `gorm:"not null"`
	Text       string    `gorm:"not null"`
	ReceivedAt time.Time `gorm:"not null;index"`
}

func (Entry) TableName() string {
	return "log_entries"
}

func fromRecord(r store.Record) Entry {
	return Entry{
		Seq:        r.Seq,
		Node:       r.Node,
		Source:     r.Source,
		Level:      r.Level,
		Text:       r.Text,
		ReceivedAt: r.Received,
	}
}

func (e Entry) record() store.Record {
	return store.Record{
		Seq:      e.Seq,
		Node:     e.Node,
		Source:   e.Source,
		Level:    e.Level,
		Text:     e.Text,
		Received: e.ReceivedAt,
	}
}

// Option configures an Archive.
type Option func(*Archive)

// WithLogger sets the diagnostic logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(a *Archive) { a.logger = l } }

// WithClock sets the clock driving periodic flushes.
func WithClock(c clock.Clock) Option { return func(a *Archive) { a.clock = c } }

// WithMetrics records write counters in r.
func WithMetrics(r *metrics.Registry) Option { return func(a *Archive) { a.reg = r } }

// WithFlushInterval overrides DefaultFlushInterval.
func WithFlushInterval(d time.Duration) Option { return func(a *Archive) { a.interval = d } }

// WithBatchSize overrides DefaultBatchSize.
func WithBatchSize(n int) Option { return func(a *Archive) { a.batch = n } }

// WithQueueSize overrides DefaultQueueSize.
func WithQueueSize(n int) Option { return func(a *Archive) { a.queue = n } }

// Archive writes records to a SQLite database.
type Archive struct {
	db       *gorm.DB
	logger   *slog.Logger
	clock    clock.Clock
	reg      *metrics.Registry
	interval time.Duration
	batch    int
	queue    int

	in       chan store.Record
	closeOne sync.Once

	written *metrics.Vec
	dropped *metrics.Vec
	failed  *metrics.Vec
}

// Open opens (creating if needed) the database at path and migrates the schema.
func Open(path string, opts ...Option) (*Archive, error) {
	a := &Archive{
		logger:   slog.Default(),
		clock:    clock.Real(),
		interval: DefaultFlushInterval,
		batch:    DefaultBatchSize,
		queue:    DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.batch <= 0 {
		a.batch = DefaultBatchSize
	}
	if a.interval <= 0 {
		a.interval = DefaultFlushInterval
	}

	// WAL lets API reads proceed while a batch is being written.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: newGormLogger(a.logger),
	})
	if err != nil {
		return nil, fmt.Errorf("archive: open %q: %w", path, err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}

	a.db = db
	a.in = make(chan store.Record, a.queue)
	a.written = a.reg.Counter("tailship_archive_written_total", "Lines written to the archive.")
	a.dropped = a.reg.Counter("tailship_archive_dropped_total", "Lines not archived because the queue was full.")
	a.failed = a.reg.Counter("tailship_archive_write_errors_total", "Failed archive batch writes.")
	return a, nil
}

// Append queues rec for the next batch. It never blocks.
func (a *Archive) Append(rec store.Record) {
	select {
	case a.in <- rec:
	default:
		a.dropped.Inc()
	}
}

// Run writes queued records until ctx is cancelled, then flushes what is left.
func (a *Archive) Run(ctx context.Context) {
	t := a.clock.NewTicker(a.interval)
	defer t.Stop()

	pending := make([]Entry, 0, a.batch)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := a.write(pending); err != nil {
			a.failed.Inc()
			a.logger.Error("archive: batch write failed", "count", len(pending), "err", err)
		} else {
			a.written.Add(float64(len(pending)))
		}
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case rec := <-a.in:
					pending = append(pending, fromRecord(rec))
				default:
					flush()
					return
				}
			}
		case rec := <-a.in:
			pending = append(pending, fromRecord(rec))
			if len(pending) >= a.batch {
				flush()
			}
		case <-t.C:
			flush()
		}
	}
}

func (a *Archive) write(entries []Entry) error {
	return a.db.Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(&entries, a.batch).Error
	})
}

// Query returns up to limit archived records, oldest first. Empty node or
// source match all; a zero since matches all times. limit <= 0 means 100.
func (a *Archive) Query(ctx context.Context, node, source string, since time.Time, limit int) ([]store.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	q := a.db.WithContext(ctx).Model(&Entry{})
	if node != "" {
		q = q.Where("node = ?", node)
	}
	if source != "" {
		q = q.Where("source = ?", source)
	}
	if !since.IsZero() {
		q = q.Where("received_at >= ?", since)
	}

	var entries []Entry
	if err := q.Order("id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("archive: query: %w", err)
	}

	out := make([]store.Record, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e.record()
	}
	return out, nil
}

// Count returns the number of archived records.
func (a *Archive) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := a.db.WithContext(ctx).Model(&Entry{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("archive: count: %w", err)
	}
	return n, nil
}

// Close closes the underlying database. Call it after Run has returned.
func (a *Archive) Close() error {
	var err error
	a.closeOne.Do(func() {
		sqlDB, dbErr := a.db.DB()
		if dbErr != nil {
			err = dbErr
			return
		}
		err = sqlDB.Close()
	})
	return err
}
