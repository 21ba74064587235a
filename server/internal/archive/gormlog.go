package archive

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// slowQueryThreshold marks queries worth a debug log.
const slowQueryThreshold = 100 * time.Millisecond

// gormLogger routes gorm's logging through slog.
type gormLogger struct {
	log   *slog.Logger
	level logger.LogLevel
}

func newGormLogger(l *slog.Logger) *gormLogger {
	return &gormLogger{log: l, level: logger.Warn}
}

func (g *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	c := *g
	c.level = level
	return &c
}

func (g *gormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if g.level >= logger.Info {
		g.log.InfoContext(ctx, "archive: "+msg, "data", data)
	}
}

func (g *gormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if g.level >= logger.Warn {
		g.log.WarnContext(ctx, "archive: "+msg, "data", data)
	}
}

func (g *gormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if g.level >= logger.Error {
		g.log.ErrorContext(ctx, "archive: "+msg, "data", data)
	}
}

func (g *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && g.level >= logger.Error:
		sql, rows := fc()
		g.log.ErrorContext(ctx, "archive: query failed", "err", err, "sql", sql, "rows", rows, "duration", elapsed)
	case elapsed >= slowQueryThreshold:
		sql, rows := fc()
		g.log.DebugContext(ctx, "archive: slow query", "sql", sql, "rows", rows, "duration", elapsed)
	}
}
