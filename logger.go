package memtier

import (
	"context"
	"log/slog"
	"os"

	"github.com/hupe1980/memtier/internal/wal"
	"github.com/hupe1980/memtier/model"
	"github.com/hupe1980/memtier/promotion"
)

// Logger wraps slog.Logger with memtier-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return NewLogger(slog.DiscardHandler)
}

// WithTier adds a tier field to the logger.
func (l *Logger) WithTier(t model.Tier) *Logger {
	return &Logger{
		Logger: l.Logger.With("tier", t.String()),
	}
}

// WithID adds a record id field to the logger.
func (l *Logger) WithID(id string) *Logger {
	return &Logger{
		Logger: l.Logger.With("id", id),
	}
}

// LogRemember logs a remember operation.
func (l *Logger) LogRemember(ctx context.Context, id string, t model.Tier, err error) {
	if err != nil {
		l.ErrorContext(ctx, "remember failed",
			"tier", t.String(),
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "remember completed",
			"id", id,
			"tier", t.String(),
		)
	}
}

// LogRecall logs a recall operation.
func (l *Logger) LogRecall(ctx context.Context, limit, results int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "recall failed",
			"limit", limit,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "recall completed",
			"limit", limit,
			"results", results,
		)
	}
}

// LogForget logs a forget operation.
func (l *Logger) LogForget(ctx context.Context, id string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "forget failed",
			"id", id,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "forget completed",
			"id", id,
		)
	}
}

// LogPromotion logs the outcome of a promotion cycle.
func (l *Logger) LogPromotion(ctx context.Context, st promotion.CycleStats, err error) {
	args := []any{
		"promoted_interact", st.Promoted[model.Interact],
		"promoted_insights", st.Promoted[model.Insights],
		"forced", st.Forced[model.Interact]+st.Forced[model.Insights],
		"expired", st.TotalExpired(),
		"failures", st.Failures,
		"duration", st.FinishedAt.Sub(st.StartedAt),
	}
	if err != nil {
		l.WarnContext(ctx, "promotion cycle interrupted", append(args, "error", err)...)
	} else {
		l.InfoContext(ctx, "promotion cycle completed", args...)
	}
}

// LogSnapshot logs a snapshot operation.
func (l *Logger) LogSnapshot(ctx context.Context, filename string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "snapshot failed",
			"filename", filename,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "snapshot saved",
			"filename", filename,
		)
	}
}

// LogRecovery logs the replay of the embedding cache log.
func (l *Logger) LogRecovery(ctx context.Context, rec wal.Recovery) {
	if rec.TruncatedBytes > 0 {
		l.WarnContext(ctx, "cache log recovered with truncated tail",
			"entries_replayed", rec.Records,
			"truncated_bytes", rec.TruncatedBytes,
			"cause", rec.Cause,
		)
	} else {
		l.InfoContext(ctx, "cache log recovery completed",
			"entries_replayed", rec.Records,
		)
	}
}
