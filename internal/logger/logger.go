// Package logger builds the process-wide slog logger and a rate-limited
// wrapper for warnings emitted on hot paths.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"go.trai.ch/zerr"
)

// New returns a text or JSON logger writing to w at the named level.
// Unknown levels fall back to info. If w is nil, os.Stderr is used.
func New(w io.Writer, level string, json bool) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Error logs err with its zerr metadata as structured fields.
func Error(ctx context.Context, l *slog.Logger, err error) {
	if err == nil {
		return
	}
	zerr.Log(ctx, l, err)
}

// RateLimited emits at most one record per interval and drops the rest.
type RateLimited struct {
	l        *slog.Logger
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	dropped  int
}

func NewRateLimited(l *slog.Logger, interval time.Duration) *RateLimited {
	return &RateLimited{l: l, interval: interval}
}

// Warn logs msg unless another record was emitted within the interval.
// The number of suppressed records is attached to the next emitted one.
func (r *RateLimited) Warn(msg string, args ...any) {
	r.mu.Lock()
	now := time.Now()
	if !r.lastAt.IsZero() && now.Sub(r.lastAt) < r.interval {
		r.dropped++
		r.mu.Unlock()
		return
	}
	r.lastAt = now
	dropped := r.dropped
	r.dropped = 0
	r.mu.Unlock()

	if dropped > 0 {
		args = append(args, "suppressed", dropped)
	}
	r.l.Warn(msg, args...)
}
