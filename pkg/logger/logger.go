// Package logger provides structured logging for the chat relay on top of
// log/slog, with a Fields map API and deterministic field ordering.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync/atomic"
	"time"
)

// Fields holds structured key/value pairs attached to a log record.
type Fields map[string]any

var defaultLogger atomic.Pointer[slog.Logger]

func init() {
	defaultLogger.Store(New(os.Stderr))
}

// New creates a text-format slog.Logger writing to w.
func New(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// SetLogger replaces the package-level logger. Safe for concurrent use.
func SetLogger(l *slog.Logger) {
	if l != nil {
		defaultLogger.Store(l)
	}
}

// attrs converts fields to a sorted slice of slog attributes.
// Sorting keeps output deterministic regardless of map iteration order.
func attrs(fields Fields) []slog.Attr {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		out = append(out, slog.Any(k, fields[k]))
	}
	return out
}

func log(ctx context.Context, level slog.Level, skip int, msg string, fields Fields) {
	l := defaultLogger.Load()
	if !l.Enabled(ctx, level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(skip+3, pcs[:]) // skip Callers, log, and the exported wrapper
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.AddAttrs(attrs(fields)...)
	if ctx == nil {
		ctx = context.Background()
	}
	_ = l.Handler().Handle(ctx, r)
}

// Debug logs at DEBUG level. Filtered out by the default handler.
func Debug(ctx context.Context, msg string, fields Fields) {
	log(ctx, slog.LevelDebug, 0, msg, fields)
}

// Info logs at INFO level with the given structured fields.
func Info(ctx context.Context, msg string, fields Fields) {
	log(ctx, slog.LevelInfo, 0, msg, fields)
}

// Warn logs at WARN level with the given structured fields.
func Warn(ctx context.Context, msg string, fields Fields) {
	log(ctx, slog.LevelWarn, 0, msg, fields)
}

// Error logs at ERROR level. The error is attached as an "error" field.
func Error(ctx context.Context, msg string, err error, fields Fields) {
	if err != nil {
		merged := make(Fields, len(fields)+1)
		for k, v := range fields {
			merged[k] = v
		}
		merged["error"] = err.Error()
		fields = merged
	}
	log(ctx, slog.LevelError, 0, msg, fields)
}

// LogAt logs at the given level, attributing the record to a caller
// skip frames above the immediate caller.
func LogAt(level slog.Level, skip int, msg string, fields Fields) {
	log(context.Background(), level, skip, msg, fields)
}
