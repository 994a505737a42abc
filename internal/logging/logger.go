package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type Logger struct {
	format string
	base   *slog.Logger
}

// New builds a logger writing to stderr so stdout stays free for reports.
func New(format, level string) *Logger {
	return NewWithWriter(os.Stderr, format, level)
}

func NewWithWriter(w io.Writer, format, level string) *Logger {
	if format == "" {
		format = "text"
	}
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return &Logger{
		format: format,
		base:   slog.New(handler),
	}
}

// Nop discards everything.
func Nop() *Logger {
	return NewWithWriter(io.Discard, "text", "error")
}

func (l *Logger) Debug(msg string, fields ...Field) {
	l.write(slog.LevelDebug, msg, fields...)
}

func (l *Logger) Info(msg string, fields ...Field) {
	l.write(slog.LevelInfo, msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...Field) {
	l.write(slog.LevelWarn, msg, fields...)
}

func (l *Logger) Error(msg string, fields ...Field) {
	l.write(slog.LevelError, msg, fields...)
}

// With returns a child logger that always carries fields.
func (l *Logger) With(fields ...Field) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{format: l.format, base: l.base.With(toArgs(fields)...)}
}

func (l *Logger) write(level slog.Level, msg string, fields ...Field) {
	if l == nil {
		return
	}
	l.base.Log(context.Background(), level, msg, toArgs(fields)...)
}

type Field struct {
	Key   string
	Value interface{}
}

func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func toArgs(fields []Field) []any {
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
