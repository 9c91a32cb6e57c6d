// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides structured, leveled logging for all pipeline
// components. Loggers are cheap to derive; each component gets its own
// via WithComponent so log lines are attributable.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Level mirrors slog levels so callers don't import slog directly.
type Level int

const (
	LevelDebug Level = iota - 1
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps a config string to a Level. Unknown values get Info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Config controls logger construction.
type Config struct {
	Level  Level
	Output io.Writer // defaults to stderr
	JSON   bool      // text handler by default
	Syslog SyslogConfig
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Logger is a structured logger bound to an optional component name.
type Logger struct {
	s *slog.Logger
}

// New creates a Logger from the given config.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Syslog.Enabled {
		if w, err := NewSyslogWriter(cfg.Syslog); err == nil {
			out = io.MultiWriter(out, w)
		}
	}
	opts := &slog.HandlerOptions{Level: cfg.Level.slog()}
	var h slog.Handler
	if cfg.JSON {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return &Logger{s: slog.New(h)}
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = New(DefaultConfig())
)

// Default returns the process-wide default logger.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault replaces the process-wide default logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// WithComponent derives a logger from the default with a component attribute.
func WithComponent(name string) *Logger {
	return Default().WithComponent(name)
}

// WithComponent derives a logger with a component attribute.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{s: l.s.With("component", name)}
}

// WithError derives a logger carrying an error attribute.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{s: l.s.With("error", err)}
}

// WithFields derives a logger carrying a fixed set of attributes.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{s: l.s.With(args...)}
}

// Debug logs at debug level with alternating key/value pairs.
func (l *Logger) Debug(msg string, kv ...any) { l.s.Debug(msg, kv...) }

// Info logs at info level with alternating key/value pairs.
func (l *Logger) Info(msg string, kv ...any) { l.s.Info(msg, kv...) }

// Warn logs at warn level with alternating key/value pairs.
func (l *Logger) Warn(msg string, kv ...any) { l.s.Warn(msg, kv...) }

// Error logs at error level with alternating key/value pairs.
func (l *Logger) Error(msg string, kv ...any) { l.s.Error(msg, kv...) }

// Log logs at an explicit level. Used by adapters.
func (l *Logger) Log(ctx context.Context, level Level, msg string, kv ...any) {
	l.s.Log(ctx, level.slog(), msg, kv...)
}
