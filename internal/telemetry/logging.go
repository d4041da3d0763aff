// Package telemetry builds the process logger.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Options configures NewLogger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json or text
	File   string // optional JSONL file, appended to
	Quiet  bool   // write to the file only
	Stderr io.Writer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger returns a structured logger and the LevelVar controlling it, so
// a config reload can change verbosity without rebuilding handlers.
func NewLogger(opts Options) (*slog.Logger, *slog.LevelVar, io.Closer, error) {
	level := new(slog.LevelVar)
	level.Set(ParseLevel(opts.Level))

	var closer io.Closer = nopCloser{}
	var writers []io.Writer
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, nil, nil, err
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, nil, err
		}
		closer = f
		writers = append(writers, f)
	}
	if !opts.Quiet || len(writers) == 0 {
		out := opts.Stderr
		if out == nil {
			out = os.Stderr
		}
		writers = append(writers, out)
	}

	w := writers[0]
	if len(writers) > 1 {
		w = io.MultiWriter(writers...)
	}
	hopts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if shouldRedactKey(a.Key) {
				return slog.String(a.Key, "[REDACTED]")
			}
			return a
		},
	}
	var handler slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		handler = slog.NewTextHandler(w, hopts)
	} else {
		handler = slog.NewJSONHandler(w, hopts)
	}
	return slog.New(handler).With("service", "lockwarden"), level, closer, nil
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	for _, token := range []string{"token", "secret", "password", "authorization"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}
