package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"

	"github.com/kinkys/narrativecore/internal/shared"
)

// NewLogger opens homeDir/logs/system.jsonl for durable JSON logging and,
// when stdout is an interactive terminal and quiet is false, also fans
// out to a colorized tint console handler -- the same isatty check the
// daemon's own interactive/TUI switch uses, applied to log formatting
// instead.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	logFilePath := filepath.Join(logDir, "system.jsonl")
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	lvl := parseLevel(level)
	replaceAttr := func(_ []string, a slog.Attr) slog.Attr {
		if a.Key == slog.TimeKey {
			a.Key = "timestamp"
		}
		if shouldRedactKey(a.Key) {
			return slog.String(a.Key, "[REDACTED]")
		}
		if a.Value.Kind() == slog.KindString {
			if redacted, ok := redactStringValue(a.Value.String()); ok {
				return slog.String(a.Key, redacted)
			}
		}
		return a
	}

	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: lvl, ReplaceAttr: replaceAttr})

	var handler slog.Handler = fileHandler
	if !quiet {
		if isatty.IsTerminal(os.Stdout.Fd()) {
			console := tint.NewHandler(os.Stdout, &tint.Options{Level: lvl, ReplaceAttr: replaceAttr})
			handler = fanoutHandler{fileHandler, console}
		} else {
			plain := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl, ReplaceAttr: replaceAttr})
			handler = fanoutHandler{fileHandler, plain}
		}
	}

	logger := slog.New(handler).With("component", "runtime", "trace_id", "-")
	return logger, file, nil
}

// fanoutHandler forwards every record to each wrapped handler in turn,
// so the durable JSON file and the human-readable console can each use
// their own formatting off the same log call.
type fanoutHandler []slog.Handler

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	sensitiveTokens := []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}
	for _, token := range sensitiveTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	// Full redaction for strings containing bearer tokens or auth headers.
	if strings.Contains(lower, "bearer ") {
		return "[REDACTED]", true
	}
	if strings.Contains(lower, "api_key") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	// Apply shared pattern-based redaction for other secrets.
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
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
