// Package logging provides the component-tagged slog wrapper used across the
// sidecar. Unlike a fleet agent, this process has nothing to ship logs to, so
// it keeps only the local-handler half of that idiom.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// KeyComponent is the structured field every logger returned by L carries.
const KeyComponent = "component"

type contextKey struct{}

var defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

func init() {
	slog.SetDefault(defaultLogger)
}

// Init reconfigures the global logger. Call once, after config is loaded and
// before the control-channel loop starts reading stdin.
//
// format: "json" or "text" (default "text")
// level: "debug", "info", "warn", "error" (default "info")
//
// Output defaults to stderr: stdout is reserved for the line-delimited
// control-channel protocol and must never carry a stray log line.
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(slog.String(KeyComponent, component))
}

// NewContext returns a new context carrying the given logger.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext extracts the logger from context, falling back to the default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

func parseLevel(s string) slog.Level {
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
