// Package logging configures the process-wide slog logger. Package-level
// loggers obtained with L before Init runs follow the handler Init installs.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Structured field keys shared by every package.
const (
	KeyComponent  = "component"
	KeyChannelID  = "channelId"
	KeyStreamID   = "streamId"
	KeyStreamType = "streamType"
	KeyFunction   = "function"
	KeyRequestID  = "requestId"
	KeyStatusCode = "statusCode"
	KeyState      = "state"
	KeyDurationMs = "durationMs"
	KeyError      = "error"
)

type contextKey struct{}

// root is the handler Init installed. Every deferredHandler resolves
// against it at log time.
var root atomic.Pointer[slog.Handler]

func setRoot(h slog.Handler) {
	root.Store(&h)
}

// deferredHandler records WithAttrs and WithGroup calls and replays them on
// the current root handler. The replayed chain is cached until the root
// changes.
type deferredHandler struct {
	steps []func(slog.Handler) slog.Handler
	cache atomic.Pointer[resolved]
}

type resolved struct {
	root    *slog.Handler
	handler slog.Handler
}

func (h *deferredHandler) resolve() slog.Handler {
	r := root.Load()
	if c := h.cache.Load(); c != nil && c.root == r {
		return c.handler
	}
	out := *r
	for _, step := range h.steps {
		out = step(out)
	}
	h.cache.Store(&resolved{root: r, handler: out})
	return out
}

func (h *deferredHandler) with(step func(slog.Handler) slog.Handler) *deferredHandler {
	steps := make([]func(slog.Handler) slog.Handler, len(h.steps), len(h.steps)+1)
	copy(steps, h.steps)
	return &deferredHandler{steps: append(steps, step)}
}

func (h *deferredHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *deferredHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *deferredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.with(func(next slog.Handler) slog.Handler { return next.WithAttrs(attrs) })
}

func (h *deferredHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(func(next slog.Handler) slog.Handler { return next.WithGroup(name) })
}

var base = slog.New(&deferredHandler{})

func init() {
	setRoot(newHandler("text", slog.LevelInfo, os.Stdout))
	slog.SetDefault(base)
}

func newHandler(format string, level slog.Level, w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Init switches every logger to the given format ("text" or "json"), level
// ("debug", "info", "warn", "error") and output. A nil output is stdout.
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stdout
	}
	setRoot(newHandler(format, parseLevel(level), output))
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return base.With(slog.String(KeyComponent, component))
}

// WithStream tags logger with a stream id and type.
func WithStream(logger *slog.Logger, streamID int64, streamType string) *slog.Logger {
	return logger.With(
		slog.Int64(KeyStreamID, streamID),
		slog.String(KeyStreamType, streamType),
	)
}

func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the logger stored by NewContext, or the base logger.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return base
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	switch s = strings.ToLower(strings.TrimSpace(s)); s {
	case "warning":
		return slog.LevelWarn
	case "":
		return slog.LevelInfo
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
