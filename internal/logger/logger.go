package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/otel/trace"
)

// Setup installs the default logger: text to stderr, plus JSON to logFile
// when one is given. The returned cleanup closes the file.
func Setup(level, logFile string) (*slog.Logger, func() error) {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	stderrHandler := slog.NewTextHandler(os.Stderr, opts)

	if logFile == "" {
		l := slog.New(NewContextHandler(stderrHandler))
		slog.SetDefault(l)
		return l, func() error { return nil }
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l := slog.New(NewContextHandler(stderrHandler))
		slog.SetDefault(l)
		l.Error("failed to open log file, using stderr only", "error", err, "file", logFile)
		return l, func() error { return nil }
	}

	fileHandler := slog.NewJSONHandler(file, opts)
	l := slog.New(NewContextHandler(slogmulti.Fanout(stderrHandler, fileHandler)))
	slog.SetDefault(l)
	return l, file.Close
}

// NewWithWriters builds a fan-out logger over arbitrary writers (for tests).
func NewWithWriters(text, jsonw io.Writer, level slog.Level) *slog.Logger {
	th := slog.NewTextHandler(text, &slog.HandlerOptions{Level: level})
	jh := slog.NewJSONHandler(jsonw, &slog.HandlerOptions{Level: level})
	return slog.New(NewContextHandler(slogmulti.Fanout(th, jh)))
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

// ContextHandler adds trace ids and the fields stored by WithLogFields to
// every record.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	fields := GetLogFields(ctx)
	if fields.RunID != "" {
		r.AddAttrs(slog.String("run_id", fields.RunID))
	}
	if fields.Source != "" {
		r.AddAttrs(slog.String("source", fields.Source))
	}
	if fields.Mode != "" {
		r.AddAttrs(slog.String("mode", fields.Mode))
	}
	if fields.Component != "" {
		r.AddAttrs(slog.String("component", fields.Component))
	}

	return h.Handler.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}
