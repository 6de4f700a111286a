package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// LoggerConfig selects the sink, level, and format for a Logger.
type LoggerConfig struct {
	Level      slog.Level
	Output     io.Writer
	AddSource  bool
	JSONFormat bool
}

// Logger is slog with credential redaction applied at the handler
// level: every record — message, attr values, values added later via
// With — passes through the Redactor before the underlying handler
// formats it, so no call site can leak a key by forgetting a Redacted*
// variant.
type Logger struct {
	*slog.Logger
}

// NewLogger builds a Logger writing to cfg.Output (stdout by default).
// A nil redactor disables masking.
func NewLogger(cfg LoggerConfig, redactor *Redactor) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: cfg.Level, AddSource: cfg.AddSource}

	var handler slog.Handler
	if cfg.JSONFormat {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}
	if redactor != nil {
		handler = &redactHandler{inner: handler, redactor: redactor}
	}

	return &Logger{Logger: slog.New(handler)}
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger { return l.Logger }

// With returns a Logger carrying additional fields.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithRequestID returns a Logger tagged with the request ID from ctx,
// or l unchanged if the context carries none.
func (l *Logger) WithRequestID(ctx context.Context) *Logger {
	id := RequestIDFromContext(ctx)
	if id == "" {
		return l
	}
	return l.With("request_id", id)
}

// redactHandler wraps another slog.Handler, rewriting string-valued
// content through the Redactor before delegation.
type redactHandler struct {
	inner    slog.Handler
	redactor *Redactor
}

func (h *redactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *redactHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, h.redactor.Redact(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, out)
}

func (h *redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = h.redactAttr(a)
	}
	return &redactHandler{inner: h.inner.WithAttrs(redacted), redactor: h.redactor}
}

func (h *redactHandler) WithGroup(name string) slog.Handler {
	return &redactHandler{inner: h.inner.WithGroup(name), redactor: h.redactor}
}

func (h *redactHandler) redactAttr(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		a.Value = slog.StringValue(h.redactor.Redact(a.Value.String()))
	case slog.KindGroup:
		group := a.Value.Group()
		redacted := make([]slog.Attr, len(group))
		for i, ga := range group {
			redacted[i] = h.redactAttr(ga)
		}
		a.Value = slog.GroupValue(redacted...)
	default:
		if err, ok := a.Value.Any().(error); ok {
			a.Value = slog.StringValue(h.redactor.Redact(err.Error()))
		}
	}
	return a
}
