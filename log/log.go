package log

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/log"
)

// Options control the handler built by NewHandler. The zero value writes
// debug-level, timestamped records to stderr.
type Options struct {
	Level  string
	Writer io.Writer
}

func NewHandler(name string, opts Options) slog.Handler {
	w := opts.Writer
	if w == nil {
		// stdout is reserved for workflow outputs
		w = os.Stderr
	}

	level := log.DebugLevel
	if opts.Level != "" {
		if l, err := log.ParseLevel(opts.Level); err == nil {
			level = l
		}
	}

	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Prefix:          name,
		Level:           level,
	})
}

func New(name string) *slog.Logger {
	return slog.New(NewHandler(name, Options{}))
}

func NewWithOptions(name string, opts Options) *slog.Logger {
	return slog.New(NewHandler(name, opts))
}

func NewContext(ctx context.Context, name string) context.Context {
	return IntoContext(ctx, New(name))
}

type ctxKey struct{}

// IntoContext adds a logger to a context. Use FromContext to
// pull the logger out.
func IntoContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns a logger from a context.Context;
// if the passed context is nil, we return the default slog
// logger.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
			return l
		}
	}

	return slog.Default()
}

// SubLogger derives a new logger from an existing one by appending a suffix
// to its prefix, keeping the level of the base logger.
func SubLogger(base *slog.Logger, suffix string) *slog.Logger {
	cl, ok := base.Handler().(*log.Logger)
	if !ok {
		return base.With("component", suffix)
	}

	prefix := cl.GetPrefix()
	if prefix != "" {
		prefix = prefix + "/" + suffix
	} else {
		prefix = suffix
	}

	sub := cl.WithPrefix(prefix)
	return slog.New(sub)
}
