package telemetry

import (
	"context"
	"errors"
	"io"
	"os"

	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

type Options struct {
	ServiceName    string
	ServiceVersion string
	// Dev prints spans and metrics to Writer instead of exporting them
	// over OTLP.
	Dev    bool
	Writer io.Writer
}

type Telemetry struct {
	tp *trace.TracerProvider
	mp *metric.MeterProvider

	meter  otelmetric.Meter
	tracer oteltrace.Tracer
}

// NewTelemetry installs global tracer and meter providers. Call Shutdown
// before exiting so buffered data is flushed.
func NewTelemetry(ctx context.Context, opts Options) (*Telemetry, error) {
	w := opts.Writer
	if w == nil {
		// stdout carries the command's own output
		w = os.Stderr
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(opts.ServiceName),
		semconv.ServiceVersion(opts.ServiceVersion),
	)

	tp, err := NewTracerProvider(ctx, res, opts.Dev, w)
	if err != nil {
		return nil, err
	}

	mp, err := NewMeterProvider(ctx, res, opts.Dev, w)
	if err != nil {
		return nil, errors.Join(err, tp.Shutdown(ctx))
	}

	return &Telemetry{
		tp: tp,
		mp: mp,

		meter:  mp.Meter(opts.ServiceName),
		tracer: tp.Tracer(opts.ServiceName),
	}, nil
}

func (t *Telemetry) Meter() otelmetric.Meter {
	return t.meter
}

func (t *Telemetry) Tracer() oteltrace.Tracer {
	return t.tracer
}

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.tp.Shutdown(ctx), t.mp.Shutdown(ctx))
}
