package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/semconv/v1.13.0/httpconv"
)

// Transport instruments outgoing requests: a client span per request from
// otelhttp, plus a request duration histogram. A nil base means
// http.DefaultTransport.
func (t *Telemetry) Transport(base http.RoundTripper) http.RoundTripper {
	const (
		metricNameRequestDurationMs = "client_request_duration_millis"
		metricUnitRequestDurationMs = "ms"
		metricDescRequestDurationMs = "Measures the latency of outgoing HTTP requests, in milliseconds."
	)
	histogram, err := t.meter.Int64Histogram(
		metricNameRequestDurationMs,
		otelmetric.WithDescription(metricDescRequestDurationMs),
		otelmetric.WithUnit(metricUnitRequestDurationMs),
	)
	if err != nil {
		panic(fmt.Sprintf("unable to create %s histogram: %v", metricNameRequestDurationMs, err))
	}

	timed := &durationTransport{base: base, histogram: histogram}
	return otelhttp.NewTransport(timed,
		otelhttp.WithTracerProvider(t.tp),
		otelhttp.WithMeterProvider(t.mp),
	)
}

type durationTransport struct {
	base      http.RoundTripper
	histogram otelmetric.Int64Histogram
}

func (d *durationTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	base := d.base
	if base == nil {
		base = http.DefaultTransport
	}

	startTime := time.Now()
	resp, err := base.RoundTrip(r)
	duration := time.Since(startTime)

	attrs := httpconv.ClientRequest(r)
	if resp != nil {
		attrs = append(attrs, httpconv.ClientResponse(resp)...)
	}
	d.histogram.Record(r.Context(), duration.Milliseconds(), otelmetric.WithAttributes(attrs...))

	return resp, err
}
