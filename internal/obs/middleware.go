package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Transport instruments outbound requests with metrics and structured logs.
type Transport struct {
	Base    http.RoundTripper
	Metrics *HTTPMetrics
	Logger  zerolog.Logger
}

// RoundTrip implements http.RoundTripper.
func (t Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	route := RoutePatternFromContext(r.Context())
	if route == "" {
		route = r.URL.Path
	}

	if t.Metrics != nil {
		t.Metrics.InFlight.Inc()
	}
	start := time.Now()
	resp, err := base.RoundTrip(r)
	duration := time.Since(start)

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	if t.Metrics != nil {
		t.Metrics.InFlight.Dec()
		t.Metrics.ReqTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		t.Metrics.ReqDur.WithLabelValues(r.Method, route).Observe(DurationMillis(duration))
	}

	evt := t.Logger.Debug()
	if err != nil || status >= http.StatusInternalServerError {
		evt = t.Logger.Warn()
	}
	evt = evt.
		Str("method", r.Method).
		Str("route", route).
		Str("path", r.URL.Path).
		Int("status", status).
		Int64("duration_ms", duration.Milliseconds())
	if spanCtx := trace.SpanContextFromContext(r.Context()); spanCtx.IsValid() {
		evt = evt.Str("trace_id", spanCtx.TraceID().String()).Str("span_id", spanCtx.SpanID().String())
	}
	if err != nil {
		evt = evt.Err(err)
	}
	evt.Msg("api_request")
	return resp, err
}
