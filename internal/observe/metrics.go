// Package observe holds the receiver's telemetry: OpenTelemetry instruments
// for the capture and decode pipeline, span helpers, a context-aware logger
// and the HTTP middleware.
//
// [InitProvider] installs the SDK and exports all instruments to a Prometheus
// registry served at /metrics. Tests build isolated instruments with
// [NewMetrics] on an SDK meter provider with a manual reader.
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all phoneear metrics.
const meterName = "github.com/MrWong99/phoneear"

// Decision kinds used as the "kind" attribute of [Metrics.Decisions].
const (
	DecisionCount   = "count"
	DecisionTimeout = "timeout"
	DecisionSync    = "sync"
)

// Metrics holds the receiver's instruments. Fields are safe for concurrent
// use.
type Metrics struct {
	// --- Latency histograms ---

	// AnalysisDuration tracks the time spent feeding one audio block through
	// the spectral engine.
	AnalysisDuration metric.Float64Histogram

	// --- Pipeline counters ---

	// Samples counts mono samples delivered by the capture source.
	Samples metric.Int64Counter

	// Frames counts spectral frames pulled by the pipeline.
	Frames metric.Int64Counter

	// Ticks counts voting-window ticks.
	Ticks metric.Int64Counter

	// Decisions counts closed decode slots. Use with attributes:
	//   attribute.String("role", ...), attribute.String("kind", ...)
	Decisions metric.Int64Counter

	// Symbols counts characters appended to the message buffer. Use with
	// attribute:
	//   attribute.String("symbol", ...)
	Symbols metric.Int64Counter

	// Messages counts finalized messages.
	Messages metric.Int64Counter

	// DroppedEvents counts lossy events discarded because the consumer was
	// behind. Use with attribute:
	//   attribute.String("kind", ...)
	DroppedEvents metric.Int64Counter

	// --- Error counters ---

	// ReadAnomalies counts empty reads that were skipped.
	ReadAnomalies metric.Int64Counter

	// DeviceErrors counts session-fatal device failures. Use with attribute:
	//   attribute.String("op", ...)
	DeviceErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of running decode sessions.
	ActiveSessions metric.Int64UpDownCounter

	// StreamClients tracks the number of connected WebSocket event clients.
	StreamClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.String("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// analysisBuckets defines histogram bucket boundaries (in seconds) for the
// per-block transform cost.
var analysisBuckets = []float64{
	0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05,
}

// NewMetrics creates every instrument on a meter from mp. The error joins
// all instruments that could not be created.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var errs []error

	count := func(dst *metric.Int64Counter, name, desc string) {
		c, err := m.Int64Counter(name, metric.WithDescription(desc))
		*dst = c
		errs = append(errs, err)
	}
	gauge := func(dst *metric.Int64UpDownCounter, name, desc string) {
		g, err := m.Int64UpDownCounter(name, metric.WithDescription(desc))
		*dst = g
		errs = append(errs, err)
	}
	seconds := func(dst *metric.Float64Histogram, name, desc string, buckets ...float64) {
		opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
		if len(buckets) > 0 {
			opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
		}
		h, err := m.Float64Histogram(name, opts...)
		*dst = h
		errs = append(errs, err)
	}

	seconds(&met.AnalysisDuration, "phoneear.analysis.duration", "Time spent in spectral analysis per audio block.", analysisBuckets...)
	seconds(&met.HTTPRequestDuration, "phoneear.http.request.duration", "HTTP request latency by method, route and status.")

	count(&met.Samples, "phoneear.samples", "Total mono samples captured.")
	count(&met.Frames, "phoneear.frames", "Total spectral frames classified.")
	count(&met.Ticks, "phoneear.ticks", "Total voting-window ticks.")
	count(&met.Decisions, "phoneear.decisions", "Total decode-slot decisions by role and kind.")
	count(&met.Symbols, "phoneear.symbols", "Total characters appended to the message buffer by symbol.")
	count(&met.Messages, "phoneear.messages", "Total finalized messages.")
	count(&met.DroppedEvents, "phoneear.events.dropped", "Total lossy events dropped by kind.")
	count(&met.ReadAnomalies, "phoneear.read.anomalies", "Total empty reads skipped by the capture loop.")
	count(&met.DeviceErrors, "phoneear.device.errors", "Total session-fatal device errors by operation.")

	gauge(&met.ActiveSessions, "phoneear.active_sessions", "Number of running decode sessions.")
	gauge(&met.StreamClients, "phoneear.stream_clients", "Number of connected event stream clients.")

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns metrics bound to the global meter provider at the
// time of the first call. It panics if an instrument cannot be created.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordDecision records one closed decode slot.
func (m *Metrics) RecordDecision(ctx context.Context, role, kind string) {
	m.Decisions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("role", role),
			attribute.String("kind", kind),
		),
	)
}

// RecordSymbol records one character appended to the message buffer.
func (m *Metrics) RecordSymbol(ctx context.Context, symbol rune) {
	m.Symbols.Add(ctx, 1,
		metric.WithAttributes(attribute.String("symbol", string(symbol))),
	)
}

// RecordDroppedEvent records one lossy event discarded for a slow consumer.
func (m *Metrics) RecordDroppedEvent(ctx context.Context, kind string) {
	m.DroppedEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordDeviceError records a session-fatal device error.
func (m *Metrics) RecordDeviceError(ctx context.Context, op string) {
	m.DeviceErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("op", op)),
	)
}
