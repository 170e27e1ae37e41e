package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sums collects every int64 sum as "name" or "name{key=value}" for the
// points that carry key.
func sums(t *testing.T, reader *sdkmetric.ManualReader, key string) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				name := met.Name
				if v, ok := dp.Attributes.Value(attribute.Key(key)); ok {
					name += "{" + key + "=" + v.AsString() + "}"
				}
				out[name] += dp.Value
			}
		}
	}
	return out
}

// TestMetrics_DecodeRun records what one session decoding "[7273] = HI"
// with a late listener produces.
func TestMetrics_DecodeRun(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.StreamClients.Add(ctx, 2)
	m.StreamClients.Add(ctx, -1)
	m.Samples.Add(ctx, 44100)
	m.Frames.Add(ctx, 172)
	m.Ticks.Add(ctx, 20)
	m.ReadAnomalies.Add(ctx, 1)

	m.RecordDecision(ctx, "start", DecisionCount)
	for _, d := range "7273" {
		m.RecordSymbol(ctx, d)
		m.RecordDecision(ctx, "digit"+string(d), DecisionCount)
	}
	m.RecordDecision(ctx, "end", DecisionTimeout)
	m.Messages.Add(ctx, 1)
	m.RecordDroppedEvent(ctx, "spectrum")
	m.ActiveSessions.Add(ctx, -1)

	plain := sums(t, reader, "-")
	for name, want := range map[string]int64{
		"phoneear.samples":         44100,
		"phoneear.frames":          172,
		"phoneear.ticks":           20,
		"phoneear.read.anomalies":  1,
		"phoneear.messages":        1,
		"phoneear.active_sessions": 0,
		"phoneear.stream_clients":  1,
	} {
		if got := plain[name]; got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}

	byKind := sums(t, reader, "kind")
	if got := byKind["phoneear.decisions{kind=count}"]; got != 5 {
		t.Errorf("counted decisions = %d, want 5", got)
	}
	if got := byKind["phoneear.decisions{kind=timeout}"]; got != 1 {
		t.Errorf("timeout decisions = %d, want 1", got)
	}
	if got := byKind["phoneear.events.dropped{kind=spectrum}"]; got != 1 {
		t.Errorf("dropped spectrum events = %d, want 1", got)
	}

	bySymbol := sums(t, reader, "symbol")
	if got := bySymbol["phoneear.symbols{symbol=7}"]; got != 2 {
		t.Errorf("symbol 7 = %d, want 2", got)
	}
	if got := bySymbol["phoneear.symbols{symbol=2}"]; got != 1 {
		t.Errorf("symbol 2 = %d, want 1", got)
	}
}

func TestMetrics_DeviceErrorsByOp(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDeviceError(ctx, "start")
	m.RecordDeviceError(ctx, "read")
	m.RecordDeviceError(ctx, "read")

	got := sums(t, reader, "op")
	if got["phoneear.device.errors{op=read}"] != 2 || got["phoneear.device.errors{op=start}"] != 1 {
		t.Errorf("device errors = %v", got)
	}
}

func TestMetrics_AnalysisBuckets(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.AnalysisDuration.Record(ctx, 0.00003)
	m.AnalysisDuration.Record(ctx, 0.0004)
	m.AnalysisDuration.Record(ctx, 0.2)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "phoneear.analysis.duration")
	if met == nil {
		t.Fatal("phoneear.analysis.duration not recorded")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	dp := hist.DataPoints[0]
	if dp.Count != 3 {
		t.Errorf("count = %d, want 3", dp.Count)
	}
	if len(dp.Bounds) != len(analysisBuckets) {
		t.Fatalf("bounds = %v, want %v", dp.Bounds, analysisBuckets)
	}
	// First bucket, the 0.00025-0.0005 bucket and overflow.
	if dp.BucketCounts[0] != 1 || dp.BucketCounts[3] != 1 || dp.BucketCounts[len(dp.BucketCounts)-1] != 1 {
		t.Errorf("bucket counts = %v", dp.BucketCounts)
	}
	if met.Unit != "s" {
		t.Errorf("unit = %q, want s", met.Unit)
	}
}

func TestDefaultMetrics_Shared(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
