package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
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

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
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

// sumWhere returns the value of the first data point of the named counter
// carrying attribute key=value.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) (int64, bool) {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value, true
		}
	}
	return 0, false
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"voxrelay.stt.duration", m.STTDuration},
		{"voxrelay.llm.duration", m.LLMDuration},
		{"voxrelay.tts.duration", m.TTSDuration},
		{"voxrelay.synth.first_audio", m.FirstAudioLatency},
		{"voxrelay.http.request.duration", m.HTTPRequestDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestProviderCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "openai", "tts", "ok")
	m.RecordProviderRequest(ctx, "openai", "tts", "ok")
	m.RecordProviderRequest(ctx, "openai", "tts", "error")
	m.RecordProviderError(ctx, "openai", "tts")

	rm := collect(t, reader)
	if v, ok := sumWhere(t, rm, "voxrelay.provider.requests", "status", "ok"); !ok || v != 2 {
		t.Errorf("requests{status=ok} = %d (found %v), want 2", v, ok)
	}
	if v, ok := sumWhere(t, rm, "voxrelay.provider.errors", "kind", "tts"); !ok || v != 1 {
		t.Errorf("errors{kind=tts} = %d (found %v), want 1", v, ok)
	}
}

func TestFrameCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrameRelayed(ctx, DirUpstreamToClient, "binary")
	m.RecordFrameRelayed(ctx, DirUpstreamToClient, "binary")
	m.RecordFrameRelayed(ctx, DirClientToUpstream, "text")
	m.RecordFrameDropped(ctx, DirUpstreamToClient, "odd_length")

	rm := collect(t, reader)
	if v, ok := sumWhere(t, rm, "voxrelay.frames.relayed", "kind", "binary"); !ok || v != 2 {
		t.Errorf("relayed{kind=binary} = %d (found %v), want 2", v, ok)
	}
	if v, ok := sumWhere(t, rm, "voxrelay.frames.dropped", "reason", "odd_length"); !ok || v != 1 {
		t.Errorf("dropped{reason=odd_length} = %d (found %v), want 1", v, ok)
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.RecordDialFailure(ctx)

	rm := collect(t, reader)
	met := findMetric(rm, "voxrelay.active_sessions")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatal("metric is not a populated sum")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}

	dial := findMetric(rm, "voxrelay.upstream.dial_failures")
	if dial == nil {
		t.Fatal("dial failure metric not found")
	}
	if s := dial.Data.(metricdata.Sum[int64]); len(s.DataPoints) == 0 || s.DataPoints[0].Value != 1 {
		t.Errorf("dial failures: %+v", s.DataPoints)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
