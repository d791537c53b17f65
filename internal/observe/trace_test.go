package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// installTracer routes the global tracer provider into an in-memory
// exporter until the test ends. Callers must not run in parallel.
func installTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func attrValue(attrs []attribute.KeyValue, key attribute.Key) (string, bool) {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value.AsString(), true
		}
	}
	return "", false
}

func TestStartStage_Attributes(t *testing.T) {
	exp := installTracer(t)

	_, span := StartStage(context.Background(), SpanTranscribe, "sess-1", "stt/openai")
	EndSpan(span, nil)
	_, span = StartStage(context.Background(), SpanSynthesize, "", "")
	EndSpan(span, nil)

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Name != SpanTranscribe {
		t.Errorf("name = %q, want %q", spans[0].Name, SpanTranscribe)
	}
	if v, _ := attrValue(spans[0].Attributes, KeySessionID); v != "sess-1" {
		t.Errorf("session attribute = %q, want sess-1", v)
	}
	if v, _ := attrValue(spans[0].Attributes, KeyProvider); v != "stt/openai" {
		t.Errorf("provider attribute = %q, want stt/openai", v)
	}
	if len(spans[1].Attributes) != 0 {
		t.Errorf("empty values should be omitted, got %v", spans[1].Attributes)
	}
}

func TestEndSpan_Status(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus codes.Code
		wantEvent  string
	}{
		{name: "ok", err: nil, wantStatus: codes.Unset},
		{name: "failure", err: errors.New("tts: 500"), wantStatus: codes.Error, wantEvent: "exception"},
		{name: "canceled", err: context.Canceled, wantStatus: codes.Unset, wantEvent: "canceled"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			exp := installTracer(t)

			_, span := StartStage(context.Background(), SpanGenerate, "s", "llm")
			EndSpan(span, tc.err)

			got := exp.GetSpans()
			if len(got) != 1 {
				t.Fatalf("spans = %d, want 1", len(got))
			}
			if got[0].Status.Code != tc.wantStatus {
				t.Errorf("status = %v, want %v", got[0].Status.Code, tc.wantStatus)
			}
			if tc.wantEvent == "" {
				if len(got[0].Events) != 0 {
					t.Errorf("unexpected events: %v", got[0].Events)
				}
				return
			}
			if len(got[0].Events) != 1 || got[0].Events[0].Name != tc.wantEvent {
				t.Errorf("events = %v, want one %q", got[0].Events, tc.wantEvent)
			}
		})
	}
}

func TestStartSpan_ChildSharesTrace(t *testing.T) {
	installTracer(t)

	ctx, parent := StartSpan(context.Background(), SpanVoiceTurn)
	defer parent.End()
	child, span := StartStage(ctx, SpanTranscribe, "", "")
	defer span.End()

	if CorrelationID(ctx) == "" {
		t.Fatal("no trace id on parent")
	}
	if CorrelationID(child) != CorrelationID(ctx) {
		t.Error("child span must share the parent trace id")
	}
}

func TestCorrelationID_EmptyWithoutSpan(t *testing.T) {
	t.Parallel()
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID = %q, want empty", got)
	}
}

func TestLogger_TraceFields(t *testing.T) {
	installTracer(t)

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	Logger(context.Background()).Info("no span")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("unexpected trace_id without a span: %s", buf.String())
	}

	buf.Reset()
	ctx, span := StartSpan(context.Background(), SpanUpstreamDial)
	defer span.End()
	Logger(ctx).Info("with span")
	out := buf.String()
	if !strings.Contains(out, "trace_id="+CorrelationID(ctx)) || !strings.Contains(out, "span_id=") {
		t.Errorf("log line missing trace fields: %s", out)
	}
}
