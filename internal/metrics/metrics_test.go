package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumFor(t *testing.T, m metricdata.Metrics, key, value string) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s data = %T, want Sum[int64]", m.Name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestRecordsRequestLifecycle(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := New(mp.Meter("test"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	m.RequestStarted(ctx)
	m.ModelResolved(ctx, "Xenova/whisper-tiny", nil, 20*time.Millisecond)
	m.ModelResolved(ctx, "Xenova/whisper-tiny", errors.New("boom"), time.Millisecond)
	m.Event(ctx, "RESULT")
	m.Event(ctx, "RESULT")
	m.RequestFinished(ctx, "Xenova/whisper-tiny", OutcomeDone, time.Second)

	got := collect(t, reader)
	if n := sumFor(t, got["transcriber.requests"], "outcome", OutcomeDone); n != 1 {
		t.Fatalf("done requests = %d, want 1", n)
	}
	if n := sumFor(t, got["transcriber.model.resolves"], "status", "error"); n != 1 {
		t.Fatalf("failed resolves = %d, want 1", n)
	}
	if n := sumFor(t, got["transcriber.events"], "type", "RESULT"); n != 2 {
		t.Fatalf("RESULT events = %d, want 2", n)
	}
	active := got["transcriber.requests.active"].Data.(metricdata.Sum[int64])
	if len(active.DataPoints) != 1 || active.DataPoints[0].Value != 0 {
		t.Fatalf("active = %+v, want 0", active.DataPoints)
	}
	if _, ok := got["transcriber.request.duration"].Data.(metricdata.Histogram[float64]); !ok {
		t.Fatalf("duration data = %T", got["transcriber.request.duration"].Data)
	}
}

func TestNoopAndGlobal(t *testing.T) {
	for _, m := range []*Metrics{Noop(), Global()} {
		if m == nil {
			t.Fatal("nil metrics")
		}
		m.RequestStarted(context.Background())
		m.RequestFinished(context.Background(), "x", OutcomeError, 0)
	}
}
