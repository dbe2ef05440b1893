package otel

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/taskcluster/taskcluster-sub006/observe"
)

func TestSinkEmitsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	sink := NewSink(tp)

	runID := 2
	err := sink.Emit(context.Background(), observe.Event{
		Kind:        observe.KindTask,
		Name:        "task-completed",
		TaskID:      "task-123",
		RunID:       &runID,
		TaskQueueID: "proj/linux",
		Status:      observe.StatusCompleted,
		Timestamp:   time.Now(),
		DurationMs:  150,
	})
	if err != nil {
		t.Fatal(err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	span := spans[0]
	if span.Name != "taskqueue.task.task-completed" {
		t.Errorf("unexpected span name %q", span.Name)
	}

	attrMap := attrToMap(span.Attributes)
	if v, ok := attrMap["taskqueue.task.id"]; !ok || v != "task-123" {
		t.Errorf("missing or wrong taskqueue.task.id: %v", attrMap)
	}
	if v, ok := attrMap["taskqueue.run.id"]; !ok || v != "2" {
		t.Errorf("missing or wrong taskqueue.run.id: %v", attrMap)
	}
	if v, ok := attrMap["taskqueue.task_queue.id"]; !ok || v != "proj/linux" {
		t.Errorf("missing or wrong taskqueue.task_queue.id: %v", attrMap)
	}
}

func TestSpanNaming(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	sink := NewSink(tp)
	now := time.Now()

	tests := []struct {
		event    observe.Event
		wantName string
	}{
		{observe.Event{Kind: observe.KindTask, Name: "task-pending", Timestamp: now}, "taskqueue.task.task-pending"},
		{observe.Event{Kind: observe.KindGroup, Timestamp: now}, "taskqueue.group.resolved"},
		{observe.Event{Kind: observe.KindPoller, Timestamp: now}, "taskqueue.hintpoller.iteration"},
		{observe.Event{Kind: observe.KindReaper, Name: "claim", Timestamp: now}, "taskqueue.reaper.claim"},
		{observe.Event{Kind: observe.KindCustom, Name: "custom_event", Timestamp: now}, "taskqueue.custom_event"},
	}

	for _, tt := range tests {
		exporter.Reset()
		sink.Emit(context.Background(), tt.event)
		spans := exporter.GetSpans()
		if len(spans) != 1 {
			t.Errorf("expected 1 span for %s, got %d", tt.wantName, len(spans))
			continue
		}
		if spans[0].Name != tt.wantName {
			t.Errorf("expected span name %q, got %q", tt.wantName, spans[0].Name)
		}
	}
}

func TestSinkErrorStatus(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	sink := NewSink(tp)
	sink.Emit(context.Background(), observe.Event{
		Kind:      observe.KindTask,
		Name:      "task-exception",
		Status:    observe.StatusFailed,
		Error:     "claim-expired",
		Timestamp: time.Now(),
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected error event recorded on span")
	}
}

func TestNilTracerProvider(t *testing.T) {
	sink := NewSink(nil)
	err := sink.Emit(context.Background(), observe.Event{
		Kind:      observe.KindTask,
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Errorf("expected no error with nil provider, got: %v", err)
	}
}

func attrToMap(attrs []attribute.KeyValue) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}
