// Package otel bridges the observe.Sink to OpenTelemetry tracing.
//
// Every task transition, task group resolution, hint poller iteration and
// reaper sweep becomes a span, so queue activity is visible in any
// OpenTelemetry-compatible backend.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/taskcluster/taskcluster-sub006/observe"
)

const instrumentationName = "github.com/taskcluster/taskcluster-sub006/observe/otel"

// Sink implements observe.Sink by emitting OpenTelemetry spans.
type Sink struct {
	tracer trace.Tracer
}

// NewSink creates an OTel sink using the given TracerProvider.
// If tp is nil, it uses a noop tracer provider.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{
		tracer: tp.Tracer(instrumentationName),
	}
}

// Emit converts an observe.Event into an OTel span.
func (s *Sink) Emit(_ context.Context, event observe.Event) error {
	event.Normalize()

	startTime := event.Timestamp
	_, span := s.tracer.Start(context.Background(), spanNameFor(event), trace.WithTimestamp(startTime))

	attrs := []attribute.KeyValue{
		attribute.String("taskqueue.event.kind", string(event.Kind)),
	}
	if event.Name != "" {
		attrs = append(attrs, attribute.String("taskqueue.event.name", event.Name))
	}
	if event.TaskID != "" {
		attrs = append(attrs, attribute.String("taskqueue.task.id", event.TaskID))
	}
	if event.RunID != nil {
		attrs = append(attrs, attribute.Int("taskqueue.run.id", *event.RunID))
	}
	if event.TaskGroupID != "" {
		attrs = append(attrs, attribute.String("taskqueue.task_group.id", event.TaskGroupID))
	}
	if event.TaskQueueID != "" {
		attrs = append(attrs, attribute.String("taskqueue.task_queue.id", event.TaskQueueID))
	}
	if event.SchedulerID != "" {
		attrs = append(attrs, attribute.String("taskqueue.scheduler.id", event.SchedulerID))
	}
	if event.WorkerGroup != "" || event.WorkerID != "" {
		attrs = append(attrs,
			attribute.String("taskqueue.worker.group", event.WorkerGroup),
			attribute.String("taskqueue.worker.id", event.WorkerID),
		)
	}
	if event.Status != "" {
		attrs = append(attrs, attribute.String("taskqueue.status", string(event.Status)))
	}
	if event.Message != "" {
		attrs = append(attrs, attribute.String("taskqueue.message", truncate(event.Message, 1024)))
	}
	if event.DurationMs > 0 {
		attrs = append(attrs, attribute.Int64("taskqueue.duration_ms", event.DurationMs))
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, attribute.String("taskqueue.attr."+k, fmt.Sprintf("%v", v)))
	}
	span.SetAttributes(attrs...)

	if event.Status == observe.StatusFailed {
		span.SetStatus(codes.Error, event.Error)
		if event.Error != "" {
			span.RecordError(fmt.Errorf("%s", event.Error))
		}
	} else if event.Status == observe.StatusCompleted {
		span.SetStatus(codes.Ok, "")
	}

	endTime := startTime
	if event.DurationMs > 0 {
		endTime = startTime.Add(time.Duration(event.DurationMs) * time.Millisecond)
	}
	span.End(trace.WithTimestamp(endTime))
	return nil
}

func spanNameFor(event observe.Event) string {
	switch event.Kind {
	case observe.KindTask:
		if event.Name != "" {
			return "taskqueue.task." + event.Name
		}
		return "taskqueue.task"
	case observe.KindGroup:
		return "taskqueue.group.resolved"
	case observe.KindPoller:
		return "taskqueue.hintpoller.iteration"
	case observe.KindReaper:
		if event.Name != "" {
			return "taskqueue.reaper." + event.Name
		}
		return "taskqueue.reaper"
	default:
		if event.Name != "" {
			return "taskqueue." + event.Name
		}
		return "taskqueue.event"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
