package observe

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/taskcluster/taskcluster-sub006/types"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingSink) Emit(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestMultiSinkDeliversToAllAndJoinsErrors(t *testing.T) {
	failing := &recordingSink{err: errors.New("broker down")}
	healthy := &recordingSink{}
	sink := NewMultiSink(failing, nil, healthy)

	err := sink.Emit(context.Background(), Event{Kind: KindTask, Name: "task-pending"})
	if err == nil || err.Error() != "broker down" {
		t.Fatalf("expected joined error, got %v", err)
	}
	if healthy.count() != 1 {
		t.Fatalf("expected healthy sink to receive the event despite the failure")
	}
}

func TestNewMultiSinkCollapses(t *testing.T) {
	if _, ok := NewMultiSink().(NoopSink); !ok {
		t.Fatalf("expected noop sink for no sinks")
	}
	only := &recordingSink{}
	if NewMultiSink(nil, only) != Sink(only) {
		t.Fatalf("expected single sink returned as is")
	}
}

func TestFilterSink(t *testing.T) {
	rec := &recordingSink{}
	sink := NewFilterSink(rec, KindTask, KindGroup)
	for _, kind := range []Kind{KindTask, KindPoller, KindGroup, KindReaper} {
		if err := sink.Emit(context.Background(), Event{Kind: kind}); err != nil {
			t.Fatalf("emit failed: %v", err)
		}
	}
	if rec.count() != 2 {
		t.Fatalf("expected 2 forwarded events, got %d", rec.count())
	}
}

func TestAsyncSinkDrainsOnClose(t *testing.T) {
	rec := &recordingSink{}
	sink := NewAsyncSink(rec, 4)
	for i := 0; i < 20; i++ {
		if err := sink.Emit(context.Background(), Event{Kind: KindTask}); err != nil {
			t.Fatalf("emit failed: %v", err)
		}
	}
	sink.Close()
	if rec.count() != 20 {
		t.Fatalf("expected all 20 events delivered, got %d", rec.count())
	}
}

func TestAsyncSinkHonoursContext(t *testing.T) {
	block := make(chan struct{})
	sink := NewAsyncSink(SinkFunc(func(context.Context, Event) error {
		<-block
		return nil
	}), 1)
	defer func() {
		close(block)
		sink.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var err error
	for i := 0; i < 5 && err == nil; i++ {
		err = sink.Emit(ctx, Event{Kind: KindTask})
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected emit to give up with the context, got %v", err)
	}
}

func TestFromTaskEvent(t *testing.T) {
	runID := 1
	now := time.Now().UTC()
	resolved := now
	status := &types.TaskStatus{
		TaskID:      "task-a",
		TaskQueueID: "proj/linux",
		SchedulerID: "ci",
		TaskGroupID: "group-1",
		State:       types.TaskException,
		Runs: []types.Run{
			{RunID: 0, State: types.RunException, ReasonResolved: types.ResolvedWorkerShutdown},
			{RunID: 1, State: types.RunException, ReasonResolved: types.ResolvedDeadlineExceeded, Resolved: &resolved},
		},
	}
	e, err := FromTaskEvent(types.TaskEvent{
		Type:      types.EventTaskException,
		Timestamp: now,
		Status:    status,
		RunID:     &runID,
		Routes:    []string{"index.project.a"},
	})
	if err != nil {
		t.Fatalf("FromTaskEvent failed: %v", err)
	}
	if e.Kind != KindTask || e.Status != StatusFailed || e.Error != "deadline-exceeded" {
		t.Fatalf("unexpected event envelope: %+v", e)
	}
	if e.TaskID != "task-a" || e.TaskQueueID != "proj/linux" || e.RunID == nil || *e.RunID != 1 {
		t.Fatalf("unexpected identity: %+v", e)
	}
	var decoded types.TaskEvent
	if err := json.Unmarshal(e.Payload, &decoded); err != nil {
		t.Fatalf("payload is not a task event: %v", err)
	}
	if decoded.Status == nil || decoded.Status.State != types.TaskException || len(decoded.Routes) != 0 {
		t.Fatalf("unexpected payload: %+v", decoded)
	}

	group, err := FromTaskEvent(types.TaskEvent{Type: types.EventTaskGroupResolved, TaskGroupID: "group-1", SchedulerID: "ci"})
	if err != nil {
		t.Fatalf("FromTaskEvent failed: %v", err)
	}
	if group.Kind != KindGroup || group.TaskGroupID != "group-1" || group.TaskID != "" {
		t.Fatalf("unexpected group event: %+v", group)
	}
}
