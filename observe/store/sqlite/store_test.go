package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/taskcluster/taskcluster-sub006/observe"
	observestore "github.com/taskcluster/taskcluster-sub006/observe/store"
)

func TestStore_SaveListAndMetrics(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	store, err := New(dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	now := time.Now().UTC()
	run0 := 0
	inputs := []observe.Event{
		{TaskID: "t1", TaskGroupID: "g1", Kind: observe.KindTask, Name: "task-defined", Status: observe.StatusStarted, Timestamp: now},
		{TaskID: "t1", TaskGroupID: "g1", Kind: observe.KindTask, Name: "task-pending", RunID: &run0, Status: observe.StatusStarted, Timestamp: now.Add(time.Millisecond)},
		{TaskID: "t1", TaskGroupID: "g1", Kind: observe.KindTask, Name: "task-running", RunID: &run0, Status: observe.StatusStarted, Timestamp: now.Add(2 * time.Millisecond)},
		{TaskID: "t1", TaskGroupID: "g1", Kind: observe.KindTask, Name: "task-completed", RunID: &run0, Status: observe.StatusCompleted, Timestamp: now.Add(3 * time.Millisecond)},
		{TaskGroupID: "g1", Kind: observe.KindGroup, Name: "task-group-resolved", Status: observe.StatusCompleted, Timestamp: now.Add(4 * time.Millisecond)},
		{Kind: observe.KindPoller, Name: "iteration", Timestamp: now.Add(5 * time.Millisecond)},
	}
	for _, in := range inputs {
		if err := store.SaveEvent(ctx, in); err != nil {
			t.Fatalf("save event: %v", err)
		}
	}

	events, err := store.ListEventsByTask(ctx, "t1", observestore.ListQuery{Limit: 20})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 task events, got %d", len(events))
	}
	if events[0].RunID != nil || events[1].RunID == nil || *events[1].RunID != 0 {
		t.Fatalf("unexpected run ids: %+v %+v", events[0].RunID, events[1].RunID)
	}

	groupEvents, err := store.ListEventsByTaskGroup(ctx, "g1", observestore.ListQuery{Limit: 20})
	if err != nil {
		t.Fatalf("list group events: %v", err)
	}
	if len(groupEvents) != 5 {
		t.Fatalf("expected 5 group events, got %d", len(groupEvents))
	}

	metrics, err := store.AggregateMetrics(ctx, observestore.MetricsQuery{})
	if err != nil {
		t.Fatalf("aggregate metrics: %v", err)
	}
	want := observestore.MetricsSummary{TasksDefined: 1, TasksPending: 1, TasksRunning: 1, TasksCompleted: 1, GroupsResolved: 1}
	if metrics != want {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}
}

func TestSinkWritesThrough(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer func() { _ = store.Close() }()

	sink := observestore.NewSink(store)
	ev := observe.Event{ID: "fixed", TaskID: "t1", Kind: observe.KindTask, Name: "task-pending"}
	for i := 0; i < 2; i++ {
		if err := sink.Emit(context.Background(), ev); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	events, err := store.ListEventsByTask(context.Background(), "t1", observestore.ListQuery{})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected duplicate event id to be stored once, got %d", len(events))
	}
}
