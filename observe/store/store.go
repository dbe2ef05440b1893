package store

import (
	"context"
	"time"

	"github.com/taskcluster/taskcluster-sub006/observe"
)

type ListQuery struct {
	Limit  int
	Offset int
}

type MetricsQuery struct {
	Since *time.Time
}

// MetricsSummary counts audited events by name.
type MetricsSummary struct {
	TasksDefined   int64 `json:"tasksDefined"`
	TasksPending   int64 `json:"tasksPending"`
	TasksRunning   int64 `json:"tasksRunning"`
	TasksCompleted int64 `json:"tasksCompleted"`
	TasksFailed    int64 `json:"tasksFailed"`
	TasksException int64 `json:"tasksException"`
	GroupsResolved int64 `json:"groupsResolved"`
}

// Store is an append-only audit log of emitted events.
type Store interface {
	SaveEvent(ctx context.Context, event observe.Event) error
	ListEventsByTask(ctx context.Context, taskID string, query ListQuery) ([]observe.Event, error)
	ListEventsByTaskGroup(ctx context.Context, taskGroupID string, query ListQuery) ([]observe.Event, error)
	AggregateMetrics(ctx context.Context, query MetricsQuery) (MetricsSummary, error)
	Close() error
}

// Sink records every emitted event in the store.
type Sink struct {
	store Store
}

func NewSink(store Store) *Sink {
	return &Sink{store: store}
}

func (s *Sink) Emit(ctx context.Context, event observe.Event) error {
	if s == nil || s.store == nil {
		return nil
	}
	return s.store.SaveEvent(ctx, event)
}
