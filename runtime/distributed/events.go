package distributed

import (
	"context"
	"errors"
	"fmt"

	"github.com/taskcluster/taskcluster-sub006/observe"
	"github.com/taskcluster/taskcluster-sub006/state"
	"github.com/taskcluster/taskcluster-sub006/types"
)

// storeError maps store sentinels onto queue error codes. Errors that already
// carry a code pass through.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var qe *types.Error
	if errors.As(err, &qe) {
		return err
	}
	switch {
	case errors.Is(err, state.ErrNotFound):
		return &types.Error{Code: types.CodeResourceNotFound, Message: op, Err: err}
	case errors.Is(err, state.ErrConflict):
		return &types.Error{Code: types.CodeRequestConflict, Message: op, Err: err}
	default:
		return types.Internal(op, err)
	}
}

func (s *Service) taskEvent(typ types.EventType, record state.TaskRecord, runID *int) types.TaskEvent {
	status := record.Status()
	event := types.TaskEvent{
		Type:        typ,
		Timestamp:   s.now(),
		Status:      &status,
		TaskGroupID: record.Definition.TaskGroupID,
		SchedulerID: record.Definition.SchedulerID,
		Routes:      record.Definition.Routes,
	}
	if runID != nil {
		id := *runID
		event.RunID = &id
		if run, ok := status.Run(id); ok {
			event.WorkerGroup = run.WorkerGroup
			event.WorkerID = run.WorkerID
			event.TakenUntil = run.TakenUntil
		}
	}
	return event
}

// publish hands a task event to the sink. Failures surface to the caller,
// who retries the idempotent operation and so re-publishes.
func (s *Service) publish(ctx context.Context, event types.TaskEvent) error {
	converted, err := observe.FromTaskEvent(event)
	if err != nil {
		return types.Internal("encode event", err)
	}
	if err := s.sink.Emit(ctx, converted); err != nil {
		return types.Internal(fmt.Sprintf("publish %s", event.Type), err)
	}
	return nil
}

func (s *Service) publishTask(ctx context.Context, typ types.EventType, record state.TaskRecord, runID *int) error {
	return s.publish(ctx, s.taskEvent(typ, record, runID))
}

func (s *Service) publishGroupResolved(ctx context.Context, record state.TaskRecord) error {
	return s.publish(ctx, types.TaskEvent{
		Type:        types.EventTaskGroupResolved,
		Timestamp:   s.now(),
		TaskGroupID: record.Definition.TaskGroupID,
		SchedulerID: record.Definition.SchedulerID,
	})
}

// resolvedEvent is the event type announcing a run that ended in state.
func resolvedEvent(runState types.RunState) types.EventType {
	switch runState {
	case types.RunCompleted:
		return types.EventTaskCompleted
	case types.RunFailed:
		return types.EventTaskFailed
	default:
		return types.EventTaskException
	}
}

func intPtr(v int) *int {
	return &v
}
