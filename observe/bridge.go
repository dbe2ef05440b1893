package observe

import (
	"encoding/json"
	"fmt"

	"github.com/taskcluster/taskcluster-sub006/types"
)

// FromTaskEvent wraps a published task or group message in an Event.
func FromTaskEvent(in types.TaskEvent) (Event, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s event: %w", in.Type, err)
	}
	e := Event{
		Timestamp:   in.Timestamp,
		Kind:        KindTask,
		Name:        string(in.Type),
		TaskID:      in.TaskID(),
		TaskGroupID: in.TaskGroupID,
		SchedulerID: in.SchedulerID,
		WorkerGroup: in.WorkerGroup,
		WorkerID:    in.WorkerID,
		Routes:      in.Routes,
		Payload:     payload,
		Attributes:  map[string]any{},
	}
	if in.RunID != nil {
		runID := *in.RunID
		e.RunID = &runID
	}
	if in.Status != nil {
		e.TaskQueueID = in.Status.TaskQueueID
		e.TaskGroupID = in.Status.TaskGroupID
		e.SchedulerID = in.Status.SchedulerID
		e.Attributes["state"] = string(in.Status.State)
		if in.RunID != nil {
			if run, ok := in.Status.Run(*in.RunID); ok && run.ReasonResolved != "" {
				e.Attributes["reasonResolved"] = string(run.ReasonResolved)
			}
		}
	}

	switch in.Type {
	case types.EventTaskGroupResolved:
		e.Kind = KindGroup
		e.Status = StatusCompleted
	case types.EventTaskCompleted:
		e.Status = StatusCompleted
	case types.EventTaskFailed, types.EventTaskException:
		e.Status = StatusFailed
		if reason, ok := e.Attributes["reasonResolved"].(string); ok {
			e.Error = reason
		}
	default:
		e.Status = StatusStarted
	}
	e.Normalize()
	return e, nil
}
