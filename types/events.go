package types

import "time"

type EventType string

const (
	EventTaskDefined       EventType = "task-defined"
	EventTaskPending       EventType = "task-pending"
	EventTaskRunning       EventType = "task-running"
	EventTaskCompleted     EventType = "task-completed"
	EventTaskFailed        EventType = "task-failed"
	EventTaskException     EventType = "task-exception"
	EventTaskGroupResolved EventType = "task-group-resolved"
)

// TaskEvent is published on every task transition. Delivery is
// at-least-once; consumers dedupe on (Type, TaskID, RunID, state).
type TaskEvent struct {
	Type        EventType   `json:"type"`
	Timestamp   time.Time   `json:"timestamp"`
	Status      *TaskStatus `json:"status,omitempty"`
	RunID       *int        `json:"runId,omitempty"`
	WorkerGroup string      `json:"workerGroup,omitempty"`
	WorkerID    string      `json:"workerId,omitempty"`
	TakenUntil  *time.Time  `json:"takenUntil,omitempty"`
	TaskGroupID string      `json:"taskGroupId,omitempty"`
	SchedulerID string      `json:"schedulerId,omitempty"`
	Routes      []string    `json:"-"`
}

// TaskID returns the id of the task the event is about, empty for group
// events.
func (e TaskEvent) TaskID() string {
	if e.Status == nil {
		return ""
	}
	return e.Status.TaskID
}
