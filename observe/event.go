package observe

import (
	"encoding/json"
	"time"
)

type Kind string

type Status string

const (
	KindTask   Kind = "task"
	KindGroup  Kind = "group"
	KindPoller Kind = "poller"
	KindReaper Kind = "reaper"
	KindCustom Kind = "custom"
)

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Event is the common envelope handed to sinks. Task and group events carry
// the full published message in Payload; internal events (poller iterations,
// reaper sweeps) use Attributes.
type Event struct {
	ID          string          `json:"id,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Kind        Kind            `json:"kind"`
	Status      Status          `json:"status,omitempty"`
	Name        string          `json:"name,omitempty"`
	TaskID      string          `json:"taskId,omitempty"`
	RunID       *int            `json:"runId,omitempty"`
	TaskGroupID string          `json:"taskGroupId,omitempty"`
	TaskQueueID string          `json:"taskQueueId,omitempty"`
	SchedulerID string          `json:"schedulerId,omitempty"`
	WorkerGroup string          `json:"workerGroup,omitempty"`
	WorkerID    string          `json:"workerId,omitempty"`
	Routes      []string        `json:"routes,omitempty"`
	Message     string          `json:"message,omitempty"`
	Error       string          `json:"error,omitempty"`
	DurationMs  int64           `json:"durationMs,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attributes  map[string]any  `json:"attributes,omitempty"`
}

func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Kind == "" {
		e.Kind = KindCustom
	}
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}
}
