package types

import (
	"encoding/json"
	"time"
)

type TaskState string

const (
	TaskUnscheduled TaskState = "unscheduled"
	TaskPending     TaskState = "pending"
	TaskRunning     TaskState = "running"
	TaskCompleted   TaskState = "completed"
	TaskFailed      TaskState = "failed"
	TaskException   TaskState = "exception"
)

// Resolved reports whether the state is terminal.
func (s TaskState) Resolved() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskException:
		return true
	default:
		return false
	}
}

type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunException RunState = "exception"
)

func (s RunState) Active() bool {
	return s == RunPending || s == RunRunning
}

type ReasonCreated string

const (
	ReasonScheduled ReasonCreated = "scheduled"
	ReasonRetry     ReasonCreated = "retry"
	ReasonTaskRetry ReasonCreated = "task-retry"
	ReasonException ReasonCreated = "exception"
	ReasonRerun     ReasonCreated = "rerun"
)

type ReasonResolved string

const (
	ResolvedCompleted           ReasonResolved = "completed"
	ResolvedFailed              ReasonResolved = "failed"
	ResolvedClaimExpired        ReasonResolved = "claim-expired"
	ResolvedDeadlineExceeded    ReasonResolved = "deadline-exceeded"
	ResolvedCanceled            ReasonResolved = "canceled"
	ResolvedWorkerShutdown      ReasonResolved = "worker-shutdown"
	ResolvedMalformedPayload    ReasonResolved = "malformed-payload"
	ResolvedResourceUnavailable ReasonResolved = "resource-unavailable"
	ResolvedInternalError       ReasonResolved = "internal-error"
	ResolvedSuperseded          ReasonResolved = "superseded"
	ResolvedIntermittentTask    ReasonResolved = "intermittent-task"
)

// WorkerReportable lists the exception reasons a worker may report. The rest
// are set by the queue itself.
var WorkerReportable = map[ReasonResolved]bool{
	ResolvedWorkerShutdown:      true,
	ResolvedMalformedPayload:    true,
	ResolvedResourceUnavailable: true,
	ResolvedInternalError:       true,
	ResolvedSuperseded:          true,
	ResolvedIntermittentTask:    true,
}

// RetryReason maps an exception reason to the reasonCreated of the follow-up
// run. Reasons not listed never retry.
func RetryReason(reason ReasonResolved) (ReasonCreated, bool) {
	switch reason {
	case ResolvedWorkerShutdown, ResolvedClaimExpired:
		return ReasonRetry, true
	case ResolvedIntermittentTask:
		return ReasonTaskRetry, true
	default:
		return "", false
	}
}

type Priority string

const (
	PriorityHighest Priority = "highest"
	PriorityHigh    Priority = "high"
	PriorityNormal  Priority = "normal"
	PriorityLow     Priority = "low"
	PriorityLowest  Priority = "lowest"
)

// Rank orders priorities; higher ranks are claimed first. Unknown priorities
// rank 0.
func (p Priority) Rank() int {
	switch p {
	case PriorityHighest:
		return 5
	case PriorityHigh:
		return 4
	case PriorityNormal:
		return 3
	case PriorityLow:
		return 2
	case PriorityLowest:
		return 1
	default:
		return 0
	}
}

type Requires string

const (
	RequiresAllCompleted Requires = "all-completed"
	RequiresAllResolved  Requires = "all-resolved"
)

// Satisfied reports whether a required task resolved in state satisfies an
// edge with this policy.
func (r Requires) Satisfied(state TaskState) bool {
	switch r {
	case RequiresAllResolved:
		return state.Resolved()
	default:
		return state == TaskCompleted
	}
}

type TaskMetadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Owner       string `json:"owner"`
	Source      string `json:"source"`
}

// TaskDefinition is the immutable part of a task.
type TaskDefinition struct {
	TaskQueueID   string            `json:"taskQueueId"`
	ProvisionerID string            `json:"provisionerId,omitempty"`
	WorkerType    string            `json:"workerType,omitempty"`
	SchedulerID   string            `json:"schedulerId"`
	TaskGroupID   string            `json:"taskGroupId"`
	ProjectID     string            `json:"projectId"`
	Dependencies  []string          `json:"dependencies"`
	Requires      Requires          `json:"requires"`
	Routes        []string          `json:"routes"`
	Priority      Priority          `json:"priority"`
	Retries       int               `json:"retries"`
	Created       time.Time         `json:"created"`
	Deadline      time.Time         `json:"deadline"`
	Expires       time.Time         `json:"expires"`
	Scopes        []string          `json:"scopes"`
	Payload       json.RawMessage   `json:"payload"`
	Metadata      TaskMetadata      `json:"metadata"`
	Tags          map[string]string `json:"tags"`
	Extra         json.RawMessage   `json:"extra"`
}

type Run struct {
	RunID          int            `json:"runId"`
	State          RunState       `json:"state"`
	ReasonCreated  ReasonCreated  `json:"reasonCreated"`
	ReasonResolved ReasonResolved `json:"reasonResolved,omitempty"`
	WorkerGroup    string         `json:"workerGroup,omitempty"`
	WorkerID       string         `json:"workerId,omitempty"`
	TakenUntil     *time.Time     `json:"takenUntil,omitempty"`
	Scheduled      time.Time      `json:"scheduled"`
	Started        *time.Time     `json:"started,omitempty"`
	Resolved       *time.Time     `json:"resolved,omitempty"`
}

// TaskStatus is the mutable part of a task together with the identifiers an
// API layer needs for authorization decisions.
type TaskStatus struct {
	TaskID      string    `json:"taskId"`
	TaskQueueID string    `json:"taskQueueId"`
	SchedulerID string    `json:"schedulerId"`
	ProjectID   string    `json:"projectId"`
	TaskGroupID string    `json:"taskGroupId"`
	Deadline    time.Time `json:"deadline"`
	Expires     time.Time `json:"expires"`
	RetriesLeft int       `json:"retriesLeft"`
	State       TaskState `json:"state"`
	Runs        []Run     `json:"runs"`
}

// LatestRun returns the most recent run, or nil when the task has none.
func (s TaskStatus) LatestRun() *Run {
	if len(s.Runs) == 0 {
		return nil
	}
	return &s.Runs[len(s.Runs)-1]
}

func (s TaskStatus) Run(runID int) (*Run, bool) {
	if runID < 0 || runID >= len(s.Runs) {
		return nil, false
	}
	return &s.Runs[runID], true
}

// ActiveRun returns the pending or running run, if any.
func (s TaskStatus) ActiveRun() *Run {
	run := s.LatestRun()
	if run == nil || !run.State.Active() {
		return nil
	}
	return run
}

type Task struct {
	TaskID     string         `json:"taskId"`
	Definition TaskDefinition `json:"task"`
	Status     TaskStatus     `json:"status"`
}

type TaskGroup struct {
	TaskGroupID string     `json:"taskGroupId"`
	SchedulerID string     `json:"schedulerId"`
	Expires     time.Time  `json:"expires"`
	Sealed      *time.Time `json:"sealed,omitempty"`
}

// TaskGroupCancellation is the outcome of cancelling a sealed task group.
type TaskGroupCancellation struct {
	TaskGroupID    string   `json:"taskGroupId"`
	TaskGroupSize  int      `json:"taskGroupSize"`
	CancelledCount int      `json:"cancelledCount"`
	TaskIDs        []string `json:"taskIds"`
}

// Artifact is artifact metadata only; content lives in external storage.
type Artifact struct {
	TaskID      string    `json:"taskId"`
	RunID       int       `json:"runId"`
	Name        string    `json:"name"`
	StorageType string    `json:"storageType"`
	ContentType string    `json:"contentType"`
	Expires     time.Time `json:"expires"`
	Created     time.Time `json:"created"`
}
