package state

import (
	"time"

	"github.com/taskcluster/taskcluster-sub006/runtime/queue"
	"github.com/taskcluster/taskcluster-sub006/types"
)

// TaskRecord is a task as persisted: definition, mutable status and the
// bookkeeping the dependency resolver needs.
type TaskRecord struct {
	TaskID            string               `json:"taskId"`
	Definition        types.TaskDefinition `json:"definition"`
	State             types.TaskState      `json:"state"`
	RetriesLeft       int                  `json:"retriesLeft"`
	AutoSchedule      bool                 `json:"autoSchedule"`
	UnmetDependencies int                  `json:"unmetDependencies"`
	Runs              []types.Run          `json:"runs"`
}

func (r TaskRecord) Status() types.TaskStatus {
	runs := make([]types.Run, len(r.Runs))
	copy(runs, r.Runs)
	return types.TaskStatus{
		TaskID:      r.TaskID,
		TaskQueueID: r.Definition.TaskQueueID,
		SchedulerID: r.Definition.SchedulerID,
		ProjectID:   r.Definition.ProjectID,
		TaskGroupID: r.Definition.TaskGroupID,
		Deadline:    r.Definition.Deadline,
		Expires:     r.Definition.Expires,
		RetriesLeft: r.RetriesLeft,
		State:       r.State,
		Runs:        runs,
	}
}

func (r TaskRecord) Task() types.Task {
	return types.Task{TaskID: r.TaskID, Definition: r.Definition, Status: r.Status()}
}

type CreateTaskParams struct {
	TaskID     string
	Definition types.TaskDefinition
	// Schedule creates run 0 when every dependency is already satisfied.
	Schedule bool
	Now      time.Time
}

type CreateTaskResult struct {
	Record  TaskRecord
	Created bool
	// PendingHint is set when run 0 was created.
	PendingHint *queue.Hint
}

type AppendRunParams struct {
	TaskID        string
	ReasonCreated types.ReasonCreated
	// From lists the task states the append is allowed from. Other states
	// leave the task untouched.
	From []types.TaskState
	// RequireAutoSchedule skips tasks created without auto scheduling.
	RequireAutoSchedule bool
	MaxRuns             int
	Now                 time.Time
}

type AppendRunResult struct {
	Record      TaskRecord
	Appended    bool
	PendingHint *queue.Hint
}

type ClaimOutcome int

const (
	// ClaimApplied means the run moved from pending to running.
	ClaimApplied ClaimOutcome = iota
	// ClaimHeld means the run is already running for the same worker.
	ClaimHeld
	// ClaimMissed means the run was not pending.
	ClaimMissed
)

type ClaimRunParams struct {
	TaskID      string
	RunID       int
	WorkerGroup string
	WorkerID    string
	TakenUntil  time.Time
	Now         time.Time
}

type ClaimRunResult struct {
	Record  TaskRecord
	Outcome ClaimOutcome
}

type ReclaimRunParams struct {
	TaskID      string
	RunID       int
	WorkerGroup string
	WorkerID    string
	TakenUntil  time.Time
	Now         time.Time
}

type ResolveRunParams struct {
	TaskID string
	RunID  int
	State  types.RunState
	Reason types.ReasonResolved
	// WorkerGroup and WorkerID, when set, must match the claim holder.
	WorkerGroup string
	WorkerID    string
	// ExpiredBefore restricts the update to claims whose takenUntil is
	// before the given time, so a concurrent reclaim wins.
	ExpiredBefore *time.Time
	// Retry is the reasonCreated of the follow-up run. Empty means no retry.
	Retry            types.ReasonCreated
	DecrementRetries bool
	Now              time.Time
}

// ResolveTaskParams resolves whatever run is active, or appends a resolved
// run when the task has none.
type ResolveTaskParams struct {
	TaskID string
	State  types.RunState
	Reason types.ReasonResolved
	// DeadlineBefore restricts the update to tasks whose deadline is before
	// the given time.
	DeadlineBefore *time.Time
	Now            time.Time
}

type ResolveResult struct {
	Record        TaskRecord
	Applied       bool
	RunID         int
	Retried       bool
	GroupResolved bool
	PendingHint   *queue.Hint
}

// Resolution is an entry of the resolved-task queue consumed by the
// dependency resolver.
type Resolution struct {
	ID          int64
	TaskID      string
	TaskGroupID string
	SchedulerID string
	State       types.TaskState
	Inserted    time.Time
}

type Edge struct {
	RequiredTaskID  string
	DependentTaskID string
	Requires        types.Requires
	Satisfied       bool
}

type RunRef struct {
	TaskID     string
	RunID      int
	TakenUntil time.Time
}

type ListQuery struct {
	Limit             int
	ContinuationToken string
}

// Table names the collections the expiry sweeper prunes.
type Table string

const (
	TableTasks            Table = "tasks"
	TableTaskGroups       Table = "task_groups"
	TableTaskGroupMembers Table = "task_group_members"
	TableTaskDependencies Table = "task_dependencies"
	TableHints            Table = "pending_hints"
	TableArtifacts        Table = "artifacts"
)

// SweepTables is the order the expiry sweeper visits tables in.
var SweepTables = []Table{
	TableHints,
	TableArtifacts,
	TableTaskDependencies,
	TableTaskGroupMembers,
	TableTasks,
	TableTaskGroups,
}
