package distributed

import (
	"context"
	"time"

	"github.com/taskcluster/taskcluster-sub006/credentials"
	"github.com/taskcluster/taskcluster-sub006/runtime/queue"
	"github.com/taskcluster/taskcluster-sub006/types"
)

// HintSource hands out hints for a task queue, blocking until some are
// available or ctx ends.
type HintSource interface {
	RequestClaim(ctx context.Context, taskQueueID string, count int) ([]queue.Hint, error)
}

type ClaimWorkRequest struct {
	TaskQueueID string
	WorkerGroup string
	WorkerID    string
	Count       int
}

// ClaimedTask is what a worker receives for a successful claim.
type ClaimedTask struct {
	Status      types.TaskStatus        `json:"status"`
	RunID       int                     `json:"runId"`
	WorkerGroup string                  `json:"workerGroup"`
	WorkerID    string                  `json:"workerId"`
	TakenUntil  time.Time               `json:"takenUntil"`
	Task        types.TaskDefinition    `json:"task"`
	Credentials credentials.Credentials `json:"credentials"`
}

type ClaimOutcome int

const (
	ClaimSuccess ClaimOutcome = iota
	// ClaimStale means the hint no longer pointed at a claimable run.
	ClaimStale
)

func (o ClaimOutcome) String() string {
	switch o {
	case ClaimSuccess:
		return "success"
	case ClaimStale:
		return "stale"
	default:
		return "unknown"
	}
}

// ClaimAttempt is the result of claiming through one hint. Claimed is set
// only on success.
type ClaimAttempt struct {
	Outcome ClaimOutcome
	Claimed *ClaimedTask
}

// Worker identifies the caller of a run operation. An empty identity is an
// internal caller and skips the claim holder check.
type Worker struct {
	WorkerGroup string
	WorkerID    string
}

type ReclaimResult struct {
	Status      types.TaskStatus        `json:"status"`
	RunID       int                     `json:"runId"`
	WorkerGroup string                  `json:"workerGroup"`
	WorkerID    string                  `json:"workerId"`
	TakenUntil  time.Time               `json:"takenUntil"`
	Credentials credentials.Credentials `json:"credentials"`
}

type ListQuery struct {
	Limit             int
	ContinuationToken string
}

type TaskGroupListing struct {
	TaskGroupID       string       `json:"taskGroupId"`
	SchedulerID       string       `json:"schedulerId"`
	Sealed            *time.Time   `json:"sealed,omitempty"`
	Expires           time.Time    `json:"expires"`
	Tasks             []types.Task `json:"tasks"`
	ContinuationToken string       `json:"continuationToken,omitempty"`
}

type DependentListing struct {
	TaskID            string       `json:"taskId"`
	Tasks             []types.Task `json:"tasks"`
	ContinuationToken string       `json:"continuationToken,omitempty"`
}

// SweepResult counts what one reaper or sweeper pass did.
type SweepResult struct {
	Resolved int `json:"resolved"`
	Deleted  int `json:"deleted"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}
