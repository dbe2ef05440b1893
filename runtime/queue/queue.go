package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/taskcluster/taskcluster-sub006/types"
)

// Hint points at a run that is believed to be pending. Hints over-approximate
// pending work: a hint may outlive its run, so every consumer must verify the
// run state before acting on it.
type Hint struct {
	HintID      string         `json:"hintId"`
	TaskQueueID string         `json:"taskQueueId"`
	TaskID      string         `json:"taskId"`
	RunID       int            `json:"runId"`
	Priority    types.Priority `json:"priority"`
	Inserted    time.Time      `json:"inserted"`
	Expires     time.Time      `json:"expires"`
	// ClaimToken is set by Poll and identifies this particular hand-out of
	// the hint. Delete and Release are no-ops for stale tokens.
	ClaimToken string `json:"claimToken,omitempty"`
}

// HintID is the stable id of the hint for a run. Pushing the same run twice
// does not create a second hint.
func HintID(taskID string, runID int) string {
	return fmt.Sprintf("%s/%d", taskID, runID)
}

func NewHint(taskID string, runID int, taskQueueID string, priority types.Priority, inserted, expires time.Time) Hint {
	return Hint{
		HintID:      HintID(taskID, runID),
		TaskQueueID: taskQueueID,
		TaskID:      taskID,
		RunID:       runID,
		Priority:    priority,
		Inserted:    inserted,
		Expires:     expires,
	}
}

// Index is the pending-work index, partitioned by task queue and ordered by
// priority then insertion time.
type Index interface {
	Push(ctx context.Context, hint Hint) error
	// Poll hands out up to limit hints and hides them from other pollers
	// until they are deleted, released or their visibility lapses.
	Poll(ctx context.Context, taskQueueID string, limit int) ([]Hint, error)
	Delete(ctx context.Context, hint Hint) error
	Release(ctx context.Context, hint Hint) error
	Count(ctx context.Context, taskQueueID string) (int, error)
}
