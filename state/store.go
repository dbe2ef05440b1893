package state

import (
	"context"
	"errors"
	"time"

	"github.com/taskcluster/taskcluster-sub006/runtime/queue"
	"github.com/taskcluster/taskcluster-sub006/types"
)

var (
	ErrNotFound = errors.New("state: not found")
	ErrConflict = errors.New("state: conflict")
)

// Store is the durable, transactional store behind the queue. Every method is
// atomic; conditional updates report whether they applied instead of failing.
type Store interface {
	// InlineHints reports whether run creation pushes hints into the store's
	// own index in the same transaction.
	InlineHints() bool

	CreateTask(ctx context.Context, params CreateTaskParams) (CreateTaskResult, error)
	GetTask(ctx context.Context, taskID string) (TaskRecord, error)
	MissingTasks(ctx context.Context, taskIDs []string) ([]string, error)
	AppendRun(ctx context.Context, params AppendRunParams) (AppendRunResult, error)
	ClaimRun(ctx context.Context, params ClaimRunParams) (ClaimRunResult, error)
	ReclaimRun(ctx context.Context, params ReclaimRunParams) (TaskRecord, bool, error)
	ResolveRun(ctx context.Context, params ResolveRunParams) (ResolveResult, error)
	ResolveTask(ctx context.Context, params ResolveTaskParams) (ResolveResult, error)
	ListPendingRuns(ctx context.Context, query ListQuery) ([]queue.Hint, string, error)

	ListDependents(ctx context.Context, requiredTaskID string, query ListQuery) ([]Edge, string, error)
	SatisfyRequirement(ctx context.Context, requiredTaskID, dependentTaskID string, resolved types.TaskState) (int, error)
	PollResolved(ctx context.Context, limit int, visibility time.Duration) ([]Resolution, error)
	DeleteResolved(ctx context.Context, id int64) error

	GetTaskGroup(ctx context.Context, taskGroupID string) (types.TaskGroup, error)
	SealTaskGroup(ctx context.Context, taskGroupID string, now time.Time) (types.TaskGroup, error)
	ListTaskGroupMembers(ctx context.Context, taskGroupID string, query ListQuery) ([]string, string, error)
	CountTaskGroupMembers(ctx context.Context, taskGroupID string) (int, error)

	PutArtifact(ctx context.Context, artifact types.Artifact) (types.Artifact, bool, error)
	ListArtifacts(ctx context.Context, taskID string, runID int) ([]types.Artifact, error)

	ListExpiredClaims(ctx context.Context, now time.Time, limit int) ([]RunRef, error)
	ListPastDeadline(ctx context.Context, now time.Time, limit int) ([]string, error)
	// SweepExpired deletes up to batch rows of table whose expiry is before
	// now. Row failures are joined into the returned error; the count covers
	// rows actually deleted.
	SweepExpired(ctx context.Context, table Table, now time.Time, batch int) (int, error)

	Close() error
}
