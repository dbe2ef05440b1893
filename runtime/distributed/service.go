package distributed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/taskcluster/taskcluster-sub006/credentials"
	"github.com/taskcluster/taskcluster-sub006/observe"
	"github.com/taskcluster/taskcluster-sub006/runtime/queue"
	"github.com/taskcluster/taskcluster-sub006/state"
	"github.com/taskcluster/taskcluster-sub006/types"
)

type Option func(*Service)

func WithPolicy(policy Policy) Option {
	return func(s *Service) {
		s.policy = NormalizePolicy(policy)
	}
}

// WithIssuer sets the issuer of claim credentials. Without one, claims carry
// empty credentials.
func WithIssuer(issuer credentials.Issuer) Option {
	return func(s *Service) {
		s.issuer = issuer
	}
}

func WithSink(sink observe.Sink) Option {
	return func(s *Service) {
		if sink != nil {
			s.sink = sink
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.clock = now
		}
	}
}

// Service implements the task lifecycle on top of a durable store and a
// pending-work index.
type Service struct {
	store  state.Store
	index  queue.Index
	hints  HintSource
	issuer credentials.Issuer
	sink   observe.Sink
	policy Policy
	clock  func() time.Time

	mu         sync.Mutex
	onResolved []func()
}

func NewService(store state.Store, index queue.Index, hints HintSource, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if index == nil {
		return nil, fmt.Errorf("pending-work index is required")
	}
	if hints == nil {
		return nil, fmt.Errorf("hint source is required")
	}
	s := &Service{
		store:  store,
		index:  index,
		hints:  hints,
		sink:   observe.NoopSink{},
		policy: DefaultPolicy(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) Policy() Policy {
	return s.policy
}

func (s *Service) now() time.Time {
	return types.TruncateTime(s.clock())
}

// notifyResolved wakes whoever waits for new resolutions.
func (s *Service) notifyResolved() {
	s.mu.Lock()
	hooks := slices.Clone(s.onResolved)
	s.mu.Unlock()
	for _, hook := range hooks {
		hook()
	}
}

func (s *Service) addResolvedHook(hook func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onResolved = append(s.onResolved, hook)
}

// pushHint makes a new pending run visible to an external index. Stores
// that keep their own index already wrote the hint with the run.
func (s *Service) pushHint(ctx context.Context, hint *queue.Hint) error {
	if hint == nil || s.store.InlineHints() {
		return nil
	}
	if err := s.index.Push(ctx, *hint); err != nil {
		return types.Internal("push hint", err)
	}
	return nil
}

// announcePending pushes the hint for a freshly appended run and publishes
// task-pending for it.
func (s *Service) announcePending(ctx context.Context, record state.TaskRecord, hint *queue.Hint) error {
	if hint == nil {
		return nil
	}
	if err := s.pushHint(ctx, hint); err != nil {
		return err
	}
	return s.publishTask(ctx, types.EventTaskPending, record, intPtr(hint.RunID))
}

// CreateTask defines a task and schedules run 0 once its dependencies are
// satisfied.
func (s *Service) CreateTask(ctx context.Context, taskID string, def types.TaskDefinition) (types.TaskStatus, error) {
	return s.createTask(ctx, taskID, def, true)
}

// DefineTask defines a task that stays unscheduled until ScheduleTask.
func (s *Service) DefineTask(ctx context.Context, taskID string, def types.TaskDefinition) (types.TaskStatus, error) {
	return s.createTask(ctx, taskID, def, false)
}

func (s *Service) createTask(ctx context.Context, taskID string, def types.TaskDefinition, schedule bool) (types.TaskStatus, error) {
	taskID = strings.TrimSpace(taskID)
	def = types.Normalize(taskID, def)
	if err := types.Validate(taskID, def, s.policy.MaxTaskDeadline); err != nil {
		return types.TaskStatus{}, err
	}

	others := make([]string, 0, len(def.Dependencies))
	for _, dep := range def.Dependencies {
		if dep != taskID {
			others = append(others, dep)
		}
	}
	missing, err := s.store.MissingTasks(ctx, others)
	if err != nil {
		return types.TaskStatus{}, types.Internal("check dependencies", err)
	}
	if len(missing) > 0 {
		return types.TaskStatus{}, types.InputError("dependencies not found: %s", strings.Join(missing, ", ")).With("missing", missing)
	}

	res, err := s.store.CreateTask(ctx, state.CreateTaskParams{
		TaskID:     taskID,
		Definition: def,
		Schedule:   schedule,
		Now:        s.now(),
	})
	switch {
	case errors.Is(err, state.ErrNotFound):
		return types.TaskStatus{}, types.InputError("dependency disappeared while creating task %s: %v", taskID, err)
	case errors.Is(err, state.ErrConflict):
		return types.TaskStatus{}, types.Conflict("cannot create task %s: %v", taskID, err)
	case err != nil:
		return types.TaskStatus{}, types.Internal("create task", err)
	}

	record := res.Record
	if !res.Created {
		if !types.Equal(record.Definition, def) {
			return types.TaskStatus{}, types.Conflict("task %s already exists with a different definition", taskID)
		}
		return record.Status(), s.replayCreate(ctx, record)
	}

	if err := s.publishTask(ctx, types.EventTaskDefined, record, nil); err != nil {
		return record.Status(), err
	}
	if err := s.announcePending(ctx, record, res.PendingHint); err != nil {
		return record.Status(), err
	}
	return record.Status(), nil
}

// replayCreate repeats the side effects of a create whose first attempt may
// not have finished them.
func (s *Service) replayCreate(ctx context.Context, record state.TaskRecord) error {
	if err := s.publishTask(ctx, types.EventTaskDefined, record, nil); err != nil {
		return err
	}
	if len(record.Runs) != 1 || record.Runs[0].State != types.RunPending {
		return nil
	}
	def := record.Definition
	run := record.Runs[0]
	hint := queue.NewHint(record.TaskID, run.RunID, def.TaskQueueID, def.Priority, run.Scheduled, def.Deadline)
	return s.announcePending(ctx, record, &hint)
}

func (s *Service) load(ctx context.Context, taskID string) (state.TaskRecord, error) {
	record, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, state.ErrNotFound) {
		return state.TaskRecord{}, types.NotFound("task %s not found", taskID)
	}
	if err != nil {
		return state.TaskRecord{}, types.Internal("load task", err)
	}
	return record, nil
}

func (s *Service) Status(ctx context.Context, taskID string) (types.TaskStatus, error) {
	record, err := s.load(ctx, taskID)
	if err != nil {
		return types.TaskStatus{}, err
	}
	return record.Status(), nil
}

func (s *Service) Task(ctx context.Context, taskID string) (types.Task, error) {
	record, err := s.load(ctx, taskID)
	if err != nil {
		return types.Task{}, err
	}
	return record.Task(), nil
}

// ScheduleTask creates the first run of an unscheduled task regardless of
// its dependencies. Other states are left alone.
func (s *Service) ScheduleTask(ctx context.Context, taskID string) (types.TaskStatus, error) {
	record, err := s.load(ctx, taskID)
	if err != nil {
		return types.TaskStatus{}, err
	}
	if record.State != types.TaskUnscheduled {
		return record.Status(), nil
	}
	now := s.now()
	if !now.Before(record.Definition.Deadline) {
		return record.Status(), types.Conflict("task %s is past its deadline", taskID)
	}
	res, err := s.store.AppendRun(ctx, state.AppendRunParams{
		TaskID:        taskID,
		ReasonCreated: types.ReasonScheduled,
		From:          []types.TaskState{types.TaskUnscheduled},
		Now:           now,
	})
	if err != nil {
		return types.TaskStatus{}, storeError("schedule task", err)
	}
	if res.Appended {
		if err := s.announcePending(ctx, res.Record, res.PendingHint); err != nil {
			return res.Record.Status(), err
		}
	}
	return res.Record.Status(), nil
}

// RerunTask adds a run to a resolved task. retriesLeft is not touched.
func (s *Service) RerunTask(ctx context.Context, taskID string) (types.TaskStatus, error) {
	record, err := s.load(ctx, taskID)
	if err != nil {
		return types.TaskStatus{}, err
	}
	switch {
	case record.State == types.TaskPending || record.State == types.TaskRunning:
		return record.Status(), nil
	case record.State == types.TaskUnscheduled:
		return record.Status(), types.Conflict("task %s is unscheduled; use scheduleTask", taskID)
	}
	now := s.now()
	if !now.Before(record.Definition.Deadline) {
		return record.Status(), types.Conflict("task %s is past its deadline", taskID)
	}
	res, err := s.store.AppendRun(ctx, state.AppendRunParams{
		TaskID:        taskID,
		ReasonCreated: types.ReasonRerun,
		From:          []types.TaskState{types.TaskCompleted, types.TaskFailed, types.TaskException},
		MaxRuns:       s.policy.MaxRunsAllowed,
		Now:           now,
	})
	if errors.Is(err, state.ErrConflict) {
		return record.Status(), types.Conflict("task %s reached the maximum of %d runs", taskID, s.policy.MaxRunsAllowed)
	}
	if err != nil {
		return types.TaskStatus{}, storeError("rerun task", err)
	}
	if res.Appended {
		if err := s.announcePending(ctx, res.Record, res.PendingHint); err != nil {
			return res.Record.Status(), err
		}
	}
	return res.Record.Status(), nil
}

// CancelTask resolves the task as exception/canceled. Resolved tasks are
// returned unchanged.
func (s *Service) CancelTask(ctx context.Context, taskID string) (types.TaskStatus, error) {
	record, _, err := s.cancel(ctx, taskID)
	if err != nil {
		return types.TaskStatus{}, err
	}
	return record.Status(), nil
}

func (s *Service) cancel(ctx context.Context, taskID string) (state.TaskRecord, bool, error) {
	record, err := s.load(ctx, taskID)
	if err != nil {
		return state.TaskRecord{}, false, err
	}
	if record.State.Resolved() {
		return record, false, nil
	}
	res, err := s.store.ResolveTask(ctx, state.ResolveTaskParams{
		TaskID: taskID,
		State:  types.RunException,
		Reason: types.ResolvedCanceled,
		Now:    s.now(),
	})
	if err != nil {
		return state.TaskRecord{}, false, storeError("cancel task", err)
	}
	if !res.Applied {
		return res.Record, false, nil
	}
	return res.Record, true, s.afterResolve(ctx, res)
}

// afterResolve publishes what a committed resolution implies: the run
// event, the follow-up run when retried and the group event.
func (s *Service) afterResolve(ctx context.Context, res state.ResolveResult) error {
	record := res.Record
	run, ok := record.Status().Run(res.RunID)
	if !ok {
		return types.Internal("resolve", fmt.Errorf("run %d of task %s vanished", res.RunID, record.TaskID))
	}
	var errs []error
	if err := s.publishTask(ctx, resolvedEvent(run.State), record, intPtr(res.RunID)); err != nil {
		errs = append(errs, err)
	}
	if res.Retried {
		if err := s.announcePending(ctx, record, res.PendingHint); err != nil {
			errs = append(errs, err)
		}
	} else {
		s.notifyResolved()
	}
	if res.GroupResolved {
		if err := s.publishGroupResolved(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) SealTaskGroup(ctx context.Context, taskGroupID string) (types.TaskGroup, error) {
	group, err := s.store.SealTaskGroup(ctx, taskGroupID, s.now())
	if errors.Is(err, state.ErrNotFound) {
		return types.TaskGroup{}, types.NotFound("task group %s not found", taskGroupID)
	}
	if err != nil {
		return types.TaskGroup{}, types.Internal("seal task group", err)
	}
	return group, nil
}

func (s *Service) GetTaskGroup(ctx context.Context, taskGroupID string) (types.TaskGroup, error) {
	group, err := s.store.GetTaskGroup(ctx, taskGroupID)
	if errors.Is(err, state.ErrNotFound) {
		return types.TaskGroup{}, types.NotFound("task group %s not found", taskGroupID)
	}
	if err != nil {
		return types.TaskGroup{}, types.Internal("load task group", err)
	}
	return group, nil
}

// CancelTaskGroup cancels every unresolved member of a sealed group.
func (s *Service) CancelTaskGroup(ctx context.Context, taskGroupID string) (types.TaskGroupCancellation, error) {
	group, err := s.GetTaskGroup(ctx, taskGroupID)
	if err != nil {
		return types.TaskGroupCancellation{}, err
	}
	if group.Sealed == nil {
		return types.TaskGroupCancellation{}, types.Conflict("task group %s must be sealed before it can be cancelled", taskGroupID)
	}
	size, err := s.store.CountTaskGroupMembers(ctx, taskGroupID)
	if err != nil {
		return types.TaskGroupCancellation{}, types.Internal("count task group members", err)
	}
	out := types.TaskGroupCancellation{TaskGroupID: taskGroupID, TaskGroupSize: size, TaskIDs: []string{}}
	query := state.ListQuery{Limit: s.policy.ReaperBatchSize}
	for {
		ids, next, err := s.store.ListTaskGroupMembers(ctx, taskGroupID, query)
		if err != nil {
			return out, types.Internal("list task group members", err)
		}
		for _, id := range ids {
			_, cancelled, err := s.cancel(ctx, id)
			if types.IsNotFound(err) {
				continue
			}
			if err != nil {
				return out, err
			}
			if cancelled {
				out.CancelledCount++
				out.TaskIDs = append(out.TaskIDs, id)
			}
		}
		if next == "" {
			return out, nil
		}
		query.ContinuationToken = next
	}
}

func (s *Service) ListTaskGroup(ctx context.Context, taskGroupID string, query ListQuery) (TaskGroupListing, error) {
	group, err := s.GetTaskGroup(ctx, taskGroupID)
	if err != nil {
		return TaskGroupListing{}, err
	}
	ids, next, err := s.store.ListTaskGroupMembers(ctx, taskGroupID, state.ListQuery(query))
	if err != nil {
		return TaskGroupListing{}, types.Internal("list task group members", err)
	}
	tasks, err := s.loadTasks(ctx, ids)
	if err != nil {
		return TaskGroupListing{}, err
	}
	return TaskGroupListing{
		TaskGroupID:       group.TaskGroupID,
		SchedulerID:       group.SchedulerID,
		Sealed:            group.Sealed,
		Expires:           group.Expires,
		Tasks:             tasks,
		ContinuationToken: next,
	}, nil
}

func (s *Service) ListDependentTasks(ctx context.Context, taskID string, query ListQuery) (DependentListing, error) {
	if _, err := s.load(ctx, taskID); err != nil {
		return DependentListing{}, err
	}
	edges, next, err := s.store.ListDependents(ctx, taskID, state.ListQuery(query))
	if err != nil {
		return DependentListing{}, types.Internal("list dependents", err)
	}
	ids := make([]string, 0, len(edges))
	for _, edge := range edges {
		ids = append(ids, edge.DependentTaskID)
	}
	tasks, err := s.loadTasks(ctx, ids)
	if err != nil {
		return DependentListing{}, err
	}
	return DependentListing{TaskID: taskID, Tasks: tasks, ContinuationToken: next}, nil
}

// loadTasks skips ids whose task was already swept.
func (s *Service) loadTasks(ctx context.Context, ids []string) ([]types.Task, error) {
	tasks := make([]types.Task, 0, len(ids))
	for _, id := range ids {
		record, err := s.store.GetTask(ctx, id)
		if errors.Is(err, state.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, types.Internal("load task", err)
		}
		tasks = append(tasks, record.Task())
	}
	return tasks, nil
}

// PendingCount is the number of claimable hints for a task queue, an upper
// bound on its pending runs.
func (s *Service) PendingCount(ctx context.Context, taskQueueID string) (int, error) {
	n, err := s.index.Count(ctx, taskQueueID)
	if err != nil {
		return 0, types.Internal("count pending", err)
	}
	return n, nil
}

// RepairHints re-pushes a hint for every pending run into an external index,
// recovering pushes lost between commit and push.
func (s *Service) RepairHints(ctx context.Context) (int, error) {
	if s.store.InlineHints() {
		return 0, nil
	}
	pushed := 0
	query := state.ListQuery{Limit: s.policy.SweepBatchSize}
	for {
		hints, next, err := s.store.ListPendingRuns(ctx, query)
		if err != nil {
			return pushed, types.Internal("list pending runs", err)
		}
		for _, hint := range hints {
			if err := s.index.Push(ctx, hint); err != nil {
				log.Printf("[taskqueue] repair hint=%s failed: %v", hint.HintID, err)
				continue
			}
			pushed++
		}
		if next == "" {
			return pushed, nil
		}
		query.ContinuationToken = next
	}
}

// CreateArtifact records artifact metadata for a running run. Creating the
// same artifact twice returns the first record.
func (s *Service) CreateArtifact(ctx context.Context, artifact types.Artifact) (types.Artifact, error) {
	artifact.Name = strings.TrimSpace(artifact.Name)
	if artifact.Name == "" {
		return types.Artifact{}, types.InputError("artifact name is required")
	}
	if strings.TrimSpace(artifact.StorageType) == "" {
		return types.Artifact{}, types.InputError("artifact storageType is required")
	}
	record, err := s.load(ctx, artifact.TaskID)
	if err != nil {
		return types.Artifact{}, err
	}
	run, ok := record.Status().Run(artifact.RunID)
	if !ok {
		return types.Artifact{}, types.NotFound("run %d of task %s not found", artifact.RunID, artifact.TaskID)
	}
	if artifact.Expires.IsZero() {
		artifact.Expires = record.Definition.Expires
	}
	if artifact.Expires.After(record.Definition.Expires) {
		return types.Artifact{}, types.InputError("artifact expires after its task")
	}
	if artifact.ContentType == "" {
		artifact.ContentType = "application/octet-stream"
	}

	if run.State != types.RunRunning {
		existing, err := s.findArtifact(ctx, artifact)
		if err != nil {
			return types.Artifact{}, err
		}
		if existing == nil {
			return types.Artifact{}, types.Conflict("run %d of task %s is %s; artifacts can only be created while it runs", artifact.RunID, artifact.TaskID, run.State)
		}
		return sameArtifact(*existing, artifact)
	}

	stored, created, err := s.store.PutArtifact(ctx, artifact)
	if err != nil {
		return types.Artifact{}, storeError("create artifact", err)
	}
	if created {
		return stored, nil
	}
	return sameArtifact(stored, artifact)
}

func (s *Service) findArtifact(ctx context.Context, artifact types.Artifact) (*types.Artifact, error) {
	artifacts, err := s.store.ListArtifacts(ctx, artifact.TaskID, artifact.RunID)
	if err != nil {
		return nil, types.Internal("list artifacts", err)
	}
	for i := range artifacts {
		if artifacts[i].Name == artifact.Name {
			return &artifacts[i], nil
		}
	}
	return nil, nil
}

func sameArtifact(stored, requested types.Artifact) (types.Artifact, error) {
	if stored.StorageType != requested.StorageType || stored.ContentType != requested.ContentType {
		return stored, types.Conflict("artifact %s already exists with different metadata", requested.Name)
	}
	return stored, nil
}

func (s *Service) ListArtifacts(ctx context.Context, taskID string, runID int) ([]types.Artifact, error) {
	record, err := s.load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if _, ok := record.Status().Run(runID); !ok {
		return nil, types.NotFound("run %d of task %s not found", runID, taskID)
	}
	artifacts, err := s.store.ListArtifacts(ctx, taskID, runID)
	if err != nil {
		return nil, types.Internal("list artifacts", err)
	}
	return artifacts, nil
}
