package distributed

import (
	"context"

	"github.com/taskcluster/taskcluster-sub006/state"
	"github.com/taskcluster/taskcluster-sub006/types"
)

func (s *Service) ReportCompleted(ctx context.Context, taskID string, runID int, worker Worker) (types.TaskStatus, error) {
	return s.report(ctx, taskID, runID, worker, types.RunCompleted, types.ResolvedCompleted)
}

func (s *Service) ReportFailed(ctx context.Context, taskID string, runID int, worker Worker) (types.TaskStatus, error) {
	return s.report(ctx, taskID, runID, worker, types.RunFailed, types.ResolvedFailed)
}

// ReportException resolves a run as exception. worker-shutdown and
// intermittent-task are retried while the task has retries left and its
// deadline has not passed.
func (s *Service) ReportException(ctx context.Context, taskID string, runID int, worker Worker, reason types.ReasonResolved) (types.TaskStatus, error) {
	if !types.WorkerReportable[reason] {
		return types.TaskStatus{}, types.InputError("reason %q cannot be reported by a worker", reason)
	}
	return s.report(ctx, taskID, runID, worker, types.RunException, reason)
}

func (s *Service) report(ctx context.Context, taskID string, runID int, worker Worker, target types.RunState, reason types.ReasonResolved) (types.TaskStatus, error) {
	record, err := s.load(ctx, taskID)
	if err != nil {
		return types.TaskStatus{}, err
	}
	if done, err := s.checkReport(ctx, record, runID, worker, target, reason); done || err != nil {
		return record.Status(), err
	}

	params := state.ResolveRunParams{
		TaskID:      taskID,
		RunID:       runID,
		State:       target,
		Reason:      reason,
		WorkerGroup: worker.WorkerGroup,
		WorkerID:    worker.WorkerID,
		Now:         s.now(),
	}
	// Past the deadline a retry could never be claimed.
	if retry, ok := types.RetryReason(reason); ok && target == types.RunException && params.Now.Before(record.Definition.Deadline) {
		params.Retry = retry
		params.DecrementRetries = !s.policy.FreeWorkerRetries
	}
	res, err := s.store.ResolveRun(ctx, params)
	if err != nil {
		return types.TaskStatus{}, storeError("resolve run", err)
	}
	if !res.Applied {
		// Lost a race; judge the call against the state that won.
		_, err := s.checkReport(ctx, res.Record, runID, worker, target, reason)
		return res.Record.Status(), err
	}
	return res.Record.Status(), s.afterResolve(ctx, res)
}

// checkReport decides whether a report may go ahead. done is set for an
// identical replay, whose event is published again.
func (s *Service) checkReport(ctx context.Context, record state.TaskRecord, runID int, worker Worker, target types.RunState, reason types.ReasonResolved) (bool, error) {
	run, ok := record.Status().Run(runID)
	if !ok {
		return true, types.NotFound("run %d of task %s not found", runID, record.TaskID)
	}
	switch {
	case run.State == target && run.ReasonResolved == reason:
		return true, s.publishTask(ctx, resolvedEvent(target), record, intPtr(runID))
	case run.State == types.RunPending:
		return true, types.Conflict("run %d of task %s is pending, not running", runID, record.TaskID)
	case run.State != types.RunRunning:
		return true, types.Conflict("run %d of task %s is already resolved as %s/%s", runID, record.TaskID, run.State, run.ReasonResolved)
	case worker.WorkerGroup != "" && (run.WorkerGroup != worker.WorkerGroup || run.WorkerID != worker.WorkerID):
		return true, types.Conflict("run %d of task %s is claimed by another worker", runID, record.TaskID)
	}
	return false, nil
}
