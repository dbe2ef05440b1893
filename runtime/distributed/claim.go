package distributed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/taskcluster/taskcluster-sub006/credentials"
	"github.com/taskcluster/taskcluster-sub006/observe/metrics"
	"github.com/taskcluster/taskcluster-sub006/runtime/queue"
	"github.com/taskcluster/taskcluster-sub006/state"
	"github.com/taskcluster/taskcluster-sub006/types"
)

const maxClaimCount = 32

// ClaimWork claims up to req.Count pending runs of a task queue, highest
// priority first. It keeps asking for hints until at least one claim
// succeeds or ctx ends; in the latter case the result is empty, not an
// error. A failure after some claims succeeded returns those claims and no
// error.
func (s *Service) ClaimWork(ctx context.Context, req ClaimWorkRequest) ([]ClaimedTask, error) {
	req.TaskQueueID = strings.TrimSpace(req.TaskQueueID)
	if req.TaskQueueID == "" {
		return nil, types.InputError("taskQueueId is required")
	}
	if req.WorkerGroup == "" || req.WorkerID == "" {
		return nil, types.InputError("workerGroup and workerId are required")
	}
	if req.Count <= 0 {
		req.Count = 1
	}
	if req.Count > maxClaimCount {
		req.Count = maxClaimCount
	}

	claimed := []ClaimedTask{}
	for len(claimed) == 0 {
		if ctx.Err() != nil {
			return claimed, nil
		}
		hints, err := s.hints.RequestClaim(ctx, req.TaskQueueID, req.Count)
		if err != nil {
			if ctx.Err() != nil {
				return claimed, nil
			}
			return claimed, types.Internal("request hints", err)
		}
		for i, hint := range hints {
			attempt, err := s.claimHint(ctx, req, hint)
			if err != nil {
				metrics.RecordClaim(req.TaskQueueID, "error")
				s.releaseHints(hints[i:])
				if len(claimed) > 0 {
					// Claimed runs must reach the worker; the rest of the
					// batch is released.
					log.Printf("[claim] queue=%s stopped after %d claims: %v", req.TaskQueueID, len(claimed), err)
					return claimed, nil
				}
				return nil, err
			}
			metrics.RecordClaim(req.TaskQueueID, attempt.Outcome.String())
			if attempt.Outcome == ClaimSuccess {
				claimed = append(claimed, *attempt.Claimed)
			}
		}
	}
	return claimed, nil
}

// claimHint turns one hint into a claim. A hint that does not lead to a
// claimable run is dropped and reported stale.
func (s *Service) claimHint(ctx context.Context, req ClaimWorkRequest, hint queue.Hint) (ClaimAttempt, error) {
	stale := func() (ClaimAttempt, error) {
		s.dropHint(ctx, hint)
		return ClaimAttempt{Outcome: ClaimStale}, nil
	}

	record, err := s.store.GetTask(ctx, hint.TaskID)
	if errors.Is(err, state.ErrNotFound) {
		return stale()
	}
	if err != nil {
		return ClaimAttempt{}, types.Internal("load task", err)
	}
	run, ok := record.Status().Run(hint.RunID)
	if !ok || run.State != types.RunPending {
		return stale()
	}
	now := s.now()
	if !now.Before(record.Definition.Deadline) {
		return stale()
	}

	res, err := s.store.ClaimRun(ctx, state.ClaimRunParams{
		TaskID:      hint.TaskID,
		RunID:       hint.RunID,
		WorkerGroup: req.WorkerGroup,
		WorkerID:    req.WorkerID,
		TakenUntil:  now.Add(s.policy.ClaimTimeout),
		Now:         now,
	})
	if err != nil {
		return ClaimAttempt{}, types.Internal("claim run", err)
	}
	if res.Outcome != state.ClaimApplied {
		return stale()
	}
	s.dropHint(ctx, hint)

	claimed, err := s.claimed(ctx, res.Record, hint.RunID)
	if err != nil {
		return ClaimAttempt{}, err
	}
	if err := s.publishTask(ctx, types.EventTaskRunning, res.Record, intPtr(hint.RunID)); err != nil {
		return ClaimAttempt{}, err
	}
	return ClaimAttempt{Outcome: ClaimSuccess, Claimed: &claimed}, nil
}

func (s *Service) dropHint(ctx context.Context, hint queue.Hint) {
	if err := s.index.Delete(ctx, hint); err != nil {
		log.Printf("[taskqueue] delete hint=%s failed: %v", hint.HintID, err)
	}
}

// releaseHints gives unused hints back to the index. It runs detached from
// the request context, which may already be done.
func (s *Service) releaseHints(hints []queue.Hint) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, hint := range hints {
		if err := s.index.Release(ctx, hint); err != nil {
			log.Printf("[taskqueue] release hint=%s failed: %v", hint.HintID, err)
		}
	}
}

// ClaimTask claims a specific pending run. Repeating the call as the same
// worker returns the existing claim.
func (s *Service) ClaimTask(ctx context.Context, taskID string, runID int, worker Worker) (ClaimedTask, error) {
	if worker.WorkerGroup == "" || worker.WorkerID == "" {
		return ClaimedTask{}, types.InputError("workerGroup and workerId are required")
	}
	record, err := s.load(ctx, taskID)
	if err != nil {
		return ClaimedTask{}, err
	}
	if _, ok := record.Status().Run(runID); !ok {
		return ClaimedTask{}, types.NotFound("run %d of task %s not found", runID, taskID)
	}
	now := s.now()
	if !now.Before(record.Definition.Deadline) {
		return ClaimedTask{}, types.Conflict("task %s is past its deadline", taskID)
	}

	res, err := s.store.ClaimRun(ctx, state.ClaimRunParams{
		TaskID:      taskID,
		RunID:       runID,
		WorkerGroup: worker.WorkerGroup,
		WorkerID:    worker.WorkerID,
		TakenUntil:  now.Add(s.policy.ClaimTimeout),
		Now:         now,
	})
	if err != nil {
		return ClaimedTask{}, storeError("claim task", err)
	}
	switch res.Outcome {
	case state.ClaimMissed:
		metrics.RecordClaim(record.Definition.TaskQueueID, ClaimStale.String())
		run, _ := res.Record.Status().Run(runID)
		return ClaimedTask{}, types.Conflict("run %d of task %s is %s and cannot be claimed", runID, taskID, run.State)
	case state.ClaimApplied:
		// The run's hint stays behind; ClaimWork drops it as stale.
		metrics.RecordClaim(record.Definition.TaskQueueID, ClaimSuccess.String())
	}

	claimed, err := s.claimed(ctx, res.Record, runID)
	if err != nil {
		return ClaimedTask{}, err
	}
	if err := s.publishTask(ctx, types.EventTaskRunning, res.Record, intPtr(runID)); err != nil {
		return claimed, err
	}
	return claimed, nil
}

func (s *Service) claimed(ctx context.Context, record state.TaskRecord, runID int) (ClaimedTask, error) {
	status := record.Status()
	run, ok := status.Run(runID)
	if !ok || run.TakenUntil == nil {
		return ClaimedTask{}, types.Internal("claim run", fmt.Errorf("run %d of task %s has no claim", runID, record.TaskID))
	}
	creds, err := s.issue(ctx, record, *run)
	if err != nil {
		return ClaimedTask{}, err
	}
	return ClaimedTask{
		Status:      status,
		RunID:       runID,
		WorkerGroup: run.WorkerGroup,
		WorkerID:    run.WorkerID,
		TakenUntil:  *run.TakenUntil,
		Task:        record.Definition,
		Credentials: creds,
	}, nil
}

// issue creates credentials carrying the task's scopes and the run scopes,
// valid until the claim lapses.
func (s *Service) issue(ctx context.Context, record state.TaskRecord, run types.Run) (credentials.Credentials, error) {
	if s.issuer == nil {
		return credentials.Credentials{}, nil
	}
	scopes := append(types.RunScopes(record.TaskID, run.RunID), record.Definition.Scopes...)
	creds, err := s.issuer.Issue(ctx, credentials.Request{
		ClientID: fmt.Sprintf("task-client/%s/%d/on/%s/%s", record.TaskID, run.RunID, run.WorkerGroup, run.WorkerID),
		Scopes:   scopes,
		Expiry:   *run.TakenUntil,
	})
	if err != nil {
		return credentials.Credentials{}, types.Internal("issue credentials", err)
	}
	return creds, nil
}

// ReclaimTask extends the claim held by worker on a running run.
func (s *Service) ReclaimTask(ctx context.Context, taskID string, runID int, worker Worker) (ReclaimResult, error) {
	record, err := s.load(ctx, taskID)
	if err != nil {
		return ReclaimResult{}, err
	}
	if _, ok := record.Status().Run(runID); !ok {
		return ReclaimResult{}, types.NotFound("run %d of task %s not found", runID, taskID)
	}
	now := s.now()
	if !now.Before(record.Definition.Deadline) {
		return ReclaimResult{}, types.Conflict("task %s is past its deadline", taskID)
	}
	updated, applied, err := s.store.ReclaimRun(ctx, state.ReclaimRunParams{
		TaskID:      taskID,
		RunID:       runID,
		WorkerGroup: worker.WorkerGroup,
		WorkerID:    worker.WorkerID,
		TakenUntil:  now.Add(s.policy.ClaimTimeout),
		Now:         now,
	})
	if err != nil {
		return ReclaimResult{}, storeError("reclaim task", err)
	}
	run, _ := updated.Status().Run(runID)
	if !applied {
		switch {
		case run.State != types.RunRunning:
			return ReclaimResult{}, types.Conflict("run %d of task %s is %s, not running", runID, taskID, run.State)
		case run.WorkerGroup != worker.WorkerGroup || run.WorkerID != worker.WorkerID:
			return ReclaimResult{}, types.Conflict("run %d of task %s is claimed by another worker", runID, taskID)
		default:
			return ReclaimResult{}, types.Conflict("claim on run %d of task %s has expired", runID, taskID)
		}
	}
	creds, err := s.issue(ctx, updated, *run)
	if err != nil {
		return ReclaimResult{}, err
	}
	return ReclaimResult{
		Status:      updated.Status(),
		RunID:       runID,
		WorkerGroup: run.WorkerGroup,
		WorkerID:    run.WorkerID,
		TakenUntil:  *run.TakenUntil,
		Credentials: creds,
	}, nil
}
