package distributed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/taskcluster/taskcluster-sub006/observe"
	"github.com/taskcluster/taskcluster-sub006/state"
	"github.com/taskcluster/taskcluster-sub006/types"
)

func (r SweepResult) String() string {
	return fmt.Sprintf("resolved=%d deleted=%d skipped=%d failed=%d", r.Resolved, r.Deleted, r.Skipped, r.Failed)
}

func (s *Service) observeSweep(ctx context.Context, name string, started time.Time, res SweepResult, err error) {
	event := observe.Event{
		Timestamp:  s.now(),
		Kind:       observe.KindReaper,
		Status:     observe.StatusCompleted,
		Name:       name,
		DurationMs: time.Since(started).Milliseconds(),
		Attributes: map[string]any{
			"resolved": res.Resolved,
			"deleted":  res.Deleted,
			"skipped":  res.Skipped,
			"failed":   res.Failed,
		},
	}
	if err != nil {
		event.Status = observe.StatusFailed
		event.Error = err.Error()
	}
	if emitErr := s.sink.Emit(ctx, event); emitErr != nil {
		log.Printf("[reaper] emit %s sweep failed: %v", name, emitErr)
	}
}

// ClaimReaper resolves runs whose claim lapsed as exception/claim-expired,
// retrying them while the task has retries left.
type ClaimReaper struct {
	svc *Service
}

func NewClaimReaper(svc *Service) *ClaimReaper {
	return &ClaimReaper{svc: svc}
}

// Sweep handles every claim that expired before now. A row that fails is
// logged and skipped.
func (r *ClaimReaper) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	started := time.Now()
	var (
		out  SweepResult
		errs []error
	)
	batch := r.svc.policy.ReaperBatchSize
	for {
		refs, err := r.svc.store.ListExpiredClaims(ctx, now, batch)
		if err != nil {
			errs = append(errs, fmt.Errorf("list expired claims: %w", err))
			break
		}
		progressed := false
		for _, ref := range refs {
			applied, err := r.expire(ctx, ref, now)
			switch {
			case err != nil:
				log.Printf("[reaper] claim task=%s run=%d failed: %v", ref.TaskID, ref.RunID, err)
				out.Failed++
				errs = append(errs, err)
			case applied:
				out.Resolved++
				progressed = true
			default:
				out.Skipped++
				progressed = true
			}
		}
		if len(refs) < batch || !progressed || ctx.Err() != nil {
			break
		}
	}
	err := errors.Join(errs...)
	r.svc.observeSweep(ctx, "claim-expiry", started, out, err)
	return out, err
}

func (r *ClaimReaper) expire(ctx context.Context, ref state.RunRef, now time.Time) (bool, error) {
	record, err := r.svc.store.GetTask(ctx, ref.TaskID)
	if errors.Is(err, state.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	params := state.ResolveRunParams{
		TaskID:        ref.TaskID,
		RunID:         ref.RunID,
		State:         types.RunException,
		Reason:        types.ResolvedClaimExpired,
		ExpiredBefore: &now,
		Now:           now,
	}
	// Past the deadline a retry could never be claimed.
	if now.Before(record.Definition.Deadline) {
		params.Retry = types.ReasonRetry
		params.DecrementRetries = true
	}
	res, err := r.svc.store.ResolveRun(ctx, params)
	if err != nil {
		return false, err
	}
	if !res.Applied {
		return false, nil
	}
	return true, r.svc.afterResolve(ctx, res)
}

// DeadlineReaper resolves tasks still unresolved at their deadline as
// exception/deadline-exceeded. Nothing it resolves is retried.
type DeadlineReaper struct {
	svc *Service
}

func NewDeadlineReaper(svc *Service) *DeadlineReaper {
	return &DeadlineReaper{svc: svc}
}

func (r *DeadlineReaper) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	started := time.Now()
	var (
		out  SweepResult
		errs []error
	)
	batch := r.svc.policy.ReaperBatchSize
	for {
		ids, err := r.svc.store.ListPastDeadline(ctx, now, batch)
		if err != nil {
			errs = append(errs, fmt.Errorf("list tasks past deadline: %w", err))
			break
		}
		progressed := false
		for _, id := range ids {
			res, err := r.svc.store.ResolveTask(ctx, state.ResolveTaskParams{
				TaskID:         id,
				State:          types.RunException,
				Reason:         types.ResolvedDeadlineExceeded,
				DeadlineBefore: &now,
				Now:            now,
			})
			if err == nil && res.Applied {
				err = r.svc.afterResolve(ctx, res)
			}
			switch {
			case errors.Is(err, state.ErrNotFound):
				out.Skipped++
				progressed = true
			case err != nil:
				log.Printf("[reaper] deadline task=%s failed: %v", id, err)
				out.Failed++
				errs = append(errs, err)
			case res.Applied:
				out.Resolved++
				progressed = true
			default:
				out.Skipped++
				progressed = true
			}
		}
		if len(ids) < batch || !progressed || ctx.Err() != nil {
			break
		}
	}
	err := errors.Join(errs...)
	r.svc.observeSweep(ctx, "deadline", started, out, err)
	return out, err
}

// ExpirySweeper deletes rows whose expires lies in the past, table by table
// and in bounded batches.
type ExpirySweeper struct {
	svc *Service
}

func NewExpirySweeper(svc *Service) *ExpirySweeper {
	return &ExpirySweeper{svc: svc}
}

func (e *ExpirySweeper) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	started := time.Now()
	var (
		out  SweepResult
		errs []error
	)
	batch := e.svc.policy.SweepBatchSize
	for _, table := range state.SweepTables {
		for {
			n, err := e.svc.store.SweepExpired(ctx, table, now, batch)
			out.Deleted += n
			if err != nil {
				log.Printf("[sweeper] table=%s deleted=%d: %v", table, n, err)
				out.Failed++
				errs = append(errs, err)
			}
			if n < batch || ctx.Err() != nil {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	err := errors.Join(errs...)
	e.svc.observeSweep(ctx, "expiry", started, out, err)
	return out, err
}
