package distributed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/taskcluster/taskcluster-sub006/state"
	"github.com/taskcluster/taskcluster-sub006/types"
)

// DependencyResolver consumes the store's resolved-task queue and schedules
// dependents whose requirements are all satisfied. Entries are deleted only
// after they were fully handled, so a crash means reprocessing, never loss.
type DependencyResolver struct {
	svc    *Service
	policy Policy
	nudge  chan struct{}

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDependencyResolver creates a resolver that is woken by resolutions
// made through svc in this process.
func NewDependencyResolver(svc *Service) (*DependencyResolver, error) {
	if svc == nil {
		return nil, fmt.Errorf("service is required")
	}
	r := &DependencyResolver{
		svc:    svc,
		policy: svc.policy,
		nudge:  make(chan struct{}, 1),
	}
	svc.addResolvedHook(r.Nudge)
	return r, nil
}

// Nudge asks the loop to poll now instead of at the next interval.
func (r *DependencyResolver) Nudge() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

// Start runs the loop until ctx ends or Stop is called.
func (r *DependencyResolver) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("dependency resolver already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.started = true
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	defer func() {
		cancel()
		r.mu.Lock()
		r.started = false
		r.cancel = nil
		if r.done == done {
			close(done)
			r.done = nil
		}
		r.mu.Unlock()
	}()

	ticker := time.NewTicker(r.policy.ResolverPollInterval)
	defer ticker.Stop()
	failures := 0
	for {
		n, err := r.ProcessOnce(runCtx)
		wait := time.Duration(0)
		switch {
		case runCtx.Err() != nil:
			return runCtx.Err()
		case err != nil:
			failures++
			wait = r.policy.Backoff(failures)
			log.Printf("[resolver] pass failed (attempt %d, retry in %s): %v", failures, wait, err)
		default:
			failures = 0
		}
		if wait == 0 && n >= r.policy.ResolverBatchSize {
			continue
		}
		if wait > 0 {
			select {
			case <-runCtx.Done():
				return runCtx.Err()
			case <-time.After(wait):
			}
			continue
		}
		select {
		case <-runCtx.Done():
			return runCtx.Err()
		case <-ticker.C:
		case <-r.nudge:
		}
	}
}

func (r *DependencyResolver) Stop(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessOnce handles one batch of resolutions and returns how many entries
// it leased. Entries that fail stay queued and are retried once their lease
// lapses.
func (r *DependencyResolver) ProcessOnce(ctx context.Context) (int, error) {
	entries, err := r.svc.store.PollResolved(ctx, r.policy.ResolverBatchSize, r.policy.ResolvedVisibility)
	if err != nil {
		return 0, fmt.Errorf("poll resolved tasks: %w", err)
	}
	var errs []error
	for _, entry := range entries {
		if err := r.handle(ctx, entry); err != nil {
			log.Printf("[resolver] task=%s resolution=%d failed: %v", entry.TaskID, entry.ID, err)
			errs = append(errs, err)
			continue
		}
		if err := r.svc.store.DeleteResolved(ctx, entry.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return len(entries), errors.Join(errs...)
}

func (r *DependencyResolver) handle(ctx context.Context, entry state.Resolution) error {
	query := state.ListQuery{Limit: r.policy.ResolverBatchSize}
	for {
		edges, next, err := r.svc.store.ListDependents(ctx, entry.TaskID, query)
		if err != nil {
			return fmt.Errorf("list dependents of %s: %w", entry.TaskID, err)
		}
		for _, edge := range edges {
			if edge.DependentTaskID == entry.TaskID {
				continue
			}
			remaining, err := r.svc.store.SatisfyRequirement(ctx, entry.TaskID, edge.DependentTaskID, entry.State)
			if errors.Is(err, state.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("satisfy %s -> %s: %w", entry.TaskID, edge.DependentTaskID, err)
			}
			if remaining == 0 {
				if err := r.svc.scheduleDependent(ctx, edge.DependentTaskID); err != nil {
					return err
				}
			}
		}
		if next == "" {
			return nil
		}
		query.ContinuationToken = next
	}
}

// scheduleDependent creates run 0 of a task whose last requirement was just
// met, unless it was defined without auto scheduling or already has a run.
func (s *Service) scheduleDependent(ctx context.Context, taskID string) error {
	res, err := s.store.AppendRun(ctx, state.AppendRunParams{
		TaskID:              taskID,
		ReasonCreated:       types.ReasonScheduled,
		From:                []types.TaskState{types.TaskUnscheduled},
		RequireAutoSchedule: true,
		Now:                 s.now(),
	})
	if errors.Is(err, state.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("schedule dependent %s: %w", taskID, err)
	}
	if !res.Appended {
		return nil
	}
	return s.announcePending(ctx, res.Record, res.PendingHint)
}
