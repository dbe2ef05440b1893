package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/taskcluster/taskcluster-sub006/runtime/queue"
	"github.com/taskcluster/taskcluster-sub006/state"
	"github.com/taskcluster/taskcluster-sub006/types"
)

// ClaimRun moves a pending run to running. The update is conditional on the
// run still being pending, so concurrent claims of one run have one winner.
func (s *Store) ClaimRun(ctx context.Context, params state.ClaimRunParams) (state.ClaimRunResult, error) {
	now := params.Now
	if now.IsZero() {
		now = s.now()
	}
	var out state.ClaimRunResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE runs
SET state = ?, worker_group = ?, worker_id = ?, taken_until = ?, started = COALESCE(started, ?)
WHERE task_id = ? AND run_id = ? AND state = ?;
`,
			string(types.RunRunning),
			params.WorkerGroup,
			params.WorkerID,
			formatTime(params.TakenUntil),
			formatTime(now),
			params.TaskID,
			params.RunID,
			string(types.RunPending),
		)
		if err != nil {
			return fmt.Errorf("claim run: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 1 {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET state = ? WHERE task_id = ?;`, string(types.TaskRunning), params.TaskID); err != nil {
				return fmt.Errorf("mark task running: %w", err)
			}
			out.Outcome = state.ClaimApplied
		} else {
			out.Outcome = state.ClaimMissed
		}

		record, err := loadTask(ctx, tx, params.TaskID)
		if err != nil {
			return err
		}
		out.Record = record
		if out.Outcome == state.ClaimMissed {
			run, ok := record.Status().Run(params.RunID)
			if ok && run.State == types.RunRunning && run.WorkerGroup == params.WorkerGroup && run.WorkerID == params.WorkerID {
				out.Outcome = state.ClaimHeld
			}
		}
		return nil
	})
	if err != nil {
		return state.ClaimRunResult{}, err
	}
	return out, nil
}

// ReclaimRun extends the claim of a running run held by the given worker,
// provided the claim has not already lapsed.
func (s *Store) ReclaimRun(ctx context.Context, params state.ReclaimRunParams) (state.TaskRecord, bool, error) {
	now := params.Now
	if now.IsZero() {
		now = s.now()
	}
	var (
		record  state.TaskRecord
		applied bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE runs
SET taken_until = ?
WHERE task_id = ? AND run_id = ? AND state = ? AND worker_group = ? AND worker_id = ? AND taken_until >= ?;
`,
			formatTime(params.TakenUntil),
			params.TaskID,
			params.RunID,
			string(types.RunRunning),
			params.WorkerGroup,
			params.WorkerID,
			formatTime(now),
		)
		if err != nil {
			return fmt.Errorf("reclaim run: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		applied = n == 1
		record, err = loadTask(ctx, tx, params.TaskID)
		return err
	})
	if err != nil {
		return state.TaskRecord{}, false, err
	}
	return record, applied, nil
}

// ResolveRun resolves a running run and, when asked and retries remain,
// appends the follow-up run and its hint in the same transaction.
func (s *Store) ResolveRun(ctx context.Context, params state.ResolveRunParams) (state.ResolveResult, error) {
	now := params.Now
	if now.IsZero() {
		now = s.now()
	}
	out := state.ResolveResult{RunID: params.RunID}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		record, err := loadTask(ctx, tx, params.TaskID)
		if err != nil {
			return err
		}
		out.Record = record
		run, ok := record.Status().Run(params.RunID)
		if !ok {
			return fmt.Errorf("%w: run %d of task %s", state.ErrNotFound, params.RunID, params.TaskID)
		}
		if run.State != types.RunRunning {
			return nil
		}
		if params.WorkerGroup != "" && (run.WorkerGroup != params.WorkerGroup || run.WorkerID != params.WorkerID) {
			return nil
		}

		q := `
UPDATE runs
SET state = ?, reason_resolved = ?, resolved = ?
WHERE task_id = ? AND run_id = ? AND state = ?`
		args := []any{
			string(params.State),
			string(params.Reason),
			formatTime(now),
			params.TaskID,
			params.RunID,
			string(types.RunRunning),
		}
		if params.ExpiredBefore != nil {
			q += ` AND taken_until < ?`
			args = append(args, formatTime(*params.ExpiredBefore))
		}
		res, err := tx.ExecContext(ctx, q+";", args...)
		if err != nil {
			return fmt.Errorf("resolve run: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		out.Applied = true

		if params.Retry != "" && record.RetriesLeft > 0 {
			left := record.RetriesLeft
			if params.DecrementRetries {
				left--
			}
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET retries_left = ? WHERE task_id = ?;`, left, params.TaskID); err != nil {
				return fmt.Errorf("update retries left: %w", err)
			}
			hint, err := s.appendRunTx(ctx, tx, record, params.Retry, now)
			if err != nil {
				return err
			}
			out.Retried = true
			out.PendingHint = &hint
		} else {
			groupResolved, err := finishTaskTx(ctx, tx, record, types.TaskState(params.State), now)
			if err != nil {
				return err
			}
			out.GroupResolved = groupResolved
		}

		out.Record, err = loadTask(ctx, tx, params.TaskID)
		return err
	})
	if err != nil {
		return state.ResolveResult{}, err
	}
	return out, nil
}

// ResolveTask force-resolves a task that is not yet resolved. An active run is
// resolved in place; a task without one gets a run created already resolved.
// Retries never apply.
func (s *Store) ResolveTask(ctx context.Context, params state.ResolveTaskParams) (state.ResolveResult, error) {
	now := params.Now
	if now.IsZero() {
		now = s.now()
	}
	var out state.ResolveResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		record, err := loadTask(ctx, tx, params.TaskID)
		if err != nil {
			return err
		}
		out.Record = record
		if record.State.Resolved() {
			return nil
		}
		if params.DeadlineBefore != nil && !record.Definition.Deadline.Before(*params.DeadlineBefore) {
			return nil
		}

		if active := record.Status().ActiveRun(); active != nil {
			res, err := tx.ExecContext(ctx, `
UPDATE runs
SET state = ?, reason_resolved = ?, resolved = ?
WHERE task_id = ? AND run_id = ? AND state = ?;
`, string(params.State), string(params.Reason), formatTime(now), params.TaskID, active.RunID, string(active.State))
			if err != nil {
				return fmt.Errorf("resolve active run: %w", err)
			}
			n, err := rowsAffected(res)
			if err != nil {
				return err
			}
			if n == 0 {
				return nil
			}
			out.RunID = active.RunID
			if _, err := tx.ExecContext(ctx, `DELETE FROM pending_hints WHERE task_id = ? AND run_id = ?;`, params.TaskID, active.RunID); err != nil {
				return fmt.Errorf("drop hints: %w", err)
			}
		} else {
			out.RunID = len(record.Runs)
			if _, err := tx.ExecContext(ctx, `
INSERT INTO runs (task_id, run_id, state, reason_created, reason_resolved, scheduled, resolved)
VALUES (?, ?, ?, ?, ?, ?, ?);
`, params.TaskID, out.RunID, string(params.State), string(types.ReasonException), string(params.Reason), formatTime(now), formatTime(now)); err != nil {
				return fmt.Errorf("append resolved run: %w", err)
			}
		}
		out.Applied = true

		groupResolved, err := finishTaskTx(ctx, tx, record, types.TaskState(params.State), now)
		if err != nil {
			return err
		}
		out.GroupResolved = groupResolved
		out.Record, err = loadTask(ctx, tx, params.TaskID)
		return err
	})
	if err != nil {
		return state.ResolveResult{}, err
	}
	return out, nil
}

// finishTaskTx records a terminal task state, queues the resolution for the
// dependency resolver and reports whether the task group has no active
// members left.
func finishTaskTx(ctx context.Context, tx *sql.Tx, record state.TaskRecord, resolved types.TaskState, now time.Time) (bool, error) {
	def := record.Definition
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET state = ? WHERE task_id = ?;`, string(resolved), record.TaskID); err != nil {
		return false, fmt.Errorf("mark task resolved: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO resolved_tasks (task_id, task_group_id, scheduler_id, resolution, inserted, visible_at)
VALUES (?, ?, ?, ?, ?, ?);
`, record.TaskID, def.TaskGroupID, def.SchedulerID, string(resolved), formatTime(now), formatTime(now)); err != nil {
		return false, fmt.Errorf("queue resolution: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM task_group_active WHERE task_group_id = ? AND task_id = ?;`, def.TaskGroupID, record.TaskID)
	if err != nil {
		return false, fmt.Errorf("remove active member: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil || n == 0 {
		return false, err
	}
	var remaining int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_group_active WHERE task_group_id = ?;`, def.TaskGroupID).Scan(&remaining); err != nil {
		return false, fmt.Errorf("count active members: %w", err)
	}
	return remaining == 0, nil
}

func (s *Store) ListExpiredClaims(ctx context.Context, now time.Time, limit int) ([]state.RunRef, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT task_id, run_id, taken_until
FROM runs
WHERE state = ? AND taken_until < ?
ORDER BY taken_until ASC
LIMIT ?;
`, string(types.RunRunning), formatTime(now), normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list expired claims: %w", err)
	}
	defer rows.Close()
	var out []state.RunRef
	for rows.Next() {
		var (
			ref        state.RunRef
			takenUntil string
		)
		if err := rows.Scan(&ref.TaskID, &ref.RunID, &takenUntil); err != nil {
			return nil, fmt.Errorf("scan expired claim: %w", err)
		}
		if ref.TakenUntil, err = parseTime(takenUntil); err != nil {
			return nil, fmt.Errorf("parse taken_until: %w", err)
		}
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired claims: %w", err)
	}
	return out, nil
}

func (s *Store) ListPastDeadline(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT task_id
FROM tasks
WHERE state IN (?, ?, ?) AND deadline < ?
ORDER BY deadline ASC
LIMIT ?;
`, string(types.TaskUnscheduled), string(types.TaskPending), string(types.TaskRunning), formatTime(now), normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list past deadline: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate past deadline: %w", err)
	}
	return out, nil
}

// ListPendingRuns pages through pending runs as hints, for re-pushing into an
// external index.
func (s *Store) ListPendingRuns(ctx context.Context, query state.ListQuery) ([]queue.Hint, string, error) {
	limit := normalizeLimit(query.Limit)
	rows, err := s.db.QueryContext(ctx, `
SELECT r.task_id, r.run_id, r.scheduled, t.task_queue_id, t.priority, t.deadline
FROM runs r JOIN tasks t ON t.task_id = r.task_id
WHERE r.state = ? AND r.task_id > ?
ORDER BY r.task_id ASC
LIMIT ?;
`, string(types.RunPending), query.ContinuationToken, limit+1)
	if err != nil {
		return nil, "", fmt.Errorf("list pending runs: %w", err)
	}
	defer rows.Close()
	var out []queue.Hint
	for rows.Next() {
		var (
			taskID, taskQueueID, priority string
			runID                         int
			scheduled, deadline           string
		)
		if err := rows.Scan(&taskID, &runID, &scheduled, &taskQueueID, &priority, &deadline); err != nil {
			return nil, "", fmt.Errorf("scan pending run: %w", err)
		}
		inserted, err := parseTime(scheduled)
		if err != nil {
			return nil, "", fmt.Errorf("parse scheduled: %w", err)
		}
		expires, err := parseTime(deadline)
		if err != nil {
			return nil, "", fmt.Errorf("parse deadline: %w", err)
		}
		out = append(out, queue.NewHint(taskID, runID, taskQueueID, types.Priority(priority), inserted, expires))
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterate pending runs: %w", err)
	}
	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = out[limit-1].TaskID
	}
	return out, next, nil
}
