package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/taskcluster/taskcluster-sub006/runtime/queue"
	"github.com/taskcluster/taskcluster-sub006/state"
	"github.com/taskcluster/taskcluster-sub006/types"
)

func (s *Store) CreateTask(ctx context.Context, params state.CreateTaskParams) (state.CreateTaskResult, error) {
	if params.TaskID == "" {
		return state.CreateTaskResult{}, fmt.Errorf("task_id is required")
	}
	def := params.Definition
	now := params.Now
	if now.IsZero() {
		now = s.now()
	}

	var out state.CreateTaskResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := loadTask(ctx, tx, params.TaskID)
		if err == nil {
			out.Record = existing
			return nil
		}
		if !isNotFound(err) {
			return err
		}

		if err := bindTaskGroup(ctx, tx, def); err != nil {
			return err
		}

		definition, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("encode task definition: %w", err)
		}
		const insertTask = `
INSERT INTO tasks (task_id, task_queue_id, scheduler_id, task_group_id, project_id, priority, requires,
  retries, retries_left, state, auto_schedule, unmet_dependencies, definition, created, deadline, expires)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?);
`
		if _, err := tx.ExecContext(ctx, insertTask,
			params.TaskID,
			def.TaskQueueID,
			def.SchedulerID,
			def.TaskGroupID,
			def.ProjectID,
			string(def.Priority),
			string(def.Requires),
			def.Retries,
			def.Retries,
			string(types.TaskUnscheduled),
			params.Schedule,
			string(definition),
			formatTime(def.Created),
			formatTime(def.Deadline),
			formatTime(def.Expires),
		); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}

		unmet, err := insertDependencies(ctx, tx, params.TaskID, def)
		if err != nil {
			return err
		}
		if unmet > 0 {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET unmet_dependencies = ? WHERE task_id = ?;`, unmet, params.TaskID); err != nil {
				return fmt.Errorf("set unmet dependencies: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO task_group_members (task_group_id, task_id, expires) VALUES (?, ?, ?)
ON CONFLICT(task_group_id, task_id) DO NOTHING;
`, def.TaskGroupID, params.TaskID, formatTime(def.Expires)); err != nil {
			return fmt.Errorf("insert task group member: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO task_group_active (task_group_id, task_id) VALUES (?, ?)
ON CONFLICT(task_group_id, task_id) DO NOTHING;
`, def.TaskGroupID, params.TaskID); err != nil {
			return fmt.Errorf("insert task group active: %w", err)
		}

		record, err := loadTask(ctx, tx, params.TaskID)
		if err != nil {
			return err
		}
		if params.Schedule && unmet == 0 {
			hint, err := s.appendRunTx(ctx, tx, record, types.ReasonScheduled, now)
			if err != nil {
				return err
			}
			out.PendingHint = &hint
			if record, err = loadTask(ctx, tx, params.TaskID); err != nil {
				return err
			}
		}
		out.Record = record
		out.Created = true
		return nil
	})
	if err != nil {
		return state.CreateTaskResult{}, err
	}
	return out, nil
}

// bindTaskGroup creates the group or checks that it belongs to the same
// scheduler and is still open.
func bindTaskGroup(ctx context.Context, tx *sql.Tx, def types.TaskDefinition) error {
	var (
		schedulerID string
		sealed      sql.NullString
		expires     string
	)
	err := tx.QueryRowContext(ctx, `SELECT scheduler_id, sealed, expires FROM task_groups WHERE task_group_id = ?;`, def.TaskGroupID).
		Scan(&schedulerID, &sealed, &expires)
	switch {
	case isNoRows(err):
		if _, err := tx.ExecContext(ctx, `
INSERT INTO task_groups (task_group_id, scheduler_id, sealed, expires) VALUES (?, ?, NULL, ?);
`, def.TaskGroupID, def.SchedulerID, formatTime(def.Expires)); err != nil {
			return fmt.Errorf("insert task group: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("load task group: %w", err)
	}

	if schedulerID != def.SchedulerID {
		return fmt.Errorf("%w: task group %s is bound to schedulerId %s", state.ErrConflict, def.TaskGroupID, schedulerID)
	}
	if sealed.Valid {
		return fmt.Errorf("%w: task group %s is sealed", state.ErrConflict, def.TaskGroupID)
	}
	if formatted := formatTime(def.Expires); formatted > expires {
		if _, err := tx.ExecContext(ctx, `UPDATE task_groups SET expires = ? WHERE task_group_id = ?;`, formatted, def.TaskGroupID); err != nil {
			return fmt.Errorf("extend task group expiry: %w", err)
		}
	}
	return nil
}

// insertDependencies records one edge per dependency, satisfied up front when
// the required task already resolved acceptably. Self edges never are.
func insertDependencies(ctx context.Context, tx *sql.Tx, taskID string, def types.TaskDefinition) (int, error) {
	unmet := 0
	for _, required := range def.Dependencies {
		satisfied := false
		if required != taskID {
			var current string
			err := tx.QueryRowContext(ctx, `SELECT state FROM tasks WHERE task_id = ?;`, required).Scan(&current)
			if isNoRows(err) {
				return 0, fmt.Errorf("%w: dependency %s", state.ErrNotFound, required)
			}
			if err != nil {
				return 0, fmt.Errorf("load dependency %s: %w", required, err)
			}
			satisfied = def.Requires.Satisfied(types.TaskState(current))
		}
		if !satisfied {
			unmet++
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO task_dependencies (required_task_id, dependent_task_id, requires, satisfied, expires)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(required_task_id, dependent_task_id) DO NOTHING;
`, required, taskID, string(def.Requires), satisfied, formatTime(def.Expires)); err != nil {
			return 0, fmt.Errorf("insert dependency: %w", err)
		}
	}
	return unmet, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (state.TaskRecord, error) {
	return loadTask(ctx, s.db, taskID)
}

func (s *Store) MissingTasks(ctx context.Context, taskIDs []string) ([]string, error) {
	var missing []string
	for _, id := range taskIDs {
		var found int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE task_id = ?;`, id).Scan(&found)
		if isNoRows(err) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("check task %s: %w", id, err)
		}
	}
	return missing, nil
}

func (s *Store) AppendRun(ctx context.Context, params state.AppendRunParams) (state.AppendRunResult, error) {
	now := params.Now
	if now.IsZero() {
		now = s.now()
	}
	var out state.AppendRunResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		record, err := loadTask(ctx, tx, params.TaskID)
		if err != nil {
			return err
		}
		out.Record = record
		if !slices.Contains(params.From, record.State) {
			return nil
		}
		if params.RequireAutoSchedule && !record.AutoSchedule {
			return nil
		}
		if record.Status().ActiveRun() != nil {
			return nil
		}
		if params.MaxRuns > 0 && len(record.Runs) >= params.MaxRuns {
			return fmt.Errorf("%w: task %s already has %d runs", state.ErrConflict, params.TaskID, len(record.Runs))
		}
		if record.State.Resolved() {
			// A rerun makes the task an active group member again.
			if _, err := tx.ExecContext(ctx, `
INSERT INTO task_group_active (task_group_id, task_id) VALUES (?, ?)
ON CONFLICT(task_group_id, task_id) DO NOTHING;
`, record.Definition.TaskGroupID, params.TaskID); err != nil {
				return fmt.Errorf("reactivate task group member: %w", err)
			}
		}
		hint, err := s.appendRunTx(ctx, tx, record, params.ReasonCreated, now)
		if err != nil {
			return err
		}
		if out.Record, err = loadTask(ctx, tx, params.TaskID); err != nil {
			return err
		}
		out.Appended = true
		out.PendingHint = &hint
		return nil
	})
	if err != nil {
		return state.AppendRunResult{}, err
	}
	return out, nil
}

// appendRunTx adds the next pending run and its hint. The run primary key
// keeps run creation sequential per task.
func (s *Store) appendRunTx(ctx context.Context, tx *sql.Tx, record state.TaskRecord, reason types.ReasonCreated, now time.Time) (queue.Hint, error) {
	runID := len(record.Runs)
	if _, err := tx.ExecContext(ctx, `
INSERT INTO runs (task_id, run_id, state, reason_created, scheduled) VALUES (?, ?, ?, ?, ?);
`, record.TaskID, runID, string(types.RunPending), string(reason), formatTime(now)); err != nil {
		return queue.Hint{}, fmt.Errorf("append run: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET state = ? WHERE task_id = ?;`, string(types.TaskPending), record.TaskID); err != nil {
		return queue.Hint{}, fmt.Errorf("mark task pending: %w", err)
	}
	def := record.Definition
	hint := queue.NewHint(record.TaskID, runID, def.TaskQueueID, def.Priority, types.TruncateTime(now), def.Deadline)
	if s.inlineHints {
		if err := insertHint(ctx, tx, hint, now); err != nil {
			return queue.Hint{}, err
		}
	}
	return hint, nil
}

func loadTask(ctx context.Context, q querier, taskID string) (state.TaskRecord, error) {
	var (
		record     state.TaskRecord
		stateRaw   string
		definition string
	)
	err := q.QueryRowContext(ctx, `
SELECT task_id, state, retries_left, auto_schedule, unmet_dependencies, definition
FROM tasks
WHERE task_id = ?;
`, taskID).Scan(&record.TaskID, &stateRaw, &record.RetriesLeft, &record.AutoSchedule, &record.UnmetDependencies, &definition)
	if err != nil {
		if isNoRows(err) {
			return state.TaskRecord{}, fmt.Errorf("%w: task %s", state.ErrNotFound, taskID)
		}
		return state.TaskRecord{}, fmt.Errorf("load task: %w", err)
	}
	record.State = types.TaskState(stateRaw)
	if err := json.Unmarshal([]byte(definition), &record.Definition); err != nil {
		return state.TaskRecord{}, fmt.Errorf("decode task definition: %w", err)
	}

	runs, err := loadRuns(ctx, q, taskID)
	if err != nil {
		return state.TaskRecord{}, err
	}
	record.Runs = runs
	return record, nil
}

func loadRuns(ctx context.Context, q querier, taskID string) ([]types.Run, error) {
	rows, err := q.QueryContext(ctx, `
SELECT run_id, state, reason_created, reason_resolved, worker_group, worker_id, taken_until, scheduled, started, resolved
FROM runs
WHERE task_id = ?
ORDER BY run_id ASC;
`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []types.Run{}
	for rows.Next() {
		var (
			run        types.Run
			runState   string
			created    string
			resolvedBy string
			takenUntil sql.NullString
			scheduled  string
			started    sql.NullString
			resolved   sql.NullString
		)
		if err := rows.Scan(&run.RunID, &runState, &created, &resolvedBy, &run.WorkerGroup, &run.WorkerID, &takenUntil, &scheduled, &started, &resolved); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.State = types.RunState(runState)
		run.ReasonCreated = types.ReasonCreated(created)
		run.ReasonResolved = types.ReasonResolved(resolvedBy)
		if run.Scheduled, err = parseTime(scheduled); err != nil {
			return nil, fmt.Errorf("parse run scheduled: %w", err)
		}
		if run.TakenUntil, err = parseNullableTime(takenUntil); err != nil {
			return nil, fmt.Errorf("parse run taken_until: %w", err)
		}
		if run.Started, err = parseNullableTime(started); err != nil {
			return nil, fmt.Errorf("parse run started: %w", err)
		}
		if run.Resolved, err = parseNullableTime(resolved); err != nil {
			return nil, fmt.Errorf("parse run resolved: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, state.ErrNotFound)
}
