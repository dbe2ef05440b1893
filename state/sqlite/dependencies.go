package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/taskcluster/taskcluster-sub006/state"
	"github.com/taskcluster/taskcluster-sub006/types"
)

func (s *Store) ListDependents(ctx context.Context, requiredTaskID string, query state.ListQuery) ([]state.Edge, string, error) {
	limit := normalizeLimit(query.Limit)
	rows, err := s.db.QueryContext(ctx, `
SELECT dependent_task_id, requires, satisfied
FROM task_dependencies
WHERE required_task_id = ? AND dependent_task_id > ?
ORDER BY dependent_task_id ASC
LIMIT ?;
`, requiredTaskID, query.ContinuationToken, limit+1)
	if err != nil {
		return nil, "", fmt.Errorf("list dependents: %w", err)
	}
	defer rows.Close()

	var edges []state.Edge
	for rows.Next() {
		edge := state.Edge{RequiredTaskID: requiredTaskID}
		var requires string
		if err := rows.Scan(&edge.DependentTaskID, &requires, &edge.Satisfied); err != nil {
			return nil, "", fmt.Errorf("scan dependent: %w", err)
		}
		edge.Requires = types.Requires(requires)
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterate dependents: %w", err)
	}
	next := ""
	if len(edges) > limit {
		edges = edges[:limit]
		next = edges[limit-1].DependentTaskID
	}
	return edges, next, nil
}

// SatisfyRequirement marks one edge satisfied when the resolution admits it
// and returns the dependent's remaining unmet count. Repeating the call for
// an already satisfied edge changes nothing. Self edges are never satisfied.
func (s *Store) SatisfyRequirement(ctx context.Context, requiredTaskID, dependentTaskID string, resolved types.TaskState) (int, error) {
	var remaining int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			requires  string
			satisfied bool
		)
		err := tx.QueryRowContext(ctx, `
SELECT requires, satisfied FROM task_dependencies WHERE required_task_id = ? AND dependent_task_id = ?;
`, requiredTaskID, dependentTaskID).Scan(&requires, &satisfied)
		if isNoRows(err) {
			return fmt.Errorf("%w: dependency %s -> %s", state.ErrNotFound, requiredTaskID, dependentTaskID)
		}
		if err != nil {
			return fmt.Errorf("load dependency: %w", err)
		}

		if !satisfied && requiredTaskID != dependentTaskID && types.Requires(requires).Satisfied(resolved) {
			res, err := tx.ExecContext(ctx, `
UPDATE task_dependencies SET satisfied = 1
WHERE required_task_id = ? AND dependent_task_id = ? AND satisfied = 0;
`, requiredTaskID, dependentTaskID)
			if err != nil {
				return fmt.Errorf("satisfy dependency: %w", err)
			}
			n, err := rowsAffected(res)
			if err != nil {
				return err
			}
			if n == 1 {
				if _, err := tx.ExecContext(ctx, `
UPDATE tasks SET unmet_dependencies = unmet_dependencies - 1
WHERE task_id = ? AND unmet_dependencies > 0;
`, dependentTaskID); err != nil {
					return fmt.Errorf("decrement unmet dependencies: %w", err)
				}
			}
		}

		err = tx.QueryRowContext(ctx, `SELECT unmet_dependencies FROM tasks WHERE task_id = ?;`, dependentTaskID).Scan(&remaining)
		if isNoRows(err) {
			return fmt.Errorf("%w: task %s", state.ErrNotFound, dependentTaskID)
		}
		if err != nil {
			return fmt.Errorf("load unmet dependencies: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

// PollResolved leases up to limit entries of the resolved-task queue. An
// entry that is not deleted becomes visible again after visibility.
func (s *Store) PollResolved(ctx context.Context, limit int, visibility time.Duration) ([]state.Resolution, error) {
	now := s.now()
	var out []state.Resolution
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT id, task_id, task_group_id, scheduler_id, resolution, inserted
FROM resolved_tasks
WHERE visible_at <= ?
ORDER BY id ASC
LIMIT ?;
`, formatTime(now), normalizeLimit(limit))
		if err != nil {
			return fmt.Errorf("poll resolved: %w", err)
		}
		for rows.Next() {
			var (
				r                   state.Resolution
				resolution, created string
			)
			if err := rows.Scan(&r.ID, &r.TaskID, &r.TaskGroupID, &r.SchedulerID, &resolution, &created); err != nil {
				rows.Close()
				return fmt.Errorf("scan resolution: %w", err)
			}
			r.State = types.TaskState(resolution)
			if r.Inserted, err = parseTime(created); err != nil {
				rows.Close()
				return fmt.Errorf("parse resolution inserted: %w", err)
			}
			out = append(out, r)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate resolutions: %w", err)
		}
		rows.Close()

		hidden := formatTime(now.Add(visibility))
		for _, r := range out {
			if _, err := tx.ExecContext(ctx, `UPDATE resolved_tasks SET visible_at = ? WHERE id = ?;`, hidden, r.ID); err != nil {
				return fmt.Errorf("hide resolution: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DeleteResolved(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM resolved_tasks WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete resolution: %w", err)
	}
	return nil
}
