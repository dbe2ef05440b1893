package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/taskcluster/taskcluster-sub006/state"
	"github.com/taskcluster/taskcluster-sub006/types"
)

func (s *Store) GetTaskGroup(ctx context.Context, taskGroupID string) (types.TaskGroup, error) {
	return loadTaskGroup(ctx, s.db, taskGroupID)
}

// SealTaskGroup marks the group sealed. Sealing twice keeps the first
// timestamp.
func (s *Store) SealTaskGroup(ctx context.Context, taskGroupID string, now time.Time) (types.TaskGroup, error) {
	if now.IsZero() {
		now = s.now()
	}
	var group types.TaskGroup
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
UPDATE task_groups SET sealed = COALESCE(sealed, ?) WHERE task_group_id = ?;
`, formatTime(now), taskGroupID); err != nil {
			return fmt.Errorf("seal task group: %w", err)
		}
		var err error
		group, err = loadTaskGroup(ctx, tx, taskGroupID)
		return err
	})
	if err != nil {
		return types.TaskGroup{}, err
	}
	return group, nil
}

func (s *Store) ListTaskGroupMembers(ctx context.Context, taskGroupID string, query state.ListQuery) ([]string, string, error) {
	limit := normalizeLimit(query.Limit)
	rows, err := s.db.QueryContext(ctx, `
SELECT task_id FROM task_group_members
WHERE task_group_id = ? AND task_id > ?
ORDER BY task_id ASC
LIMIT ?;
`, taskGroupID, query.ContinuationToken, limit+1)
	if err != nil {
		return nil, "", fmt.Errorf("list task group members: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, "", fmt.Errorf("scan task group member: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterate task group members: %w", err)
	}
	next := ""
	if len(ids) > limit {
		ids = ids[:limit]
		next = ids[limit-1]
	}
	return ids, next, nil
}

func (s *Store) CountTaskGroupMembers(ctx context.Context, taskGroupID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_group_members WHERE task_group_id = ?;`, taskGroupID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count task group members: %w", err)
	}
	return n, nil
}

func loadTaskGroup(ctx context.Context, q querier, taskGroupID string) (types.TaskGroup, error) {
	var (
		group   types.TaskGroup
		sealed  sql.NullString
		expires string
	)
	err := q.QueryRowContext(ctx, `
SELECT task_group_id, scheduler_id, sealed, expires FROM task_groups WHERE task_group_id = ?;
`, taskGroupID).Scan(&group.TaskGroupID, &group.SchedulerID, &sealed, &expires)
	if isNoRows(err) {
		return types.TaskGroup{}, fmt.Errorf("%w: task group %s", state.ErrNotFound, taskGroupID)
	}
	if err != nil {
		return types.TaskGroup{}, fmt.Errorf("load task group: %w", err)
	}
	if group.Sealed, err = parseNullableTime(sealed); err != nil {
		return types.TaskGroup{}, fmt.Errorf("parse sealed: %w", err)
	}
	if group.Expires, err = parseTime(expires); err != nil {
		return types.TaskGroup{}, fmt.Errorf("parse task group expires: %w", err)
	}
	return group, nil
}
