package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/taskcluster/taskcluster-sub006/state"
	"github.com/taskcluster/taskcluster-sub006/types"
)

// PutArtifact records artifact metadata. An existing artifact with the same
// name is returned as is together with created=false.
func (s *Store) PutArtifact(ctx context.Context, artifact types.Artifact) (types.Artifact, bool, error) {
	if artifact.Created.IsZero() {
		artifact.Created = s.now()
	}
	artifact.Created = types.TruncateTime(artifact.Created)
	artifact.Expires = types.TruncateTime(artifact.Expires)

	var (
		out     types.Artifact
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var found int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE task_id = ? AND run_id = ?;`, artifact.TaskID, artifact.RunID).Scan(&found)
		if isNoRows(err) {
			return fmt.Errorf("%w: run %d of task %s", state.ErrNotFound, artifact.RunID, artifact.TaskID)
		}
		if err != nil {
			return fmt.Errorf("load run: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
INSERT INTO artifacts (task_id, run_id, name, storage_type, content_type, created, expires)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(task_id, run_id, name) DO NOTHING;
`,
			artifact.TaskID,
			artifact.RunID,
			artifact.Name,
			artifact.StorageType,
			artifact.ContentType,
			formatTime(artifact.Created),
			formatTime(artifact.Expires),
		)
		if err != nil {
			return fmt.Errorf("insert artifact: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		created = n == 1

		rows, err := listArtifacts(ctx, tx, artifact.TaskID, artifact.RunID, artifact.Name)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return fmt.Errorf("%w: artifact %s", state.ErrNotFound, artifact.Name)
		}
		out = rows[0]
		return nil
	})
	if err != nil {
		return types.Artifact{}, false, err
	}
	return out, created, nil
}

func (s *Store) ListArtifacts(ctx context.Context, taskID string, runID int) ([]types.Artifact, error) {
	return listArtifacts(ctx, s.db, taskID, runID, "")
}

func listArtifacts(ctx context.Context, q querier, taskID string, runID int, name string) ([]types.Artifact, error) {
	query := `
SELECT name, storage_type, content_type, created, expires
FROM artifacts
WHERE task_id = ? AND run_id = ?`
	args := []any{taskID, runID}
	if name != "" {
		query += ` AND name = ?`
		args = append(args, name)
	}
	rows, err := q.QueryContext(ctx, query+` ORDER BY name ASC;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	out := []types.Artifact{}
	for rows.Next() {
		a := types.Artifact{TaskID: taskID, RunID: runID}
		var created, expires string
		if err := rows.Scan(&a.Name, &a.StorageType, &a.ContentType, &created, &expires); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		if a.Created, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parse artifact created: %w", err)
		}
		if a.Expires, err = parseTime(expires); err != nil {
			return nil, fmt.Errorf("parse artifact expires: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return out, nil
}
