package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/taskcluster/taskcluster-sub006/state"
)

// SweepExpired deletes expired rows of one table, one row at a time and with
// the expiry predicate re-checked on delete. It never truncates.
func (s *Store) SweepExpired(ctx context.Context, table state.Table, now time.Time, batch int) (int, error) {
	switch table {
	case state.TableTasks, state.TableTaskGroups, state.TableTaskGroupMembers,
		state.TableTaskDependencies, state.TableHints, state.TableArtifacts:
	default:
		return 0, fmt.Errorf("sweep: unknown table %q", table)
	}
	cutoff := formatTime(now)

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT rowid FROM %s WHERE expires < ? ORDER BY expires ASC LIMIT ?;`, table),
		cutoff, normalizeLimit(batch))
	if err != nil {
		return 0, fmt.Errorf("sweep %s: %w", table, err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("sweep %s: scan: %w", table, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("sweep %s: iterate: %w", table, err)
	}
	rows.Close()

	var (
		deleted int
		errs    []error
	)
	for _, id := range ids {
		ok, err := s.sweepRow(ctx, table, id, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep %s row %d: %w", table, id, err))
			continue
		}
		if ok {
			deleted++
		}
	}
	return deleted, errors.Join(errs...)
}

func (s *Store) sweepRow(ctx context.Context, table state.Table, rowID int64, cutoff string) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var taskID, taskGroupID string
		if table == state.TableTasks {
			err := tx.QueryRowContext(ctx, `SELECT task_id, task_group_id FROM tasks WHERE rowid = ? AND expires < ?;`, rowID, cutoff).
				Scan(&taskID, &taskGroupID)
			if isNoRows(err) {
				return nil
			}
			if err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE rowid = ? AND expires < ?;`, table), rowID, cutoff)
		if err != nil {
			return err
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		deleted = n == 1
		if !deleted || table != state.TableTasks {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE task_id = ?;`, taskID); err != nil {
			return fmt.Errorf("delete runs: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_group_active WHERE task_group_id = ? AND task_id = ?;`, taskGroupID, taskID); err != nil {
			return fmt.Errorf("delete active member: %w", err)
		}
		return nil
	})
	return deleted, err
}
