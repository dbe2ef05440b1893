package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskcluster/taskcluster-sub006/runtime/queue"
	"github.com/taskcluster/taskcluster-sub006/types"
)

func insertHint(ctx context.Context, q querier, hint queue.Hint, now time.Time) error {
	if _, err := q.ExecContext(ctx, `
INSERT INTO pending_hints (hint_id, task_queue_id, task_id, run_id, priority, priority_rank, inserted, visible_at, claim_token, expires)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?)
ON CONFLICT(hint_id) DO NOTHING;
`,
		hint.HintID,
		hint.TaskQueueID,
		hint.TaskID,
		hint.RunID,
		string(hint.Priority),
		hint.Priority.Rank(),
		formatTime(hint.Inserted),
		formatTime(now),
		formatTime(hint.Expires),
	); err != nil {
		return fmt.Errorf("insert hint: %w", err)
	}
	return nil
}

// Push adds a hint outside of run creation. Pushing an existing hint is a
// no-op.
func (s *Store) Push(ctx context.Context, hint queue.Hint) error {
	if hint.HintID == "" {
		hint.HintID = queue.HintID(hint.TaskID, hint.RunID)
	}
	return insertHint(ctx, s.db, hint, s.now())
}

// Poll returns up to limit visible hints of a task queue, highest priority
// first and oldest first within a priority, and hides them for the hint
// visibility window under a fresh claim token.
func (s *Store) Poll(ctx context.Context, taskQueueID string, limit int) ([]queue.Hint, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.now()
	var out []queue.Hint
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT hint_id, task_id, run_id, priority, inserted, visible_at, expires
FROM pending_hints
WHERE task_queue_id = ? AND visible_at <= ?
ORDER BY priority_rank DESC, inserted ASC, hint_id ASC
LIMIT ?;
`, taskQueueID, formatTime(now), limit)
		if err != nil {
			return fmt.Errorf("poll hints: %w", err)
		}
		type candidate struct {
			hint      queue.Hint
			visibleAt string
		}
		var candidates []candidate
		for rows.Next() {
			var (
				c                 candidate
				priority          string
				inserted, expires string
			)
			if err := rows.Scan(&c.hint.HintID, &c.hint.TaskID, &c.hint.RunID, &priority, &inserted, &c.visibleAt, &expires); err != nil {
				rows.Close()
				return fmt.Errorf("scan hint: %w", err)
			}
			c.hint.TaskQueueID = taskQueueID
			c.hint.Priority = types.Priority(priority)
			if c.hint.Inserted, err = parseTime(inserted); err != nil {
				rows.Close()
				return fmt.Errorf("parse hint inserted: %w", err)
			}
			if c.hint.Expires, err = parseTime(expires); err != nil {
				rows.Close()
				return fmt.Errorf("parse hint expires: %w", err)
			}
			candidates = append(candidates, c)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate hints: %w", err)
		}
		rows.Close()

		hidden := formatTime(now.Add(s.hintVisibility))
		for _, c := range candidates {
			token := uuid.NewString()
			res, err := tx.ExecContext(ctx, `
UPDATE pending_hints SET visible_at = ?, claim_token = ?
WHERE hint_id = ? AND visible_at = ?;
`, hidden, token, c.hint.HintID, c.visibleAt)
			if err != nil {
				return fmt.Errorf("hide hint: %w", err)
			}
			n, err := rowsAffected(res)
			if err != nil {
				return err
			}
			if n == 0 {
				continue
			}
			c.hint.ClaimToken = token
			out = append(out, c.hint)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a hint handed out by Poll. A stale token leaves the hint
// alone.
func (s *Store) Delete(ctx context.Context, hint queue.Hint) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_hints WHERE hint_id = ? AND claim_token = ?;`, hint.HintID, hint.ClaimToken); err != nil {
		return fmt.Errorf("delete hint: %w", err)
	}
	return nil
}

// Release makes a polled hint visible again immediately.
func (s *Store) Release(ctx context.Context, hint queue.Hint) error {
	if _, err := s.db.ExecContext(ctx, `
UPDATE pending_hints SET visible_at = ?, claim_token = ''
WHERE hint_id = ? AND claim_token = ?;
`, formatTime(s.now()), hint.HintID, hint.ClaimToken); err != nil {
		return fmt.Errorf("release hint: %w", err)
	}
	return nil
}

// Count reports the visible hints of a task queue.
func (s *Store) Count(ctx context.Context, taskQueueID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM pending_hints WHERE task_queue_id = ? AND visible_at <= ?;
`, taskQueueID, formatTime(s.now())).Scan(&n); err != nil {
		return 0, fmt.Errorf("count hints: %w", err)
	}
	return n, nil
}
