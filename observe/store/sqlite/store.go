package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/taskcluster/taskcluster-sub006/observe"
	observestore "github.com/taskcluster/taskcluster-sub006/observe/store"
	"github.com/taskcluster/taskcluster-sub006/types"
)

//go:embed schema.sql
var schemaSQL string

const defaultLimit = 200

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite audit path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable wal: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) SaveEvent(ctx context.Context, event observe.Event) error {
	if s == nil || s.db == nil {
		return nil
	}
	event.Normalize()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	attrs, err := json.Marshal(event.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode audit attributes: %w", err)
	}
	var runID any
	if event.RunID != nil {
		runID = *event.RunID
	}
	const q = `
INSERT INTO audit_events (
  event_id, kind, status, name, task_id, run_id, task_group_id, task_queue_id, scheduler_id,
  worker_group, worker_id, message, error, duration_ms, payload, attributes, timestamp
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(event_id) DO NOTHING;
`
	_, err = s.db.ExecContext(
		ctx,
		q,
		event.ID,
		string(event.Kind),
		string(event.Status),
		event.Name,
		event.TaskID,
		runID,
		event.TaskGroupID,
		event.TaskQueueID,
		event.SchedulerID,
		event.WorkerGroup,
		event.WorkerID,
		event.Message,
		event.Error,
		event.DurationMs,
		string(event.Payload),
		string(attrs),
		event.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save audit event: %w", err)
	}
	return nil
}

func (s *Store) ListEventsByTask(ctx context.Context, taskID string, query observestore.ListQuery) ([]observe.Event, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, fmt.Errorf("taskID is required")
	}
	return s.list(ctx, "task_id = ?", taskID, query)
}

func (s *Store) ListEventsByTaskGroup(ctx context.Context, taskGroupID string, query observestore.ListQuery) ([]observe.Event, error) {
	if strings.TrimSpace(taskGroupID) == "" {
		return nil, fmt.Errorf("taskGroupID is required")
	}
	return s.list(ctx, "task_group_id = ?", taskGroupID, query)
}

func (s *Store) list(ctx context.Context, predicate string, value string, query observestore.ListQuery) ([]observe.Event, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	q := fmt.Sprintf(`
SELECT event_id, kind, status, name, task_id, run_id, task_group_id, task_queue_id, scheduler_id,
       worker_group, worker_id, message, error, duration_ms, payload, attributes, timestamp
FROM audit_events
WHERE %s
ORDER BY timestamp ASC, rowid ASC
LIMIT ? OFFSET ?;
`, predicate)

	rows, err := s.db.QueryContext(ctx, q, value, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	out := make([]observe.Event, 0, limit)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit events: %w", err)
	}
	return out, nil
}

func scanEvent(scanner interface{ Scan(dest ...any) error }) (observe.Event, error) {
	var (
		e       observe.Event
		kind    string
		status  string
		runID   sql.NullInt64
		payload string
		attrs   string
		tsRaw   string
	)
	if err := scanner.Scan(
		&e.ID,
		&kind,
		&status,
		&e.Name,
		&e.TaskID,
		&runID,
		&e.TaskGroupID,
		&e.TaskQueueID,
		&e.SchedulerID,
		&e.WorkerGroup,
		&e.WorkerID,
		&e.Message,
		&e.Error,
		&e.DurationMs,
		&payload,
		&attrs,
		&tsRaw,
	); err != nil {
		return observe.Event{}, fmt.Errorf("failed to scan audit event: %w", err)
	}
	e.Kind = observe.Kind(kind)
	e.Status = observe.Status(status)
	if runID.Valid {
		id := int(runID.Int64)
		e.RunID = &id
	}
	if payload != "" {
		e.Payload = json.RawMessage(payload)
	}
	if tsRaw != "" {
		ts, err := time.Parse(time.RFC3339Nano, tsRaw)
		if err == nil {
			e.Timestamp = ts
		}
	}
	if attrs != "" {
		_ = json.Unmarshal([]byte(attrs), &e.Attributes)
	}
	e.Normalize()
	return e, nil
}

func (s *Store) AggregateMetrics(ctx context.Context, query observestore.MetricsQuery) (observestore.MetricsSummary, error) {
	if s == nil || s.db == nil {
		return observestore.MetricsSummary{}, nil
	}
	q := "SELECT name, COUNT(*) FROM audit_events WHERE kind IN (?, ?)"
	args := []any{string(observe.KindTask), string(observe.KindGroup)}
	if query.Since != nil {
		q += " AND timestamp >= ?"
		args = append(args, query.Since.UTC().Format(time.RFC3339Nano))
	}
	rows, err := s.db.QueryContext(ctx, q+" GROUP BY name;", args...)
	if err != nil {
		return observestore.MetricsSummary{}, fmt.Errorf("failed to aggregate audit events: %w", err)
	}
	defer rows.Close()

	metrics := observestore.MetricsSummary{}
	for rows.Next() {
		var (
			name string
			n    int64
		)
		if err := rows.Scan(&name, &n); err != nil {
			return observestore.MetricsSummary{}, fmt.Errorf("failed to scan audit metric: %w", err)
		}
		switch types.EventType(name) {
		case types.EventTaskDefined:
			metrics.TasksDefined = n
		case types.EventTaskPending:
			metrics.TasksPending = n
		case types.EventTaskRunning:
			metrics.TasksRunning = n
		case types.EventTaskCompleted:
			metrics.TasksCompleted = n
		case types.EventTaskFailed:
			metrics.TasksFailed = n
		case types.EventTaskException:
			metrics.TasksException = n
		case types.EventTaskGroupResolved:
			metrics.GroupsResolved = n
		}
	}
	if err := rows.Err(); err != nil {
		return observestore.MetricsSummary{}, fmt.Errorf("failed to iterate audit metrics: %w", err)
	}
	return metrics, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ observestore.Store = (*Store)(nil)
