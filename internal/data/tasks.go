package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oxidehq/oxide/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TASK OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// CreateTask inserts a new task row in the queued state.
func (s *Store) CreateTask(ctx context.Context, task *types.TaskRecord) error {
	if task.ID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if task.Status == "" {
		task.Status = types.StatusQueued
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	filesJSON, err := json.Marshal(task.Files)
	if err != nil {
		return fmt.Errorf("marshal files: %w", err)
	}
	prefsJSON, err := json.Marshal(task.Preferences)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}

	query := `
		INSERT INTO tasks (
			id, status, prompt, files, preferences,
			service, category, mode,
			result, error, broadcast_results,
			created_at, duration_seconds
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		task.ID, task.Status, task.Prompt, string(filesJSON), string(prefsJSON),
		nullString(task.Service), nullString(task.Category), nullString(string(task.Mode)),
		nullString(task.Result), nullString(task.Error), "[]",
		task.CreatedAt, 0,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}

	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*types.TaskRecord, error) {
	query := taskSelect + ` WHERE id = ?`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("task not found: %s", id)
		}
		return nil, fmt.Errorf("query task: %w", err)
	}

	return task, nil
}

// MarkTaskRunning transitions a queued task to running, recording the
// routed service, category, and execution mode. started_at is stamped
// exactly once.
func (s *Store) MarkTaskRunning(ctx context.Context, id, service, category string, mode types.ExecutionMode) error {
	return s.transition(ctx, id, types.StatusRunning, func(tx *sql.Tx, now time.Time, _ sql.NullTime) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, service = ?, category = ?, mode = ?, started_at = ?
			WHERE id = ?
		`, types.StatusRunning, nullString(service), nullString(category), nullString(string(mode)), now, id)
		return err
	})
}

// MarkTaskCompleted transitions a running task to completed with its final
// (already truncated) result text. Duration is derived from started_at.
func (s *Store) MarkTaskCompleted(ctx context.Context, id, result string) error {
	return s.transition(ctx, id, types.StatusCompleted, func(tx *sql.Tx, now time.Time, startedAt sql.NullTime) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, result = ?, completed_at = ?, duration_seconds = ?
			WHERE id = ?
		`, types.StatusCompleted, nullString(result), now, durationSince(startedAt, now), id)
		return err
	})
}

// MarkTaskFailed transitions a running task to failed with an error
// message. A cancelled task fails with the message "cancelled".
func (s *Store) MarkTaskFailed(ctx context.Context, id, errMsg string) error {
	return s.MarkTaskFailedWithResult(ctx, id, errMsg, "")
}

// MarkTaskFailedWithResult fails a task while preserving a partial result
// that already streamed to the caller before the failure.
func (s *Store) MarkTaskFailedWithResult(ctx context.Context, id, errMsg, partial string) error {
	return s.transition(ctx, id, types.StatusFailed, func(tx *sql.Tx, now time.Time, startedAt sql.NullTime) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, error = ?, result = ?, completed_at = ?, duration_seconds = ?
			WHERE id = ?
		`, types.StatusFailed, nullString(errMsg), nullString(partial), now, durationSince(startedAt, now), id)
		return err
	})
}

// transition enforces the queued → running → {completed, failed} state
// machine inside one transaction. Illegal transitions are rejected, never
// silently applied.
func (s *Store) transition(ctx context.Context, id string, next types.TaskStatus, apply func(*sql.Tx, time.Time, sql.NullTime) error) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var current types.TaskStatus
		var startedAt sql.NullTime
		err := tx.QueryRowContext(ctx, `SELECT status, started_at FROM tasks WHERE id = ?`, id).Scan(&current, &startedAt)
		if err == sql.ErrNoRows {
			return fmt.Errorf("task not found: %s", id)
		}
		if err != nil {
			return fmt.Errorf("query task status: %w", err)
		}

		if !current.CanTransitionTo(next) {
			return fmt.Errorf("illegal task transition %s -> %s for %s", current, next, id)
		}

		if err := apply(tx, time.Now(), startedAt); err != nil {
			return fmt.Errorf("apply transition: %w", err)
		}
		return nil
	})
}

func durationSince(startedAt sql.NullTime, now time.Time) float64 {
	if !startedAt.Valid {
		return 0
	}
	return now.Sub(startedAt.Time).Seconds()
}

// AppendBroadcastResult records one service's outcome on a broadcast task.
// Recording the same service again replaces the earlier entry.
func (s *Store) AppendBroadcastResult(ctx context.Context, id string, res types.BroadcastResult) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT broadcast_results FROM tasks WHERE id = ?`, id).Scan(&raw)
		if err == sql.ErrNoRows {
			return fmt.Errorf("task not found: %s", id)
		}
		if err != nil {
			return fmt.Errorf("query broadcast results: %w", err)
		}

		var results []types.BroadcastResult
		if err := json.Unmarshal([]byte(raw), &results); err != nil {
			return fmt.Errorf("unmarshal broadcast results: %w", err)
		}

		replaced := false
		for i := range results {
			if results[i].Service == res.Service {
				results[i] = res
				replaced = true
				break
			}
		}
		if !replaced {
			results = append(results, res)
		}

		updated, err := json.Marshal(results)
		if err != nil {
			return fmt.Errorf("marshal broadcast results: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET broadcast_results = ? WHERE id = ?`, string(updated), id); err != nil {
			return fmt.Errorf("update broadcast results: %w", err)
		}
		return nil
	})
}

// ListTasks returns the most recent tasks, newest first. An empty status
// matches all states.
func (s *Store) ListTasks(ctx context.Context, status types.TaskStatus, limit int) ([]*types.TaskRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := taskSelect
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.TaskRecord
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}

// TaskCounts reports in-flight (queued or running) and lifetime task
// totals, as advertised in cluster discovery datagrams.
func (s *Store) TaskCounts(ctx context.Context) (active, total int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status IN ('queued', 'running') THEN 1 END),
			COUNT(*)
		FROM tasks
	`).Scan(&active, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("count tasks: %w", err)
	}
	return active, total, nil
}

const taskSelect = `
	SELECT
		id, status, prompt, files, preferences,
		service, category, mode,
		result, error, broadcast_results,
		created_at, started_at, completed_at, duration_seconds
	FROM tasks
`

// rowScanner matches both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.TaskRecord, error) {
	var task types.TaskRecord
	var filesJSON, prefsJSON, broadcastJSON string
	var service, category, mode, result, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&task.ID, &task.Status, &task.Prompt, &filesJSON, &prefsJSON,
		&service, &category, &mode,
		&result, &errMsg, &broadcastJSON,
		&task.CreatedAt, &startedAt, &completedAt, &task.Duration,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(filesJSON), &task.Files); err != nil {
		return nil, fmt.Errorf("unmarshal files: %w", err)
	}
	if err := json.Unmarshal([]byte(prefsJSON), &task.Preferences); err != nil {
		return nil, fmt.Errorf("unmarshal preferences: %w", err)
	}
	if err := json.Unmarshal([]byte(broadcastJSON), &task.BroadcastResults); err != nil {
		return nil, fmt.Errorf("unmarshal broadcast results: %w", err)
	}

	task.Service = service.String
	task.Category = category.String
	task.Mode = types.ExecutionMode(mode.String)
	task.Result = result.String
	task.Error = errMsg.String
	if startedAt.Valid {
		task.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}

	return &task, nil
}
