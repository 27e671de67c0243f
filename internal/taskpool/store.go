// Package taskpool persists the shared pool of tasks that the daemon hands to
// idle workers, backed by SQLite.
package taskpool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a task id is unknown.
var ErrNotFound = errors.New("pool task not found")

// ErrEmpty is returned by Claim when no pending task exists.
var ErrEmpty = errors.New("task pool is empty")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS pool_tasks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    prompt TEXT NOT NULL,
    task_cmd TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    claimed_by TEXT NOT NULL DEFAULT '',
    failure_reason TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pool_tasks_status ON pool_tasks(status, id);
`

// Store manages pool persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the pool database.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure pool directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply pool schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Add enqueues a new pending task and returns it.
func (s *Store) Add(ctx context.Context, prompt, taskCmd string) (*Task, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, errors.New("add pool task: prompt required")
	}
	now := timestamp()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pool_tasks (prompt, task_cmd, status, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?)`,
		prompt, taskCmd, StatusPending, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pool task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.Get(ctx, id)
}

// Claim hands the oldest pending task to a worker and marks it claimed.
func (s *Store) Claim(ctx context.Context, workerName string) (*Task, error) {
	if workerName == "" {
		return nil, errors.New("claim pool task: worker name required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM pool_tasks WHERE status = ? ORDER BY id LIMIT 1`,
		StatusPending,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("select pending task: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE pool_tasks SET status = ?, claimed_by = ?, updated_at = ? WHERE id = ?`,
		StatusClaimed, workerName, timestamp(), id,
	); err != nil {
		return nil, fmt.Errorf("claim task %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return s.Get(ctx, id)
}

// Release returns a claimed task to pending so another worker can take it.
func (s *Store) Release(ctx context.Context, id int64) error {
	return s.update(ctx, id,
		`UPDATE pool_tasks SET status = ?, claimed_by = '', updated_at = ? WHERE id = ?`,
		StatusPending, timestamp(), id,
	)
}

// Complete marks a claimed task done.
func (s *Store) Complete(ctx context.Context, id int64) error {
	return s.update(ctx, id,
		`UPDATE pool_tasks SET status = ?, updated_at = ? WHERE id = ?`,
		StatusDone, timestamp(), id,
	)
}

// Fail marks a task failed with a reason.
func (s *Store) Fail(ctx context.Context, id int64, reason string) error {
	return s.update(ctx, id,
		`UPDATE pool_tasks SET status = ?, failure_reason = ?, updated_at = ? WHERE id = ?`,
		StatusFailed, reason, timestamp(), id,
	)
}

// Get returns one task by id.
func (s *Store) Get(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, prompt, task_cmd, status, claimed_by, failure_reason, created_at, updated_at
         FROM pool_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load task %d: %w", id, err)
	}
	return task, nil
}

// List returns tasks filtered by optional statuses, oldest first.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Task, error) {
	query := `SELECT id, prompt, task_cmd, status, claimed_by, failure_reason, created_at, updated_at
              FROM pool_tasks`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			placeholders[i] = "?"
			args = append(args, status)
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pool tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pool task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pool tasks: %w", err)
	}
	return tasks, nil
}

// Stats counts tasks by status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(1) FROM pool_tasks GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("pool stats: %w", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("scan pool stats: %w", err)
		}
		switch status {
		case StatusPending:
			stats.Pending = count
		case StatusClaimed:
			stats.Claimed = count
		case StatusDone:
			stats.Done = count
		case StatusFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate pool stats: %w", err)
	}
	return stats, nil
}

func (s *Store) update(ctx context.Context, id int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for task %d: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	if err := row.Scan(
		&task.ID, &task.Prompt, &task.TaskCmd, &task.Status,
		&task.ClaimedBy, &task.FailureReason, &task.CreatedAt, &task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &task, nil
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
