package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/user/fleetscan/internal/model"
)

// ErrTaskRunning is returned when creating a task whose id is already running.
var ErrTaskRunning = errors.New("task is already running")

const taskColumns = `id, status, hostname, scanned_hosts, successful_hosts, error, created_at, updated_at`

// TaskStorage handles scan task persistence.
type TaskStorage struct {
	db *DB
}

// NewTaskStorage creates a new task storage handler.
func NewTaskStorage(db *DB) *TaskStorage {
	return &TaskStorage{db: db}
}

func scanTask(row rowScanner) (*model.ScanTask, error) {
	var (
		t                  model.ScanTask
		status             string
		created, updatedAt string
	)
	if err := row.Scan(&t.ID, &status, &t.Hostname, &t.ScannedHosts, &t.SuccessfulHosts, &t.Error, &created, &updatedAt); err != nil {
		return nil, err
	}
	t.Status = model.TaskStatus(status)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// Get returns a task by id, or nil if absent.
func (s *TaskStorage) Get(ctx context.Context, id string) (*model.ScanTask, error) {
	t, err := scanTask(s.db.runner().queryRow(ctx, `SELECT `+taskColumns+` FROM scan_tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return t, nil
}

// Create inserts a pending task. An existing task with the same id is reset
// to pending unless it is running, in which case ErrTaskRunning is returned.
func (s *TaskStorage) Create(ctx context.Context, id, hostname string, now time.Time) (*model.ScanTask, error) {
	task := &model.ScanTask{
		ID:        id,
		Status:    model.TaskPending,
		Hostname:  hostname,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.db.WithTx(ctx, func(tx *Tx) error {
		var status string
		err := tx.queryRow(ctx, `SELECT status FROM scan_tasks WHERE id = ?`, id).Scan(&status)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.exec(ctx,
				`INSERT INTO scan_tasks (id, status, hostname, scanned_hosts, successful_hosts, error, created_at, updated_at)
				 VALUES (?, ?, ?, 0, 0, '', ?, ?)`,
				id, string(model.TaskPending), hostname, formatTime(now), formatTime(now))
			return err
		case err != nil:
			return err
		case model.TaskStatus(status) == model.TaskRunning:
			return ErrTaskRunning
		default:
			_, err = tx.exec(ctx,
				`UPDATE scan_tasks SET status = ?, hostname = ?, scanned_hosts = 0, successful_hosts = 0,
					error = '', created_at = ?, updated_at = ? WHERE id = ?`,
				string(model.TaskPending), hostname, formatTime(now), formatTime(now), id)
			return err
		}
	})
	if err != nil {
		if errors.Is(err, ErrTaskRunning) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create task %s: %w", id, err)
	}
	return task, nil
}

// MarkRunning moves a pending task to running. It fails if the task is not
// pending.
func (s *TaskStorage) MarkRunning(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.runner().exec(ctx,
		`UPDATE scan_tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(model.TaskRunning), formatTime(now), id, string(model.TaskPending))
	if err != nil {
		return fmt.Errorf("failed to start task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s is not pending", id)
	}
	return nil
}

// UpdateProgress records the running counts of a task.
func (s *TaskStorage) UpdateProgress(ctx context.Context, id string, scanned, successful int, now time.Time) error {
	_, err := s.db.runner().exec(ctx,
		`UPDATE scan_tasks SET scanned_hosts = ?, successful_hosts = ?, updated_at = ? WHERE id = ?`,
		scanned, successful, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("failed to update task progress %s: %w", id, err)
	}
	return nil
}

// Finish writes the terminal status and final counts of a task.
func (s *TaskStorage) Finish(ctx context.Context, id string, status model.TaskStatus, scanned, successful int, cause string, now time.Time) error {
	_, err := s.db.runner().exec(ctx,
		`UPDATE scan_tasks SET status = ?, scanned_hosts = ?, successful_hosts = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), scanned, successful, cause, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("failed to finish task %s: %w", id, err)
	}
	return nil
}

// ListByStatus returns tasks in the given status, oldest first.
func (s *TaskStorage) ListByStatus(ctx context.Context, status model.TaskStatus) ([]model.ScanTask, error) {
	return s.list(ctx, `SELECT `+taskColumns+` FROM scan_tasks WHERE status = ? ORDER BY created_at`, string(status))
}

// ListRecent returns the most recently updated tasks.
func (s *TaskStorage) ListRecent(ctx context.Context, limit int) ([]model.ScanTask, error) {
	return s.list(ctx, `SELECT `+taskColumns+` FROM scan_tasks ORDER BY updated_at DESC LIMIT ?`, limit)
}

func (s *TaskStorage) list(ctx context.Context, query string, args ...any) ([]model.ScanTask, error) {
	rows, err := s.db.runner().query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.ScanTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}
