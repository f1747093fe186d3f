package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/spherical-ai/docpipe/internal/domain"
)

const taskColumns = `id, filename, document_type, page_range, total_pages, provider_id, model_id, model_name,
	progress, status, worker_id, completed_count, failed_count, merged_path, output_url, error,
	recovery_count, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t           Task
		workerID    sql.NullString
		createdAt   int64
		updatedAt   int64
		completedAt sql.NullInt64
	)
	err := row.Scan(
		&t.ID, &t.Filename, &t.DocumentType, &t.PageRange, &t.TotalPages, &t.ProviderID, &t.ModelID, &t.ModelName,
		&t.Progress, &t.Status, &workerID, &t.CompletedCount, &t.FailedCount, &t.MergedPath, &t.OutputURL, &t.Error,
		&t.RecoveryCount, &createdAt, &updatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	t.WorkerID = workerID.String
	t.CreatedAt = fromNanos(createdAt)
	t.UpdatedAt = fromNanos(updatedAt)
	t.CompletedAt = nullTime(completedAt)
	return &t, nil
}

// CreateTask inserts a task; an empty id gets a new UUID and an empty status becomes created.
func (s *Store) CreateTask(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = domain.TaskCreated
	}
	now := s.stamp()
	task.CreatedAt = fromNanos(now)
	task.UpdatedAt = task.CreatedAt

	query := s.rebind(`
		INSERT INTO tasks (id, filename, document_type, page_range, total_pages, provider_id, model_id, model_name,
			progress, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		task.ID, task.Filename, string(task.DocumentType), task.PageRange, task.TotalPages,
		task.ProviderID, task.ModelID, task.ModelName, task.Progress, string(task.Status), now, now,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	return s.getTask(ctx, s.db, id)
}

func (s *Store) getTask(ctx context.Context, db DB, id string) (*Task, error) {
	row := db.QueryRowContext(ctx, s.rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

// ListTasks returns tasks newest first.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []interface{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// CountTasksByStatus returns the number of tasks in each status.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var (
			status domain.TaskStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// UpdateTask writes fields unconditionally and stamps updated_at.
func (s *Store) UpdateTask(ctx context.Context, id string, fields TaskFields) error {
	ok, err := s.updateTask(ctx, s.db, id, nil, "", fields)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotFound
	}
	return nil
}

// TransitionTask writes fields only while the task is in one of the from statuses.
// It reports whether the row was changed.
func (s *Store) TransitionTask(ctx context.Context, id string, from []domain.TaskStatus, fields TaskFields) (bool, error) {
	return s.updateTask(ctx, s.db, id, from, "", fields)
}

// TransitionOwnedTask is TransitionTask restricted to a task still claimed by workerID.
// It reports false when the claim was lost, e.g. to cancellation or the health monitor.
func (s *Store) TransitionOwnedTask(ctx context.Context, id string, from []domain.TaskStatus, workerID string, fields TaskFields) (bool, error) {
	return s.updateTask(ctx, s.db, id, from, workerID, fields)
}

func (s *Store) updateTask(ctx context.Context, db DB, id string, from []domain.TaskStatus, owner string, fields TaskFields) (bool, error) {
	now := s.stamp()
	sets := []string{"updated_at = ?"}
	args := []interface{}{now}

	if fields.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*fields.Status))
	}
	if fields.TotalPages != nil {
		sets = append(sets, "total_pages = ?")
		args = append(args, *fields.TotalPages)
	}
	if fields.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *fields.Progress)
	}
	if fields.CompletedCount != nil {
		sets = append(sets, "completed_count = ?")
		args = append(args, *fields.CompletedCount)
	}
	if fields.FailedCount != nil {
		sets = append(sets, "failed_count = ?")
		args = append(args, *fields.FailedCount)
	}
	if fields.MergedPath != nil {
		sets = append(sets, "merged_path = ?")
		args = append(args, *fields.MergedPath)
	}
	if fields.OutputURL != nil {
		sets = append(sets, "output_url = ?")
		args = append(args, *fields.OutputURL)
	}
	if fields.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *fields.Error)
	}
	if fields.ReleaseClaim {
		sets = append(sets, "worker_id = NULL")
	}
	if fields.MarkCompleted {
		sets = append(sets, "completed_at = ?")
		args = append(args, now)
	}

	query := `UPDATE tasks SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	args = append(args, id)
	if len(from) > 0 {
		query += ` AND status IN (` + inClause(len(from)) + `)`
		for _, st := range from {
			args = append(args, string(st))
		}
	}
	if owner != "" {
		query += ` AND worker_id = ?`
		args = append(args, owner)
	}

	res, err := db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("update task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update task %s: %w", id, err)
	}
	return n > 0, nil
}

// DeleteTask removes a task and its pages.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM task_details WHERE task_id = ?`), id); err != nil {
		return fmt.Errorf("delete pages of %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return tx.Commit()
}

// CompleteSplit inserts one pending page per artifact and moves the task to processing,
// releasing the splitter's claim. The task must still be splitting under workerID.
func (s *Store) CompleteSplit(ctx context.Context, taskID, workerID string, artifacts []domain.PageArtifact) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin split commit: %w", err)
	}
	defer tx.Rollback()

	task, err := s.getTask(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if task.Status != domain.TaskSplitting || task.WorkerID != workerID {
		return fmt.Errorf("task %s is %s: %w", taskID, task.Status, domain.ErrInvalidTransition)
	}

	insert := s.rebind(`
		INSERT INTO task_details (task_id, page, page_source, image_path, status, provider_id, model_id,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, a := range artifacts {
		created := s.stamp()
		if _, err := tx.ExecContext(ctx, insert, taskID, a.Page, a.PageSource, a.ImagePath,
			string(domain.DetailPending), task.ProviderID, task.ModelID, created, created); err != nil {
			return fmt.Errorf("insert page %d: %w", a.Page, err)
		}
	}

	ok, err := s.updateTask(ctx, tx, taskID, []domain.TaskStatus{domain.TaskSplitting}, workerID, TaskFields{
		Status:         Ptr(domain.TaskProcessing),
		TotalPages:     Ptr(len(artifacts)),
		Progress:       Ptr(0.0),
		CompletedCount: Ptr(0),
		FailedCount:    Ptr(0),
		Error:          Ptr(""),
		ReleaseClaim:   true,
	})
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrClaimConflict
	}
	return tx.Commit()
}
