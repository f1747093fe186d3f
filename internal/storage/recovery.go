package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/spherical-ai/docpipe/internal/domain"
)

// StaleTasks returns tasks in status whose last update is before cutoff.
func (s *Store) StaleTasks(ctx context.Context, status domain.TaskStatus, cutoff time.Time) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at`),
		string(status), cutoff.UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("find stale tasks: %w", err)
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

// StaleDetails returns pages in status whose last update is before cutoff.
func (s *Store) StaleDetails(ctx context.Context, status domain.DetailStatus, cutoff time.Time) ([]*TaskDetail, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+detailColumns+` FROM task_details
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at`),
		string(status), cutoff.UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("find stale pages: %w", err)
	}
	defer rows.Close()

	var details []*TaskDetail
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		details = append(details, d)
	}
	return details, rows.Err()
}

// RecoverTask clears a stale claim and moves the task back to a claimable status.
// The row must still be in from and not updated since cutoff.
func (s *Store) RecoverTask(ctx context.Context, id string, from, to domain.TaskStatus, cutoff time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE tasks
		SET status = ?, worker_id = NULL, recovery_count = recovery_count + 1, updated_at = ?
		WHERE id = ? AND status = ? AND updated_at < ?`),
		string(to), s.stamp(), id, string(from), cutoff.UTC().UnixNano())
	if err != nil {
		return false, fmt.Errorf("recover task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FailStaleTask marks a stale task failed after too many recoveries.
func (s *Store) FailStaleTask(ctx context.Context, id string, from domain.TaskStatus, cutoff time.Time, reason string) (bool, error) {
	now := s.stamp()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE tasks
		SET status = ?, worker_id = NULL, error = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ? AND updated_at < ?`),
		string(domain.TaskFailed), reason, now, now, id, string(from), cutoff.UTC().UnixNano())
	if err != nil {
		return false, fmt.Errorf("fail task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RecoverDetail clears a stale page claim and makes the page pending again.
func (s *Store) RecoverDetail(ctx context.Context, id int64, cutoff time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE task_details
		SET status = ?, worker_id = NULL, recovery_count = recovery_count + 1, updated_at = ?
		WHERE id = ? AND status = ? AND updated_at < ?`),
		string(domain.DetailPending), s.stamp(), id, string(domain.DetailProcessing), cutoff.UTC().UnixNano())
	if err != nil {
		return false, fmt.Errorf("recover page %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FailStaleDetail marks a stale page permanently failed after too many recoveries.
func (s *Store) FailStaleDetail(ctx context.Context, id int64, cutoff time.Time, reason string) (bool, error) {
	now := s.stamp()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE task_details
		SET status = ?, worker_id = NULL, error = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ? AND updated_at < ?`),
		string(domain.DetailFailed), reason, now, now, id, string(domain.DetailProcessing), cutoff.UTC().UnixNano())
	if err != nil {
		return false, fmt.Errorf("fail page %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// TasksAwaitingAdvance returns processing tasks whose pages are all completed or failed.
func (s *Store) TasksAwaitingAdvance(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT t.id FROM tasks t
		WHERE t.status = ? AND t.total_pages > 0
			AND NOT EXISTS (
				SELECT 1 FROM task_details d
				WHERE d.task_id = t.id AND d.status NOT IN (?, ?)
			)
		ORDER BY t.created_at`),
		string(domain.TaskProcessing), string(domain.DetailCompleted), string(domain.DetailFailed))
	if err != nil {
		return nil, fmt.Errorf("find tasks awaiting advance: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
