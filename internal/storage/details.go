package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/spherical-ai/docpipe/internal/domain"
)

const detailColumns = `id, task_id, page, page_source, image_path, status, worker_id, provider_id, model_id,
	content, error, retry_count, recovery_count, input_tokens, output_tokens, duration_ms, next_attempt_at,
	started_at, completed_at, created_at, updated_at`

func scanDetail(row rowScanner) (*TaskDetail, error) {
	var (
		d           TaskDetail
		workerID    sql.NullString
		nextAttempt int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	err := row.Scan(
		&d.ID, &d.TaskID, &d.Page, &d.PageSource, &d.ImagePath, &d.Status, &workerID, &d.ProviderID, &d.ModelID,
		&d.Content, &d.Error, &d.RetryCount, &d.RecoveryCount, &d.InputTokens, &d.OutputTokens, &d.DurationMS,
		&nextAttempt, &startedAt, &completedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.WorkerID = workerID.String
	d.NextAttemptAt = fromNanos(nextAttempt)
	d.StartedAt = nullTime(startedAt)
	d.CompletedAt = nullTime(completedAt)
	d.CreatedAt = fromNanos(createdAt)
	d.UpdatedAt = fromNanos(updatedAt)
	return &d, nil
}

// GetDetail retrieves a page by id.
func (s *Store) GetDetail(ctx context.Context, id int64) (*TaskDetail, error) {
	return s.getDetail(ctx, s.db, id)
}

func (s *Store) getDetail(ctx context.Context, db DB, id int64) (*TaskDetail, error) {
	row := db.QueryRowContext(ctx, s.rebind(`SELECT `+detailColumns+` FROM task_details WHERE id = ?`), id)
	d, err := scanDetail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get page %d: %w", id, err)
	}
	return d, nil
}

// ListDetails returns all pages of a task ordered by page number.
func (s *Store) ListDetails(ctx context.Context, taskID string) ([]*TaskDetail, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT `+detailColumns+` FROM task_details WHERE task_id = ? ORDER BY page`), taskID)
	if err != nil {
		return nil, fmt.Errorf("list pages of %s: %w", taskID, err)
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

// CountDetails summarises the pages of a task by status.
func (s *Store) CountDetails(ctx context.Context, taskID string) (DetailCounts, error) {
	var counts DetailCounts
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT status, COUNT(*) FROM task_details WHERE task_id = ? GROUP BY status`), taskID)
	if err != nil {
		return counts, fmt.Errorf("count pages of %s: %w", taskID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status domain.DetailStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return counts, fmt.Errorf("scan page count: %w", err)
		}
		counts.Total += n
		switch status {
		case domain.DetailPending:
			counts.Pending = n
		case domain.DetailProcessing:
			counts.Processing = n
		case domain.DetailRetrying:
			counts.Retrying = n
		case domain.DetailCompleted:
			counts.Completed = n
		case domain.DetailFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

// UpdateDetail writes fields unconditionally and stamps updated_at.
func (s *Store) UpdateDetail(ctx context.Context, id int64, fields DetailFields) error {
	ok, err := s.updateDetail(ctx, id, nil, "", fields)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotFound
	}
	return nil
}

// TransitionDetail writes fields only while the page is in one of the from statuses and,
// when workerID is set, still claimed by that worker.
func (s *Store) TransitionDetail(ctx context.Context, id int64, from []domain.DetailStatus, workerID string, fields DetailFields) (bool, error) {
	return s.updateDetail(ctx, id, from, workerID, fields)
}

func (s *Store) updateDetail(ctx context.Context, id int64, from []domain.DetailStatus, workerID string, fields DetailFields) (bool, error) {
	now := s.stamp()
	sets := []string{"updated_at = ?"}
	args := []interface{}{now}

	if fields.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*fields.Status))
	}
	if fields.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *fields.Content)
	}
	if fields.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *fields.Error)
	}
	if fields.ProviderID != nil {
		sets = append(sets, "provider_id = ?")
		args = append(args, *fields.ProviderID)
	}
	if fields.ModelID != nil {
		sets = append(sets, "model_id = ?")
		args = append(args, *fields.ModelID)
	}
	if fields.InputTokens != nil {
		sets = append(sets, "input_tokens = ?")
		args = append(args, *fields.InputTokens)
	}
	if fields.OutputTokens != nil {
		sets = append(sets, "output_tokens = ?")
		args = append(args, *fields.OutputTokens)
	}
	if fields.DurationMS != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *fields.DurationMS)
	}
	if fields.NextAttemptAt != nil {
		sets = append(sets, "next_attempt_at = ?")
		args = append(args, fields.NextAttemptAt.UTC().UnixNano())
	}
	if fields.IncrementTry {
		sets = append(sets, "retry_count = retry_count + 1")
	}
	if fields.ReleaseClaim {
		sets = append(sets, "worker_id = NULL")
	}
	if fields.MarkStarted {
		sets = append(sets, "started_at = ?")
		args = append(args, now)
	}
	if fields.MarkCompleted {
		sets = append(sets, "completed_at = ?")
		args = append(args, now)
	}

	query := `UPDATE task_details SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	args = append(args, id)
	if len(from) > 0 {
		query += ` AND status IN (` + inClause(len(from)) + `)`
		for _, st := range from {
			args = append(args, string(st))
		}
	}
	if workerID != "" {
		query += ` AND worker_id = ?`
		args = append(args, workerID)
	}

	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("update page %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update page %d: %w", id, err)
	}
	return n > 0, nil
}

// RetryFailedPages makes the permanently failed pages of a failed or partially failed task
// claimable again and puts the task back into processing, in one transaction.
// Retry counters are kept. It returns the number of pages queued; with none the task is left as is.
func (s *Store) RetryFailedPages(ctx context.Context, taskID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin retry of %s: %w", taskID, err)
	}
	defer tx.Rollback()

	task, err := s.getTask(ctx, tx, taskID)
	if err != nil {
		return 0, err
	}
	retryable := []domain.TaskStatus{domain.TaskFailed, domain.TaskPartialFailed}
	if task.Status != domain.TaskFailed && task.Status != domain.TaskPartialFailed {
		return 0, fmt.Errorf("task %s is %s: %w", taskID, task.Status, domain.ErrInvalidTransition)
	}

	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE task_details
		SET status = ?, error = '', worker_id = NULL, next_attempt_at = 0, updated_at = ?
		WHERE task_id = ? AND status = ?`),
		string(domain.DetailPending), s.stamp(), taskID, string(domain.DetailFailed))
	if err != nil {
		return 0, fmt.Errorf("reset failed pages of %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset failed pages of %s: %w", taskID, err)
	}
	if n == 0 {
		return 0, nil
	}

	ok, err := s.updateTask(ctx, tx, taskID, retryable, "", TaskFields{
		Status:       Ptr(domain.TaskProcessing),
		Error:        Ptr(""),
		MergedPath:   Ptr(""),
		OutputURL:    Ptr(""),
		ReleaseClaim: true,
	})
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("task %s changed while retrying: %w", taskID, domain.ErrInvalidTransition)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit retry of %s: %w", taskID, err)
	}
	return int(n), nil
}
