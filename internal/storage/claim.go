package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/spherical-ai/docpipe/internal/domain"
)

// ClaimTask moves the oldest unclaimed task in status from to status to, owned by workerID.
// It returns (nil, nil) when nothing is eligible and domain.ErrClaimConflict when another
// worker changed the row between the select and the update.
func (s *Store) ClaimTask(ctx context.Context, from, to domain.TaskStatus, workerID string) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	selectQuery := `SELECT id FROM tasks WHERE status = ? AND worker_id IS NULL ORDER BY created_at, id LIMIT 1`
	if s.driver == "postgres" {
		selectQuery += ` FOR UPDATE SKIP LOCKED`
	}

	var id string
	err = tx.QueryRowContext(ctx, s.rebind(selectQuery), string(from)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select claimable task: %w", err)
	}

	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE tasks SET status = ?, worker_id = ?, updated_at = ?
		WHERE id = ? AND status = ? AND worker_id IS NULL`),
		string(to), workerID, s.stamp(), id, string(from))
	if err != nil {
		return nil, fmt.Errorf("claim task %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim task %s: %w", id, err)
	}
	if affected == 0 {
		return nil, domain.ErrClaimConflict
	}

	task, err := s.getTask(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return task, nil
}

// ClaimDetail moves the oldest due, unclaimed page in one of the from statuses to status to.
// Only pages whose task is processing are eligible, so cancelled tasks stop handing out work.
func (s *Store) ClaimDetail(ctx context.Context, from []domain.DetailStatus, to domain.DetailStatus, workerID string) (*TaskDetail, error) {
	if len(from) == 0 {
		return nil, fmt.Errorf("claim page: no source status")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	now := s.stamp()
	selectQuery := `
		SELECT d.id FROM task_details d
		JOIN tasks t ON t.id = d.task_id
		WHERE d.status IN (` + inClause(len(from)) + `)
			AND d.worker_id IS NULL
			AND d.next_attempt_at <= ?
			AND t.status = ?
		ORDER BY d.created_at, d.id
		LIMIT 1`
	if s.driver == "postgres" {
		selectQuery += ` FOR UPDATE OF d SKIP LOCKED`
	}

	args := make([]interface{}, 0, len(from)+2)
	for _, st := range from {
		args = append(args, string(st))
	}
	args = append(args, now, string(domain.TaskProcessing))

	var id int64
	err = tx.QueryRowContext(ctx, s.rebind(selectQuery), args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select claimable page: %w", err)
	}

	updateArgs := []interface{}{string(to), workerID, now, now, id}
	for _, st := range from {
		updateArgs = append(updateArgs, string(st))
	}
	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE task_details SET status = ?, worker_id = ?, started_at = ?, updated_at = ?, error = ''
		WHERE id = ? AND status IN (`+inClause(len(from))+`) AND worker_id IS NULL`),
		updateArgs...)
	if err != nil {
		return nil, fmt.Errorf("claim page %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim page %d: %w", id, err)
	}
	if affected == 0 {
		return nil, domain.ErrClaimConflict
	}

	detail, err := s.getDetail(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return detail, nil
}
