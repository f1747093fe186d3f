// Package pipeline runs the split, convert and merge stages as polling workers over the task store.
package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/docpipe/internal/domain"
	"github.com/spherical-ai/docpipe/internal/metrics"
	"github.com/spherical-ai/docpipe/internal/observability"
	"github.com/spherical-ai/docpipe/internal/storage"
)

// Stage names, used in worker ids, logs and metrics.
const (
	StageSplitter  = "splitter"
	StageConverter = "converter"
	StageMerger    = "merger"
)

// Worker is a stage loop run by the orchestrator.
type Worker interface {
	Run(ctx context.Context) error
	Stop()
	WorkerID() string
	WorkerStage() string
	Running() bool
}

// Base holds what every stage worker shares: an identity, the store and a running flag.
// All task and page writes of the workers go through it.
type Base struct {
	ID    string
	Stage string

	store   *storage.Store
	events  domain.Publisher
	logger  *observability.Logger
	running atomic.Bool
	stopped atomic.Bool
}

func newBase(stage string, store *storage.Store, events domain.Publisher, logger *observability.Logger) *Base {
	if logger == nil {
		logger = observability.Nop()
	}
	if events == nil {
		events = noopPublisher{}
	}
	id := stage + "-" + uuid.NewString()[:8]
	return &Base{
		ID:     id,
		Stage:  stage,
		store:  store,
		events: events,
		logger: logger.WithComponent(stage).WithWorker(id),
	}
}

func (b *Base) WorkerID() string    { return b.ID }
func (b *Base) WorkerStage() string { return b.Stage }
func (b *Base) Running() bool       { return b.running.Load() }

// Stop asks the poll loop to exit after the current iteration.
func (b *Base) Stop() {
	b.stopped.Store(true)
}

// ClaimTask claims the oldest task in from. Lost races return (nil, nil).
func (b *Base) ClaimTask(ctx context.Context, from, to domain.TaskStatus) (*storage.Task, error) {
	task, err := b.store.ClaimTask(ctx, from, to, b.ID)
	return claimResult(b, task, err)
}

// ClaimDetail claims the oldest due page in one of from. Lost races return (nil, nil).
func (b *Base) ClaimDetail(ctx context.Context, from []domain.DetailStatus, to domain.DetailStatus) (*storage.TaskDetail, error) {
	detail, err := b.store.ClaimDetail(ctx, from, to, b.ID)
	return claimResult(b, detail, err)
}

func claimResult[T any](b *Base, row *T, err error) (*T, error) {
	switch {
	case errors.Is(err, domain.ErrClaimConflict):
		metrics.Claims.WithLabelValues(b.Stage, "conflict").Inc()
		b.logger.Debug().Msg("Lost claim race")
		return nil, nil
	case err != nil:
		metrics.Claims.WithLabelValues(b.Stage, "error").Inc()
		return nil, err
	case row == nil:
		metrics.Claims.WithLabelValues(b.Stage, "empty").Inc()
		return nil, nil
	}
	metrics.Claims.WithLabelValues(b.Stage, "claimed").Inc()
	return row, nil
}

// TransitionTask writes status and fields only while the task is in one of from.
func (b *Base) TransitionTask(ctx context.Context, id string, from []domain.TaskStatus, status domain.TaskStatus, fields storage.TaskFields) (bool, error) {
	fields.Status = &status
	ok, err := b.store.TransitionTask(ctx, id, from, fields)
	if err != nil || !ok {
		return ok, err
	}
	msg := ""
	if fields.Error != nil {
		msg = *fields.Error
	}
	b.publishTask(ctx, id, status, msg)
	return true, nil
}

// UpdateDetailStatus writes a page result while this worker still owns the page.
// It reports false when the claim was lost, e.g. to the health monitor.
func (b *Base) UpdateDetailStatus(ctx context.Context, d *storage.TaskDetail, status domain.DetailStatus, fields storage.DetailFields) (bool, error) {
	fields.Status = &status
	ok, err := b.store.TransitionDetail(ctx, d.ID, []domain.DetailStatus{domain.DetailProcessing}, b.ID, fields)
	if err != nil || !ok {
		return ok, err
	}
	msg := ""
	if fields.Error != nil {
		msg = *fields.Error
	}
	b.publish(ctx, domain.Event{Type: domain.EventPageStatus, TaskID: d.TaskID, Page: d.Page, Status: string(status), Message: msg})
	return true, nil
}

// UpdateTaskStatus writes a task this worker still holds in from.
// It reports false when the claim was lost, e.g. to cancellation or the health monitor.
func (b *Base) UpdateTaskStatus(ctx context.Context, id string, from domain.TaskStatus, status domain.TaskStatus, fields storage.TaskFields) (bool, error) {
	fields.Status = &status
	ok, err := b.store.TransitionOwnedTask(ctx, id, []domain.TaskStatus{from}, b.ID, fields)
	if err != nil || !ok {
		return ok, err
	}
	msg := ""
	if fields.Error != nil {
		msg = *fields.Error
	}
	b.publishTask(ctx, id, status, msg)
	return true, nil
}

// ReportTaskFailure marks a task this worker holds in from as failed and releases the claim.
// A task that was cancelled or handed to another worker meanwhile is left alone.
func (b *Base) ReportTaskFailure(ctx context.Context, id string, from domain.TaskStatus, cause error) error {
	msg := cause.Error()
	logger := b.logger.WithTask(id)

	ok, err := b.UpdateTaskStatus(ctx, id, from, domain.TaskFailed, storage.TaskFields{
		Error:         &msg,
		ReleaseClaim:  true,
		MarkCompleted: true,
	})
	if err != nil {
		return err
	}
	if !ok {
		logger.Info().Err(cause).Msg("Task claim lost, dropping failure")
		return nil
	}
	logger.Error().Err(cause).Msg("Task failed")
	metrics.StageOutcomes.WithLabelValues(b.Stage, "failed").Inc()
	return nil
}

// ReportDetailFailure marks the page permanently failed and releases the claim.
func (b *Base) ReportDetailFailure(ctx context.Context, d *storage.TaskDetail, cause error) error {
	msg := cause.Error()
	b.logger.Warn().Str("task_id", d.TaskID).Int("page", d.Page).Err(cause).Msg("Page failed")
	_, err := b.UpdateDetailStatus(ctx, d, domain.DetailFailed, storage.DetailFields{
		Error:         &msg,
		ReleaseClaim:  true,
		MarkCompleted: true,
	})
	return err
}

// poll runs step until Stop is called or ctx ends. step reports whether it found work;
// the loop sleeps for interval after an idle or failed iteration.
func (b *Base) poll(ctx context.Context, interval time.Duration, step func(ctx context.Context) (bool, error)) error {
	b.running.Store(true)
	defer b.running.Store(false)

	b.logger.Info().Dur("interval", interval).Msg("Worker started")
	defer b.logger.Info().Msg("Worker stopped")

	for !b.stopped.Load() {
		if ctx.Err() != nil {
			return nil
		}

		worked, err := step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Warn().Err(err).Msg("Poll iteration failed")
		}
		if worked && err == nil {
			continue
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
	return nil
}

func (b *Base) publishTask(ctx context.Context, id string, status domain.TaskStatus, msg string) {
	b.publish(ctx, domain.Event{Type: domain.EventTaskStatus, TaskID: id, Status: string(status), Message: msg})
}

// publish never fails the caller; events are best effort.
func (b *Base) publish(ctx context.Context, evt domain.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if err := b.events.Publish(ctx, evt); err != nil {
		b.logger.Warn().Str("task_id", evt.TaskID).Str("event", evt.Type).Err(err).Msg("Failed to publish event")
	}
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, domain.Event) error { return nil }
func (noopPublisher) Close() error                               { return nil }
