package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spherical-ai/docpipe/internal/domain"
	"github.com/spherical-ai/docpipe/internal/metrics"
	"github.com/spherical-ai/docpipe/internal/observability"
	"github.com/spherical-ai/docpipe/internal/storage"
)

// SplitterWorker renders pending tasks into page images and creates their pages.
type SplitterWorker struct {
	*Base
	splitter domain.Splitter
	interval time.Duration
}

func NewSplitterWorker(store *storage.Store, splitter domain.Splitter, events domain.Publisher, interval time.Duration, logger *observability.Logger) *SplitterWorker {
	return &SplitterWorker{
		Base:     newBase(StageSplitter, store, events, logger),
		splitter: splitter,
		interval: interval,
	}
}

func (w *SplitterWorker) Run(ctx context.Context) error {
	return w.poll(ctx, w.interval, w.Step)
}

// Step claims and splits one task. It reports whether a task was claimed.
func (w *SplitterWorker) Step(ctx context.Context) (bool, error) {
	task, err := w.ClaimTask(ctx, domain.TaskPendingSplit, domain.TaskSplitting)
	if err != nil || task == nil {
		return false, err
	}
	w.process(ctx, task)
	return true, nil
}

func (w *SplitterWorker) process(ctx context.Context, task *storage.Task) {
	logger := w.logger.WithTask(task.ID)
	logger.Info().Str("file", task.Filename).Str("page_range", task.PageRange).Msg("Splitting document")
	w.publishTask(ctx, task.ID, domain.TaskSplitting, "")

	start := time.Now()
	pages, err := w.splitter.Split(ctx, domain.SplitRequest{
		TaskID:       task.ID,
		Filename:     task.Filename,
		DocumentType: task.DocumentType,
		PageRange:    task.PageRange,
	})
	if err == nil && len(pages) == 0 {
		err = domain.ConversionError(fmt.Sprintf("%s produced no pages", task.Filename), nil)
	}
	if err != nil {
		w.splitter.Cleanup(task.ID)
		if ctx.Err() != nil {
			w.release(task.ID)
			return
		}
		if rerr := w.ReportTaskFailure(ctx, task.ID, domain.TaskSplitting, err); rerr != nil {
			logger.Error().Err(rerr).Msg("Failed to record split failure")
		}
		return
	}

	if err := w.store.CompleteSplit(ctx, task.ID, w.ID, pages); err != nil {
		w.splitter.Cleanup(task.ID)
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrClaimConflict) {
			logger.Info().Err(err).Msg("Task changed while splitting, discarding pages")
			return
		}
		if ctx.Err() != nil {
			w.release(task.ID)
			return
		}
		if rerr := w.ReportTaskFailure(ctx, task.ID, domain.TaskSplitting, err); rerr != nil {
			logger.Error().Err(rerr).Msg("Failed to record split failure")
		}
		return
	}

	metrics.StageOutcomes.WithLabelValues(StageSplitter, "completed").Inc()
	logger.Info().Int("pages", len(pages)).Dur("duration", time.Since(start)).Msg("Document split")
	w.publish(ctx, domain.Event{
		Type:    domain.EventTaskStatus,
		TaskID:  task.ID,
		Status:  string(domain.TaskProcessing),
		Message: fmt.Sprintf("%d pages", len(pages)),
	})
}

// release hands an interrupted task back to the queue on shutdown.
func (w *SplitterWorker) release(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := w.store.TransitionOwnedTask(ctx, taskID, []domain.TaskStatus{domain.TaskSplitting}, w.ID, storage.TaskFields{
		Status:       storage.Ptr(domain.TaskPendingSplit),
		ReleaseClaim: true,
	})
	if err != nil {
		w.logger.Warn().Str("task_id", taskID).Err(err).Msg("Failed to release task on shutdown")
		return
	}
	if ok {
		w.logger.Info().Str("task_id", taskID).Msg("Released task on shutdown")
	}
}
