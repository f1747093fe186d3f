package pipeline

import (
	"context"
	"fmt"
	"math"

	"github.com/spherical-ai/docpipe/internal/domain"
	"github.com/spherical-ai/docpipe/internal/storage"
)

// Percent is the share of terminal pages, rounded to two decimals.
func Percent(terminal, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(terminal)/float64(total)*10000) / 100
}

// Outcome decides where a task goes once every page is terminal: failed when nothing
// converted or the failed share exceeds maxFailedRatio, ready to merge otherwise.
func Outcome(counts storage.DetailCounts, maxFailedRatio float64) domain.TaskStatus {
	if counts.Total == 0 || counts.Completed == 0 {
		return domain.TaskFailed
	}
	if float64(counts.Failed)/float64(counts.Total) > maxFailedRatio {
		return domain.TaskFailed
	}
	return domain.TaskReadyToMerge
}

// advanceTask recomputes the task's counters from its pages and, when all pages are
// terminal, moves it on. Only processing tasks are touched, so a cancelled task keeps its status.
func advanceTask(ctx context.Context, b *Base, taskID string, maxFailedRatio float64) error {
	counts, err := b.store.CountDetails(ctx, taskID)
	if err != nil {
		return fmt.Errorf("count pages of %s: %w", taskID, err)
	}

	progress := Percent(counts.Terminal(), counts.Total)
	processing := []domain.TaskStatus{domain.TaskProcessing}
	ok, err := b.store.TransitionTask(ctx, taskID, processing, storage.TaskFields{
		Progress:       &progress,
		CompletedCount: &counts.Completed,
		FailedCount:    &counts.Failed,
	})
	if err != nil || !ok {
		return err
	}
	b.publish(ctx, domain.Event{
		Type:     domain.EventTaskProgress,
		TaskID:   taskID,
		Status:   string(domain.TaskProcessing),
		Progress: progress,
	})

	if counts.Total == 0 || counts.Terminal() < counts.Total {
		return nil
	}

	next := Outcome(counts, maxFailedRatio)
	fields := storage.TaskFields{ReleaseClaim: true}
	if next == domain.TaskFailed {
		msg := fmt.Sprintf("%d of %d pages failed", counts.Failed, counts.Total)
		fields.Error = &msg
		fields.MarkCompleted = true
	}

	moved, err := b.TransitionTask(ctx, taskID, processing, next, fields)
	if err != nil {
		return err
	}
	if moved {
		b.logger.Info().
			Str("task_id", taskID).
			Int("completed", counts.Completed).
			Int("failed", counts.Failed).
			Str("status", string(next)).
			Msg("All pages finished")
	}
	return nil
}
