package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spherical-ai/docpipe/internal/domain"
	"github.com/spherical-ai/docpipe/internal/metrics"
	"github.com/spherical-ai/docpipe/internal/observability"
	"github.com/spherical-ai/docpipe/internal/storage"
)

// MergerWorker joins the converted pages of a task into one Markdown document.
type MergerWorker struct {
	*Base
	workDir   string
	artifacts domain.ArtifactStore
	interval  time.Duration
}

// NewMergerWorker creates a merger. artifacts may be nil when nothing is mirrored.
func NewMergerWorker(store *storage.Store, workDir string, artifacts domain.ArtifactStore, events domain.Publisher, interval time.Duration, logger *observability.Logger) *MergerWorker {
	return &MergerWorker{
		Base:      newBase(StageMerger, store, events, logger),
		workDir:   workDir,
		artifacts: artifacts,
		interval:  interval,
	}
}

func (w *MergerWorker) Run(ctx context.Context) error {
	return w.poll(ctx, w.interval, w.Step)
}

// Step claims and merges one task. It reports whether a task was claimed.
func (w *MergerWorker) Step(ctx context.Context) (bool, error) {
	task, err := w.ClaimTask(ctx, domain.TaskReadyToMerge, domain.TaskMerging)
	if err != nil || task == nil {
		return false, err
	}
	w.process(ctx, task)
	return true, nil
}

// OutputPath is where the merged document of a task is written.
func OutputPath(workDir string, task *storage.Task) string {
	base := filepath.Base(task.Filename)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	if name == "" {
		name = task.ID
	}
	return filepath.Join(workDir, task.ID, "output", name+".md")
}

func (w *MergerWorker) process(ctx context.Context, task *storage.Task) {
	logger := w.logger.WithTask(task.ID)
	w.publishTask(ctx, task.ID, domain.TaskMerging, "")

	details, err := w.store.ListDetails(ctx, task.ID)
	if err != nil {
		w.fail(ctx, task.ID, fmt.Errorf("load pages: %w", err))
		return
	}

	path := OutputPath(w.workDir, task)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		w.fail(ctx, task.ID, domain.IOError("create output directory", err))
		return
	}
	merged := MergePages(filepath.Base(task.Filename), details)
	if err := os.WriteFile(path, []byte(merged), 0o644); err != nil {
		w.fail(ctx, task.ID, domain.IOError("write merged document", err))
		return
	}

	outputURL := ""
	if w.artifacts != nil {
		key := task.ID + "/" + filepath.Base(path)
		url, err := w.artifacts.Put(ctx, key, path)
		if err != nil {
			logger.Warn().Err(err).Str("key", key).Msg("Failed to mirror merged document")
		} else {
			outputURL = url
		}
	}

	failed := 0
	for _, d := range details {
		if d.Status == domain.DetailFailed {
			failed++
		}
	}
	final := domain.TaskCompleted
	if failed > 0 {
		final = domain.TaskPartialFailed
	}

	ok, err := w.UpdateTaskStatus(ctx, task.ID, domain.TaskMerging, final, storage.TaskFields{
		Progress:      storage.Ptr(100.0),
		MergedPath:    &path,
		OutputURL:     &outputURL,
		ReleaseClaim:  true,
		MarkCompleted: true,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to finish task")
		return
	}
	if !ok {
		logger.Info().Msg("Task changed while merging, leaving it as is")
		return
	}

	metrics.StageOutcomes.WithLabelValues(StageMerger, string(final)).Inc()
	logger.Info().
		Str("output", path).
		Int("pages", len(details)).
		Int("failed_pages", failed).
		Str("status", string(final)).
		Msg("Document merged")
}

func (w *MergerWorker) fail(ctx context.Context, taskID string, err error) {
	if ctx.Err() != nil {
		w.release(taskID)
		return
	}
	if rerr := w.ReportTaskFailure(ctx, taskID, domain.TaskMerging, err); rerr != nil {
		w.logger.Error().Str("task_id", taskID).Err(rerr).Msg("Failed to record merge failure")
	}
}

// release hands an interrupted merge back to the queue on shutdown.
func (w *MergerWorker) release(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := w.store.TransitionOwnedTask(ctx, taskID, []domain.TaskStatus{domain.TaskMerging}, w.ID, storage.TaskFields{
		Status:       storage.Ptr(domain.TaskReadyToMerge),
		ReleaseClaim: true,
	})
	if err != nil {
		w.logger.Warn().Str("task_id", taskID).Err(err).Msg("Failed to release task on shutdown")
	}
}

// MergePages concatenates page contents in page order. Each page is preceded by a
// marker comment naming its source page; failed pages leave a note instead of content.
func MergePages(title string, details []*storage.TaskDetail) string {
	var sb strings.Builder
	if title != "" {
		fmt.Fprintf(&sb, "# %s\n\n", title)
	}

	for i, d := range details {
		if i > 0 {
			sb.WriteString("\n---\n\n")
		}
		fmt.Fprintf(&sb, "<!-- Page %d -->\n\n", d.PageSource)

		switch d.Status {
		case domain.DetailCompleted:
			content := strings.TrimSpace(d.Content)
			if content != "" {
				sb.WriteString(content)
				sb.WriteString("\n")
			}
		default:
			reason := d.Error
			if reason == "" {
				reason = string(d.Status)
			}
			fmt.Fprintf(&sb, "> Page %d could not be converted: %s\n", d.PageSource, reason)
		}
	}
	return sb.String()
}
