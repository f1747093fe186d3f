package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spherical-ai/docpipe/cmd/docpipe/ui"
	"github.com/spherical-ai/docpipe/internal/domain"
	"github.com/spherical-ai/docpipe/internal/events"
	"github.com/spherical-ai/docpipe/internal/storage"
)

const followInterval = 500 * time.Millisecond

func formatWorkers() string {
	p := cfg.Pipeline
	return fmt.Sprintf("%d splitter, %d converter, %d merger", p.SplitterWorkers, p.ConverterWorkers, p.MergerWorkers)
}

func formatAddr() string {
	return fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
}

// taskLookup is the read side follow needs.
type taskLookup interface {
	Task(ctx context.Context, id string) (*storage.Task, error)
}

// follow renders task progress until the task reaches a terminal status.
// When the publisher can stream a task's events they trigger refreshes;
// otherwise the task is polled.
func follow(ctx context.Context, tasks taskLookup, publisher domain.Publisher, id string) (*storage.Task, error) {
	var updates <-chan domain.Event
	if rp, ok := publisher.(*events.RedisPublisher); ok {
		ch, unsubscribe, err := rp.Subscribe(ctx, id)
		if err != nil {
			logger.Warn().Err(err).Msg("Event subscription failed, polling instead")
		} else {
			defer unsubscribe()
			updates = ch
		}
	}

	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()

	var (
		spin *ui.Spinner
		bar  *ui.ProgressBar
	)
	defer func() {
		if spin != nil {
			spin.Stop()
		}
	}()

	for {
		task, err := tasks.Task(ctx, id)
		if err != nil {
			return nil, err
		}

		switch {
		case task.TotalPages == 0 && !task.Status.Terminal():
			if spin == nil {
				spin = ui.NewSpinner(fmt.Sprintf("%s: %s", filepath.Base(task.Filename), task.Status))
				spin.Start()
			}
			spin.UpdateMessage(fmt.Sprintf("%s: %s", filepath.Base(task.Filename), task.Status))
		case task.TotalPages > 0:
			if spin != nil {
				spin.Stop()
				spin = nil
			}
			if bar == nil {
				bar = ui.NewProgressBar(int64(task.TotalPages), filepath.Base(task.Filename))
			}
			bar.SetTotal(int64(task.TotalPages))
			bar.Describe(fmt.Sprintf("%s [%s]", filepath.Base(task.Filename), task.Status))
			bar.Set(int64(task.CompletedCount + task.FailedCount))
		}

		if task.Status.Terminal() {
			if bar != nil {
				bar.Finish()
			}
			return task, nil
		}

		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		case _, ok := <-updates:
			if !ok {
				updates = nil
			}
		}
	}
}

// taskLister is the read side followAll needs.
type taskLister interface {
	taskLookup
	Tasks(ctx context.Context, filter storage.TaskFilter) ([]*storage.Task, error)
}

const followAllLimit = 200

// followAll shows one bar per unfinished task, picking up tasks submitted meanwhile,
// until none is left. It returns the tasks that finished while watched.
func followAll(ctx context.Context, tasks taskLister, progress *ui.MultiProgress, interval time.Duration) ([]*storage.Task, error) {
	bars := make(map[string]*ui.TaskBar)
	defer func() {
		for _, bar := range bars {
			bar.Abort()
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var finished []*storage.Task
	for {
		list, err := tasks.Tasks(ctx, storage.TaskFilter{Limit: followAllLimit})
		if err != nil {
			return finished, err
		}
		for _, t := range list {
			if _, ok := bars[t.ID]; ok || t.Status.Terminal() {
				continue
			}
			bars[t.ID] = progress.AddTask(filepath.Base(t.Filename), int64(t.TotalPages))
		}

		for id, bar := range bars {
			task, err := tasks.Task(ctx, id)
			if err != nil {
				return finished, err
			}
			bar.Set(int64(task.CompletedCount+task.FailedCount), int64(task.TotalPages))
			if !task.Status.Terminal() {
				continue
			}
			if task.Status == domain.TaskCompleted || task.Status == domain.TaskPartialFailed {
				bar.Done()
			} else {
				bar.Abort()
			}
			delete(bars, id)
			finished = append(finished, task)
		}
		if len(bars) == 0 {
			return finished, nil
		}

		select {
		case <-ctx.Done():
			return finished, ctx.Err()
		case <-ticker.C:
		}
	}
}

// reportTask prints the outcome of a finished task.
func reportTask(task *storage.Task) {
	switch task.Status {
	case domain.TaskCompleted:
		ui.Success("Converted %d pages of %s", task.CompletedCount, filepath.Base(task.Filename))
	case domain.TaskPartialFailed:
		ui.Warning("Converted %d of %d pages of %s", task.CompletedCount, task.TotalPages, filepath.Base(task.Filename))
	case domain.TaskCancelled:
		ui.Warning("Task %s was cancelled", task.ID)
		return
	default:
		ui.Error("Task %s %s: %s", task.ID, task.Status, task.Error)
		return
	}
	ui.KeyValue("Output", task.MergedPath)
	if task.OutputURL != "" {
		ui.KeyValue("Stored at", task.OutputURL)
	}
	if task.CompletedAt != nil {
		ui.KeyValue("Duration", ui.FormatDuration(task.CompletedAt.Sub(task.CreatedAt)))
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
