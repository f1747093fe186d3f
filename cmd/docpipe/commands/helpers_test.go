package commands

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/docpipe/cmd/docpipe/ui"
	"github.com/spherical-ai/docpipe/internal/domain"
	"github.com/spherical-ai/docpipe/internal/storage"
)

// steppedTasks advances every unfinished task by one page per listing.
type steppedTasks struct {
	mu    sync.Mutex
	tasks []*storage.Task
	fail  map[string]bool
}

func (s *steppedTasks) Tasks(_ context.Context, _ storage.TaskFilter) ([]*storage.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*storage.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		copied := *t
		out = append(out, &copied)

		switch {
		case t.Status.Terminal():
		case t.Status == domain.TaskSplitting:
			t.Status = domain.TaskProcessing
			t.TotalPages = 2
		case s.fail[t.ID]:
			t.FailedCount++
		default:
			t.CompletedCount++
		}
		if t.Status == domain.TaskProcessing && t.CompletedCount+t.FailedCount == t.TotalPages {
			if t.CompletedCount == 0 {
				t.Status = domain.TaskFailed
			} else {
				t.Status = domain.TaskCompleted
			}
		}
	}
	return out, nil
}

func (s *steppedTasks) Task(_ context.Context, id string) (*storage.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.ID == id {
			copied := *t
			return &copied, nil
		}
	}
	return nil, domain.ErrNotFound
}

func TestFollowAllTracksEveryUnfinishedTask(t *testing.T) {
	tasks := &steppedTasks{
		tasks: []*storage.Task{
			{ID: "a", Filename: "/in/a.pdf", Status: domain.TaskProcessing, TotalPages: 3},
			{ID: "b", Filename: "/in/b.pdf", Status: domain.TaskSplitting},
			{ID: "c", Filename: "/in/c.pdf", Status: domain.TaskCompleted, TotalPages: 1, CompletedCount: 1},
			{ID: "d", Filename: "/in/d.pdf", Status: domain.TaskProcessing, TotalPages: 1},
		},
		fail: map[string]bool{"d": true},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	progress := ui.NewMultiProgress(ctx, io.Discard)

	finished, err := followAll(ctx, tasks, progress, time.Millisecond)
	require.NoError(t, err)
	progress.Wait()

	status := make(map[string]domain.TaskStatus)
	for _, task := range finished {
		status[task.ID] = task.Status
	}
	assert.Equal(t, map[string]domain.TaskStatus{
		"a": domain.TaskCompleted,
		"b": domain.TaskCompleted,
		"d": domain.TaskFailed,
	}, status, "tasks finished before watching are not reported")
}

func TestFollowAllWithNothingToWatch(t *testing.T) {
	tasks := &steppedTasks{tasks: []*storage.Task{
		{ID: "c", Filename: "c.pdf", Status: domain.TaskCancelled},
	}}
	progress := ui.NewMultiProgress(context.Background(), io.Discard)

	finished, err := followAll(context.Background(), tasks, progress, time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, finished)
	progress.Wait()
}
