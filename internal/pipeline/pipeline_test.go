package pipeline

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/docpipe/internal/config"
	"github.com/spherical-ai/docpipe/internal/domain"
	"github.com/spherical-ai/docpipe/internal/llm"
	"github.com/spherical-ai/docpipe/internal/storage"
)

func TestPipelineConvertsThreePageDocument(t *testing.T) {
	h := newHarness(t, 3, nil)
	task := h.submit()
	assert.Equal(t, domain.TaskPendingSplit, task.Status)
	assert.Equal(t, domain.DocumentPDF, task.DocumentType)
	assert.Equal(t, "fake", task.ProviderID)
	assert.Equal(t, "fake-vision", task.ModelID)

	require.True(t, h.step(h.split))
	task = h.task(task.ID)
	assert.Equal(t, domain.TaskProcessing, task.Status)
	assert.Equal(t, 3, task.TotalPages)
	assert.Empty(t, task.WorkerID)

	details := h.pages(task.ID)
	require.Len(t, details, 3)
	for i, d := range details {
		assert.Equal(t, i+1, d.Page)
		assert.Equal(t, domain.DetailPending, d.Status)
	}

	assert.Equal(t, 3, h.drain())
	task = h.task(task.ID)
	assert.Equal(t, domain.TaskReadyToMerge, task.Status)
	assert.Equal(t, 100.0, task.Progress)
	assert.Equal(t, 3, task.CompletedCount)
	assert.Equal(t, 0, task.FailedCount)

	for _, d := range h.pages(task.ID) {
		assert.Equal(t, domain.DetailCompleted, d.Status)
		assert.Contains(t, d.Content, "Body of page")
		assert.Equal(t, int64(100), d.InputTokens)
		assert.Equal(t, int64(20), d.OutputTokens)
		assert.Empty(t, d.WorkerID)
		assert.NotNil(t, d.CompletedAt)
	}

	require.True(t, h.step(h.merge))
	task = h.task(task.ID)
	assert.Equal(t, domain.TaskCompleted, task.Status)
	assert.Equal(t, OutputPath(h.workDir, task), task.MergedPath)
	assert.NotNil(t, task.CompletedAt)

	data, err := os.ReadFile(task.MergedPath)
	require.NoError(t, err)
	out := string(data)
	assert.True(t, strings.HasPrefix(out, "# report.pdf\n"))
	first := strings.Index(out, "Body of page 1.")
	second := strings.Index(out, "Body of page 2.")
	third := strings.Index(out, "Body of page 3.")
	assert.True(t, first >= 0 && first < second && second < third, "pages out of order:\n%s", out)
	assert.Equal(t, 2, strings.Count(out, "\n---\n"))

	output, err := h.orch.Output(h.ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, out, output)

	var statuses []string
	for _, evt := range h.events.Events() {
		if evt.TaskID == task.ID && evt.Type == domain.EventTaskStatus {
			statuses = append(statuses, evt.Status)
		}
	}
	assert.Equal(t, []string{"pending_split", "splitting", "processing", "ready_to_merge", "merging", "completed"}, statuses)
}

func TestPermanentPageFailureGivesPartialResult(t *testing.T) {
	client := newFakeClient(func(page int) (*llm.Response, error) {
		if page == 2 {
			return nil, &domain.ProviderError{Provider: "fake", StatusCode: 400, Message: "image too large"}
		}
		return &llm.Response{Content: "ok"}, nil
	})
	h := newHarness(t, 3, client)
	task := h.submit()
	require.True(t, h.step(h.split))

	assert.Equal(t, 3, h.drain())
	assert.Equal(t, 1, client.Calls(2), "permanent errors are not retried")

	task = h.task(task.ID)
	assert.Equal(t, domain.TaskReadyToMerge, task.Status)
	assert.Equal(t, 2, task.CompletedCount)
	assert.Equal(t, 1, task.FailedCount)

	require.True(t, h.step(h.merge))
	task = h.task(task.ID)
	assert.Equal(t, domain.TaskPartialFailed, task.Status)

	out, err := h.orch.Output(h.ctx, task.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Page 2 could not be converted")
	assert.Contains(t, out, "image too large")
}

func TestZeroFailedRatioFailsTaskOnAnyPageFailure(t *testing.T) {
	client := newFakeClient(func(page int) (*llm.Response, error) {
		if page == 2 {
			return nil, &domain.ProviderError{Provider: "fake", StatusCode: 400, Message: "image too large"}
		}
		return &llm.Response{Content: "ok"}, nil
	})
	h := newHarness(t, 3, client)
	h.convert = NewConverterWorker(h.store, fakeModels{client: client}, h.events, ConverterOptions{
		MaxPageRetries:     3,
		PageRetryDelay:     time.Second,
		MaxFailedPageRatio: 0,
		Clock:              h.clock.Now,
	}, nil)
	task := h.submit()
	require.True(t, h.step(h.split))

	assert.Equal(t, 3, h.drain())

	task = h.task(task.ID)
	assert.Equal(t, domain.TaskFailed, task.Status)
	assert.Equal(t, "1 of 3 pages failed", task.Error)
	assert.Equal(t, 2, task.CompletedCount)
	assert.Equal(t, 1, task.FailedCount)
}

func TestTransientFailureRetriesThenFails(t *testing.T) {
	client := newFakeClient(func(int) (*llm.Response, error) {
		return nil, domain.TransientIOError("upstream reset", errors.New("connection reset"))
	})
	h := newHarness(t, 1, client)
	task := h.submit()
	require.True(t, h.step(h.split))

	require.True(t, h.step(h.convert))
	d := h.pages(task.ID)[0]
	assert.Equal(t, domain.DetailRetrying, d.Status)
	assert.Equal(t, 1, d.RetryCount)
	assert.Contains(t, d.Error, "upstream reset")
	assert.False(t, h.step(h.convert), "retry is not due yet")

	h.clock.Advance(time.Second)
	require.True(t, h.step(h.convert))
	d = h.pages(task.ID)[0]
	assert.Equal(t, domain.DetailRetrying, d.Status)
	assert.Equal(t, 2, d.RetryCount)

	h.clock.Advance(time.Second)
	assert.False(t, h.step(h.convert), "second retry waits twice as long")

	h.clock.Advance(time.Second)
	require.True(t, h.step(h.convert))
	d = h.pages(task.ID)[0]
	assert.Equal(t, domain.DetailFailed, d.Status)
	assert.Equal(t, 3, client.Calls(1))

	task = h.task(task.ID)
	assert.Equal(t, domain.TaskFailed, task.Status)
	assert.Equal(t, "1 of 1 pages failed", task.Error)
}

func TestRetryFailedPagesRequeuesTask(t *testing.T) {
	var mu sync.Mutex
	broken := true
	client := newFakeClient(func(page int) (*llm.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		if broken && page == 1 {
			return nil, &domain.ProviderError{Provider: "fake", StatusCode: 404, Message: "model not found"}
		}
		return &llm.Response{Content: "fine"}, nil
	})
	h := newHarness(t, 2, client)
	task := h.submit()
	require.True(t, h.step(h.split))
	h.drain()
	require.True(t, h.step(h.merge))
	require.Equal(t, domain.TaskPartialFailed, h.task(task.ID).Status)

	mu.Lock()
	broken = false
	mu.Unlock()

	n, err := h.orch.RetryFailedPages(h.ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	task = h.task(task.ID)
	assert.Equal(t, domain.TaskProcessing, task.Status)
	assert.Empty(t, task.MergedPath)
	assert.Equal(t, 50.0, task.Progress)

	assert.Equal(t, 1, h.drain())
	require.True(t, h.step(h.merge))
	assert.Equal(t, domain.TaskCompleted, h.task(task.ID).Status)

	_, err = h.orch.RetryFailedPages(h.ctx, task.ID)
	assert.True(t, domain.IsType(err, domain.ErrorTypeValidation))
}

func TestSplitFailureFailsTask(t *testing.T) {
	h := newHarness(t, 3, nil)
	h.splitter.err = &domain.NonRetryableDocumentError{File: "report.pdf", Defect: domain.DefectPasswordProtected}
	task := h.submit()

	require.True(t, h.step(h.split))
	task = h.task(task.ID)
	assert.Equal(t, domain.TaskFailed, task.Status)
	assert.Contains(t, task.Error, "password-protected")
	assert.Empty(t, h.pages(task.ID))
	assert.Contains(t, h.splitter.cleaned, task.ID)
}

func TestCancelStopsHandingOutPages(t *testing.T) {
	h := newHarness(t, 3, nil)
	task := h.submit()
	require.True(t, h.step(h.split))

	cancelled, err := h.orch.Cancel(h.ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)

	assert.False(t, h.step(h.convert))
	assert.Zero(t, h.client.Calls(1))

	_, err = h.orch.Cancel(h.ctx, task.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCancelDiscardsInFlightResult(t *testing.T) {
	var h *harness
	var taskID string
	client := newFakeClient(func(int) (*llm.Response, error) {
		_, err := h.orch.Cancel(context.Background(), taskID)
		require.NoError(t, err)
		return &llm.Response{Content: "late"}, nil
	})
	h = newHarness(t, 1, client)
	taskID = h.submit().ID
	require.True(t, h.step(h.split))

	require.True(t, h.step(h.convert))
	d := h.pages(taskID)[0]
	assert.Equal(t, domain.DetailPending, d.Status)
	assert.Empty(t, d.Content)
	assert.Empty(t, d.WorkerID)
	assert.Equal(t, domain.TaskCancelled, h.task(taskID).Status)
}

func TestCancelDuringSplitDiscardsPages(t *testing.T) {
	h := newHarness(t, 2, nil)
	task := h.submit()

	claimed, err := h.split.ClaimTask(h.ctx, domain.TaskPendingSplit, domain.TaskSplitting)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	_, err = h.orch.Cancel(h.ctx, task.ID)
	require.NoError(t, err)

	h.split.process(h.ctx, claimed)
	assert.Equal(t, domain.TaskCancelled, h.task(task.ID).Status)
	assert.Empty(t, h.pages(task.ID))
	assert.Contains(t, h.splitter.cleaned, task.ID)
}

func TestSplitFailureAfterCancelKeepsTaskCancelled(t *testing.T) {
	h := newHarness(t, 2, nil)
	task := h.submit()

	claimed, err := h.split.ClaimTask(h.ctx, domain.TaskPendingSplit, domain.TaskSplitting)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	_, err = h.orch.Cancel(h.ctx, task.ID)
	require.NoError(t, err)

	h.splitter.err = domain.TransientIOError("disk gone", nil)
	h.split.process(h.ctx, claimed)

	task = h.task(task.ID)
	assert.Equal(t, domain.TaskCancelled, task.Status)
	assert.Empty(t, task.Error)
}

func TestSplitFailureFromStaleWorkerKeepsLiveClaim(t *testing.T) {
	h := newHarness(t, 2, nil)
	task := h.submit()

	stale, err := h.split.ClaimTask(h.ctx, domain.TaskPendingSplit, domain.TaskSplitting)
	require.NoError(t, err)
	require.NotNil(t, stale)

	h.clock.Advance(10 * time.Minute)
	report, err := h.orch.Health().Check(h.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.TasksRecovered)
	require.Equal(t, domain.TaskPendingSplit, h.task(task.ID).Status)

	live := NewSplitterWorker(h.store, h.splitter, h.events, 10*time.Millisecond, nil)
	claimed, err := live.ClaimTask(h.ctx, domain.TaskPendingSplit, domain.TaskSplitting)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	h.splitter.err = domain.TransientIOError("disk gone", nil)
	h.split.process(h.ctx, stale)

	task = h.task(task.ID)
	assert.Equal(t, domain.TaskSplitting, task.Status)
	assert.Equal(t, live.ID, task.WorkerID)
	assert.Empty(t, task.Error)
}

func TestMergeFailureAfterCancelKeepsTaskCancelled(t *testing.T) {
	h := newHarness(t, 1, nil)
	task := h.submit()
	require.True(t, h.step(h.split))
	require.Equal(t, 1, h.drain())

	claimed, err := h.merge.ClaimTask(h.ctx, domain.TaskReadyToMerge, domain.TaskMerging)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	_, err = h.orch.Cancel(h.ctx, task.ID)
	require.NoError(t, err)

	h.merge.fail(h.ctx, claimed.ID, errors.New("disk full"))
	assert.Equal(t, domain.TaskCancelled, h.task(task.ID).Status)
}

func TestConcurrentConvertersClaimEachPageOnce(t *testing.T) {
	h := newHarness(t, 12, nil)
	task := h.submit()
	require.True(t, h.step(h.split))

	workers := make([]*ConverterWorker, 4)
	for i := range workers {
		workers[i] = NewConverterWorker(h.store, fakeModels{client: h.client}, h.events, ConverterOptions{MaxPageRetries: 2}, nil)
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				worked, err := w.Step(h.ctx)
				if err != nil {
					t.Errorf("step: %v", err)
					return
				}
				if worked {
					continue
				}
				counts, err := h.store.CountDetails(h.ctx, task.ID)
				if err != nil || counts.Terminal() == counts.Total {
					return
				}
			}
		}()
	}
	wg.Wait()

	for page := 1; page <= 12; page++ {
		assert.Equal(t, 1, h.client.Calls(page), "page %d", page)
	}
	assert.Equal(t, domain.TaskReadyToMerge, h.task(task.ID).Status)
}

func TestMissingPageImageFailsPage(t *testing.T) {
	h := newHarness(t, 1, nil)
	task := h.submit()
	require.True(t, h.step(h.split))

	d := h.pages(task.ID)[0]
	require.NoError(t, os.Remove(d.ImagePath))

	require.True(t, h.step(h.convert))
	d = h.pages(task.ID)[0]
	assert.Equal(t, domain.DetailFailed, d.Status)
	assert.Equal(t, 0, d.RetryCount)
	assert.Equal(t, domain.TaskFailed, h.task(task.ID).Status)
}

func TestOrchestratorRunsUntilStopped(t *testing.T) {
	h := newHarness(t, 2, nil)

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()

	o := New(Deps{
		Store:    h.store,
		Splitter: h.splitter,
		Models:   fakeModels{client: h.client},
		Events:   h.events,
		Clock:    h.clock.Now,
	}, h.workDir, fastConfig())
	require.NoError(t, o.Start(ctx))
	require.Error(t, o.Start(ctx))

	task, err := o.Submit(ctx, SubmitRequest{Filename: h.document("slides.pdf")})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.task(task.ID).Status == domain.TaskCompleted
	}, 5*time.Second, 10*time.Millisecond)

	status, err := o.Status(ctx)
	require.NoError(t, err)
	assert.Len(t, status.Workers, 5)
	assert.Equal(t, 1, status.Tasks[domain.TaskCompleted])

	o.Stop()
	require.NoError(t, o.Wait())
	for _, w := range o.Workers() {
		assert.False(t, w.Running(), w.WorkerID())
	}
}

func fastConfig() config.PipelineConfig {
	cfg := config.DefaultConfig().Pipeline
	cfg.SplitterPollInterval = 5 * time.Millisecond
	cfg.ConverterPollInterval = 5 * time.Millisecond
	cfg.MergerPollInterval = 5 * time.Millisecond
	return cfg
}

func TestCleanupRemovesTaskAndFiles(t *testing.T) {
	h := newHarness(t, 1, nil)
	task := h.submit()
	require.True(t, h.step(h.split))
	h.drain()
	require.True(t, h.step(h.merge))
	task = h.task(task.ID)

	require.NoError(t, h.orch.Cleanup(h.ctx, task.ID))
	_, err := h.store.GetTask(h.ctx, task.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = os.Stat(task.MergedPath)
	assert.True(t, os.IsNotExist(err))
	assert.Contains(t, h.splitter.cleaned, task.ID)
}

func TestCleanupRefusesActiveTask(t *testing.T) {
	h := newHarness(t, 1, nil)
	task := h.submit()
	require.True(t, h.step(h.split))

	err := h.orch.Cleanup(h.ctx, task.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, 1, nil)

	_, err := h.orch.Submit(h.ctx, SubmitRequest{Filename: "/does/not/exist.pdf"})
	var docErr *domain.NonRetryableDocumentError
	require.ErrorAs(t, err, &docErr)
	assert.Equal(t, domain.DefectNotFound, docErr.Defect)

	_, err = h.orch.Submit(h.ctx, SubmitRequest{Filename: h.document("notes.txt")})
	assert.True(t, domain.IsType(err, domain.ErrorTypeValidation))

	_, err = h.orch.Submit(h.ctx, SubmitRequest{Filename: h.document("report.pdf"), PageRange: "1-"})
	var fmtErr *domain.FormatError
	assert.ErrorAs(t, err, &fmtErr)

	task, err := h.orch.Submit(h.ctx, SubmitRequest{Filename: h.document("report.pdf"), PageRange: " 2-3 ", Model: "other"})
	require.NoError(t, err)
	assert.Equal(t, "2-3", task.PageRange)
	assert.Equal(t, "other", task.ModelID)

	_, err = h.orch.Task(h.ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.orch.Pages(h.ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.orch.Output(h.ctx, task.ID)
	assert.True(t, domain.IsType(err, domain.ErrorTypeValidation))
}

func TestMergePages(t *testing.T) {
	details := []*storage.TaskDetail{
		{Page: 1, PageSource: 4, Status: domain.DetailCompleted, Content: "\nFirst\n\n"},
		{Page: 2, PageSource: 5, Status: domain.DetailFailed, Error: "timeout"},
		{Page: 3, PageSource: 9, Status: domain.DetailCompleted, Content: ""},
	}

	out := MergePages("deck.pdf", details)
	assert.Equal(t, "# deck.pdf\n\n"+
		"<!-- Page 4 -->\n\nFirst\n"+
		"\n---\n\n<!-- Page 5 -->\n\n> Page 5 could not be converted: timeout\n"+
		"\n---\n\n<!-- Page 9 -->\n\n", out)

	assert.Equal(t, "<!-- Page 1 -->\n\nx\n",
		MergePages("", []*storage.TaskDetail{{PageSource: 1, Status: domain.DetailCompleted, Content: "x"}}))
}
