package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/docpipe/internal/domain"
	"github.com/spherical-ai/docpipe/internal/storage"
)

func newTestMonitor(h *harness, maxRecoveries int) *HealthMonitor {
	return NewHealthMonitor(h.store, h.events, HealthConfig{
		Interval:           time.Minute,
		StuckTimeout:       5 * time.Minute,
		MaxRecoveries:      maxRecoveries,
		MaxFailedPageRatio: 1,
	}, h.clock.Now, nil)
}

func TestHealthRecoversStuckSplit(t *testing.T) {
	h := newHarness(t, 2, nil)
	monitor := newTestMonitor(h, 3)
	task := h.submit()

	claimed, err := h.store.ClaimTask(h.ctx, domain.TaskPendingSplit, domain.TaskSplitting, "splitter-dead")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	report, err := monitor.Check(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Total(), "fresh claims are left alone")

	h.clock.Advance(6 * time.Minute)
	report, err = monitor.Check(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TasksRecovered)

	task = h.task(task.ID)
	assert.Equal(t, domain.TaskPendingSplit, task.Status)
	assert.Empty(t, task.WorkerID)
	assert.Equal(t, 1, task.RecoveryCount)

	require.True(t, h.step(h.split))
	assert.Equal(t, domain.TaskProcessing, h.task(task.ID).Status)
}

func TestHealthFailsTaskAfterMaxRecoveries(t *testing.T) {
	h := newHarness(t, 1, nil)
	monitor := newTestMonitor(h, 1)
	task := h.submit()

	for i := 0; i < 2; i++ {
		_, err := h.store.ClaimTask(h.ctx, domain.TaskPendingSplit, domain.TaskSplitting, "splitter-dead")
		require.NoError(t, err)
		h.clock.Advance(6 * time.Minute)
		_, err = monitor.Check(h.ctx)
		require.NoError(t, err)
	}

	task = h.task(task.ID)
	assert.Equal(t, domain.TaskFailed, task.Status)
	assert.Contains(t, task.Error, "stuck in splitting")
}

func TestHealthRecoversStuckMerge(t *testing.T) {
	h := newHarness(t, 1, nil)
	monitor := newTestMonitor(h, 3)
	task := h.submit()
	require.True(t, h.step(h.split))
	h.drain()

	_, err := h.store.ClaimTask(h.ctx, domain.TaskReadyToMerge, domain.TaskMerging, "merger-dead")
	require.NoError(t, err)
	h.clock.Advance(6 * time.Minute)

	report, err := monitor.Check(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TasksRecovered)
	assert.Equal(t, domain.TaskReadyToMerge, h.task(task.ID).Status)
}

func TestHealthRecoversThenFailsStuckPage(t *testing.T) {
	h := newHarness(t, 1, nil)
	monitor := newTestMonitor(h, 1)
	task := h.submit()
	require.True(t, h.step(h.split))

	claim := func() {
		t.Helper()
		d, err := h.store.ClaimDetail(h.ctx, []domain.DetailStatus{domain.DetailPending}, domain.DetailProcessing, "converter-dead")
		require.NoError(t, err)
		require.NotNil(t, d)
		h.clock.Advance(6 * time.Minute)
	}

	claim()
	report, err := monitor.Check(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PagesRecovered)

	d := h.pages(task.ID)[0]
	assert.Equal(t, domain.DetailPending, d.Status)
	assert.Empty(t, d.WorkerID)
	assert.Equal(t, 1, d.RecoveryCount)
	assert.Equal(t, domain.TaskProcessing, h.task(task.ID).Status)

	claim()
	report, err = monitor.Check(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PagesFailed)

	assert.Equal(t, domain.DetailFailed, h.pages(task.ID)[0].Status)
	task = h.task(task.ID)
	assert.Equal(t, domain.TaskFailed, task.Status, "the only page failed")
	assert.Equal(t, 1, task.FailedCount)
}

func TestHealthAdvancesTaskWithAllPagesDone(t *testing.T) {
	h := newHarness(t, 2, nil)
	monitor := newTestMonitor(h, 3)
	task := h.submit()
	require.True(t, h.step(h.split))

	// Pages finished but the worker died before advancing the task.
	for _, d := range h.pages(task.ID) {
		require.NoError(t, h.store.UpdateDetail(h.ctx, d.ID, storage.DetailFields{
			Status:  storage.Ptr(domain.DetailCompleted),
			Content: storage.Ptr("done"),
		}))
	}
	require.Equal(t, domain.TaskProcessing, h.task(task.ID).Status)

	report, err := monitor.Check(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TasksReconciled)

	task = h.task(task.ID)
	assert.Equal(t, domain.TaskReadyToMerge, task.Status)
	assert.Equal(t, 100.0, task.Progress)
	assert.Equal(t, 2, task.CompletedCount)
}

func TestHealthReconcileHonoursZeroFailedRatio(t *testing.T) {
	h := newHarness(t, 2, nil)
	monitor := NewHealthMonitor(h.store, h.events, HealthConfig{
		StuckTimeout:       5 * time.Minute,
		MaxRecoveries:      3,
		MaxFailedPageRatio: 0,
	}, h.clock.Now, nil)
	task := h.submit()
	require.True(t, h.step(h.split))

	pages := h.pages(task.ID)
	require.NoError(t, h.store.UpdateDetail(h.ctx, pages[0].ID, storage.DetailFields{
		Status:  storage.Ptr(domain.DetailCompleted),
		Content: storage.Ptr("done"),
	}))
	require.NoError(t, h.store.UpdateDetail(h.ctx, pages[1].ID, storage.DetailFields{
		Status: storage.Ptr(domain.DetailFailed),
		Error:  storage.Ptr("image too large"),
	}))

	report, err := monitor.Check(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TasksReconciled)

	task = h.task(task.ID)
	assert.Equal(t, domain.TaskFailed, task.Status)
	assert.Equal(t, "1 of 2 pages failed", task.Error)
}
