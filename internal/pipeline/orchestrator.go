package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/spherical-ai/docpipe/internal/config"
	"github.com/spherical-ai/docpipe/internal/domain"
	"github.com/spherical-ai/docpipe/internal/metrics"
	"github.com/spherical-ai/docpipe/internal/observability"
	"github.com/spherical-ai/docpipe/internal/pagerange"
	"github.com/spherical-ai/docpipe/internal/storage"
)

// Models resolves provider and model choices and hands out their clients.
type Models interface {
	ClientSource
	Resolve(providerID, model string) (string, string, error)
}

// Deps are the collaborators an Orchestrator wires into its workers.
type Deps struct {
	Store     *storage.Store
	Splitter  domain.Splitter
	Models    Models
	Events    domain.Publisher
	Artifacts domain.ArtifactStore // optional
	Logger    *observability.Logger
	Clock     func() time.Time // optional, must match the store clock
}

// SubmitRequest describes a document to convert.
type SubmitRequest struct {
	Filename   string `json:"filename"`
	PageRange  string `json:"page_range,omitempty"`
	ProviderID string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
}

// WorkerStatus is a snapshot of one worker.
type WorkerStatus struct {
	ID      string `json:"id"`
	Stage   string `json:"stage"`
	Running bool   `json:"running"`
}

// Status is a snapshot of the whole pipeline.
type Status struct {
	Workers []WorkerStatus            `json:"workers"`
	Tasks   map[domain.TaskStatus]int `json:"tasks"`
}

// Orchestrator owns the stage workers and the health monitor and exposes task operations.
type Orchestrator struct {
	store     *storage.Store
	splitter  domain.Splitter
	models    Models
	artifacts domain.ArtifactStore
	workDir   string
	maxFailed float64
	logger    *observability.Logger
	base      *Base

	workers []Worker
	health  *HealthMonitor

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
}

// New builds the worker set described by cfg.
func New(deps Deps, workDir string, cfg config.PipelineConfig) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = observability.Nop()
	}
	o := &Orchestrator{
		store:     deps.Store,
		splitter:  deps.Splitter,
		models:    deps.Models,
		artifacts: deps.Artifacts,
		workDir:   workDir,
		maxFailed: cfg.MaxFailedPageRatio,
		logger:    logger.WithComponent("orchestrator"),
		base:      newBase("orchestrator", deps.Store, deps.Events, logger),
	}

	for i := 0; i < cfg.SplitterWorkers; i++ {
		o.workers = append(o.workers, NewSplitterWorker(deps.Store, deps.Splitter, deps.Events, cfg.SplitterPollInterval, logger))
	}
	converterOpts := ConverterOptions{
		Interval:           cfg.ConverterPollInterval,
		Timeout:            cfg.ConverterTimeout,
		MaxPageRetries:     cfg.MaxPageRetries,
		PageRetryDelay:     cfg.PageRetryDelay,
		MaxFailedPageRatio: cfg.MaxFailedPageRatio,
		SystemPrompt:       cfg.SystemPrompt,
		Temperature:        cfg.Temperature,
		MaxTokens:          cfg.MaxTokens,
		Clock:              deps.Clock,
	}
	for i := 0; i < cfg.ConverterWorkers; i++ {
		o.workers = append(o.workers, NewConverterWorker(deps.Store, deps.Models, deps.Events, converterOpts, logger))
	}
	for i := 0; i < cfg.MergerWorkers; i++ {
		o.workers = append(o.workers, NewMergerWorker(deps.Store, workDir, deps.Artifacts, deps.Events, cfg.MergerPollInterval, logger))
	}

	o.health = NewHealthMonitor(deps.Store, deps.Events, HealthConfig{
		Interval:           cfg.HealthCheckInterval,
		StuckTimeout:       cfg.StuckTimeout,
		MaxRecoveries:      cfg.MaxRecoveries,
		MaxFailedPageRatio: cfg.MaxFailedPageRatio,
	}, deps.Clock, logger)

	return o
}

// Workers returns the stage workers in start order.
func (o *Orchestrator) Workers() []Worker {
	return o.workers
}

// Health returns the stuck work monitor.
func (o *Orchestrator) Health() *HealthMonitor {
	return o.health
}

// Start launches every worker and the health monitor in the background.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return fmt.Errorf("orchestrator already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	for _, w := range o.workers {
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error { return o.health.Run(gctx) })

	o.cancel = cancel
	o.group = g
	o.started = true

	o.logger.Info().Int("workers", len(o.workers)).Msg("Pipeline started")
	return nil
}

// Wait blocks until every worker has exited.
func (o *Orchestrator) Wait() error {
	o.mu.Lock()
	g := o.group
	o.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Run starts the pipeline and blocks until ctx ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	o.Stop()
	return o.Wait()
}

// Stop asks every worker to exit. Work in flight is handed back to the queue.
func (o *Orchestrator) Stop() {
	for _, w := range o.workers {
		w.Stop()
	}
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.mu.Unlock()
	o.logger.Info().Msg("Pipeline stopping")
}

// Submit validates a document and queues it for splitting.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*storage.Task, error) {
	if strings.TrimSpace(req.Filename) == "" {
		return nil, domain.ValidationError("filename is required", nil)
	}
	filename, err := filepath.Abs(req.Filename)
	if err != nil {
		return nil, domain.ValidationError("invalid filename", err)
	}
	info, err := os.Stat(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &domain.NonRetryableDocumentError{File: filepath.Base(filename), Defect: domain.DefectNotFound, Err: err}
		}
		return nil, domain.IOError("stat document", err)
	}
	if info.IsDir() {
		return nil, domain.ValidationError(fmt.Sprintf("%s is a directory", req.Filename), nil)
	}

	docType, ok := domain.DetectDocumentType(filename)
	if !ok {
		return nil, domain.ValidationError(fmt.Sprintf("unsupported document type: %s", filepath.Ext(filename)), nil)
	}
	if err := pagerange.Validate(req.PageRange); err != nil {
		return nil, err
	}
	providerID, model, err := o.models.Resolve(req.ProviderID, req.Model)
	if err != nil {
		return nil, err
	}

	task := &storage.Task{
		Filename:     filename,
		DocumentType: docType,
		PageRange:    strings.TrimSpace(req.PageRange),
		ProviderID:   providerID,
		ModelID:      model,
		ModelName:    model,
	}
	if err := o.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	if _, err := o.base.TransitionTask(ctx, task.ID, []domain.TaskStatus{domain.TaskCreated}, domain.TaskPendingSplit, storage.TaskFields{}); err != nil {
		return nil, err
	}

	o.logger.Info().
		Str("task_id", task.ID).
		Str("file", filename).
		Str("type", string(docType)).
		Str("provider", providerID).
		Str("model", model).
		Msg("Task submitted")
	return o.store.GetTask(ctx, task.ID)
}

// Status lists the workers and counts tasks by status.
func (o *Orchestrator) Status(ctx context.Context) (*Status, error) {
	counts, err := o.store.CountTasksByStatus(ctx)
	if err != nil {
		return nil, err
	}

	gauge := make(map[string]int, len(counts))
	for _, s := range domain.AllTaskStatuses() {
		gauge[string(s)] = counts[s]
	}
	metrics.SetTaskCounts(gauge)

	status := &Status{Tasks: counts}
	for _, w := range o.workers {
		status.Workers = append(status.Workers, WorkerStatus{ID: w.WorkerID(), Stage: w.WorkerStage(), Running: w.Running()})
	}
	sort.SliceStable(status.Workers, func(i, j int) bool {
		return status.Workers[i].Stage < status.Workers[j].Stage
	})
	return status, nil
}

// Task returns one task.
func (o *Orchestrator) Task(ctx context.Context, id string) (*storage.Task, error) {
	return o.store.GetTask(ctx, id)
}

// Tasks lists tasks, newest first.
func (o *Orchestrator) Tasks(ctx context.Context, filter storage.TaskFilter) ([]*storage.Task, error) {
	return o.store.ListTasks(ctx, filter)
}

// Pages returns the pages of a task ordered by page number.
func (o *Orchestrator) Pages(ctx context.Context, id string) ([]*storage.TaskDetail, error) {
	if _, err := o.store.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return o.store.ListDetails(ctx, id)
}

// Output returns the merged Markdown of a finished task.
func (o *Orchestrator) Output(ctx context.Context, id string) (string, error) {
	task, err := o.store.GetTask(ctx, id)
	if err != nil {
		return "", err
	}
	if task.MergedPath == "" {
		return "", domain.ValidationError(fmt.Sprintf("task %s has no output yet (status %s)", id, task.Status), nil)
	}
	data, err := os.ReadFile(task.MergedPath)
	if err != nil {
		return "", domain.IOError("read merged document", err)
	}
	return string(data), nil
}

// Cancel stops a task that has not finished. Workers notice at their next status check.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*storage.Task, error) {
	task, err := o.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, domain.ValidationError(fmt.Sprintf("task %s is already %s", id, task.Status), domain.ErrInvalidTransition)
	}

	var active []domain.TaskStatus
	for _, s := range domain.AllTaskStatuses() {
		if !s.Terminal() {
			active = append(active, s)
		}
	}
	ok, err := o.base.TransitionTask(ctx, id, active, domain.TaskCancelled, storage.TaskFields{
		ReleaseClaim:  true,
		MarkCompleted: true,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ValidationError(fmt.Sprintf("task %s finished before it could be cancelled", id), domain.ErrInvalidTransition)
	}

	o.logger.Info().Str("task_id", id).Str("from", string(task.Status)).Msg("Task cancelled")
	return o.store.GetTask(ctx, id)
}

// RetryFailedPages queues the permanently failed pages of a failed or partially failed task
// again and puts the task back into processing. It returns the number of pages queued.
func (o *Orchestrator) RetryFailedPages(ctx context.Context, id string) (int, error) {
	n, err := o.store.RetryFailedPages(ctx, id)
	if errors.Is(err, domain.ErrInvalidTransition) {
		task, gerr := o.store.GetTask(ctx, id)
		if gerr != nil {
			return 0, gerr
		}
		return 0, domain.ValidationError(fmt.Sprintf("task %s is %s, only failed tasks can be retried", id, task.Status), err)
	}
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, domain.ValidationError(fmt.Sprintf("task %s has no failed pages", id), nil)
	}
	o.base.publishTask(ctx, id, domain.TaskProcessing, fmt.Sprintf("retrying %d pages", n))

	if err := advanceTask(ctx, o.base, id, o.maxFailed); err != nil {
		o.logger.Warn().Str("task_id", id).Err(err).Msg("Failed to refresh task progress")
	}

	o.logger.Info().Str("task_id", id).Int("pages", n).Msg("Retrying failed pages")
	return n, nil
}

// Cleanup deletes a finished task with its pages, files and mirrored output.
func (o *Orchestrator) Cleanup(ctx context.Context, id string) error {
	task, err := o.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !task.Status.Terminal() && task.Status != domain.TaskCreated {
		return domain.ValidationError(fmt.Sprintf("task %s is %s, cancel it first", id, task.Status), domain.ErrInvalidTransition)
	}

	o.splitter.Cleanup(id)
	if err := os.RemoveAll(filepath.Join(o.workDir, id)); err != nil {
		o.logger.Warn().Str("task_id", id).Err(err).Msg("Failed to remove task directory")
	}
	if o.artifacts != nil && task.OutputURL != "" && task.MergedPath != "" {
		key := id + "/" + filepath.Base(task.MergedPath)
		if err := o.artifacts.Delete(ctx, key); err != nil {
			o.logger.Warn().Str("task_id", id).Err(err).Msg("Failed to delete mirrored document")
		}
	}

	if err := o.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	o.logger.Info().Str("task_id", id).Msg("Task cleaned up")
	return nil
}
