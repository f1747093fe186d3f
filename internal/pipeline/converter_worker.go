package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/spherical-ai/docpipe/internal/domain"
	"github.com/spherical-ai/docpipe/internal/llm"
	"github.com/spherical-ai/docpipe/internal/metrics"
	"github.com/spherical-ai/docpipe/internal/observability"
	"github.com/spherical-ai/docpipe/internal/retry"
	"github.com/spherical-ai/docpipe/internal/storage"
)

// ClientSource hands out LLM clients by provider id.
type ClientSource interface {
	Client(ctx context.Context, providerID string) (llm.Client, error)
}

// ConverterOptions configure page conversion.
type ConverterOptions struct {
	Interval           time.Duration
	Timeout            time.Duration
	MaxPageRetries     int
	PageRetryDelay     time.Duration
	MaxFailedPageRatio float64 // 0 fails the task on any failed page
	SystemPrompt       string
	Temperature        float64
	MaxTokens          int
	Clock              func() time.Time // schedules retries; must match the store clock
}

// ConverterWorker turns page images into Markdown with an LLM. Several run side by side;
// the claim makes sure each takes a different page.
type ConverterWorker struct {
	*Base
	clients ClientSource
	opts    ConverterOptions
	backoff retry.Policy
}

func NewConverterWorker(store *storage.Store, clients ClientSource, events domain.Publisher, opts ConverterOptions, logger *observability.Logger) *ConverterWorker {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &ConverterWorker{
		Base:    newBase(StageConverter, store, events, logger),
		clients: clients,
		opts:    opts,
		backoff: retry.Policy{BaseDelay: opts.PageRetryDelay, MaxDelay: 10 * time.Minute},
	}
}

func (w *ConverterWorker) Run(ctx context.Context) error {
	return w.poll(ctx, w.opts.Interval, w.Step)
}

// Step claims and converts one page. It reports whether a page was claimed.
func (w *ConverterWorker) Step(ctx context.Context) (bool, error) {
	d, err := w.ClaimDetail(ctx,
		[]domain.DetailStatus{domain.DetailPending, domain.DetailRetrying}, domain.DetailProcessing)
	if err != nil || d == nil {
		return false, err
	}
	w.process(ctx, d)
	return true, nil
}

func (w *ConverterWorker) process(ctx context.Context, d *storage.TaskDetail) {
	logger := w.logger.WithTask(d.TaskID).With().Int("page", d.Page).Logger()

	task, err := w.store.GetTask(ctx, d.TaskID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load task")
		w.release(d)
		return
	}
	w.publish(ctx, domain.Event{Type: domain.EventPageStatus, TaskID: d.TaskID, Page: d.Page, Status: string(domain.DetailProcessing)})

	resp, duration, convErr := w.convert(ctx, d, task.Filename)

	if ctx.Err() != nil {
		w.release(d)
		return
	}
	// Cancellation is only observed here; the call itself is not interrupted.
	if current, err := w.store.GetTask(ctx, d.TaskID); err != nil || current.Status != domain.TaskProcessing {
		logger.Info().Msg("Task is no longer processing, discarding page result")
		w.release(d)
		return
	}

	if convErr != nil {
		w.fail(ctx, d, convErr, duration, logger)
	} else {
		w.complete(ctx, d, resp, duration, logger)
	}

	if err := advanceTask(ctx, w.Base, d.TaskID, w.opts.MaxFailedPageRatio); err != nil {
		logger.Error().Err(err).Msg("Failed to update task progress")
	}
}

func (w *ConverterWorker) convert(ctx context.Context, d *storage.TaskDetail, filename string) (*llm.Response, time.Duration, error) {
	client, err := w.clients.Client(ctx, d.ProviderID)
	if err != nil {
		return nil, 0, err
	}

	req, err := pageRequest(d, filename, w.opts.SystemPrompt, w.opts.Temperature, w.opts.MaxTokens)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, &domain.NonRetryableDocumentError{File: filepath.Base(d.ImagePath), Defect: domain.DefectNotFound, Err: err}
		}
		return nil, 0, domain.IOError("read page image", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := client.Complete(callCtx, req)
	duration := time.Since(start)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = domain.TransientIOError(fmt.Sprintf("page conversion timed out after %s", w.opts.Timeout), err)
		}
		metrics.RecordPage(client.Provider(), "error", 0, 0, duration)
		return nil, duration, err
	}
	metrics.RecordPage(client.Provider(), "completed", resp.Usage.InputTokens, resp.Usage.OutputTokens, duration)
	return resp, duration, nil
}

func (w *ConverterWorker) complete(ctx context.Context, d *storage.TaskDetail, resp *llm.Response, duration time.Duration, logger *observability.Logger) {
	ok, err := w.UpdateDetailStatus(ctx, d, domain.DetailCompleted, storage.DetailFields{
		Content:       &resp.Content,
		Error:         storage.Ptr(""),
		InputTokens:   storage.Ptr(int64(resp.Usage.InputTokens)),
		OutputTokens:  storage.Ptr(int64(resp.Usage.OutputTokens)),
		DurationMS:    storage.Ptr(duration.Milliseconds()),
		ReleaseClaim:  true,
		MarkCompleted: true,
	})
	switch {
	case err != nil:
		logger.Error().Err(err).Msg("Failed to store page content")
	case !ok:
		logger.Warn().Msg("Page claim was lost before the result was stored")
	default:
		metrics.StageOutcomes.WithLabelValues(StageConverter, "completed").Inc()
		logger.Info().
			Dur("duration", duration).
			Int("input_tokens", resp.Usage.InputTokens).
			Int("output_tokens", resp.Usage.OutputTokens).
			Msg("Page converted")
	}
}

// fail schedules another attempt while the page has retries left and the error can pass;
// otherwise the page fails for good.
func (w *ConverterWorker) fail(ctx context.Context, d *storage.TaskDetail, cause error, duration time.Duration, logger *observability.Logger) {
	retryable := domain.IsRetryable(cause) && !llm.Permanent(cause)
	if retryable && d.RetryCount < w.opts.MaxPageRetries {
		attempt := d.RetryCount + 1
		delay := w.backoff.Backoff(attempt)
		next := w.opts.Clock().Add(delay)
		msg := cause.Error()

		ok, err := w.UpdateDetailStatus(ctx, d, domain.DetailRetrying, storage.DetailFields{
			Error:         &msg,
			DurationMS:    storage.Ptr(duration.Milliseconds()),
			NextAttemptAt: &next,
			IncrementTry:  true,
			ReleaseClaim:  true,
		})
		if err != nil {
			logger.Error().Err(err).Msg("Failed to schedule page retry")
			return
		}
		if ok {
			metrics.StageOutcomes.WithLabelValues(StageConverter, "retrying").Inc()
			logger.Warn().Err(cause).Int("attempt", attempt).Dur("delay", delay).Msg("Page conversion failed, retrying")
		}
		return
	}

	metrics.StageOutcomes.WithLabelValues(StageConverter, "failed").Inc()
	if err := w.ReportDetailFailure(ctx, d, cause); err != nil {
		logger.Error().Err(err).Msg("Failed to record page failure")
	}
}

// release puts the page back in the queue without spending a retry.
func (w *ConverterWorker) release(d *storage.TaskDetail) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := w.store.TransitionDetail(ctx, d.ID, []domain.DetailStatus{domain.DetailProcessing}, w.ID, storage.DetailFields{
		Status:       storage.Ptr(domain.DetailPending),
		ReleaseClaim: true,
	})
	if err != nil {
		w.logger.Warn().Str("task_id", d.TaskID).Int("page", d.Page).Err(err).Msg("Failed to release page")
	}
}
