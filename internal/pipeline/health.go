package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/spherical-ai/docpipe/internal/domain"
	"github.com/spherical-ai/docpipe/internal/metrics"
	"github.com/spherical-ai/docpipe/internal/observability"
	"github.com/spherical-ai/docpipe/internal/storage"
)

// HealthConfig holds stuck work detection settings.
type HealthConfig struct {
	Interval           time.Duration
	StuckTimeout       time.Duration
	MaxRecoveries      int
	MaxFailedPageRatio float64
}

// HealthReport counts what one check changed.
type HealthReport struct {
	CheckedAt       time.Time
	TasksRecovered  int
	TasksFailed     int
	PagesRecovered  int
	PagesFailed     int
	TasksReconciled int
}

// Total is the number of rows the check touched.
func (r HealthReport) Total() int {
	return r.TasksRecovered + r.TasksFailed + r.PagesRecovered + r.PagesFailed + r.TasksReconciled
}

// HealthMonitor hands work held by dead workers back to the queue.
type HealthMonitor struct {
	base   *Base
	config HealthConfig
	now    func() time.Time
}

// staleTaskRule maps a claimed task status to the status it is reverted to.
type staleTaskRule struct {
	from, to domain.TaskStatus
}

var staleTaskRules = []staleTaskRule{
	{from: domain.TaskSplitting, to: domain.TaskPendingSplit},
	{from: domain.TaskMerging, to: domain.TaskReadyToMerge},
}

// NewHealthMonitor creates a monitor. now defaults to time.Now and must agree with the store clock.
func NewHealthMonitor(store *storage.Store, events domain.Publisher, cfg HealthConfig, now func() time.Time, logger *observability.Logger) *HealthMonitor {
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StuckTimeout == 0 {
		cfg.StuckTimeout = 5 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &HealthMonitor{
		base:   newBase("health", store, events, logger),
		config: cfg,
		now:    now,
	}
}

// Run checks on every tick until ctx ends.
func (m *HealthMonitor) Run(ctx context.Context) error {
	m.base.running.Store(true)
	defer m.base.running.Store(false)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.base.logger.Info().
		Dur("interval", m.config.Interval).
		Dur("stuck_timeout", m.config.StuckTimeout).
		Msg("Health monitor started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Check(ctx); err != nil && ctx.Err() == nil {
				m.base.logger.Warn().Err(err).Msg("Health check failed")
			}
		}
	}
}

// Check runs one sweep over stuck tasks, stuck pages and processing tasks whose pages are all done.
func (m *HealthMonitor) Check(ctx context.Context) (HealthReport, error) {
	report := HealthReport{CheckedAt: m.now()}
	cutoff := report.CheckedAt.Add(-m.config.StuckTimeout)

	for _, rule := range staleTaskRules {
		if err := m.checkTasks(ctx, rule, cutoff, &report); err != nil {
			return report, err
		}
	}

	touched, err := m.checkDetails(ctx, cutoff, &report)
	if err != nil {
		return report, err
	}

	waiting, err := m.base.store.TasksAwaitingAdvance(ctx)
	if err != nil {
		return report, err
	}
	for _, id := range waiting {
		touched[id] = struct{}{}
		report.TasksReconciled++
	}
	for id := range touched {
		if err := advanceTask(ctx, m.base, id, m.config.MaxFailedPageRatio); err != nil {
			m.base.logger.Warn().Str("task_id", id).Err(err).Msg("Failed to advance task")
		}
	}

	if report.Total() > 0 {
		m.base.logger.Info().
			Int("tasks_recovered", report.TasksRecovered).
			Int("tasks_failed", report.TasksFailed).
			Int("pages_recovered", report.PagesRecovered).
			Int("pages_failed", report.PagesFailed).
			Int("tasks_reconciled", report.TasksReconciled).
			Msg("Health check completed")
	}
	return report, nil
}

func (m *HealthMonitor) checkTasks(ctx context.Context, rule staleTaskRule, cutoff time.Time, report *HealthReport) error {
	tasks, err := m.base.store.StaleTasks(ctx, rule.from, cutoff)
	if err != nil {
		return err
	}

	for _, task := range tasks {
		logger := m.base.logger.WithTask(task.ID)

		if task.RecoveryCount >= m.config.MaxRecoveries {
			reason := fmt.Sprintf("stuck in %s after %d recoveries", rule.from, task.RecoveryCount)
			ok, err := m.base.store.FailStaleTask(ctx, task.ID, rule.from, cutoff, reason)
			if err != nil {
				return err
			}
			if ok {
				report.TasksFailed++
				metrics.Recoveries.WithLabelValues("task", "failed").Inc()
				m.base.publishTask(ctx, task.ID, domain.TaskFailed, reason)
				logger.Warn().Str("status", string(rule.from)).Int("recoveries", task.RecoveryCount).Msg("Stuck task failed")
			}
			continue
		}

		ok, err := m.base.store.RecoverTask(ctx, task.ID, rule.from, rule.to, cutoff)
		if err != nil {
			return err
		}
		if ok {
			report.TasksRecovered++
			metrics.Recoveries.WithLabelValues("task", "recovered").Inc()
			m.base.publishTask(ctx, task.ID, rule.to, "recovered from stuck worker")
			logger.Warn().
				Str("from", string(rule.from)).
				Str("to", string(rule.to)).
				Str("stale_worker", task.WorkerID).
				Msg("Recovered stuck task")
		}
	}
	return nil
}

// checkDetails returns the ids of tasks whose pages were touched.
func (m *HealthMonitor) checkDetails(ctx context.Context, cutoff time.Time, report *HealthReport) (map[string]struct{}, error) {
	touched := make(map[string]struct{})

	details, err := m.base.store.StaleDetails(ctx, domain.DetailProcessing, cutoff)
	if err != nil {
		return touched, err
	}

	for _, d := range details {
		if d.RecoveryCount >= m.config.MaxRecoveries {
			reason := fmt.Sprintf("stuck in processing after %d recoveries", d.RecoveryCount)
			ok, err := m.base.store.FailStaleDetail(ctx, d.ID, cutoff, reason)
			if err != nil {
				return touched, err
			}
			if ok {
				report.PagesFailed++
				touched[d.TaskID] = struct{}{}
				metrics.Recoveries.WithLabelValues("page", "failed").Inc()
				m.base.publish(ctx, domain.Event{Type: domain.EventPageStatus, TaskID: d.TaskID, Page: d.Page, Status: string(domain.DetailFailed), Message: reason})
			}
			continue
		}

		ok, err := m.base.store.RecoverDetail(ctx, d.ID, cutoff)
		if err != nil {
			return touched, err
		}
		if ok {
			report.PagesRecovered++
			metrics.Recoveries.WithLabelValues("page", "recovered").Inc()
			m.base.logger.Warn().
				Str("task_id", d.TaskID).
				Int("page", d.Page).
				Str("stale_worker", d.WorkerID).
				Msg("Recovered stuck page")
		}
	}
	return touched, nil
}
