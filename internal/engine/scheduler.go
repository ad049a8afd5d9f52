package engine

import (
	"context"
	"fmt"
	"time"

	"reviewflow/internal/common/logger"
	"reviewflow/internal/common/metrics"
	"reviewflow/internal/common/observability"
	"reviewflow/internal/models"
)

// CycleStats summarizes one scheduler cycle.
type CycleStats struct {
	Processed int   `json:"processedCount"`
	Errors    int   `json:"errorCount"`
	Seen      int   `json:"totalSeen"`
	Reaped    int64 `json:"reapedCount"`
	Promoted  int   `json:"promotedCount"`
}

// SchedulerOptions bound one cycle's work and the lease/reaper windows.
type SchedulerOptions struct {
	MaxWorkflows  int
	StaleAfter    time.Duration
	LeaseDuration time.Duration
}

func DefaultSchedulerOptions() SchedulerOptions {
	return SchedulerOptions{
		MaxWorkflows:  25,
		StaleAfter:    30 * time.Minute,
		LeaseDuration: 5 * time.Minute,
	}
}

// Scheduler polls for runnable workflows and drives the Runner over a
// bounded batch. Each instance claims workflows under its own owner id, so
// several schedulers can run against one database without double-processing.
type Scheduler struct {
	store    WorkflowStore
	runner   *Runner
	registry *Registry
	opts     SchedulerOptions
	owner    string
	obs      *observability.Observability
	log      logger.Logger
	now      func() time.Time

	// promote, when set, turns due publish queue items into workflows at
	// the start of each cycle.
	promote func(ctx context.Context) (int, error)
}

func NewScheduler(store WorkflowStore, runner *Runner, registry *Registry, opts SchedulerOptions, owner string, obs *observability.Observability, log logger.Logger) *Scheduler {
	def := DefaultSchedulerOptions()
	if opts.MaxWorkflows <= 0 {
		opts.MaxWorkflows = def.MaxWorkflows
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = def.StaleAfter
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = def.LeaseDuration
	}
	return &Scheduler{
		store:    store,
		runner:   runner,
		registry: registry,
		opts:     opts,
		owner:    owner,
		obs:      obs,
		log:      log,
		now:      time.Now,
	}
}

// WithPromoter installs the queue promotion hook.
func (s *Scheduler) WithPromoter(promote func(ctx context.Context) (int, error)) *Scheduler {
	s.promote = promote
	return s
}

// Cycle runs one batch: reap stale workflows, promote due queue items,
// then claim and advance up to maxWorkflows instances oldest-first. A
// failure of one workflow never aborts the rest of the batch.
func (s *Scheduler) Cycle(ctx context.Context, maxWorkflows int) (CycleStats, error) {
	if maxWorkflows <= 0 {
		maxWorkflows = s.opts.MaxWorkflows
	}

	start := s.now()
	defer func() {
		elapsed := time.Since(start)
		metrics.SchedulerCycleDuration.Observe(elapsed.Seconds())
		if s.obs != nil {
			s.obs.RecordCycleDuration(ctx, elapsed)
		}
	}()

	var stats CycleStats

	reaped, err := s.store.ReapStale(ctx, start.Add(-s.opts.StaleAfter))
	if err != nil {
		return stats, fmt.Errorf("reap stale workflows: %w", err)
	}
	if reaped > 0 {
		stats.Reaped = reaped
		metrics.WorkflowsReaped.Add(float64(reaped))
		s.log.Warn("reaped stale workflows", map[string]interface{}{
			"count":      reaped,
			"staleAfter": s.opts.StaleAfter.String(),
		})
	}

	if s.promote != nil {
		promoted, err := s.promote(ctx)
		if err != nil {
			// Promotion failures must not starve workflow processing.
			s.log.WithError(err).Error("queue promotion failed", nil)
		}
		stats.Promoted = promoted
	}

	leaseStaleBefore := start.Add(-s.opts.LeaseDuration)
	runnable, err := s.store.ListRunnable(ctx, maxWorkflows, leaseStaleBefore)
	if err != nil {
		return stats, fmt.Errorf("list runnable workflows: %w", err)
	}
	stats.Seen = len(runnable)

	for _, wf := range runnable {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		claimed, err := s.store.Claim(ctx, wf.ID, s.owner, leaseStaleBefore)
		if err != nil {
			stats.Errors++
			s.log.WithError(err).Error("claim failed", map[string]interface{}{"workflowId": wf.ID})
			continue
		}
		if !claimed {
			continue
		}

		if err := s.processOne(ctx, wf); err != nil {
			stats.Errors++
			if s.obs != nil {
				s.obs.RecordWorkflowProcessed(ctx, "error")
			}
		} else {
			stats.Processed++
			if s.obs != nil {
				s.obs.RecordWorkflowProcessed(ctx, "ok")
			}
		}

		if err := s.store.Release(ctx, wf.ID, s.owner); err != nil {
			s.log.WithError(err).Error("lease release failed", map[string]interface{}{"workflowId": wf.ID})
		}
	}

	s.log.Info("scheduler cycle finished", map[string]interface{}{
		"seen":      stats.Seen,
		"processed": stats.Processed,
		"errors":    stats.Errors,
		"reaped":    stats.Reaped,
		"promoted":  stats.Promoted,
	})
	return stats, nil
}

func (s *Scheduler) processOne(ctx context.Context, wf *models.Workflow) error {
	if wf.Status == models.WorkflowStatusPending {
		def, ok := s.registry.Definition(wf.WorkflowType)
		if !ok {
			msg := "no definition registered for workflow type " + string(wf.WorkflowType)
			if err := s.store.MarkFailed(ctx, wf.ID, msg); err != nil {
				return err
			}
			return fmt.Errorf("%s", msg)
		}
		if err := s.store.Initialize(ctx, wf.ID, def.FirstStep(), len(def.Steps)); err != nil {
			return fmt.Errorf("initialize workflow %s: %w", wf.ID, err)
		}
		wf.Status = models.WorkflowStatusRunning
		wf.CurrentStep = def.FirstStep()
		wf.TotalSteps = len(def.Steps)
		wf.StepIndex = 0
		wf.CompletedSteps = 0
	}

	_, err := s.runner.Advance(ctx, wf)
	return err
}
