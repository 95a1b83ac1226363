// Package scheduler drives the background sweeps: reconciliation of fresh
// events, attribution of rated orphans, review of failed events, and the
// monthly invoice roll-up.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/jupiter/internal/clock"
	"github.com/smallbiznis/jupiter/internal/config"
	invoicedomain "github.com/smallbiznis/jupiter/internal/invoice/domain"
	"github.com/smallbiznis/jupiter/internal/lock"
	obsmetrics "github.com/smallbiznis/jupiter/internal/observability/metrics"
	"github.com/smallbiznis/jupiter/internal/reconcile"
	usagedomain "github.com/smallbiznis/jupiter/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

const invoiceLockTTL = 10 * time.Minute

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Engine     *reconcile.Engine
	Pipeline   usagedomain.PipelineRepository
	InvoiceSvc invoicedomain.Service
	Billing    *config.BillingConfigHolder
	Locker     *lock.Locker `optional:"true"`
	Config     Config       `optional:"true"`
}

type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	engine     *reconcile.Engine
	pipeline   usagedomain.PipelineRepository
	invoiceSvc invoicedomain.Service
	billing    *config.BillingConfigHolder
	locker     *lock.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Engine == nil || p.Pipeline == nil || p.InvoiceSvc == nil || p.Billing == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      p.Clock,
		engine:     p.Engine,
		pipeline:   p.Pipeline,
		invoiceSvc: p.InvoiceSvc,
		billing:    p.Billing,
		locker:     p.Locker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, s.cfg.BatchSize)
	if owner {
		s.logJobStart(run)
	}
	log := s.log.With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(run)
	}
	if err == nil {
		return nil
	}

	// Deadline is a soft timeout: the next tick picks up where we stopped.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Timeout time.Duration
		Run     func(context.Context) error
	}{
		{"reconcile_sweep", s.cfg.JobTimeout, s.ReconcileSweepJob},
		{"attribution_sweep", s.cfg.JobTimeout, s.AttributionSweepJob},
		{"failed_review", s.cfg.JobTimeout, s.FailedReviewJob},
		{"monthly_invoice", 5 * time.Minute, s.MonthlyInvoiceJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		name, timeout, run := job.Name, job.Timeout, job.Run
		err = errors.Join(err, s.runJob(parent, name, timeout, run))
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// ReconcileSweepJob settles the unprocessed backlog oldest-first.
func (s *Scheduler) ReconcileSweepJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "reconcile_sweep", s.cfg.BatchSize)
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}
	ceiling := s.billing.Get().RetryCeiling
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		events, err := s.pipeline.ClaimUnprocessed(ctx, s.cfg.BatchSize, s.clock.Now(), s.cfg.ClaimStaleAfter)
		if err != nil {
			s.logSchedulerError(run, "event claim failed", "reconcile_sweep", err)
			return errors.Join(jobErr, err)
		}
		if len(events) == 0 {
			break
		}

		processed := s.processClaimed(ctx, run, "reconcile_sweep", events, func(event *usagedomain.UsageEvent) (reconcile.Outcome, error) {
			return s.engine.ProcessEvent(ctx, event, ceiling)
		}, &jobErr)

		obsmetrics.Scheduler().AddBatchProcessed("reconcile_sweep", processed)
		if processed == 0 {
			break
		}
	}

	return jobErr
}

// AttributionSweepJob retries user attribution for rated orphans.
func (s *Scheduler) AttributionSweepJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "attribution_sweep", s.cfg.BatchSize)
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		events, err := s.pipeline.ClaimOrphans(ctx, s.cfg.BatchSize, s.clock.Now(), s.cfg.ClaimStaleAfter)
		if err != nil {
			s.logSchedulerError(run, "orphan claim failed", "attribution_sweep", err)
			return errors.Join(jobErr, err)
		}
		if len(events) == 0 {
			break
		}

		processed := s.processClaimed(ctx, run, "attribution_sweep", events, func(event *usagedomain.UsageEvent) (reconcile.Outcome, error) {
			return s.engine.AttributeOrphan(ctx, event)
		}, &jobErr)

		obsmetrics.Scheduler().AddBatchProcessed("attribution_sweep", processed)
		if processed == 0 {
			break
		}
	}

	return jobErr
}

// FailedReviewJob gives failed events another pass under the raised ceiling.
func (s *Scheduler) FailedReviewJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "failed_review", s.cfg.BatchSize)
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}
	reviewCeiling := s.billing.Get().ReviewRetryCeiling
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		events, err := s.pipeline.ClaimFailed(ctx, s.cfg.BatchSize, reviewCeiling, s.clock.Now(), s.cfg.ClaimStaleAfter)
		if err != nil {
			s.logSchedulerError(run, "failed claim failed", "failed_review", err)
			return errors.Join(jobErr, err)
		}
		if len(events) == 0 {
			break
		}

		processed := s.processClaimed(ctx, run, "failed_review", events, func(event *usagedomain.UsageEvent) (reconcile.Outcome, error) {
			return s.engine.ProcessEvent(ctx, event, reviewCeiling)
		}, &jobErr)

		obsmetrics.Scheduler().AddBatchProcessed("failed_review", processed)
		if processed == 0 {
			break
		}
	}

	return jobErr
}

// MonthlyInvoiceJob rolls the previous calendar month into invoices. A redis
// lock keeps replicated schedulers from double-running the aggregation; the
// unique (user, period) key backs it up if the lock is unavailable.
func (s *Scheduler) MonthlyInvoiceJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "monthly_invoice", 1)
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}

	// AddDate(0, -1, 0) normalizes forward on month-end days (Mar 31 would
	// land on "Feb 31" = Mar 3), so step back from the first of the month.
	now := s.clock.Now().UTC()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	prev := first.AddDate(0, 0, -1)
	year, month := prev.Year(), int(prev.Month())

	if s.locker != nil {
		key := fmt.Sprintf("jupiter:invoice:run:%04d-%02d", year, month)
		token, ok, err := s.locker.TryLock(ctx, key, invoiceLockTTL)
		if err != nil {
			s.logSchedulerError(run, "invoice lock failed", "monthly_invoice", err)
			return err
		}
		if !ok {
			s.log.Debug("invoice run held elsewhere",
				zap.Int("year", year),
				zap.Int("month", month),
			)
			return nil
		}
		defer func() {
			_ = s.locker.Release(context.WithoutCancel(ctx), key, token)
		}()
	}

	summary, err := s.invoiceSvc.GenerateForPeriod(ctx, year, month)
	run.AddProcessed(summary.Created)
	if err != nil {
		s.logSchedulerError(run, "invoice generation failed", "monthly_invoice", err)
		return err
	}
	s.log.Info("invoice run finished",
		zap.Int("year", year),
		zap.Int("month", month),
		zap.Int("created", summary.Created),
		zap.Int("skipped", summary.Skipped),
	)
	return nil
}

// processClaimed runs fn over a claimed batch, isolating per-event errors
// so one poisoned event never stalls the sweep. Events the engine skipped
// get their claim released for the next tick.
func (s *Scheduler) processClaimed(
	ctx context.Context,
	run *jobRun,
	job string,
	events []usagedomain.UsageEvent,
	fn func(*usagedomain.UsageEvent) (reconcile.Outcome, error),
	jobErr *error,
) int {
	processed := 0
	var skipped []snowflake.ID

	for i := range events {
		if ctx.Err() != nil {
			*jobErr = errors.Join(*jobErr, ctx.Err())
			for _, event := range events[i:] {
				skipped = append(skipped, event.ID)
			}
			break
		}
		event := events[i]
		outcome, err := fn(&event)
		if err != nil {
			*jobErr = errors.Join(*jobErr, err)
			s.logSchedulerError(run, "event pass failed", job, err,
				zap.String("event_id", event.ID.String()),
			)
			skipped = append(skipped, event.ID)
			continue
		}
		switch outcome {
		case reconcile.OutcomeSkipped:
			skipped = append(skipped, event.ID)
		default:
			processed++
			run.AddProcessed(1)
		}
	}

	if len(skipped) > 0 {
		if err := s.pipeline.Release(context.WithoutCancel(ctx), skipped); err != nil {
			*jobErr = errors.Join(*jobErr, err)
			s.logSchedulerError(run, "claim release failed", job, err)
		}
	}
	return processed
}
