// Package reconcile settles ingested usage events: it resolves the free-text
// tags, prices the call, and records the outcome atomically. Every step is
// retry-safe; a crashed pass leaves the event claimable again.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/jupiter/internal/clock"
	"github.com/smallbiznis/jupiter/internal/discount"
	discountdomain "github.com/smallbiznis/jupiter/internal/discount/domain"
	obsmetrics "github.com/smallbiznis/jupiter/internal/observability/metrics"
	"github.com/smallbiznis/jupiter/internal/rating"
	resolverdomain "github.com/smallbiznis/jupiter/internal/resolver/domain"
	usagedomain "github.com/smallbiznis/jupiter/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Outcome labels what a single pass did with an event.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeOrphaned  Outcome = "orphaned"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Failure reasons recorded on the event for operators.
const (
	ReasonModelNotResolved = "model_not_resolved"
	ReasonAmbiguousTokens  = "ambiguous_token_count"
	ReasonInvalidPricing   = "invalid_pricing_configuration"
)

type EngineParam struct {
	fx.In

	Log      *zap.Logger
	Clock    clock.Clock
	Resolver resolverdomain.Service
	Rules    discountdomain.Store
	Pipeline usagedomain.PipelineRepository
	Metrics  *obsmetrics.PipelineMetrics `optional:"true"`
}

type Engine struct {
	log      *zap.Logger
	clock    clock.Clock
	resolver resolverdomain.Service
	rules    discountdomain.Store
	pipeline usagedomain.PipelineRepository
	metrics  *obsmetrics.PipelineMetrics
}

func NewEngine(p EngineParam) *Engine {
	return &Engine{
		log:      p.Log.Named("reconcile.engine"),
		clock:    p.Clock,
		resolver: p.Resolver,
		rules:    p.Rules,
		pipeline: p.Pipeline,
		metrics:  p.Metrics,
	}
}

// ProcessEvent runs one full reconciliation pass over a claimed event.
// The retryCeiling argument lets the failed-event review sweep run the same
// pass with its raised ceiling.
func (e *Engine) ProcessEvent(ctx context.Context, event *usagedomain.UsageEvent, retryCeiling int) (Outcome, error) {
	if event == nil {
		return OutcomeSkipped, nil
	}
	if event.ProcessingState == usagedomain.StateProcessed {
		return OutcomeSkipped, nil
	}
	// Rated orphans belong to the attribution sweep.
	if event.Rated() && event.UserID == nil {
		return OutcomeSkipped, nil
	}

	res, err := e.resolver.Resolve(ctx, event.RawCompanyTag, event.RawModelTag)
	if err != nil {
		return OutcomeFailed, err
	}

	now := e.clock.Now()

	if res.Model == nil {
		e.log.Info("model unresolved",
			zap.String("event_id", event.ID.String()),
			zap.String("model_tag", event.RawModelTag),
			zap.Strings("notes", res.Notes),
		)
		return e.fail(ctx, event, ReasonModelNotResolved, retryCeiling)
	}

	rule, usageCount, err := e.selectDiscount(ctx, res, event, now)
	if err != nil {
		return OutcomeFailed, err
	}

	priced, err := rating.Rate(res.Model, tokenUsage(event), event.CallStatus, rule)
	if err != nil {
		// Pricing problems are configuration bugs, not transient misses.
		// Retrying cannot fix them, so the event fails on the spot.
		reason := ReasonInvalidPricing
		if errors.Is(err, rating.ErrAmbiguousTokenCount) {
			reason = ReasonAmbiguousTokens
		}
		return e.failFatal(ctx, event, reason)
	}

	period := event.ReceivedAt.UTC()
	modelID := res.Model.ID

	update := usagedomain.ProcessedUpdate{
		ID:               event.ID,
		ModelID:          modelID,
		GrossCost:        priced.GrossCost,
		NetCost:          priced.NetCost,
		DiscountFraction: priced.DiscountFraction,
		PeriodYear:       period.Year(),
		PeriodMonth:      int(period.Month()),
	}

	if res.User == nil {
		// Revenue is recognized now; attribution comes later. The event
		// stays unprocessed so it never leaks into an invoice.
		update.State = usagedomain.StateUnprocessed
		applied, err := e.pipeline.MarkProcessed(ctx, update)
		if err != nil {
			return OutcomeFailed, err
		}
		if !applied {
			return OutcomeSkipped, nil
		}
		if e.metrics != nil {
			e.metrics.IncOrphaned()
		}
		e.log.Info("event rated without user",
			zap.String("event_id", event.ID.String()),
			zap.String("company_tag", event.RawCompanyTag),
			zap.Strings("notes", res.Notes),
		)
		return OutcomeOrphaned, nil
	}

	update.UserID = &res.User.ID
	update.State = usagedomain.StateProcessed
	update.ProcessedAt = &now

	applied, err := e.pipeline.MarkProcessed(ctx, update)
	if err != nil {
		return OutcomeFailed, err
	}
	if !applied {
		return OutcomeSkipped, nil
	}
	if e.metrics != nil {
		e.metrics.IncProcessed(string(res.Model.PricingStrategy))
	}
	e.log.Debug("event settled",
		zap.String("event_id", event.ID.String()),
		zap.String("user_id", res.User.ID.String()),
		zap.String("model_id", modelID.String()),
		zap.Int64("usage_count", usageCount),
		zap.String("net_cost", priced.NetCost.String()),
	)
	return OutcomeProcessed, nil
}

// AttributeOrphan tries to attach a user to an already-rated event. Costs
// are never recomputed here; the figures from the first pass stand.
func (e *Engine) AttributeOrphan(ctx context.Context, event *usagedomain.UsageEvent) (Outcome, error) {
	if event == nil || !event.Orphaned() {
		return OutcomeSkipped, nil
	}

	res, err := e.resolver.Resolve(ctx, event.RawCompanyTag, "")
	if err != nil {
		return OutcomeFailed, err
	}
	if res.User == nil {
		// Still unknown. Release the claim and wait for directory changes.
		if err := e.pipeline.Release(ctx, []snowflake.ID{event.ID}); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeSkipped, nil
	}

	attached, err := e.pipeline.AttachUser(ctx, event.ID, res.User.ID, e.clock.Now())
	if err != nil {
		return OutcomeFailed, err
	}
	if !attached {
		return OutcomeSkipped, nil
	}
	if e.metrics != nil {
		e.metrics.IncProcessed("attribution")
	}
	e.log.Info("orphan attributed",
		zap.String("event_id", event.ID.String()),
		zap.String("user_id", res.User.ID.String()),
	)
	return OutcomeProcessed, nil
}

func (e *Engine) fail(ctx context.Context, event *usagedomain.UsageEvent, reason string, ceiling int) (Outcome, error) {
	return e.markFailed(ctx, usagedomain.FailureUpdate{
		ID:      event.ID,
		Reason:  reason,
		Ceiling: ceiling,
		Now:     e.clock.Now(),
	})
}

// failFatal moves the event straight to failed without spending retry
// budget; only the review sweep can bring it back.
func (e *Engine) failFatal(ctx context.Context, event *usagedomain.UsageEvent, reason string) (Outcome, error) {
	return e.markFailed(ctx, usagedomain.FailureUpdate{
		ID:     event.ID,
		Reason: reason,
		Fatal:  true,
		Now:    e.clock.Now(),
	})
}

func (e *Engine) markFailed(ctx context.Context, update usagedomain.FailureUpdate) (Outcome, error) {
	if err := e.pipeline.MarkFailed(ctx, update); err != nil {
		return OutcomeFailed, err
	}
	if e.metrics != nil {
		e.metrics.IncFailed(update.Reason)
	}
	return OutcomeFailed, nil
}

// selectDiscount loads candidate rules and picks the winner. The usage count
// feeding min/max windows counts only already-settled events, so the event
// being processed never counts itself.
func (e *Engine) selectDiscount(ctx context.Context, res resolverdomain.Result, event *usagedomain.UsageEvent, now time.Time) (*discountdomain.DiscountRule, int64, error) {
	var userID *snowflake.ID
	var usageCount int64
	if res.User != nil {
		userID = &res.User.ID
		period := event.ReceivedAt.UTC()
		count, err := e.pipeline.CountProcessedForUser(ctx, res.User.ID, period.Year(), int(period.Month()))
		if err != nil {
			return nil, 0, err
		}
		usageCount = count
	}
	rules, err := e.rules.ActiveRulesFor(ctx, userID, res.Model.ID)
	if err != nil {
		return nil, 0, err
	}
	return discount.Select(rules, usageCount, now), usageCount, nil
}

func tokenUsage(event *usagedomain.UsageEvent) rating.TokenUsage {
	return rating.TokenUsage{
		InputTokens:  event.InputTokens,
		OutputTokens: event.OutputTokens,
		TotalTokens:  event.TotalTokens,
		Tier:         rating.TokenTier(event.TokenPriceTier),
	}
}
