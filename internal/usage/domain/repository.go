package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// ProcessedUpdate carries the full outcome of a successful rating pass.
// Applied atomically so a crash never leaves a half-rated event.
type ProcessedUpdate struct {
	ID               snowflake.ID
	UserID           *snowflake.ID
	ModelID          snowflake.ID
	GrossCost        decimal.Decimal
	NetCost          decimal.Decimal
	DiscountFraction decimal.Decimal
	PeriodYear       int
	PeriodMonth      int
	State            ProcessingState
	ProcessedAt      *time.Time
}

// FailureUpdate records one failed attempt. The repository bumps
// retry_count and flips the state to failed once the ceiling is hit.
// Fatal failures (broken pricing configuration) flip the state without
// spending any of the retry budget, leaving it to the review sweep.
type FailureUpdate struct {
	ID      snowflake.ID
	Reason  string
	Ceiling int
	Fatal   bool
	Now     time.Time
}

// PipelineRepository is the claim-side contract used by the sweep jobs.
// Claiming uses row locks so concurrent sweepers never double-process;
// claimed_at lets a later sweep reclaim rows from a crashed worker.
type PipelineRepository interface {
	// ClaimUnprocessed picks never-rated events, oldest received first.
	ClaimUnprocessed(ctx context.Context, limit int, now time.Time, staleAfter time.Duration) ([]UsageEvent, error)

	// ClaimOrphans picks rated events that still lack a user.
	ClaimOrphans(ctx context.Context, limit int, now time.Time, staleAfter time.Duration) ([]UsageEvent, error)

	// ClaimFailed picks failed events below the review ceiling for another pass.
	ClaimFailed(ctx context.Context, limit int, reviewCeiling int, now time.Time, staleAfter time.Duration) ([]UsageEvent, error)

	// Release clears the claim on events that were picked but not settled.
	Release(ctx context.Context, ids []snowflake.ID) error

	// MarkProcessed applies the rated figures. Returns false when the event
	// was already settled by someone else.
	MarkProcessed(ctx context.Context, update ProcessedUpdate) (bool, error)

	// MarkFailed records a failed attempt per FailureUpdate.
	MarkFailed(ctx context.Context, update FailureUpdate) error

	// AttachUser sets the user on a rated orphan without touching its
	// costs, and settles it. Returns false when the event moved already.
	AttachUser(ctx context.Context, id snowflake.ID, userID snowflake.ID, processedAt time.Time) (bool, error)

	// CountProcessedForUser counts settled events for a user in a usage
	// period, used as the volume input to discount selection.
	CountProcessedForUser(ctx context.Context, userID snowflake.ID, year int, month int) (int64, error)
}
