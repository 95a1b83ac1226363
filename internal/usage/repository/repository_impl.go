package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/jupiter/internal/usage/domain"
	"gorm.io/gorm"
)

const defaultClaimLimit = 100

type pipelineRepo struct {
	db *gorm.DB
}

func ProvidePipeline(db *gorm.DB) usagedomain.PipelineRepository {
	return &pipelineRepo{db: db}
}

// lockSuffix is empty on sqlite, which has no row locks and serializes
// writers anyway. Everything else gets SKIP LOCKED so concurrent sweepers
// divide the backlog instead of queueing on the same rows.
func (r *pipelineRepo) lockSuffix() string {
	if strings.EqualFold(r.db.Dialector.Name(), "sqlite") {
		return ""
	}
	return " FOR UPDATE SKIP LOCKED"
}

func (r *pipelineRepo) ClaimUnprocessed(ctx context.Context, limit int, now time.Time, staleAfter time.Duration) ([]usagedomain.UsageEvent, error) {
	return r.claim(ctx,
		`processing_state = ? AND usage_period_year IS NULL`,
		[]any{usagedomain.StateUnprocessed},
		limit, now, staleAfter,
	)
}

func (r *pipelineRepo) ClaimOrphans(ctx context.Context, limit int, now time.Time, staleAfter time.Duration) ([]usagedomain.UsageEvent, error) {
	return r.claim(ctx,
		`processing_state = ? AND usage_period_year IS NOT NULL AND user_id IS NULL`,
		[]any{usagedomain.StateUnprocessed},
		limit, now, staleAfter,
	)
}

func (r *pipelineRepo) ClaimFailed(ctx context.Context, limit int, reviewCeiling int, now time.Time, staleAfter time.Duration) ([]usagedomain.UsageEvent, error) {
	return r.claim(ctx,
		`processing_state = ? AND review_requested AND retry_count < ?`,
		[]any{usagedomain.StateFailed, reviewCeiling},
		limit, now, staleAfter,
	)
}

func (r *pipelineRepo) claim(ctx context.Context, predicate string, args []any, limit int, now time.Time, staleAfter time.Duration) ([]usagedomain.UsageEvent, error) {
	if limit <= 0 {
		limit = defaultClaimLimit
	}
	staleBefore := now.Add(-staleAfter)

	var claimed []usagedomain.UsageEvent
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []snowflake.ID
		query := `SELECT id FROM usage_events
			 WHERE ` + predicate + `
			   AND (claimed_at IS NULL OR claimed_at < ?)
			 ORDER BY received_at ASC, id ASC
			 LIMIT ?` + r.lockSuffix()
		queryArgs := append(append([]any{}, args...), staleBefore, limit)
		if err := tx.Raw(query, queryArgs...).Scan(&ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Model(&usagedomain.UsageEvent{}).
			Where("id IN ?", ids).
			Updates(map[string]any{"claimed_at": now, "updated_at": now}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).
			Order("received_at ASC, id ASC").
			Find(&claimed).Error
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *pipelineRepo) Release(ctx context.Context, ids []snowflake.ID) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&usagedomain.UsageEvent{}).
		Where("id IN ?", ids).
		Update("claimed_at", nil).Error
}

func (r *pipelineRepo) MarkProcessed(ctx context.Context, update usagedomain.ProcessedUpdate) (bool, error) {
	values := map[string]any{
		"user_id":            update.UserID,
		"model_id":           update.ModelID,
		"gross_cost":         update.GrossCost,
		"net_cost":           update.NetCost,
		"discount_fraction":  update.DiscountFraction,
		"usage_period_year":  update.PeriodYear,
		"usage_period_month": update.PeriodMonth,
		"processing_state":   update.State,
		"processed_at":       update.ProcessedAt,
		"last_error":         "",
		"claimed_at":         nil,
		"review_requested":   false,
	}
	result := r.db.WithContext(ctx).Model(&usagedomain.UsageEvent{}).
		Where("id = ? AND processing_state <> ?", update.ID, usagedomain.StateProcessed).
		Updates(values)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkFailed leaves the claim in place on purpose: the staleness window
// spaces retries across ticks instead of burning the whole ceiling in one
// sweep iteration.
func (r *pipelineRepo) MarkFailed(ctx context.Context, update usagedomain.FailureUpdate) error {
	if update.Fatal {
		return r.db.WithContext(ctx).Exec(
			`UPDATE usage_events
			 SET last_error = ?,
			     processing_state = ?,
			     updated_at = ?
			 WHERE id = ? AND processing_state <> ?`,
			update.Reason,
			usagedomain.StateFailed,
			update.Now,
			update.ID,
			usagedomain.StateProcessed,
		).Error
	}
	return r.db.WithContext(ctx).Exec(
		`UPDATE usage_events
		 SET retry_count = retry_count + 1,
		     last_error = ?,
		     processing_state = CASE WHEN retry_count + 1 >= ? THEN ? ELSE processing_state END,
		     updated_at = ?
		 WHERE id = ? AND processing_state <> ?`,
		update.Reason,
		update.Ceiling,
		usagedomain.StateFailed,
		update.Now,
		update.ID,
		usagedomain.StateProcessed,
	).Error
}

func (r *pipelineRepo) AttachUser(ctx context.Context, id snowflake.ID, userID snowflake.ID, processedAt time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&usagedomain.UsageEvent{}).
		Where("id = ? AND processing_state = ? AND user_id IS NULL AND usage_period_year IS NOT NULL",
			id, usagedomain.StateUnprocessed).
		Updates(map[string]any{
			"user_id":          userID,
			"processing_state": usagedomain.StateProcessed,
			"processed_at":     processedAt,
			"claimed_at":       nil,
			"updated_at":       processedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *pipelineRepo) CountProcessedForUser(ctx context.Context, userID snowflake.ID, year int, month int) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&usagedomain.UsageEvent{}).
		Where("user_id = ? AND processing_state = ? AND usage_period_year = ? AND usage_period_month = ?",
			userID, usagedomain.StateProcessed, year, month).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
