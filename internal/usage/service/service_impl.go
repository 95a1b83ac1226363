package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/jupiter/internal/clock"
	obsmetrics "github.com/smallbiznis/jupiter/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/jupiter/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Metrics *obsmetrics.PipelineMetrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	metrics *obsmetrics.PipelineMetrics
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("usage.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		metrics: p.Metrics,
	}
}

func (s *Service) Ingest(ctx context.Context, req usagedomain.CreateIngestRequest) (usagedomain.IngestResult, error) {
	if err := validateIngestRequest(&req); err != nil {
		return usagedomain.IngestResult{}, err
	}

	idempotencyKey := strings.TrimSpace(req.IdempotencyKey)

	// Strict idempotency: check presence BEFORE building the record so a
	// retry returns the accepted event exactly as stored.
	if idempotencyKey != "" {
		existing, err := s.findByIdempotencyKey(ctx, idempotencyKey)
		if err != nil {
			return usagedomain.IngestResult{}, err
		}
		if existing != nil {
			return usagedomain.IngestResult{Event: existing, Deduplicated: true}, nil
		}
	}

	now := s.clock.Now()
	receivedAt := req.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}

	record := &usagedomain.UsageEvent{
		ID:              s.genID.Generate(),
		RawModelTag:     req.ModelTag,
		RawCompanyTag:   req.CompanyTag,
		Endpoint:        strings.TrimSpace(req.Endpoint),
		PredictedLabel:  strings.TrimSpace(req.PredictedLabel),
		CallStatus:      req.CallStatus,
		InputTokens:     req.InputTokens,
		OutputTokens:    req.OutputTokens,
		TotalTokens:     req.TotalTokens,
		TokenPriceTier:  req.TokenPriceTier,
		LatencyMS:       req.LatencyMS,
		ClientIP:        req.ClientIP,
		UserAgent:       req.UserAgent,
		ProcessingState: usagedomain.StateUnprocessed,
		ReceivedAt:      receivedAt.UTC(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if idempotencyKey != "" {
		record.IdempotencyKey = &idempotencyKey
	}
	if req.Metadata != nil {
		record.Metadata = datatypes.JSONMap(req.Metadata)
	}

	inserted, err := s.insert(ctx, record, idempotencyKey)
	if err != nil {
		return usagedomain.IngestResult{}, err
	}

	// Conflict on a concurrent retry → fetch the winner.
	if !inserted && idempotencyKey != "" {
		existing, err := s.findByIdempotencyKey(ctx, idempotencyKey)
		if err != nil {
			return usagedomain.IngestResult{}, err
		}
		if existing != nil {
			return usagedomain.IngestResult{Event: existing, Deduplicated: true}, nil
		}
		return usagedomain.IngestResult{}, errors.New("idempotency_conflict_without_row")
	}

	if s.metrics != nil {
		s.metrics.IncIngested("api")
	}

	return usagedomain.IngestResult{Event: record}, nil
}

func (s *Service) IngestBatch(ctx context.Context, reqs []usagedomain.CreateIngestRequest) (usagedomain.BatchResult, error) {
	if len(reqs) == 0 {
		return usagedomain.BatchResult{}, usagedomain.ErrEmptyBatch
	}
	if len(reqs) > usagedomain.MaxBatchSize {
		return usagedomain.BatchResult{}, usagedomain.ErrBatchTooLarge
	}

	result := usagedomain.BatchResult{Items: make([]usagedomain.BatchItemResult, 0, len(reqs))}
	for i, req := range reqs {
		item := usagedomain.BatchItemResult{Index: i}
		out, err := s.Ingest(ctx, req)
		if err != nil {
			item.Error = err.Error()
			result.Rejected++
		} else {
			id := out.Event.ID
			item.EventID = &id
			item.Deduplicated = out.Deduplicated
			result.Accepted++
		}
		result.Items = append(result.Items, item)
	}
	return result, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*usagedomain.UsageEvent, error) {
	var record usagedomain.UsageEvent
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, usagedomain.ErrEventNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (s *Service) RecentForCompany(ctx context.Context, companyTag string, limit int) ([]usagedomain.UsageEvent, error) {
	tag := strings.ToLower(strings.TrimSpace(companyTag))
	if tag == "" {
		return nil, usagedomain.ErrEventNotFound
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var records []usagedomain.UsageEvent
	err := s.db.WithContext(ctx).
		Where("LOWER(raw_company_tag) = ?", tag).
		Order("received_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// RequestReview opts a failed event into the review sweep. The flag also
// releases any stale claim so the next tick can pick the event up straight
// away.
func (s *Service) RequestReview(ctx context.Context, id snowflake.ID) (*usagedomain.UsageEvent, error) {
	event, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if event.ProcessingState != usagedomain.StateFailed {
		return nil, usagedomain.ErrEventNotFailed
	}

	now := s.clock.Now()
	err = s.db.WithContext(ctx).Model(&usagedomain.UsageEvent{}).
		Where("id = ? AND processing_state = ?", id, usagedomain.StateFailed).
		Updates(map[string]any{
			"review_requested": true,
			"claimed_at":       nil,
			"updated_at":       now,
		}).Error
	if err != nil {
		return nil, err
	}

	s.log.Info("review requested",
		zap.String("event_id", id.String()),
		zap.Int("retry_count", event.RetryCount),
		zap.String("last_error", event.LastError),
	)
	return s.Get(ctx, id)
}

func (s *Service) insert(ctx context.Context, record *usagedomain.UsageEvent, idempotencyKey string) (bool, error) {
	db := s.db.WithContext(ctx)
	if idempotencyKey != "" {
		db = db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		})
	}
	result := db.Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) findByIdempotencyKey(ctx context.Context, key string) (*usagedomain.UsageEvent, error) {
	var record usagedomain.UsageEvent
	err := s.db.WithContext(ctx).
		Where("idempotency_key = ?", key).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func validateIngestRequest(req *usagedomain.CreateIngestRequest) error {
	req.ModelTag = strings.TrimSpace(req.ModelTag)
	if req.ModelTag == "" {
		return usagedomain.ErrInvalidModelTag
	}
	req.CompanyTag = strings.TrimSpace(req.CompanyTag)

	req.CallStatus = strings.ToLower(strings.TrimSpace(req.CallStatus))
	if req.CallStatus == "" {
		req.CallStatus = usagedomain.CallStatusSuccess
	}
	switch req.CallStatus {
	case usagedomain.CallStatusSuccess, usagedomain.CallStatusError,
		usagedomain.CallStatusTimeout, usagedomain.CallStatusRejected:
	default:
		return usagedomain.ErrInvalidCallStatus
	}

	for _, count := range []*int64{req.InputTokens, req.OutputTokens, req.TotalTokens} {
		if count != nil && *count < 0 {
			return usagedomain.ErrInvalidTokens
		}
	}

	req.TokenPriceTier = strings.ToLower(strings.TrimSpace(req.TokenPriceTier))
	switch req.TokenPriceTier {
	case "", "input", "output":
	default:
		return usagedomain.ErrInvalidTokenTier
	}

	return nil
}
