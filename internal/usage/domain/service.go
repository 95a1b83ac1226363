package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidModelTag   = errors.New("invalid_model_tag")
	ErrInvalidCallStatus = errors.New("invalid_call_status")
	ErrInvalidTokens     = errors.New("invalid_token_counts")
	ErrInvalidTokenTier  = errors.New("invalid_token_price_tier")
	ErrEventNotFound     = errors.New("usage_event_not_found")
	ErrEventNotFailed    = errors.New("usage_event_not_failed")
	ErrEmptyBatch        = errors.New("empty_batch")
	ErrBatchTooLarge     = errors.New("batch_too_large")
)

// MaxBatchSize bounds a single batch ingest request.
const MaxBatchSize = 500

// CreateIngestRequest is the payload accepted at the ingest boundary.
// Tags are recorded verbatim; no resolution happens on the ingest path.
type CreateIngestRequest struct {
	ModelTag       string         `json:"model_tag"`
	CompanyTag     string         `json:"company_tag"`
	Endpoint       string         `json:"endpoint"`
	PredictedLabel string         `json:"predicted_label"`
	CallStatus     string         `json:"call_status"`
	InputTokens    *int64         `json:"input_tokens"`
	OutputTokens   *int64         `json:"output_tokens"`
	TotalTokens    *int64         `json:"total_tokens"`
	TokenPriceTier string         `json:"token_price_tier"`
	LatencyMS      *int64         `json:"latency_ms"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
	ReceivedAt     time.Time      `json:"received_at"`

	// Captured from the transport, never from the payload.
	ClientIP  string `json:"-"`
	UserAgent string `json:"-"`
}

// BatchItemResult reports the outcome of one event inside a batch.
type BatchItemResult struct {
	Index        int           `json:"index"`
	EventID      *snowflake.ID `json:"event_id,omitempty"`
	Deduplicated bool          `json:"deduplicated,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// BatchResult summarizes a batch ingest.
type BatchResult struct {
	Accepted int               `json:"accepted"`
	Rejected int               `json:"rejected"`
	Items    []BatchItemResult `json:"items"`
}

// IngestResult pairs the stored event with its dedupe outcome.
type IngestResult struct {
	Event        *UsageEvent
	Deduplicated bool
}

// Service is the ingest-side API surface.
type Service interface {
	Ingest(ctx context.Context, req CreateIngestRequest) (IngestResult, error)
	IngestBatch(ctx context.Context, reqs []CreateIngestRequest) (BatchResult, error)
	Get(ctx context.Context, id snowflake.ID) (*UsageEvent, error)
	RecentForCompany(ctx context.Context, companyTag string, limit int) ([]UsageEvent, error)

	// RequestReview flags a failed event for the raised-ceiling review sweep.
	RequestReview(ctx context.Context, id snowflake.ID) (*UsageEvent, error)
}
