// Package domain contains persistence models for raw usage ingestion.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ProcessingState tracks where an event sits in the reconciliation pipeline.
type ProcessingState string

const (
	// StateUnprocessed covers both never-touched events and rated orphans
	// still waiting for user attribution.
	StateUnprocessed ProcessingState = "unprocessed"
	StateProcessed   ProcessingState = "processed"
	StateFailed      ProcessingState = "failed"
)

// Declared call statuses accepted at the ingest boundary.
const (
	CallStatusSuccess  = "success"
	CallStatusError    = "error"
	CallStatusTimeout  = "timeout"
	CallStatusRejected = "rejected"
)

// UsageEvent is one recorded API call. Tags arrive as free text and are
// resolved to user/model rows later by the reconciliation engine; the
// rated figures live on the event itself so invoicing is a pure sum.
type UsageEvent struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	IdempotencyKey *string      `gorm:"type:text;uniqueIndex"`

	RawModelTag    string `gorm:"type:text;not null"`
	RawCompanyTag  string `gorm:"type:text"`
	Endpoint       string `gorm:"type:text"`
	PredictedLabel string `gorm:"type:text"`
	CallStatus     string `gorm:"type:text;not null;default:success"`

	InputTokens    *int64
	OutputTokens   *int64
	TotalTokens    *int64
	TokenPriceTier string `gorm:"type:text"`
	LatencyMS      *int64

	ClientIP  string            `gorm:"type:text"`
	UserAgent string            `gorm:"type:text"`
	Metadata  datatypes.JSONMap `gorm:"type:jsonb"`

	// Attribution. Either side may stay NULL when resolution misses.
	UserID  *snowflake.ID `gorm:"index"`
	ModelID *snowflake.ID

	ProcessingState ProcessingState `gorm:"type:text;not null;default:unprocessed;index"`
	RetryCount      int             `gorm:"not null;default:0"`
	LastError       string          `gorm:"type:text"`
	ClaimedAt       *time.Time

	// ReviewRequested opts a failed event into the manual review sweep,
	// which retries under the raised ceiling.
	ReviewRequested bool `gorm:"not null;default:false"`

	// Rated figures. UsagePeriodYear doubles as the "already rated"
	// marker: attribution of an orphan must never re-rate.
	GrossCost        decimal.Decimal `gorm:"type:decimal(14,4);not null;default:0"`
	NetCost          decimal.Decimal `gorm:"type:decimal(14,4);not null;default:0"`
	DiscountFraction decimal.Decimal `gorm:"type:decimal(7,6);not null;default:0"`
	UsagePeriodYear  *int
	UsagePeriodMonth *int

	ReceivedAt  time.Time `gorm:"not null;index"`
	ProcessedAt *time.Time
	CreatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }

// Rated reports whether the event has already been priced.
func (e *UsageEvent) Rated() bool { return e.UsagePeriodYear != nil }

// Orphaned reports whether the event is rated but still lacks a user.
func (e *UsageEvent) Orphaned() bool {
	return e.ProcessingState == StateUnprocessed && e.Rated() && e.UserID == nil
}
