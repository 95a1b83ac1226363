// Package domain contains the read-only model directory projection used by
// the billing pipeline. The rows are owned by the model-catalog service;
// this core only reads them.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// PricingStrategy selects how a model's usage is priced.
type PricingStrategy string

const (
	PricingPerToken   PricingStrategy = "per_token"
	PricingPerRequest PricingStrategy = "per_request"
)

// ModelStatus is the lifecycle state of a served model.
type ModelStatus string

const (
	ModelStatusActive   ModelStatus = "active"
	ModelStatusInactive ModelStatus = "inactive"
)

// AIModel is the rated-model projection: identity plus pricing.
type AIModel struct {
	ID               snowflake.ID    `gorm:"primaryKey"`
	Name             string          `gorm:"type:text;not null"`
	Provider         string          `gorm:"type:text;not null"`
	ModelIdentifier  string          `gorm:"type:text;not null;uniqueIndex"`
	PricingStrategy  PricingStrategy `gorm:"type:text;not null;default:per_token"`
	InputPricePer1K  decimal.Decimal `gorm:"column:input_price_per_1k;type:decimal(12,6);not null;default:0"`
	OutputPricePer1K decimal.Decimal `gorm:"column:output_price_per_1k;type:decimal(12,6);not null;default:0"`
	PricePerRequest  decimal.Decimal `gorm:"type:decimal(12,6);not null;default:0"`
	Status           ModelStatus     `gorm:"type:text;not null;default:active"`
	IsPublic         bool            `gorm:"not null;default:true"`
	CreatedAt        time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AIModel) TableName() string { return "ai_models" }
