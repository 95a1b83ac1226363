// Package domain contains discount rule storage models. Rules are managed by
// the admin surface; the pipeline reads them and records the applied fraction
// on each event, so deactivating a rule never rewrites history.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// DiscountRule is a priority-ordered, time-bounded discount. Nil UserID or
// ModelID means the rule is global on that axis. Nil MaxUsageCount means the
// usage window is unbounded above.
type DiscountRule struct {
	ID                 snowflake.ID    `gorm:"primaryKey"`
	Name               string          `gorm:"type:text;not null"`
	Priority           int             `gorm:"not null;default:100"`
	UserID             *snowflake.ID   `gorm:"index"`
	ModelID            *snowflake.ID   `gorm:"index"`
	MinUsageCount      int64           `gorm:"not null;default:0"`
	MaxUsageCount      *int64          `gorm:""`
	DiscountPercentage decimal.Decimal `gorm:"type:decimal(5,2);not null"`
	ValidFrom          *time.Time      `gorm:""`
	ValidUntil         *time.Time      `gorm:""`
	IsActive           bool            `gorm:"not null;default:true"`
	CreatedAt          time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (DiscountRule) TableName() string { return "discount_rules" }

// Fraction converts the stored percentage to a 0..1 multiplier.
func (r DiscountRule) Fraction() decimal.Decimal {
	return r.DiscountPercentage.Div(decimal.NewFromInt(100))
}
