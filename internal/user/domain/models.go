// Package domain contains the read-only user directory projection. Account
// management lives in the external user service; the pipeline only needs
// identity, the organization tag, and the flat subscription fee.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type User struct {
	ID                     snowflake.ID    `gorm:"primaryKey"`
	Email                  string          `gorm:"type:text;not null;uniqueIndex"`
	OrganizationTag        string          `gorm:"type:text;not null;index"`
	MonthlySubscriptionFee decimal.Decimal `gorm:"type:decimal(12,4);not null;default:0"`
	IsActive               bool            `gorm:"not null;default:true"`
	CreatedAt              time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt              time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (User) TableName() string { return "users" }
