// Package domain contains the monthly invoice models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// InvoiceStatus is the payment lifecycle of a monthly invoice.
type InvoiceStatus string

const (
	InvoiceStatusPending InvoiceStatus = "pending"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusVoid    InvoiceStatus = "void"
)

// MonthlyInvoice is the roll-up of one user's settled usage for one
// calendar month. The (user, year, month) key makes re-runs idempotent.
type MonthlyInvoice struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	InvoiceNumber string       `gorm:"type:text;not null;uniqueIndex"`

	UserID      snowflake.ID `gorm:"not null;uniqueIndex:idx_invoice_user_period,priority:1"`
	PeriodYear  int          `gorm:"not null;uniqueIndex:idx_invoice_user_period,priority:2"`
	PeriodMonth int          `gorm:"not null;uniqueIndex:idx_invoice_user_period,priority:3"`

	UsageCost       decimal.Decimal `gorm:"type:decimal(14,4);not null;default:0"`
	SubscriptionFee decimal.Decimal `gorm:"type:decimal(14,4);not null;default:0"`
	TotalAmount     decimal.Decimal `gorm:"type:decimal(14,4);not null;default:0"`
	EventCount      int64           `gorm:"not null;default:0"`
	TotalTokens     int64           `gorm:"not null;default:0"`

	Status   InvoiceStatus `gorm:"type:text;not null;default:pending"`
	IssuedAt time.Time     `gorm:"not null"`
	DueDate  time.Time     `gorm:"not null"`
	PaidAt   *time.Time

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (MonthlyInvoice) TableName() string { return "monthly_invoices" }
