package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvoiceNotFound = errors.New("invoice_not_found")
	ErrInvalidPeriod   = errors.New("invalid_invoice_period")
	ErrAlreadyPaid     = errors.New("invoice_already_paid")
)

// RunSummary reports one aggregation pass over a usage period.
type RunSummary struct {
	Created int
	Skipped int
}

type Service interface {
	// GenerateForPeriod rolls up usage settled during the given calendar
	// month into invoices. Existing invoices for the period are left
	// untouched.
	GenerateForPeriod(ctx context.Context, year int, month int) (RunSummary, error)

	Get(ctx context.Context, id snowflake.ID) (*MonthlyInvoice, error)
	ListForUser(ctx context.Context, userID snowflake.ID) ([]MonthlyInvoice, error)
	MarkPaid(ctx context.Context, id snowflake.ID, paidAt time.Time) error
	RenderPDF(ctx context.Context, id snowflake.ID) ([]byte, error)
}
