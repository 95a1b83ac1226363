package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	clockpkg "github.com/smallbiznis/jupiter/internal/clock"
	"github.com/smallbiznis/jupiter/internal/config"
	invoicedomain "github.com/smallbiznis/jupiter/internal/invoice/domain"
	usagedomain "github.com/smallbiznis/jupiter/internal/usage/domain"
	userrepo "github.com/smallbiznis/jupiter/internal/user"
	userdomain "github.com/smallbiznis/jupiter/internal/user/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type invoiceFixture struct {
	svc   invoicedomain.Service
	db    *gorm.DB
	node  *snowflake.Node
	clock *clockpkg.FakeClock
}

func newInvoiceFixture(t *testing.T) *invoiceFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&invoicedomain.MonthlyInvoice{},
		&usagedomain.UsageEvent{},
		&userdomain.User{},
	))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clockpkg.NewFakeClock(time.Date(2026, 4, 1, 2, 0, 0, 0, time.UTC))

	svc := NewService(ServiceParam{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   fake,
		Billing: config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
		Users:   userrepo.ProvideDirectory(db),
	})
	return &invoiceFixture{svc: svc, db: db, node: node, clock: fake}
}

func (f *invoiceFixture) seedUser(t *testing.T, tag string, fee string) *userdomain.User {
	t.Helper()
	user := &userdomain.User{
		ID:                     f.node.Generate(),
		Email:                  tag + "@" + tag + ".com",
		OrganizationTag:        tag,
		MonthlySubscriptionFee: decimal.RequireFromString(fee),
		IsActive:               true,
	}
	require.NoError(t, f.db.Create(user).Error)
	return user
}

func (f *invoiceFixture) seedSettledEvent(t *testing.T, userID snowflake.ID, net string, year, month int) {
	t.Helper()
	// Settled mid-period: the invoice window runs on processed_at.
	processedAt := time.Date(year, time.Month(month), 15, 12, 0, 0, 0, time.UTC)
	tokens := int64(1000)
	require.NoError(t, f.db.Create(&usagedomain.UsageEvent{
		ID:               f.node.Generate(),
		RawModelTag:      "gpt-4",
		CallStatus:       usagedomain.CallStatusSuccess,
		UserID:           &userID,
		ProcessingState:  usagedomain.StateProcessed,
		NetCost:          decimal.RequireFromString(net),
		GrossCost:        decimal.RequireFromString(net),
		TotalTokens:      &tokens,
		UsagePeriodYear:  &year,
		UsagePeriodMonth: &month,
		ReceivedAt:       time.Date(year, time.Month(month), 10, 0, 0, 0, 0, time.UTC),
		ProcessedAt:      &processedAt,
	}).Error)
}

func TestGenerateForPeriodRollsUpPerUser(t *testing.T) {
	f := newInvoiceFixture(t)
	ctx := context.Background()

	acme := f.seedUser(t, "acmecorp", "20")
	globex := f.seedUser(t, "globex", "0")
	f.seedSettledEvent(t, acme.ID, "0.0027", 2026, 3)
	f.seedSettledEvent(t, acme.ID, "0.0100", 2026, 3)
	f.seedSettledEvent(t, globex.ID, "1.5000", 2026, 3)
	// Different period, must not leak in.
	f.seedSettledEvent(t, acme.ID, "9.9999", 2026, 2)

	summary, err := f.svc.GenerateForPeriod(ctx, 2026, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Created)
	assert.Equal(t, 0, summary.Skipped)

	invoices, err := f.svc.ListForUser(ctx, acme.ID)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	inv := invoices[0]
	assert.True(t, inv.UsageCost.Equal(decimal.RequireFromString("0.0127")), "usage=%s", inv.UsageCost)
	assert.True(t, inv.SubscriptionFee.Equal(decimal.RequireFromString("20")))
	assert.True(t, inv.TotalAmount.Equal(decimal.RequireFromString("20.0127")))
	assert.Equal(t, int64(2), inv.EventCount)
	assert.Equal(t, int64(2000), inv.TotalTokens)
	assert.Equal(t, invoicedomain.InvoiceStatusPending, inv.Status)
	assert.Equal(t, f.clock.Now().AddDate(0, 0, 7), inv.DueDate)
}

func TestGenerateForPeriodSkipsExisting(t *testing.T) {
	f := newInvoiceFixture(t)
	ctx := context.Background()

	acme := f.seedUser(t, "acmecorp", "20")
	f.seedSettledEvent(t, acme.ID, "0.5", 2026, 3)

	first, err := f.svc.GenerateForPeriod(ctx, 2026, 3)
	require.NoError(t, err)
	require.Equal(t, 1, first.Created)

	// Late-arriving usage after the first run does not rewrite the invoice.
	f.seedSettledEvent(t, acme.ID, "100", 2026, 3)

	second, err := f.svc.GenerateForPeriod(ctx, 2026, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 1, second.Skipped)

	invoices, err := f.svc.ListForUser(ctx, acme.ID)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.True(t, invoices[0].UsageCost.Equal(decimal.RequireFromString("0.5")))
}

func TestGenerateForPeriodIgnoresOrphans(t *testing.T) {
	f := newInvoiceFixture(t)
	ctx := context.Background()
	year, month := 2026, 3

	// Rated orphan: money recognized but no user, must never be invoiced.
	require.NoError(t, f.db.Create(&usagedomain.UsageEvent{
		ID:               f.node.Generate(),
		RawModelTag:      "gpt-4",
		RawCompanyTag:    "ghost-org",
		CallStatus:       usagedomain.CallStatusSuccess,
		ProcessingState:  usagedomain.StateUnprocessed,
		NetCost:          decimal.RequireFromString("5"),
		GrossCost:        decimal.RequireFromString("5"),
		UsagePeriodYear:  &year,
		UsagePeriodMonth: &month,
		ReceivedAt:       time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
	}).Error)

	summary, err := f.svc.GenerateForPeriod(ctx, 2026, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Created)
}

func TestGenerateForPeriodWindowsOnSettlementTime(t *testing.T) {
	f := newInvoiceFixture(t)
	ctx := context.Background()

	acme := f.seedUser(t, "acmecorp", "0")

	// Received in March but only settled in April: bills in April.
	year, month := 2026, 3
	processedAt := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	tokens := int64(500)
	require.NoError(t, f.db.Create(&usagedomain.UsageEvent{
		ID:               f.node.Generate(),
		RawModelTag:      "gpt-4",
		CallStatus:       usagedomain.CallStatusSuccess,
		UserID:           &acme.ID,
		ProcessingState:  usagedomain.StateProcessed,
		NetCost:          decimal.RequireFromString("0.25"),
		GrossCost:        decimal.RequireFromString("0.25"),
		TotalTokens:      &tokens,
		UsagePeriodYear:  &year,
		UsagePeriodMonth: &month,
		ReceivedAt:       time.Date(2026, 3, 31, 23, 0, 0, 0, time.UTC),
		ProcessedAt:      &processedAt,
	}).Error)

	march, err := f.svc.GenerateForPeriod(ctx, 2026, 3)
	require.NoError(t, err)
	require.Equal(t, 1, march.Created)

	invoices, err := f.svc.ListForUser(ctx, acme.ID)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	// The usage was not settled in March, so its invoice has none.
	assert.True(t, invoices[0].UsageCost.IsZero(), "march usage=%s", invoices[0].UsageCost)

	april, err := f.svc.GenerateForPeriod(ctx, 2026, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, april.Created)

	invoices, err = f.svc.ListForUser(ctx, acme.ID)
	require.NoError(t, err)
	require.Len(t, invoices, 2)
	// Most recent period first.
	assert.Equal(t, 4, invoices[0].PeriodMonth)
	assert.True(t, invoices[0].UsageCost.Equal(decimal.RequireFromString("0.25")))
	assert.Equal(t, int64(500), invoices[0].TotalTokens)
}

func TestGenerateForPeriodBillsIdleSubscribers(t *testing.T) {
	f := newInvoiceFixture(t)
	ctx := context.Background()

	acme := f.seedUser(t, "acmecorp", "49")

	summary, err := f.svc.GenerateForPeriod(ctx, 2026, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)

	invoices, err := f.svc.ListForUser(ctx, acme.ID)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	inv := invoices[0]
	assert.True(t, inv.UsageCost.IsZero())
	assert.True(t, inv.TotalAmount.Equal(decimal.RequireFromString("49")), "total=%s", inv.TotalAmount)
	assert.Equal(t, int64(0), inv.EventCount)
	assert.Equal(t, int64(0), inv.TotalTokens)
}

func TestGenerateForPeriodRejectsBadPeriod(t *testing.T) {
	f := newInvoiceFixture(t)
	_, err := f.svc.GenerateForPeriod(context.Background(), 2026, 13)
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidPeriod)
}

func TestMarkPaidIsTerminal(t *testing.T) {
	f := newInvoiceFixture(t)
	ctx := context.Background()

	acme := f.seedUser(t, "acmecorp", "20")
	f.seedSettledEvent(t, acme.ID, "0.5", 2026, 3)
	_, err := f.svc.GenerateForPeriod(ctx, 2026, 3)
	require.NoError(t, err)

	invoices, err := f.svc.ListForUser(ctx, acme.ID)
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	paidAt := f.clock.Now().Add(24 * time.Hour)
	require.NoError(t, f.svc.MarkPaid(ctx, invoices[0].ID, paidAt))

	err = f.svc.MarkPaid(ctx, invoices[0].ID, paidAt.Add(time.Hour))
	assert.ErrorIs(t, err, invoicedomain.ErrAlreadyPaid)

	stored, err := f.svc.Get(ctx, invoices[0].ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, stored.Status)
}

func TestRenderPDFProducesDocument(t *testing.T) {
	f := newInvoiceFixture(t)
	ctx := context.Background()

	acme := f.seedUser(t, "acmecorp", "20")
	f.seedSettledEvent(t, acme.ID, "0.5", 2026, 3)
	_, err := f.svc.GenerateForPeriod(ctx, 2026, 3)
	require.NoError(t, err)

	invoices, err := f.svc.ListForUser(ctx, acme.ID)
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	pdf, err := f.svc.RenderPDF(ctx, invoices[0].ID)
	require.NoError(t, err)
	assert.NotEmpty(t, pdf)
	assert.Equal(t, "%PDF", string(pdf[:4]))
}
