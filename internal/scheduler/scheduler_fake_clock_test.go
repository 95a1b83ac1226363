package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	clockpkg "github.com/smallbiznis/jupiter/internal/clock"
	"github.com/smallbiznis/jupiter/internal/config"
	discountrepo "github.com/smallbiznis/jupiter/internal/discount"
	discountdomain "github.com/smallbiznis/jupiter/internal/discount/domain"
	invoicedomain "github.com/smallbiznis/jupiter/internal/invoice/domain"
	invoicesvc "github.com/smallbiznis/jupiter/internal/invoice/service"
	modelrepo "github.com/smallbiznis/jupiter/internal/model"
	modeldomain "github.com/smallbiznis/jupiter/internal/model/domain"
	obsmetrics "github.com/smallbiznis/jupiter/internal/observability/metrics"
	"github.com/smallbiznis/jupiter/internal/reconcile"
	resolversvc "github.com/smallbiznis/jupiter/internal/resolver/service"
	usagedomain "github.com/smallbiznis/jupiter/internal/usage/domain"
	usagerepo "github.com/smallbiznis/jupiter/internal/usage/repository"
	userrepo "github.com/smallbiznis/jupiter/internal/user"
	userdomain "github.com/smallbiznis/jupiter/internal/user/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type sweepFixture struct {
	sched *Scheduler
	db    *gorm.DB
	node  *snowflake.Node
	clock *clockpkg.FakeClock
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()

	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	t.Cleanup(restore)
	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.ResetPipelineMetricsForTest()
	t.Cleanup(obsmetrics.ResetPipelineMetricsForTest)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&usagedomain.UsageEvent{},
		&userdomain.User{},
		&modeldomain.AIModel{},
		&discountdomain.DiscountRule{},
		&invoicedomain.MonthlyInvoice{},
	))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clockpkg.NewFakeClock(time.Date(2026, 3, 31, 10, 0, 0, 0, time.UTC))
	billing := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())
	pipeline := usagerepo.ProvidePipeline(db)

	resolver := resolversvc.NewService(resolversvc.ServiceParam{
		Log:    zap.NewNop(),
		Users:  userrepo.ProvideDirectory(db),
		Models: modelrepo.ProvideDirectory(db),
	})
	engine := reconcile.NewEngine(reconcile.EngineParam{
		Log:      zap.NewNop(),
		Clock:    fake,
		Resolver: resolver,
		Rules:    discountrepo.ProvideStore(db),
		Pipeline: pipeline,
	})
	invSvc := invoicesvc.NewService(invoicesvc.ServiceParam{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   fake,
		Billing: billing,
		Users:   userrepo.ProvideDirectory(db),
	})

	sched, err := New(Params{
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      fake,
		Engine:     engine,
		Pipeline:   pipeline,
		InvoiceSvc: invSvc,
		Billing:    billing,
	})
	require.NoError(t, err)
	return &sweepFixture{sched: sched, db: db, node: node, clock: fake}
}

func (f *sweepFixture) seedDirectory(t *testing.T) *userdomain.User {
	t.Helper()
	user := &userdomain.User{
		ID:                     f.node.Generate(),
		Email:                  "ops@acmecorp.com",
		OrganizationTag:        "acmecorp",
		MonthlySubscriptionFee: decimal.RequireFromString("20"),
		IsActive:               true,
	}
	require.NoError(t, f.db.Create(user).Error)
	require.NoError(t, f.db.Create(&modeldomain.AIModel{
		ID:               f.node.Generate(),
		Name:             "Email Classifier",
		Provider:         "internal",
		ModelIdentifier:  "email_classifier",
		PricingStrategy:  modeldomain.PricingPerToken,
		InputPricePer1K:  decimal.RequireFromString("0.002"),
		OutputPricePer1K: decimal.RequireFromString("0.004"),
		Status:           modeldomain.ModelStatusActive,
	}).Error)
	return user
}

func (f *sweepFixture) seedEvent(t *testing.T, receivedAt time.Time, mutate func(*usagedomain.UsageEvent)) *usagedomain.UsageEvent {
	t.Helper()
	in, out := int64(1000), int64(250)
	event := &usagedomain.UsageEvent{
		ID:              f.node.Generate(),
		RawModelTag:     "acmecorp_email_classifier",
		RawCompanyTag:   "acmecorp",
		CallStatus:      usagedomain.CallStatusSuccess,
		InputTokens:     &in,
		OutputTokens:    &out,
		ProcessingState: usagedomain.StateUnprocessed,
		ReceivedAt:      receivedAt,
		CreatedAt:       receivedAt,
		UpdatedAt:       receivedAt,
	}
	if mutate != nil {
		mutate(event)
	}
	require.NoError(t, f.db.Create(event).Error)
	return event
}

func TestRunOnceSettlesBacklogAndInvoicesPreviousMonth(t *testing.T) {
	f := newSweepFixture(t)
	user := f.seedDirectory(t)
	march := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	f.seedEvent(t, march, nil)
	f.seedEvent(t, march.Add(time.Hour), nil)
	orphan := f.seedEvent(t, march.Add(2*time.Hour), func(e *usagedomain.UsageEvent) {
		e.RawCompanyTag = "ghost-org"
	})

	// First tick, still inside March: the reconcile sweep settles the two
	// known events and rates the orphan. The invoice job targets February,
	// where the subscriber had no usage but still owes the flat fee.
	require.NoError(t, f.sched.RunOnce(context.Background()))

	var settled int64
	require.NoError(t, f.db.Model(&usagedomain.UsageEvent{}).
		Where("processing_state = ?", usagedomain.StateProcessed).
		Count(&settled).Error)
	assert.Equal(t, int64(2), settled)

	var storedOrphan usagedomain.UsageEvent
	require.NoError(t, f.db.First(&storedOrphan, "id = ?", orphan.ID).Error)
	assert.Equal(t, usagedomain.StateUnprocessed, storedOrphan.ProcessingState)
	assert.True(t, storedOrphan.Rated())

	var invoices []invoicedomain.MonthlyInvoice
	require.NoError(t, f.db.Find(&invoices).Error)
	require.Len(t, invoices, 1)
	assert.Equal(t, 2, invoices[0].PeriodMonth)
	assert.True(t, invoices[0].TotalAmount.Equal(decimal.RequireFromString("20")), "feb total=%s", invoices[0].TotalAmount)
	assert.Equal(t, int64(0), invoices[0].EventCount)

	// Crossing into April, the next tick rolls March into invoices. The
	// orphan money must not appear on any invoice.
	f.clock.Advance(24 * time.Hour)
	require.NoError(t, f.sched.RunOnce(context.Background()))

	require.NoError(t, f.db.Find(&invoices).Error)
	require.Len(t, invoices, 2)
	var marchInvoice *invoicedomain.MonthlyInvoice
	for i := range invoices {
		if invoices[i].PeriodMonth == 3 {
			marchInvoice = &invoices[i]
		}
	}
	require.NotNil(t, marchInvoice)
	assert.Equal(t, user.ID, marchInvoice.UserID)
	assert.Equal(t, 2026, marchInvoice.PeriodYear)
	// 2 x 0.003 usage + 20 subscription.
	assert.True(t, marchInvoice.TotalAmount.Equal(decimal.RequireFromString("20.006")), "total=%s", marchInvoice.TotalAmount)
	assert.Equal(t, int64(2), marchInvoice.EventCount)
	// 1000 in + 250 out per event.
	assert.Equal(t, int64(2500), marchInvoice.TotalTokens)
}

func TestRunOnceAttributesOrphanOnLaterTick(t *testing.T) {
	f := newSweepFixture(t)
	march := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	// Model known, user unknown: first tick rates the event as an orphan.
	require.NoError(t, f.db.Create(&modeldomain.AIModel{
		ID:               f.node.Generate(),
		Name:             "Email Classifier",
		Provider:         "internal",
		ModelIdentifier:  "email_classifier",
		PricingStrategy:  modeldomain.PricingPerToken,
		InputPricePer1K:  decimal.RequireFromString("0.002"),
		OutputPricePer1K: decimal.RequireFromString("0.004"),
		Status:           modeldomain.ModelStatusActive,
	}).Error)
	event := f.seedEvent(t, march, nil)

	ctx := context.Background()
	require.NoError(t, f.sched.RunOnce(ctx))

	var stored usagedomain.UsageEvent
	require.NoError(t, f.db.First(&stored, "id = ?", event.ID).Error)
	require.Equal(t, usagedomain.StateUnprocessed, stored.ProcessingState)
	require.True(t, stored.Rated())

	// The user appears; the next tick (after the claim staleness window)
	// attaches them without re-rating.
	require.NoError(t, f.db.Create(&userdomain.User{
		ID:              f.node.Generate(),
		Email:           "ops@acmecorp.com",
		OrganizationTag: "acmecorp",
		IsActive:        true,
	}).Error)
	f.clock.Advance(time.Hour)

	require.NoError(t, f.sched.RunOnce(ctx))

	require.NoError(t, f.db.First(&stored, "id = ?", event.ID).Error)
	assert.Equal(t, usagedomain.StateProcessed, stored.ProcessingState)
	require.NotNil(t, stored.UserID)
	assert.True(t, stored.GrossCost.Equal(decimal.RequireFromString("0.003")))
}

func TestRunOnceMovesExhaustedEventsToFailed(t *testing.T) {
	f := newSweepFixture(t)
	f.seedDirectory(t)
	march := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	event := f.seedEvent(t, march, func(e *usagedomain.UsageEvent) {
		e.RawModelTag = "no-such-model"
	})

	ctx := context.Background()
	// Claims go stale between ticks so the sweep can retry the event;
	// RetryCeiling is 5, so five ticks exhaust it.
	for i := 0; i < 5; i++ {
		require.NoError(t, f.sched.RunOnce(ctx))
		f.clock.Advance(time.Hour)
	}

	var stored usagedomain.UsageEvent
	require.NoError(t, f.db.First(&stored, "id = ?", event.ID).Error)
	assert.Equal(t, usagedomain.StateFailed, stored.ProcessingState)
	assert.Equal(t, 5, stored.RetryCount)
	assert.Equal(t, reconcile.ReasonModelNotResolved, stored.LastError)
}
