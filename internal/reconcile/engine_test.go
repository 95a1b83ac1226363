package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	clockpkg "github.com/smallbiznis/jupiter/internal/clock"
	discountrepo "github.com/smallbiznis/jupiter/internal/discount"
	discountdomain "github.com/smallbiznis/jupiter/internal/discount/domain"
	modelrepo "github.com/smallbiznis/jupiter/internal/model"
	modeldomain "github.com/smallbiznis/jupiter/internal/model/domain"
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

type engineFixture struct {
	engine *Engine
	db     *gorm.DB
	node   *snowflake.Node
	clock  *clockpkg.FakeClock
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&usagedomain.UsageEvent{},
		&userdomain.User{},
		&modeldomain.AIModel{},
		&discountdomain.DiscountRule{},
	))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clockpkg.NewFakeClock(time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC))

	resolver := resolversvc.NewService(resolversvc.ServiceParam{
		Log:    zap.NewNop(),
		Users:  userrepo.ProvideDirectory(db),
		Models: modelrepo.ProvideDirectory(db),
	})
	engine := NewEngine(EngineParam{
		Log:      zap.NewNop(),
		Clock:    fake,
		Resolver: resolver,
		Rules:    discountrepo.ProvideStore(db),
		Pipeline: usagerepo.ProvidePipeline(db),
	})
	return &engineFixture{engine: engine, db: db, node: node, clock: fake}
}

func (f *engineFixture) seedAcme(t *testing.T) (*userdomain.User, *modeldomain.AIModel) {
	t.Helper()
	user := &userdomain.User{
		ID:              f.node.Generate(),
		Email:           "ops@acmecorp.com",
		OrganizationTag: "acmecorp",
		IsActive:        true,
	}
	require.NoError(t, f.db.Create(user).Error)
	model := &modeldomain.AIModel{
		ID:               f.node.Generate(),
		Name:             "Email Classifier",
		Provider:         "internal",
		ModelIdentifier:  "email_classifier",
		PricingStrategy:  modeldomain.PricingPerToken,
		InputPricePer1K:  decimal.RequireFromString("0.002"),
		OutputPricePer1K: decimal.RequireFromString("0.004"),
		Status:           modeldomain.ModelStatusActive,
	}
	require.NoError(t, f.db.Create(model).Error)
	return user, model
}

func (f *engineFixture) seedEvent(t *testing.T, mutate func(*usagedomain.UsageEvent)) *usagedomain.UsageEvent {
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
		ReceivedAt:      f.clock.Now(),
		CreatedAt:       f.clock.Now(),
		UpdatedAt:       f.clock.Now(),
	}
	if mutate != nil {
		mutate(event)
	}
	require.NoError(t, f.db.Create(event).Error)
	return event
}

func (f *engineFixture) reload(t *testing.T, id snowflake.ID) *usagedomain.UsageEvent {
	t.Helper()
	var stored usagedomain.UsageEvent
	require.NoError(t, f.db.First(&stored, "id = ?", id).Error)
	return &stored
}

func TestProcessEventSettlesWithPrefixStrip(t *testing.T) {
	f := newEngineFixture(t)
	user, model := f.seedAcme(t)
	event := f.seedEvent(t, nil)

	outcome, err := f.engine.ProcessEvent(context.Background(), event, 5)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	stored := f.reload(t, event.ID)
	assert.Equal(t, usagedomain.StateProcessed, stored.ProcessingState)
	require.NotNil(t, stored.UserID)
	assert.Equal(t, user.ID, *stored.UserID)
	require.NotNil(t, stored.ModelID)
	assert.Equal(t, model.ID, *stored.ModelID)
	assert.True(t, stored.GrossCost.Equal(decimal.RequireFromString("0.003")), "gross=%s", stored.GrossCost)
	assert.True(t, stored.NetCost.Equal(decimal.RequireFromString("0.003")))
	require.NotNil(t, stored.UsagePeriodYear)
	assert.Equal(t, 2026, *stored.UsagePeriodYear)
	require.NotNil(t, stored.UsagePeriodMonth)
	assert.Equal(t, 3, *stored.UsagePeriodMonth)
}

func TestProcessEventAppliesUserDiscount(t *testing.T) {
	f := newEngineFixture(t)
	user, _ := f.seedAcme(t)
	require.NoError(t, f.db.Create(&discountdomain.DiscountRule{
		ID:                 f.node.Generate(),
		Name:               "acme loyalty",
		Priority:           10,
		UserID:             &user.ID,
		DiscountPercentage: decimal.RequireFromString("10"),
		IsActive:           true,
	}).Error)
	event := f.seedEvent(t, nil)

	outcome, err := f.engine.ProcessEvent(context.Background(), event, 5)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	stored := f.reload(t, event.ID)
	assert.True(t, stored.GrossCost.Equal(decimal.RequireFromString("0.003")))
	assert.True(t, stored.NetCost.Equal(decimal.RequireFromString("0.0027")), "net=%s", stored.NetCost)
	assert.True(t, stored.DiscountFraction.Equal(decimal.RequireFromString("0.1")))
}

func TestProcessEventModelMissRetriesThenFails(t *testing.T) {
	f := newEngineFixture(t)
	f.seedAcme(t)
	event := f.seedEvent(t, func(e *usagedomain.UsageEvent) {
		e.RawModelTag = "totally-unknown-model"
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		outcome, err := f.engine.ProcessEvent(ctx, event, 2)
		require.NoError(t, err)
		assert.Equal(t, OutcomeFailed, outcome)
	}

	stored := f.reload(t, event.ID)
	assert.Equal(t, usagedomain.StateFailed, stored.ProcessingState)
	assert.Equal(t, 2, stored.RetryCount)
	assert.Equal(t, ReasonModelNotResolved, stored.LastError)
}

func TestProcessEventOrphanRatedButUnsettled(t *testing.T) {
	f := newEngineFixture(t)
	_, _ = f.seedAcme(t)
	event := f.seedEvent(t, func(e *usagedomain.UsageEvent) {
		e.RawCompanyTag = "nobody-we-know"
	})

	outcome, err := f.engine.ProcessEvent(context.Background(), event, 5)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOrphaned, outcome)

	stored := f.reload(t, event.ID)
	assert.Equal(t, usagedomain.StateUnprocessed, stored.ProcessingState)
	assert.Nil(t, stored.UserID)
	assert.True(t, stored.GrossCost.Equal(decimal.RequireFromString("0.003")))
	assert.True(t, stored.Rated())
	assert.Nil(t, stored.ProcessedAt)
}

func TestProcessEventAmbiguousTokensFailImmediately(t *testing.T) {
	f := newEngineFixture(t)
	f.seedAcme(t)
	total := int64(500)
	event := f.seedEvent(t, func(e *usagedomain.UsageEvent) {
		e.InputTokens = nil
		e.OutputTokens = nil
		e.TotalTokens = &total
	})

	outcome, err := f.engine.ProcessEvent(context.Background(), event, 5)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	stored := f.reload(t, event.ID)
	assert.Equal(t, usagedomain.StateFailed, stored.ProcessingState)
	assert.Equal(t, ReasonAmbiguousTokens, stored.LastError)
	// Retrying cannot fix a configuration bug; the budget stays intact
	// for the review sweep.
	assert.Equal(t, 0, stored.RetryCount)
}

func TestProcessEventIdempotentOnSettled(t *testing.T) {
	f := newEngineFixture(t)
	f.seedAcme(t)
	event := f.seedEvent(t, nil)

	ctx := context.Background()
	outcome, err := f.engine.ProcessEvent(ctx, event, 5)
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, outcome)

	settled := f.reload(t, event.ID)
	outcome, err = f.engine.ProcessEvent(ctx, settled, 5)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	again := f.reload(t, event.ID)
	assert.Equal(t, settled.UpdatedAt, again.UpdatedAt)
	assert.True(t, settled.NetCost.Equal(again.NetCost))
}

func TestAttributeOrphanReusesStoredFigures(t *testing.T) {
	f := newEngineFixture(t)
	event := f.seedEvent(t, func(e *usagedomain.UsageEvent) {
		e.RawCompanyTag = "acmecorp"
	})

	ctx := context.Background()
	// No directory rows yet: the event becomes a rated orphan... except the
	// model is unknown too, so seed the model alone first.
	model := &modeldomain.AIModel{
		ID:               f.node.Generate(),
		Name:             "Email Classifier",
		Provider:         "internal",
		ModelIdentifier:  "email_classifier",
		PricingStrategy:  modeldomain.PricingPerToken,
		InputPricePer1K:  decimal.RequireFromString("0.002"),
		OutputPricePer1K: decimal.RequireFromString("0.004"),
		Status:           modeldomain.ModelStatusActive,
	}
	require.NoError(t, f.db.Create(model).Error)

	outcome, err := f.engine.ProcessEvent(ctx, event, 5)
	require.NoError(t, err)
	require.Equal(t, OutcomeOrphaned, outcome)
	rated := f.reload(t, event.ID)

	// The user signs up later; pricing changes at the same time.
	user := &userdomain.User{
		ID:              f.node.Generate(),
		Email:           "ops@acmecorp.com",
		OrganizationTag: "acmecorp",
		IsActive:        true,
	}
	require.NoError(t, f.db.Create(user).Error)
	require.NoError(t, f.db.Model(model).
		Update("input_price_per_1k", decimal.RequireFromString("99")).Error)

	outcome, err = f.engine.AttributeOrphan(ctx, rated)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	stored := f.reload(t, event.ID)
	assert.Equal(t, usagedomain.StateProcessed, stored.ProcessingState)
	require.NotNil(t, stored.UserID)
	assert.Equal(t, user.ID, *stored.UserID)
	// Figures from the first rating stand.
	assert.True(t, stored.GrossCost.Equal(rated.GrossCost))
	assert.True(t, stored.NetCost.Equal(rated.NetCost))
}

func TestAttributeOrphanSkipsWhenStillUnknown(t *testing.T) {
	f := newEngineFixture(t)
	year, month := 2026, 3
	event := f.seedEvent(t, func(e *usagedomain.UsageEvent) {
		e.RawCompanyTag = "ghost-org"
		e.UsagePeriodYear = &year
		e.UsagePeriodMonth = &month
	})

	outcome, err := f.engine.AttributeOrphan(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	stored := f.reload(t, event.ID)
	assert.Nil(t, stored.UserID)
	assert.Equal(t, usagedomain.StateUnprocessed, stored.ProcessingState)
}

func TestProcessEventMinUsageDiscountExcludesSelf(t *testing.T) {
	f := newEngineFixture(t)
	user, _ := f.seedAcme(t)
	require.NoError(t, f.db.Create(&discountdomain.DiscountRule{
		ID:                 f.node.Generate(),
		Name:               "volume tier",
		Priority:           10,
		UserID:             &user.ID,
		MinUsageCount:      1,
		DiscountPercentage: decimal.RequireFromString("50"),
		IsActive:           true,
	}).Error)

	ctx := context.Background()

	// First event: zero prior settled usage, rule does not apply.
	first := f.seedEvent(t, nil)
	outcome, err := f.engine.ProcessEvent(ctx, first, 5)
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, outcome)
	assert.True(t, f.reload(t, first.ID).NetCost.Equal(decimal.RequireFromString("0.003")))

	// Second event: one settled event on record, rule kicks in.
	second := f.seedEvent(t, nil)
	outcome, err = f.engine.ProcessEvent(ctx, second, 5)
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, outcome)
	assert.True(t, f.reload(t, second.ID).NetCost.Equal(decimal.RequireFromString("0.0015")))
}
