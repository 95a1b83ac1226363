// Package seed loads a small demo dataset for local development: a handful
// of rated models, two customer accounts and a pair of discount rules. The
// seed is idempotent; rows are matched on their natural keys.
package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	discountdomain "github.com/smallbiznis/jupiter/internal/discount/domain"
	modeldomain "github.com/smallbiznis/jupiter/internal/model/domain"
	userdomain "github.com/smallbiznis/jupiter/internal/user/domain"
	"gorm.io/gorm"
)

type demoModel struct {
	name        string
	provider    string
	identifier  string
	strategy    modeldomain.PricingStrategy
	inputPer1K  string
	outputPer1K string
	perRequest  string
}

type demoUser struct {
	email        string
	organization string
	fee          string
}

var demoModels = []demoModel{
	{"GPT-4o", "openai", "gpt-4o", modeldomain.PricingPerToken, "0.0025", "0.0100", "0"},
	{"GPT-4o mini", "openai", "gpt-4o-mini", modeldomain.PricingPerToken, "0.0002", "0.0006", "0"},
	{"Claude 3.5 Sonnet", "anthropic", "claude-3-5-sonnet", modeldomain.PricingPerToken, "0.0030", "0.0150", "0"},
	{"Whisper", "openai", "whisper-1", modeldomain.PricingPerRequest, "0", "0", "0.0060"},
}

var demoUsers = []demoUser{
	{"billing@acme.example", "Acme Corp", "49.00"},
	{"ops@globex.example", "Globex", "0"},
}

// EnsureDemoData seeds demo models, users and discount rules.
func EnsureDemoData(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureModels(ctx, tx, node); err != nil {
			return err
		}
		users, err := ensureUsers(ctx, tx, node)
		if err != nil {
			return err
		}
		return ensureDiscountRules(ctx, tx, node, users)
	})
}

func ensureModels(ctx context.Context, tx *gorm.DB, node *snowflake.Node) error {
	now := time.Now().UTC()
	for _, m := range demoModels {
		var existing modeldomain.AIModel
		err := tx.WithContext(ctx).
			Where("model_identifier = ?", m.identifier).
			First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		record := modeldomain.AIModel{
			ID:               node.Generate(),
			Name:             m.name,
			Provider:         m.provider,
			ModelIdentifier:  m.identifier,
			PricingStrategy:  m.strategy,
			InputPricePer1K:  decimal.RequireFromString(m.inputPer1K),
			OutputPricePer1K: decimal.RequireFromString(m.outputPer1K),
			PricePerRequest:  decimal.RequireFromString(m.perRequest),
			Status:           modeldomain.ModelStatusActive,
			IsPublic:         true,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.WithContext(ctx).Create(&record).Error; err != nil {
			return err
		}
	}
	return nil
}

func ensureUsers(ctx context.Context, tx *gorm.DB, node *snowflake.Node) ([]userdomain.User, error) {
	now := time.Now().UTC()
	users := make([]userdomain.User, 0, len(demoUsers))
	for _, u := range demoUsers {
		var existing userdomain.User
		err := tx.WithContext(ctx).
			Where("email = ?", u.email).
			First(&existing).Error
		if err == nil {
			users = append(users, existing)
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		record := userdomain.User{
			ID:                     node.Generate(),
			Email:                  u.email,
			OrganizationTag:        slug.Make(u.organization),
			MonthlySubscriptionFee: decimal.RequireFromString(u.fee),
			IsActive:               true,
			CreatedAt:              now,
			UpdatedAt:              now,
		}
		if err := tx.WithContext(ctx).Create(&record).Error; err != nil {
			return nil, err
		}
		users = append(users, record)
	}
	return users, nil
}

func ensureDiscountRules(ctx context.Context, tx *gorm.DB, node *snowflake.Node, users []userdomain.User) error {
	if len(users) == 0 {
		return nil
	}
	now := time.Now().UTC()
	volumeFloor := int64(100)

	rules := []discountdomain.DiscountRule{
		{
			Name:               "launch promo",
			Priority:           10,
			DiscountPercentage: decimal.RequireFromString("10"),
			IsActive:           true,
		},
		{
			Name:               "volume tier",
			Priority:           50,
			UserID:             &users[0].ID,
			MinUsageCount:      volumeFloor,
			DiscountPercentage: decimal.RequireFromString("25"),
			IsActive:           true,
		},
	}

	for _, rule := range rules {
		var existing discountdomain.DiscountRule
		err := tx.WithContext(ctx).
			Where("name = ?", rule.Name).
			First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		rule.ID = node.Generate()
		rule.CreatedAt = now
		rule.UpdatedAt = now
		if err := tx.WithContext(ctx).Create(&rule).Error; err != nil {
			return err
		}
	}
	return nil
}
