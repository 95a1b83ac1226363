package discount

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/jupiter/internal/discount/domain"
	"github.com/smallbiznis/jupiter/pkg/db/option"
	"github.com/smallbiznis/jupiter/pkg/repository"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type store struct {
	rules repository.Repository[domain.DiscountRule]
}

func ProvideStore(db *gorm.DB) domain.Store {
	return &store{rules: repository.ProvideStore[domain.DiscountRule](db)}
}

func (s *store) ActiveRulesFor(ctx context.Context, userID *snowflake.ID, modelID snowflake.ID) ([]domain.DiscountRule, error) {
	opts := []option.QueryOption{
		option.WithWhere("model_id IS NULL OR model_id = ?", modelID),
		option.WithOrder("priority ASC, id ASC"),
	}
	if userID != nil {
		opts = append(opts, option.WithWhere("user_id IS NULL OR user_id = ?", *userID))
	} else {
		opts = append(opts, option.WithWhere("user_id IS NULL"))
	}

	found, err := s.rules.Find(ctx, &domain.DiscountRule{IsActive: true}, opts...)
	if err != nil {
		return nil, err
	}
	rules := make([]domain.DiscountRule, 0, len(found))
	for _, rule := range found {
		rules = append(rules, *rule)
	}
	return rules, nil
}

var Module = fx.Module("discount.store",
	fx.Provide(ProvideStore),
)
