package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// Store is the read-only discount rule lookup.
type Store interface {
	// ActiveRulesFor returns active rules scoped to the given user and model,
	// including global rules (nil user/model on the rule). Validity windows
	// are NOT evaluated here; the selector applies them against its clock.
	ActiveRulesFor(ctx context.Context, userID *snowflake.ID, modelID snowflake.ID) ([]DiscountRule, error)
}
