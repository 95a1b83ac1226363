package discount

import (
	"sort"
	"time"

	"github.com/smallbiznis/jupiter/internal/discount/domain"
)

// Select picks the single applicable rule for an event: active, inside its
// validity window at now, and covering usageCount. Candidates are ranked by
// priority (lower wins) then rule id, so the outcome is deterministic for a
// given rule set. Returns nil when nothing applies.
func Select(rules []domain.DiscountRule, usageCount int64, now time.Time) *domain.DiscountRule {
	candidates := make([]domain.DiscountRule, 0, len(rules))
	for _, rule := range rules {
		if !Applies(rule, usageCount, now) {
			continue
		}
		candidates = append(candidates, rule)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})
	winner := candidates[0]
	return &winner
}

// Applies reports whether a single rule covers the usage count at now.
func Applies(rule domain.DiscountRule, usageCount int64, now time.Time) bool {
	if !rule.IsActive {
		return false
	}
	if rule.ValidFrom != nil && rule.ValidFrom.After(now) {
		return false
	}
	if rule.ValidUntil != nil && !rule.ValidUntil.After(now) {
		return false
	}
	if usageCount < rule.MinUsageCount {
		return false
	}
	if rule.MaxUsageCount != nil && usageCount > *rule.MaxUsageCount {
		return false
	}
	return true
}
