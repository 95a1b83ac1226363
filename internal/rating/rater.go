// Package rating prices a single usage event against its resolved model.
// All arithmetic is decimal; results are rounded half-even to four places.
// The functions are pure so they can run concurrently across events.
package rating

import (
	"errors"

	"github.com/shopspring/decimal"
	discountdomain "github.com/smallbiznis/jupiter/internal/discount/domain"
	modeldomain "github.com/smallbiznis/jupiter/internal/model/domain"
)

// TokenTier declares which unit price applies to a combined token count.
type TokenTier string

const (
	TokenTierInput  TokenTier = "input"
	TokenTierOutput TokenTier = "output"
)

// StatusSuccess is the only declared status that is ever billed.
const StatusSuccess = "success"

const scale = 4

var (
	// ErrAmbiguousTokenCount: the event carries only a combined token count
	// and no declared tier, so the price per token is undefined. Guessing
	// either tier would silently pick one of two historical behaviors.
	ErrAmbiguousTokenCount = errors.New("ambiguous_token_count")
	ErrInvalidPricing      = errors.New("invalid_pricing_configuration")
)

// TokenUsage carries the token accounting declared at the event boundary.
// Either the input/output split is present, or TotalTokens plus Tier.
type TokenUsage struct {
	InputTokens  *int64
	OutputTokens *int64
	TotalTokens  *int64
	Tier         TokenTier
}

// Result is the priced outcome.
type Result struct {
	GrossCost        decimal.Decimal
	DiscountFraction decimal.Decimal
	NetCost          decimal.Decimal
}

var thousand = decimal.NewFromInt(1000)

// Rate computes gross and net cost for an event. Non-success calls are free
// regardless of model and discount.
func Rate(model *modeldomain.AIModel, usage TokenUsage, status string, rule *discountdomain.DiscountRule) (Result, error) {
	zero := Result{
		GrossCost:        decimal.Zero,
		DiscountFraction: decimal.Zero,
		NetCost:          decimal.Zero,
	}
	if status != StatusSuccess {
		return zero, nil
	}
	if model == nil {
		return zero, ErrInvalidPricing
	}

	gross, err := grossCost(model, usage)
	if err != nil {
		return zero, err
	}

	fraction := decimal.Zero
	if rule != nil {
		fraction = rule.Fraction()
	}

	net := gross.Mul(decimal.NewFromInt(1).Sub(fraction)).RoundBank(scale)
	if net.IsNegative() {
		net = decimal.Zero
	}

	return Result{
		GrossCost:        gross,
		DiscountFraction: fraction,
		NetCost:          net,
	}, nil
}

func grossCost(model *modeldomain.AIModel, usage TokenUsage) (decimal.Decimal, error) {
	switch model.PricingStrategy {
	case modeldomain.PricingPerRequest:
		if model.PricePerRequest.IsNegative() {
			return decimal.Zero, ErrInvalidPricing
		}
		return model.PricePerRequest.RoundBank(scale), nil
	case modeldomain.PricingPerToken:
		return perTokenCost(model, usage)
	default:
		return decimal.Zero, ErrInvalidPricing
	}
}

func perTokenCost(model *modeldomain.AIModel, usage TokenUsage) (decimal.Decimal, error) {
	if model.InputPricePer1K.IsNegative() || model.OutputPricePer1K.IsNegative() {
		return decimal.Zero, ErrInvalidPricing
	}

	if usage.InputTokens != nil || usage.OutputTokens != nil {
		cost := decimal.Zero
		if usage.InputTokens != nil {
			cost = cost.Add(tokenCost(*usage.InputTokens, model.InputPricePer1K))
		}
		if usage.OutputTokens != nil {
			cost = cost.Add(tokenCost(*usage.OutputTokens, model.OutputPricePer1K))
		}
		return cost.RoundBank(scale), nil
	}

	if usage.TotalTokens == nil {
		return decimal.Zero.RoundBank(scale), nil
	}

	switch usage.Tier {
	case TokenTierInput:
		return tokenCost(*usage.TotalTokens, model.InputPricePer1K).RoundBank(scale), nil
	case TokenTierOutput:
		return tokenCost(*usage.TotalTokens, model.OutputPricePer1K).RoundBank(scale), nil
	default:
		return decimal.Zero, ErrAmbiguousTokenCount
	}
}

func tokenCost(tokens int64, pricePer1K decimal.Decimal) decimal.Decimal {
	if tokens <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(tokens).Div(thousand).Mul(pricePer1K)
}

// Display rounds a stored amount to the two places shown on invoices.
func Display(amount decimal.Decimal) decimal.Decimal {
	return amount.RoundBank(2)
}
