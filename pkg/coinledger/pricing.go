package coinledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Conversion constants for the per-model linear pricing formula.
var (
	// tokenToCoinRate converts token-weighted units into coins.
	tokenToCoinRate = decimal.RequireFromString("0.001")
	// freezeEstimateMultiplier pads the model's max output when the caller
	// supplies no output estimate, keeping the freeze a true upper bound.
	freezeEstimateMultiplier = decimal.RequireFromString("1.5")
	// violationPenaltyMultiplier scales the base fee into the fixed
	// moderation-violation charge.
	violationPenaltyMultiplier = decimal.RequireFromString("0.1")
)

// ModelPricing is the typed per-model pricing record.
type ModelPricing struct {
	InputWeight     decimal.Decimal
	OutputWeight    decimal.Decimal
	BaseFee         decimal.Decimal
	RateMultiplier  decimal.Decimal
	MaxOutputTokens int
}

// Validate rejects records that could produce negative or unbounded costs.
func (pricing ModelPricing) Validate() error {
	if pricing.InputWeight.IsNegative() || pricing.OutputWeight.IsNegative() || pricing.BaseFee.IsNegative() {
		return fmt.Errorf("%w: weights and base fee must be non-negative", ErrInvalidPricing)
	}
	if !pricing.RateMultiplier.IsPositive() {
		return fmt.Errorf("%w: rate multiplier must be positive", ErrInvalidPricing)
	}
	if pricing.MaxOutputTokens <= 0 {
		return fmt.Errorf("%w: max output tokens must be positive", ErrInvalidPricing)
	}
	return nil
}

// DefaultModelPricing is the documented fallback for unknown models. A pricing
// lookup failure must never block a user-facing request outright.
func DefaultModelPricing() ModelPricing {
	return ModelPricing{
		InputWeight:     decimal.RequireFromString("1.0"),
		OutputWeight:    decimal.RequireFromString("2.0"),
		BaseFee:         decimal.RequireFromString("0"),
		RateMultiplier:  decimal.RequireFromString("1.0"),
		MaxOutputTokens: 4096,
	}
}

// PricingSource resolves the pricing record for a model. Implementations
// return ErrModelPricingNotFound for unknown models.
type PricingSource interface {
	ModelPricing(ctx context.Context, modelID ModelID) (ModelPricing, error)
}

// StaticPricingSource serves pricing from an in-memory table.
type StaticPricingSource struct {
	table map[string]ModelPricing
}

// NewStaticPricingSource validates every record before serving it.
func NewStaticPricingSource(table map[string]ModelPricing) (*StaticPricingSource, error) {
	copied := make(map[string]ModelPricing, len(table))
	for modelID, pricing := range table {
		if err := pricing.Validate(); err != nil {
			return nil, fmt.Errorf("model %q: %w", modelID, err)
		}
		copied[modelID] = pricing
	}
	return &StaticPricingSource{table: copied}, nil
}

// ModelPricing implements PricingSource.
func (source *StaticPricingSource) ModelPricing(_ context.Context, modelID ModelID) (ModelPricing, error) {
	pricing, ok := source.table[modelID.String()]
	if !ok {
		return ModelPricing{}, fmt.Errorf("%w: %s", ErrModelPricingNotFound, modelID)
	}
	return pricing, nil
}

// Calculator converts token usage into coin costs. It holds no mutable state
// and is safe for concurrent use.
type Calculator struct {
	source   PricingSource
	fallback ModelPricing
}

// NewCalculator wires a Calculator over a pricing source.
func NewCalculator(source PricingSource) (*Calculator, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: pricing source is nil", ErrInvalidServiceConfig)
	}
	fallback := DefaultModelPricing()
	if err := fallback.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{source: source, fallback: fallback}, nil
}

// EstimateTokens counts a heuristic token total for raw text. CJK ideographs
// (U+4E00..U+9FFF) weigh 0.6 tokens, every other rune 0.25, floored, plus one
// so non-empty text never estimates to zero. Empty text estimates to zero.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	var chineseChars, otherChars int
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			chineseChars++
		} else {
			otherChars++
		}
	}
	return (chineseChars*60+otherChars*25)/100 + 1
}

// Pricing resolves the record for a model, falling back to the default record
// when the model is unknown.
func (calculator *Calculator) Pricing(ctx context.Context, modelID ModelID) (ModelPricing, error) {
	pricing, err := calculator.source.ModelPricing(ctx, modelID)
	if err != nil {
		if errors.Is(err, ErrModelPricingNotFound) {
			return calculator.fallback, nil
		}
		return ModelPricing{}, err
	}
	if err := pricing.Validate(); err != nil {
		return ModelPricing{}, err
	}
	return pricing, nil
}

// Cost computes the coin cost of a completed request:
// (input*inputWeight + output*outputWeight + baseFee) * rateMultiplier * tokenToCoinRate,
// rounded to the ledger scale.
func (calculator *Calculator) Cost(ctx context.Context, modelID ModelID, inputTokens int, outputTokens int) (Amount, error) {
	pricing, err := calculator.Pricing(ctx, modelID)
	if err != nil {
		return Amount{}, err
	}
	return CostWithPricing(pricing, inputTokens, outputTokens)
}

// CostWithPricing applies the linear formula with an explicit pricing record.
func CostWithPricing(pricing ModelPricing, inputTokens int, outputTokens int) (Amount, error) {
	if inputTokens < 0 || outputTokens < 0 {
		return Amount{}, fmt.Errorf("%w: token counts must be non-negative", ErrInvalidTokenCount)
	}
	weighted := decimal.NewFromInt(int64(inputTokens)).Mul(pricing.InputWeight).
		Add(decimal.NewFromInt(int64(outputTokens)).Mul(pricing.OutputWeight)).
		Add(pricing.BaseFee)
	cost := weighted.Mul(pricing.RateMultiplier).Mul(tokenToCoinRate)
	return NewAmount(cost), nil
}

// EstimateMaxCost computes the conservative ceiling frozen before generation,
// returning the ceiling and the estimated input token count. When
// estimatedOutputTokens is zero or negative the model's max output padded by
// the freeze multiplier is used, so actual settlement never exceeds the
// reservation under normal completion.
func (calculator *Calculator) EstimateMaxCost(ctx context.Context, modelID ModelID, inputText string, estimatedOutputTokens int) (Amount, int, error) {
	pricing, err := calculator.Pricing(ctx, modelID)
	if err != nil {
		return Amount{}, 0, err
	}
	inputTokens := EstimateTokens(inputText)
	outputTokens := estimatedOutputTokens
	if outputTokens <= 0 {
		padded := decimal.NewFromInt(int64(pricing.MaxOutputTokens)).Mul(freezeEstimateMultiplier)
		outputTokens = int(padded.Ceil().IntPart())
	}
	cost, err := CostWithPricing(pricing, inputTokens, outputTokens)
	if err != nil {
		return Amount{}, 0, err
	}
	return cost, inputTokens, nil
}

// ViolationPenalty is the small fixed charge applied when moderation rejects
// the output: baseFee * violationPenaltyMultiplier, independent of tokens.
func (calculator *Calculator) ViolationPenalty(ctx context.Context, modelID ModelID) (Amount, error) {
	pricing, err := calculator.Pricing(ctx, modelID)
	if err != nil {
		return Amount{}, err
	}
	return NewAmount(pricing.BaseFee.Mul(violationPenaltyMultiplier)), nil
}
