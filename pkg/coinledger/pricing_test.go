package coinledger

import (
	"context"
	"errors"
	"testing"
)

func TestEstimateTokensEmptyTextIsZero(test *testing.T) {
	test.Parallel()
	if got := EstimateTokens(""); got != 0 {
		test.Fatalf("expected 0 tokens for empty text, got %d", got)
	}
}

func TestEstimateTokensNonEmptyTextIsAtLeastOne(test *testing.T) {
	test.Parallel()
	if got := EstimateTokens("a"); got != 1 {
		test.Fatalf("expected 1 token for single char, got %d", got)
	}
}

func TestEstimateTokensWeighsIdeographsHeavier(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name string
		text string
		want int
	}{
		{name: "ascii word", text: "hello", want: 2},
		{name: "two ideographs", text: "你好", want: 2},
		{name: "ten ideographs", text: "编译器优化是一门艺术", want: 7},
		{name: "mixed", text: "你好ab", want: 2},
	}
	for _, testCase := range cases {
		if got := EstimateTokens(testCase.text); got != testCase.want {
			test.Fatalf("%s: expected %d tokens, got %d", testCase.name, testCase.want, got)
		}
	}
}

func TestCostAppliesLinearFormula(test *testing.T) {
	test.Parallel()
	calculator := mustNewCalculator(test)

	cost, err := calculator.Cost(context.Background(), mustModelID(test, "test-model"), 100, 200)
	if err != nil {
		test.Fatalf("cost: %v", err)
	}
	// (100*1 + 200*2 + 10) * 1 * 0.001 = 0.51
	if want := mustAmount(test, "0.5100"); !cost.Equal(want) {
		test.Fatalf("expected cost %s, got %s", want, cost)
	}
}

func TestCostRejectsNegativeTokenCounts(test *testing.T) {
	test.Parallel()
	calculator := mustNewCalculator(test)

	_, err := calculator.Cost(context.Background(), mustModelID(test, "test-model"), -1, 0)
	if !errors.Is(err, ErrInvalidTokenCount) {
		test.Fatalf("expected ErrInvalidTokenCount, got %v", err)
	}
}

func TestCostFallsBackForUnknownModel(test *testing.T) {
	test.Parallel()
	calculator := mustNewCalculator(test)

	cost, err := calculator.Cost(context.Background(), mustModelID(test, "never-priced"), 1000, 0)
	if err != nil {
		test.Fatalf("cost: %v", err)
	}
	// Default pricing: 1000*1 * 1 * 0.001 = 1.
	if want := mustAmount(test, "1.0000"); !cost.Equal(want) {
		test.Fatalf("expected fallback cost %s, got %s", want, cost)
	}
}

func TestEstimateMaxCostPadsOmittedOutputEstimate(test *testing.T) {
	test.Parallel()
	calculator := mustNewCalculator(test)
	modelID := mustModelID(test, "test-model")

	ceiling, inputTokens, err := calculator.EstimateMaxCost(context.Background(), modelID, "hello", 0)
	if err != nil {
		test.Fatalf("estimate: %v", err)
	}
	if inputTokens != 2 {
		test.Fatalf("expected 2 input tokens, got %d", inputTokens)
	}
	// Output padded to ceil(100 * 1.5) = 150: (2 + 300 + 10) * 0.001 = 0.312.
	if want := mustAmount(test, "0.3120"); !ceiling.Equal(want) {
		test.Fatalf("expected ceiling %s, got %s", want, ceiling)
	}

	// Any settlement within the model's max output stays under the ceiling.
	actual, err := calculator.Cost(context.Background(), modelID, inputTokens, 100)
	if err != nil {
		test.Fatalf("cost: %v", err)
	}
	if actual.Cmp(ceiling) > 0 {
		test.Fatalf("actual cost %s exceeds frozen ceiling %s", actual, ceiling)
	}
}

func TestEstimateMaxCostHonorsExplicitOutputEstimate(test *testing.T) {
	test.Parallel()
	calculator := mustNewCalculator(test)

	ceiling, _, err := calculator.EstimateMaxCost(context.Background(), mustModelID(test, "test-model"), "hello", 50)
	if err != nil {
		test.Fatalf("estimate: %v", err)
	}
	// (2 + 100 + 10) * 0.001 = 0.112.
	if want := mustAmount(test, "0.1120"); !ceiling.Equal(want) {
		test.Fatalf("expected ceiling %s, got %s", want, ceiling)
	}
}

func TestViolationPenaltyScalesBaseFee(test *testing.T) {
	test.Parallel()
	calculator := mustNewCalculator(test)

	penalty, err := calculator.ViolationPenalty(context.Background(), mustModelID(test, "test-model"))
	if err != nil {
		test.Fatalf("penalty: %v", err)
	}
	if want := mustAmount(test, "1.0000"); !penalty.Equal(want) {
		test.Fatalf("expected penalty %s, got %s", want, penalty)
	}
}

func TestModelPricingValidateRejectsBadRecords(test *testing.T) {
	test.Parallel()
	pricing := DefaultModelPricing()
	pricing.MaxOutputTokens = 0
	if err := pricing.Validate(); !errors.Is(err, ErrInvalidPricing) {
		test.Fatalf("expected ErrInvalidPricing, got %v", err)
	}
}
