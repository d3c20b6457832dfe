package moderation

import (
	"context"
	"testing"
)

func TestWordlistCheckerFlagsBlockedWord(test *testing.T) {
	test.Parallel()
	checker := NewWordlistChecker([]string{"Forbidden", "  banned  "})

	result, err := checker.CheckInput(context.Background(), "this text is FORBIDDEN territory")
	if err != nil {
		test.Fatalf("check: %v", err)
	}
	if result.Passed {
		test.Fatalf("expected violation")
	}
	if result.ViolationType != "blocked_word" || result.MatchedWord != "forbidden" {
		test.Fatalf("unexpected result: %+v", result)
	}
}

func TestWordlistCheckerPassesCleanText(test *testing.T) {
	test.Parallel()
	checker := NewWordlistChecker([]string{"forbidden"})

	result, err := checker.CheckOutput(context.Background(), "perfectly fine answer")
	if err != nil {
		test.Fatalf("check: %v", err)
	}
	if !result.Passed {
		test.Fatalf("expected pass, got %+v", result)
	}
}

func TestWordlistCheckerEmptyListPassesEverything(test *testing.T) {
	test.Parallel()
	checker := NewWordlistChecker(nil)

	result, err := checker.CheckStream(context.Background(), "anything at all")
	if err != nil {
		test.Fatalf("check: %v", err)
	}
	if !result.Passed {
		test.Fatalf("empty wordlist must pass everything")
	}
}
