package moderation

import (
	"context"
	"strings"
)

// Result reports the outcome of one moderation check.
type Result struct {
	Passed        bool
	ViolationType string
	MatchedWord   string
}

// Checker screens request and response text. CheckStream screens one
// incremental chunk so streaming responses can be cut off mid-generation.
type Checker interface {
	CheckInput(ctx context.Context, text string) (Result, error)
	CheckOutput(ctx context.Context, text string) (Result, error)
	CheckStream(ctx context.Context, chunk string) (Result, error)
}

const violationTypeBlockedWord = "blocked_word"

// WordlistChecker flags text containing any configured blocked word,
// case-insensitively. An empty wordlist passes everything.
type WordlistChecker struct {
	words []string
}

// NewWordlistChecker normalizes and stores the blocked words.
func NewWordlistChecker(words []string) *WordlistChecker {
	normalized := make([]string, 0, len(words))
	for _, word := range words {
		trimmed := strings.ToLower(strings.TrimSpace(word))
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return &WordlistChecker{words: normalized}
}

// CheckInput implements Checker.
func (checker *WordlistChecker) CheckInput(_ context.Context, text string) (Result, error) {
	return checker.check(text), nil
}

// CheckOutput implements Checker.
func (checker *WordlistChecker) CheckOutput(_ context.Context, text string) (Result, error) {
	return checker.check(text), nil
}

// CheckStream implements Checker.
func (checker *WordlistChecker) CheckStream(_ context.Context, chunk string) (Result, error) {
	return checker.check(chunk), nil
}

func (checker *WordlistChecker) check(text string) Result {
	lowered := strings.ToLower(text)
	for _, word := range checker.words {
		if strings.Contains(lowered, word) {
			return Result{ViolationType: violationTypeBlockedWord, MatchedWord: word}
		}
	}
	return Result{Passed: true}
}
