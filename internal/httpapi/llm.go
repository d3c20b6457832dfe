package httpapi

import (
	"context"

	"github.com/sfirelab/coinledger/pkg/coinledger"
)

// CompletionRequest is what the facade sends to the model backend.
type CompletionRequest struct {
	ModelID        coinledger.ModelID
	Prompt         string
	MaxTokens      int
	ConversationID string
}

// CompletionResponse is what the model backend returns.
type CompletionResponse struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// LLMClient generates completions. Implementations report the real token
// counts used for settlement; when a backend omits them the facade falls back
// to the text heuristic.
type LLMClient interface {
	Complete(ctx context.Context, request CompletionRequest) (CompletionResponse, error)
}

// EchoClient is the built-in backend used when no real model is configured. It
// echoes the prompt and derives token counts from the heuristic estimator, so
// the full metering protocol can be exercised end to end.
type EchoClient struct{}

// Complete implements LLMClient.
func (EchoClient) Complete(_ context.Context, request CompletionRequest) (CompletionResponse, error) {
	text := request.Prompt
	return CompletionResponse{
		Text:         text,
		InputTokens:  coinledger.EstimateTokens(request.Prompt),
		OutputTokens: coinledger.EstimateTokens(text),
	}, nil
}
