package coinledger

import (
	"context"
	"fmt"
	"strings"
)

// Meter orchestrates the per-request metering protocol around the settlement
// engine: estimate, check, freeze before generation; settle, refund, or
// penalize after. It owns no persistent state.
type Meter struct {
	service    *Service
	calculator *Calculator
}

// NewMeter wires a Meter.
func NewMeter(service *Service, calculator *Calculator) (*Meter, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: service dependency is nil", ErrInvalidServiceConfig)
	}
	if calculator == nil {
		return nil, fmt.Errorf("%w: calculator dependency is nil", ErrInvalidServiceConfig)
	}
	return &Meter{service: service, calculator: calculator}, nil
}

// CheckAndFreezeInput describes an inbound generation request.
type CheckAndFreezeInput struct {
	UserID                UserID
	ModelID               ModelID
	RequestID             RequestID
	InputText             string
	EstimatedOutputTokens int
	ConversationID        string
}

// FreezeInfo reports the reservation made for a request.
type FreezeInfo struct {
	RequestID    RequestID
	FrozenAmount Amount
	InputTokens  int
	Replayed     bool
}

// CheckAndFreeze estimates the conservative maximum cost of the request,
// pre-checks the available balance for a friendly shortfall error, then
// freezes the estimate. On ErrInsufficientBalance nothing is reserved and the
// caller must reject the request before any generation work starts.
func (meter *Meter) CheckAndFreeze(ctx context.Context, input CheckAndFreezeInput) (FreezeInfo, error) {
	if strings.TrimSpace(input.InputText) == "" {
		return FreezeInfo{}, ErrEmptyInputText
	}
	maxCost, inputTokens, err := meter.calculator.EstimateMaxCost(ctx, input.ModelID, input.InputText, input.EstimatedOutputTokens)
	if err != nil {
		return FreezeInfo{}, err
	}
	required, err := NewPositiveAmount(maxCost.Decimal())
	if err != nil {
		return FreezeInfo{}, fmt.Errorf("%w: model pricing produced a non-positive estimate", ErrInvalidPricing)
	}
	covered, err := meter.service.CheckBalance(ctx, input.UserID, required)
	if err != nil {
		return FreezeInfo{}, err
	}
	if !covered {
		balance, err := meter.service.Balance(ctx, input.UserID)
		if err != nil {
			return FreezeInfo{}, err
		}
		return FreezeInfo{}, &InsufficientBalanceError{Required: required.Amount(), Available: balance.Available}
	}
	result, err := meter.service.Freeze(ctx, input.UserID, required, input.RequestID, FreezeOptions{
		ModelID:        input.ModelID.String(),
		ConversationID: input.ConversationID,
		EstimatedCost:  maxCost,
	})
	if err != nil {
		return FreezeInfo{}, err
	}
	return FreezeInfo{
		RequestID:    input.RequestID,
		FrozenAmount: result.Record.Amount,
		InputTokens:  inputTokens,
		Replayed:     result.Replayed,
	}, nil
}

// SettleInput describes the outcome of a generation request. IsError and
// IsViolation are mutually exclusive; neither set means success.
type SettleInput struct {
	UserID       UserID
	ModelID      ModelID
	RequestID    RequestID
	ModelName    string
	IsError      bool
	ErrorReason  string
	IsViolation  bool
	InputTokens  int
	OutputTokens int
}

// Settle routes the request outcome to exactly one terminal engine operation:
// refund on hard error, violation penalty on moderation failure, otherwise a
// normal settlement priced from the real token counts.
func (meter *Meter) Settle(ctx context.Context, input SettleInput) error {
	if input.IsError && input.IsViolation {
		return fmt.Errorf("%w: is_error and is_violation are mutually exclusive", ErrInvalidServiceConfig)
	}
	switch {
	case input.IsError:
		reason := input.ErrorReason
		if reason == "" {
			reason = "upstream error"
		}
		return meter.service.Refund(ctx, input.UserID, input.RequestID, reason)
	case input.IsViolation:
		return meter.service.DeductViolationPenalty(ctx, input.UserID, input.RequestID, input.ModelID, input.ModelName)
	default:
		actualCost, err := meter.calculator.Cost(ctx, input.ModelID, input.InputTokens, input.OutputTokens)
		if err != nil {
			return err
		}
		return meter.service.Settle(ctx, input.UserID, input.RequestID, SettleUsage{
			ActualCost:   actualCost,
			InputTokens:  input.InputTokens,
			OutputTokens: input.OutputTokens,
			ModelName:    input.ModelName,
		})
	}
}
