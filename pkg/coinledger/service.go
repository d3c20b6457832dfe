package coinledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Service is the settlement engine: the only component allowed to mutate
// balance and frozen_balance. Every write runs inside a single store
// transaction with the account row locked, so operations on the same user are
// linearized and either commit completely or not at all.
type Service struct {
	store          Store
	calculator     *Calculator
	nowFn          func() int64
	logger         OperationLogger
	retryAttempts  int
	retryBaseDelay time.Duration
}

// NewService wires a Service.
func NewService(store Store, calculator *Calculator, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if calculator == nil {
		return nil, fmt.Errorf("%w: calculator dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:          store,
		calculator:     calculator,
		nowFn:          now,
		retryAttempts:  defaultRetryAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// CheckBalance reports whether the user's available balance covers the
// required amount. Advisory only: the authoritative check happens under the
// row lock inside Freeze.
func (service *Service) CheckBalance(ctx context.Context, userID UserID, required PositiveAmount) (bool, error) {
	account, err := service.store.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return false, err
	}
	return account.Available().Cmp(required.Amount()) >= 0, nil
}

// FreezeOptions carries optional correlation data recorded on the freeze row.
type FreezeOptions struct {
	ModelID        string
	ConversationID string
	EstimatedCost  Amount
	Remark         string
}

// FreezeResult reports the freeze row governing the request id. Replayed is
// set when the request id had already been seen and no new funds were frozen.
type FreezeResult struct {
	Record   FreezeRecord
	Replayed bool
}

// Freeze ring-fences funds against a pending request. A request id that was
// frozen before returns the prior result unchanged; otherwise the account row
// is locked, available balance verified, frozen_balance incremented, and a
// freeze row inserted, all in one transaction. No transaction-log row is
// written for a pure freeze: the log records only realized movements.
func (service *Service) Freeze(ctx context.Context, userID UserID, amount PositiveAmount, requestID RequestID, options FreezeOptions) (FreezeResult, error) {
	var result FreezeResult
	operationError := service.runWrite(ctx, func(ctx context.Context, txStore Store) error {
		existing, err := txStore.GetFreezeRecord(ctx, requestID)
		if err == nil {
			result = FreezeResult{Record: existing, Replayed: true}
			return nil
		}
		if !errors.Is(err, ErrUnknownRequestID) {
			return err
		}
		account, err := txStore.GetAccountForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		available := account.Available()
		if available.Cmp(amount.Amount()) < 0 {
			return &InsufficientBalanceError{Required: amount.Amount(), Available: available}
		}
		newFrozen := account.FrozenBalance.Add(amount.Amount())
		if err := txStore.UpdateAccountBalances(ctx, userID, account.Balance, newFrozen, account.Version); err != nil {
			return err
		}
		estimated := options.EstimatedCost
		if estimated.IsZero() {
			estimated = amount.Amount()
		}
		record := FreezeRecord{
			RequestID:      requestID,
			UserID:         userID,
			Amount:         amount.Amount(),
			Status:         FreezeStatusFrozen,
			ModelID:        options.ModelID,
			ConversationID: options.ConversationID,
			EstimatedCost:  estimated,
			Remark:         options.Remark,
			FrozenUnixUTC:  service.nowFn(),
		}
		if err := txStore.InsertFreezeRecord(ctx, record); err != nil {
			return err
		}
		result = FreezeResult{Record: record}
		return nil
	})
	if errors.Is(operationError, ErrDuplicateRequestID) {
		// Lost an insert race against a concurrent freeze for the same
		// request id: the winner's row is the result.
		record, lookupErr := service.store.GetFreezeRecord(ctx, requestID)
		if lookupErr == nil {
			result = FreezeResult{Record: record, Replayed: true}
			operationError = nil
		}
	}
	status := ""
	if operationError == nil && result.Replayed {
		status = operationStatusReplayed
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationFreeze,
		UserID:    userID,
		RequestID: requestID,
		Amount:    amount.Amount(),
		Status:    status,
		Error:     operationError,
	})
	return result, operationError
}

// SettleUsage carries the realized usage finalizing a frozen request.
type SettleUsage struct {
	ActualCost   Amount
	InputTokens  int
	OutputTokens int
	ModelName    string
}

// Settle finalizes a frozen reservation into an actual debit. The full frozen
// amount is released, the spendable balance is charged only the actual cost,
// and one consume log row is written with before/after snapshots. The unused
// difference silently returns to the user. A terminal freeze row makes the
// call a no-op, and an actual cost above the frozen amount is clamped to it.
func (service *Service) Settle(ctx context.Context, userID UserID, requestID RequestID, usage SettleUsage) error {
	if usage.ActualCost.IsNegative() {
		return fmt.Errorf("%w: actual cost must be non-negative", ErrInvalidAmount)
	}
	if usage.InputTokens < 0 || usage.OutputTokens < 0 {
		return fmt.Errorf("%w: token counts must be non-negative", ErrInvalidTokenCount)
	}
	var status string
	operationError := service.runWrite(ctx, func(ctx context.Context, txStore Store) error {
		status = ""
		record, err := txStore.GetFreezeRecordForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if record.Status.Terminal() {
			status = operationStatusReplayed
			return nil
		}
		actualCost := usage.ActualCost
		if actualCost.Cmp(record.Amount) > 0 {
			actualCost = record.Amount
			status = operationStatusClamped
		}
		account, err := txStore.GetAccountForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		newFrozen := account.FrozenBalance.Sub(record.Amount)
		newBalance := account.Balance.Sub(actualCost)
		if newFrozen.IsNegative() || newBalance.Cmp(newFrozen) < 0 {
			return WrapError(operationSettle, "account", "invariant", ErrInvalidBalance)
		}
		if err := txStore.UpdateAccountBalances(ctx, userID, newBalance, newFrozen, account.Version); err != nil {
			return err
		}
		if !actualCost.IsZero() {
			entry := LogEntry{
				UserID:        userID,
				Type:          LogTypeConsume,
				Amount:        actualCost.Neg(),
				BeforeBalance: account.Balance,
				AfterBalance:  newBalance,
				Remark: fmt.Sprintf("model %s: %d input tokens, %d output tokens",
					usage.ModelName, usage.InputTokens, usage.OutputTokens),
				Source:         SourceAPI,
				CreatedUnixUTC: service.nowFn(),
			}
			if err := txStore.InsertLogEntry(ctx, entry); err != nil {
				return err
			}
		}
		record.Status = FreezeStatusSettled
		record.ActualCost = actualCost
		record.InputTokens = usage.InputTokens
		record.OutputTokens = usage.OutputTokens
		record.SettledUnixUTC = service.nowFn()
		return txStore.UpdateFreezeRecord(ctx, record, FreezeStatusFrozen)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationSettle,
		UserID:    userID,
		RequestID: requestID,
		Amount:    usage.ActualCost,
		Status:    status,
		Error:     operationError,
	})
	return operationError
}

// Refund releases a frozen reservation with zero debit, used when the request
// failed hard and produced no usable output. The spendable balance was never
// debited at freeze time, so no transaction-log row is written. A terminal
// freeze row makes the call a no-op.
func (service *Service) Refund(ctx context.Context, userID UserID, requestID RequestID, reason string) error {
	var status string
	operationError := service.runWrite(ctx, func(ctx context.Context, txStore Store) error {
		status = ""
		record, err := txStore.GetFreezeRecordForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if record.Status.Terminal() {
			status = operationStatusReplayed
			return nil
		}
		account, err := txStore.GetAccountForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		newFrozen := account.FrozenBalance.Sub(record.Amount)
		if newFrozen.IsNegative() {
			return WrapError(operationRefund, "account", "invariant", ErrInvalidBalance)
		}
		if err := txStore.UpdateAccountBalances(ctx, userID, account.Balance, newFrozen, account.Version); err != nil {
			return err
		}
		record.Status = FreezeStatusRefunded
		record.Remark = reason
		record.RefundedUnixUTC = service.nowFn()
		return txStore.UpdateFreezeRecord(ctx, record, FreezeStatusFrozen)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRefund,
		UserID:    userID,
		RequestID: requestID,
		Status:    status,
		Remark:    reason,
		Error:     operationError,
	})
	return operationError
}

// DeductViolationPenalty handles the moderation-failure outcome: the freeze is
// released in full and only the fixed penalty is charged, reflecting that
// resources were consumed but the output was unusable. A terminal freeze row
// makes the call a no-op.
func (service *Service) DeductViolationPenalty(ctx context.Context, userID UserID, requestID RequestID, modelID ModelID, modelName string) error {
	penalty, err := service.calculator.ViolationPenalty(ctx, modelID)
	if err != nil {
		return err
	}
	var status string
	var charged Amount
	operationError := service.runWrite(ctx, func(ctx context.Context, txStore Store) error {
		status = ""
		charged = Amount{}
		record, err := txStore.GetFreezeRecordForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if record.Status.Terminal() {
			status = operationStatusReplayed
			return nil
		}
		charged = penalty
		if charged.Cmp(record.Amount) > 0 {
			charged = record.Amount
			status = operationStatusClamped
		}
		account, err := txStore.GetAccountForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		newFrozen := account.FrozenBalance.Sub(record.Amount)
		newBalance := account.Balance.Sub(charged)
		if newFrozen.IsNegative() || newBalance.Cmp(newFrozen) < 0 {
			return WrapError(operationViolation, "account", "invariant", ErrInvalidBalance)
		}
		if err := txStore.UpdateAccountBalances(ctx, userID, newBalance, newFrozen, account.Version); err != nil {
			return err
		}
		if !charged.IsZero() {
			entry := LogEntry{
				UserID:         userID,
				Type:           LogTypeConsume,
				Amount:         charged.Neg(),
				BeforeBalance:  account.Balance,
				AfterBalance:   newBalance,
				Remark:         fmt.Sprintf("model %s: content violation penalty", modelName),
				Source:         SourceAPI,
				CreatedUnixUTC: service.nowFn(),
			}
			if err := txStore.InsertLogEntry(ctx, entry); err != nil {
				return err
			}
		}
		record.Status = FreezeStatusSettled
		record.ActualCost = charged
		record.Remark = "content violation"
		record.SettledUnixUTC = service.nowFn()
		return txStore.UpdateFreezeRecord(ctx, record, FreezeStatusFrozen)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationViolation,
		UserID:    userID,
		RequestID: requestID,
		Amount:    charged,
		Status:    status,
		Error:     operationError,
	})
	return operationError
}

// runWrite executes fn inside a store transaction, retrying on transient
// contention (lock wait timeout, deadlock, optimistic conflict) with linearly
// growing backoff. Only exhausted retries surface to the caller.
func (service *Service) runWrite(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	var lastErr error
	for attempt := 1; attempt <= service.retryAttempts; attempt++ {
		lastErr = service.store.WithTx(ctx, fn)
		if lastErr == nil || !errors.Is(lastErr, ErrTransientContention) {
			return lastErr
		}
		if attempt == service.retryAttempts {
			break
		}
		delay := time.Duration(attempt) * service.retryBaseDelay
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return lastErr
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
