package coinledger

import (
	"context"
	"fmt"
	"time"
)

// RechargeOptions carries attribution recorded on the recharge log row.
type RechargeOptions struct {
	OperatorID string
	OrderID    string
	Source     EntrySource
}

// Recharge credits the spendable balance and writes a recharge log row. The
// operation is a building block: order-level idempotency belongs to the
// payment caller, not to this ledger primitive.
func (service *Service) Recharge(ctx context.Context, userID UserID, amount PositiveAmount, remark string, options RechargeOptions) error {
	source := options.Source
	if source == "" {
		source = SourceAdmin
	}
	operationError := service.runWrite(ctx, func(ctx context.Context, txStore Store) error {
		account, err := txStore.GetAccountForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		newBalance := account.Balance.Add(amount.Amount())
		if err := txStore.UpdateAccountBalances(ctx, userID, newBalance, account.FrozenBalance, account.Version); err != nil {
			return err
		}
		entry := LogEntry{
			UserID:         userID,
			Type:           LogTypeRecharge,
			Amount:         amount.Amount(),
			BeforeBalance:  account.Balance,
			AfterBalance:   newBalance,
			Remark:         remark,
			OrderID:        options.OrderID,
			OperatorID:     options.OperatorID,
			Source:         source,
			CreatedUnixUTC: service.nowFn(),
		}
		return txStore.InsertLogEntry(ctx, entry)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRecharge,
		UserID:    userID,
		Amount:    amount.Amount(),
		Remark:    remark,
		Error:     operationError,
	})
	return operationError
}

// Adjust applies a signed manual correction and writes an adjustment log row.
// A negative adjustment that would push the balance below the frozen amount
// is rejected: the frozen funds are already promised to in-flight requests.
func (service *Service) Adjust(ctx context.Context, userID UserID, amount Amount, remark string, operatorID string) error {
	if amount.IsZero() {
		return fmt.Errorf("%w: adjustment must be non-zero", ErrInvalidAmount)
	}
	operationError := service.runWrite(ctx, func(ctx context.Context, txStore Store) error {
		account, err := txStore.GetAccountForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		newBalance := account.Balance.Add(amount)
		if newBalance.Cmp(account.FrozenBalance) < 0 {
			return &InsufficientBalanceError{Required: amount.Neg(), Available: account.Available()}
		}
		if err := txStore.UpdateAccountBalances(ctx, userID, newBalance, account.FrozenBalance, account.Version); err != nil {
			return err
		}
		entry := LogEntry{
			UserID:         userID,
			Type:           LogTypeAdjustment,
			Amount:         amount,
			BeforeBalance:  account.Balance,
			AfterBalance:   newBalance,
			Remark:         remark,
			OperatorID:     operatorID,
			Source:         SourceAdmin,
			CreatedUnixUTC: service.nowFn(),
		}
		return txStore.InsertLogEntry(ctx, entry)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationAdjust,
		UserID:    userID,
		Amount:    amount,
		Remark:    remark,
		Error:     operationError,
	})
	return operationError
}

// Balance returns the committed balance view for a user.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	account, err := service.store.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		Total:     account.Balance,
		Frozen:    account.FrozenBalance,
		Available: account.Available(),
		Version:   account.Version,
	}, nil
}

// ListLogs lists transaction log rows for a user before a cutoff time.
func (service *Service) ListLogs(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]LogEntry, error) {
	return service.store.ListLogEntries(ctx, userID, beforeUnixUTC, limit)
}

// FreezeRecord looks up the freeze row governing a request id.
func (service *Service) FreezeRecord(ctx context.Context, requestID RequestID) (FreezeRecord, error) {
	return service.store.GetFreezeRecord(ctx, requestID)
}

// ReleaseStale force-refunds freeze rows still frozen past the staleness
// threshold: the caller crashed between freeze and settle and will never
// finish the protocol. Each release goes through the normal Refund path so
// locking and idempotency rules are identical to a caller-initiated refund.
// Returns the number of reservations released.
func (service *Service) ReleaseStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: staleness threshold must be positive", ErrInvalidServiceConfig)
	}
	if limit <= 0 {
		limit = 100
	}
	cutoff := service.nowFn() - int64(olderThan/time.Second)
	stale, err := service.store.ListStaleFrozen(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	released := 0
	var firstErr error
	for _, record := range stale {
		if err := service.Refund(ctx, record.UserID, record.RequestID, "stale freeze sweep"); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		released++
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationReleaseStale,
		Remark:    fmt.Sprintf("released %d of %d stale freezes", released, len(stale)),
		Error:     firstErr,
	})
	return released, firstErr
}
