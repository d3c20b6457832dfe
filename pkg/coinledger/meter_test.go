package coinledger

import (
	"context"
	"errors"
	"testing"
)

func mustNewMeter(test *testing.T, store Store) (*Meter, *Service) {
	test.Helper()
	service := mustNewService(test, store)
	meter, err := NewMeter(service, mustNewCalculator(test))
	if err != nil {
		test.Fatalf("meter: %v", err)
	}
	return meter, service
}

func TestCheckAndFreezeRejectsEmptyInput(test *testing.T) {
	test.Parallel()
	meter, _ := mustNewMeter(test, newStubStore())

	_, err := meter.CheckAndFreeze(context.Background(), CheckAndFreezeInput{
		UserID:    mustUserID(test, "meter-empty"),
		ModelID:   mustModelID(test, "test-model"),
		RequestID: mustRequestID(test, "req-empty"),
		InputText: "   ",
	})
	if !errors.Is(err, ErrEmptyInputText) {
		test.Fatalf("expected ErrEmptyInputText, got %v", err)
	}
}

func TestCheckAndFreezeReportsShortfall(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	meter, _ := mustNewMeter(test, store)
	userID := mustUserID(test, "meter-poor")
	store.setAccount(test, userID, "0.01", "0")

	_, err := meter.CheckAndFreeze(context.Background(), CheckAndFreezeInput{
		UserID:    userID,
		ModelID:   mustModelID(test, "test-model"),
		RequestID: mustRequestID(test, "req-poor"),
		InputText: "hello",
	})
	var insufficient *InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		test.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if insufficient.Shortfall().IsNegative() || insufficient.Shortfall().IsZero() {
		test.Fatalf("expected positive shortfall, got %s", insufficient.Shortfall())
	}
	if len(store.freezes) != 0 {
		test.Fatalf("rejected request must not freeze funds")
	}
}

func TestCheckAndFreezeFreezesEstimatedCeiling(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	meter, _ := mustNewMeter(test, store)
	userID := mustUserID(test, "meter-user")
	store.setAccount(test, userID, "10", "0")

	info, err := meter.CheckAndFreeze(context.Background(), CheckAndFreezeInput{
		UserID:    userID,
		ModelID:   mustModelID(test, "test-model"),
		RequestID: mustRequestID(test, "req-meter"),
		InputText: "hello",
	})
	if err != nil {
		test.Fatalf("check and freeze: %v", err)
	}
	// EstimateMaxCost("hello", padded output 150) = 0.312.
	if !info.FrozenAmount.Equal(mustAmount(test, "0.3120")) {
		test.Fatalf("expected frozen 0.3120, got %s", info.FrozenAmount)
	}
	if info.InputTokens != 2 {
		test.Fatalf("expected 2 input tokens, got %d", info.InputTokens)
	}
	account := store.mustAccount(test, userID)
	if !account.FrozenBalance.Equal(info.FrozenAmount) {
		test.Fatalf("account frozen %s does not match info %s", account.FrozenBalance, info.FrozenAmount)
	}
}

func TestMeterSettleRejectsConflictingFlags(test *testing.T) {
	test.Parallel()
	meter, _ := mustNewMeter(test, newStubStore())

	err := meter.Settle(context.Background(), SettleInput{
		UserID:      mustUserID(test, "meter-flags"),
		ModelID:     mustModelID(test, "test-model"),
		RequestID:   mustRequestID(test, "req-flags"),
		IsError:     true,
		IsViolation: true,
	})
	if !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
}

func TestMeterSettleRoutesErrorToRefund(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	meter, _ := mustNewMeter(test, store)
	userID := mustUserID(test, "meter-error")
	store.setAccount(test, userID, "10", "0")
	requestID := mustRequestID(test, "req-error")

	if _, err := meter.CheckAndFreeze(context.Background(), CheckAndFreezeInput{
		UserID: userID, ModelID: mustModelID(test, "test-model"), RequestID: requestID, InputText: "hello",
	}); err != nil {
		test.Fatalf("freeze: %v", err)
	}
	if err := meter.Settle(context.Background(), SettleInput{
		UserID: userID, ModelID: mustModelID(test, "test-model"), RequestID: requestID,
		IsError: true, ErrorReason: "backend down",
	}); err != nil {
		test.Fatalf("settle: %v", err)
	}

	record := store.mustFreeze(test, requestID)
	if record.Status != FreezeStatusRefunded || record.Remark != "backend down" {
		test.Fatalf("expected refunded record, got %+v", record)
	}
	account := store.mustAccount(test, userID)
	if !account.Balance.Equal(mustAmount(test, "10")) || !account.FrozenBalance.IsZero() {
		test.Fatalf("error outcome must charge nothing: %+v", account)
	}
}

func TestMeterSettleRoutesViolationToPenalty(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	meter, _ := mustNewMeter(test, store)
	userID := mustUserID(test, "meter-violation")
	store.setAccount(test, userID, "10", "0")
	requestID := mustRequestID(test, "req-meter-violation")

	if _, err := meter.CheckAndFreeze(context.Background(), CheckAndFreezeInput{
		UserID: userID, ModelID: mustModelID(test, "test-model"), RequestID: requestID, InputText: "hello",
	}); err != nil {
		test.Fatalf("freeze: %v", err)
	}
	if err := meter.Settle(context.Background(), SettleInput{
		UserID: userID, ModelID: mustModelID(test, "test-model"), RequestID: requestID,
		ModelName: "test-model", IsViolation: true,
	}); err != nil {
		test.Fatalf("settle: %v", err)
	}

	record := store.mustFreeze(test, requestID)
	if record.Status != FreezeStatusSettled {
		test.Fatalf("expected settled record, got %s", record.Status)
	}
	// Penalty 1.0 clamps to the frozen 0.3120.
	if !record.ActualCost.Equal(mustAmount(test, "0.3120")) {
		test.Fatalf("expected clamped penalty 0.3120, got %s", record.ActualCost)
	}
}

func TestMeterSettleChargesActualUsageOnSuccess(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	meter, _ := mustNewMeter(test, store)
	userID := mustUserID(test, "meter-success")
	store.setAccount(test, userID, "10", "0")
	requestID := mustRequestID(test, "req-success")

	if _, err := meter.CheckAndFreeze(context.Background(), CheckAndFreezeInput{
		UserID: userID, ModelID: mustModelID(test, "test-model"), RequestID: requestID, InputText: "hello",
	}); err != nil {
		test.Fatalf("freeze: %v", err)
	}
	if err := meter.Settle(context.Background(), SettleInput{
		UserID: userID, ModelID: mustModelID(test, "test-model"), RequestID: requestID,
		ModelName: "test-model", InputTokens: 2, OutputTokens: 20,
	}); err != nil {
		test.Fatalf("settle: %v", err)
	}

	// (2 + 40 + 10) * 0.001 = 0.052, well under the 0.312 ceiling.
	record := store.mustFreeze(test, requestID)
	if !record.ActualCost.Equal(mustAmount(test, "0.0520")) {
		test.Fatalf("expected actual cost 0.0520, got %s", record.ActualCost)
	}
	account := store.mustAccount(test, userID)
	if !account.Balance.Equal(mustAmount(test, "9.9480")) {
		test.Fatalf("expected balance 9.9480, got %s", account.Balance)
	}
	if !account.FrozenBalance.IsZero() {
		test.Fatalf("settle must release the full freeze, frozen %s", account.FrozenBalance)
	}
}
