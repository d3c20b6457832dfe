package coinledger

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseAmountRoundsToLedgerScale(test *testing.T) {
	test.Parallel()
	amount, err := ParseAmount(" 12.34567 ")
	if err != nil {
		test.Fatalf("parse: %v", err)
	}
	if amount.String() != "12.3457" {
		test.Fatalf("expected 12.3457, got %s", amount)
	}
}

func TestParseAmountRejectsGarbage(test *testing.T) {
	test.Parallel()
	if _, err := ParseAmount("twelve coins"); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestAmountMarshalsAsString(test *testing.T) {
	test.Parallel()
	amount := NewAmount(decimal.RequireFromString("15.5"))
	raw, err := amount.MarshalJSON()
	if err != nil {
		test.Fatalf("marshal: %v", err)
	}
	if string(raw) != `"15.5000"` {
		test.Fatalf("expected \"15.5000\", got %s", raw)
	}
}

func TestNewPositiveAmountRejectsNonPositive(test *testing.T) {
	test.Parallel()
	if _, err := NewPositiveAmount(decimal.Zero); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount for zero, got %v", err)
	}
	if _, err := NewPositiveAmount(decimal.RequireFromString("-1")); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount for negative, got %v", err)
	}
}

func TestIDConstructorsTrimAndReject(test *testing.T) {
	test.Parallel()
	userID, err := NewUserID("  user-1  ")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	if userID.String() != "user-1" {
		test.Fatalf("expected trimmed id, got %q", userID.String())
	}
	if _, err := NewUserID("   "); !errors.Is(err, ErrInvalidUserID) {
		test.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
	if _, err := NewRequestID(""); !errors.Is(err, ErrInvalidRequestID) {
		test.Fatalf("expected ErrInvalidRequestID, got %v", err)
	}
	if _, err := NewModelID(""); !errors.Is(err, ErrInvalidModelID) {
		test.Fatalf("expected ErrInvalidModelID, got %v", err)
	}
}

func TestFreezeStatusTerminal(test *testing.T) {
	test.Parallel()
	if FreezeStatusFrozen.Terminal() {
		test.Fatalf("frozen must not be terminal")
	}
	for _, status := range []FreezeStatus{FreezeStatusSettled, FreezeStatusRefunded, FreezeStatusFailed} {
		if !status.Terminal() {
			test.Fatalf("%s must be terminal", status)
		}
	}
}

func TestParseFreezeStatusRejectsUnknown(test *testing.T) {
	test.Parallel()
	if _, err := ParseFreezeStatus("melted"); !errors.Is(err, ErrInvalidFreezeStatus) {
		test.Fatalf("expected ErrInvalidFreezeStatus, got %v", err)
	}
}

func TestOperationErrorPreservesSentinel(test *testing.T) {
	test.Parallel()
	wrapped := WrapError("settle", "account", "invariant", ErrInvalidBalance)
	if !errors.Is(wrapped, ErrInvalidBalance) {
		test.Fatalf("wrapped error must unwrap to the sentinel")
	}
	var operationError OperationError
	if !errors.As(wrapped, &operationError) {
		test.Fatalf("expected OperationError, got %T", wrapped)
	}
	if operationError.Operation() != "settle" || operationError.Code() != "invariant" {
		test.Fatalf("unexpected segments: %s", operationError.Error())
	}
}
