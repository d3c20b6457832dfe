package coinledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// AmountScale is the fixed number of fractional digits carried by every
// monetary value in the ledger. It matches the decimal(16,4) columns.
const AmountScale = 4

// Amount is a signed fixed-point coin amount with AmountScale fractional digits.
type Amount struct {
	value decimal.Decimal
}

// UserID identifies an account owner.
type UserID struct {
	value string
}

// RequestID is the caller-supplied idempotency key for a freeze lifecycle.
type RequestID struct {
	value string
}

// ModelID identifies a priced model.
type ModelID struct {
	value string
}

// FreezeStatus defines the freeze record lifecycle.
type FreezeStatus string

const (
	FreezeStatusFrozen   FreezeStatus = "frozen"
	FreezeStatusSettled  FreezeStatus = "settled"
	FreezeStatusRefunded FreezeStatus = "refunded"
	FreezeStatusFailed   FreezeStatus = "failed"
)

// Terminal reports whether the status accepts no further transitions.
func (status FreezeStatus) Terminal() bool {
	return status == FreezeStatusSettled || status == FreezeStatusRefunded || status == FreezeStatusFailed
}

// String returns the stored representation.
func (status FreezeStatus) String() string {
	return string(status)
}

// ParseFreezeStatus validates a stored status value.
func ParseFreezeStatus(raw string) (FreezeStatus, error) {
	switch FreezeStatus(raw) {
	case FreezeStatusFrozen, FreezeStatusSettled, FreezeStatusRefunded, FreezeStatusFailed:
		return FreezeStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidFreezeStatus, raw)
}

// LogType enumerates transaction log kinds.
type LogType string

const (
	LogTypeRecharge    LogType = "recharge"
	LogTypeConsume     LogType = "consume"
	LogTypeRefund      LogType = "refund"
	LogTypeReward      LogType = "reward"
	LogTypeFreeze      LogType = "freeze"
	LogTypeUnfreeze    LogType = "unfreeze"
	LogTypeTransferIn  LogType = "transfer_in"
	LogTypeTransferOut LogType = "transfer_out"
	LogTypeCommission  LogType = "commission"
	LogTypeAdjustment  LogType = "adjustment"
)

// String returns the stored representation.
func (logType LogType) String() string {
	return string(logType)
}

// ParseLogType validates a stored log type value.
func ParseLogType(raw string) (LogType, error) {
	switch LogType(raw) {
	case LogTypeRecharge, LogTypeConsume, LogTypeRefund, LogTypeReward,
		LogTypeFreeze, LogTypeUnfreeze, LogTypeTransferIn, LogTypeTransferOut,
		LogTypeCommission, LogTypeAdjustment:
		return LogType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidLogType, raw)
}

// EntrySource attributes a log row to the surface that produced it.
type EntrySource string

const (
	SourceAdmin   EntrySource = "admin"
	SourceAPI     EntrySource = "api"
	SourceMiniApp EntrySource = "miniapp"
)

// String returns the stored representation.
func (source EntrySource) String() string {
	return string(source)
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewRequestID validates and normalizes a request id.
func NewRequestID(raw string) (RequestID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return RequestID{}, fmt.Errorf("%w: empty value", ErrInvalidRequestID)
	}
	return RequestID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id RequestID) String() string {
	return id.value
}

// NewModelID validates and normalizes a model id.
func NewModelID(raw string) (ModelID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ModelID{}, fmt.Errorf("%w: empty value", ErrInvalidModelID)
	}
	return ModelID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ModelID) String() string {
	return id.value
}

// NewAmount rounds the raw value to the ledger scale. Any sign is accepted;
// callers that need a strictly positive amount use NewPositiveAmount.
func NewAmount(raw decimal.Decimal) Amount {
	return Amount{value: raw.Round(AmountScale)}
}

// ParseAmount parses a decimal string into an Amount.
func ParseAmount(raw string) (Amount, error) {
	parsed, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return NewAmount(parsed), nil
}

// Decimal returns the underlying fixed-point value.
func (amount Amount) Decimal() decimal.Decimal {
	return amount.value
}

// Add returns amount + other.
func (amount Amount) Add(other Amount) Amount {
	return Amount{value: amount.value.Add(other.value)}
}

// Sub returns amount - other.
func (amount Amount) Sub(other Amount) Amount {
	return Amount{value: amount.value.Sub(other.value)}
}

// Neg returns the negated amount.
func (amount Amount) Neg() Amount {
	return Amount{value: amount.value.Neg()}
}

// Cmp compares two amounts (-1, 0, +1).
func (amount Amount) Cmp(other Amount) int {
	return amount.value.Cmp(other.value)
}

// IsNegative reports whether the amount is below zero.
func (amount Amount) IsNegative() bool {
	return amount.value.IsNegative()
}

// IsZero reports whether the amount equals zero.
func (amount Amount) IsZero() bool {
	return amount.value.IsZero()
}

// Equal reports exact decimal equality.
func (amount Amount) Equal(other Amount) bool {
	return amount.value.Equal(other.value)
}

// String renders the amount with the full ledger scale, e.g. "15.5000".
func (amount Amount) String() string {
	return amount.value.StringFixed(AmountScale)
}

// MarshalJSON renders the amount as a JSON string to avoid float coercion.
func (amount Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(amount.String())
}

// PositiveAmount is an Amount validated to be strictly greater than zero.
type PositiveAmount struct {
	value Amount
}

// NewPositiveAmount validates that the raw value is strictly positive.
func NewPositiveAmount(raw decimal.Decimal) (PositiveAmount, error) {
	amount := NewAmount(raw)
	if !amount.value.IsPositive() {
		return PositiveAmount{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveAmount{value: amount}, nil
}

// Amount returns the validated amount.
func (positive PositiveAmount) Amount() Amount {
	return positive.value
}

// Account is the committed balance state for one user.
type Account struct {
	UserID        UserID
	Balance       Amount
	FrozenBalance Amount
	Version       int64
}

// Available returns the spendable portion: balance minus frozen.
func (account Account) Available() Amount {
	return account.Balance.Sub(account.FrozenBalance)
}

// Balance is the query view returned to callers.
type Balance struct {
	Total     Amount
	Frozen    Amount
	Available Amount
	Version   int64
}

// LogEntry is a single immutable row in the transaction log. Amount is signed:
// positive increases the spendable balance, negative decreases it. Before and
// after snapshots exclude frozen funds.
type LogEntry struct {
	LogID          string
	UserID         UserID
	Type           LogType
	Amount         Amount
	BeforeBalance  Amount
	AfterBalance   Amount
	Remark         string
	TaskID         string
	OrderID        string
	OperatorID     string
	Source         EntrySource
	MetadataJSON   string
	CreatedUnixUTC int64
}

// FreezeRecord is the idempotency anchor for one freeze lifecycle.
type FreezeRecord struct {
	RequestID       RequestID
	UserID          UserID
	Amount          Amount
	Status          FreezeStatus
	ModelID         string
	ConversationID  string
	EstimatedCost   Amount
	ActualCost      Amount
	InputTokens     int
	OutputTokens    int
	Remark          string
	FrozenUnixUTC   int64
	SettledUnixUTC  int64
	RefundedUnixUTC int64
}

// Store is the persistence contract used by Service. Implementations must
// provide transactional semantics: everything inside WithTx commits or rolls
// back together, and the ForUpdate reads hold exclusive row locks until the
// transaction ends.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, userID UserID) (Account, error)
	GetAccountForUpdate(ctx context.Context, userID UserID) (Account, error)
	UpdateAccountBalances(ctx context.Context, userID UserID, balance Amount, frozenBalance Amount, fromVersion int64) error
	InsertLogEntry(ctx context.Context, entry LogEntry) error
	ListLogEntries(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]LogEntry, error)
	GetFreezeRecord(ctx context.Context, requestID RequestID) (FreezeRecord, error)
	GetFreezeRecordForUpdate(ctx context.Context, requestID RequestID) (FreezeRecord, error)
	InsertFreezeRecord(ctx context.Context, record FreezeRecord) error
	UpdateFreezeRecord(ctx context.Context, record FreezeRecord, fromStatus FreezeStatus) error
	ListStaleFrozen(ctx context.Context, frozenBeforeUnixUTC int64, limit int) ([]FreezeRecord, error)
}
