package coinledger

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
)

// stubStore is an in-memory Store for engine tests. It is not safe for
// concurrent use; tests exercise sequential protocol flows.
type stubStore struct {
	accounts map[string]Account
	logs     []LogEntry
	freezes  map[string]FreezeRecord

	// failUpdates makes the next N UpdateAccountBalances calls fail with
	// ErrTransientContention, to exercise the retry loop.
	failUpdates int
	// raceFreeze makes the next InsertFreezeRecord fail with
	// ErrDuplicateRequestID after recording the racing winner's row.
	raceFreeze *FreezeRecord
}

func newStubStore() *stubStore {
	return &stubStore{
		accounts: make(map[string]Account),
		freezes:  make(map[string]FreezeRecord),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetOrCreateAccount(_ context.Context, userID UserID) (Account, error) {
	account, ok := store.accounts[userID.String()]
	if !ok {
		account = Account{UserID: userID}
		store.accounts[userID.String()] = account
	}
	return account, nil
}

func (store *stubStore) GetAccountForUpdate(ctx context.Context, userID UserID) (Account, error) {
	return store.GetOrCreateAccount(ctx, userID)
}

func (store *stubStore) UpdateAccountBalances(_ context.Context, userID UserID, balance Amount, frozenBalance Amount, fromVersion int64) error {
	if store.failUpdates > 0 {
		store.failUpdates--
		return ErrTransientContention
	}
	account, ok := store.accounts[userID.String()]
	if !ok || account.Version != fromVersion {
		return ErrTransientContention
	}
	account.Balance = balance
	account.FrozenBalance = frozenBalance
	account.Version++
	store.accounts[userID.String()] = account
	return nil
}

func (store *stubStore) InsertLogEntry(_ context.Context, entry LogEntry) error {
	store.logs = append(store.logs, entry)
	return nil
}

func (store *stubStore) ListLogEntries(_ context.Context, userID UserID, _ int64, limit int) ([]LogEntry, error) {
	entries := make([]LogEntry, 0, len(store.logs))
	for i := len(store.logs) - 1; i >= 0; i-- {
		if store.logs[i].UserID == userID {
			entries = append(entries, store.logs[i])
		}
		if limit > 0 && len(entries) == limit {
			break
		}
	}
	return entries, nil
}

func (store *stubStore) GetFreezeRecord(_ context.Context, requestID RequestID) (FreezeRecord, error) {
	record, ok := store.freezes[requestID.String()]
	if !ok {
		return FreezeRecord{}, ErrUnknownRequestID
	}
	return record, nil
}

func (store *stubStore) GetFreezeRecordForUpdate(ctx context.Context, requestID RequestID) (FreezeRecord, error) {
	return store.GetFreezeRecord(ctx, requestID)
}

func (store *stubStore) InsertFreezeRecord(_ context.Context, record FreezeRecord) error {
	if store.raceFreeze != nil {
		store.freezes[store.raceFreeze.RequestID.String()] = *store.raceFreeze
		store.raceFreeze = nil
		return ErrDuplicateRequestID
	}
	if _, exists := store.freezes[record.RequestID.String()]; exists {
		return ErrDuplicateRequestID
	}
	store.freezes[record.RequestID.String()] = record
	return nil
}

func (store *stubStore) UpdateFreezeRecord(_ context.Context, record FreezeRecord, fromStatus FreezeStatus) error {
	existing, ok := store.freezes[record.RequestID.String()]
	if !ok || existing.Status != fromStatus {
		return ErrTransientContention
	}
	store.freezes[record.RequestID.String()] = record
	return nil
}

func (store *stubStore) ListStaleFrozen(_ context.Context, frozenBeforeUnixUTC int64, limit int) ([]FreezeRecord, error) {
	records := make([]FreezeRecord, 0)
	for _, record := range store.freezes {
		if record.Status == FreezeStatusFrozen && record.FrozenUnixUTC < frozenBeforeUnixUTC {
			records = append(records, record)
		}
		if limit > 0 && len(records) == limit {
			break
		}
	}
	return records, nil
}

func (store *stubStore) setAccount(test *testing.T, userID UserID, balance string, frozen string) {
	test.Helper()
	store.accounts[userID.String()] = Account{
		UserID:        userID,
		Balance:       mustAmount(test, balance),
		FrozenBalance: mustAmount(test, frozen),
	}
}

func (store *stubStore) mustAccount(test *testing.T, userID UserID) Account {
	test.Helper()
	account, ok := store.accounts[userID.String()]
	if !ok {
		test.Fatalf("no account for %s", userID)
	}
	return account
}

func (store *stubStore) mustFreeze(test *testing.T, requestID RequestID) FreezeRecord {
	test.Helper()
	record, ok := store.freezes[requestID.String()]
	if !ok {
		test.Fatalf("no freeze record for %s", requestID)
	}
	return record
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id %q: %v", raw, err)
	}
	return userID
}

func mustRequestID(test *testing.T, raw string) RequestID {
	test.Helper()
	requestID, err := NewRequestID(raw)
	if err != nil {
		test.Fatalf("request id %q: %v", raw, err)
	}
	return requestID
}

func mustModelID(test *testing.T, raw string) ModelID {
	test.Helper()
	modelID, err := NewModelID(raw)
	if err != nil {
		test.Fatalf("model id %q: %v", raw, err)
	}
	return modelID
}

func mustAmount(test *testing.T, raw string) Amount {
	test.Helper()
	amount, err := ParseAmount(raw)
	if err != nil {
		test.Fatalf("amount %q: %v", raw, err)
	}
	return amount
}

func mustPositiveAmount(test *testing.T, raw string) PositiveAmount {
	test.Helper()
	amount, err := NewPositiveAmount(decimal.RequireFromString(raw))
	if err != nil {
		test.Fatalf("positive amount %q: %v", raw, err)
	}
	return amount
}

func mustNewCalculator(test *testing.T) *Calculator {
	test.Helper()
	source, err := NewStaticPricingSource(map[string]ModelPricing{
		"test-model": {
			InputWeight:     decimal.RequireFromString("1.0"),
			OutputWeight:    decimal.RequireFromString("2.0"),
			BaseFee:         decimal.RequireFromString("10"),
			RateMultiplier:  decimal.RequireFromString("1.0"),
			MaxOutputTokens: 100,
		},
	})
	if err != nil {
		test.Fatalf("pricing source: %v", err)
	}
	calculator, err := NewCalculator(source)
	if err != nil {
		test.Fatalf("calculator: %v", err)
	}
	return calculator
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	clock := func() int64 { return 1700000000 }
	options = append([]ServiceOption{WithRetryPolicy(defaultRetryAttempts, 0)}, options...)
	service, err := NewService(store, mustNewCalculator(test), clock, options...)
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	return service
}
