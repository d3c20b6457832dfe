package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sfirelab/coinledger/pkg/coinledger"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON     = "{}"
	pgUniqueViolationCode   = "23505"
	pgSerializationFailure  = "40001"
	pgDeadlockDetected      = "40P01"
	pgLockNotAvailable      = "55P03"
	sqliteConstraintCode    = 19
	sqliteBusyCode          = 5
	sqliteLockedCode        = 6
	dialectPostgres         = "postgres"
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectLog         = "log"
	errorSubjectFreeze      = "freeze"
	errorSubjectPricing     = "pricing"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeUpdateBalances = "update_balances"
	errorCodeUpdateStatus   = "update_status"
)

// Store implements coinledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the ledger schema.
func (store *Store) AutoMigrate() error {
	return store.db.AutoMigrate(&CoinAccount{}, &ComputeLog{}, &ComputeFreezeLog{}, &ModelPricingRow{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore coinledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateAccount(ctx context.Context, userID coinledger.UserID) (coinledger.Account, error) {
	var account CoinAccount
	err := store.db.WithContext(ctx).
		FirstOrCreate(&account, CoinAccount{UserID: userID.String()}).Error
	if err != nil {
		return coinledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return mapAccount(account)
}

func (store *Store) GetAccountForUpdate(ctx context.Context, userID coinledger.UserID) (coinledger.Account, error) {
	var account CoinAccount
	query := store.db.WithContext(ctx)
	// FOR UPDATE is postgres-only syntax; sqlite serializes writers anyway.
	if store.db.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := query.Where("user_id = ?", userID.String()).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		account = CoinAccount{UserID: userID.String()}
		if createErr := store.db.WithContext(ctx).Create(&account).Error; createErr != nil && !isDuplicateKey(createErr) {
			return coinledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, createErr)
		}
		err = query.Where("user_id = ?", userID.String()).Take(&account).Error
	}
	if err != nil {
		if isTransientContention(err) {
			return coinledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, coinledger.ErrTransientContention)
		}
		return coinledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(account)
}

func (store *Store) UpdateAccountBalances(ctx context.Context, userID coinledger.UserID, balance coinledger.Amount, frozenBalance coinledger.Amount, fromVersion int64) error {
	result := store.db.WithContext(ctx).
		Model(&CoinAccount{}).
		Where("user_id = ? AND version = ?", userID.String(), fromVersion).
		Updates(map[string]interface{}{
			"balance":        balance.Decimal(),
			"frozen_balance": frozenBalance.Decimal(),
			"version":        fromVersion + 1,
			"updated_at":     time.Now().UTC(),
		})
	if result.Error != nil {
		if isTransientContention(result.Error) {
			return wrapStoreError(errorSubjectAccount, errorCodeUpdateBalances, coinledger.ErrTransientContention)
		}
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateBalances, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateBalances, coinledger.ErrTransientContention)
	}
	return nil
}

func (store *Store) InsertLogEntry(ctx context.Context, entry coinledger.LogEntry) error {
	model := ComputeLog{
		LogID:         entry.LogID,
		UserID:        entry.UserID.String(),
		Type:          entry.Type.String(),
		Amount:        entry.Amount.Decimal(),
		BeforeBalance: entry.BeforeBalance.Decimal(),
		AfterBalance:  entry.AfterBalance.Decimal(),
		Remark:        entry.Remark,
		TaskID:        optionalString(entry.TaskID),
		OrderID:       optionalString(entry.OrderID),
		OperatorID:    optionalString(entry.OperatorID),
		Source:        entry.Source.String(),
		Metadata:      datatypesJSON(entry.MetadataJSON),
		CreatedAt:     time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if entry.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectLog, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListLogEntries(ctx context.Context, userID coinledger.UserID, beforeUnixUTC int64, limit int) ([]coinledger.LogEntry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []ComputeLog
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectLog, errorCodeList, err)
	}

	entries := make([]coinledger.LogEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLogEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectLog, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) GetFreezeRecord(ctx context.Context, requestID coinledger.RequestID) (coinledger.FreezeRecord, error) {
	return store.getFreezeRecord(ctx, requestID, false)
}

func (store *Store) GetFreezeRecordForUpdate(ctx context.Context, requestID coinledger.RequestID) (coinledger.FreezeRecord, error) {
	return store.getFreezeRecord(ctx, requestID, true)
}

func (store *Store) getFreezeRecord(ctx context.Context, requestID coinledger.RequestID, forUpdate bool) (coinledger.FreezeRecord, error) {
	var model ComputeFreezeLog
	query := store.db.WithContext(ctx)
	if forUpdate && store.db.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := query.Where("request_id = ?", requestID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return coinledger.FreezeRecord{}, wrapStoreError(errorSubjectFreeze, errorCodeGet, coinledger.ErrUnknownRequestID)
		}
		if isTransientContention(err) {
			return coinledger.FreezeRecord{}, wrapStoreError(errorSubjectFreeze, errorCodeGet, coinledger.ErrTransientContention)
		}
		return coinledger.FreezeRecord{}, wrapStoreError(errorSubjectFreeze, errorCodeGet, err)
	}
	record, err := mapFreezeRecord(model)
	if err != nil {
		return coinledger.FreezeRecord{}, wrapStoreError(errorSubjectFreeze, errorCodeInvalid, err)
	}
	return record, nil
}

func (store *Store) InsertFreezeRecord(ctx context.Context, record coinledger.FreezeRecord) error {
	model := freezeModel(record)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isDuplicateKey(err) {
		return wrapStoreError(errorSubjectFreeze, errorCodeDuplicate, coinledger.ErrDuplicateRequestID)
	}
	if err != nil {
		return wrapStoreError(errorSubjectFreeze, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) UpdateFreezeRecord(ctx context.Context, record coinledger.FreezeRecord, fromStatus coinledger.FreezeStatus) error {
	model := freezeModel(record)
	result := store.db.WithContext(ctx).
		Model(&ComputeFreezeLog{}).
		Where("request_id = ? AND status = ?", record.RequestID.String(), fromStatus.String()).
		Updates(map[string]interface{}{
			"status":        model.Status,
			"actual_cost":   model.ActualCost,
			"input_tokens":  model.InputTokens,
			"output_tokens": model.OutputTokens,
			"remark":        model.Remark,
			"settled_at":    model.SettledAt,
			"refunded_at":   model.RefundedAt,
		})
	if result.Error != nil {
		if isTransientContention(result.Error) {
			return wrapStoreError(errorSubjectFreeze, errorCodeUpdateStatus, coinledger.ErrTransientContention)
		}
		return wrapStoreError(errorSubjectFreeze, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectFreeze, errorCodeUpdateStatus, coinledger.ErrTransientContention)
	}
	return nil
}

func (store *Store) ListStaleFrozen(ctx context.Context, frozenBeforeUnixUTC int64, limit int) ([]coinledger.FreezeRecord, error) {
	before := time.Unix(frozenBeforeUnixUTC, 0).UTC()
	var rows []ComputeFreezeLog
	err := store.db.WithContext(ctx).
		Where("status = ? AND frozen_at < ?", coinledger.FreezeStatusFrozen.String(), before).
		Order("frozen_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectFreeze, errorCodeList, err)
	}

	records := make([]coinledger.FreezeRecord, 0, len(rows))
	for _, row := range rows {
		record, err := mapFreezeRecord(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectFreeze, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return coinledger.WrapError(errorOperationStore, subject, code, err)
}

func mapAccount(model CoinAccount) (coinledger.Account, error) {
	userID, err := coinledger.NewUserID(model.UserID)
	if err != nil {
		return coinledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return coinledger.Account{
		UserID:        userID,
		Balance:       coinledger.NewAmount(model.Balance),
		FrozenBalance: coinledger.NewAmount(model.FrozenBalance),
		Version:       model.Version,
	}, nil
}

func mapLogEntry(row ComputeLog) (coinledger.LogEntry, error) {
	userID, err := coinledger.NewUserID(row.UserID)
	if err != nil {
		return coinledger.LogEntry{}, err
	}
	logType, err := coinledger.ParseLogType(row.Type)
	if err != nil {
		return coinledger.LogEntry{}, err
	}
	return coinledger.LogEntry{
		LogID:          row.LogID,
		UserID:         userID,
		Type:           logType,
		Amount:         coinledger.NewAmount(row.Amount),
		BeforeBalance:  coinledger.NewAmount(row.BeforeBalance),
		AfterBalance:   coinledger.NewAmount(row.AfterBalance),
		Remark:         row.Remark,
		TaskID:         stringOrEmpty(row.TaskID),
		OrderID:        stringOrEmpty(row.OrderID),
		OperatorID:     stringOrEmpty(row.OperatorID),
		Source:         coinledger.EntrySource(row.Source),
		MetadataJSON:   string(row.Metadata),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func freezeModel(record coinledger.FreezeRecord) ComputeFreezeLog {
	return ComputeFreezeLog{
		RequestID:      record.RequestID.String(),
		UserID:         record.UserID.String(),
		Amount:         record.Amount.Decimal(),
		Status:         record.Status.String(),
		ModelID:        record.ModelID,
		ConversationID: optionalString(record.ConversationID),
		EstimatedCost:  record.EstimatedCost.Decimal(),
		ActualCost:     record.ActualCost.Decimal(),
		InputTokens:    record.InputTokens,
		OutputTokens:   record.OutputTokens,
		Remark:         record.Remark,
		FrozenAt:       time.Unix(record.FrozenUnixUTC, 0).UTC(),
		SettledAt:      optionalTime(record.SettledUnixUTC),
		RefundedAt:     optionalTime(record.RefundedUnixUTC),
	}
}

func mapFreezeRecord(row ComputeFreezeLog) (coinledger.FreezeRecord, error) {
	requestID, err := coinledger.NewRequestID(row.RequestID)
	if err != nil {
		return coinledger.FreezeRecord{}, err
	}
	userID, err := coinledger.NewUserID(row.UserID)
	if err != nil {
		return coinledger.FreezeRecord{}, err
	}
	status, err := coinledger.ParseFreezeStatus(row.Status)
	if err != nil {
		return coinledger.FreezeRecord{}, err
	}
	return coinledger.FreezeRecord{
		RequestID:       requestID,
		UserID:          userID,
		Amount:          coinledger.NewAmount(row.Amount),
		Status:          status,
		ModelID:         row.ModelID,
		ConversationID:  stringOrEmpty(row.ConversationID),
		EstimatedCost:   coinledger.NewAmount(row.EstimatedCost),
		ActualCost:      coinledger.NewAmount(row.ActualCost),
		InputTokens:     row.InputTokens,
		OutputTokens:    row.OutputTokens,
		Remark:          row.Remark,
		FrozenUnixUTC:   row.FrozenAt.Unix(),
		SettledUnixUTC:  timeOrZero(row.SettledAt),
		RefundedUnixUTC: timeOrZero(row.RefundedAt),
	}, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func optionalTime(unixUTC int64) *time.Time {
	if unixUTC == 0 {
		return nil
	}
	value := time.Unix(unixUTC, 0).UTC()
	return &value
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isTransientContention(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return true
		}
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xFF
		return code == sqliteBusyCode || code == sqliteLockedCode
	}
	return false
}
