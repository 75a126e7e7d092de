package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	constraintRefundOfEntry = "uniq_wallet_refund_of_entry"
	defaultJSON             = "{}"
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19
	dialectPostgres         = "postgres"
	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectEntry       = "entry"
	errorSubjectJob         = "job"
	errorSubjectReservation = "reservation"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeList           = "list"
	errorCodeLock           = "lock"
	errorCodeLookup         = "lookup"
	errorCodeScan           = "scan"
	errorCodeSum            = "sum"
	errorCodeUpdate         = "update"

	sumBalanceExpr = "coalesce(sum(case when type = 'charge' then -amount_minor_units else amount_minor_units end),0) as total"
)

// Store implements wallet.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the wallet schema. Production Postgres is migrated out of
// band; this covers SQLite and test databases.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&WalletEntry{}, &GenerationJob{}, &JobQueueEvent{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) InsertEntry(ctx context.Context, entry wallet.Entry) (wallet.EntryID, error) {
	model := toModel(entry)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isRefundConflict(err) {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, wallet.ErrChargeAlreadyRefunded)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return wallet.EntryID(model.EntryID), nil
}

func (store *Store) SumBalance(ctx context.Context, userID string) (wallet.AmountMinorUnits, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&WalletEntry{}).
		Select(sumBalanceExpr).
		Where("user_id = ?", userID).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return sum.Total, nil
}

// InsertChargeIfBalance runs the balance check and the charge insert inside
// one transaction, serialized per user with a Postgres advisory lock. SQLite
// has a single writer, so the transaction alone suffices there.
func (store *Store) InsertChargeIfBalance(ctx context.Context, charge wallet.Entry) (wallet.ChargeAttempt, error) {
	var attempt wallet.ChargeAttempt
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		transactionStore := &Store{db: transaction}
		if transaction.Dialector.Name() == dialectPostgres {
			if err := transaction.Exec("select pg_advisory_xact_lock(hashtext(?))", charge.UserID).Error; err != nil {
				return wrapStoreError(errorSubjectReservation, errorCodeLock, err)
			}
		}
		balance, err := transactionStore.SumBalance(ctx, charge.UserID)
		if err != nil {
			return err
		}
		attempt.BalanceBefore = balance
		attempt.BalanceAfter = balance
		if balance < charge.AmountMinorUnits {
			return nil
		}
		entryID, err := transactionStore.InsertEntry(ctx, charge)
		if err != nil {
			return err
		}
		attempt.Inserted = true
		attempt.EntryID = entryID
		attempt.BalanceAfter = balance - charge.AmountMinorUnits
		return nil
	})
	if err != nil {
		return wallet.ChargeAttempt{}, err
	}
	return attempt, nil
}

func (store *Store) GetEntry(ctx context.Context, entryID wallet.EntryID) (wallet.Entry, error) {
	var model WalletEntry
	err := store.db.WithContext(ctx).
		Where("entry_id = ?", int64(entryID)).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wallet.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, wallet.ErrUnknownCharge)
		}
		return wallet.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	return fromModel(model), nil
}

func (store *Store) FindChargesByJob(ctx context.Context, jobID string) ([]wallet.Entry, error) {
	var rows []WalletEntry
	err := store.db.WithContext(ctx).
		Where("type = ? AND job_id = ?", wallet.EntryCharge.String(), jobID).
		Order("created_at ASC, entry_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	return fromModels(rows), nil
}

func (store *Store) FindRefundOfCharge(ctx context.Context, chargeEntryID wallet.EntryID) (*wallet.Entry, error) {
	var model WalletEntry
	err := store.db.WithContext(ctx).
		Where("type = ? AND refund_of_entry_id = ?", wallet.EntryRefund.String(), int64(chargeEntryID)).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	entry := fromModel(model)
	return &entry, nil
}

func (store *Store) ListStrandedCharges(ctx context.Context, olderThanUnixUTC int64, newerThanUnixUTC int64, limit int) ([]wallet.Entry, error) {
	upper := time.Unix(olderThanUnixUTC, 0).UTC()
	lower := time.Unix(newerThanUnixUTC, 0).UTC()
	var rows []WalletEntry
	err := store.db.WithContext(ctx).
		Where("type = ?", wallet.EntryCharge.String()).
		Where("job_id IS NOT NULL").
		Where("created_at >= ? AND created_at <= ?", lower, upper).
		Where("NOT EXISTS (select 1 from wallet_entries refunds where refunds.refund_of_entry_id = wallet_entries.entry_id and refunds.type = ?)", wallet.EntryRefund.String()).
		Order("created_at ASC, entry_id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeScan, err)
	}
	return fromModels(rows), nil
}

func (store *Store) SetUpstreamRefundRef(ctx context.Context, refundEntryID wallet.EntryID, refundRef string) error {
	result := store.db.WithContext(ctx).
		Model(&WalletEntry{}).
		Where("entry_id = ? AND type = ? AND upstream_refund_ref IS NULL", int64(refundEntryID), wallet.EntryRefund.String()).
		Update("upstream_refund_ref", refundRef)
	if result.Error != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, result.Error)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]wallet.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []WalletEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID, before).
		Order("created_at DESC, entry_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return fromModels(rows), nil
}

// JobExists reports whether a generation job record exists.
func (store *Store) JobExists(ctx context.Context, jobID string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&GenerationJob{}).
		Where("job_id = ?", jobID).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectJob, errorCodeLookup, err)
	}
	return count > 0, nil
}

// JobTraceExists reports whether the job left a trace in the external queue.
func (store *Store) JobTraceExists(ctx context.Context, jobID string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&JobQueueEvent{}).
		Where("job_id = ?", jobID).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectJob, errorCodeLookup, err)
	}
	return count > 0, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func toModel(entry wallet.Entry) WalletEntry {
	var refundOf *int64
	if entry.RefundOfEntryID != nil {
		value := int64(*entry.RefundOfEntryID)
		refundOf = &value
	}
	createdAt := time.Unix(entry.CreatedUnixUTC, 0).UTC()
	if createdAt.IsZero() || entry.CreatedUnixUTC == 0 {
		createdAt = time.Now().UTC()
	}
	return WalletEntry{
		UserID:                   entry.UserID,
		Type:                     entry.Type.String(),
		AmountMinorUnits:         entry.AmountMinorUnits,
		Currency:                 entry.Currency,
		Description:              entry.Description,
		JobID:                    entry.JobID,
		PricingSnapshot:          datatypesJSON(entry.PricingSnapshot),
		ApplicationFeeMinorUnits: entry.ApplicationFeeMinorUnits,
		VendorAccountID:          entry.VendorAccountID,
		UpstreamPaymentRef:       entry.UpstreamPaymentRef,
		UpstreamRefundRef:        entry.UpstreamRefundRef,
		RefundOfEntryID:          refundOf,
		Metadata:                 datatypesJSON(entry.MetadataJSON),
		CreatedAt:                createdAt,
	}
}

func fromModel(model WalletEntry) wallet.Entry {
	var refundOf *wallet.EntryID
	if model.RefundOfEntryID != nil {
		value := wallet.EntryID(*model.RefundOfEntryID)
		refundOf = &value
	}
	return wallet.Entry{
		EntryID:                  wallet.EntryID(model.EntryID),
		UserID:                   model.UserID,
		Type:                     wallet.EntryType(model.Type),
		AmountMinorUnits:         model.AmountMinorUnits,
		Currency:                 model.Currency,
		Description:              model.Description,
		JobID:                    model.JobID,
		PricingSnapshot:          jsonOrDefault(model.PricingSnapshot),
		ApplicationFeeMinorUnits: model.ApplicationFeeMinorUnits,
		VendorAccountID:          model.VendorAccountID,
		UpstreamPaymentRef:       model.UpstreamPaymentRef,
		UpstreamRefundRef:        model.UpstreamRefundRef,
		RefundOfEntryID:          refundOf,
		MetadataJSON:             jsonOrDefault(model.Metadata),
		CreatedUnixUTC:           model.CreatedAt.Unix(),
	}
}

func fromModels(rows []WalletEntry) []wallet.Entry {
	entries := make([]wallet.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, fromModel(row))
	}
	return entries
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func jsonOrDefault(raw datatypes.JSON) string {
	if len(raw) == 0 {
		return defaultJSON
	}
	return string(raw)
}

func isRefundConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintRefundOfEntry
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
