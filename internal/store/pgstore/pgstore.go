package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintRefundOfEntry = "uniq_wallet_refund_of_entry"
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectEntry       = "entry"
	errorSubjectJob         = "job"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLock           = "lock"
	errorCodeLookup         = "lookup"
	errorCodeReserve        = "reserve"
	errorCodeScan           = "scan"
	errorCodeSum            = "sum"
	errorCodeUpdate         = "update"

	sqlInsertEntry = `
		insert into wallet_entries(
			user_id, type, amount_minor_units, currency, description, job_id,
			pricing_snapshot, application_fee_minor_units, vendor_account_id,
			upstream_payment_ref, upstream_refund_ref, refund_of_entry_id,
			metadata, created_at
		)
		values(
			$1, $2, $3, $4, $5, $6,
			coalesce(nullif($7,''),'{}')::jsonb, $8, $9,
			$10, $11, $12,
			coalesce(nullif($13,''),'{}')::jsonb, to_timestamp($14)
		)
		returning entry_id
	`

	sqlSumBalance = `
		select coalesce(sum(case when type = 'charge' then -amount_minor_units else amount_minor_units end),0)
		from wallet_entries
		where user_id = $1
	`

	sqlAdvisoryLockUser = `select pg_advisory_xact_lock(hashtext($1))`

	// The balance check and the charge insert execute as one statement: the
	// insert is gated by the aggregate computed in the same statement. The
	// statement runs under the per-user advisory xact lock, which keeps two
	// simultaneous statements from reading the same balance snapshot under
	// read committed.
	sqlReserveCharge = `
		with balance as (
			select coalesce(sum(case when type = 'charge' then -amount_minor_units else amount_minor_units end),0) as balance_before
			from wallet_entries
			where user_id = $1
		), inserted as (
			insert into wallet_entries(
				user_id, type, amount_minor_units, currency, description, job_id,
				pricing_snapshot, application_fee_minor_units, vendor_account_id,
				upstream_payment_ref, metadata, created_at
			)
			select
				$1, 'charge', $2, $3, $4, $5,
				coalesce(nullif($6,''),'{}')::jsonb, $7, $8,
				$9, coalesce(nullif($10,''),'{}')::jsonb, to_timestamp($11)
			from balance
			where balance_before >= $2
			returning entry_id
		)
		select balance.balance_before, coalesce((select entry_id from inserted), 0)
		from balance
	`

	sqlSelectEntry = `
		select ` + entryColumns + `
		from wallet_entries
		where entry_id = $1
	`

	sqlFindChargesByJob = `
		select ` + entryColumns + `
		from wallet_entries
		where type = 'charge' and job_id = $1
		order by created_at asc, entry_id asc
	`

	sqlFindRefundOfCharge = `
		select ` + entryColumns + `
		from wallet_entries
		where type = 'refund' and refund_of_entry_id = $1
	`

	sqlListStrandedCharges = `
		select ` + entryColumns + `
		from wallet_entries
		where type = 'charge'
		and job_id is not null
		and created_at >= to_timestamp($1) and created_at <= to_timestamp($2)
		and not exists (
			select 1 from wallet_entries refunds
			where refunds.type = 'refund' and refunds.refund_of_entry_id = wallet_entries.entry_id
		)
		order by created_at asc, entry_id asc
		limit $3
	`

	sqlSetUpstreamRefundRef = `
		update wallet_entries
		set upstream_refund_ref = $2
		where entry_id = $1 and type = 'refund' and upstream_refund_ref is null
	`

	sqlListEntriesBefore = `
		select ` + entryColumns + `
		from wallet_entries
		where user_id = $1 and created_at < to_timestamp($2)
		order by created_at desc, entry_id desc
		limit $3
	`

	sqlJobExists = `
		select exists(select 1 from generation_jobs where job_id = $1)
	`

	sqlJobTraceExists = `
		select exists(select 1 from job_queue_events where job_id = $1)
	`

	entryColumns = `
		entry_id, user_id, type, amount_minor_units, currency, description,
		job_id, pricing_snapshot::text, application_fee_minor_units,
		vendor_account_id, upstream_payment_ref, upstream_refund_ref,
		refund_of_entry_id, metadata::text,
		extract(epoch from created_at)::bigint
	`
)

// querier is satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements wallet.Store using a pgx connection pool (autocommit) or
// an active transaction.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	if store.pool == nil {
		// Already inside a transaction; pg savepoints are not needed here.
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{db: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entry wallet.Entry) (wallet.EntryID, error) {
	var refundOf *int64
	if entry.RefundOfEntryID != nil {
		value := int64(*entry.RefundOfEntryID)
		refundOf = &value
	}
	var entryIDValue int64
	err := store.db.QueryRow(ctx, sqlInsertEntry,
		entry.UserID,
		entry.Type.String(),
		entry.AmountMinorUnits,
		entry.Currency,
		entry.Description,
		entry.JobID,
		entry.PricingSnapshot,
		entry.ApplicationFeeMinorUnits,
		entry.VendorAccountID,
		entry.UpstreamPaymentRef,
		entry.UpstreamRefundRef,
		refundOf,
		entry.MetadataJSON,
		entry.CreatedUnixUTC,
	).Scan(&entryIDValue)
	if isRefundConflict(err) {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, wallet.ErrChargeAlreadyRefunded)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return wallet.EntryID(entryIDValue), nil
}

func (store *Store) SumBalance(ctx context.Context, userID string) (wallet.AmountMinorUnits, error) {
	var sum int64
	if err := store.db.QueryRow(ctx, sqlSumBalance, userID).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return sum, nil
}

// InsertChargeIfBalance serializes per user with an advisory xact lock and
// runs the gated insert inside that transaction. When the store is already
// transactional the lock attaches to the caller's transaction.
func (store *Store) InsertChargeIfBalance(ctx context.Context, charge wallet.Entry) (wallet.ChargeAttempt, error) {
	if store.pool == nil {
		return store.reserveCharge(ctx, charge)
	}
	var attempt wallet.ChargeAttempt
	err := store.WithTx(ctx, func(ctx context.Context, txStore wallet.Store) error {
		transactionStore, ok := txStore.(*Store)
		if !ok {
			return wrapStoreError(errorSubjectTransaction, errorCodeInvalid, errors.New("unexpected transaction store type"))
		}
		result, err := transactionStore.reserveCharge(ctx, charge)
		if err != nil {
			return err
		}
		attempt = result
		return nil
	})
	if err != nil {
		return wallet.ChargeAttempt{}, err
	}
	return attempt, nil
}

func (store *Store) reserveCharge(ctx context.Context, charge wallet.Entry) (wallet.ChargeAttempt, error) {
	if _, err := store.db.Exec(ctx, sqlAdvisoryLockUser, charge.UserID); err != nil {
		return wallet.ChargeAttempt{}, wrapStoreError(errorSubjectEntry, errorCodeLock, err)
	}
	var (
		balanceBefore int64
		entryIDValue  int64
	)
	err := store.db.QueryRow(ctx, sqlReserveCharge,
		charge.UserID,
		charge.AmountMinorUnits,
		charge.Currency,
		charge.Description,
		charge.JobID,
		charge.PricingSnapshot,
		charge.ApplicationFeeMinorUnits,
		charge.VendorAccountID,
		charge.UpstreamPaymentRef,
		charge.MetadataJSON,
		charge.CreatedUnixUTC,
	).Scan(&balanceBefore, &entryIDValue)
	if err != nil {
		return wallet.ChargeAttempt{}, wrapStoreError(errorSubjectEntry, errorCodeReserve, err)
	}
	attempt := wallet.ChargeAttempt{
		BalanceBefore: balanceBefore,
		BalanceAfter:  balanceBefore,
	}
	if entryIDValue != 0 {
		attempt.Inserted = true
		attempt.EntryID = wallet.EntryID(entryIDValue)
		attempt.BalanceAfter = balanceBefore - charge.AmountMinorUnits
	}
	return attempt, nil
}

func (store *Store) GetEntry(ctx context.Context, entryID wallet.EntryID) (wallet.Entry, error) {
	row := store.db.QueryRow(ctx, sqlSelectEntry, int64(entryID))
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return wallet.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, wallet.ErrUnknownCharge)
		}
		return wallet.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	return entry, nil
}

func (store *Store) FindChargesByJob(ctx context.Context, jobID string) ([]wallet.Entry, error) {
	rows, err := store.db.Query(ctx, sqlFindChargesByJob, jobID)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func (store *Store) FindRefundOfCharge(ctx context.Context, chargeEntryID wallet.EntryID) (*wallet.Entry, error) {
	row := store.db.QueryRow(ctx, sqlFindRefundOfCharge, int64(chargeEntryID))
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	return &entry, nil
}

func (store *Store) ListStrandedCharges(ctx context.Context, olderThanUnixUTC int64, newerThanUnixUTC int64, limit int) ([]wallet.Entry, error) {
	rows, err := store.db.Query(ctx, sqlListStrandedCharges, newerThanUnixUTC, olderThanUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeScan, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func (store *Store) SetUpstreamRefundRef(ctx context.Context, refundEntryID wallet.EntryID, refundRef string) error {
	if _, err := store.db.Exec(ctx, sqlSetUpstreamRefundRef, int64(refundEntryID), refundRef); err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]wallet.Entry, error) {
	if beforeUnixUTC == 0 {
		beforeUnixUTC = time.Now().UTC().Add(time.Second).Unix()
	}
	rows, err := store.db.Query(ctx, sqlListEntriesBefore, userID, beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

// JobExists reports whether a generation job record exists.
func (store *Store) JobExists(ctx context.Context, jobID string) (bool, error) {
	var exists bool
	if err := store.db.QueryRow(ctx, sqlJobExists, jobID).Scan(&exists); err != nil {
		return false, wrapStoreError(errorSubjectJob, errorCodeLookup, err)
	}
	return exists, nil
}

// JobTraceExists reports whether the job left a trace in the external queue.
func (store *Store) JobTraceExists(ctx context.Context, jobID string) (bool, error) {
	var exists bool
	if err := store.db.QueryRow(ctx, sqlJobTraceExists, jobID).Scan(&exists); err != nil {
		return false, wrapStoreError(errorSubjectJob, errorCodeLookup, err)
	}
	return exists, nil
}

func scanEntry(row pgx.Row) (wallet.Entry, error) {
	var (
		entry     wallet.Entry
		entryID   int64
		entryType string
		refundOf  *int64
	)
	err := row.Scan(
		&entryID,
		&entry.UserID,
		&entryType,
		&entry.AmountMinorUnits,
		&entry.Currency,
		&entry.Description,
		&entry.JobID,
		&entry.PricingSnapshot,
		&entry.ApplicationFeeMinorUnits,
		&entry.VendorAccountID,
		&entry.UpstreamPaymentRef,
		&entry.UpstreamRefundRef,
		&refundOf,
		&entry.MetadataJSON,
		&entry.CreatedUnixUTC,
	)
	if err != nil {
		return wallet.Entry{}, err
	}
	entry.EntryID = wallet.EntryID(entryID)
	parsedType, err := wallet.ParseEntryType(entryType)
	if err != nil {
		return wallet.Entry{}, err
	}
	entry.Type = parsedType
	if refundOf != nil {
		value := wallet.EntryID(*refundOf)
		entry.RefundOfEntryID = &value
	}
	return entry, nil
}

func scanEntries(rows pgx.Rows) ([]wallet.Entry, error) {
	entries := make([]wallet.Entry, 0, 32)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}

func isRefundConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintRefundOfEntry
	}
	return false
}
