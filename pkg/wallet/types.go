package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// AmountMinorUnits is an integer amount in the currency's smallest unit.
type AmountMinorUnits = int64

// UserID identifies a wallet owner.
type UserID struct {
	value string
}

// JobID identifies the unit of work a charge paid for.
type JobID struct {
	value string
}

// Currency is an uppercase ISO 4217 code.
type Currency struct {
	value string
}

// MetadataJSON stores arbitrary entry metadata.
type MetadataJSON struct {
	value string
}

// PricingSnapshotJSON is the opaque quote captured at charge time for audit.
type PricingSnapshotJSON struct {
	value string
}

// EntryID is the monotonic ledger entry identifier assigned at insert.
type EntryID int64

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

// NewJobID validates and normalizes a job id.
func NewJobID(raw string) (JobID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return JobID{}, fmt.Errorf("%w: empty value", ErrInvalidJobID)
	}
	return JobID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id JobID) String() string {
	return id.value
}

// NewCurrency validates and normalizes an ISO currency code.
func NewCurrency(raw string) (Currency, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if len(normalized) != 3 {
		return Currency{}, fmt.Errorf("%w: must be a three-letter ISO code", ErrInvalidCurrency)
	}
	for _, letter := range normalized {
		if letter < 'A' || letter > 'Z' {
			return Currency{}, fmt.Errorf("%w: must be a three-letter ISO code", ErrInvalidCurrency)
		}
	}
	return Currency{value: normalized}, nil
}

// String returns the normalized code.
func (currency Currency) String() string {
	return currency.value
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewPricingSnapshotJSON validates a pricing snapshot (defaulting to "{}").
func NewPricingSnapshotJSON(raw string) (PricingSnapshotJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return PricingSnapshotJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidPricingSnapshot)
	}
	return PricingSnapshotJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (snapshot PricingSnapshotJSON) String() string {
	return snapshot.value
}

// NewPositiveAmount validates a strictly positive minor-unit amount.
func NewPositiveAmount(raw int64) (AmountMinorUnits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return raw, nil
}

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryTopUp  EntryType = "topup"
	EntryCharge EntryType = "charge"
	EntryRefund EntryType = "refund"
)

// String returns the stored representation.
func (entryType EntryType) String() string {
	return string(entryType)
}

// ParseEntryType validates a stored entry type.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(raw) {
	case EntryTopUp, EntryCharge, EntryRefund:
		return EntryType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
}

// SignedAmount returns the entry's contribution to the derived balance.
func (entryType EntryType) SignedAmount(amount AmountMinorUnits) int64 {
	if entryType == EntryCharge {
		return -amount
	}
	return amount
}

// Entry is one immutable line in the ledger.
type Entry struct {
	EntryID                  EntryID
	UserID                   string
	Type                     EntryType
	AmountMinorUnits         AmountMinorUnits
	Currency                 string
	Description              string
	JobID                    *string
	PricingSnapshot          string
	ApplicationFeeMinorUnits int64
	VendorAccountID          *string
	UpstreamPaymentRef       *string
	UpstreamRefundRef        *string
	RefundOfEntryID          *EntryID
	MetadataJSON             string
	CreatedUnixUTC           int64
}

// TopUpInput describes a credit to append.
type TopUpInput struct {
	UserID             UserID
	AmountMinorUnits   AmountMinorUnits
	Currency           Currency
	Description        string
	UpstreamPaymentRef string
	Metadata           MetadataJSON
}

// ChargeInput describes a charge to reserve against the balance.
type ChargeInput struct {
	UserID                   UserID
	AmountMinorUnits         AmountMinorUnits
	Currency                 Currency
	Description              string
	JobID                    *JobID
	PricingSnapshot          PricingSnapshotJSON
	ApplicationFeeMinorUnits int64
	VendorAccountID          string
	UpstreamPaymentRef       string
	Metadata                 MetadataJSON
}

// RefundInput describes a refund entry targeting a committed charge.
type RefundInput struct {
	UserID            string
	AmountMinorUnits  AmountMinorUnits
	Currency          string
	Description       string
	JobID             *string
	RefundOfEntryID   EntryID
	UpstreamRefundRef string
	Metadata          MetadataJSON
}

// ChargeAttempt reports whether the atomic check-and-insert took effect.
type ChargeAttempt struct {
	Inserted      bool
	EntryID       EntryID
	BalanceBefore AmountMinorUnits
	BalanceAfter  AmountMinorUnits
}

// ReservationResult is the caller-visible outcome of ReserveCharge.
// Declined (insufficient balance) is a normal outcome, not an error.
type ReservationResult struct {
	Reserved      bool
	EntryID       EntryID
	BalanceBefore AmountMinorUnits
	BalanceAfter  AmountMinorUnits
}

// RefundParams carries actor context for a refund request.
type RefundParams struct {
	Actor    string
	Note     string
	Reason   string
	Metadata MetadataJSON
}

// RefundOutcome reports what a refund request did.
// AlreadyRefunded means the idempotency guard tripped: the prior refund entry
// is returned and the call counts as success.
type RefundOutcome struct {
	RefundEntryID     EntryID
	ChargeEntryID     EntryID
	AmountMinorUnits  AmountMinorUnits
	Currency          string
	AlreadyRefunded   bool
	UpstreamAttempted bool
	UpstreamRefundRef string
	UpstreamError     error
}

// Store is the persistence contract used by Service.
// (gormstore and pgstore implement this.)
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	InsertEntry(ctx context.Context, entry Entry) (EntryID, error)
	SumBalance(ctx context.Context, userID string) (AmountMinorUnits, error)
	// InsertChargeIfBalance executes the balance check and the charge insert
	// as one atomic storage operation.
	InsertChargeIfBalance(ctx context.Context, charge Entry) (ChargeAttempt, error)
	GetEntry(ctx context.Context, entryID EntryID) (Entry, error)
	FindChargesByJob(ctx context.Context, jobID string) ([]Entry, error)
	FindRefundOfCharge(ctx context.Context, chargeEntryID EntryID) (*Entry, error)
	ListStrandedCharges(ctx context.Context, olderThanUnixUTC int64, newerThanUnixUTC int64, limit int) ([]Entry, error)
	SetUpstreamRefundRef(ctx context.Context, refundEntryID EntryID, refundRef string) error
	ListEntries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]Entry, error)
}

// PaymentReverser reverses a previously captured upstream payment.
// Implementations must treat the idempotency key as the dedupe boundary so
// repeated attempts are safe.
type PaymentReverser interface {
	Reverse(ctx context.Context, paymentRef string, idempotencyKey string) (string, error)
}
