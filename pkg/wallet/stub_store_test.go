package wallet

import (
	"context"
	"fmt"
	"testing"
)

// stubStore is an in-memory wallet.Store used by service tests.
type stubStore struct {
	entries       []Entry
	nextEntryID   EntryID
	insertErr     error
	refundRaceErr bool
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{nextEntryID: 1}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) InsertEntry(ctx context.Context, entry Entry) (EntryID, error) {
	if store.insertErr != nil {
		return 0, store.insertErr
	}
	if entry.RefundOfEntryID != nil {
		if store.refundRaceErr {
			// Simulate losing the unique-constraint race: commit the rival
			// refund, then report the conflict.
			store.refundRaceErr = false
			rival := entry
			rival.EntryID = store.nextEntryID
			store.nextEntryID++
			store.entries = append(store.entries, rival)
			return 0, ErrChargeAlreadyRefunded
		}
		for _, existing := range store.entries {
			if existing.Type == EntryRefund && existing.RefundOfEntryID != nil && *existing.RefundOfEntryID == *entry.RefundOfEntryID {
				return 0, ErrChargeAlreadyRefunded
			}
		}
	}
	entry.EntryID = store.nextEntryID
	store.nextEntryID++
	store.entries = append(store.entries, entry)
	return entry.EntryID, nil
}

func (store *stubStore) SumBalance(ctx context.Context, userID string) (AmountMinorUnits, error) {
	var total int64
	for _, entry := range store.entries {
		if entry.UserID == userID {
			total += entry.Type.SignedAmount(entry.AmountMinorUnits)
		}
	}
	return total, nil
}

func (store *stubStore) InsertChargeIfBalance(ctx context.Context, charge Entry) (ChargeAttempt, error) {
	balance, err := store.SumBalance(ctx, charge.UserID)
	if err != nil {
		return ChargeAttempt{}, err
	}
	attempt := ChargeAttempt{BalanceBefore: balance, BalanceAfter: balance}
	if balance < charge.AmountMinorUnits {
		return attempt, nil
	}
	entryID, err := store.InsertEntry(ctx, charge)
	if err != nil {
		return ChargeAttempt{}, err
	}
	attempt.Inserted = true
	attempt.EntryID = entryID
	attempt.BalanceAfter = balance - charge.AmountMinorUnits
	return attempt, nil
}

func (store *stubStore) GetEntry(ctx context.Context, entryID EntryID) (Entry, error) {
	for _, entry := range store.entries {
		if entry.EntryID == entryID {
			return entry, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: entry %d", ErrUnknownCharge, entryID)
}

func (store *stubStore) FindChargesByJob(ctx context.Context, jobID string) ([]Entry, error) {
	var charges []Entry
	for _, entry := range store.entries {
		if entry.Type == EntryCharge && entry.JobID != nil && *entry.JobID == jobID {
			charges = append(charges, entry)
		}
	}
	return charges, nil
}

func (store *stubStore) FindRefundOfCharge(ctx context.Context, chargeEntryID EntryID) (*Entry, error) {
	for _, entry := range store.entries {
		if entry.Type == EntryRefund && entry.RefundOfEntryID != nil && *entry.RefundOfEntryID == chargeEntryID {
			found := entry
			return &found, nil
		}
	}
	return nil, nil
}

func (store *stubStore) ListStrandedCharges(ctx context.Context, olderThanUnixUTC int64, newerThanUnixUTC int64, limit int) ([]Entry, error) {
	var stranded []Entry
	for _, entry := range store.entries {
		if entry.Type != EntryCharge || entry.JobID == nil {
			continue
		}
		if entry.CreatedUnixUTC > olderThanUnixUTC || entry.CreatedUnixUTC < newerThanUnixUTC {
			continue
		}
		refund, err := store.FindRefundOfCharge(ctx, entry.EntryID)
		if err != nil {
			return nil, err
		}
		if refund == nil {
			stranded = append(stranded, entry)
		}
		if len(stranded) == limit {
			break
		}
	}
	return stranded, nil
}

func (store *stubStore) SetUpstreamRefundRef(ctx context.Context, refundEntryID EntryID, refundRef string) error {
	for index := range store.entries {
		entry := &store.entries[index]
		if entry.EntryID == refundEntryID && entry.Type == EntryRefund && entry.UpstreamRefundRef == nil {
			entry.UpstreamRefundRef = &refundRef
		}
	}
	return nil
}

func (store *stubStore) ListEntries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]Entry, error) {
	var listed []Entry
	for index := len(store.entries) - 1; index >= 0; index-- {
		entry := store.entries[index]
		if entry.UserID != userID {
			continue
		}
		if beforeUnixUTC > 0 && entry.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		listed = append(listed, entry)
		if len(listed) == limit {
			break
		}
	}
	return listed, nil
}

func (store *stubStore) mustEntry(test *testing.T, entryID EntryID) Entry {
	test.Helper()
	entry, err := store.GetEntry(context.Background(), entryID)
	if err != nil {
		test.Fatalf("get entry %d: %v", entryID, err)
	}
	return entry
}

// stubReverser records reversal requests and returns a canned response.
type stubReverser struct {
	refundRef string
	err       error
	calls     []reversalCall
}

type reversalCall struct {
	paymentRef     string
	idempotencyKey string
}

func (reverser *stubReverser) Reverse(ctx context.Context, paymentRef string, idempotencyKey string) (string, error) {
	reverser.calls = append(reverser.calls, reversalCall{paymentRef: paymentRef, idempotencyKey: idempotencyKey})
	if reverser.err != nil {
		return "", reverser.err
	}
	return reverser.refundRef, nil
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1_700_000_000 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id %q: %v", raw, err)
	}
	return userID
}

func mustJobID(test *testing.T, raw string) JobID {
	test.Helper()
	jobID, err := NewJobID(raw)
	if err != nil {
		test.Fatalf("job id %q: %v", raw, err)
	}
	return jobID
}

func mustCurrency(test *testing.T, raw string) Currency {
	test.Helper()
	currency, err := NewCurrency(raw)
	if err != nil {
		test.Fatalf("currency %q: %v", raw, err)
	}
	return currency
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata %q: %v", raw, err)
	}
	return metadata
}

func mustTopUp(test *testing.T, service *Service, userID UserID, amount int64) EntryID {
	test.Helper()
	entryID, err := service.TopUp(context.Background(), TopUpInput{
		UserID:           userID,
		AmountMinorUnits: amount,
		Currency:         mustCurrency(test, "USD"),
		Metadata:         mustMetadata(test, "{}"),
	})
	if err != nil {
		test.Fatalf("top up: %v", err)
	}
	return entryID
}

func mustReserveCharge(test *testing.T, service *Service, input ChargeInput) ReservationResult {
	test.Helper()
	result, err := service.ReserveCharge(context.Background(), input)
	if err != nil {
		test.Fatalf("reserve charge: %v", err)
	}
	if !result.Reserved {
		test.Fatalf("expected reservation, got declined at balance %d", result.BalanceBefore)
	}
	return result
}
