package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
)

type stubScanner struct {
	charges   []wallet.Entry
	err       error
	olderThan int64
	newerThan int64
	limit     int
}

func (scanner *stubScanner) ListStrandedCharges(ctx context.Context, olderThanUnixUTC int64, newerThanUnixUTC int64, limit int) ([]wallet.Entry, error) {
	scanner.olderThan = olderThanUnixUTC
	scanner.newerThan = newerThanUnixUTC
	scanner.limit = limit
	if scanner.err != nil {
		return nil, scanner.err
	}
	return scanner.charges, nil
}

type stubJobStore struct {
	jobs   map[string]bool
	traces map[string]bool
	err    error
}

func (store *stubJobStore) JobExists(ctx context.Context, jobID string) (bool, error) {
	if store.err != nil {
		return false, store.err
	}
	return store.jobs[jobID], nil
}

func (store *stubJobStore) JobTraceExists(ctx context.Context, jobID string) (bool, error) {
	if store.err != nil {
		return false, store.err
	}
	return store.traces[jobID], nil
}

type stubRefunder struct {
	outcomes map[wallet.EntryID]wallet.RefundOutcome
	errs     map[wallet.EntryID]error
	calls    []wallet.EntryID
	params   []wallet.RefundParams
}

func (refunder *stubRefunder) RefundByChargeID(ctx context.Context, chargeEntryID wallet.EntryID, params wallet.RefundParams) (wallet.RefundOutcome, error) {
	refunder.calls = append(refunder.calls, chargeEntryID)
	refunder.params = append(refunder.params, params)
	if err := refunder.errs[chargeEntryID]; err != nil {
		return wallet.RefundOutcome{}, err
	}
	return refunder.outcomes[chargeEntryID], nil
}

func chargeEntry(entryID wallet.EntryID, jobID string, createdUnixUTC int64) wallet.Entry {
	return wallet.Entry{
		EntryID:          entryID,
		UserID:           "user-1",
		Type:             wallet.EntryCharge,
		AmountMinorUnits: 100,
		Currency:         "USD",
		JobID:            &jobID,
		CreatedUnixUTC:   createdUnixUTC,
	}
}

func mustReconciler(test *testing.T, cfg Config, scanner ChargeScanner, jobs JobStore, refunds Refunder) *Reconciler {
	test.Helper()
	reconciler, err := New(cfg, scanner, jobs, refunds, nil, func() time.Time { return time.Unix(1_700_000_000, 0).UTC() })
	if err != nil {
		test.Fatalf("new reconciler: %v", err)
	}
	return reconciler
}

func TestRunRefundsOrphanCharges(test *testing.T) {
	test.Parallel()
	scanner := &stubScanner{charges: []wallet.Entry{chargeEntry(1, "job-gone", 1_699_990_000)}}
	jobs := &stubJobStore{jobs: map[string]bool{}, traces: map[string]bool{}}
	refunder := &stubRefunder{outcomes: map[wallet.EntryID]wallet.RefundOutcome{
		1: {RefundEntryID: 10, ChargeEntryID: 1},
	}}
	reconciler := mustReconciler(test, Config{}, scanner, jobs, refunder)

	report, err := reconciler.Run(context.Background())
	if err != nil {
		test.Fatalf("run: %v", err)
	}
	if report.Inspected != 1 || report.Refunded != 1 {
		test.Fatalf("expected one refunded candidate, got %+v", report)
	}
	if len(refunder.calls) != 1 || refunder.calls[0] != 1 {
		test.Fatalf("expected refund of charge 1, got %v", refunder.calls)
	}
	params := refunder.params[0]
	if params.Reason != wallet.ReasonOrphanJobMissing {
		test.Fatalf("expected orphan reason, got %q", params.Reason)
	}
	if params.Actor != defaultActor {
		test.Fatalf("expected default actor, got %q", params.Actor)
	}
}

func TestRunComputesScanWindow(test *testing.T) {
	test.Parallel()
	scanner := &stubScanner{}
	jobs := &stubJobStore{}
	refunder := &stubRefunder{}
	reconciler := mustReconciler(test, Config{
		MinAge:      15 * time.Minute,
		MaxLookback: 48 * time.Hour,
		BatchSize:   25,
	}, scanner, jobs, refunder)

	if _, err := reconciler.Run(context.Background()); err != nil {
		test.Fatalf("run: %v", err)
	}
	now := time.Unix(1_700_000_000, 0).UTC()
	if scanner.olderThan != now.Add(-15*time.Minute).Unix() {
		test.Fatalf("unexpected older-than bound %d", scanner.olderThan)
	}
	if scanner.newerThan != now.Add(-48*time.Hour).Unix() {
		test.Fatalf("unexpected newer-than bound %d", scanner.newerThan)
	}
	if scanner.limit != 25 {
		test.Fatalf("expected batch size 25, got %d", scanner.limit)
	}
}

func TestRunSkipsWhenJobExists(test *testing.T) {
	test.Parallel()
	scanner := &stubScanner{charges: []wallet.Entry{chargeEntry(1, "job-alive", 1_699_990_000)}}
	jobs := &stubJobStore{jobs: map[string]bool{"job-alive": true}}
	refunder := &stubRefunder{}
	reconciler := mustReconciler(test, Config{}, scanner, jobs, refunder)

	report, err := reconciler.Run(context.Background())
	if err != nil {
		test.Fatalf("run: %v", err)
	}
	if report.SkippedJobFound != 1 || report.Refunded != 0 {
		test.Fatalf("expected skip, got %+v", report)
	}
	if len(refunder.calls) != 0 {
		test.Fatalf("live job must not be refunded")
	}
}

func TestRunSkipsWhenJobTraceExists(test *testing.T) {
	test.Parallel()
	scanner := &stubScanner{charges: []wallet.Entry{chargeEntry(1, "job-queued", 1_699_990_000)}}
	jobs := &stubJobStore{jobs: map[string]bool{}, traces: map[string]bool{"job-queued": true}}
	refunder := &stubRefunder{}
	reconciler := mustReconciler(test, Config{}, scanner, jobs, refunder)

	report, err := reconciler.Run(context.Background())
	if err != nil {
		test.Fatalf("run: %v", err)
	}
	if report.SkippedJobFound != 1 {
		test.Fatalf("expected queue trace skip, got %+v", report)
	}
	if len(refunder.calls) != 0 {
		test.Fatalf("traced job must not be refunded")
	}
}

func TestRunCountsAlreadyRefunded(test *testing.T) {
	test.Parallel()
	scanner := &stubScanner{charges: []wallet.Entry{chargeEntry(1, "job-settled", 1_699_990_000)}}
	jobs := &stubJobStore{}
	refunder := &stubRefunder{outcomes: map[wallet.EntryID]wallet.RefundOutcome{
		1: {RefundEntryID: 10, ChargeEntryID: 1, AlreadyRefunded: true},
	}}
	reconciler := mustReconciler(test, Config{}, scanner, jobs, refunder)

	report, err := reconciler.Run(context.Background())
	if err != nil {
		test.Fatalf("run: %v", err)
	}
	if report.AlreadyRefunded != 1 || report.Refunded != 0 {
		test.Fatalf("expected idempotent no-op count, got %+v", report)
	}
}

func TestRunIsolatesCandidateFailures(test *testing.T) {
	test.Parallel()
	scanner := &stubScanner{charges: []wallet.Entry{
		chargeEntry(1, "job-bad", 1_699_990_000),
		chargeEntry(2, "job-ok", 1_699_990_100),
	}}
	jobs := &stubJobStore{}
	refunder := &stubRefunder{
		outcomes: map[wallet.EntryID]wallet.RefundOutcome{2: {RefundEntryID: 20, ChargeEntryID: 2}},
		errs:     map[wallet.EntryID]error{1: errors.New("store unavailable")},
	}
	reconciler := mustReconciler(test, Config{}, scanner, jobs, refunder)

	report, err := reconciler.Run(context.Background())
	if err != nil {
		test.Fatalf("partial failure must not abort the pass: %v", err)
	}
	if len(report.Failures) != 1 || report.Failures[0].ChargeEntryID != 1 {
		test.Fatalf("expected failure for charge 1, got %+v", report.Failures)
	}
	if report.Refunded != 1 {
		test.Fatalf("expected surviving candidate refunded, got %+v", report)
	}
}

func TestRunTracksUpstreamOutcomes(test *testing.T) {
	test.Parallel()
	scanner := &stubScanner{charges: []wallet.Entry{
		chargeEntry(1, "job-a", 1_699_990_000),
		chargeEntry(2, "job-b", 1_699_990_100),
	}}
	jobs := &stubJobStore{}
	refunder := &stubRefunder{outcomes: map[wallet.EntryID]wallet.RefundOutcome{
		1: {RefundEntryID: 10, UpstreamAttempted: true, UpstreamRefundRef: "re_1"},
		2: {RefundEntryID: 11, UpstreamAttempted: true, UpstreamError: errors.New("processor down")},
	}}
	reconciler := mustReconciler(test, Config{}, scanner, jobs, refunder)

	report, err := reconciler.Run(context.Background())
	if err != nil {
		test.Fatalf("run: %v", err)
	}
	if report.UpstreamReversed != 1 || report.UpstreamDegraded != 1 {
		test.Fatalf("expected one reversed and one degraded, got %+v", report)
	}
}

func TestRunPropagatesScannerError(test *testing.T) {
	test.Parallel()
	scanner := &stubScanner{err: errors.New("scan failed")}
	reconciler := mustReconciler(test, Config{}, scanner, &stubJobStore{}, &stubRefunder{})

	if _, err := reconciler.Run(context.Background()); err == nil {
		test.Fatalf("expected scanner error to propagate")
	}
}

func TestNewValidatesDependencies(test *testing.T) {
	test.Parallel()
	if _, err := New(Config{}, nil, &stubJobStore{}, &stubRefunder{}, nil, nil); !errors.Is(err, ErrInvalidReconcilerConfig) {
		test.Fatalf("expected ErrInvalidReconcilerConfig, got %v", err)
	}
	if _, err := New(Config{}, &stubScanner{}, nil, &stubRefunder{}, nil, nil); !errors.Is(err, ErrInvalidReconcilerConfig) {
		test.Fatalf("expected ErrInvalidReconcilerConfig, got %v", err)
	}
	if _, err := New(Config{}, &stubScanner{}, &stubJobStore{}, nil, nil, nil); !errors.Is(err, ErrInvalidReconcilerConfig) {
		test.Fatalf("expected ErrInvalidReconcilerConfig, got %v", err)
	}
}
