package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"go.uber.org/zap"
)

const (
	defaultMinAge              = 10 * time.Minute
	defaultMaxLookback         = 7 * 24 * time.Hour
	defaultBatchSize           = 50
	defaultPerCandidateTimeout = 10 * time.Second
	defaultActor               = "orphan-reconciler"
)

// ErrInvalidReconcilerConfig reports a miswired Reconciler.
var ErrInvalidReconcilerConfig = errors.New("invalid reconciler config")

// ChargeScanner lists committed charges with no refund referencing them.
type ChargeScanner interface {
	ListStrandedCharges(ctx context.Context, olderThanUnixUTC int64, newerThanUnixUTC int64, limit int) ([]wallet.Entry, error)
}

// JobStore answers whether the charged-for unit of work exists anywhere.
type JobStore interface {
	JobExists(ctx context.Context, jobID string) (bool, error)
	JobTraceExists(ctx context.Context, jobID string) (bool, error)
}

// Refunder is the refund path candidates are driven through.
type Refunder interface {
	RefundByChargeID(ctx context.Context, chargeEntryID wallet.EntryID, params wallet.RefundParams) (wallet.RefundOutcome, error)
}

// Config controls the reconciliation window and batch behavior. MinAge keeps
// the scan clear of charges whose job creation is still in flight;
// MaxLookback bounds it away from already-handled history.
type Config struct {
	MinAge              time.Duration
	MaxLookback         time.Duration
	BatchSize           int
	PerCandidateTimeout time.Duration
	Actor               string
}

// CandidateFailure records one candidate that could not be refunded.
type CandidateFailure struct {
	ChargeEntryID wallet.EntryID
	JobID         string
	Err           error
}

// Report summarizes one reconciliation pass. Per-candidate failures are
// collected, not thrown: a partial pass still makes progress.
type Report struct {
	Inspected         int
	SkippedJobFound   int
	Refunded          int
	AlreadyRefunded   int
	UpstreamReversed  int
	UpstreamDegraded  int
	Failures          []CandidateFailure
	StartedAtUnixUTC  int64
	FinishedAtUnixUTC int64
}

// Reconciler finds charges whose job never came into existence and refunds
// them. Stateless between runs.
type Reconciler struct {
	cfg     Config
	scanner ChargeScanner
	jobs    JobStore
	refunds Refunder
	logger  *zap.Logger
	nowFn   func() time.Time
}

// New wires a Reconciler.
func New(cfg Config, scanner ChargeScanner, jobs JobStore, refunds Refunder, logger *zap.Logger, now func() time.Time) (*Reconciler, error) {
	if scanner == nil {
		return nil, fmt.Errorf("%w: charge scanner is nil", ErrInvalidReconcilerConfig)
	}
	if jobs == nil {
		return nil, fmt.Errorf("%w: job store is nil", ErrInvalidReconcilerConfig)
	}
	if refunds == nil {
		return nil, fmt.Errorf("%w: refunder is nil", ErrInvalidReconcilerConfig)
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = defaultMinAge
	}
	if cfg.MaxLookback <= cfg.MinAge {
		cfg.MaxLookback = defaultMaxLookback
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.PerCandidateTimeout <= 0 {
		cfg.PerCandidateTimeout = defaultPerCandidateTimeout
	}
	if cfg.Actor == "" {
		cfg.Actor = defaultActor
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Reconciler{
		cfg:     cfg,
		scanner: scanner,
		jobs:    jobs,
		refunds: refunds,
		logger:  logger,
		nowFn:   now,
	}, nil
}

// Run scans one batch of stranded charges, oldest first, and refunds each
// candidate independently.
func (reconciler *Reconciler) Run(ctx context.Context) (Report, error) {
	started := reconciler.nowFn()
	report := Report{StartedAtUnixUTC: started.Unix()}

	olderThan := started.Add(-reconciler.cfg.MinAge).Unix()
	newerThan := started.Add(-reconciler.cfg.MaxLookback).Unix()
	candidates, err := reconciler.scanner.ListStrandedCharges(ctx, olderThan, newerThan, reconciler.cfg.BatchSize)
	if err != nil {
		report.FinishedAtUnixUTC = reconciler.nowFn().Unix()
		return report, err
	}

	for _, candidate := range candidates {
		if ctx.Err() != nil {
			report.FinishedAtUnixUTC = reconciler.nowFn().Unix()
			return report, ctx.Err()
		}
		report.Inspected++
		reconciler.processCandidate(ctx, candidate, &report)
	}

	report.FinishedAtUnixUTC = reconciler.nowFn().Unix()
	reconciler.logger.Info("reconciliation pass finished",
		zap.Int("inspected", report.Inspected),
		zap.Int("skipped_job_found", report.SkippedJobFound),
		zap.Int("refunded", report.Refunded),
		zap.Int("already_refunded", report.AlreadyRefunded),
		zap.Int("upstream_reversed", report.UpstreamReversed),
		zap.Int("upstream_degraded", report.UpstreamDegraded),
		zap.Int("failures", len(report.Failures)),
	)
	return report, nil
}

func (reconciler *Reconciler) processCandidate(ctx context.Context, candidate wallet.Entry, report *Report) {
	jobID := ""
	if candidate.JobID != nil {
		jobID = *candidate.JobID
	}
	candidateCtx, cancel := context.WithTimeout(ctx, reconciler.cfg.PerCandidateTimeout)
	defer cancel()

	exists, err := reconciler.jobs.JobExists(candidateCtx, jobID)
	if err != nil {
		reconciler.recordFailure(report, candidate, jobID, err)
		return
	}
	if exists {
		report.SkippedJobFound++
		return
	}
	// Secondary check: a job alive only in the external queue is not an
	// orphan.
	traced, err := reconciler.jobs.JobTraceExists(candidateCtx, jobID)
	if err != nil {
		reconciler.recordFailure(report, candidate, jobID, err)
		return
	}
	if traced {
		report.SkippedJobFound++
		return
	}

	outcome, err := reconciler.refunds.RefundByChargeID(candidateCtx, candidate.EntryID, wallet.RefundParams{
		Actor:  reconciler.cfg.Actor,
		Reason: wallet.ReasonOrphanJobMissing,
	})
	if err != nil {
		reconciler.recordFailure(report, candidate, jobID, err)
		return
	}
	if outcome.AlreadyRefunded {
		report.AlreadyRefunded++
		return
	}
	report.Refunded++
	if outcome.UpstreamAttempted {
		if outcome.UpstreamError != nil {
			report.UpstreamDegraded++
		} else {
			report.UpstreamReversed++
		}
	}
	reconciler.logger.Info("refunded orphan charge",
		zap.Int64("charge_entry_id", int64(candidate.EntryID)),
		zap.String("job_id", jobID),
		zap.Int64("amount_minor_units", candidate.AmountMinorUnits),
		zap.String("currency", candidate.Currency),
	)
}

func (reconciler *Reconciler) recordFailure(report *Report, candidate wallet.Entry, jobID string, err error) {
	report.Failures = append(report.Failures, CandidateFailure{
		ChargeEntryID: candidate.EntryID,
		JobID:         jobID,
		Err:           err,
	})
	reconciler.logger.Error("reconciliation candidate failed",
		zap.Int64("charge_entry_id", int64(candidate.EntryID)),
		zap.String("job_id", jobID),
		zap.Error(err),
	)
}
