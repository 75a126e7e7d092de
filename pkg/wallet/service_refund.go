package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// RefundByChargeID issues a refund for a specific charge entry. The internal
// refund entry commits first and is authoritative; the upstream
// processor-side reversal is best effort and never blocks it.
func (service *Service) RefundByChargeID(ctx context.Context, chargeEntryID EntryID, params RefundParams) (RefundOutcome, error) {
	charge, err := service.store.GetEntry(ctx, chargeEntryID)
	if err != nil {
		return RefundOutcome{}, err
	}
	if charge.Type != EntryCharge {
		return RefundOutcome{}, fmt.Errorf("%w: entry %d is a %s", ErrNotRefundable, chargeEntryID, charge.Type)
	}
	return service.refundCharge(ctx, charge, params)
}

// RefundByJob locates the open charge for a job and refunds it. Used by
// operators when the job id is at hand; falls back to RefundByChargeID when
// the lookup is ambiguous.
func (service *Service) RefundByJob(ctx context.Context, jobID JobID, params RefundParams) (RefundOutcome, error) {
	charges, err := service.store.FindChargesByJob(ctx, jobID.String())
	if err != nil {
		return RefundOutcome{}, err
	}
	if len(charges) == 0 {
		return RefundOutcome{}, fmt.Errorf("%w: no charge references job %s", ErrUnknownJob, jobID.String())
	}
	var lastOutcome RefundOutcome
	for _, charge := range charges {
		outcome, err := service.refundCharge(ctx, charge, params)
		if err != nil {
			return RefundOutcome{}, err
		}
		lastOutcome = outcome
		if !outcome.AlreadyRefunded {
			return outcome, nil
		}
	}
	// Every charge for the job was refunded before; report the idempotent
	// no-op against the last one.
	return lastOutcome, nil
}

func (service *Service) refundCharge(ctx context.Context, charge Entry, params RefundParams) (RefundOutcome, error) {
	metadata, err := refundMetadata(params)
	if err != nil {
		return RefundOutcome{}, err
	}
	outcome := RefundOutcome{
		ChargeEntryID:    charge.EntryID,
		AmountMinorUnits: charge.AmountMinorUnits,
		Currency:         charge.Currency,
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, err := transactionStore.FindRefundOfCharge(ctx, charge.EntryID)
		if err != nil {
			return err
		}
		if existing != nil {
			outcome.AlreadyRefunded = true
			outcome.RefundEntryID = existing.EntryID
			return nil
		}
		refundEntry := Entry{
			UserID:           charge.UserID,
			Type:             EntryRefund,
			AmountMinorUnits: charge.AmountMinorUnits,
			Currency:         charge.Currency,
			Description:      refundDescription(charge, params),
			JobID:            charge.JobID,
			RefundOfEntryID:  &charge.EntryID,
			MetadataJSON:     metadata.String(),
			CreatedUnixUTC:   service.nowFn(),
		}
		refundEntryID, err := transactionStore.InsertEntry(ctx, refundEntry)
		if err != nil {
			return err
		}
		outcome.RefundEntryID = refundEntryID
		return nil
	})
	if errors.Is(operationError, ErrChargeAlreadyRefunded) {
		// A concurrent refund won the unique-constraint race; surface the
		// committed entry as the idempotent no-op.
		existing, lookupErr := service.store.FindRefundOfCharge(ctx, charge.EntryID)
		if lookupErr == nil && existing != nil {
			outcome.AlreadyRefunded = true
			outcome.RefundEntryID = existing.EntryID
			operationError = nil
		}
	}
	if operationError == nil && !outcome.AlreadyRefunded {
		service.reverseUpstream(ctx, charge, &outcome)
	}
	logEntry := OperationLog{
		Operation:        operationRefund,
		UserID:           charge.UserID,
		EntryID:          outcome.RefundEntryID,
		ChargeEntryID:    charge.EntryID,
		AmountMinorUnits: charge.AmountMinorUnits,
		Currency:         charge.Currency,
		Metadata:         metadata.String(),
		Error:            operationError,
	}
	if charge.JobID != nil {
		logEntry.JobID = *charge.JobID
	}
	service.logOperation(ctx, logEntry)
	if operationError != nil {
		return RefundOutcome{}, operationError
	}
	return outcome, nil
}

// reverseUpstream mirrors the refund at the payment processor. Failure is
// recorded on the outcome and logged by the caller; the internal ledger entry
// already committed and stays authoritative.
func (service *Service) reverseUpstream(ctx context.Context, charge Entry, outcome *RefundOutcome) {
	if service.reverser == nil || charge.UpstreamPaymentRef == nil {
		return
	}
	outcome.UpstreamAttempted = true
	refundRef, err := service.reverser.Reverse(ctx, *charge.UpstreamPaymentRef, refundIdempotencyKey(charge.EntryID))
	if err != nil {
		outcome.UpstreamError = fmt.Errorf("%w: %v", ErrUpstreamReversal, err)
		return
	}
	outcome.UpstreamRefundRef = refundRef
	if err := service.store.SetUpstreamRefundRef(ctx, outcome.RefundEntryID, refundRef); err != nil {
		outcome.UpstreamError = err
	}
}

func refundIdempotencyKey(chargeEntryID EntryID) string {
	return idempotencyPrefixRefund + idempotencyDelimiter + strconv.FormatInt(int64(chargeEntryID), 10)
}

func refundDescription(charge Entry, params RefundParams) string {
	if params.Note != "" {
		return params.Note
	}
	return fmt.Sprintf("refund of charge %d", charge.EntryID)
}

func refundMetadata(params RefundParams) (MetadataJSON, error) {
	base, err := NewMetadataJSON(params.Metadata.String())
	if err != nil {
		return MetadataJSON{}, err
	}
	fields := map[string]any{}
	if err := json.Unmarshal([]byte(base.String()), &fields); err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	if params.Actor != "" {
		fields[MetadataKeyActor] = params.Actor
	}
	if params.Note != "" {
		fields[MetadataKeyNote] = params.Note
	}
	if params.Reason != "" {
		fields[MetadataKeyReason] = params.Reason
	}
	merged, err := json.Marshal(fields)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return NewMetadataJSON(string(merged))
}
