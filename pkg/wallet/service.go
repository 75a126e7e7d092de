package wallet

import (
	"context"
	"fmt"
)

// Service contains the domain logic over a Store.
type Service struct {
	store    Store
	nowFn    func() int64
	loggers  []OperationLogger
	reverser PaymentReverser
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// BalanceOf returns the derived balance: sum of top-ups and refunds minus
// charges. The balance is never stored; the ledger is the source of truth.
func (service *Service) BalanceOf(ctx context.Context, userID UserID) (AmountMinorUnits, error) {
	return service.store.SumBalance(ctx, userID.String())
}

// TopUp appends a credit entry.
func (service *Service) TopUp(ctx context.Context, input TopUpInput) (EntryID, error) {
	amount, err := NewPositiveAmount(input.AmountMinorUnits)
	if err != nil {
		return 0, err
	}
	entry := Entry{
		UserID:             input.UserID.String(),
		Type:               EntryTopUp,
		AmountMinorUnits:   amount,
		Currency:           input.Currency.String(),
		Description:        input.Description,
		UpstreamPaymentRef: optionalString(input.UpstreamPaymentRef),
		MetadataJSON:       input.Metadata.String(),
		CreatedUnixUTC:     service.nowFn(),
	}
	var entryID EntryID
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		insertedID, err := transactionStore.InsertEntry(ctx, entry)
		if err != nil {
			return err
		}
		entryID = insertedID
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:        operationTopUp,
		UserID:           input.UserID.String(),
		EntryID:          entryID,
		AmountMinorUnits: amount,
		Currency:         input.Currency.String(),
		Metadata:         input.Metadata.String(),
		Error:            operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return entryID, nil
}

// ReserveCharge records a charge entry if and only if the balance at the
// instant of evaluation covers the amount. The check and the insert run as a
// single atomic storage operation; insufficient balance is a declined
// outcome, not an error.
func (service *Service) ReserveCharge(ctx context.Context, input ChargeInput) (ReservationResult, error) {
	amount, err := NewPositiveAmount(input.AmountMinorUnits)
	if err != nil {
		return ReservationResult{}, err
	}
	var jobID *string
	if input.JobID != nil {
		value := input.JobID.String()
		jobID = &value
	}
	entry := Entry{
		UserID:                   input.UserID.String(),
		Type:                     EntryCharge,
		AmountMinorUnits:         amount,
		Currency:                 input.Currency.String(),
		Description:              input.Description,
		JobID:                    jobID,
		PricingSnapshot:          input.PricingSnapshot.String(),
		ApplicationFeeMinorUnits: input.ApplicationFeeMinorUnits,
		VendorAccountID:          optionalString(input.VendorAccountID),
		UpstreamPaymentRef:       optionalString(input.UpstreamPaymentRef),
		MetadataJSON:             input.Metadata.String(),
		CreatedUnixUTC:           service.nowFn(),
	}
	attempt, operationError := service.store.InsertChargeIfBalance(ctx, entry)
	logEntry := OperationLog{
		Operation:        operationReserve,
		UserID:           input.UserID.String(),
		EntryID:          attempt.EntryID,
		AmountMinorUnits: amount,
		Currency:         input.Currency.String(),
		Metadata:         input.Metadata.String(),
		Error:            operationError,
	}
	if jobID != nil {
		logEntry.JobID = *jobID
	}
	if operationError == nil && !attempt.Inserted {
		logEntry.Status = operationStatusDeclined
	}
	service.logOperation(ctx, logEntry)
	if operationError != nil {
		return ReservationResult{}, operationError
	}
	return ReservationResult{
		Reserved:      attempt.Inserted,
		EntryID:       attempt.EntryID,
		BalanceBefore: attempt.BalanceBefore,
		BalanceAfter:  attempt.BalanceAfter,
	}, nil
}

// ListEntries lists ledger entries for a user before a cutoff time.
func (service *Service) ListEntries(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	return service.store.ListEntries(ctx, userID.String(), beforeUnixUTC, limit)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if len(service.loggers) == 0 {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	for _, logger := range service.loggers {
		logger.LogOperation(ctx, entry)
	}
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
