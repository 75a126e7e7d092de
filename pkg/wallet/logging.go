package wallet

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing wallet operation.
type OperationLog struct {
	Operation        string
	UserID           string
	EntryID          EntryID
	ChargeEntryID    EntryID
	JobID            string
	AmountMinorUnits AmountMinorUnits
	Currency         string
	Status           string
	Metadata         string
	Error            error
}

// WithOperationLogger wires a logger that receives callbacks for every
// operation. May be supplied multiple times; all loggers are invoked.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		if logger != nil {
			service.loggers = append(service.loggers, logger)
		}
	}
}

// WithPaymentReverser wires the upstream processor used for best-effort
// refund mirroring.
func WithPaymentReverser(reverser PaymentReverser) ServiceOption {
	return func(service *Service) {
		service.reverser = reverser
	}
}
