package wallet

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the wallet service.
var (
	ErrUnknownCharge          = errors.New("unknown charge")
	ErrUnknownJob             = errors.New("unknown job")
	ErrChargeAlreadyRefunded  = errors.New("charge already refunded")
	ErrNotRefundable          = errors.New("entry is not a refundable charge")
	ErrInvalidUserID          = errors.New("invalid user id")
	ErrInvalidJobID           = errors.New("invalid job id")
	ErrInvalidCurrency        = errors.New("invalid currency")
	ErrInvalidAmount          = errors.New("invalid amount minor units")
	ErrInvalidEntryType       = errors.New("invalid entry type")
	ErrInvalidMetadataJSON    = errors.New("invalid metadata json")
	ErrInvalidPricingSnapshot = errors.New("invalid pricing snapshot")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
	ErrUpstreamReversal       = errors.New("upstream reversal failed")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
