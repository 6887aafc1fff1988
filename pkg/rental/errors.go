package rental

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the rental services. Every rejected
// operation maps to exactly one of these so callers can render a precise
// reason.
var (
	ErrSlotNotFound          = errors.New("slot not found")
	ErrSlotExists            = errors.New("slot already exists")
	ErrSlotOccupied          = errors.New("slot already occupied")
	ErrSlotNotOccupied       = errors.New("slot not occupied")
	ErrUserHoldsSlot         = errors.New("user already holds a slot")
	ErrNotOccupant           = errors.New("caller is not the occupant")
	ErrPingQuotaExhausted    = errors.New("ping quota exhausted")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrUnknownDuration       = errors.New("unknown duration tier")
	ErrUnknownPackage        = errors.New("unknown points package")
	ErrUnknownCurrency       = errors.New("unknown currency")
	ErrTicketNotFound        = errors.New("ticket not found")
	ErrTicketClosed          = errors.New("ticket closed")
	ErrTicketNotQuoted       = errors.New("ticket has no quote")
	ErrDuplicateTransaction  = errors.New("transaction id already consumed")
	ErrVerificationTransient = errors.New("verification transient failure")
	ErrVerificationRejected  = errors.New("verification rejected")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInvalidServiceConfig  = errors.New("invalid service config")
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
