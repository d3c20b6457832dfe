package coinledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the settlement engine.
var (
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrTransientContention  = errors.New("transient contention")
	ErrUnknownRequestID     = errors.New("unknown request id")
	ErrDuplicateRequestID   = errors.New("duplicate request id")
	ErrModelPricingNotFound = errors.New("model pricing not found")
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInvalidRequestID     = errors.New("invalid request id")
	ErrInvalidModelID       = errors.New("invalid model id")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidTokenCount    = errors.New("invalid token count")
	ErrInvalidFreezeStatus  = errors.New("invalid freeze status")
	ErrInvalidLogType       = errors.New("invalid log type")
	ErrInvalidPricing       = errors.New("invalid model pricing")
	ErrInvalidBalance       = errors.New("invalid balance")
	ErrInvalidServiceConfig = errors.New("invalid service config")
	ErrEmptyInputText       = errors.New("empty input text")
)

// InsufficientBalanceError carries the shortfall so callers can surface the
// amount the user needs to top up. It unwraps to ErrInsufficientBalance.
type InsufficientBalanceError struct {
	Required  Amount
	Available Amount
}

// Error returns the user-facing message.
func (insufficientError *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %s, available %s", insufficientError.Required, insufficientError.Available)
}

// Unwrap ties the typed error to the sentinel.
func (insufficientError *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// Shortfall returns how much the user is short.
func (insufficientError *InsufficientBalanceError) Shortfall() Amount {
	return insufficientError.Required.Sub(insufficientError.Available)
}

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
