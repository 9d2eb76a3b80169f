package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrUnauthenticated         = errors.New("unauthenticated")
	ErrForbidden               = errors.New("forbidden")
	ErrAccountNotFound         = errors.New("account not found")
	ErrInsufficientCredits     = errors.New("insufficient credits")
	ErrPersistence             = errors.New("persistence failure")
	ErrWriteConflict           = errors.New("write conflict")
	ErrNoActiveSubscription    = errors.New("no active subscription")
	ErrUnknownPlan             = errors.New("unknown plan")
	ErrInvalidUserID           = errors.New("invalid user id")
	ErrInvalidCredits          = errors.New("invalid credits")
	ErrInvalidAllocation       = errors.New("invalid allocation")
	ErrInvalidTransactionType  = errors.New("invalid transaction type")
	ErrInvalidReason           = errors.New("invalid reason")
	ErrInvalidPlan             = errors.New("invalid plan")
	ErrInvalidGenerationType   = errors.New("invalid generation type")
	ErrInvalidDuration         = errors.New("invalid duration")
	ErrInvalidListLimit        = errors.New("invalid list limit")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
	ErrInvalidBalance          = errors.New("invalid balance")
	ErrInvalidSubscriptionTerm = errors.New("invalid subscription term")
)

// InsufficientCreditsError reports a rejected deduction. It is an expected, user-facing condition.
type InsufficientCreditsError struct {
	Required  Credits
	Available Credits
}

// Error returns the formatted error message.
func (insufficient InsufficientCreditsError) Error() string {
	return fmt.Sprintf("%v: required %d, available %d", ErrInsufficientCredits, insufficient.Required, insufficient.Available)
}

// Is matches ErrInsufficientCredits.
func (insufficient InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
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

// PersistenceFailure marks a driver error as a transient store failure.
func PersistenceFailure(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}

// IsRetryable reports whether the whole check-then-act sequence may be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistence) || errors.Is(err, ErrWriteConflict)
}
