package ledger

import (
	"errors"
	"testing"
)

const (
	operationName    = "ledger"
	subjectName      = "entry"
	codeName         = "invalid"
	baseErrorMessage = "base error"
)

func TestOperationErrorFormatting(test *testing.T) {
	test.Parallel()
	baseError := errors.New(baseErrorMessage)
	wrappedError := WrapError(operationName, subjectName, codeName, baseError)
	if wrappedError == nil {
		test.Fatalf("expected wrapped error")
	}
	expected := operationName + "." + subjectName + "." + codeName + ": " + baseErrorMessage
	if wrappedError.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, wrappedError.Error())
	}
	var operationError OperationError
	if !errors.As(wrappedError, &operationError) || operationError.Code() != codeName {
		test.Fatalf("expected OperationError with code %q, got %v", codeName, wrappedError)
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError(operationName, subjectName, codeName, nil) != nil {
		test.Fatalf("expected nil wrapped error")
	}
}

func TestInsufficientCreditsErrorMatchesSentinel(test *testing.T) {
	test.Parallel()
	wrapped := WrapError("service", "balance", "deduct", InsufficientCreditsError{Required: 50, Available: 40})
	if !errors.Is(wrapped, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", wrapped)
	}
	var insufficient InsufficientCreditsError
	if !errors.As(wrapped, &insufficient) {
		test.Fatalf("expected InsufficientCreditsError")
	}
	if insufficient.Required != 50 || insufficient.Available != 40 {
		test.Fatalf("unexpected amounts: %+v", insufficient)
	}
	if insufficient.Error() != "insufficient credits: required 50, available 40" {
		test.Fatalf("unexpected message %q", insufficient.Error())
	}
	if IsRetryable(wrapped) {
		test.Fatalf("insufficient credits must not be retryable")
	}
}

func TestPersistenceFailureIsRetryable(test *testing.T) {
	test.Parallel()
	if PersistenceFailure(nil) != nil {
		test.Fatalf("expected nil for nil error")
	}
	driverError := errors.New("connection reset")
	failure := PersistenceFailure(driverError)
	if !errors.Is(failure, ErrPersistence) || !errors.Is(failure, driverError) {
		test.Fatalf("expected persistence failure wrapping the driver error, got %v", failure)
	}
	if !IsRetryable(failure) {
		test.Fatalf("expected persistence failure to be retryable")
	}
	if !IsRetryable(WrapError("store", "balance", "update", ErrWriteConflict)) {
		test.Fatalf("expected write conflict to be retryable")
	}
}
