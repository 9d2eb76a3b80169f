package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type recorderLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) last(test *testing.T) OperationLog {
	test.Helper()
	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.entries) == 0 {
		test.Fatalf("expected a log entry")
	}
	return logger.entries[len(logger.entries)-1]
}

func TestServiceLogsDeductOperation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	logger := &recorderLogger{}
	service := mustNewService(test, store, newTestClock(), WithOperationLogger(logger))
	user := mustUserID(test, userIDValue)
	mustProvision(test, service, user)
	reference := NewReference("session-1", "track-1")
	if _, err := service.Deduct(context.Background(), user, mustPositiveCredits(test, 75), mustReason(test, "meditation 10m"), reference); err != nil {
		test.Fatalf("deduct failed: %v", err)
	}
	if len(logger.entries) != 2 {
		test.Fatalf("expected provision and deduct entries, got %d", len(logger.entries))
	}
	entry := logger.last(test)
	if entry.Operation != OperationDeduct || entry.UserID != user || entry.Amount != 75 || entry.AppliedCredits != 75 {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.Balance != 225 || entry.Reference != reference {
		test.Fatalf("unexpected balance or reference: %+v", entry)
	}
	if entry.Error != nil || entry.Status != operationStatusOK {
		test.Fatalf("expected successful log entry, got %+v", entry)
	}
}

func TestServiceLogsErrorStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.state.getBalanceError = PersistenceFailure(errors.New("boom"))
	logger := &recorderLogger{}
	service := mustNewService(test, store, newTestClock(), WithOperationLogger(logger))
	user := mustUserID(test, userIDValue)
	_, err := service.Deduct(context.Background(), user, mustPositiveCredits(test, 10), Reason{}, Reference{})
	if !errors.Is(err, ErrPersistence) {
		test.Fatalf("expected ErrPersistence, got %v", err)
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	if logger.entries[0].Status != operationStatusError || logger.entries[0].Error == nil {
		test.Fatalf("expected error log entry, got %+v", logger.entries[0])
	}
}

func TestServiceFansOutToEveryLogger(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	first := &recorderLogger{}
	second := &recorderLogger{}
	service := mustNewService(test, store, newTestClock(), WithOperationLogger(first), WithOperationLogger(second), WithOperationLogger(nil))
	mustProvision(test, service, mustUserID(test, userIDValue))
	if len(first.entries) != 1 || len(second.entries) != 1 {
		test.Fatalf("expected both loggers to receive the entry, got %d and %d", len(first.entries), len(second.entries))
	}
}

func TestCheckAndResetLogsOnlyWhenResetFires(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newTestClock()
	logger := &recorderLogger{}
	service := mustNewService(test, store, clock, WithOperationLogger(logger))
	user := mustUserID(test, userIDValue)
	mustProvision(test, service, user)
	if _, err := service.CheckAndReset(context.Background(), user); err != nil {
		test.Fatalf("check failed: %v", err)
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected no entry for a no-op check, got %d", len(logger.entries))
	}
	if _, err := service.CheckAndReset(context.Background(), mustUserID(test, "missing")); !errors.Is(err, ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected no entry for a missing account, got %d", len(logger.entries))
	}
}
