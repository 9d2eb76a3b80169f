package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	UserID         UserID
	Amount         Credits
	AppliedCredits Credits
	Balance        Credits
	Reason         Reason
	Reference      Reference
	Unlimited      bool
	Status         string
	Error          error
	// AuditError is a transaction-log write failure that did not roll back the balance.
	AuditError error
	// EventError is a BalanceChanged publish failure after commit.
	EventError error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
// The option may be repeated; every logger receives every entry.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		if logger != nil {
			service.loggers = append(service.loggers, logger)
		}
	}
}

// WithEventPublisher wires the BalanceChanged publisher.
func WithEventPublisher(publisher EventPublisher) ServiceOption {
	return func(service *Service) {
		service.publisher = publisher
	}
}

// WithDefaultAllocation overrides the Free plan allocation used when an account has no subscription.
func WithDefaultAllocation(allocation Allocation) ServiceOption {
	return func(service *Service) {
		service.defaultPlan = DefaultPlan(allocation)
	}
}

// WithResetPolicy overrides the 24 hour rolling reset window.
func WithResetPolicy(policy ResetPolicy) ServiceOption {
	return func(service *Service) {
		service.resetPolicy = policy
	}
}

// WithUnlimitedUsageLogging records deductions and refunds of unlimited accounts in the log.
func WithUnlimitedUsageLogging(enabled bool) ServiceOption {
	return func(service *Service) {
		service.logUnlimitedUsage = enabled
	}
}

// WithMaxConflictRetries bounds how often a transaction is replayed after a version conflict.
func WithMaxConflictRetries(retries int) ServiceOption {
	return func(service *Service) {
		if retries >= 0 {
			service.maxConflictRetries = retries
		}
	}
}
