package ledger

import (
	"context"
	"errors"
	"fmt"
)

const (
	reasonDeduction = "credits used"
	reasonRefund    = "credits refunded"
	reasonBonus     = "bonus credits"
)

// Service contains the domain logic over a Store. It holds no mutable state between calls;
// every operation is one store transaction.
type Service struct {
	store              Store
	nowFn              func() int64
	loggers            []OperationLogger
	publisher          EventPublisher
	resetPolicy        ResetPolicy
	defaultPlan        SubscriptionPlan
	logUnlimitedUsage  bool
	maxConflictRetries int
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	resetPolicy, err := NewResetPolicy(DefaultResetWindow)
	if err != nil {
		return nil, err
	}
	service := &Service{
		store:              store,
		nowFn:              now,
		resetPolicy:        resetPolicy,
		defaultPlan:        DefaultPlan(Allocation(DefaultFreeDailyCredits)),
		maxConflictRetries: DefaultMaxConflictRetries,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.resetPolicy.windowSeconds <= 0 {
		return nil, fmt.Errorf("%w: reset policy is not initialized", ErrInvalidServiceConfig)
	}
	return service, nil
}

// ResetPolicy exposes the configured reset policy.
func (service *Service) ResetPolicy() ResetPolicy {
	return service.resetPolicy
}

// mutation collects what a transaction changed so it can be logged and published after commit.
type mutation struct {
	balance    AccountBalance
	events     []BalanceChanged
	auditError error
}

// Provision creates the account balance from the active (or default) plan. It is a no-op when
// the balance already exists.
func (service *Service) Provision(ctx context.Context, userID UserID) (AccountBalance, error) {
	result, operationError := service.runInTx(ctx, func(ctx context.Context, transactionStore Store, result *mutation) error {
		return service.provision(ctx, transactionStore, userID, service.nowFn(), result)
	})
	service.finish(ctx, result, operationError, OperationLog{
		Operation: OperationProvision,
		UserID:    userID,
	})
	if operationError != nil {
		return AccountBalance{}, operationError
	}
	return result.balance, nil
}

// CheckAndReset applies the reset policy and returns the post-reset state. NeedsReset reports
// whether a reset fired during this call.
func (service *Service) CheckAndReset(ctx context.Context, userID UserID) (ResetResult, error) {
	var resetFired bool
	result, operationError := service.runInTx(ctx, func(ctx context.Context, transactionStore Store, result *mutation) error {
		resetFired = false
		balance, err := transactionStore.GetBalance(ctx, userID)
		if err != nil {
			return err
		}
		balance, resetFired, err = service.resetIfDue(ctx, transactionStore, balance, service.nowFn(), result)
		if err != nil {
			return err
		}
		result.balance = balance
		return nil
	})
	if resetFired || (operationError != nil && !errors.Is(operationError, ErrAccountNotFound)) {
		service.finish(ctx, result, operationError, OperationLog{
			Operation: OperationCheckAndReset,
			UserID:    userID,
		})
	}
	if operationError != nil {
		return ResetResult{}, operationError
	}
	return ResetResult{Balance: result.balance, NeedsReset: resetFired}, nil
}

// Deduct debits credits for a paid action. The reset policy is applied first so usage is never
// evaluated against a stale balance. Insufficient funds leave the account untouched.
func (service *Service) Deduct(ctx context.Context, userID UserID, amount PositiveCredits, reason Reason, reference Reference) (Receipt, error) {
	reason = reason.orDefault(reasonDeduction)
	var receipt Receipt
	result, operationError := service.runInTx(ctx, func(ctx context.Context, transactionStore Store, result *mutation) error {
		receipt = Receipt{}
		nowUnixUTC := service.nowFn()
		balance, err := transactionStore.GetBalance(ctx, userID)
		if err != nil {
			return err
		}
		balance, _, err = service.resetIfDue(ctx, transactionStore, balance, nowUnixUTC, result)
		if err != nil {
			return err
		}
		if balance.Unlimited() {
			return service.deductUnlimited(ctx, transactionStore, balance, amount, reason, reference, nowUnixUTC, result, &receipt)
		}
		if balance.CurrentCredits < amount.ToCredits() {
			return InsufficientCreditsError{Required: amount.ToCredits(), Available: balance.CurrentCredits}
		}
		balance.CurrentCredits -= amount.ToCredits()
		balance.TotalCreditsUsed += amount.ToCredits()
		if balance.FirstActionTodayUnixUTC == 0 {
			balance.FirstActionTodayUnixUTC = nowUnixUTC
		}
		balance.UpdatedUnixUTC = nowUnixUTC
		updated, err := transactionStore.UpdateBalance(ctx, balance)
		if err != nil {
			return err
		}
		transaction := service.appendTransaction(ctx, transactionStore, updated, TransactionDeduction, SignedCredits(amount).Negated(), reason, reference, nowUnixUTC, result)
		result.balance = updated
		receipt = Receipt{Credits: amount.ToCredits(), Adjustment: SignedCredits(amount).Negated(), Balance: updated, Transaction: transaction}
		return nil
	})
	service.finish(ctx, result, operationError, OperationLog{
		Operation:      OperationDeduct,
		UserID:         userID,
		Amount:         amount.ToCredits(),
		AppliedCredits: receipt.Credits,
		Reason:         reason,
		Reference:      reference,
		Unlimited:      result.balance.Unlimited(),
	})
	if operationError != nil {
		return Receipt{}, operationError
	}
	return receipt, nil
}

// Refund returns credits after a failed paid action. The new balance is capped at the daily
// allocation, so the applied refund may be smaller than requested. A balance already above the
// allocation after a bonus is brought down to it. Refunds are not deduplicated by reference.
func (service *Service) Refund(ctx context.Context, userID UserID, amount PositiveCredits, reason Reason, reference Reference) (Receipt, error) {
	reason = reason.orDefault(reasonRefund)
	var receipt Receipt
	result, operationError := service.runInTx(ctx, func(ctx context.Context, transactionStore Store, result *mutation) error {
		receipt = Receipt{}
		nowUnixUTC := service.nowFn()
		balance, err := transactionStore.GetBalance(ctx, userID)
		if err != nil {
			return err
		}
		balance, _, err = service.resetIfDue(ctx, transactionStore, balance, nowUnixUTC, result)
		if err != nil {
			return err
		}
		if balance.Unlimited() {
			return service.refundUnlimited(ctx, transactionStore, balance, amount, reason, reference, nowUnixUTC, result, &receipt)
		}
		current := balance.CurrentCredits
		refunded := min(current+amount.ToCredits(), balance.DailyAllocation.Credits())
		applied := SignedCredits(refunded.Int64() - current.Int64())
		balance.CurrentCredits = refunded
		balance.TotalCreditsUsed = Credits(max(0, balance.TotalCreditsUsed.Int64()-applied.Int64()))
		balance.UpdatedUnixUTC = nowUnixUTC
		updated, err := transactionStore.UpdateBalance(ctx, balance)
		if err != nil {
			return err
		}
		transaction := service.appendTransaction(ctx, transactionStore, updated, TransactionRefund, applied, reason, reference, nowUnixUTC, result)
		result.balance = updated
		receipt = Receipt{Credits: Credits(max(0, applied.Int64())), Adjustment: applied, Balance: updated, Transaction: transaction}
		return nil
	})
	service.finish(ctx, result, operationError, OperationLog{
		Operation:      OperationRefund,
		UserID:         userID,
		Amount:         amount.ToCredits(),
		AppliedCredits: receipt.Credits,
		Reason:         reason,
		Reference:      reference,
		Unlimited:      result.balance.Unlimited(),
	})
	if operationError != nil {
		return Receipt{}, operationError
	}
	return receipt, nil
}

// deductUnlimited succeeds without drawing down the balance. The reset window is still anchored so
// an expired subscription is re-evaluated at the next reset.
func (service *Service) deductUnlimited(ctx context.Context, transactionStore Store, balance AccountBalance, amount PositiveCredits, reason Reason, reference Reference, nowUnixUTC int64, result *mutation, receipt *Receipt) error {
	*receipt = Receipt{Credits: amount.ToCredits(), Balance: balance}
	result.balance = balance
	anchor := balance.FirstActionTodayUnixUTC == 0
	if !anchor && !service.logUnlimitedUsage {
		return nil
	}
	if anchor {
		balance.FirstActionTodayUnixUTC = nowUnixUTC
	}
	if service.logUnlimitedUsage {
		balance.TotalCreditsUsed += amount.ToCredits()
	}
	balance.UpdatedUnixUTC = nowUnixUTC
	updated, err := transactionStore.UpdateBalance(ctx, balance)
	if err != nil {
		return err
	}
	result.balance = updated
	receipt.Balance = updated
	if service.logUnlimitedUsage {
		receipt.Transaction = service.appendTransaction(ctx, transactionStore, updated, TransactionDeduction, SignedCredits(amount).Negated(), reason, reference, nowUnixUTC, result)
	}
	return nil
}

func (service *Service) refundUnlimited(ctx context.Context, transactionStore Store, balance AccountBalance, amount PositiveCredits, reason Reason, reference Reference, nowUnixUTC int64, result *mutation, receipt *Receipt) error {
	*receipt = Receipt{Balance: balance}
	result.balance = balance
	if !service.logUnlimitedUsage {
		return nil
	}
	applied := min(amount.ToCredits(), balance.TotalCreditsUsed)
	balance.TotalCreditsUsed -= applied
	balance.UpdatedUnixUTC = nowUnixUTC
	updated, err := transactionStore.UpdateBalance(ctx, balance)
	if err != nil {
		return err
	}
	result.balance = updated
	*receipt = Receipt{
		Credits:     applied,
		Adjustment:  SignedCredits(applied),
		Balance:     updated,
		Transaction: service.appendTransaction(ctx, transactionStore, updated, TransactionRefund, SignedCredits(applied), reason, reference, nowUnixUTC, result),
	}
	return nil
}

func (service *Service) provision(ctx context.Context, transactionStore Store, userID UserID, nowUnixUTC int64, result *mutation) error {
	plan, _, err := service.resolvePlan(ctx, transactionStore, userID, nowUnixUTC)
	if err != nil {
		return err
	}
	balance := AccountBalance{
		UserID:           userID,
		CurrentCredits:   plan.DailyCredits.Credits(),
		DailyAllocation:  plan.DailyCredits,
		LastResetUnixUTC: nowUnixUTC,
		UpdatedUnixUTC:   nowUnixUTC,
	}
	created, err := transactionStore.CreateBalance(ctx, balance)
	if err != nil {
		return err
	}
	if !created {
		existing, err := transactionStore.GetBalance(ctx, userID)
		if err != nil {
			return err
		}
		result.balance = existing
		return nil
	}
	service.appendTransaction(ctx, transactionStore, balance, TransactionAllocation, SignedCredits(balance.CurrentCredits), Reason{value: reasonProvision}, Reference{}, nowUnixUTC, result)
	result.balance = balance
	return nil
}

// resetIfDue replenishes the balance when the rolling window has elapsed. The allocation is
// refreshed from the active plan so expired subscriptions fall back at the reset boundary.
func (service *Service) resetIfDue(ctx context.Context, transactionStore Store, balance AccountBalance, nowUnixUTC int64, result *mutation) (AccountBalance, bool, error) {
	if !service.resetPolicy.NeedsReset(balance.FirstActionTodayUnixUTC, nowUnixUTC) {
		return balance, false, nil
	}
	plan, _, err := service.resolvePlan(ctx, transactionStore, balance.UserID, nowUnixUTC)
	if err != nil {
		return balance, false, err
	}
	balance.DailyAllocation = plan.DailyCredits
	replenished, delta := service.resetPolicy.replenish(balance, nowUnixUTC)
	replenished.UpdatedUnixUTC = nowUnixUTC
	updated, err := transactionStore.UpdateBalance(ctx, replenished)
	if err != nil {
		return balance, false, err
	}
	service.appendTransaction(ctx, transactionStore, updated, TransactionAllocation, delta, Reason{value: reasonReset}, Reference{}, nowUnixUTC, result)
	return updated, true, nil
}

func (service *Service) resolvePlan(ctx context.Context, store Store, userID UserID, nowUnixUTC int64) (SubscriptionPlan, bool, error) {
	plan, err := store.GetActivePlan(ctx, userID, nowUnixUTC)
	if err == nil {
		return plan, true, nil
	}
	if errors.Is(err, ErrNoActiveSubscription) {
		return service.defaultPlan, false, nil
	}
	return SubscriptionPlan{}, false, err
}

// appendTransaction writes the log row for a balance change. A failed write is recorded on the
// mutation and does not abort the transaction: the balance update stands.
func (service *Service) appendTransaction(ctx context.Context, transactionStore Store, balance AccountBalance, transactionType TransactionType, amount SignedCredits, reason Reason, reference Reference, nowUnixUTC int64, result *mutation) *Transaction {
	result.events = append(result.events, newBalanceChanged(balance, transactionType, amount, nowUnixUTC))
	stored, err := transactionStore.InsertTransaction(ctx, Transaction{
		UserID:           balance.UserID,
		Type:             transactionType,
		Amount:           amount,
		Reason:           reason,
		RemainingCredits: balance.CurrentCredits,
		Reference:        reference,
		CreatedUnixUTC:   nowUnixUTC,
	})
	if err != nil {
		result.auditError = errors.Join(result.auditError, err)
		return nil
	}
	return &stored
}

// runInTx executes fn in a store transaction, replaying the whole transaction after a version
// conflict. A conflicted attempt committed nothing, so the replay cannot double-apply.
func (service *Service) runInTx(ctx context.Context, fn func(ctx context.Context, transactionStore Store, result *mutation) error) (mutation, error) {
	var (
		result mutation
		err    error
	)
	for attempt := 0; ; attempt++ {
		result = mutation{}
		err = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			return fn(ctx, transactionStore, &result)
		})
		if err == nil || !errors.Is(err, ErrWriteConflict) || attempt >= service.maxConflictRetries {
			return result, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, err
		}
	}
}

// finish publishes the committed events and reports the operation to the loggers.
func (service *Service) finish(ctx context.Context, result mutation, operationError error, entry OperationLog) {
	if operationError == nil {
		entry.EventError = service.publish(ctx, result.events)
		entry.AuditError = result.auditError
		entry.Balance = result.balance.CurrentCredits
	}
	entry.Error = operationError
	service.logOperation(ctx, entry)
}

func (service *Service) publish(ctx context.Context, events []BalanceChanged) error {
	if service.publisher == nil {
		return nil
	}
	var publishErrors error
	for _, event := range events {
		if err := service.publisher.Publish(ctx, event); err != nil {
			publishErrors = errors.Join(publishErrors, err)
		}
	}
	return publishErrors
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
