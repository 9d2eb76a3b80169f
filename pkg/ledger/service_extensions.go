package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Status provisions a missing account, applies the reset policy and resolves the plan.
func (service *Service) Status(ctx context.Context, userID UserID) (CreditStatus, error) {
	reset, err := service.CheckAndReset(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) {
		if _, provisionErr := service.Provision(ctx, userID); provisionErr != nil {
			return CreditStatus{}, provisionErr
		}
		reset, err = service.CheckAndReset(ctx, userID)
	}
	if err != nil {
		return CreditStatus{}, err
	}
	plan, hasSubscription, err := service.resolvePlan(ctx, service.store, userID, service.nowFn())
	if err != nil {
		return CreditStatus{}, err
	}
	return CreditStatus{
		Balance:          reset.Balance,
		NeedsReset:       reset.NeedsReset,
		Plan:             plan,
		HasSubscription:  hasSubscription,
		NextResetUnixUTC: service.resetPolicy.NextResetUnixUTC(reset.Balance.FirstActionTodayUnixUTC),
	}, nil
}

// Bonus grants credits outside the allocation cycle. Bonuses are not capped by the allocation.
func (service *Service) Bonus(ctx context.Context, userID UserID, amount PositiveCredits, reason Reason) (Receipt, error) {
	reason = reason.orDefault(reasonBonus)
	var receipt Receipt
	result, operationError := service.runInTx(ctx, func(ctx context.Context, transactionStore Store, result *mutation) error {
		receipt = Receipt{}
		nowUnixUTC := service.nowFn()
		balance, err := transactionStore.GetBalance(ctx, userID)
		if errors.Is(err, ErrAccountNotFound) {
			if err := service.provision(ctx, transactionStore, userID, nowUnixUTC, result); err != nil {
				return err
			}
			balance, err = transactionStore.GetBalance(ctx, userID)
		}
		if err != nil {
			return err
		}
		balance.CurrentCredits += amount.ToCredits()
		balance.UpdatedUnixUTC = nowUnixUTC
		updated, err := transactionStore.UpdateBalance(ctx, balance)
		if err != nil {
			return err
		}
		transaction := service.appendTransaction(ctx, transactionStore, updated, TransactionBonus, SignedCredits(amount), reason, Reference{}, nowUnixUTC, result)
		result.balance = updated
		receipt = Receipt{Credits: amount.ToCredits(), Adjustment: SignedCredits(amount), Balance: updated, Transaction: transaction}
		return nil
	})
	service.finish(ctx, result, operationError, OperationLog{
		Operation:      OperationBonus,
		UserID:         userID,
		Amount:         amount.ToCredits(),
		AppliedCredits: receipt.Credits,
		Reason:         reason,
	})
	if operationError != nil {
		return Receipt{}, operationError
	}
	return receipt, nil
}

// AssignPlan activates a subscription and re-allocates the balance immediately. A zero expiry
// means the subscription does not lapse.
func (service *Service) AssignPlan(ctx context.Context, userID UserID, planSlug string, expiresUnixUTC int64) (AccountBalance, error) {
	result, operationError := service.runInTx(ctx, func(ctx context.Context, transactionStore Store, result *mutation) error {
		nowUnixUTC := service.nowFn()
		if expiresUnixUTC != 0 && expiresUnixUTC <= nowUnixUTC {
			return fmt.Errorf("%w: expiry must be in the future", ErrInvalidSubscriptionTerm)
		}
		plan, err := transactionStore.GetPlan(ctx, PlanSlug(planSlug))
		if err != nil {
			return err
		}
		subscription := Subscription{
			UserID:         userID,
			PlanSlug:       plan.Slug,
			Status:         SubscriptionActive,
			StartedUnixUTC: nowUnixUTC,
			ExpiresUnixUTC: expiresUnixUTC,
		}
		if err := transactionStore.PutSubscription(ctx, subscription); err != nil {
			return err
		}
		balance, err := transactionStore.GetBalance(ctx, userID)
		if errors.Is(err, ErrAccountNotFound) {
			return service.provision(ctx, transactionStore, userID, nowUnixUTC, result)
		}
		if err != nil {
			return err
		}
		balance.DailyAllocation = plan.DailyCredits
		replenished, delta := service.resetPolicy.replenish(balance, nowUnixUTC)
		replenished.UpdatedUnixUTC = nowUnixUTC
		updated, err := transactionStore.UpdateBalance(ctx, replenished)
		if err != nil {
			return err
		}
		service.appendTransaction(ctx, transactionStore, updated, TransactionAllocation, delta, Reason{value: reasonPlanChange}, Reference{}, nowUnixUTC, result)
		result.balance = updated
		return nil
	})
	service.finish(ctx, result, operationError, OperationLog{
		Operation: OperationAssignPlan,
		UserID:    userID,
		Reason:    Reason{value: reasonPlanChange},
		Unlimited: result.balance.Unlimited(),
	})
	if operationError != nil {
		return AccountBalance{}, operationError
	}
	return result.balance, nil
}

// ListTransactions lists a user's transactions, newest first. A zero limit selects the default.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	normalized, err := NormalizeListLimit(limit)
	if err != nil {
		return nil, err
	}
	return service.store.ListTransactions(ctx, userID, normalized)
}

// Plans returns the plan catalogue.
func (service *Service) Plans(ctx context.Context) ([]SubscriptionPlan, error) {
	return service.store.ListPlans(ctx)
}

// NormalizeListLimit applies the default and maximum transaction page sizes.
func NormalizeListLimit(limit int) (int, error) {
	if limit == 0 {
		return DefaultTransactionListLimit, nil
	}
	if limit < 0 || limit > MaxTransactionListLimit {
		return 0, fmt.Errorf("%w: must be between 1 and %d", ErrInvalidListLimit, MaxTransactionListLimit)
	}
	return limit, nil
}
