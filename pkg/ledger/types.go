package ledger

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

const maxReasonLength = 500

// UserID identifies an account owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never initialized.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// Credits is a non-negative credit quantity.
type Credits int64

// NewCredits validates a non-negative credit quantity.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// Int64 exposes the raw value.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// PositiveCredits is a strictly positive credit quantity used for deductions, refunds and bonuses.
type PositiveCredits int64

// NewPositiveCredits validates an amount and ensures it is strictly positive.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return PositiveCredits(raw), nil
}

// Int64 exposes the raw value.
func (credits PositiveCredits) Int64() int64 {
	return int64(credits)
}

// ToCredits converts to the non-negative type.
func (credits PositiveCredits) ToCredits() Credits {
	return Credits(credits)
}

// SignedCredits is the amount recorded on a transaction: positive when credits are added.
type SignedCredits int64

// Int64 exposes the raw value.
func (credits SignedCredits) Int64() int64 {
	return int64(credits)
}

// Negated flips the sign.
func (credits SignedCredits) Negated() SignedCredits {
	return -credits
}

// Allocation is the number of credits granted per reset cycle. UnlimitedAllocation disables tracking.
type Allocation int64

// NewAllocation validates an allocation value.
func NewAllocation(raw int64) (Allocation, error) {
	if raw < 0 && raw != UnlimitedAllocation {
		return 0, fmt.Errorf("%w: must be non-negative or %d", ErrInvalidAllocation, UnlimitedAllocation)
	}
	return Allocation(raw), nil
}

// IsUnlimited reports whether the allocation bypasses balance tracking.
func (allocation Allocation) IsUnlimited() bool {
	return int64(allocation) == UnlimitedAllocation
}

// Int64 exposes the raw value.
func (allocation Allocation) Int64() int64 {
	return int64(allocation)
}

// Credits returns the tracked balance a reset replenishes to (zero for unlimited plans).
func (allocation Allocation) Credits() Credits {
	if allocation.IsUnlimited() {
		return 0
	}
	return Credits(allocation)
}

// TransactionType enumerates transaction log kinds.
type TransactionType string

const (
	TransactionAllocation TransactionType = "allocation"
	TransactionDeduction  TransactionType = "deduction"
	TransactionRefund     TransactionType = "refund"
	TransactionBonus      TransactionType = "bonus"
)

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(strings.TrimSpace(raw)) {
	case TransactionAllocation:
		return TransactionAllocation, nil
	case TransactionDeduction:
		return TransactionDeduction, nil
	case TransactionRefund:
		return TransactionRefund, nil
	case TransactionBonus:
		return TransactionBonus, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// Reason is the free-text description of the action behind a transaction.
type Reason struct {
	value string
}

// NewReason trims and bounds a reason. Empty reasons are allowed; the service substitutes a default.
func NewReason(raw string) (Reason, error) {
	trimmed := strings.TrimSpace(raw)
	if utf8.RuneCountInString(trimmed) > maxReasonLength {
		return Reason{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidReason, maxReasonLength)
	}
	return Reason{value: trimmed}, nil
}

// String returns the normalized reason.
func (reason Reason) String() string {
	return reason.value
}

func (reason Reason) orDefault(fallback string) Reason {
	if reason.value == "" {
		return Reason{value: fallback}
	}
	return reason
}

// Reference points at the generation request behind a transaction.
type Reference struct {
	SessionID string
	TrackID   string
}

// NewReference trims optional generation references.
func NewReference(sessionID string, trackID string) Reference {
	return Reference{SessionID: strings.TrimSpace(sessionID), TrackID: strings.TrimSpace(trackID)}
}

// AccountBalance is the persisted, cached state of an account.
type AccountBalance struct {
	UserID                  UserID
	CurrentCredits          Credits
	DailyAllocation         Allocation
	TotalCreditsUsed        Credits
	FirstActionTodayUnixUTC int64
	LastResetUnixUTC        int64
	Version                 int64
	UpdatedUnixUTC          int64
}

// Unlimited reports whether the account's allocation is unlimited.
func (balance AccountBalance) Unlimited() bool {
	return balance.DailyAllocation.IsUnlimited()
}

// Transaction is a single immutable line in the transaction log.
type Transaction struct {
	Sequence         int64
	TransactionID    string
	UserID           UserID
	Type             TransactionType
	Amount           SignedCredits
	Reason           Reason
	RemainingCredits Credits
	Reference        Reference
	CreatedUnixUTC   int64
}

// Receipt describes the effect of a deduct, refund or bonus call. Credits is the applied amount
// floored at zero; Adjustment is the signed change to the balance.
type Receipt struct {
	Credits     Credits
	Adjustment  SignedCredits
	Balance     AccountBalance
	Transaction *Transaction
}

// ResetResult is the outcome of CheckAndReset.
type ResetResult struct {
	Balance    AccountBalance
	NeedsReset bool
}

// CreditStatus is the caller-facing balance view.
type CreditStatus struct {
	Balance          AccountBalance
	NeedsReset       bool
	Plan             SubscriptionPlan
	HasSubscription  bool
	NextResetUnixUTC int64
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// GetBalance returns ErrAccountNotFound when no row exists. Inside WithTx the row is locked.
	GetBalance(ctx context.Context, userID UserID) (AccountBalance, error)
	// CreateBalance returns false when the row already exists.
	CreateBalance(ctx context.Context, balance AccountBalance) (bool, error)
	// UpdateBalance writes the balance when the stored version matches and returns it with the next version.
	UpdateBalance(ctx context.Context, balance AccountBalance) (AccountBalance, error)
	InsertTransaction(ctx context.Context, transaction Transaction) (Transaction, error)
	ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error)
	GetActivePlan(ctx context.Context, userID UserID, atUnixUTC int64) (SubscriptionPlan, error)
	GetPlan(ctx context.Context, slug string) (SubscriptionPlan, error)
	ListPlans(ctx context.Context) ([]SubscriptionPlan, error)
	UpsertPlan(ctx context.Context, plan SubscriptionPlan) error
	PutSubscription(ctx context.Context, subscription Subscription) error
}
