package ledger

import "context"

// BalanceChanged is published after every committed balance mutation.
type BalanceChanged struct {
	UserID          string          `json:"user_id"`
	TransactionType TransactionType `json:"transaction_type"`
	Amount          int64           `json:"amount"`
	CurrentCredits  int64           `json:"current_credits"`
	DailyAllocation int64           `json:"daily_allocation"`
	OccurredUnixUTC int64           `json:"occurred_unix_utc"`
}

// EventPublisher delivers BalanceChanged events to subscribers (UI push, audit pipelines).
type EventPublisher interface {
	Publish(ctx context.Context, event BalanceChanged) error
}

func newBalanceChanged(balance AccountBalance, transactionType TransactionType, amount SignedCredits, nowUnixUTC int64) BalanceChanged {
	return BalanceChanged{
		UserID:          balance.UserID.String(),
		TransactionType: transactionType,
		Amount:          amount.Int64(),
		CurrentCredits:  balance.CurrentCredits.Int64(),
		DailyAllocation: balance.DailyAllocation.Int64(),
		OccurredUnixUTC: nowUnixUTC,
	}
}
