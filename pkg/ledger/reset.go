package ledger

import (
	"fmt"
	"time"
)

// ResetPolicy decides when a daily allowance rolls over. The window is anchored to the first
// deduction after the previous reset, not to midnight.
type ResetPolicy struct {
	windowSeconds int64
}

// NewResetPolicy validates the rolling window length.
func NewResetPolicy(window time.Duration) (ResetPolicy, error) {
	if window < time.Second {
		return ResetPolicy{}, fmt.Errorf("%w: reset window must be at least one second", ErrInvalidServiceConfig)
	}
	return ResetPolicy{windowSeconds: int64(window / time.Second)}, nil
}

// Window returns the rolling window length.
func (policy ResetPolicy) Window() time.Duration {
	return time.Duration(policy.windowSeconds) * time.Second
}

// NeedsReset reports whether the allowance must be replenished. A zero anchor never resets.
func (policy ResetPolicy) NeedsReset(firstActionUnixUTC int64, nowUnixUTC int64) bool {
	if firstActionUnixUTC == 0 {
		return false
	}
	return nowUnixUTC-firstActionUnixUTC >= policy.windowSeconds
}

// NextResetUnixUTC returns when the current window closes, or zero when no window is open.
func (policy ResetPolicy) NextResetUnixUTC(firstActionUnixUTC int64) int64 {
	if firstActionUnixUTC == 0 {
		return 0
	}
	return firstActionUnixUTC + policy.windowSeconds
}

// replenish applies a reset to the balance and returns the signed change in credits.
func (policy ResetPolicy) replenish(balance AccountBalance, nowUnixUTC int64) (AccountBalance, SignedCredits) {
	previous := balance.CurrentCredits
	balance.CurrentCredits = balance.DailyAllocation.Credits()
	balance.FirstActionTodayUnixUTC = 0
	balance.LastResetUnixUTC = nowUnixUTC
	return balance, SignedCredits(balance.CurrentCredits.Int64() - previous.Int64())
}
