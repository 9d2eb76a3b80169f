package ledger

import "time"

// Operation names reported in OperationLog.Operation.
const (
	OperationProvision     = "provision"
	OperationCheckAndReset = "check_and_reset"
	OperationDeduct        = "deduct"
	OperationRefund        = "refund"
	OperationBonus         = "bonus"
	OperationAssignPlan    = "assign_plan"
)

const (
	operationStatusOK    = "ok"
	operationStatusError = "error"

	// UnlimitedAllocation marks plans whose balance is not tracked numerically.
	UnlimitedAllocation int64 = -1

	DefaultResetWindow        = 24 * time.Hour
	DefaultFreePlanSlug       = "free"
	DefaultFreePlanName       = "Free"
	DefaultFreeDailyCredits   = 300
	DefaultMaxConflictRetries = 3

	DefaultTransactionListLimit = 50
	MaxTransactionListLimit     = 200

	reasonProvision  = "initial allocation"
	reasonReset      = "daily reset"
	reasonPlanChange = "plan change"
)
