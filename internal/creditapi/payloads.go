package creditapi

import (
	"time"

	"github.com/MarkoPoloResearchLab/healingcredits/pkg/ledger"
)

type creditRequest struct {
	Amount    int64  `json:"amount" binding:"required"`
	Reason    string `json:"reason"`
	SessionID string `json:"session_id"`
	TrackID   string `json:"track_id"`
}

type bonusRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Amount int64  `json:"amount" binding:"required"`
	Reason string `json:"reason"`
}

type subscriptionRequest struct {
	UserID    string     `json:"user_id" binding:"required"`
	Plan      string     `json:"plan" binding:"required"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type subscriptionPayload struct {
	PlanName     string              `json:"plan_name"`
	DailyCredits int64               `json:"daily_credits"`
	Features     ledger.PlanFeatures `json:"features"`
}

type creditStatusResponse struct {
	CurrentCredits   int64                `json:"current_credits"`
	DailyCredits     int64                `json:"daily_credits"`
	TotalCreditsUsed int64                `json:"total_credits_used"`
	Unlimited        bool                 `json:"unlimited"`
	NeedsReset       bool                 `json:"needs_reset"`
	Subscription     *subscriptionPayload `json:"subscription"`
	NextResetTime    *string              `json:"next_reset_time"`
}

type deductResponse struct {
	Success          bool   `json:"success"`
	CreditsDeducted  int64  `json:"credits_deducted"`
	RemainingCredits int64  `json:"remaining_credits"`
	TransactionID    string `json:"transaction_id,omitempty"`
}

type refundResponse struct {
	Success          bool   `json:"success"`
	CreditsRefunded  int64  `json:"credits_refunded"`
	RemainingCredits int64  `json:"remaining_credits"`
	TransactionID    string `json:"transaction_id,omitempty"`
}

type bonusResponse struct {
	Success          bool  `json:"success"`
	CreditsGranted   int64 `json:"credits_granted"`
	RemainingCredits int64 `json:"remaining_credits"`
}

type subscriptionResponse struct {
	Success        bool   `json:"success"`
	Plan           string `json:"plan"`
	DailyCredits   int64  `json:"daily_credits"`
	CurrentCredits int64  `json:"current_credits"`
	Unlimited      bool   `json:"unlimited"`
}

type transactionPayload struct {
	TransactionID    string `json:"transaction_id"`
	Sequence         int64  `json:"sequence"`
	TransactionType  string `json:"transaction_type"`
	Amount           int64  `json:"amount"`
	Reason           string `json:"reason"`
	RemainingCredits int64  `json:"remaining_credits"`
	SessionID        string `json:"session_id,omitempty"`
	TrackID          string `json:"track_id,omitempty"`
	CreatedAt        string `json:"created_at"`
}

type transactionsResponse struct {
	Transactions []transactionPayload `json:"transactions"`
}

type costResponse struct {
	Type     string `json:"type"`
	Duration int    `json:"duration"`
	Cost     int64  `json:"cost"`
}

type planPayload struct {
	PlanID            string              `json:"plan_id"`
	Slug              string              `json:"slug"`
	Name              string              `json:"name"`
	DailyCredits      int64               `json:"daily_credits"`
	Unlimited         bool                `json:"unlimited"`
	PriceMonthlyCents int64               `json:"price_monthly_cents"`
	PriceYearlyCents  int64               `json:"price_yearly_cents"`
	Features          ledger.PlanFeatures `json:"features"`
}

type plansResponse struct {
	Plans []planPayload `json:"plans"`
}

type errorPayload struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Required  *int64 `json:"required,omitempty"`
	Available *int64 `json:"available,omitempty"`
}

// remainingCredits reports UnlimitedAllocation for unlimited accounts, whose stored balance is not tracked.
func remainingCredits(balance ledger.AccountBalance) int64 {
	if balance.Unlimited() {
		return ledger.UnlimitedAllocation
	}
	return balance.CurrentCredits.Int64()
}

func newCreditStatusResponse(status ledger.CreditStatus) creditStatusResponse {
	response := creditStatusResponse{
		CurrentCredits:   remainingCredits(status.Balance),
		DailyCredits:     status.Balance.DailyAllocation.Int64(),
		TotalCreditsUsed: status.Balance.TotalCreditsUsed.Int64(),
		Unlimited:        status.Balance.Unlimited(),
		NeedsReset:       status.NeedsReset,
		NextResetTime:    formatOptionalUnix(status.NextResetUnixUTC),
	}
	if status.HasSubscription {
		response.Subscription = &subscriptionPayload{
			PlanName:     status.Plan.Name,
			DailyCredits: status.Plan.DailyCredits.Int64(),
			Features:     status.Plan.Features,
		}
	}
	return response
}

func newTransactionPayload(transaction ledger.Transaction) transactionPayload {
	return transactionPayload{
		TransactionID:    transaction.TransactionID,
		Sequence:         transaction.Sequence,
		TransactionType:  transaction.Type.String(),
		Amount:           transaction.Amount.Int64(),
		Reason:           transaction.Reason.String(),
		RemainingCredits: transaction.RemainingCredits.Int64(),
		SessionID:        transaction.Reference.SessionID,
		TrackID:          transaction.Reference.TrackID,
		CreatedAt:        formatUnix(transaction.CreatedUnixUTC),
	}
}

func newPlanPayload(plan ledger.SubscriptionPlan) planPayload {
	return planPayload{
		PlanID:            plan.PlanID,
		Slug:              plan.Slug,
		Name:              plan.Name,
		DailyCredits:      plan.DailyCredits.Int64(),
		Unlimited:         plan.DailyCredits.IsUnlimited(),
		PriceMonthlyCents: plan.PriceMonthlyCents,
		PriceYearlyCents:  plan.PriceYearlyCents,
		Features:          plan.Features,
	}
}

func transactionIDOf(transaction *ledger.Transaction) string {
	if transaction == nil {
		return ""
	}
	return transaction.TransactionID
}

func formatUnix(unixUTC int64) string {
	return time.Unix(unixUTC, 0).UTC().Format(time.RFC3339)
}

func formatOptionalUnix(unixUTC int64) *string {
	if unixUTC == 0 {
		return nil
	}
	formatted := formatUnix(unixUTC)
	return &formatted
}
