package creditapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/healingcredits/internal/auth"
	"github.com/MarkoPoloResearchLab/healingcredits/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type httpHandler struct {
	logger         *zap.Logger
	service        *ledger.Service
	requestTimeout time.Duration
}

func (handler *httpHandler) handleCheckCredits(c *gin.Context) {
	userID, ok := principalUserID(c)
	if !ok {
		return
	}
	ctx, cancel := handler.requestContext(c)
	defer cancel()

	status, err := handler.service.Status(ctx, userID)
	if err != nil {
		handler.respondError(c, ledger.OperationCheckAndReset, err)
		return
	}
	c.JSON(http.StatusOK, newCreditStatusResponse(status))
}

func (handler *httpHandler) handleDeductCredits(c *gin.Context) {
	userID, ok := principalUserID(c)
	if !ok {
		return
	}
	amount, reason, reference, ok := bindCreditRequest(c)
	if !ok {
		return
	}
	ctx, cancel := handler.requestContext(c)
	defer cancel()

	receipt, err := handler.withProvisioning(ctx, userID, func() (ledger.Receipt, error) {
		return handler.service.Deduct(ctx, userID, amount, reason, reference)
	})
	if err != nil {
		handler.respondError(c, ledger.OperationDeduct, err)
		return
	}
	c.JSON(http.StatusOK, deductResponse{
		Success:          true,
		CreditsDeducted:  receipt.Credits.Int64(),
		RemainingCredits: remainingCredits(receipt.Balance),
		TransactionID:    transactionIDOf(receipt.Transaction),
	})
}

func (handler *httpHandler) handleRefundCredits(c *gin.Context) {
	userID, ok := principalUserID(c)
	if !ok {
		return
	}
	amount, reason, reference, ok := bindCreditRequest(c)
	if !ok {
		return
	}
	ctx, cancel := handler.requestContext(c)
	defer cancel()

	receipt, err := handler.withProvisioning(ctx, userID, func() (ledger.Receipt, error) {
		return handler.service.Refund(ctx, userID, amount, reason, reference)
	})
	if err != nil {
		handler.respondError(c, ledger.OperationRefund, err)
		return
	}
	c.JSON(http.StatusOK, refundResponse{
		Success:          true,
		CreditsRefunded:  receipt.Adjustment.Int64(),
		RemainingCredits: remainingCredits(receipt.Balance),
		TransactionID:    transactionIDOf(receipt.Transaction),
	})
}

func (handler *httpHandler) handleTransactions(c *gin.Context) {
	userID, ok := principalUserID(c)
	if !ok {
		return
	}
	limit := 0
	if rawLimit := c.Query("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidRequest, "limit must be an integer"))
			return
		}
		limit = parsed
	}
	ctx, cancel := handler.requestContext(c)
	defer cancel()

	transactions, err := handler.service.ListTransactions(ctx, userID, limit)
	if err != nil {
		handler.respondError(c, "list_transactions", err)
		return
	}
	payload := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, newTransactionPayload(transaction))
	}
	c.JSON(http.StatusOK, transactionsResponse{Transactions: payload})
}

func (handler *httpHandler) handleGenerationCost(c *gin.Context) {
	generationType, err := ledger.ParseGenerationType(c.Query("type"))
	if err != nil {
		handler.respondError(c, "generation_cost", err)
		return
	}
	duration, err := strconv.Atoi(c.Query("duration"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidRequest, "duration must be an integer number of minutes"))
		return
	}
	cost, err := ledger.GenerationCost(generationType, duration)
	if err != nil {
		handler.respondError(c, "generation_cost", err)
		return
	}
	c.JSON(http.StatusOK, costResponse{Type: generationType.String(), Duration: duration, Cost: cost.Int64()})
}

func (handler *httpHandler) handlePlans(c *gin.Context) {
	ctx, cancel := handler.requestContext(c)
	defer cancel()

	plans, err := handler.service.Plans(ctx)
	if err != nil {
		handler.respondError(c, "list_plans", err)
		return
	}
	payload := make([]planPayload, 0, len(plans))
	for _, plan := range plans {
		payload = append(payload, newPlanPayload(plan))
	}
	c.JSON(http.StatusOK, plansResponse{Plans: payload})
}

func (handler *httpHandler) handleAdminBonus(c *gin.Context) {
	var request bonusRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidRequest, "expected JSON body with user_id and amount"))
		return
	}
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(c, ledger.OperationBonus, err)
		return
	}
	amount, err := ledger.NewPositiveCredits(request.Amount)
	if err != nil {
		handler.respondError(c, ledger.OperationBonus, err)
		return
	}
	reason, err := ledger.NewReason(request.Reason)
	if err != nil {
		handler.respondError(c, ledger.OperationBonus, err)
		return
	}
	ctx, cancel := handler.requestContext(c)
	defer cancel()

	receipt, err := handler.service.Bonus(ctx, userID, amount, reason)
	if err != nil {
		handler.respondError(c, ledger.OperationBonus, err)
		return
	}
	c.JSON(http.StatusOK, bonusResponse{
		Success:          true,
		CreditsGranted:   receipt.Credits.Int64(),
		RemainingCredits: remainingCredits(receipt.Balance),
	})
}

func (handler *httpHandler) handleAdminSubscription(c *gin.Context) {
	var request subscriptionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidRequest, "expected JSON body with user_id and plan"))
		return
	}
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(c, ledger.OperationAssignPlan, err)
		return
	}
	var expiresUnixUTC int64
	if request.ExpiresAt != nil {
		expiresUnixUTC = request.ExpiresAt.UTC().Unix()
	}
	ctx, cancel := handler.requestContext(c)
	defer cancel()

	balance, err := handler.service.AssignPlan(ctx, userID, request.Plan, expiresUnixUTC)
	if err != nil {
		handler.respondError(c, ledger.OperationAssignPlan, err)
		return
	}
	c.JSON(http.StatusOK, subscriptionResponse{
		Success:        true,
		Plan:           ledger.PlanSlug(request.Plan),
		DailyCredits:   balance.DailyAllocation.Int64(),
		CurrentCredits: remainingCredits(balance),
		Unlimited:      balance.Unlimited(),
	})
}

// withProvisioning provisions a first-time caller and retries the operation once.
func (handler *httpHandler) withProvisioning(ctx context.Context, userID ledger.UserID, operation func() (ledger.Receipt, error)) (ledger.Receipt, error) {
	receipt, err := operation()
	if !errors.Is(err, ledger.ErrAccountNotFound) {
		return receipt, err
	}
	if _, provisionErr := handler.service.Provision(ctx, userID); provisionErr != nil {
		return ledger.Receipt{}, provisionErr
	}
	return operation()
}

func (handler *httpHandler) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), handler.requestTimeout)
}

func bindCreditRequest(c *gin.Context) (ledger.PositiveCredits, ledger.Reason, ledger.Reference, bool) {
	var request creditRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidRequest, "expected JSON body with a positive amount"))
		return 0, ledger.Reason{}, ledger.Reference{}, false
	}
	amount, err := ledger.NewPositiveCredits(request.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidRequest, err.Error()))
		return 0, ledger.Reason{}, ledger.Reference{}, false
	}
	reason, err := ledger.NewReason(request.Reason)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidRequest, err.Error()))
		return 0, ledger.Reason{}, ledger.Reference{}, false
	}
	return amount, reason, ledger.NewReference(request.SessionID, request.TrackID), true
}

func principalUserID(c *gin.Context) (ledger.UserID, bool) {
	principal, ok := auth.PrincipalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing principal"))
		return ledger.UserID{}, false
	}
	return principal.UserID, true
}
