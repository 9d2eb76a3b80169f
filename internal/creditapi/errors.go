package creditapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/healingcredits/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	errorCodeInvalidRequest      = "invalid_request"
	errorCodeUnauthorized        = "unauthorized"
	errorCodeForbidden           = "forbidden"
	errorCodeInsufficientCredits = "insufficient_credits"
	errorCodeNotFound            = "not_found"
	errorCodeUnknownPlan         = "unknown_plan"
	errorCodeRetryable           = "retryable"
	errorCodeInternal            = "internal_error"
)

var validationErrors = []error{
	ledger.ErrInvalidUserID,
	ledger.ErrInvalidCredits,
	ledger.ErrInvalidAllocation,
	ledger.ErrInvalidTransactionType,
	ledger.ErrInvalidReason,
	ledger.ErrInvalidPlan,
	ledger.ErrInvalidGenerationType,
	ledger.ErrInvalidDuration,
	ledger.ErrInvalidListLimit,
	ledger.ErrInvalidSubscriptionTerm,
}

func errorResponse(code string, message string) errorPayload {
	return errorPayload{Error: code, Message: message}
}

// respondError maps ledger errors onto HTTP status codes.
func (handler *httpHandler) respondError(c *gin.Context, operation string, err error) {
	var insufficient ledger.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		required := insufficient.Required.Int64()
		available := insufficient.Available.Int64()
		payload := errorResponse(errorCodeInsufficientCredits, err.Error())
		payload.Required = &required
		payload.Available = &available
		c.JSON(http.StatusPaymentRequired, payload)
	case errors.Is(err, ledger.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, err.Error()))
	case errors.Is(err, ledger.ErrForbidden):
		c.JSON(http.StatusForbidden, errorResponse(errorCodeForbidden, err.Error()))
	case errors.Is(err, ledger.ErrUnknownPlan):
		c.JSON(http.StatusNotFound, errorResponse(errorCodeUnknownPlan, err.Error()))
	case errors.Is(err, ledger.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, errorResponse(errorCodeNotFound, err.Error()))
	case isValidationError(err):
		c.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidRequest, err.Error()))
	case ledger.IsRetryable(err), errors.Is(err, context.DeadlineExceeded):
		handler.logger.Warn("ledger unavailable", zap.String("operation", operation), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, errorResponse(errorCodeRetryable, "ledger temporarily unavailable"))
	default:
		handler.logger.Error("ledger request failed", zap.String("operation", operation), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse(errorCodeInternal, "internal error"))
	}
}

func isValidationError(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
