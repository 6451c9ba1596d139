package response

import (
	"errors"
	"net/http"

	"lunawave-api/internal/apperrors"
	"lunawave-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

// Response represents a standard API response
type Response struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message"`
	Error   apperrors.Kind         `json:"error,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
	Data    interface{}            `json:"data,omitempty"`
}

// Success returns a success response
func Success(data interface{}) Response {
	return Response{
		Success: true,
		Message: "success",
		Data:    data,
	}
}

// Error returns an error response
func Error(kind apperrors.Kind, message string) Response {
	return Response{
		Success: false,
		Message: message,
		Error:   kind,
	}
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindUnauthorized:
		return http.StatusUnauthorized
	case apperrors.KindInsufficientCredit:
		return http.StatusPaymentRequired
	case apperrors.KindPlanUpgradeRequired:
		return http.StatusForbidden
	case apperrors.KindNotFound, apperrors.KindNoActiveSubscription, apperrors.KindNoRefundablePayment:
		return http.StatusNotFound
	case apperrors.KindPaymentVerificationFailed, apperrors.KindRefundWindowExpired, apperrors.KindUsageDetected:
		return http.StatusUnprocessableEntity
	case apperrors.KindPromoAlreadyUsed, apperrors.KindPromoLimitReached, apperrors.KindAlreadyReferred:
		return http.StatusConflict
	case apperrors.KindInvalidInput, apperrors.KindUnknownFeature, apperrors.KindUnknownPlan,
		apperrors.KindUnknownCreditPack, apperrors.KindInvalidPromoCode, apperrors.KindPromoExpired,
		apperrors.KindPromoNotApplicable, apperrors.KindInvalidReferralCode, apperrors.KindSelfReferral:
		return http.StatusBadRequest
	case apperrors.KindTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// JSON sends a JSON response
func JSON(c *gin.Context, statusCode int, response Response) {
	c.JSON(statusCode, response)
}

// SuccessJSON sends a success JSON response
func SuccessJSON(c *gin.Context, data interface{}) {
	JSON(c, http.StatusOK, Success(data))
}

// ErrorJSON sends an error JSON response
func ErrorJSON(c *gin.Context, kind apperrors.Kind, message string) {
	JSON(c, StatusFor(kind), Error(kind, message))
}

// FromError renders err with the status of its kind. Infrastructure
// failures are logged and reported without their cause.
func FromError(c *gin.Context, err error) {
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		logging.Errorf("Unhandled error on %s %s: %v", c.Request.Method, c.FullPath(), err)
		ErrorJSON(c, apperrors.KindInternal, "internal server error")
		return
	}

	resp := Error(appErr.Kind, appErr.Message)
	switch appErr.Kind {
	case apperrors.KindTransient:
		logging.Warnf("Transient failure on %s %s: %v", c.Request.Method, c.FullPath(), err)
		resp.Message = "temporarily unavailable, please retry"
	case apperrors.KindInternal:
		logging.Errorf("Internal error on %s %s: %v", c.Request.Method, c.FullPath(), err)
		resp.Message = "internal server error"
	default:
		if resp.Message == "" {
			resp.Message = string(appErr.Kind)
		}
		resp.Details = appErr.Details
	}
	JSON(c, StatusFor(appErr.Kind), resp)
}
