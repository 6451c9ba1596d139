package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"lunawave-api/internal/apperrors"
	"lunawave-api/internal/metrics"
	"lunawave-api/internal/response"
	"lunawave-api/internal/services"
	"lunawave-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

// PaymentNotification is the PortOne V1 webhook body.
type PaymentNotification struct {
	ImpUID      string `json:"imp_uid"`
	MerchantUID string `json:"merchant_uid"`
	Status      string `json:"status"`
}

// PaymentWebhook settles a payment notification from the provider.
// Replays are answered 200 so the provider stops retrying; transient
// failures are answered 503 so it retries later.
// POST /api/webhooks/payment
func (h *Handler) PaymentWebhook(c *gin.Context) {
	startTime := time.Now()

	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		logging.Errorf("Failed to read payment webhook body: %v", err)
		metrics.WebhookRequestsTotal.WithLabelValues("unknown", "bad_request").Inc()
		response.ErrorJSON(c, apperrors.KindInvalidInput, "Empty request body")
		return
	}

	if err := h.signatures.Verify(body, c.GetHeader(services.SignatureHeader)); err != nil {
		logging.Errorf("Payment webhook signature verification failed: %v", err)
		metrics.WebhookRequestsTotal.WithLabelValues("unknown", "unauthorized").Inc()
		response.ErrorJSON(c, apperrors.KindUnauthorized, "Signature verification failed")
		return
	}

	var notification PaymentNotification
	if err := json.Unmarshal(body, &notification); err != nil || notification.ImpUID == "" {
		logging.Errorf("Invalid payment webhook body, length: %d", len(body))
		metrics.WebhookRequestsTotal.WithLabelValues("unknown", "bad_request").Inc()
		response.ErrorJSON(c, apperrors.KindInvalidInput, "imp_uid is required")
		return
	}
	status := strings.ToLower(notification.Status)
	if status == "" {
		status = "unknown"
	}

	ctx := c.Request.Context()
	key := services.ReplayKey(notification.ImpUID, status)
	claimed, err := h.replay.Claim(ctx, key)
	if err != nil {
		// The database idempotency check still protects the ledger.
		logging.Warnf("Replay guard unavailable, continuing: %v", err)
		claimed = true
	}
	if !claimed {
		metrics.WebhookRequestsTotal.WithLabelValues(status, services.WebhookDuplicate).Inc()
		c.JSON(http.StatusOK, response.Success(services.WebhookResult{Outcome: services.WebhookDuplicate}))
		return
	}

	result, err := h.subs.HandlePaymentEvent(ctx, services.PaymentEvent{
		ExternalPaymentID: notification.ImpUID,
		OrderRef:          notification.MerchantUID,
		Status:            status,
	})
	if err != nil {
		if releaseErr := h.replay.Release(ctx, key); releaseErr != nil {
			logging.Warnf("Failed to release replay key %s: %v", key, releaseErr)
		}
		metrics.WebhookRequestsTotal.WithLabelValues(status, "error").Inc()
		logging.Errorf("Payment webhook failed - imp_uid: %s, merchant_uid: %s, error: %v",
			notification.ImpUID, notification.MerchantUID, err)
		response.FromError(c, err)
		return
	}

	metrics.WebhookRequestsTotal.WithLabelValues(status, result.Outcome).Inc()
	logging.Infof("Payment webhook processed - imp_uid: %s, outcome: %s, account: %d, duration: %v",
		notification.ImpUID, result.Outcome, result.AccountID, time.Since(startTime))
	response.SuccessJSON(c, result)
}
