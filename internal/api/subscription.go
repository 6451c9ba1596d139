package api

import (
	"lunawave-api/internal/apperrors"
	"lunawave-api/internal/middleware"
	"lunawave-api/internal/models"
	"lunawave-api/internal/response"
	"lunawave-api/internal/services"

	"github.com/gin-gonic/gin"
)

// CheckoutRequest represents a checkout preparation request
type CheckoutRequest struct {
	Kind       string `json:"kind"`
	Plan       string `json:"plan"`
	CreditPack string `json:"credit_pack"`
	PromoCode  string `json:"promo_code"`
}

// PrepareCheckout creates a pending payment with the expected amount
// POST /api/checkout
func (h *Handler) PrepareCheckout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.FromError(c, apperrors.Wrap(apperrors.KindInvalidInput, err, "Invalid request format"))
		return
	}

	kind := models.PaymentKind(req.Kind)
	if kind == "" {
		kind = models.PaymentKindSubscription
		if req.CreditPack != "" {
			kind = models.PaymentKindPurchase
		}
	}

	checkout, err := h.subs.PrepareCheckout(c.Request.Context(), middleware.AccountID(c), services.CheckoutRequest{
		Kind:       kind,
		Plan:       req.Plan,
		CreditPack: req.CreditPack,
		PromoCode:  req.PromoCode,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessJSON(c, checkout)
}

// StartSubscriptionRequest represents a subscription confirmation request
type StartSubscriptionRequest struct {
	OrderRef   string `json:"order_ref"`
	PaymentID  string `json:"payment_id" binding:"required"`
	BillingKey string `json:"billing_key"`
	Plan       string `json:"plan"`
	PromoCode  string `json:"promo_code"`
}

// StartSubscription confirms a paid subscription and activates the plan
// POST /api/subscription/start
func (h *Handler) StartSubscription(c *gin.Context) {
	var req StartSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.FromError(c, apperrors.Wrap(apperrors.KindInvalidInput, err, "Invalid request format"))
		return
	}

	result, err := h.subs.StartSubscription(c.Request.Context(), middleware.AccountID(c), services.StartRequest{
		OrderRef:          req.OrderRef,
		ExternalPaymentID: req.PaymentID,
		BillingKey:        req.BillingKey,
		Plan:              req.Plan,
		PromoCode:         req.PromoCode,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessJSON(c, result)
}

// CancelSubscription turns off auto-renewal; the plan runs until expiry
// POST /api/subscription/cancel
func (h *Handler) CancelSubscription(c *gin.Context) {
	result, err := h.subs.CancelSubscription(c.Request.Context(), middleware.AccountID(c))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessJSON(c, result)
}

// RefundRequest represents a refund request
type RefundRequest struct {
	Reason string `json:"reason"`
}

// RequestRefund refunds the latest subscription payment when no credits were used
// POST /api/subscription/refund
func (h *Handler) RequestRefund(c *gin.Context) {
	var req RefundRequest
	// The body is optional.
	_ = c.ShouldBindJSON(&req)

	result, err := h.subs.RequestRefund(c.Request.Context(), middleware.AccountID(c), req.Reason)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessJSON(c, result)
}

// CompletePurchaseRequest represents a credit pack confirmation request
type CompletePurchaseRequest struct {
	OrderRef  string `json:"order_ref" binding:"required"`
	PaymentID string `json:"payment_id" binding:"required"`
}

// CompletePurchase confirms a paid credit pack
// POST /api/purchase/complete
func (h *Handler) CompletePurchase(c *gin.Context) {
	var req CompletePurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.FromError(c, apperrors.Wrap(apperrors.KindInvalidInput, err, "Invalid request format"))
		return
	}

	result, err := h.subs.CompletePurchase(c.Request.Context(), middleware.AccountID(c), req.OrderRef, req.PaymentID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessJSON(c, result)
}
