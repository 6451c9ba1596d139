package api

import (
	"lunawave-api/internal/apperrors"
	"lunawave-api/internal/middleware"
	"lunawave-api/internal/response"

	"github.com/gin-gonic/gin"
)

// CodeRequest carries a promo or referral code.
type CodeRequest struct {
	Code string `json:"code" binding:"required"`
}

// RedeemPromo applies a promo code
// POST /api/promo/redeem
func (h *Handler) RedeemPromo(c *gin.Context) {
	var req CodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.FromError(c, apperrors.New(apperrors.KindInvalidPromoCode, "code is required"))
		return
	}

	result, err := h.promos.Redeem(c.Request.Context(), middleware.AccountID(c), req.Code)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessJSON(c, result)
}

// GetReferral returns the caller's referral code and earnings
// GET /api/referral
func (h *Handler) GetReferral(c *gin.Context) {
	summary, err := h.referrals.Summary(c.Request.Context(), middleware.AccountID(c))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessJSON(c, summary)
}

// RegisterReferral records who referred the caller
// POST /api/referral/register
func (h *Handler) RegisterReferral(c *gin.Context) {
	var req CodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.FromError(c, apperrors.New(apperrors.KindInvalidReferralCode, "code is required"))
		return
	}

	result, err := h.referrals.Register(c.Request.Context(), middleware.AccountID(c), req.Code)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessJSON(c, result)
}

// CompleteReferral pays out a pending referral
// POST /api/referral/complete
func (h *Handler) CompleteReferral(c *gin.Context) {
	result, err := h.referrals.Complete(c.Request.Context(), middleware.AccountID(c))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessJSON(c, result)
}
