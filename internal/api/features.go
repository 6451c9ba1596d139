package api

import (
	"lunawave-api/internal/apperrors"
	"lunawave-api/internal/middleware"
	"lunawave-api/internal/response"
	"lunawave-api/internal/services"

	"github.com/gin-gonic/gin"
)

// UseFeatureRequest represents a feature use request
type UseFeatureRequest struct {
	Feature    string `json:"feature" binding:"required"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
}

// UseFeature checks the plan gate and debits the feature cost
// POST /api/features/use
func (h *Handler) UseFeature(c *gin.Context) {
	var req UseFeatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.FromError(c, apperrors.Wrap(apperrors.KindInvalidInput, err, "Invalid request format"))
		return
	}

	result, err := h.usage.UseFeature(c.Request.Context(), middleware.AccountID(c), req.Feature, services.DeviceInfo{
		ID:   req.DeviceID,
		Name: req.DeviceName,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessJSON(c, result)
}
