package api

import (
	"strconv"

	"lunawave-api/internal/apperrors"
	"lunawave-api/internal/middleware"
	"lunawave-api/internal/models"
	"lunawave-api/internal/plans"
	"lunawave-api/internal/response"
	"lunawave-api/internal/services"

	"github.com/gin-gonic/gin"
)

const maxHistoryPage = 100

// PlansResponse is the public catalog.
type PlansResponse struct {
	Version     string             `json:"version"`
	Tiers       []plans.Tier       `json:"tiers"`
	Features    []plans.Feature    `json:"features"`
	CreditPacks []plans.CreditPack `json:"credit_packs"`
}

// GetPlans lists tiers, feature costs and credit packs
// GET /api/plans
func (h *Handler) GetPlans(c *gin.Context) {
	response.SuccessJSON(c, PlansResponse{
		Version:     h.catalog.Version(),
		Tiers:       h.catalog.Tiers(),
		Features:    h.catalog.Features(),
		CreditPacks: h.catalog.CreditPacks(),
	})
}

// GetAccount returns balances and plan status, applying today's grant first
// GET /api/account?device_id=xxx&device_name=yyy
func (h *Handler) GetAccount(c *gin.Context) {
	snapshot, err := h.accounts.Snapshot(c.Request.Context(), middleware.AccountID(c), deviceFromQuery(c))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessJSON(c, snapshot)
}

// HistoryResponse is one page of ledger entries.
type HistoryResponse struct {
	Entries []models.LedgerEntry `json:"entries"`
	Total   int64                `json:"total"`
	Limit   int                  `json:"limit"`
	Offset  int                  `json:"offset"`
}

// GetLedger pages through ledger entries, newest first
// GET /api/account/ledger?limit=20&offset=0
func (h *Handler) GetLedger(c *gin.Context) {
	limit, err := queryInt(c, "limit", 20)
	if err != nil {
		response.FromError(c, err)
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if limit <= 0 || limit > maxHistoryPage {
		limit = maxHistoryPage
	}

	entries, total, err := h.accounts.History(c.Request.Context(), middleware.AccountID(c), limit, offset)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessJSON(c, HistoryResponse{Entries: entries, Total: total, Limit: limit, Offset: offset})
}

// GetUsage returns monthly usage statistics
// GET /api/account/usage?month=2025-03
func (h *Handler) GetUsage(c *gin.Context) {
	stat, err := h.accounts.MonthlyUsage(c.Request.Context(), middleware.AccountID(c), c.Query("month"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessJSON(c, stat)
}

// GetPayments lists the account's payment records
// GET /api/account/payments
func (h *Handler) GetPayments(c *gin.Context) {
	payments, err := h.accounts.Payments(c.Request.Context(), middleware.AccountID(c))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessJSON(c, payments)
}

func deviceFromQuery(c *gin.Context) services.DeviceInfo {
	return services.DeviceInfo{ID: c.Query("device_id"), Name: c.Query("device_name")}
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, apperrors.Newf(apperrors.KindInvalidInput, "%s must be a non-negative integer", key)
	}
	return v, nil
}
