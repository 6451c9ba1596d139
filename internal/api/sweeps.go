package api

import (
	"lunawave-api/internal/response"

	"github.com/gin-gonic/gin"
)

// RunSweep runs one scheduled sweep on demand
// POST /api/internal/sweeps/:name (daily, monthly, expiry, all)
func (h *Handler) RunSweep(c *gin.Context) {
	summaries, err := h.grants.Run(c.Request.Context(), c.Param("name"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessJSON(c, summaries)
}
