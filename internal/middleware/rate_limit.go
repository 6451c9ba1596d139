package middleware

import (
	"fmt"
	"net/http"

	"lunawave-api/internal/services"
	"lunawave-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

// RateLimit throttles per account when authenticated, per client IP
// otherwise. A limiter failure lets the request through.
func RateLimit(limiter services.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if id := AccountID(c); id != 0 {
			key = fmt.Sprintf("account:%d", id)
		}

		allowed, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			logging.Warnf("Rate limiter unavailable for %s: %v", key, err)
			c.Next()
			return
		}
		if !allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"message": "too many requests, please slow down",
				"error":   "rate_limited",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
