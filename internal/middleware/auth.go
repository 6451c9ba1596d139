package middleware

import (
	"context"
	"crypto/subtle"

	"lunawave-api/internal/apperrors"
	"lunawave-api/internal/models"
	"lunawave-api/internal/response"
	"lunawave-api/internal/services"

	"github.com/gin-gonic/gin"
)

const (
	accountIDKey = "account_id"
	userIDKey    = "user_id"
)

// AccountProvisioner returns the account for an identity, creating it on
// first contact.
type AccountProvisioner interface {
	Provision(ctx context.Context, identity *services.Identity) (*models.Account, error)
}

// Auth verifies the bearer token and stores the caller's account id in the
// context.
func Auth(verifier services.IdentityVerifier, accounts AccountProvisioner) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, err := verifier.VerifyToken(c.Request.Context(), c.GetHeader("Authorization"))
		if err != nil {
			response.FromError(c, err)
			c.Abort()
			return
		}

		account, err := accounts.Provision(c.Request.Context(), identity)
		if err != nil {
			response.FromError(c, err)
			c.Abort()
			return
		}

		c.Set(userIDKey, identity.UserID)
		c.Set(accountIDKey, account.ID)
		c.Next()
	}
}

// AccountID returns the authenticated account id set by Auth.
func AccountID(c *gin.Context) uint {
	return c.GetUint(accountIDKey)
}

// CronSecret guards internal endpoints called by an external scheduler.
// With no secret configured the endpoints are closed.
func CronSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		given := c.GetHeader("X-Cron-Secret")
		if secret == "" || subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
			response.ErrorJSON(c, apperrors.KindUnauthorized, "invalid cron secret")
			c.Abort()
			return
		}
		c.Next()
	}
}
