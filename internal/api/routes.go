package api

import (
	"net/http"

	"lunawave-api/internal/middleware"
	"lunawave-api/internal/plans"
	"lunawave-api/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the HTTP API on top of the ledger services.
type Handler struct {
	catalog    *plans.Catalog
	accounts   *services.AccountService
	usage      *services.UsageService
	subs       *services.SubscriptionService
	promos     *services.PromoService
	referrals  *services.ReferralService
	grants     *services.GrantService
	signatures *services.SignatureVerifier
	replay     services.ReplayGuard
}

// Deps are the collaborators a Handler needs.
type Deps struct {
	Catalog       *plans.Catalog
	Accounts      *services.AccountService
	Usage         *services.UsageService
	Subscriptions *services.SubscriptionService
	Promos        *services.PromoService
	Referrals     *services.ReferralService
	Grants        *services.GrantService
	Signatures    *services.SignatureVerifier
	Replay        services.ReplayGuard
}

// NewHandler creates a Handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		catalog:    deps.Catalog,
		accounts:   deps.Accounts,
		usage:      deps.Usage,
		subs:       deps.Subscriptions,
		promos:     deps.Promos,
		referrals:  deps.Referrals,
		grants:     deps.Grants,
		signatures: deps.Signatures,
		replay:     deps.Replay,
	}
}

// RouteOptions configures authentication and throttling.
type RouteOptions struct {
	Verifier   services.IdentityVerifier
	Limiter    services.RateLimiter
	CronSecret string
}

// SetupRoutes sets up all routes
func SetupRoutes(r *gin.Engine, h *Handler, opts RouteOptions) {
	r.Use(middleware.Metrics())

	api := r.Group("/api")
	{
		// Public catalog
		api.GET("/plans", h.GetPlans)

		// Account routes (require a bearer token; the account is created on first contact)
		authed := api.Group("")
		authed.Use(middleware.Auth(opts.Verifier, h.accounts), middleware.RateLimit(opts.Limiter))
		{
			authed.GET("/account", h.GetAccount)
			authed.GET("/account/ledger", h.GetLedger)
			authed.GET("/account/usage", h.GetUsage)
			authed.GET("/account/payments", h.GetPayments)

			authed.POST("/features/use", h.UseFeature)

			authed.POST("/checkout", h.PrepareCheckout)
			authed.POST("/subscription/start", h.StartSubscription)
			authed.POST("/subscription/cancel", h.CancelSubscription)
			authed.POST("/subscription/refund", h.RequestRefund)
			authed.POST("/purchase/complete", h.CompletePurchase)

			authed.POST("/promo/redeem", h.RedeemPromo)

			authed.GET("/referral", h.GetReferral)
			authed.POST("/referral/register", h.RegisterReferral)
			authed.POST("/referral/complete", h.CompleteReferral)
		}

		// Payment provider notifications (no bearer token, the provider calls these)
		webhooks := api.Group("/webhooks")
		webhooks.Use(middleware.RateLimit(opts.Limiter))
		{
			webhooks.POST("/payment", h.PaymentWebhook)
		}

		// Sweeps for an external scheduler
		internal := api.Group("/internal")
		internal.Use(middleware.CronSecret(opts.CronSecret))
		{
			internal.POST("/sweeps/:name", h.RunSweep)
		}
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":          "ok",
			"service":         "lunawave-api",
			"catalog_version": h.catalog.Version(),
		})
	})
}
