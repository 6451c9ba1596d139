package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lunawave-api/internal/api"
	"lunawave-api/internal/config"
	"lunawave-api/internal/database"
	"lunawave-api/internal/plans"
	"lunawave-api/internal/services"
	"lunawave-api/pkg/logging"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// replayTTL covers the provider's webhook retry schedule.
const replayTTL = 24 * time.Hour

var rootCmd = &cobra.Command{
	Use:   "lunawave-api",
	Short: "LunaWave ledger and entitlement service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var sweepCmd = &cobra.Command{
	Use:       "sweep daily|monthly|expiry|all",
	Short:     "Run one grant sweep and print its summary as JSON",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{services.SweepDaily, services.SweepMonthly, services.SweepExpiry, services.SweepAll},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweep(cmd.Context(), args[0])
	},
}

var seedPromos bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update database tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrate(seedPromos)
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&seedPromos, "seed", false, "insert the launch promo codes")
	rootCmd.AddCommand(serveCmd, sweepCmd, migrateCmd)
}

func main() {
	// Credit amounts are sent as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds everything the commands share.
type app struct {
	cfg      *config.Config
	db       *gorm.DB
	rdb      *redis.Client
	clock    clockwork.Clock
	catalog  *plans.Catalog
	provider services.PaymentProvider
	notifier services.Notifier
	grants   *services.GrantService
}

func setup(withRedis bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logging.InitLogging(cfg.Mode, cfg.LogLevel)

	db, err := database.Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		database.Close(db, nil)
		return nil, err
	}

	var rdb *redis.Client
	if withRedis {
		if rdb, err = database.OpenRedis(cfg.RedisURL); err != nil {
			database.Close(db, nil)
			return nil, err
		}
	}

	a := &app{
		cfg:     cfg,
		db:      db,
		rdb:     rdb,
		clock:   clockwork.NewRealClock(),
		catalog: plans.Default(),
	}
	a.provider = services.NewPortOneClient(services.PortOneConfig{
		BaseURL:   cfg.PortOneAPIURL,
		APIKey:    cfg.PortOneAPIKey,
		APISecret: cfg.PortOneAPISecret,
		Timeout:   cfg.PaymentTimeout,
	}, a.clock)
	a.notifier = a.buildNotifier()
	a.grants = services.NewGrantService(db, a.catalog, a.provider, a.notifier, a.clock, services.PolicyFromConfig(cfg))
	return a, nil
}

func (a *app) buildNotifier() services.Notifier {
	var notifiers services.MultiNotifier
	if a.cfg.EventWebhookURL != "" {
		notifiers = append(notifiers, services.NewWebhookNotifier(a.cfg.EventWebhookURL, a.cfg.EventWebhookSecret))
	}
	if a.cfg.BrevoAPIKey != "" && a.cfg.BrevoFromEmail != "" {
		notifiers = append(notifiers, services.NewEmailNotifier(a.cfg.BrevoAPIKey, a.cfg.BrevoFromEmail, a.cfg.BrevoFromName, a.catalog))
	}
	if len(notifiers) == 0 {
		return services.NoopNotifier()
	}
	return notifiers
}

func (a *app) close() {
	database.Close(a.db, a.rdb)
}

func runServer() error {
	a, err := setup(true)
	if err != nil {
		return err
	}
	defer a.close()

	cfg := a.cfg
	policy := services.PolicyFromConfig(cfg)

	accounts := services.NewAccountService(a.db, a.catalog, a.grants, a.clock, policy)
	promos := services.NewPromoService(a.db, a.catalog, a.clock)
	replay := services.NewReplayGuard(a.rdb, replayTTL, a.clock)
	if guard, ok := replay.(*services.MemoryReplayGuard); ok {
		defer guard.Stop()
	}

	handler := api.NewHandler(api.Deps{
		Catalog:       a.catalog,
		Accounts:      accounts,
		Usage:         services.NewUsageService(a.db, a.catalog, a.grants, accounts, a.clock),
		Subscriptions: services.NewSubscriptionService(a.db, a.catalog, a.provider, promos, a.notifier, a.clock, policy),
		Promos:        promos,
		Referrals:     services.NewReferralService(a.db, a.clock, policy),
		Grants:        a.grants,
		Signatures:    services.NewSignatureVerifier(cfg.PaymentWebhookSecret),
		Replay:        replay,
	})

	if cfg.EnableScheduler {
		scheduler, err := services.NewScheduler(a.grants, a.clock, cfg.ExpirySweepInterval)
		if err != nil {
			return err
		}
		scheduler.Start()
		defer func() {
			if err := scheduler.Shutdown(); err != nil {
				logging.Errorf("Failed to stop scheduler: %v", err)
			}
		}()
	}

	// Set Gin mode
	gin.SetMode(cfg.Mode)

	// Create Gin engine
	r := gin.New()
	r.Use(gin.Recovery())

	// Setup routes
	api.SetupRoutes(r, handler, api.RouteOptions{
		Verifier:   services.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, a.clock),
		Limiter:    services.NewRateLimiter(a.rdb, cfg.RateLimitPerMinute),
		CronSecret: cfg.CronSecret,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Infof("Starting server on port %s (catalog %s)", cfg.Port, a.catalog.Version())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logging.Infof("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

func runSweep(ctx context.Context, name string) error {
	a, err := setup(false)
	if err != nil {
		return err
	}
	defer a.close()

	if ctx == nil {
		ctx = context.Background()
	}
	summaries, err := a.grants.Run(ctx, name)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summaries)
}

func runMigrate(seed bool) error {
	a, err := setup(false)
	if err != nil {
		return err
	}
	defer a.close()

	logging.Infof("Database migrated")
	if seed {
		return database.SeedPromoCodes(a.db, database.LaunchPromoCodes())
	}
	return nil
}
