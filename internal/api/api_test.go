package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lunawave-api/internal/apperrors"
	"lunawave-api/internal/database"
	"lunawave-api/internal/models"
	"lunawave-api/internal/plans"
	"lunawave-api/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const webhookSecret = "whsec_test"

var testStart = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

type tokenVerifier map[string]string

func (v tokenVerifier) VerifyToken(_ context.Context, token string) (*services.Identity, error) {
	userID, ok := v[token]
	if !ok {
		return nil, apperrors.New(apperrors.KindUnauthorized, "invalid or expired token")
	}
	return &services.Identity{UserID: userID, Email: userID + "@example.com"}, nil
}

type stubProvider struct {
	mu       sync.Mutex
	payments map[string]services.PaymentInfo
}

func (p *stubProvider) add(info services.PaymentInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payments[info.ExternalPaymentID] = info
}

func (p *stubProvider) VerifyPayment(_ context.Context, id string) (*services.PaymentInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.payments[id]
	if !ok {
		return nil, &services.ProviderError{Op: "get_payment", Code: 1, Message: "not found", HTTPStatus: http.StatusNotFound}
	}
	return &info, nil
}

func (p *stubProvider) FindPaymentByOrderRef(_ context.Context, orderRef string) (*services.PaymentInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, info := range p.payments {
		if info.OrderRef == orderRef {
			return &info, nil
		}
	}
	return nil, &services.ProviderError{Op: "find_payment", Code: 1, Message: "not found", HTTPStatus: http.StatusNotFound}
}

func (p *stubProvider) ChargeByBillingKey(_ context.Context, req services.ChargeRequest) (*services.ChargeResult, error) {
	return &services.ChargeResult{Success: true, ExternalPaymentID: "imp_" + req.OrderRef}, nil
}

func (p *stubProvider) Refund(context.Context, string, string) error { return nil }

func (p *stubProvider) DeleteBillingKey(context.Context, string) error { return nil }

type testServer struct {
	router   *gin.Engine
	db       *gorm.DB
	clock    *clockwork.FakeClock
	provider *stubProvider
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "lunawave_api_test.db"), logger.Silent)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { database.Close(db, nil) })

	clock := clockwork.NewFakeClockAt(testStart)
	catalog := plans.Default()
	policy := services.DefaultPolicy()
	provider := &stubProvider{payments: make(map[string]services.PaymentInfo)}
	notifier := services.NoopNotifier()

	grants := services.NewGrantService(db, catalog, provider, notifier, clock, policy)
	accounts := services.NewAccountService(db, catalog, grants, clock, policy)
	promos := services.NewPromoService(db, catalog, clock)
	replay := services.NewMemoryReplayGuard(time.Hour, clock)
	t.Cleanup(replay.Stop)

	handler := NewHandler(Deps{
		Catalog:       catalog,
		Accounts:      accounts,
		Usage:         services.NewUsageService(db, catalog, grants, accounts, clock),
		Subscriptions: services.NewSubscriptionService(db, catalog, provider, promos, notifier, clock, policy),
		Promos:        promos,
		Referrals:     services.NewReferralService(db, clock, policy),
		Grants:        grants,
		Signatures:    services.NewSignatureVerifier(webhookSecret),
		Replay:        replay,
	})

	r := gin.New()
	SetupRoutes(r, handler, RouteOptions{
		Verifier:   tokenVerifier{"token-a": "user-a", "token-b": "user-b"},
		Limiter:    services.NewMemoryRateLimiter(0),
		CronSecret: "cron-secret",
	})
	return &testServer{router: r, db: db, clock: clock, provider: provider}
}

type envelope struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message"`
	Error   apperrors.Kind         `json:"error"`
	Details map[string]interface{} `json:"details"`
	Data    json.RawMessage        `json:"data"`
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}, headers ...string) (int, envelope) {
	t.Helper()
	var payload []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		payload = b
	default:
		var err error
		payload, err = json.Marshal(b)
		require.NoError(t, err)
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(w.Body.Bytes(), &env)
	}
	return w.Code, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

func TestHealthAndPlans(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, status)

	status, env := s.do(t, http.MethodGet, "/api/plans", "", nil)
	require.Equal(t, http.StatusOK, status)
	catalog := decode[PlansResponse](t, env)
	require.Equal(t, plans.CatalogVersion, catalog.Version)
	require.Len(t, catalog.Tiers, 4)
	require.Equal(t, plans.Free, catalog.Tiers[0].Plan)
	require.Len(t, catalog.CreditPacks, 3)
}

func TestAccountRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(t, http.MethodGet, "/api/account", "", nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, apperrors.KindUnauthorized, env.Error)

	status, _ = s.do(t, http.MethodGet, "/api/account", "forged", nil)
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestGetAccount_ProvisionsOnFirstContact(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(t, http.MethodGet, "/api/account?device_id=studio&device_name=Studio", "token-a", nil)
	require.Equal(t, http.StatusOK, status)
	snapshot := decode[services.AccountSnapshot](t, env)
	require.Equal(t, "user-a", snapshot.Account.UserID)
	require.Equal(t, services.PlanStatusFree, snapshot.PlanStatus)
	requireAmount(t, "320", snapshot.Balances.Total)
	require.Len(t, snapshot.Devices, 1)

	status, env = s.do(t, http.MethodGet, "/api/account/ledger?limit=10", "token-a", nil)
	require.Equal(t, http.StatusOK, status)
	history := decode[HistoryResponse](t, env)
	require.Equal(t, int64(2), history.Total)
	require.Equal(t, models.ActionWelcomeBonus, history.Entries[0].Action)

	status, env = s.do(t, http.MethodGet, "/api/account/ledger?limit=abc", "token-a", nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, apperrors.KindInvalidInput, env.Error)
}

func TestUseFeature(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(t, http.MethodPost, "/api/features/use", "token-a", UseFeatureRequest{Feature: "song_generate"})
	require.Equal(t, http.StatusOK, status)
	result := decode[services.UseResult](t, env)
	requireAmount(t, "1", result.Charged)
	require.True(t, result.Watermark)
	requireAmount(t, "319", result.Balances.Total)

	status, env = s.do(t, http.MethodPost, "/api/features/use", "token-a", UseFeatureRequest{Feature: "batch_5"})
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, apperrors.KindPlanUpgradeRequired, env.Error)
	require.Equal(t, "halfmoon", env.Details["required_plan"])

	status, env = s.do(t, http.MethodPost, "/api/features/use", "token-a", map[string]string{})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, apperrors.KindInvalidInput, env.Error)

	require.NoError(t, s.db.Model(&models.Account{}).Where("user_id = ?", "user-a").Updates(map[string]interface{}{
		"daily_lunas": "0", "promo_lunas": "3",
	}).Error)
	status, env = s.do(t, http.MethodPost, "/api/features/use", "token-a", UseFeatureRequest{Feature: "oneclick_auto"})
	require.Equal(t, http.StatusPaymentRequired, status)
	require.Equal(t, apperrors.KindInsufficientCredit, env.Error)
	require.Contains(t, env.Details, "shortfall")
}

func TestCheckoutAndStartSubscription(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(t, http.MethodPost, "/api/checkout", "token-a", CheckoutRequest{Plan: "tier1"})
	require.Equal(t, http.StatusOK, status)
	checkout := decode[services.Checkout](t, env)
	require.Equal(t, models.PaymentKindSubscription, checkout.Kind)
	require.Equal(t, plans.Crescent, checkout.Plan)
	require.Equal(t, int64(13900), checkout.Amount)

	paidAt := testStart
	s.provider.add(services.PaymentInfo{
		ExternalPaymentID: "imp_sub_1",
		OrderRef:          checkout.OrderRef,
		Status:            models.PaymentPaid,
		Amount:            13900,
		PaidAt:            &paidAt,
		BillingKey:        "billing-a",
	})

	status, env = s.do(t, http.MethodPost, "/api/subscription/start", "token-a", StartSubscriptionRequest{
		OrderRef:  checkout.OrderRef,
		PaymentID: "imp_sub_1",
	})
	require.Equal(t, http.StatusOK, status)
	result := decode[services.SubscriptionResult](t, env)
	require.Equal(t, plans.Crescent, result.Plan)
	require.True(t, result.AutoRenew)
	requireAmount(t, "1500", result.GrantedCredits)

	status, env = s.do(t, http.MethodPost, "/api/subscription/cancel", "token-a", nil)
	require.Equal(t, http.StatusOK, status)
	cancelled := decode[services.CancelResult](t, env)
	require.False(t, cancelled.AlreadyCancelled)

	status, env = s.do(t, http.MethodGet, "/api/account/payments", "token-a", nil)
	require.Equal(t, http.StatusOK, status)
	payments := decode[[]models.PaymentRecord](t, env)
	require.Len(t, payments, 1)
	require.Equal(t, models.PaymentPaid, payments[0].Status)
}

func TestStartSubscription_UnknownPayment(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(t, http.MethodPost, "/api/subscription/start", "token-a", StartSubscriptionRequest{
		PaymentID: "imp_missing",
		Plan:      "crescent",
	})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, apperrors.KindPaymentVerificationFailed, env.Error)
}

func signedWebhook(t *testing.T, notification PaymentNotification) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(notification)
	require.NoError(t, err)
	return body, services.Sign(body, webhookSecret)
}

func TestPaymentWebhook(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(t, http.MethodPost, "/api/checkout", "token-a", CheckoutRequest{CreditPack: "medium"})
	require.Equal(t, http.StatusOK, status)
	checkout := decode[services.Checkout](t, env)
	require.Equal(t, models.PaymentKindPurchase, checkout.Kind)

	paidAt := testStart
	s.provider.add(services.PaymentInfo{
		ExternalPaymentID: "imp_pack_1",
		OrderRef:          checkout.OrderRef,
		Status:            models.PaymentPaid,
		Amount:            checkout.Amount,
		PaidAt:            &paidAt,
	})

	body, signature := signedWebhook(t, PaymentNotification{ImpUID: "imp_pack_1", MerchantUID: checkout.OrderRef, Status: "paid"})

	status, env = s.do(t, http.MethodPost, "/api/webhooks/payment", "", body, services.SignatureHeader, "deadbeef")
	require.Equal(t, http.StatusUnauthorized, status)

	status, env = s.do(t, http.MethodPost, "/api/webhooks/payment", "", body, services.SignatureHeader, signature)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, services.WebhookApplied, decode[services.WebhookResult](t, env).Outcome)

	status, env = s.do(t, http.MethodPost, "/api/webhooks/payment", "", body, services.SignatureHeader, signature)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, services.WebhookDuplicate, decode[services.WebhookResult](t, env).Outcome)

	var account models.Account
	require.NoError(t, s.db.Where("user_id = ?", "user-a").First(&account).Error)
	requireAmount(t, "1000", account.PurchasedLunas)
}

func TestPaymentWebhook_FailureReleasesReplayKey(t *testing.T) {
	s := newTestServer(t)
	body, signature := signedWebhook(t, PaymentNotification{ImpUID: "imp_late", Status: "paid"})

	status, env := s.do(t, http.MethodPost, "/api/webhooks/payment", "", body, services.SignatureHeader, signature)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, apperrors.KindPaymentVerificationFailed, env.Error)

	// The provider knows the payment now, but nothing links it to an account.
	s.provider.add(services.PaymentInfo{ExternalPaymentID: "imp_late", Status: models.PaymentPaid, Amount: 7900})
	status, env = s.do(t, http.MethodPost, "/api/webhooks/payment", "", body, services.SignatureHeader, signature)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, services.WebhookIgnored, decode[services.WebhookResult](t, env).Outcome)

	status, _ = s.do(t, http.MethodPost, "/api/webhooks/payment", "", []byte(`{"status":"paid"}`),
		services.SignatureHeader, services.Sign([]byte(`{"status":"paid"}`), webhookSecret))
	require.Equal(t, http.StatusBadRequest, status)
}

func TestPromoAndReferralRoutes(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(t, http.MethodPost, "/api/promo/redeem", "token-a", map[string]string{})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, apperrors.KindInvalidPromoCode, env.Error)

	status, env = s.do(t, http.MethodPost, "/api/promo/redeem", "token-a", CodeRequest{Code: "NOPE"})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, apperrors.KindInvalidPromoCode, env.Error)

	status, env = s.do(t, http.MethodGet, "/api/referral", "token-a", nil)
	require.Equal(t, http.StatusOK, status)
	summary := decode[services.ReferralSummary](t, env)
	require.NotEmpty(t, summary.Code)

	status, env = s.do(t, http.MethodPost, "/api/referral/register", "token-b", CodeRequest{Code: summary.Code})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, models.ReferralPending, decode[services.ReferralResult](t, env).Status)

	status, env = s.do(t, http.MethodPost, "/api/referral/register", "token-b", CodeRequest{Code: summary.Code})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, apperrors.KindAlreadyReferred, env.Error)

	// Nothing is paid out before the referred account has paid.
	status, env = s.do(t, http.MethodPost, "/api/referral/complete", "token-b", nil)
	require.Equal(t, http.StatusOK, status)
	result := decode[services.ReferralResult](t, env)
	require.False(t, result.Completed)
	require.Equal(t, models.ReferralPending, result.Status)
	requireAmount(t, "300", result.Balances.Promotional)
}

func TestRunSweep(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.do(t, http.MethodPost, "/api/internal/sweeps/all", "", nil)
	require.Equal(t, http.StatusUnauthorized, status)

	status, env := s.do(t, http.MethodPost, "/api/internal/sweeps/all", "", nil, "X-Cron-Secret", "cron-secret")
	require.Equal(t, http.StatusOK, status)
	summaries := decode[[]services.SweepSummary](t, env)
	require.Len(t, summaries, 3)

	status, env = s.do(t, http.MethodPost, "/api/internal/sweeps/hourly", "", nil, "X-Cron-Secret", "cron-secret")
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, apperrors.KindInvalidInput, env.Error)
}
