package services

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lunawave-api/internal/database"
	"lunawave-api/internal/models"
	"lunawave-api/internal/plans"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testStart = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

type fakeProvider struct {
	mu        sync.Mutex
	payments  map[string]*PaymentInfo
	charges   []ChargeRequest
	chargeFn  func(ChargeRequest) (*ChargeResult, error)
	refunds   []string
	refundErr error
	deleted   []string
	verifyErr error
	lookups   []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{payments: make(map[string]*PaymentInfo)}
}

func (p *fakeProvider) addPayment(info PaymentInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payments[info.ExternalPaymentID] = &info
}

func (p *fakeProvider) VerifyPayment(_ context.Context, id string) (*PaymentInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.verifyErr != nil {
		return nil, p.verifyErr
	}
	info, ok := p.payments[id]
	if !ok {
		return nil, &ProviderError{Op: "get_payment", Code: 1, Message: "not found", HTTPStatus: 404}
	}
	copied := *info
	return &copied, nil
}

func (p *fakeProvider) FindPaymentByOrderRef(_ context.Context, orderRef string) (*PaymentInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lookups = append(p.lookups, orderRef)
	if p.verifyErr != nil {
		return nil, p.verifyErr
	}
	for _, info := range p.payments {
		if info.OrderRef == orderRef {
			copied := *info
			return &copied, nil
		}
	}
	return nil, &ProviderError{Op: "find_payment", Code: 1, Message: "not found", HTTPStatus: 404}
}

func (p *fakeProvider) ChargeByBillingKey(_ context.Context, req ChargeRequest) (*ChargeResult, error) {
	p.mu.Lock()
	p.charges = append(p.charges, req)
	fn := p.chargeFn
	p.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &ChargeResult{Success: true, ExternalPaymentID: "imp_" + req.OrderRef}, nil
}

func (p *fakeProvider) Refund(_ context.Context, id, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refundErr != nil {
		return p.refundErr
	}
	p.refunds = append(p.refunds, id)
	return nil
}

func (p *fakeProvider) DeleteBillingKey(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, key)
	return nil
}

func (p *fakeProvider) chargeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.charges)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(_ context.Context, e Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) types() []EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]EventType, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

type testEnv struct {
	db       *gorm.DB
	clock    *clockwork.FakeClock
	catalog  *plans.Catalog
	policy   Policy
	provider *fakeProvider
	notifier *recordingNotifier

	ledger    *LedgerService
	grants    *GrantService
	accounts  *AccountService
	promos    *PromoService
	referrals *ReferralService
	subs      *SubscriptionService
	usage     *UsageService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "lunawave_test.db"), logger.Silent)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { database.Close(db, nil) })

	env := &testEnv{
		db:       db,
		clock:    clockwork.NewFakeClockAt(testStart),
		catalog:  plans.Default(),
		policy:   DefaultPolicy(),
		provider: newFakeProvider(),
		notifier: &recordingNotifier{},
	}
	env.policy.PaymentTimeout = time.Second

	env.ledger = NewLedgerService(db, env.catalog, env.clock)
	env.grants = NewGrantService(db, env.catalog, env.provider, env.notifier, env.clock, env.policy)
	env.accounts = NewAccountService(db, env.catalog, env.grants, env.clock, env.policy)
	env.promos = NewPromoService(db, env.catalog, env.clock)
	env.referrals = NewReferralService(db, env.clock, env.policy)
	env.subs = NewSubscriptionService(db, env.catalog, env.provider, env.promos, env.notifier, env.clock, env.policy)
	env.usage = NewUsageService(db, env.catalog, env.grants, env.accounts, env.clock)
	return env
}

func (e *testEnv) newAccount(t *testing.T, userID string) *models.Account {
	t.Helper()
	account, err := e.accounts.Provision(context.Background(), &Identity{UserID: userID, Email: userID + "@example.com"})
	require.NoError(t, err)
	return account
}

func (e *testEnv) account(t *testing.T, id uint) *models.Account {
	t.Helper()
	account, err := database.GetAccount(e.db, id)
	require.NoError(t, err)
	return account
}

func (e *testEnv) setBuckets(t *testing.T, id uint, daily, monthly, promo, purchased string) {
	t.Helper()
	require.NoError(t, e.db.Model(&models.Account{}).Where("id = ?", id).Updates(map[string]interface{}{
		"daily_lunas":     decimal.RequireFromString(daily),
		"monthly_lunas":   decimal.RequireFromString(monthly),
		"promo_lunas":     decimal.RequireFromString(promo),
		"purchased_lunas": decimal.RequireFromString(purchased),
	}).Error)
}

func (e *testEnv) setPlan(t *testing.T, id uint, plan plans.Plan, startedAt, expiresAt time.Time, billingKey string) {
	t.Helper()
	require.NoError(t, e.db.Model(&models.Account{}).Where("id = ?", id).Updates(map[string]interface{}{
		"plan":            plan,
		"plan_started_at": startedAt,
		"plan_expires_at": expiresAt,
		"billing_key":     billingKey,
		"auto_renew":      billingKey != "",
	}).Error)
}

func (e *testEnv) entries(t *testing.T, id uint, action models.ActionKind) []models.LedgerEntry {
	t.Helper()
	var entries []models.LedgerEntry
	require.NoError(t, e.db.Where("account_id = ? AND action = ?", id, action).Order("id").Find(&entries).Error)
	return entries
}

func (e *testEnv) payments(t *testing.T, id uint) []models.PaymentRecord {
	t.Helper()
	var payments []models.PaymentRecord
	require.NoError(t, e.db.Where("account_id = ?", id).Order("id").Find(&payments).Error)
	return payments
}

// paidSubscription registers a paid provider payment for plan at its list price.
func (e *testEnv) paidSubscription(id string, plan plans.Plan, paidAt time.Time) PaymentInfo {
	info := PaymentInfo{
		ExternalPaymentID: id,
		OrderRef:          "order-" + id,
		Status:            models.PaymentPaid,
		Amount:            e.catalog.Price(plan),
		PaidAt:            &paidAt,
	}
	e.provider.addPayment(info)
	return info
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	require.True(t, dec(want).Equal(got), fmt.Sprintf("want %s, got %s %v", want, got.String(), msgAndArgs))
}

func (e *testEnv) addPromo(t *testing.T, promo models.PromoCode) *models.PromoCode {
	t.Helper()
	promo.Active = true
	require.NoError(t, database.SeedPromoCodes(e.db, []models.PromoCode{promo}))
	var stored models.PromoCode
	require.NoError(t, e.db.Where("code = ?", promo.Code).First(&stored).Error)
	return &stored
}

func (e *testEnv) promo(t *testing.T, code string) *models.PromoCode {
	t.Helper()
	var stored models.PromoCode
	require.NoError(t, e.db.Where("code = ?", code).First(&stored).Error)
	return &stored
}
