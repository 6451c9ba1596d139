package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"lunawave-api/internal/apperrors"
	"lunawave-api/internal/database"
	"lunawave-api/internal/metrics"
	"lunawave-api/internal/models"
	"lunawave-api/internal/plans"
	"lunawave-api/pkg/logging"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CheckoutRequest asks for a pending payment to be prepared.
type CheckoutRequest struct {
	Kind       models.PaymentKind
	Plan       string
	CreditPack string
	PromoCode  string
}

// Checkout is what the client needs to open the provider's payment window.
type Checkout struct {
	OrderRef   string             `json:"order_ref"`
	Kind       models.PaymentKind `json:"kind"`
	Plan       plans.Plan         `json:"plan,omitempty"`
	CreditPack string             `json:"credit_pack,omitempty"`
	Name       string             `json:"name"`
	BasePrice  int64              `json:"base_price"`
	Discount   int64              `json:"discount"`
	Amount     int64              `json:"amount"`
	PromoCode  string             `json:"promo_code,omitempty"`
}

// StartRequest confirms a subscription payment made by the client.
type StartRequest struct {
	OrderRef          string
	ExternalPaymentID string
	BillingKey        string
	Plan              string
	PromoCode         string
}

// SubscriptionResult is the lifecycle outcome returned to the client.
type SubscriptionResult struct {
	Plan           plans.Plan      `json:"plan"`
	PlanExpiresAt  *time.Time      `json:"plan_expires_at"`
	AutoRenew      bool            `json:"auto_renew"`
	GrantedCredits decimal.Decimal `json:"granted_credits"`
	PromoCredits   decimal.Decimal `json:"promo_credits"`
	AlreadyApplied bool            `json:"already_applied"`
	OrderRef       string          `json:"order_ref,omitempty"`
	Balances       models.Balances `json:"balances"`
}

// PurchaseResult is the outcome of a credit pack purchase.
type PurchaseResult struct {
	CreditPack     string          `json:"credit_pack"`
	Credited       decimal.Decimal `json:"credited"`
	AlreadyApplied bool            `json:"already_applied"`
	Balances       models.Balances `json:"balances"`
}

// CancelResult is the outcome of a cancellation.
type CancelResult struct {
	Plan             plans.Plan      `json:"plan"`
	PlanExpiresAt    *time.Time      `json:"plan_expires_at"`
	AlreadyCancelled bool            `json:"already_cancelled"`
	Balances         models.Balances `json:"balances"`
}

// RefundResult is the outcome of a refund.
type RefundResult struct {
	OrderRef     string          `json:"order_ref"`
	Amount       int64           `json:"amount"`
	RemovedLunas decimal.Decimal `json:"removed_lunas"`
	Plan         plans.Plan      `json:"plan"`
	Balances     models.Balances `json:"balances"`
}

// PaymentEvent is a provider webhook notification. Only the ids are
// trusted; status and amount are always re-read from the provider.
type PaymentEvent struct {
	ExternalPaymentID string
	OrderRef          string
	Status            string
}

// Webhook outcomes.
const (
	WebhookApplied   = "applied"
	WebhookDuplicate = "duplicate"
	WebhookUpdated   = "updated"
	WebhookRejected  = "rejected"
	WebhookIgnored   = "ignored"
)

// WebhookResult reports what a payment event changed.
type WebhookResult struct {
	Outcome   string               `json:"outcome"`
	AccountID uint                 `json:"account_id,omitempty"`
	OrderRef  string               `json:"order_ref,omitempty"`
	Status    models.PaymentStatus `json:"status,omitempty"`
}

// SubscriptionService drives plan changes from verified payments.
type SubscriptionService struct {
	db       *gorm.DB
	catalog  *plans.Catalog
	provider PaymentProvider
	promos   *PromoService
	notifier Notifier
	clock    clockwork.Clock
	policy   Policy
}

// NewSubscriptionService creates a new subscription service
func NewSubscriptionService(db *gorm.DB, catalog *plans.Catalog, provider PaymentProvider, promos *PromoService, notifier Notifier, clock clockwork.Clock, policy Policy) *SubscriptionService {
	return &SubscriptionService{
		db:       db,
		catalog:  catalog,
		provider: provider,
		promos:   promos,
		notifier: notifier,
		clock:    clock,
		policy:   policy,
	}
}

// PrepareCheckout stores a pending payment with the amount the provider
// must later confirm.
func (s *SubscriptionService) PrepareCheckout(ctx context.Context, accountID uint, req CheckoutRequest) (*Checkout, error) {
	checkout := &Checkout{Kind: req.Kind}
	switch req.Kind {
	case models.PaymentKindSubscription:
		plan, err := s.paidPlan(req.Plan)
		if err != nil {
			return nil, err
		}
		tier := s.catalog.Tier(plan)
		checkout.Plan = plan
		checkout.Name = fmt.Sprintf("LunaWave %s (monthly)", tier.DisplayName)
		checkout.BasePrice = tier.PriceKRW
		checkout.OrderRef = "sub-" + uuid.NewString()
	case models.PaymentKindPurchase:
		pack, err := s.catalog.CreditPack(req.CreditPack)
		if err != nil {
			return nil, err
		}
		checkout.CreditPack = pack.Name
		checkout.Name = fmt.Sprintf("LunaWave %d lunas", pack.Lunas)
		checkout.BasePrice = pack.PriceKRW
		checkout.OrderRef = "buy-" + uuid.NewString()
	default:
		return nil, apperrors.Newf(apperrors.KindInvalidInput, "unknown payment kind %q", req.Kind)
	}

	checkout.Amount = checkout.BasePrice
	if req.PromoCode != "" {
		quote, err := s.promos.Quote(ctx, accountID, req.PromoCode, req.Kind, checkout.Plan, checkout.BasePrice)
		if err != nil {
			return nil, err
		}
		checkout.PromoCode = quote.Code
		checkout.Discount = quote.Discount
		checkout.Amount = quote.FinalPrice
	}
	if checkout.Amount <= 0 {
		return nil, apperrors.New(apperrors.KindPromoNotApplicable, "discount cannot cover the full price")
	}

	metadata, _ := json.Marshal(map[string]interface{}{
		"catalog_version": s.catalog.Version(),
		"base_price":      checkout.BasePrice,
		"discount":        checkout.Discount,
	})
	payment := &models.PaymentRecord{
		AccountID:  accountID,
		OrderRef:   checkout.OrderRef,
		Kind:       req.Kind,
		Plan:       checkout.Plan,
		CreditPack: checkout.CreditPack,
		Amount:     checkout.Amount,
		Status:     models.PaymentPending,
		PromoCode:  checkout.PromoCode,
		Metadata:   datatypes.JSON(metadata),
	}
	if err := database.CreatePayment(s.db.WithContext(ctx), payment); err != nil {
		return nil, err
	}
	return checkout, nil
}

// StartSubscription activates a plan once the provider confirms the payment
// amount. Confirming the same payment again changes nothing.
func (s *SubscriptionService) StartSubscription(ctx context.Context, accountID uint, req StartRequest) (*SubscriptionResult, error) {
	if req.ExternalPaymentID == "" {
		return nil, apperrors.New(apperrors.KindInvalidInput, "payment id is required")
	}

	var (
		plan      plans.Plan
		expected  int64
		promoCode string
	)
	if req.OrderRef != "" {
		record, err := database.FindPaymentByOrderRef(s.db.WithContext(ctx), req.OrderRef)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.Newf(apperrors.KindNotFound, "checkout %s not found", req.OrderRef)
		}
		if err != nil {
			return nil, apperrors.Transient("find checkout", err)
		}
		if record.AccountID != accountID || record.Kind != models.PaymentKindSubscription {
			return nil, apperrors.Newf(apperrors.KindInvalidInput, "checkout %s does not belong to this subscription", req.OrderRef)
		}
		plan, expected, promoCode = record.Plan, record.Amount, record.PromoCode
	} else {
		var err error
		if plan, err = s.paidPlan(req.Plan); err != nil {
			return nil, err
		}
		expected = s.catalog.Price(plan)
		if req.PromoCode != "" {
			quote, err := s.promos.Quote(ctx, accountID, req.PromoCode, models.PaymentKindSubscription, plan, expected)
			if err != nil {
				return nil, err
			}
			expected, promoCode = quote.FinalPrice, quote.Code
		}
	}

	info, err := s.verify(ctx, req.ExternalPaymentID)
	if err != nil {
		return nil, err
	}
	if err := checkConfirmation(info, expected, req.OrderRef); err != nil {
		return nil, err
	}
	billingKey := req.BillingKey
	if billingKey == "" {
		billingKey = info.BillingKey
	}

	var (
		result  *SubscriptionResult
		applied bool
		event   Event
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := database.LockAccount(tx, accountID)
		if err != nil {
			return err
		}
		now := s.clock.Now().UTC()

		orderRef := req.OrderRef
		if orderRef == "" {
			orderRef = info.OrderRef
		}
		payment, err := database.LockPayment(tx, req.ExternalPaymentID, orderRef)
		if err != nil {
			return err
		}
		if payment != nil && payment.AccountID != accountID {
			return apperrors.New(apperrors.KindPaymentVerificationFailed, "payment belongs to another account")
		}

		if payment != nil && payment.Status == models.PaymentPaid {
			// Webhook or an earlier call already activated this payment.
			if billingKey != "" && !account.HasBillingKey() && account.Plan == payment.Plan {
				if err := database.UpdateAccount(tx, account, map[string]interface{}{"billing_key": billingKey, "auto_renew": true}); err != nil {
					return err
				}
				account.BillingKey, account.AutoRenew = billingKey, true
			}
			result = subscriptionResult(account, payment.OrderRef)
			result.AlreadyApplied = true
			return nil
		}

		if payment == nil {
			if orderRef == "" {
				orderRef = "sub-" + uuid.NewString()
			}
			payment = &models.PaymentRecord{
				AccountID: accountID,
				OrderRef:  orderRef,
				Kind:      models.PaymentKindSubscription,
				Plan:      plan,
				Amount:    expected,
				Status:    models.PaymentPending,
				PromoCode: promoCode,
			}
			if err := database.CreatePayment(tx, payment); err != nil {
				return err
			}
		}

		granted, promoCredits, err := activateSubscriptionLocked(tx, s.catalog, account, payment, billingKey, info, now)
		if err != nil {
			return err
		}
		result = subscriptionResult(account, payment.OrderRef)
		result.GrantedCredits = granted
		result.PromoCredits = promoCredits
		applied = true
		event = newEvent(EventPlanActivated, account, now)
		event.OrderRef = payment.OrderRef
		event.Amount = info.Amount
		return nil
	})
	if err != nil {
		return nil, err
	}

	if applied {
		metrics.SubscriptionEventsTotal.WithLabelValues("started", string(result.Plan)).Inc()
		logging.Log.Info().
			Uint("account_id", accountID).
			Str("order_ref", result.OrderRef).
			Str("payment_id", req.ExternalPaymentID).
			Str("plan", string(result.Plan)).
			Msg("subscription activated")
		s.notifier.Notify(ctx, event)
	}
	return result, nil
}

// activateSubscriptionLocked applies a verified first payment: plan term,
// grants, payment status, checkout promo and referral completion.
func activateSubscriptionLocked(tx *gorm.DB, catalog *plans.Catalog, account *models.Account, payment *models.PaymentRecord, billingKey string, info *PaymentInfo, now time.Time) (decimal.Decimal, decimal.Decimal, error) {
	plan := payment.Plan
	desc := fmt.Sprintf("Subscribed to %s", catalog.Tier(plan).DisplayName)
	granted, err := activatePlanLocked(tx, catalog, account, plan, billingKey, models.ActionSubscription, desc, now)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if err := markPaidLocked(tx, payment, info, now); err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	promoCredits := decimal.Zero
	if payment.PromoCode != "" {
		if promoCredits, err = consumeAtCheckoutLocked(tx, account, payment.PromoCode, payment.OrderRef, now); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
	}
	if _, err := completeReferralLocked(tx, account, now); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return granted, promoCredits, nil
}

// activatePlanLocked starts a one-month term on plan: the daily bucket is
// reset to the new tier and the monthly bonus is credited under action. A
// billing key turns on auto-renewal; without one auto-renewal is off.
func activatePlanLocked(tx *gorm.DB, catalog *plans.Catalog, account *models.Account, plan plans.Plan, billingKey string, action models.ActionKind, description string, now time.Time) (decimal.Decimal, error) {
	expires := nextTermEnd(now, now.Day())
	today := dateOf(now)
	updates := map[string]interface{}{
		"plan":                  plan,
		"plan_started_at":       now,
		"plan_expires_at":       expires,
		"auto_renew":            billingKey != "",
		"renewal_failed_at":     nil,
		"last_daily_grant_on":   today,
		"last_monthly_grant_on": today,
	}
	if billingKey != "" {
		updates["billing_key"] = billingKey
		account.BillingKey = billingKey
	}
	if err := database.UpdateAccount(tx, account, updates); err != nil {
		return decimal.Zero, err
	}
	account.Plan = plan
	account.PlanStartedAt = &now
	account.PlanExpiresAt = &expires
	account.AutoRenew = billingKey != ""
	account.RenewalFailedAt = nil
	account.LastDailyGrantOn = today
	account.LastMonthlyGrantOn = today

	if !catalog.IsUnlimited(plan) {
		daily := decimal.NewFromInt(catalog.DailyGrantAmount(plan))
		resetDesc := fmt.Sprintf("Daily grant %s (%s)", today, catalog.Tier(plan).DisplayName)
		if _, err := setBucketLocked(tx, account, models.BucketDaily, daily, models.ActionDaily, resetDesc, now); err != nil {
			return decimal.Zero, err
		}
	}

	bonus := decimal.NewFromInt(catalog.MonthlyBonusAmount(plan))
	if _, err := creditLocked(tx, account, models.BucketMonthlyBonus, bonus, action, description, now); err != nil {
		return decimal.Zero, err
	}
	return bonus, nil
}

func markPaidLocked(tx *gorm.DB, payment *models.PaymentRecord, info *PaymentInfo, now time.Time) error {
	paidAt := now
	if info.PaidAt != nil {
		paidAt = info.PaidAt.UTC()
	}
	updates := map[string]interface{}{
		"status":      models.PaymentPaid,
		"paid_amount": info.Amount,
		"paid_at":     paidAt,
	}
	if payment.ExternalID() == "" && info.ExternalPaymentID != "" {
		updates["external_payment_id"] = info.ExternalPaymentID
		id := info.ExternalPaymentID
		payment.ExternalPaymentID = &id
	}
	if err := database.UpdatePayment(tx, payment, updates); err != nil {
		return err
	}
	payment.Status = models.PaymentPaid
	payment.PaidAmount = info.Amount
	payment.PaidAt = &paidAt
	return nil
}

// CompletePurchase credits a legacy credit pack once its checkout is paid.
func (s *SubscriptionService) CompletePurchase(ctx context.Context, accountID uint, orderRef, externalPaymentID string) (*PurchaseResult, error) {
	if orderRef == "" || externalPaymentID == "" {
		return nil, apperrors.New(apperrors.KindInvalidInput, "order_ref and payment id are required")
	}
	record, err := database.FindPaymentByOrderRef(s.db.WithContext(ctx), orderRef)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.Newf(apperrors.KindNotFound, "checkout %s not found", orderRef)
	}
	if err != nil {
		return nil, apperrors.Transient("find checkout", err)
	}
	if record.AccountID != accountID || record.Kind != models.PaymentKindPurchase {
		return nil, apperrors.Newf(apperrors.KindInvalidInput, "checkout %s is not a credit purchase of this account", orderRef)
	}

	info, err := s.verify(ctx, externalPaymentID)
	if err != nil {
		return nil, err
	}
	if err := checkConfirmation(info, record.Amount, orderRef); err != nil {
		return nil, err
	}

	var result *PurchaseResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := database.LockAccount(tx, accountID)
		if err != nil {
			return err
		}
		payment, err := database.LockPayment(tx, externalPaymentID, orderRef)
		if err != nil {
			return err
		}
		if payment == nil {
			return apperrors.Newf(apperrors.KindNotFound, "checkout %s not found", orderRef)
		}
		result = &PurchaseResult{CreditPack: payment.CreditPack}
		if payment.Status == models.PaymentPaid {
			result.AlreadyApplied = true
			result.Balances = account.Balances()
			return nil
		}

		credited, err := applyPurchaseLocked(tx, s.catalog, account, payment, info, s.clock.Now().UTC())
		if err != nil {
			return err
		}
		result.Credited = credited
		result.Balances = account.Balances()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !result.AlreadyApplied {
		s.notifier.Notify(ctx, Event{
			Type:      EventPurchaseCompleted,
			AccountID: accountID,
			OrderRef:  orderRef,
			Amount:    info.Amount,
			Timestamp: s.clock.Now().UTC(),
		})
	}
	return result, nil
}

func applyPurchaseLocked(tx *gorm.DB, catalog *plans.Catalog, account *models.Account, payment *models.PaymentRecord, info *PaymentInfo, now time.Time) (decimal.Decimal, error) {
	pack, err := catalog.CreditPack(payment.CreditPack)
	if err != nil {
		return decimal.Zero, err
	}
	if err := markPaidLocked(tx, payment, info, now); err != nil {
		return decimal.Zero, err
	}
	lunas := decimal.NewFromInt(pack.Lunas)
	desc := fmt.Sprintf("Purchased %s pack (%d lunas)", pack.Name, pack.Lunas)
	if _, err := creditLocked(tx, account, models.BucketPurchased, lunas, models.ActionPurchase, desc, now); err != nil {
		return decimal.Zero, err
	}
	if payment.PromoCode != "" {
		if _, err := consumeAtCheckoutLocked(tx, account, payment.PromoCode, payment.OrderRef, now); err != nil {
			return decimal.Zero, err
		}
	}
	return lunas, nil
}

// HandlePaymentEvent settles a provider notification. It is idempotent on
// the external payment id and tolerates arriving before the client's own
// confirmation: unknown payments are created from the provider's data.
func (s *SubscriptionService) HandlePaymentEvent(ctx context.Context, ev PaymentEvent) (*WebhookResult, error) {
	if ev.ExternalPaymentID == "" {
		return nil, apperrors.New(apperrors.KindInvalidInput, "imp_uid is required")
	}
	info, err := s.verify(ctx, ev.ExternalPaymentID)
	if err != nil {
		return nil, err
	}
	orderRef := info.OrderRef
	if orderRef == "" {
		orderRef = ev.OrderRef
	}

	// Resolve the account first so locks are always taken account, then payment.
	accountID, err := s.resolveAccount(ctx, ev.ExternalPaymentID, orderRef, info)
	if err != nil {
		return nil, err
	}
	if accountID == 0 {
		logging.Log.Warn().
			Str("payment_id", ev.ExternalPaymentID).
			Str("order_ref", orderRef).
			Msg("payment webhook for unknown account ignored")
		return &WebhookResult{Outcome: WebhookIgnored, OrderRef: orderRef}, nil
	}

	result := &WebhookResult{AccountID: accountID, OrderRef: orderRef}
	var events []Event
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := database.LockAccount(tx, accountID)
		if err != nil {
			return err
		}
		now := s.clock.Now().UTC()

		payment, err := database.LockPayment(tx, ev.ExternalPaymentID, orderRef)
		if err != nil {
			return err
		}
		if payment == nil {
			if payment, err = s.paymentFromProvider(tx, accountID, orderRef, info); err != nil {
				return err
			}
		}
		result.OrderRef = payment.OrderRef

		switch info.Status {
		case models.PaymentPaid:
			if payment.Status == models.PaymentPaid || payment.Status == models.PaymentRefunded {
				result.Outcome = WebhookDuplicate
				if payment.ExternalID() == "" {
					return database.UpdatePayment(tx, payment, map[string]interface{}{"external_payment_id": info.ExternalPaymentID})
				}
				return nil
			}
			if info.Amount != payment.Amount {
				result.Outcome = WebhookRejected
				reason := fmt.Sprintf("amount mismatch: expected %d, provider reported %d", payment.Amount, info.Amount)
				return database.UpdatePayment(tx, payment, map[string]interface{}{
					"status":              models.PaymentFailed,
					"failure_reason":      reason,
					"paid_amount":         info.Amount,
					"external_payment_id": info.ExternalPaymentID,
				})
			}

			switch {
			case payment.Kind == models.PaymentKindPurchase:
				if _, err := applyPurchaseLocked(tx, s.catalog, account, payment, info, now); err != nil {
					return err
				}
				e := newEvent(EventPurchaseCompleted, account, now)
				e.OrderRef, e.Amount = payment.OrderRef, info.Amount
				events = append(events, e)
			case payment.Renewal:
				paidAt := now
				if info.PaidAt != nil {
					paidAt = info.PaidAt.UTC()
				}
				if err := applyRenewalLocked(tx, s.catalog, s.policy, account, payment, info.ExternalPaymentID, info.Amount, paidAt, now); err != nil {
					return err
				}
				e := newEvent(EventPlanRenewed, account, now)
				e.OrderRef, e.Amount = payment.OrderRef, info.Amount
				events = append(events, e)
			default:
				if _, _, err := activateSubscriptionLocked(tx, s.catalog, account, payment, info.BillingKey, info, now); err != nil {
					return err
				}
				e := newEvent(EventPlanActivated, account, now)
				e.OrderRef, e.Amount = payment.OrderRef, info.Amount
				events = append(events, e)
			}
			result.Outcome = WebhookApplied

		case models.PaymentCancelled, models.PaymentFailed:
			result.Outcome = WebhookUpdated
			status := info.Status
			if payment.Status == models.PaymentPaid {
				// Cancelled at the provider after activation; the ledger is
				// only reversed through a refund request.
				status = models.PaymentRefunded
				logging.Log.Warn().Uint("account_id", accountID).Str("order_ref", payment.OrderRef).
					Msg("paid payment cancelled at provider, needs reconciliation")
			} else if payment.Status != models.PaymentPending {
				result.Outcome = WebhookDuplicate
				return nil
			}
			updates := map[string]interface{}{"status": status}
			if info.FailReason != "" {
				updates["failure_reason"] = truncate(info.FailReason, 255)
			}
			if payment.ExternalID() == "" {
				updates["external_payment_id"] = info.ExternalPaymentID
			}
			if err := database.UpdatePayment(tx, payment, updates); err != nil {
				return err
			}
			payment.Status = status

		default:
			result.Outcome = WebhookIgnored
		}
		result.Status = payment.Status
		if result.Outcome == WebhookApplied {
			result.Status = models.PaymentPaid
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, e := range events {
		s.notifier.Notify(ctx, e)
	}
	logging.Log.Info().
		Uint("account_id", accountID).
		Str("order_ref", result.OrderRef).
		Str("payment_id", ev.ExternalPaymentID).
		Str("outcome", result.Outcome).
		Msg("payment webhook processed")
	return result, nil
}

func (s *SubscriptionService) resolveAccount(ctx context.Context, externalID, orderRef string, info *PaymentInfo) (uint, error) {
	payment, err := database.FindPayment(s.db.WithContext(ctx), externalID, orderRef)
	if err != nil {
		return 0, err
	}
	if payment != nil {
		return payment.AccountID, nil
	}
	raw := info.CustomData["account_id"]
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, nil
	}
	if _, err := database.GetAccount(s.db.WithContext(ctx), uint(id)); err != nil {
		if apperrors.KindOf(err) == apperrors.KindNotFound {
			return 0, nil
		}
		return 0, err
	}
	return uint(id), nil
}

// paymentFromProvider records a payment first seen through the webhook,
// using the custom data the checkout attached at the provider.
func (s *SubscriptionService) paymentFromProvider(tx *gorm.DB, accountID uint, orderRef string, info *PaymentInfo) (*models.PaymentRecord, error) {
	if orderRef == "" {
		orderRef = "wh-" + info.ExternalPaymentID
	}
	payment := &models.PaymentRecord{
		AccountID: accountID,
		OrderRef:  orderRef,
		Status:    models.PaymentPending,
		PromoCode: NormalizeCode(info.CustomData["promo_code"]),
	}

	switch models.PaymentKind(info.CustomData["kind"]) {
	case models.PaymentKindPurchase:
		pack, err := s.catalog.CreditPack(info.CustomData["credit_pack"])
		if err != nil {
			return nil, err
		}
		payment.Kind = models.PaymentKindPurchase
		payment.CreditPack = pack.Name
		payment.Amount = pack.PriceKRW
	default:
		plan, err := s.paidPlan(info.CustomData["plan"])
		if err != nil {
			return nil, err
		}
		payment.Kind = models.PaymentKindSubscription
		payment.Plan = plan
		payment.Amount = s.catalog.Price(plan)
	}
	if payment.PromoCode != "" {
		// The discounted amount was agreed at checkout; trust the provider's
		// figure only as far as the code allows.
		if promo, err := database.LockPromoCode(tx, payment.PromoCode); err == nil && promo.Type.AppliesAtCheckout() {
			payment.Amount -= discountFor(promo, payment.Amount)
		}
	}

	if err := database.CreatePayment(tx, payment); err != nil {
		return nil, err
	}
	return payment, nil
}

// CancelSubscription turns off auto-renewal. The plan runs to its expiry.
func (s *SubscriptionService) CancelSubscription(ctx context.Context, accountID uint) (*CancelResult, error) {
	var (
		result     *CancelResult
		billingKey string
		event      *Event
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := database.LockAccount(tx, accountID)
		if err != nil {
			return err
		}
		if !s.catalog.IsPaid(account.Plan) {
			return apperrors.New(apperrors.KindNoActiveSubscription, "there is no active subscription to cancel")
		}
		result = &CancelResult{Plan: account.Plan, PlanExpiresAt: account.PlanExpiresAt}
		if !account.AutoRenew && !account.HasBillingKey() {
			result.AlreadyCancelled = true
			result.Balances = account.Balances()
			return nil
		}

		billingKey = account.BillingKey
		if err := database.UpdateAccount(tx, account, map[string]interface{}{"billing_key": "", "auto_renew": false}); err != nil {
			return err
		}
		account.BillingKey, account.AutoRenew = "", false

		now := s.clock.Now().UTC()
		desc := "Auto-renewal cancelled"
		if account.PlanExpiresAt != nil {
			desc = fmt.Sprintf("Auto-renewal cancelled; %s stays active until %s", s.catalog.Tier(account.Plan).DisplayName, dateOf(*account.PlanExpiresAt))
		}
		if _, err := appendEntry(tx, account, models.ActionCancel, "", decimal.Zero, desc, now); err != nil {
			return err
		}
		result.Balances = account.Balances()
		e := newEvent(EventSubscriptionEnded, account, now)
		event = &e
		return nil
	})
	if err != nil {
		return nil, err
	}

	if billingKey != "" {
		deleteCtx, cancel := context.WithTimeout(ctx, s.policy.PaymentTimeout)
		if err := s.provider.DeleteBillingKey(deleteCtx, billingKey); err != nil {
			logging.Log.Warn().Err(err).Uint("account_id", accountID).Msg("failed to delete billing key at provider")
		}
		cancel()
	}
	if event != nil {
		metrics.SubscriptionEventsTotal.WithLabelValues("cancelled", string(result.Plan)).Inc()
		s.notifier.Notify(ctx, *event)
	}
	return result, nil
}

// RequestRefund reverses the latest subscription payment when it is inside
// the refund window and nothing was used since it was paid. The provider
// refund runs under the account lock so no use can slip in between the
// check and the reversal.
func (s *SubscriptionService) RequestRefund(ctx context.Context, accountID uint, reason string) (*RefundResult, error) {
	if reason == "" {
		reason = "Customer requested refund"
	}

	var (
		result     *RefundResult
		billingKey string
		event      Event
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := database.LockAccount(tx, accountID)
		if err != nil {
			return err
		}
		now := s.clock.Now().UTC()

		payment, err := database.LatestPaidSubscription(tx, accountID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.New(apperrors.KindNoRefundablePayment, "there is no paid subscription to refund")
		}
		if err != nil {
			return apperrors.Transient("find refundable payment", err)
		}
		if payment.ExternalID() == "" {
			return apperrors.New(apperrors.KindNoRefundablePayment, "the payment has no provider reference")
		}

		paidAt := *payment.PaidAt
		window := time.Duration(s.policy.RefundWindowDays) * 24 * time.Hour
		if now.Sub(paidAt) > window {
			return apperrors.RefundWindowExpired(paidAt, s.policy.RefundWindowDays, now)
		}
		uses, err := database.CountEntriesSince(tx, accountID, models.ActionUse, paidAt)
		if err != nil {
			return apperrors.Transient("count usage", err)
		}
		if uses > 0 {
			return apperrors.UsageDetected(uses)
		}

		refundCtx, cancel := context.WithTimeout(ctx, s.policy.PaymentTimeout)
		err = s.provider.Refund(refundCtx, payment.ExternalID(), reason)
		cancel()
		if err != nil {
			var provErr *ProviderError
			if errors.As(err, &provErr) {
				return apperrors.Wrap(apperrors.KindPaymentVerificationFailed, err, "the payment provider rejected the refund")
			}
			return err
		}

		if err := database.UpdatePayment(tx, payment, map[string]interface{}{
			"status":      models.PaymentRefunded,
			"refunded_at": now,
		}); err != nil {
			return err
		}

		removed := decimal.Zero
		for _, bucket := range []models.Bucket{models.BucketDaily, models.BucketMonthlyBonus, models.BucketPurchased} {
			removed = removed.Add(account.Bucket(bucket))
			account.SetBucket(bucket, decimal.Zero)
		}
		if err := database.SaveBuckets(tx, account); err != nil {
			return err
		}

		previous := account.Plan
		billingKey = account.BillingKey
		if err := database.UpdateAccount(tx, account, map[string]interface{}{
			"plan":              plans.Free,
			"plan_expires_at":   now,
			"auto_renew":        false,
			"billing_key":       "",
			"renewal_failed_at": nil,
		}); err != nil {
			return err
		}
		account.Plan = plans.Free
		account.PlanExpiresAt = &now
		account.AutoRenew = false
		account.BillingKey = ""

		desc := fmt.Sprintf("Refund of %s payment %s (%d KRW)", s.catalog.Tier(previous).DisplayName, payment.OrderRef, payment.PaidAmount)
		if _, err := appendEntry(tx, account, models.ActionRefund, "", removed.Neg(), desc, now); err != nil {
			return err
		}

		result = &RefundResult{
			OrderRef:     payment.OrderRef,
			Amount:       payment.PaidAmount,
			RemovedLunas: removed,
			Plan:         account.Plan,
			Balances:     account.Balances(),
		}
		event = newEvent(EventRefunded, account, now)
		event.PreviousPlan = previous
		event.OrderRef = payment.OrderRef
		event.Amount = payment.PaidAmount
		return nil
	})
	if err != nil {
		return nil, err
	}

	if billingKey != "" {
		deleteCtx, cancel := context.WithTimeout(ctx, s.policy.PaymentTimeout)
		if err := s.provider.DeleteBillingKey(deleteCtx, billingKey); err != nil {
			logging.Log.Warn().Err(err).Uint("account_id", accountID).Msg("failed to delete billing key at provider")
		}
		cancel()
	}
	metrics.SubscriptionEventsTotal.WithLabelValues("refunded", string(event.PreviousPlan)).Inc()
	s.notifier.Notify(ctx, event)
	return result, nil
}

func (s *SubscriptionService) verify(ctx context.Context, externalPaymentID string) (*PaymentInfo, error) {
	verifyCtx, cancel := context.WithTimeout(ctx, s.policy.PaymentTimeout)
	defer cancel()
	info, err := s.provider.VerifyPayment(verifyCtx, externalPaymentID)
	if err != nil {
		var provErr *ProviderError
		if errors.As(err, &provErr) {
			return nil, apperrors.Wrap(apperrors.KindPaymentVerificationFailed, err, "the payment could not be found at the provider")
		}
		return nil, err
	}
	if info.ExternalPaymentID == "" {
		info.ExternalPaymentID = externalPaymentID
	}
	return info, nil
}

func (s *SubscriptionService) paidPlan(name string) (plans.Plan, error) {
	plan, err := s.catalog.ParsePlan(name)
	if err != nil {
		return "", err
	}
	if !s.catalog.IsPaid(plan) {
		return "", apperrors.Newf(apperrors.KindInvalidInput, "plan %q cannot be purchased", name)
	}
	return plan, nil
}

// checkConfirmation requires a paid status, the expected amount and, when
// known, the same order reference.
func checkConfirmation(info *PaymentInfo, expected int64, orderRef string) error {
	if info.Status != models.PaymentPaid || info.Amount != expected {
		return apperrors.PaymentMismatch(expected, info.Amount, string(info.Status))
	}
	if orderRef != "" && info.OrderRef != "" && info.OrderRef != orderRef {
		return apperrors.New(apperrors.KindPaymentVerificationFailed, "payment belongs to a different order").
			WithDetail("order_ref", orderRef)
	}
	return nil
}

func subscriptionResult(account *models.Account, orderRef string) *SubscriptionResult {
	return &SubscriptionResult{
		Plan:           account.Plan,
		PlanExpiresAt:  account.PlanExpiresAt,
		AutoRenew:      account.AutoRenew,
		GrantedCredits: decimal.Zero,
		PromoCredits:   decimal.Zero,
		OrderRef:       orderRef,
		Balances:       account.Balances(),
	}
}
