package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lunawave-api/internal/apperrors"
	"lunawave-api/internal/database"
	"lunawave-api/internal/models"
	"lunawave-api/internal/plans"

	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var hundred = decimal.NewFromInt(100)

// PriceHint tells the client what a discount code does to each paid plan.
type PriceHint struct {
	Type       models.PromoType     `json:"type"`
	Value      decimal.Decimal      `json:"value"`
	TargetPlan plans.Plan           `json:"target_plan,omitempty"`
	Prices     map[plans.Plan]int64 `json:"prices,omitempty"`
	Note       string               `json:"note"`
}

// RedeemResult describes the effect of a redeemed code.
type RedeemResult struct {
	Code        string           `json:"code"`
	Type        models.PromoType `json:"type"`
	Description string           `json:"description"`
	Hint        *PriceHint       `json:"hint,omitempty"`
	Credited    decimal.Decimal  `json:"credited"`
	Plan        plans.Plan       `json:"plan,omitempty"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
	Balances    models.Balances  `json:"balances"`
}

// Quote is a validated discount for one checkout.
type Quote struct {
	Code       string           `json:"code"`
	Type       models.PromoType `json:"type"`
	BasePrice  int64            `json:"base_price"`
	Discount   int64            `json:"discount"`
	FinalPrice int64            `json:"final_price"`
}

// PromoService validates and applies promotion codes.
type PromoService struct {
	db      *gorm.DB
	catalog *plans.Catalog
	clock   clockwork.Clock
}

// NewPromoService creates a new promo service
func NewPromoService(db *gorm.DB, catalog *plans.Catalog, clock clockwork.Clock) *PromoService {
	return &PromoService{db: db, catalog: catalog, clock: clock}
}

// NormalizeCode upper-cases and trims a user-entered code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Redeem validates a code and applies its effect. Discount codes only return
// a price hint; their counter moves when a paid checkout consumes them.
// Credit and trial codes apply immediately, with the counter increment in
// the same transaction as the effect.
func (s *PromoService) Redeem(ctx context.Context, accountID uint, code string) (*RedeemResult, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, apperrors.New(apperrors.KindInvalidPromoCode, "promo code is required")
	}

	var result *RedeemResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now().UTC()
		account, err := database.LockAccount(tx, accountID)
		if err != nil {
			return err
		}
		promo, err := s.validateLocked(tx, code, accountID, now)
		if err != nil {
			return err
		}

		result = &RedeemResult{Code: promo.Code, Type: promo.Type, Description: promo.Description}

		switch promo.Type {
		case models.PromoInstantCredits:
			if err := consumeLocked(tx, promo, accountID, ""); err != nil {
				return err
			}
			desc := fmt.Sprintf("Promo code %s", promo.Code)
			if _, err := creditLocked(tx, account, models.BucketPromotional, promo.Value, models.ActionPromo, desc, now); err != nil {
				return err
			}
			result.Credited = promo.Value

		case models.PromoFreeMonthTrial:
			target, err := s.trialPlan(promo)
			if err != nil {
				return err
			}
			active := account.PlanExpiresAt != nil && account.PlanExpiresAt.After(now)
			if s.catalog.IsPaid(account.Plan) && active && s.catalog.AtLeast(account.Plan, target) {
				return apperrors.Newf(apperrors.KindPromoNotApplicable,
					"account already has %s, which includes the %s trial", account.Plan, target).
					WithDetail("plan", string(account.Plan)).
					WithDetail("trial_plan", string(target))
			}
			if err := consumeLocked(tx, promo, accountID, ""); err != nil {
				return err
			}
			desc := fmt.Sprintf("Free month of %s (promo %s)", s.catalog.Tier(target).DisplayName, promo.Code)
			credited, err := activatePlanLocked(tx, s.catalog, account, target, "", models.ActionPromo, desc, now)
			if err != nil {
				return err
			}
			result.Credited = credited
			result.Plan = target
			result.ExpiresAt = account.PlanExpiresAt

		default:
			result.Hint = s.hint(promo)
		}

		result.Balances = account.Balances()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Quote validates code for a checkout and prices it. bonus_credits codes
// leave the price unchanged and pay out when the payment is consumed.
func (s *PromoService) Quote(ctx context.Context, accountID uint, code string, kind models.PaymentKind, plan plans.Plan, basePrice int64) (*Quote, error) {
	code = NormalizeCode(code)
	promo, err := s.validateLocked(s.db.WithContext(ctx), code, accountID, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	return s.quote(promo, kind, plan, basePrice)
}

func (s *PromoService) quote(promo *models.PromoCode, kind models.PaymentKind, plan plans.Plan, basePrice int64) (*Quote, error) {
	if !promo.Type.AppliesAtCheckout() {
		return nil, apperrors.Newf(apperrors.KindPromoNotApplicable, "code %s cannot be used at checkout; redeem it instead", promo.Code)
	}
	if promo.Type == models.PromoSubscriptionDiscount && kind != models.PaymentKindSubscription {
		return nil, apperrors.Newf(apperrors.KindPromoNotApplicable, "code %s only applies to subscriptions", promo.Code)
	}
	if promo.TargetPlan != "" && kind == models.PaymentKindSubscription {
		target, err := s.catalog.ParsePlan(promo.TargetPlan)
		if err == nil && target != plan {
			return nil, apperrors.Newf(apperrors.KindPromoNotApplicable, "code %s only applies to the %s plan", promo.Code, target).
				WithDetail("target_plan", string(target))
		}
	}

	discount := discountFor(promo, basePrice)
	return &Quote{
		Code:       promo.Code,
		Type:       promo.Type,
		BasePrice:  basePrice,
		Discount:   discount,
		FinalPrice: basePrice - discount,
	}, nil
}

// validateLocked runs every rejection check before anything is written.
// Inside a transaction the code row is locked; outside it is a plain read.
func (s *PromoService) validateLocked(tx *gorm.DB, code string, accountID uint, now time.Time) (*models.PromoCode, error) {
	promo, err := database.LockPromoCode(tx, code)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.Newf(apperrors.KindInvalidPromoCode, "promo code %s does not exist", code)
	}
	if err != nil {
		return nil, apperrors.Transient("load promo code", err)
	}
	if !promo.Active {
		return nil, apperrors.Newf(apperrors.KindInvalidPromoCode, "promo code %s is no longer active", code)
	}
	if promo.ExpiresAt != nil && !now.Before(*promo.ExpiresAt) {
		return nil, apperrors.Newf(apperrors.KindPromoExpired, "promo code %s expired", code).
			WithDetail("expired_at", promo.ExpiresAt.Format(time.RFC3339))
	}
	if promo.MaxUses > 0 && promo.UsesCount >= promo.MaxUses {
		return nil, apperrors.Newf(apperrors.KindPromoLimitReached, "promo code %s has been fully redeemed", code).
			WithDetail("max_uses", promo.MaxUses)
	}
	used, err := database.HasRedeemed(tx, promo.ID, accountID)
	if err != nil {
		return nil, apperrors.Transient("check promo redemption", err)
	}
	if used {
		return nil, apperrors.Newf(apperrors.KindPromoAlreadyUsed, "promo code %s was already used on this account", code)
	}
	return promo, nil
}

// consumeLocked moves the usage counter and records the redemption, or
// fails with PromoLimitReached when a concurrent redemption took the last use.
func consumeLocked(tx *gorm.DB, promo *models.PromoCode, accountID uint, orderRef string) error {
	ok, err := database.ConsumePromoCode(tx, promo, accountID, orderRef)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Newf(apperrors.KindPromoLimitReached, "promo code %s has been fully redeemed", promo.Code)
	}
	return nil
}

// consumeAtCheckoutLocked is called when a paid payment carrying a code is
// activated. A code that can no longer be consumed does not undo the
// payment; the buyer already paid the discounted amount.
func consumeAtCheckoutLocked(tx *gorm.DB, account *models.Account, code, orderRef string, now time.Time) (decimal.Decimal, error) {
	promo, err := database.LockPromoCode(tx, NormalizeCode(code))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, apperrors.Transient("load promo code", err)
	}
	ok, err := database.ConsumePromoCode(tx, promo, account.ID, orderRef)
	if err != nil || !ok {
		return decimal.Zero, err
	}
	if promo.Type != models.PromoBonusCredits || !promo.Value.IsPositive() {
		return decimal.Zero, nil
	}
	desc := fmt.Sprintf("Bonus credits from promo %s", promo.Code)
	if _, err := creditLocked(tx, account, models.BucketPromotional, promo.Value, models.ActionPromo, desc, now); err != nil {
		return decimal.Zero, err
	}
	return promo.Value, nil
}

func (s *PromoService) trialPlan(promo *models.PromoCode) (plans.Plan, error) {
	if promo.TargetPlan == "" {
		return plans.Crescent, nil
	}
	target, err := s.catalog.ParsePlan(promo.TargetPlan)
	if err != nil {
		return "", err
	}
	if !s.catalog.IsPaid(target) {
		return "", apperrors.Newf(apperrors.KindPromoNotApplicable, "promo code %s targets a free plan", promo.Code)
	}
	return target, nil
}

func (s *PromoService) hint(promo *models.PromoCode) *PriceHint {
	h := &PriceHint{Type: promo.Type, Value: promo.Value}
	if promo.TargetPlan != "" {
		if target, err := s.catalog.ParsePlan(promo.TargetPlan); err == nil {
			h.TargetPlan = target
		}
	}

	if promo.Type == models.PromoBonusCredits {
		h.Note = fmt.Sprintf("%s bonus lunas are added when you complete a payment with this code", promo.Value.String())
		return h
	}

	paid := lo.Filter(s.catalog.Tiers(), func(t plans.Tier, _ int) bool {
		return t.PriceKRW > 0 && (h.TargetPlan == "" || t.Plan == h.TargetPlan)
	})
	h.Prices = lo.SliceToMap(paid, func(t plans.Tier) (plans.Plan, int64) {
		return t.Plan, t.PriceKRW - discountFor(promo, t.PriceKRW)
	})
	h.Note = "Apply this code at checkout"
	return h
}

// discountFor never discounts below zero.
func discountFor(promo *models.PromoCode, basePrice int64) int64 {
	var discount int64
	switch promo.Type {
	case models.PromoPercentDiscount, models.PromoSubscriptionDiscount:
		pct := decimal.Min(decimal.Max(promo.Value, decimal.Zero), hundred)
		discount = decimal.NewFromInt(basePrice).Mul(pct).Div(hundred).Floor().IntPart()
	case models.PromoFixedDiscount:
		discount = promo.Value.Floor().IntPart()
	}
	return lo.Clamp(discount, 0, basePrice)
}
