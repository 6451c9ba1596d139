package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PromoType decides what a code does.
type PromoType string

const (
	PromoPercentDiscount      PromoType = "percent_discount"
	PromoFixedDiscount        PromoType = "fixed_discount"
	PromoBonusCredits         PromoType = "bonus_credits"
	PromoInstantCredits       PromoType = "instant_credits"
	PromoFreeMonthTrial       PromoType = "free_month_trial"
	PromoSubscriptionDiscount PromoType = "subscription_discount"
)

// AppliesAtCheckout reports whether the code only takes effect when a payment consumes it.
func (t PromoType) AppliesAtCheckout() bool {
	switch t {
	case PromoPercentDiscount, PromoFixedDiscount, PromoBonusCredits, PromoSubscriptionDiscount:
		return true
	}
	return false
}

// PromoCode is stored upper-cased; lookups normalise the input the same way.
type PromoCode struct {
	BaseModel
	Code        string          `json:"code" gorm:"size:64;not null;uniqueIndex"`
	Type        PromoType       `json:"type" gorm:"size:32;not null"`
	Value       decimal.Decimal `json:"value" gorm:"type:numeric(14,2);not null;default:0"`
	UsesCount   int             `json:"uses_count" gorm:"not null;default:0"`
	MaxUses     int             `json:"max_uses" gorm:"not null;default:0"` // 0 means uncapped
	Active      bool            `json:"active" gorm:"not null"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	TargetPlan  string          `json:"target_plan,omitempty" gorm:"size:20"`
	Description string          `json:"description" gorm:"size:255"`
}

// PromoRedemption records that an account has used a code.
type PromoRedemption struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	PromoCodeID uint      `json:"promo_code_id" gorm:"not null;uniqueIndex:idx_redemption_promo_account"`
	AccountID   uint      `json:"account_id" gorm:"not null;uniqueIndex:idx_redemption_promo_account"`
	OrderRef    string    `json:"order_ref,omitempty" gorm:"size:100"`
	CreatedAt   time.Time `json:"created_at"`
}

// ReferralStatus moves pending -> completed exactly once.
type ReferralStatus string

const (
	ReferralPending   ReferralStatus = "pending"
	ReferralCompleted ReferralStatus = "completed"
)

// Referral links a referred account to its referrer. One row per referred account.
type Referral struct {
	BaseModel
	ReferrerID  uint            `json:"referrer_id" gorm:"not null;index"`
	ReferredID  uint            `json:"referred_id" gorm:"not null;uniqueIndex"`
	Code        string          `json:"code" gorm:"size:16;not null"`
	BonusAmount decimal.Decimal `json:"bonus_amount" gorm:"type:numeric(14,2);not null"`
	Status      ReferralStatus  `json:"status" gorm:"size:20;not null;index"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}
