package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bucket names one of the four sub-balances.
type Bucket string

const (
	BucketDaily        Bucket = "daily"
	BucketMonthlyBonus Bucket = "monthly_bonus"
	BucketPromotional  Bucket = "promotional"
	BucketPurchased    Bucket = "purchased"
)

// DrainOrder is the fixed order in which debits consume buckets.
var DrainOrder = []Bucket{BucketDaily, BucketMonthlyBonus, BucketPromotional, BucketPurchased}

// ValidBucket reports whether b is one of the four buckets.
func ValidBucket(b Bucket) bool {
	_, ok := BucketColumns[b]
	return ok
}

// ActionKind classifies a ledger entry.
type ActionKind string

const (
	ActionDaily          ActionKind = "daily"
	ActionMonthlyBonus   ActionKind = "monthly_bonus"
	ActionPurchase       ActionKind = "purchase"
	ActionSubscription   ActionKind = "subscription"
	ActionPromo          ActionKind = "promo"
	ActionReferralBonus  ActionKind = "referral_bonus"
	ActionUse            ActionKind = "use"
	ActionRolloverExpire ActionKind = "rollover_expire"
	ActionPlanExpire     ActionKind = "plan_expire"
	ActionRefund         ActionKind = "refund"
	ActionRenewalFailed  ActionKind = "renewal_failed"
	ActionAutoRenewal    ActionKind = "auto_renewal"
	ActionCancel         ActionKind = "cancel"
	ActionWelcomeBonus   ActionKind = "welcome_bonus"
)

// LedgerEntry is an append-only audit row. It is never updated or deleted.
type LedgerEntry struct {
	ID           uint            `json:"id" gorm:"primaryKey"`
	AccountID    uint            `json:"account_id" gorm:"not null;index:idx_ledger_account_created"`
	Action       ActionKind      `json:"action" gorm:"size:32;not null;index"`
	Amount       decimal.Decimal `json:"amount" gorm:"type:numeric(14,2);not null"`
	BalanceAfter decimal.Decimal `json:"balance_after" gorm:"type:numeric(14,2);not null"`
	Bucket       Bucket          `json:"bucket,omitempty" gorm:"size:20"`
	Feature      string          `json:"feature,omitempty" gorm:"size:64"`
	Description  string          `json:"description" gorm:"size:255"`
	CreatedAt    time.Time       `json:"created_at" gorm:"not null;index:idx_ledger_account_created"`
}

// Balances is the four-bucket breakdown returned with every response.
type Balances struct {
	Daily        decimal.Decimal `json:"daily"`
	MonthlyBonus decimal.Decimal `json:"monthly_bonus"`
	Promotional  decimal.Decimal `json:"promotional"`
	Purchased    decimal.Decimal `json:"purchased"`
	Total        decimal.Decimal `json:"total"`
}
