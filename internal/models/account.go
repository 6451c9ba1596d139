package models

import (
	"time"

	"lunawave-api/internal/plans"

	"github.com/shopspring/decimal"
)

// Account is one per identity. Balances live directly on the row so that a
// single row lock covers every bucket.
type Account struct {
	BaseModel

	UserID string `json:"user_id" gorm:"size:64;not null;uniqueIndex"` // identity provider subject
	Email  string `json:"email" gorm:"size:255"`

	Plan          plans.Plan `json:"plan" gorm:"size:20;not null;default:free;index"`
	PlanStartedAt *time.Time `json:"plan_started_at"`
	PlanExpiresAt *time.Time `json:"plan_expires_at" gorm:"index"`
	AutoRenew     bool       `json:"auto_renew"`
	BillingKey    string     `json:"-" gorm:"size:255"`

	DailyLunas     decimal.Decimal `json:"-" gorm:"type:numeric(14,2);not null;default:0"`
	MonthlyLunas   decimal.Decimal `json:"-" gorm:"type:numeric(14,2);not null;default:0"`
	PromoLunas     decimal.Decimal `json:"-" gorm:"type:numeric(14,2);not null;default:0"`
	PurchasedLunas decimal.Decimal `json:"-" gorm:"type:numeric(14,2);not null;default:0"`

	// Calendar-date gates (UTC, YYYY-MM-DD); checked and set under the row lock.
	LastDailyGrantOn   string `json:"last_daily_grant_on" gorm:"size:10;index"`
	LastMonthlyGrantOn string `json:"last_monthly_grant_on" gorm:"size:10"`

	RenewalFailedAt *time.Time `json:"renewal_failed_at,omitempty"`

	ReferralCode        string `json:"referral_code" gorm:"size:16;not null;uniqueIndex"`
	DeviceLimit         int    `json:"device_limit" gorm:"not null;default:2"`
	WelcomeBonusGranted bool   `json:"-"`
}

// HasBillingKey reports whether recurring charges are possible.
func (a *Account) HasBillingKey() bool {
	return a.BillingKey != ""
}

// Balances returns the four-bucket breakdown.
func (a *Account) Balances() Balances {
	b := Balances{
		Daily:        a.DailyLunas,
		MonthlyBonus: a.MonthlyLunas,
		Promotional:  a.PromoLunas,
		Purchased:    a.PurchasedLunas,
	}
	b.Total = b.Daily.Add(b.MonthlyBonus).Add(b.Promotional).Add(b.Purchased)
	return b
}

// Bucket returns the current value of one bucket.
func (a *Account) Bucket(bucket Bucket) decimal.Decimal {
	switch bucket {
	case BucketDaily:
		return a.DailyLunas
	case BucketMonthlyBonus:
		return a.MonthlyLunas
	case BucketPromotional:
		return a.PromoLunas
	case BucketPurchased:
		return a.PurchasedLunas
	}
	return decimal.Zero
}

// SetBucket overwrites one bucket in memory.
func (a *Account) SetBucket(bucket Bucket, value decimal.Decimal) {
	switch bucket {
	case BucketDaily:
		a.DailyLunas = value
	case BucketMonthlyBonus:
		a.MonthlyLunas = value
	case BucketPromotional:
		a.PromoLunas = value
	case BucketPurchased:
		a.PurchasedLunas = value
	}
}

// BucketColumns maps buckets to their column names.
var BucketColumns = map[Bucket]string{
	BucketDaily:        "daily_lunas",
	BucketMonthlyBonus: "monthly_lunas",
	BucketPromotional:  "promo_lunas",
	BucketPurchased:    "purchased_lunas",
}

// Device is a client installation registered against an account.
type Device struct {
	BaseModel
	AccountID    uint      `json:"-" gorm:"not null;uniqueIndex:idx_device_account"`
	DeviceID     string    `json:"device_id" gorm:"size:128;not null;uniqueIndex:idx_device_account"`
	DeviceName   string    `json:"device_name" gorm:"size:128"`
	LastActiveAt time.Time `json:"last_active_at"`
}
