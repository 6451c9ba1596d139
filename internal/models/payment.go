package models

import (
	"time"

	"lunawave-api/internal/plans"

	"gorm.io/datatypes"
)

// PaymentKind is what a payment buys.
type PaymentKind string

const (
	PaymentKindSubscription PaymentKind = "subscription"
	PaymentKindPurchase     PaymentKind = "purchase"
)

// PaymentStatus follows pending -> paid | cancelled | failed, and paid -> refunded.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentPaid      PaymentStatus = "paid"
	PaymentCancelled PaymentStatus = "cancelled"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// PaymentRecord is one payment attempt. Its status only moves on a
// provider-verified confirmation.
type PaymentRecord struct {
	BaseModel

	AccountID         uint           `json:"account_id" gorm:"not null;index"`
	ExternalPaymentID *string        `json:"external_payment_id,omitempty" gorm:"size:100;uniqueIndex"`
	OrderRef          string         `json:"order_ref" gorm:"size:100;not null;uniqueIndex"`
	Kind              PaymentKind    `json:"kind" gorm:"size:20;not null;index"`
	Plan              plans.Plan     `json:"plan,omitempty" gorm:"size:20"`
	CreditPack        string         `json:"credit_pack,omitempty" gorm:"size:20"`
	Amount            int64          `json:"amount" gorm:"not null"` // expected KRW after discounts
	PaidAmount        int64          `json:"paid_amount"`
	Status            PaymentStatus  `json:"status" gorm:"size:20;not null;index"`
	PromoCode         string         `json:"promo_code,omitempty" gorm:"size:64"`
	Renewal           bool           `json:"renewal"`
	PaidAt            *time.Time     `json:"paid_at,omitempty" gorm:"index"`
	RefundedAt        *time.Time     `json:"refunded_at,omitempty"`
	FailureReason     string         `json:"failure_reason,omitempty" gorm:"size:255"`
	Metadata          datatypes.JSON `json:"metadata,omitempty"`
}

// ExternalID returns the provider payment id or "".
func (p *PaymentRecord) ExternalID() string {
	if p.ExternalPaymentID == nil {
		return ""
	}
	return *p.ExternalPaymentID
}
