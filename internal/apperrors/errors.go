package apperrors

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind is the category of a failure as seen by callers.
type Kind string

const (
	KindUnauthorized              Kind = "unauthorized"
	KindInvalidInput              Kind = "invalid_input"
	KindNotFound                  Kind = "not_found"
	KindInsufficientCredit        Kind = "insufficient_credit"
	KindPlanUpgradeRequired       Kind = "plan_upgrade_required"
	KindUnknownFeature            Kind = "unknown_feature"
	KindUnknownPlan               Kind = "unknown_plan"
	KindUnknownCreditPack         Kind = "unknown_credit_pack"
	KindPaymentVerificationFailed Kind = "payment_verification_failed"
	KindInvalidPromoCode          Kind = "invalid_promo_code"
	KindPromoExpired              Kind = "promo_expired"
	KindPromoLimitReached         Kind = "promo_limit_reached"
	KindPromoAlreadyUsed          Kind = "promo_already_used"
	KindPromoNotApplicable        Kind = "promo_not_applicable"
	KindInvalidReferralCode       Kind = "invalid_referral_code"
	KindSelfReferral              Kind = "self_referral"
	KindAlreadyReferred           Kind = "already_referred"
	KindNoActiveSubscription      Kind = "no_active_subscription"
	KindNoRefundablePayment       Kind = "no_refundable_payment"
	KindRefundWindowExpired       Kind = "refund_window_expired"
	KindUsageDetected             Kind = "usage_detected"
	KindTransient                 Kind = "transient"
	KindInternal                  Kind = "internal"
)

// Base errors for errors.Is checks against a kind.
var (
	ErrUnauthorized              = &Error{Kind: KindUnauthorized}
	ErrInvalidInput              = &Error{Kind: KindInvalidInput}
	ErrNotFound                  = &Error{Kind: KindNotFound}
	ErrInsufficientCredit        = &Error{Kind: KindInsufficientCredit}
	ErrPlanUpgradeRequired       = &Error{Kind: KindPlanUpgradeRequired}
	ErrUnknownFeature            = &Error{Kind: KindUnknownFeature}
	ErrUnknownPlan               = &Error{Kind: KindUnknownPlan}
	ErrUnknownCreditPack         = &Error{Kind: KindUnknownCreditPack}
	ErrPaymentVerificationFailed = &Error{Kind: KindPaymentVerificationFailed}
	ErrInvalidPromoCode          = &Error{Kind: KindInvalidPromoCode}
	ErrPromoExpired              = &Error{Kind: KindPromoExpired}
	ErrPromoLimitReached         = &Error{Kind: KindPromoLimitReached}
	ErrPromoAlreadyUsed          = &Error{Kind: KindPromoAlreadyUsed}
	ErrPromoNotApplicable        = &Error{Kind: KindPromoNotApplicable}
	ErrInvalidReferralCode       = &Error{Kind: KindInvalidReferralCode}
	ErrSelfReferral              = &Error{Kind: KindSelfReferral}
	ErrAlreadyReferred           = &Error{Kind: KindAlreadyReferred}
	ErrNoActiveSubscription      = &Error{Kind: KindNoActiveSubscription}
	ErrNoRefundablePayment       = &Error{Kind: KindNoRefundablePayment}
	ErrRefundWindowExpired       = &Error{Kind: KindRefundWindowExpired}
	ErrUsageDetected             = &Error{Kind: KindUsageDetected}
	ErrTransient                 = &Error{Kind: KindTransient}
)

// Error is a business or infrastructure failure with enough structured
// context for a caller to render an actionable message.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package-level base errors
// work with errors.Is regardless of message or details.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// WithDetail returns a copy of e with key set in Details.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Transient reports a store or provider failure the caller may retry.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Message: op + " failed", Err: err}
}

// InsufficientCredit carries the required amount, what was available and the shortfall.
func InsufficientCredit(required, available decimal.Decimal) *Error {
	return &Error{
		Kind:    KindInsufficientCredit,
		Message: "not enough lunas",
		Details: map[string]interface{}{
			"required":  required,
			"available": available,
			"shortfall": required.Sub(available),
		},
	}
}

// PlanUpgradeRequired names the lowest plan that unlocks the feature.
func PlanUpgradeRequired(feature, requiredPlan string) *Error {
	return &Error{
		Kind:    KindPlanUpgradeRequired,
		Message: fmt.Sprintf("feature %s requires the %s plan or higher", feature, requiredPlan),
		Details: map[string]interface{}{
			"feature":       feature,
			"required_plan": requiredPlan,
		},
	}
}

// PaymentMismatch is returned when the provider disagrees with the expected charge.
func PaymentMismatch(expected, actual int64, status string) *Error {
	return &Error{
		Kind:    KindPaymentVerificationFailed,
		Message: "payment could not be verified with the provider",
		Details: map[string]interface{}{
			"expected_amount": expected,
			"actual_amount":   actual,
			"provider_status": status,
		},
	}
}

// RefundWindowExpired reports how long ago the payment was made.
func RefundWindowExpired(paidAt time.Time, windowDays int, now time.Time) *Error {
	return &Error{
		Kind:    KindRefundWindowExpired,
		Message: fmt.Sprintf("refunds are only possible within %d days of payment", windowDays),
		Details: map[string]interface{}{
			"paid_at":      paidAt,
			"window_days":  windowDays,
			"days_elapsed": int(now.Sub(paidAt).Hours() / 24),
		},
	}
}

// UsageDetected reports how many uses happened since the payment.
func UsageDetected(useCount int64) *Error {
	return &Error{
		Kind:    KindUsageDetected,
		Message: "lunas were used after the payment",
		Details: map[string]interface{}{"use_count": useCount},
	}
}

// KindOf returns the kind of err, KindInternal when it is not an *Error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsTransient reports whether a retry could succeed.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsBusiness reports whether err is a user-facing rule violation rather than
// an infrastructure failure.
func IsBusiness(err error) bool {
	switch KindOf(err) {
	case "", KindTransient, KindInternal:
		return false
	}
	return true
}
