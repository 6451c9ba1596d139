package services

import (
	"time"

	"lunawave-api/internal/config"
	"lunawave-api/internal/models"

	"github.com/shopspring/decimal"
)

// Policy holds the tunable ledger rules shared by the services.
type Policy struct {
	RolloverCap       decimal.Decimal
	RefundWindowDays  int
	RenewalWindowDays int
	GracePeriodDays   int
	SignupBonus       decimal.Decimal
	ReferralBonus     decimal.Decimal
	DeviceLimit       int
	PaymentTimeout    time.Duration
}

// PolicyFromConfig copies the policy keys out of the process configuration.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		RolloverCap:       decimal.NewFromInt(cfg.RolloverCap),
		RefundWindowDays:  cfg.RefundWindowDays,
		RenewalWindowDays: cfg.RenewalWindowDays,
		GracePeriodDays:   cfg.GracePeriodDays,
		SignupBonus:       decimal.NewFromInt(cfg.SignupBonus),
		ReferralBonus:     decimal.NewFromInt(cfg.ReferralBonus),
		DeviceLimit:       cfg.DeviceLimit,
		PaymentTimeout:    cfg.PaymentTimeout,
	}
}

// DefaultPolicy matches the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		RolloverCap:       decimal.NewFromInt(3000),
		RefundWindowDays:  14,
		RenewalWindowDays: 3,
		GracePeriodDays:   3,
		SignupBonus:       decimal.NewFromInt(300),
		ReferralBonus:     decimal.NewFromInt(200),
		DeviceLimit:       2,
		PaymentTimeout:    15 * time.Second,
	}
}

func dateOf(t time.Time) string {
	return t.UTC().Format(models.DateLayout)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// billingDay is anchorDay clamped to the length of t's month.
func billingDay(anchorDay int, t time.Time) int {
	if n := daysIn(t.Year(), t.Month()); anchorDay > n {
		return n
	}
	return anchorDay
}

// nextTermEnd moves base forward one calendar month onto anchorDay, clamped
// to the month's end, keeping base's time of day. Jan 31 renews on Feb 28
// and then on Mar 31.
func nextTermEnd(base time.Time, anchorDay int) time.Time {
	base = base.UTC()
	first := time.Date(base.Year(), base.Month(), 1, base.Hour(), base.Minute(), base.Second(), base.Nanosecond(), time.UTC)
	next := first.AddDate(0, 1, 0)
	return next.AddDate(0, 0, billingDay(anchorDay, next)-1)
}
