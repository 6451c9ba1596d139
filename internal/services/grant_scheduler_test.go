package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"lunawave-api/internal/apperrors"
	"lunawave-api/internal/models"
	"lunawave-api/internal/plans"

	"github.com/stretchr/testify/require"
)

func TestEnsureDailyGrant_OncePerDay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.newAccount(t, "user-daily")
	env.setBuckets(t, account.ID, "3", "0", "0", "0")

	granted, err := env.grants.EnsureDailyGrant(ctx, account.ID)
	require.NoError(t, err)
	require.False(t, granted)
	requireDecimal(t, "3", env.account(t, account.ID).DailyLunas)

	env.clock.Advance(24 * time.Hour)
	granted, err = env.grants.EnsureDailyGrant(ctx, account.ID)
	require.NoError(t, err)
	require.True(t, granted)

	granted, err = env.grants.EnsureDailyGrant(ctx, account.ID)
	require.NoError(t, err)
	require.False(t, granted)

	reloaded := env.account(t, account.ID)
	requireDecimal(t, "20", reloaded.DailyLunas)
	require.Equal(t, "2025-03-11", reloaded.LastDailyGrantOn)

	daily := env.entries(t, account.ID, models.ActionDaily)
	require.Len(t, daily, 2)
	requireDecimal(t, "17", daily[1].Amount)
}

func TestEnsureDailyGrant_UnlimitedOnlyAdvancesGate(t *testing.T) {
	env := newTestEnv(t)
	account := env.newAccount(t, "user-fullmoon")
	env.setPlan(t, account.ID, plans.FullMoon, testStart, testStart.AddDate(0, 1, 0), "")
	env.setBuckets(t, account.ID, "0", "0", "0", "0")
	before := len(env.entries(t, account.ID, models.ActionDaily))

	env.clock.Advance(24 * time.Hour)
	granted, err := env.grants.EnsureDailyGrant(context.Background(), account.ID)
	require.NoError(t, err)
	require.True(t, granted)

	reloaded := env.account(t, account.ID)
	requireDecimal(t, "0", reloaded.DailyLunas)
	require.Equal(t, "2025-03-11", reloaded.LastDailyGrantOn)
	require.Len(t, env.entries(t, account.ID, models.ActionDaily), before)
}

func TestRunDailySweep(t *testing.T) {
	env := newTestEnv(t)
	first := env.newAccount(t, "user-sweep-1")
	second := env.newAccount(t, "user-sweep-2")
	env.setBuckets(t, first.ID, "0", "0", "0", "0")
	env.setBuckets(t, second.ID, "0", "0", "0", "0")

	summary := env.grants.RunDailySweep(context.Background())
	require.Equal(t, 0, summary.Processed)

	env.clock.Advance(24 * time.Hour)
	summary = env.grants.RunDailySweep(context.Background())
	require.Equal(t, 2, summary.Processed)
	require.Equal(t, 2, summary.Succeeded)
	require.Zero(t, summary.Failed)
	requireDecimal(t, "20", env.account(t, first.ID).DailyLunas)
	requireDecimal(t, "20", env.account(t, second.ID).DailyLunas)
}

func TestMonthlySweep_RolloverThenBonus(t *testing.T) {
	env := newTestEnv(t)
	account := env.newAccount(t, "user-rollover")
	// A term that continues well past this billing day.
	env.setPlan(t, account.ID, plans.Crescent, testStart.AddDate(0, -2, 0), testStart.AddDate(0, 1, 0), "billing-key")
	env.setBuckets(t, account.ID, "50", "2500", "100", "1000")

	summary := env.grants.RunMonthlySweep(context.Background())
	require.Equal(t, 1, summary.Succeeded)
	require.Zero(t, env.provider.chargeCount())

	reloaded := env.account(t, account.ID)
	requireDecimal(t, "3500", reloaded.MonthlyLunas)
	requireDecimal(t, "1000", reloaded.PurchasedLunas)
	requireDecimal(t, "100", reloaded.PromoLunas)
	require.Equal(t, "2025-03-10", reloaded.LastMonthlyGrantOn)

	expired := env.entries(t, account.ID, models.ActionRolloverExpire)
	require.Len(t, expired, 1)
	requireDecimal(t, "-500", expired[0].Amount)

	summary = env.grants.RunMonthlySweep(context.Background())
	require.Equal(t, 1, summary.Skipped)
	require.Len(t, env.entries(t, account.ID, models.ActionMonthlyBonus), 1)
}

func TestMonthlySweep_RenewsOnBillingDay(t *testing.T) {
	env := newTestEnv(t)
	account := env.newAccount(t, "user-renew")
	started := time.Date(2025, time.February, 10, 11, 0, 0, 0, time.UTC)
	expires := time.Date(2025, time.March, 10, 11, 0, 0, 0, time.UTC)
	env.setPlan(t, account.ID, plans.Crescent, started, expires, "billing-key")
	env.setBuckets(t, account.ID, "50", "0", "0", "5000")

	summary := env.grants.RunMonthlySweep(context.Background())
	require.Equal(t, 1, summary.Succeeded, summary.Errors)
	require.Equal(t, 1, env.provider.chargeCount())

	reloaded := env.account(t, account.ID)
	require.Equal(t, plans.Crescent, reloaded.Plan)
	require.True(t, reloaded.PlanExpiresAt.Equal(time.Date(2025, time.April, 10, 11, 0, 0, 0, time.UTC)))
	requireDecimal(t, "3000", reloaded.PurchasedLunas)
	requireDecimal(t, "1500", reloaded.MonthlyLunas)
	require.Nil(t, reloaded.RenewalFailedAt)

	expired := env.entries(t, account.ID, models.ActionRolloverExpire)
	require.Len(t, expired, 1)
	requireDecimal(t, "-2000", expired[0].Amount)
	require.Len(t, env.entries(t, account.ID, models.ActionAutoRenewal), 1)

	payments := env.payments(t, account.ID)
	require.Len(t, payments, 1)
	require.True(t, payments[0].Renewal)
	require.Equal(t, models.PaymentPaid, payments[0].Status)
	require.Equal(t, int64(13900), payments[0].PaidAmount)
	require.Contains(t, env.notifier.types(), EventPlanRenewed)

	summary = env.grants.RunMonthlySweep(context.Background())
	require.Equal(t, 1, summary.Skipped)
	require.Equal(t, 1, env.provider.chargeCount())
}

func TestMonthlySweep_DeclinedRenewalWithholdsBonus(t *testing.T) {
	env := newTestEnv(t)
	account := env.newAccount(t, "user-declined")
	started := time.Date(2025, time.February, 10, 11, 0, 0, 0, time.UTC)
	expires := time.Date(2025, time.March, 10, 11, 0, 0, 0, time.UTC)
	env.setPlan(t, account.ID, plans.HalfMoon, started, expires, "billing-key")
	env.setBuckets(t, account.ID, "200", "800", "0", "0")
	env.provider.chargeFn = func(ChargeRequest) (*ChargeResult, error) {
		return &ChargeResult{Success: false, ExternalPaymentID: "imp_declined", FailReason: "card declined"}, nil
	}

	summary := env.grants.RunMonthlySweep(context.Background())
	require.Equal(t, 1, summary.Failed)
	require.Contains(t, summary.Errors[0].Error, "renewal declined")

	reloaded := env.account(t, account.ID)
	requireDecimal(t, "800", reloaded.MonthlyLunas)
	require.NotNil(t, reloaded.RenewalFailedAt)
	require.Equal(t, plans.HalfMoon, reloaded.Plan)
	require.Empty(t, env.entries(t, account.ID, models.ActionMonthlyBonus))
	require.Len(t, env.entries(t, account.ID, models.ActionRenewalFailed), 1)

	payments := env.payments(t, account.ID)
	require.Len(t, payments, 1)
	require.Equal(t, models.PaymentFailed, payments[0].Status)
	require.Equal(t, "card declined", payments[0].FailureReason)
	require.Contains(t, env.notifier.types(), EventRenewalFailed)
}

func TestMonthlySweep_TransientChargeErrorLeavesPaymentPending(t *testing.T) {
	env := newTestEnv(t)
	account := env.newAccount(t, "user-timeout")
	started := time.Date(2025, time.February, 10, 11, 0, 0, 0, time.UTC)
	expires := time.Date(2025, time.March, 10, 11, 0, 0, 0, time.UTC)
	env.setPlan(t, account.ID, plans.Crescent, started, expires, "billing-key")
	env.provider.chargeFn = func(ChargeRequest) (*ChargeResult, error) {
		return nil, apperrors.Transient("portone.charge", errors.New("timeout"))
	}

	summary := env.grants.RunMonthlySweep(context.Background())
	require.Equal(t, 1, summary.Failed)

	payments := env.payments(t, account.ID)
	require.Len(t, payments, 1)
	require.Equal(t, models.PaymentPending, payments[0].Status)
	require.Nil(t, env.account(t, account.ID).RenewalFailedAt)
}

func TestExpirySweep_GraceRetriesThenDowngrades(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.newAccount(t, "user-grace")
	expires := testStart.Add(-time.Hour)
	env.setPlan(t, account.ID, plans.Crescent, expires.AddDate(0, -1, 0), expires, "billing-key")
	env.provider.chargeFn = func(ChargeRequest) (*ChargeResult, error) {
		return &ChargeResult{Success: false, FailReason: "insufficient funds"}, nil
	}

	summary := env.grants.RunExpirySweep(ctx)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 1, env.provider.chargeCount())

	// One attempt per day.
	summary = env.grants.RunExpirySweep(ctx)
	require.Equal(t, 1, summary.Skipped)
	require.Equal(t, 1, env.provider.chargeCount())

	env.clock.Advance(24 * time.Hour)
	env.grants.RunExpirySweep(ctx)
	env.clock.Advance(24 * time.Hour)
	env.grants.RunExpirySweep(ctx)
	require.Equal(t, 3, env.provider.chargeCount())
	require.Equal(t, plans.Crescent, env.account(t, account.ID).Plan)

	env.clock.Advance(24 * time.Hour)
	summary = env.grants.RunExpirySweep(ctx)
	require.Equal(t, 1, summary.Succeeded)
	require.Equal(t, 3, env.provider.chargeCount())

	reloaded := env.account(t, account.ID)
	require.Equal(t, plans.Free, reloaded.Plan)
	require.False(t, reloaded.AutoRenew)
	require.Empty(t, reloaded.BillingKey)
	require.Equal(t, []string{"billing-key"}, env.provider.deleted)
	require.Len(t, env.entries(t, account.ID, models.ActionPlanExpire), 1)
	require.Contains(t, env.notifier.types(), EventPlanExpired)
}

// startTimedOutRenewal leaves a Crescent account with a pending renewal
// charge from the billing-day sweep whose outcome never came back.
func startTimedOutRenewal(t *testing.T, env *testEnv, userID string) (*models.Account, string) {
	t.Helper()
	account := env.newAccount(t, userID)
	started := time.Date(2025, time.February, 10, 11, 0, 0, 0, time.UTC)
	expires := time.Date(2025, time.March, 10, 11, 0, 0, 0, time.UTC)
	env.setPlan(t, account.ID, plans.Crescent, started, expires, "billing-key")
	env.provider.chargeFn = func(ChargeRequest) (*ChargeResult, error) {
		return nil, apperrors.Transient("portone.charge", errors.New("timeout"))
	}

	env.grants.RunMonthlySweep(context.Background())
	require.Equal(t, 1, env.provider.chargeCount())
	return account, fmt.Sprintf("renew-%d-20250310", account.ID)
}

func TestExpirySweep_UnresolvedRenewalIsNotChargedAgain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account, orderRef := startTimedOutRenewal(t, env, "user-in-flight")

	// Provider unreachable: nothing is known, so nothing is charged.
	env.provider.verifyErr = apperrors.Transient("portone.find_payment", errors.New("timeout"))
	env.clock.Advance(24 * time.Hour)
	summary := env.grants.RunExpirySweep(ctx)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 1, env.provider.chargeCount())

	// Still processing at the provider.
	env.provider.verifyErr = nil
	env.provider.addPayment(PaymentInfo{ExternalPaymentID: "imp_in_flight", OrderRef: orderRef, Status: models.PaymentPending, Amount: 13900})
	env.clock.Advance(24 * time.Hour)
	summary = env.grants.RunExpirySweep(ctx)
	require.Equal(t, 1, summary.Skipped)
	require.Equal(t, 1, env.provider.chargeCount())

	paidAt := env.clock.Now().UTC()
	env.provider.addPayment(PaymentInfo{ExternalPaymentID: "imp_in_flight", OrderRef: orderRef, Status: models.PaymentPaid, Amount: 13900, PaidAt: &paidAt})
	env.clock.Advance(24 * time.Hour)
	summary = env.grants.RunExpirySweep(ctx)
	require.Equal(t, 1, summary.Succeeded, summary.Errors)
	require.Equal(t, 1, env.provider.chargeCount())
	require.Equal(t, []string{orderRef, orderRef, orderRef}, env.provider.lookups)

	reloaded := env.account(t, account.ID)
	require.Equal(t, plans.Crescent, reloaded.Plan)
	require.True(t, reloaded.PlanExpiresAt.Equal(time.Date(2025, time.April, 13, 9, 0, 0, 0, time.UTC)))
	requireDecimal(t, "1500", reloaded.MonthlyLunas)

	payments := env.payments(t, account.ID)
	require.Len(t, payments, 1)
	require.Equal(t, models.PaymentPaid, payments[0].Status)
	require.Equal(t, "imp_in_flight", payments[0].ExternalID())
	require.Contains(t, env.notifier.types(), EventPlanRenewed)
}

func TestExpirySweep_RenewalMissingAtProviderIsChargedAgain(t *testing.T) {
	env := newTestEnv(t)
	account, orderRef := startTimedOutRenewal(t, env, "user-lost-charge")
	env.provider.chargeFn = nil

	env.clock.Advance(24 * time.Hour)
	summary := env.grants.RunExpirySweep(context.Background())
	require.Equal(t, 1, summary.Succeeded, summary.Errors)
	require.Equal(t, 2, env.provider.chargeCount())

	payments := env.payments(t, account.ID)
	require.Len(t, payments, 2)
	require.Equal(t, orderRef, payments[0].OrderRef)
	require.Equal(t, models.PaymentFailed, payments[0].Status)
	require.Equal(t, "charge not found at provider", payments[0].FailureReason)
	require.Equal(t, fmt.Sprintf("renew-%d-20250311", account.ID), payments[1].OrderRef)
	require.Equal(t, models.PaymentPaid, payments[1].Status)
	require.Equal(t, plans.Crescent, env.account(t, account.ID).Plan)
}

func TestExpirySweep_LateRenewalStartsNewTerm(t *testing.T) {
	env := newTestEnv(t)
	account := env.newAccount(t, "user-late")
	expires := testStart.Add(-24 * time.Hour)
	env.setPlan(t, account.ID, plans.Crescent, expires.AddDate(0, -1, 0), expires, "billing-key")
	env.setBuckets(t, account.ID, "50", "0", "0", "0")

	summary := env.grants.RunExpirySweep(context.Background())
	require.Equal(t, 1, summary.Succeeded, summary.Errors)

	reloaded := env.account(t, account.ID)
	require.Equal(t, plans.Crescent, reloaded.Plan)
	require.True(t, reloaded.PlanStartedAt.Equal(testStart))
	require.True(t, reloaded.PlanExpiresAt.Equal(time.Date(2025, time.April, 10, 9, 0, 0, 0, time.UTC)))
	requireDecimal(t, "1500", reloaded.MonthlyLunas)
}

func TestExpirySweep_NoBillingKeyDowngradesImmediately(t *testing.T) {
	env := newTestEnv(t)
	account := env.newAccount(t, "user-trial-ended")
	expires := testStart.Add(-time.Minute)
	env.setPlan(t, account.ID, plans.HalfMoon, expires.AddDate(0, -1, 0), expires, "")

	summary := env.grants.RunExpirySweep(context.Background())
	require.Equal(t, 1, summary.Succeeded)
	require.Zero(t, env.provider.chargeCount())
	require.Equal(t, plans.Free, env.account(t, account.ID).Plan)

	require.Len(t, env.notifier.events, 1)
	require.Equal(t, EventPlanExpired, env.notifier.events[0].Type)
	require.Equal(t, plans.HalfMoon, env.notifier.events[0].PreviousPlan)
}

func TestRun_UnknownSweep(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.grants.Run(context.Background(), "weekly")
	require.Equal(t, apperrors.KindInvalidInput, apperrors.KindOf(err))

	summaries, err := env.grants.Run(context.Background(), SweepAll)
	require.NoError(t, err)
	require.Len(t, summaries, 3)
	require.Equal(t, SweepExpiry, summaries[0].Name)
}

func TestNextTermEnd(t *testing.T) {
	cases := map[string]struct {
		base   time.Time
		anchor int
		want   time.Time
	}{
		"mid month": {
			base:   time.Date(2025, time.March, 10, 9, 30, 0, 0, time.UTC),
			anchor: 10,
			want:   time.Date(2025, time.April, 10, 9, 30, 0, 0, time.UTC),
		},
		"jan 31 clamps to feb 28": {
			base:   time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC),
			anchor: 31,
			want:   time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC),
		},
		"feb 28 returns to anchor": {
			base:   time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC),
			anchor: 31,
			want:   time.Date(2025, time.March, 31, 0, 0, 0, 0, time.UTC),
		},
		"leap year": {
			base:   time.Date(2024, time.January, 30, 12, 0, 0, 0, time.UTC),
			anchor: 30,
			want:   time.Date(2024, time.February, 29, 12, 0, 0, 0, time.UTC),
		},
		"year end": {
			base:   time.Date(2025, time.December, 15, 0, 0, 0, 0, time.UTC),
			anchor: 15,
			want:   time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC),
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.want, nextTermEnd(tc.base, tc.anchor))
		})
	}
}
