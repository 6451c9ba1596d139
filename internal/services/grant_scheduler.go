package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lunawave-api/internal/apperrors"
	"lunawave-api/internal/database"
	"lunawave-api/internal/metrics"
	"lunawave-api/internal/models"
	"lunawave-api/internal/plans"
	"lunawave-api/pkg/logging"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Sweep names.
const (
	SweepDaily   = "daily"
	SweepMonthly = "monthly"
	SweepExpiry  = "expiry"
	SweepAll     = "all"
)

type sweepOutcome int

const (
	outcomeSucceeded sweepOutcome = iota
	outcomeSkipped
)

// SweepError is one account's failure inside a sweep.
type SweepError struct {
	AccountID uint   `json:"account_id"`
	Error     string `json:"error"`
}

// SweepSummary aggregates a sweep's per-account results.
type SweepSummary struct {
	Name       string       `json:"name"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Processed  int          `json:"processed"`
	Succeeded  int          `json:"succeeded"`
	Skipped    int          `json:"skipped"`
	Failed     int          `json:"failed"`
	Errors     []SweepError `json:"errors,omitempty"`
}

// GrantService replenishes balances on calendar boundaries and drives
// renewal, grace and expiry for paid accounts.
type GrantService struct {
	db       *gorm.DB
	catalog  *plans.Catalog
	provider PaymentProvider
	notifier Notifier
	clock    clockwork.Clock
	policy   Policy
}

// NewGrantService creates a new grant service
func NewGrantService(db *gorm.DB, catalog *plans.Catalog, provider PaymentProvider, notifier Notifier, clock clockwork.Clock, policy Policy) *GrantService {
	return &GrantService{
		db:       db,
		catalog:  catalog,
		provider: provider,
		notifier: notifier,
		clock:    clock,
		policy:   policy,
	}
}

// EnsureDailyGrant applies today's daily reset if it has not happened yet.
// It is safe to call on every request; the date gate is checked and set
// under the account lock.
func (s *GrantService) EnsureDailyGrant(ctx context.Context, accountID uint) (bool, error) {
	granted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := database.LockAccount(tx, accountID)
		if err != nil {
			return err
		}
		granted, err = dailyGrantLocked(tx, s.catalog, account, s.clock.Now().UTC())
		return err
	})
	return granted, err
}

// dailyGrantLocked resets the daily bucket to the tier amount once per UTC
// date. Unlimited accounts only advance the gate.
func dailyGrantLocked(tx *gorm.DB, catalog *plans.Catalog, account *models.Account, now time.Time) (bool, error) {
	today := dateOf(now)
	if account.LastDailyGrantOn == today {
		return false, nil
	}

	if err := database.UpdateAccount(tx, account, map[string]interface{}{"last_daily_grant_on": today}); err != nil {
		return false, err
	}
	account.LastDailyGrantOn = today

	if catalog.IsUnlimited(account.Plan) {
		return true, nil
	}

	amount := decimal.NewFromInt(catalog.DailyGrantAmount(account.Plan))
	desc := fmt.Sprintf("Daily grant %s (%s)", today, catalog.Tier(account.Plan).DisplayName)
	if _, err := setBucketLocked(tx, account, models.BucketDaily, amount, models.ActionDaily, desc, now); err != nil {
		return false, err
	}
	return true, nil
}

// rolloverLocked caps the carried monthly_bonus and purchased credit at limit.
// The excess is taken from monthly_bonus first, then purchased, and logged
// as one negative rollover_expire entry. Promotional credit never expires.
func rolloverLocked(tx *gorm.DB, account *models.Account, limit decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	monthly := account.Bucket(models.BucketMonthlyBonus)
	purchased := account.Bucket(models.BucketPurchased)
	pool := monthly.Add(purchased)
	if pool.LessThanOrEqual(limit) {
		return decimal.Zero, nil
	}

	excess := pool.Sub(limit)
	fromMonthly := decimal.Min(monthly, excess)
	fromPurchased := excess.Sub(fromMonthly)
	account.SetBucket(models.BucketMonthlyBonus, monthly.Sub(fromMonthly))
	account.SetBucket(models.BucketPurchased, purchased.Sub(fromPurchased))
	if err := database.SaveBuckets(tx, account); err != nil {
		return decimal.Zero, err
	}

	desc := fmt.Sprintf("Rollover cap %s: %s lunas expired", limit.String(), excess.String())
	if _, err := appendEntry(tx, account, models.ActionRolloverExpire, "", excess.Neg(), desc, now); err != nil {
		return decimal.Zero, err
	}
	return excess, nil
}

// monthlyGrantLocked applies rollover, then credits the tier's monthly bonus
// and closes the cycle's gate.
func monthlyGrantLocked(tx *gorm.DB, catalog *plans.Catalog, policy Policy, account *models.Account, now time.Time) error {
	if !catalog.IsUnlimited(account.Plan) {
		if _, err := rolloverLocked(tx, account, policy.RolloverCap, now); err != nil {
			return err
		}
		bonus := decimal.NewFromInt(catalog.MonthlyBonusAmount(account.Plan))
		desc := fmt.Sprintf("Monthly bonus (%s)", catalog.Tier(account.Plan).DisplayName)
		if _, err := creditLocked(tx, account, models.BucketMonthlyBonus, bonus, models.ActionMonthlyBonus, desc, now); err != nil {
			return err
		}
	}
	today := dateOf(now)
	account.LastMonthlyGrantOn = today
	return database.UpdateAccount(tx, account, map[string]interface{}{"last_monthly_grant_on": today})
}

// RunDailySweep resets every account whose daily gate is behind today.
func (s *GrantService) RunDailySweep(ctx context.Context) *SweepSummary {
	ids, err := database.AccountsDueDailyGrant(s.db.WithContext(ctx), dateOf(s.clock.Now()))
	return s.runSweep(ctx, SweepDaily, ids, err, func(ctx context.Context, id uint) (sweepOutcome, error) {
		granted, err := s.EnsureDailyGrant(ctx, id)
		if err != nil || !granted {
			return outcomeSkipped, err
		}
		return outcomeSucceeded, nil
	})
}

// RunMonthlySweep handles accounts whose billing day is today: renewal
// charge for auto-renewing accounts near expiry, plain rollover and bonus
// for accounts whose term continues.
func (s *GrantService) RunMonthlySweep(ctx context.Context) *SweepSummary {
	ids, err := database.ActivePaidAccounts(s.db.WithContext(ctx), s.clock.Now().UTC())
	return s.runSweep(ctx, SweepMonthly, ids, err, s.monthlyForAccount)
}

// RunExpirySweep handles paid accounts past expiry: downgrade without a
// billing key, one renewal retry per day inside the grace period, and a
// downgrade that clears the billing key once the grace period is over.
func (s *GrantService) RunExpirySweep(ctx context.Context) *SweepSummary {
	ids, err := database.ExpiredPaidAccounts(s.db.WithContext(ctx), s.clock.Now().UTC())
	return s.runSweep(ctx, SweepExpiry, ids, err, s.expiryForAccount)
}

// RunAll runs expiry, daily and monthly sweeps in that order.
func (s *GrantService) RunAll(ctx context.Context) []*SweepSummary {
	return []*SweepSummary{
		s.RunExpirySweep(ctx),
		s.RunDailySweep(ctx),
		s.RunMonthlySweep(ctx),
	}
}

// Run dispatches a sweep by name.
func (s *GrantService) Run(ctx context.Context, name string) ([]*SweepSummary, error) {
	switch name {
	case SweepDaily:
		return []*SweepSummary{s.RunDailySweep(ctx)}, nil
	case SweepMonthly:
		return []*SweepSummary{s.RunMonthlySweep(ctx)}, nil
	case SweepExpiry:
		return []*SweepSummary{s.RunExpirySweep(ctx)}, nil
	case SweepAll:
		return s.RunAll(ctx), nil
	}
	return nil, apperrors.Newf(apperrors.KindInvalidInput, "unknown sweep %q", name)
}

func (s *GrantService) monthlyForAccount(ctx context.Context, id uint) (sweepOutcome, error) {
	var renew bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := database.LockAccount(tx, id)
		if err != nil {
			return err
		}
		now := s.clock.Now().UTC()
		if !s.catalog.IsPaid(account.Plan) || account.PlanStartedAt == nil || account.PlanExpiresAt == nil {
			return errSkip
		}
		if now.Day() != billingDay(account.PlanStartedAt.Day(), now) || account.LastMonthlyGrantOn == dateOf(now) {
			return errSkip
		}

		nearExpiry := account.PlanExpiresAt.Sub(now) <= s.renewalWindow()
		if account.HasBillingKey() && account.AutoRenew && nearExpiry {
			renew = true
			return nil
		}
		if nearExpiry {
			// Term ends without renewal; no new cycle to fund.
			return errSkip
		}
		return monthlyGrantLocked(tx, s.catalog, s.policy, account, now)
	})
	if errors.Is(err, errSkip) {
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeSkipped, err
	}
	if renew {
		return s.renewAccount(ctx, id, false)
	}
	return outcomeSucceeded, nil
}

func (s *GrantService) expiryForAccount(ctx context.Context, id uint) (sweepOutcome, error) {
	var (
		retry bool
		exp   *expiry
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := database.LockAccount(tx, id)
		if err != nil {
			return err
		}
		retry, exp, err = s.lapseLocked(tx, account, s.clock.Now().UTC())
		if err != nil {
			return err
		}
		if !retry && exp == nil {
			return errSkip
		}
		return nil
	})
	if errors.Is(err, errSkip) {
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeSkipped, err
	}
	if retry {
		return s.renewAccount(ctx, id, true)
	}
	s.finishExpiry(ctx, id, exp)
	return outcomeSucceeded, nil
}

// EnsurePlanCurrent makes the downgrade the expiry sweep would make, so a
// lapsed term stops granting paid access between sweeps. Renewal retries
// inside the grace period stay with the sweep.
func (s *GrantService) EnsurePlanCurrent(ctx context.Context, accountID uint) (bool, error) {
	var exp *expiry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := database.LockAccount(tx, accountID)
		if err != nil {
			return err
		}
		_, exp, err = s.lapseLocked(tx, account, s.clock.Now().UTC())
		return err
	})
	if err != nil || exp == nil {
		return false, err
	}
	s.finishExpiry(ctx, accountID, exp)
	return true, nil
}

type expiry struct {
	event      Event
	billingKey string
}

// lapseLocked downgrades a paid account whose term is over and can no
// longer renew: no billing key, auto-renew off, or the grace period used
// up. retry reports an account still inside its grace period.
func (s *GrantService) lapseLocked(tx *gorm.DB, account *models.Account, now time.Time) (bool, *expiry, error) {
	if !s.catalog.IsPaid(account.Plan) || (account.PlanExpiresAt != nil && account.PlanExpiresAt.After(now)) {
		return false, nil, nil
	}

	renewable := account.HasBillingKey() && account.AutoRenew && account.PlanExpiresAt != nil
	if renewable && now.Before(account.PlanExpiresAt.Add(s.gracePeriod())) {
		return true, nil, nil
	}

	previous := account.Plan
	billingKey := account.BillingKey
	reason := "Plan expired"
	if renewable {
		reason = fmt.Sprintf("Plan expired after %d day grace period", s.policy.GracePeriodDays)
	}
	if err := downgradeLocked(tx, account, reason, now); err != nil {
		return false, nil, err
	}
	ev := newEvent(EventPlanExpired, account, now)
	ev.PreviousPlan = previous
	ev.Reason = reason
	return false, &expiry{event: ev, billingKey: billingKey}, nil
}

// finishExpiry runs the provider and notification side of a committed
// downgrade.
func (s *GrantService) finishExpiry(ctx context.Context, id uint, exp *expiry) {
	metrics.SubscriptionEventsTotal.WithLabelValues("expired", string(exp.event.PreviousPlan)).Inc()
	if exp.billingKey != "" {
		s.deleteBillingKey(ctx, id, exp.billingKey)
	}
	s.notifier.Notify(ctx, exp.event)
}

// downgradeLocked moves an account to the free tier and drops auto-renewal.
// Buckets are left alone; the next daily reset applies the free amount.
func downgradeLocked(tx *gorm.DB, account *models.Account, reason string, now time.Time) error {
	updates := map[string]interface{}{
		"plan":              plans.Free,
		"auto_renew":        false,
		"billing_key":       "",
		"renewal_failed_at": nil,
	}
	if err := database.UpdateAccount(tx, account, updates); err != nil {
		return err
	}
	account.Plan = plans.Free
	account.AutoRenew = false
	account.BillingKey = ""
	account.RenewalFailedAt = nil

	_, err := appendEntry(tx, account, models.ActionPlanExpire, "", decimal.Zero, reason, now)
	return err
}

// renewAccount charges the stored billing key once per account per UTC day.
// The pending payment record is committed before the charge so a crash or a
// repeated sweep can never charge the same day twice, and a charge left
// pending on an earlier day is settled before any new one. A late renewal
// starts a new term from now.
func (s *GrantService) renewAccount(ctx context.Context, id uint, late bool) (sweepOutcome, error) {
	proceed, outcome, err := s.settleOpenRenewal(ctx, id)
	if err != nil || !proceed {
		return outcome, err
	}

	var (
		payment *models.PaymentRecord
		req     ChargeRequest
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := database.LockAccount(tx, id)
		if err != nil {
			return err
		}
		if !account.HasBillingKey() || !s.catalog.IsPaid(account.Plan) {
			return errSkip
		}

		now := s.clock.Now().UTC()
		orderRef := fmt.Sprintf("renew-%d-%s", account.ID, now.Format("20060102"))
		if _, err := database.FindPaymentByOrderRef(tx, orderRef); err == nil {
			return errSkip
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.Transient("find renewal payment", err)
		}

		tier := s.catalog.Tier(account.Plan)
		payment = &models.PaymentRecord{
			AccountID: account.ID,
			OrderRef:  orderRef,
			Kind:      models.PaymentKindSubscription,
			Plan:      account.Plan,
			Amount:    tier.PriceKRW,
			Status:    models.PaymentPending,
			Renewal:   true,
		}
		if err := database.CreatePayment(tx, payment); err != nil {
			return err
		}
		req = ChargeRequest{
			BillingKey: account.BillingKey,
			OrderRef:   orderRef,
			Amount:     tier.PriceKRW,
			Name:       fmt.Sprintf("LunaWave %s (monthly)", tier.DisplayName),
		}
		return nil
	})
	if errors.Is(err, errSkip) {
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeSkipped, err
	}

	chargeCtx, cancel := context.WithTimeout(ctx, s.policy.PaymentTimeout)
	result, err := s.provider.ChargeByBillingKey(chargeCtx, req)
	cancel()
	if err != nil {
		// Outcome unknown: the record stays pending and a later provider
		// webhook for this order settles it.
		logging.Log.Error().Err(err).
			Uint("account_id", id).
			Str("order_ref", req.OrderRef).
			Msg("renewal charge did not complete")
		return outcomeSkipped, err
	}

	var event Event
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := database.LockAccount(tx, id)
		if err != nil {
			return err
		}
		now := s.clock.Now().UTC()
		if result.Success {
			paidAt := now
			if result.PaidAt != nil {
				paidAt = result.PaidAt.UTC()
			}
			if err := applyRenewalLocked(tx, s.catalog, s.policy, account, payment, result.ExternalPaymentID, payment.Amount, paidAt, now); err != nil {
				return err
			}
			event = newEvent(EventPlanRenewed, account, now)
			event.OrderRef = payment.OrderRef
			event.Amount = payment.Amount
			return nil
		}

		if err := failRenewalLocked(tx, account, payment, result.ExternalPaymentID, result.FailReason, now); err != nil {
			return err
		}
		event = newEvent(EventRenewalFailed, account, now)
		event.OrderRef = payment.OrderRef
		event.Reason = result.FailReason
		return nil
	})
	if err != nil {
		return outcomeSkipped, err
	}

	logEvent := logging.Log.Info()
	if !result.Success {
		logEvent = logging.Log.Warn()
	}
	logEvent.Uint("account_id", id).
		Str("order_ref", payment.OrderRef).
		Str("payment_id", result.ExternalPaymentID).
		Bool("success", result.Success).
		Bool("late", late).
		Msg("renewal charge finished")

	s.notifier.Notify(ctx, event)
	if !result.Success {
		metrics.SubscriptionEventsTotal.WithLabelValues("renewal_failed", string(payment.Plan)).Inc()
		return outcomeSkipped, fmt.Errorf("renewal declined: %s", result.FailReason)
	}
	metrics.SubscriptionEventsTotal.WithLabelValues("renewed", string(payment.Plan)).Inc()
	return outcomeSucceeded, nil
}

// settleOpenRenewal resolves an earlier renewal charge whose outcome never
// came back, by looking its order reference up at the provider. A new charge
// is allowed only once the earlier one is known not to have gone through;
// proceed reports that.
func (s *GrantService) settleOpenRenewal(ctx context.Context, id uint) (bool, sweepOutcome, error) {
	open, err := database.OpenRenewal(s.db.WithContext(ctx), id)
	if err != nil {
		return false, outcomeSkipped, err
	}
	if open == nil {
		return true, outcomeSkipped, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.policy.PaymentTimeout)
	info, err := s.provider.FindPaymentByOrderRef(lookupCtx, open.OrderRef)
	cancel()
	switch {
	case IsPaymentNotFound(err):
		info = nil
	case err != nil:
		logging.Log.Error().Err(err).
			Uint("account_id", id).
			Str("order_ref", open.OrderRef).
			Msg("open renewal lookup failed, not charging again")
		return false, outcomeSkipped, err
	case info.Status == models.PaymentPending:
		logging.Log.Info().
			Uint("account_id", id).
			Str("order_ref", open.OrderRef).
			Msg("renewal charge still in flight at provider")
		return false, outcomeSkipped, nil
	}

	var (
		proceed  bool
		event    *Event
		mismatch error
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := database.LockAccount(tx, id)
		if err != nil {
			return err
		}
		payment, err := database.LockPayment(tx, "", open.OrderRef)
		if err != nil {
			return err
		}
		if payment == nil || payment.Status != models.PaymentPending {
			// A webhook settled it in the meantime.
			proceed = payment != nil && (payment.Status == models.PaymentFailed || payment.Status == models.PaymentCancelled)
			return nil
		}

		now := s.clock.Now().UTC()
		updates := map[string]interface{}{}
		if info != nil && info.ExternalPaymentID != "" && payment.ExternalID() == "" {
			updates["external_payment_id"] = info.ExternalPaymentID
		}
		switch {
		case info == nil:
			proceed = true
			updates["status"] = models.PaymentFailed
			updates["failure_reason"] = "charge not found at provider"
			return database.UpdatePayment(tx, payment, updates)
		case info.Status != models.PaymentPaid:
			proceed = true
			updates["status"] = info.Status
			updates["failure_reason"] = truncate(info.FailReason, 255)
			return database.UpdatePayment(tx, payment, updates)
		case info.Amount != payment.Amount:
			mismatch = fmt.Errorf("renewal %s paid %d, expected %d", payment.OrderRef, info.Amount, payment.Amount)
			updates["status"] = models.PaymentFailed
			updates["failure_reason"] = truncate(mismatch.Error(), 255)
			updates["paid_amount"] = info.Amount
			return database.UpdatePayment(tx, payment, updates)
		}

		paidAt := now
		if info.PaidAt != nil {
			paidAt = info.PaidAt.UTC()
		}
		if err := applyRenewalLocked(tx, s.catalog, s.policy, account, payment, info.ExternalPaymentID, info.Amount, paidAt, now); err != nil {
			return err
		}
		ev := newEvent(EventPlanRenewed, account, now)
		ev.OrderRef, ev.Amount = payment.OrderRef, info.Amount
		event = &ev
		return nil
	})
	if err != nil {
		return false, outcomeSkipped, err
	}

	switch {
	case mismatch != nil:
		logging.Log.Error().Err(mismatch).Uint("account_id", id).Msg("open renewal needs reconciliation")
		return false, outcomeSkipped, mismatch
	case event != nil:
		logging.Log.Info().Uint("account_id", id).Str("order_ref", open.OrderRef).Msg("open renewal settled as paid")
		s.notifier.Notify(ctx, *event)
		metrics.SubscriptionEventsTotal.WithLabelValues("renewed", string(open.Plan)).Inc()
		return false, outcomeSucceeded, nil
	}
	if proceed {
		logging.Log.Info().Uint("account_id", id).Str("order_ref", open.OrderRef).Msg("open renewal closed unpaid")
	}
	return proceed, outcomeSkipped, nil
}

// applyRenewalLocked settles a paid renewal: extends the term, clears the
// failure marker and grants the cycle's rollover and bonus. An on-time
// renewal extends from the old expiry; a late one starts over from now.
func applyRenewalLocked(tx *gorm.DB, catalog *plans.Catalog, policy Policy, account *models.Account, payment *models.PaymentRecord, externalID string, paidAmount int64, paidAt, now time.Time) error {
	paymentUpdates := map[string]interface{}{
		"status":      models.PaymentPaid,
		"paid_amount": paidAmount,
		"paid_at":     paidAt,
	}
	if externalID != "" && payment.ExternalID() == "" {
		paymentUpdates["external_payment_id"] = externalID
	}
	if err := database.UpdatePayment(tx, payment, paymentUpdates); err != nil {
		return err
	}
	payment.Status = models.PaymentPaid

	// Paid after the grace period already downgraded the account: the
	// customer was charged, so the tier comes back for a fresh term.
	restored := !catalog.IsPaid(account.Plan)

	updates := map[string]interface{}{"renewal_failed_at": nil}
	var expires time.Time
	if !restored && account.PlanExpiresAt != nil && account.PlanStartedAt != nil && account.PlanExpiresAt.After(now) {
		expires = nextTermEnd(*account.PlanExpiresAt, account.PlanStartedAt.Day())
	} else {
		expires = nextTermEnd(now, now.Day())
		account.PlanStartedAt = &now
		updates["plan_started_at"] = now
	}
	updates["plan_expires_at"] = expires
	if restored {
		updates["plan"] = payment.Plan
		updates["auto_renew"] = account.HasBillingKey()
	}
	if err := database.UpdateAccount(tx, account, updates); err != nil {
		return err
	}
	account.PlanExpiresAt = &expires
	account.RenewalFailedAt = nil

	verb := "Renewed"
	if restored {
		verb = "Restored"
		account.Plan = payment.Plan
		account.AutoRenew = account.HasBillingKey()
		logging.Log.Warn().
			Uint("account_id", account.ID).
			Str("order_ref", payment.OrderRef).
			Str("plan", string(payment.Plan)).
			Msg("renewal paid after downgrade, plan restored")
		if _, err := topUpDailyLocked(tx, catalog, account, now); err != nil {
			return err
		}
	}

	desc := fmt.Sprintf("%s %s until %s", verb, catalog.Tier(account.Plan).DisplayName, dateOf(expires))
	if _, err := appendEntry(tx, account, models.ActionAutoRenewal, "", decimal.Zero, desc, now); err != nil {
		return err
	}
	return monthlyGrantLocked(tx, catalog, policy, account, now)
}

// topUpDailyLocked raises today's daily bucket to the account's tier amount.
// It never lowers a balance.
func topUpDailyLocked(tx *gorm.DB, catalog *plans.Catalog, account *models.Account, now time.Time) (bool, error) {
	if catalog.IsUnlimited(account.Plan) {
		return false, nil
	}
	amount := decimal.NewFromInt(catalog.DailyGrantAmount(account.Plan))
	if account.Bucket(models.BucketDaily).GreaterThanOrEqual(amount) {
		return false, nil
	}
	today := dateOf(now)
	desc := fmt.Sprintf("Daily grant %s (%s)", today, catalog.Tier(account.Plan).DisplayName)
	if _, err := setBucketLocked(tx, account, models.BucketDaily, amount, models.ActionDaily, desc, now); err != nil {
		return false, err
	}
	if err := database.UpdateAccount(tx, account, map[string]interface{}{"last_daily_grant_on": today}); err != nil {
		return false, err
	}
	account.LastDailyGrantOn = today
	return true, nil
}

// failRenewalLocked records a declined renewal. The cycle's bonus is
// withheld; the gate is closed so the monthly sweep does not retry today.
func failRenewalLocked(tx *gorm.DB, account *models.Account, payment *models.PaymentRecord, externalID, reason string, now time.Time) error {
	paymentUpdates := map[string]interface{}{
		"status":         models.PaymentFailed,
		"failure_reason": truncate(reason, 255),
	}
	if externalID != "" && payment.ExternalID() == "" {
		paymentUpdates["external_payment_id"] = externalID
	}
	if err := database.UpdatePayment(tx, payment, paymentUpdates); err != nil {
		return err
	}
	payment.Status = models.PaymentFailed

	today := dateOf(now)
	if err := database.UpdateAccount(tx, account, map[string]interface{}{
		"renewal_failed_at":     now,
		"last_monthly_grant_on": today,
	}); err != nil {
		return err
	}
	account.RenewalFailedAt = &now
	account.LastMonthlyGrantOn = today

	desc := "Renewal charge declined"
	if reason != "" {
		desc = truncate(desc+": "+reason, 255)
	}
	_, err := appendEntry(tx, account, models.ActionRenewalFailed, "", decimal.Zero, desc, now)
	return err
}

func (s *GrantService) deleteBillingKey(ctx context.Context, accountID uint, billingKey string) {
	deleteCtx, cancel := context.WithTimeout(ctx, s.policy.PaymentTimeout)
	defer cancel()
	if err := s.provider.DeleteBillingKey(deleteCtx, billingKey); err != nil {
		logging.Log.Warn().Err(err).Uint("account_id", accountID).Msg("failed to delete billing key at provider")
	}
}

func (s *GrantService) renewalWindow() time.Duration {
	return time.Duration(s.policy.RenewalWindowDays) * 24 * time.Hour
}

func (s *GrantService) gracePeriod() time.Duration {
	return time.Duration(s.policy.GracePeriodDays) * 24 * time.Hour
}

// errSkip aborts a per-account transaction without counting a failure.
var errSkip = errors.New("skip")

// runSweep processes each account in its own error boundary. A failing or
// panicking account is logged and counted; the rest still run.
func (s *GrantService) runSweep(ctx context.Context, name string, ids []uint, listErr error, fn func(context.Context, uint) (sweepOutcome, error)) *SweepSummary {
	summary := &SweepSummary{Name: name, StartedAt: s.clock.Now().UTC()}
	timer := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues(name).Observe(time.Since(timer).Seconds())
	}()

	if listErr != nil {
		logging.Log.Error().Err(listErr).Str("sweep", name).Msg("failed to list accounts for sweep")
		summary.Failed++
		summary.Errors = append(summary.Errors, SweepError{Error: listErr.Error()})
		summary.FinishedAt = s.clock.Now().UTC()
		return summary
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		summary.Processed++
		outcome, err := runIsolated(ctx, id, fn)
		switch {
		case err != nil:
			summary.Failed++
			summary.Errors = append(summary.Errors, SweepError{AccountID: id, Error: err.Error()})
			metrics.SweepItemsTotal.WithLabelValues(name, "failed").Inc()
			logging.Log.Error().Err(err).Str("sweep", name).Uint("account_id", id).Msg("sweep item failed")
		case outcome == outcomeSkipped:
			summary.Skipped++
			metrics.SweepItemsTotal.WithLabelValues(name, "skipped").Inc()
		default:
			summary.Succeeded++
			metrics.SweepItemsTotal.WithLabelValues(name, "succeeded").Inc()
		}
	}

	summary.FinishedAt = s.clock.Now().UTC()
	logging.Log.Info().
		Str("sweep", name).
		Int("processed", summary.Processed).
		Int("succeeded", summary.Succeeded).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Msg("sweep finished")
	return summary
}

func runIsolated(ctx context.Context, id uint, fn func(context.Context, uint) (sweepOutcome, error)) (outcome sweepOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, id)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
