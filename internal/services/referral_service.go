package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lunawave-api/internal/apperrors"
	"lunawave-api/internal/database"
	"lunawave-api/internal/models"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ReferralResult is returned by register and complete.
type ReferralResult struct {
	Status      models.ReferralStatus `json:"status"`
	ReferrerID  uint                  `json:"referrer_id,omitempty"`
	BonusAmount decimal.Decimal       `json:"bonus_amount"`
	Completed   bool                  `json:"completed"`
	Balances    models.Balances       `json:"balances"`
}

// ReferralSummary is an account's own referral standing.
type ReferralSummary struct {
	Code           string          `json:"code"`
	CompletedCount int64           `json:"completed_count"`
	BonusEarned    decimal.Decimal `json:"bonus_earned"`
	BonusPerSide   decimal.Decimal `json:"bonus_per_side"`
	ReferredBy     *uint           `json:"referred_by,omitempty"`
	ReferralStatus string          `json:"referral_status,omitempty"`
}

// ReferralService runs the two-phase referral flow.
type ReferralService struct {
	db     *gorm.DB
	clock  clockwork.Clock
	policy Policy
}

// NewReferralService creates a new referral service
func NewReferralService(db *gorm.DB, clock clockwork.Clock, policy Policy) *ReferralService {
	return &ReferralService{db: db, clock: clock, policy: policy}
}

// Register links the caller to the owner of code as a pending referral.
func (s *ReferralService) Register(ctx context.Context, referredID uint, code string) (*ReferralResult, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, apperrors.New(apperrors.KindInvalidReferralCode, "referral code is required")
	}

	var result *ReferralResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		referred, err := database.LockAccount(tx, referredID)
		if err != nil {
			return err
		}
		referrer, err := database.FindAccountByReferralCode(tx, code)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.Newf(apperrors.KindInvalidReferralCode, "referral code %s does not exist", code)
		}
		if err != nil {
			return apperrors.Transient("find referrer", err)
		}
		if referrer.ID == referred.ID {
			return apperrors.New(apperrors.KindSelfReferral, "you cannot use your own referral code")
		}

		if _, err := database.FindReferralByReferred(tx, referred.ID); err == nil {
			return apperrors.New(apperrors.KindAlreadyReferred, "this account has already registered a referral")
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.Transient("find referral", err)
		}

		// A referrer who was referred by this account would close a loop.
		if back, err := database.FindReferralByReferred(tx, referrer.ID); err == nil && back.ReferrerID == referred.ID {
			return apperrors.New(apperrors.KindSelfReferral, "accounts cannot refer each other")
		}

		referral := &models.Referral{
			ReferrerID:  referrer.ID,
			ReferredID:  referred.ID,
			Code:        code,
			BonusAmount: s.policy.ReferralBonus,
			Status:      models.ReferralPending,
		}
		if err := database.CreateReferral(tx, referral); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return apperrors.New(apperrors.KindAlreadyReferred, "this account has already registered a referral")
			}
			return apperrors.Transient("create referral", err)
		}

		result = &ReferralResult{
			Status:      referral.Status,
			ReferrerID:  referrer.ID,
			BonusAmount: referral.BonusAmount,
			Balances:    referred.Balances(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Complete pays both sides of the caller's pending referral once the caller
// has a paid subscription on record. Having no pending referral, or no paid
// subscription yet, is not an error; the result reports Completed=false.
func (s *ReferralService) Complete(ctx context.Context, referredID uint) (*ReferralResult, error) {
	var result *ReferralResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		referred, err := database.LockAccount(tx, referredID)
		if err != nil {
			return err
		}
		if _, err := database.LatestPaidSubscription(tx, referredID); err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.Transient("find paid subscription", err)
			}
			result = &ReferralResult{Balances: referred.Balances()}
			if pending, err := database.FindReferralByReferred(tx, referredID); err == nil {
				result.Status = pending.Status
				result.ReferrerID = pending.ReferrerID
				result.BonusAmount = pending.BonusAmount
			}
			return nil
		}

		referral, err := completeReferralLocked(tx, referred, s.clock.Now().UTC())
		if err != nil {
			return err
		}
		result = &ReferralResult{Balances: referred.Balances()}
		if referral != nil {
			result.Status = referral.Status
			result.ReferrerID = referral.ReferrerID
			result.BonusAmount = referral.BonusAmount
			result.Completed = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// completeReferralLocked credits both sides and flips the referral to
// completed. The referred account must already be locked by the caller; the
// referrer is locked here. It returns nil when nothing was pending.
func completeReferralLocked(tx *gorm.DB, referred *models.Account, now time.Time) (*models.Referral, error) {
	referral, err := database.LockPendingReferral(tx, referred.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Transient("lock referral", err)
	}

	flipped, err := database.MarkReferralCompleted(tx, referral, map[string]interface{}{"completed_at": now})
	if err != nil {
		return nil, apperrors.Transient("complete referral", err)
	}
	if !flipped {
		return nil, nil
	}
	referral.Status = models.ReferralCompleted
	referral.CompletedAt = &now

	referrer, err := database.LockAccount(tx, referral.ReferrerID)
	if err != nil {
		return nil, err
	}

	bonus := referral.BonusAmount
	if _, err := creditLocked(tx, referred, models.BucketPromotional, bonus, models.ActionReferralBonus,
		fmt.Sprintf("Referral bonus (code %s)", referral.Code), now); err != nil {
		return nil, err
	}
	if _, err := creditLocked(tx, referrer, models.BucketPromotional, bonus, models.ActionReferralBonus,
		fmt.Sprintf("Referral bonus for inviting account %d", referred.ID), now); err != nil {
		return nil, err
	}
	return referral, nil
}

// Summary reports the caller's code and what it has earned.
func (s *ReferralService) Summary(ctx context.Context, accountID uint) (*ReferralSummary, error) {
	db := s.db.WithContext(ctx)
	account, err := database.GetAccount(db, accountID)
	if err != nil {
		return nil, err
	}
	count, earned, err := database.ReferralStats(db, accountID)
	if err != nil {
		return nil, apperrors.Transient("referral stats", err)
	}

	summary := &ReferralSummary{
		Code:           account.ReferralCode,
		CompletedCount: count,
		BonusEarned:    earned,
		BonusPerSide:   s.policy.ReferralBonus,
	}
	if referral, err := database.FindReferralByReferred(db, accountID); err == nil {
		summary.ReferredBy = &referral.ReferrerID
		summary.ReferralStatus = string(referral.Status)
	}
	return summary, nil
}
