package database

import (
	"lunawave-api/internal/models"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateReferral inserts a pending referral. A second referral for the same
// referred account fails with gorm.ErrDuplicatedKey.
func CreateReferral(tx *gorm.DB, referral *models.Referral) error {
	return tx.Create(referral).Error
}

// FindReferralByReferred returns gorm.ErrRecordNotFound when the account was not referred.
func FindReferralByReferred(db *gorm.DB, referredID uint) (*models.Referral, error) {
	var referral models.Referral
	if err := db.Where("referred_id = ?", referredID).First(&referral).Error; err != nil {
		return nil, err
	}
	return &referral, nil
}

// LockPendingReferral returns the referred account's pending referral with a
// row lock, or gorm.ErrRecordNotFound.
func LockPendingReferral(tx *gorm.DB, referredID uint) (*models.Referral, error) {
	var referral models.Referral
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("referred_id = ? AND status = ?", referredID, models.ReferralPending).
		First(&referral).Error
	if err != nil {
		return nil, err
	}
	return &referral, nil
}

// MarkReferralCompleted flips a pending referral; it reports false if another
// caller completed it first.
func MarkReferralCompleted(tx *gorm.DB, referral *models.Referral, updates map[string]interface{}) (bool, error) {
	updates["status"] = models.ReferralCompleted
	result := tx.Model(&models.Referral{}).
		Where("id = ? AND status = ?", referral.ID, models.ReferralPending).
		Updates(updates)
	return result.RowsAffected == 1, result.Error
}

// ReferralStats counts an account's completed referrals and the bonus they earned it.
func ReferralStats(db *gorm.DB, referrerID uint) (int64, decimal.Decimal, error) {
	var referrals []models.Referral
	err := db.Where("referrer_id = ? AND status = ?", referrerID, models.ReferralCompleted).Find(&referrals).Error
	if err != nil {
		return 0, decimal.Zero, err
	}
	earned := lo.Reduce(referrals, func(sum decimal.Decimal, r models.Referral, _ int) decimal.Decimal {
		return sum.Add(r.BonusAmount)
	}, decimal.Zero)
	return int64(len(referrals)), earned, nil
}
