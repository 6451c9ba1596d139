package database

import (
	"errors"

	"lunawave-api/internal/apperrors"
	"lunawave-api/internal/models"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LockPromoCode loads a code (already normalized to upper case) with a row
// lock. It returns gorm.ErrRecordNotFound for unknown codes.
func LockPromoCode(tx *gorm.DB, code string) (*models.PromoCode, error) {
	var promo models.PromoCode
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("code = ?", code).First(&promo).Error; err != nil {
		return nil, err
	}
	return &promo, nil
}

// HasRedeemed reports whether the account already used the code.
func HasRedeemed(db *gorm.DB, promoID, accountID uint) (bool, error) {
	var count int64
	err := db.Model(&models.PromoRedemption{}).
		Where("promo_code_id = ? AND account_id = ?", promoID, accountID).
		Count(&count).Error
	return count > 0, err
}

// ConsumePromoCode increments the usage counter only while it is below the
// cap and records the redemption. It reports false when the cap was reached
// or the account already redeemed the code; nothing is written in that case.
func ConsumePromoCode(tx *gorm.DB, promo *models.PromoCode, accountID uint, orderRef string) (bool, error) {
	// The code row is locked by the caller, so this check cannot race.
	used, err := HasRedeemed(tx, promo.ID, accountID)
	if err != nil {
		return false, apperrors.Transient("check promo redemption", err)
	}
	if used {
		return false, nil
	}

	q := tx.Model(&models.PromoCode{}).Where("id = ?", promo.ID)
	if promo.MaxUses > 0 {
		q = q.Where("uses_count < max_uses")
	}
	result := q.Update("uses_count", gorm.Expr("uses_count + 1"))
	if result.Error != nil {
		return false, apperrors.Transient("increment promo usage", result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	redemption := &models.PromoRedemption{PromoCodeID: promo.ID, AccountID: accountID, OrderRef: orderRef}
	if err := tx.Create(redemption).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, apperrors.Transient("record promo redemption", err)
	}
	promo.UsesCount++
	return true, nil
}

// LaunchPromoCodes are the codes seeded by `migrate --seed`.
func LaunchPromoCodes() []models.PromoCode {
	return []models.PromoCode{
		{
			Code:        "WELCOMEMOON",
			Type:        models.PromoInstantCredits,
			Value:       decimal.NewFromInt(100),
			Active:      true,
			Description: "100 bonus lunas for new listeners",
		},
		{
			Code:        "TRYCRESCENT",
			Type:        models.PromoFreeMonthTrial,
			TargetPlan:  "crescent",
			MaxUses:     1000,
			Active:      true,
			Description: "One free month of Crescent",
		},
		{
			Code:        "FIRSTMONTH20",
			Type:        models.PromoSubscriptionDiscount,
			Value:       decimal.NewFromInt(20),
			Active:      true,
			Description: "20% off the first subscription payment",
		},
	}
}
