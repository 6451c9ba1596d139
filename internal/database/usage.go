package database

import (
	"errors"

	"lunawave-api/internal/apperrors"
	"lunawave-api/internal/models"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RecordUsage adds one feature use to the account's monthly aggregate. It is
// called under the account lock, so the read-modify-write cannot interleave.
func RecordUsage(tx *gorm.DB, accountID uint, yearMonth, feature string, spent decimal.Decimal) error {
	var stat models.UsageStat
	err := tx.Where("account_id = ? AND year_month = ?", accountID, yearMonth).First(&stat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		stat = models.UsageStat{
			AccountID:     accountID,
			YearMonth:     yearMonth,
			UseCount:      1,
			LunasSpent:    spent,
			FeatureCounts: datatypes.JSONMap{feature: 1},
		}
		if err := tx.Create(&stat).Error; err != nil {
			return apperrors.Transient("create usage stat", err)
		}
		return nil
	}
	if err != nil {
		return apperrors.Transient("load usage stat", err)
	}

	counts := stat.FeatureCounts
	if counts == nil {
		counts = datatypes.JSONMap{}
	}
	counts[feature] = featureCount(counts[feature]) + 1

	updates := map[string]interface{}{
		"use_count":      gorm.Expr("use_count + 1"),
		"lunas_spent":    stat.LunasSpent.Add(spent),
		"feature_counts": counts,
	}
	if err := tx.Model(&models.UsageStat{}).Where("id = ?", stat.ID).Updates(updates).Error; err != nil {
		return apperrors.Transient("update usage stat", err)
	}
	return nil
}

// GetUsage returns the aggregate for one month, or a zero value when the
// account has no usage that month.
func GetUsage(db *gorm.DB, accountID uint, yearMonth string) (*models.UsageStat, error) {
	var stat models.UsageStat
	err := db.Where("account_id = ? AND year_month = ?", accountID, yearMonth).First(&stat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.UsageStat{AccountID: accountID, YearMonth: yearMonth, FeatureCounts: datatypes.JSONMap{}}, nil
	}
	if err != nil {
		return nil, err
	}
	return &stat, nil
}

// JSON numbers decode as float64.
func featureCount(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}
