package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// UsageStat aggregates feature use per account and calendar month.
type UsageStat struct {
	BaseModel
	AccountID     uint              `json:"-" gorm:"not null;uniqueIndex:idx_usage_account_month"`
	YearMonth     string            `json:"year_month" gorm:"size:7;not null;uniqueIndex:idx_usage_account_month"`
	UseCount      int64             `json:"use_count" gorm:"not null;default:0"`
	LunasSpent    decimal.Decimal   `json:"lunas_spent" gorm:"type:numeric(14,2);not null;default:0"`
	FeatureCounts datatypes.JSONMap `json:"feature_counts"`
}
