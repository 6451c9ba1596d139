package models

import (
	"time"

	"gorm.io/gorm"
)

// BaseModel provides common fields for mutable database models.
// Ledger entries do not embed it: they are never updated or soft-deleted.
type BaseModel struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// All lists every table for auto-migration.
func All() []interface{} {
	return []interface{}{
		&Account{},
		&Device{},
		&LedgerEntry{},
		&PaymentRecord{},
		&PromoCode{},
		&PromoRedemption{},
		&Referral{},
		&UsageStat{},
	}
}

// DateLayout is the calendar-date format used by the grant gates.
const DateLayout = "2006-01-02"
