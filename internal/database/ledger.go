package database

import (
	"time"

	"lunawave-api/internal/apperrors"
	"lunawave-api/internal/models"

	"gorm.io/gorm"
)

// AppendLedgerEntry inserts an audit row. Entries are never updated.
func AppendLedgerEntry(tx *gorm.DB, entry *models.LedgerEntry) error {
	if err := tx.Create(entry).Error; err != nil {
		return apperrors.Transient("append ledger entry", err)
	}
	return nil
}

// ListLedgerEntries pages through an account's history, newest first.
func ListLedgerEntries(db *gorm.DB, accountID uint, limit, offset int) ([]models.LedgerEntry, int64, error) {
	var total int64
	if err := db.Model(&models.LedgerEntry{}).Where("account_id = ?", accountID).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var entries []models.LedgerEntry
	err := db.Where("account_id = ?", accountID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&entries).Error
	return entries, total, err
}

// CountEntriesSince counts an account's entries of one kind created at or after since.
func CountEntriesSince(db *gorm.DB, accountID uint, action models.ActionKind, since time.Time) (int64, error) {
	var count int64
	err := db.Model(&models.LedgerEntry{}).
		Where("account_id = ? AND action = ? AND created_at >= ?", accountID, action, since).
		Count(&count).Error
	return count, err
}
