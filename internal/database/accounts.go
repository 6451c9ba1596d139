package database

import (
	"errors"
	"fmt"
	"time"

	"lunawave-api/internal/apperrors"
	"lunawave-api/internal/models"
	"lunawave-api/internal/plans"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LockAccount loads an account with SELECT ... FOR UPDATE. It must be called
// inside a transaction; the lock is held until commit or rollback.
func LockAccount(tx *gorm.DB, accountID uint) (*models.Account, error) {
	var account models.Account
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&account, accountID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.Newf(apperrors.KindNotFound, "account %d not found", accountID)
		}
		return nil, apperrors.Transient("lock account", err)
	}
	return &account, nil
}

// GetAccount loads an account without locking.
func GetAccount(db *gorm.DB, accountID uint) (*models.Account, error) {
	var account models.Account
	if err := db.First(&account, accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.Newf(apperrors.KindNotFound, "account %d not found", accountID)
		}
		return nil, apperrors.Transient("get account", err)
	}
	return &account, nil
}

// FindAccountByUserID returns gorm.ErrRecordNotFound when the identity has no account yet.
func FindAccountByUserID(db *gorm.DB, userID string) (*models.Account, error) {
	var account models.Account
	if err := db.Where("user_id = ?", userID).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// FindAccountByReferralCode returns gorm.ErrRecordNotFound for unknown codes.
func FindAccountByReferralCode(db *gorm.DB, code string) (*models.Account, error) {
	var account models.Account
	if err := db.Where("referral_code = ?", code).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// SaveBuckets writes the four bucket columns of a locked account.
func SaveBuckets(tx *gorm.DB, account *models.Account) error {
	updates := make(map[string]interface{}, len(models.BucketColumns))
	for bucket, column := range models.BucketColumns {
		updates[column] = account.Bucket(bucket)
	}
	return UpdateAccount(tx, account, updates)
}

// UpdateAccount writes the given columns of a locked account.
func UpdateAccount(tx *gorm.DB, account *models.Account, updates map[string]interface{}) error {
	if err := tx.Model(&models.Account{}).Where("id = ?", account.ID).Updates(updates).Error; err != nil {
		return apperrors.Transient("update account", err)
	}
	return nil
}

// AccountsDueDailyGrant lists accounts whose daily gate is behind today.
func AccountsDueDailyGrant(db *gorm.DB, today string) ([]uint, error) {
	var ids []uint
	err := db.Model(&models.Account{}).
		Where("last_daily_grant_on IS NULL OR last_daily_grant_on <> ?", today).
		Order("id").
		Pluck("id", &ids).Error
	return ids, err
}

// ActivePaidAccounts lists paid accounts whose term has not ended.
func ActivePaidAccounts(db *gorm.DB, now time.Time) ([]uint, error) {
	var ids []uint
	err := db.Model(&models.Account{}).
		Where("plan <> ? AND plan_started_at IS NOT NULL AND plan_expires_at > ?", plans.Free, now).
		Order("id").
		Pluck("id", &ids).Error
	return ids, err
}

// ExpiredPaidAccounts lists paid accounts whose term has ended.
func ExpiredPaidAccounts(db *gorm.DB, now time.Time) ([]uint, error) {
	var ids []uint
	err := db.Model(&models.Account{}).
		Where("plan <> ? AND (plan_expires_at IS NULL OR plan_expires_at <= ?)", plans.Free, now).
		Order("id").
		Pluck("id", &ids).Error
	return ids, err
}

// UpsertDevice registers a device or refreshes its last-active time.
func UpsertDevice(db *gorm.DB, accountID uint, deviceID, name string, now time.Time) (*models.Device, bool, error) {
	var device models.Device
	err := db.Where("account_id = ? AND device_id = ?", accountID, deviceID).First(&device).Error
	if err == nil {
		updates := map[string]interface{}{"last_active_at": now}
		if name != "" && name != device.DeviceName {
			updates["device_name"] = name
			device.DeviceName = name
		}
		if err := db.Model(&device).Updates(updates).Error; err != nil {
			return nil, false, fmt.Errorf("failed to touch device: %w", err)
		}
		device.LastActiveAt = now
		return &device, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	if name == "" {
		name = "Unknown Device"
	}
	device = models.Device{AccountID: accountID, DeviceID: deviceID, DeviceName: name, LastActiveAt: now}
	if err := db.Create(&device).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Registered concurrently; the other request's row wins.
			return &device, false, nil
		}
		return nil, false, fmt.Errorf("failed to register device: %w", err)
	}
	return &device, true, nil
}

// ListDevices returns an account's devices, most recently active first.
func ListDevices(db *gorm.DB, accountID uint) ([]models.Device, error) {
	var devices []models.Device
	err := db.Where("account_id = ?", accountID).Order("last_active_at DESC").Find(&devices).Error
	return devices, err
}
