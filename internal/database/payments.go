package database

import (
	"errors"

	"lunawave-api/internal/apperrors"
	"lunawave-api/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreatePayment inserts a payment record.
func CreatePayment(tx *gorm.DB, payment *models.PaymentRecord) error {
	if err := tx.Create(payment).Error; err != nil {
		return apperrors.Transient("create payment", err)
	}
	return nil
}

// UpdatePayment writes the given columns of a payment record.
func UpdatePayment(tx *gorm.DB, payment *models.PaymentRecord, updates map[string]interface{}) error {
	if err := tx.Model(&models.PaymentRecord{}).Where("id = ?", payment.ID).Updates(updates).Error; err != nil {
		return apperrors.Transient("update payment", err)
	}
	return nil
}

// FindPaymentByOrderRef returns gorm.ErrRecordNotFound when absent.
func FindPaymentByOrderRef(db *gorm.DB, orderRef string) (*models.PaymentRecord, error) {
	var payment models.PaymentRecord
	if err := db.Where("order_ref = ?", orderRef).First(&payment).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

// LockPayment finds a payment by external id first, then by order reference,
// and locks the row. It returns (nil, nil) when neither matches.
func LockPayment(tx *gorm.DB, externalPaymentID, orderRef string) (*models.PaymentRecord, error) {
	locked := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Session(&gorm.Session{})
	return findPayment(locked, externalPaymentID, orderRef)
}

// FindPayment is LockPayment without the row lock.
func FindPayment(db *gorm.DB, externalPaymentID, orderRef string) (*models.PaymentRecord, error) {
	return findPayment(db, externalPaymentID, orderRef)
}

func findPayment(db *gorm.DB, externalPaymentID, orderRef string) (*models.PaymentRecord, error) {
	lookups := []struct {
		column string
		value  string
	}{
		{"external_payment_id", externalPaymentID},
		{"order_ref", orderRef},
	}

	for _, l := range lookups {
		if l.value == "" {
			continue
		}
		var payment models.PaymentRecord
		err := db.Where(l.column+" = ?", l.value).First(&payment).Error
		if err == nil {
			return &payment, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.Transient("find payment", err)
		}
	}
	return nil, nil
}

// LatestPaidSubscription returns the account's most recent paid subscription
// payment, or gorm.ErrRecordNotFound.
func LatestPaidSubscription(db *gorm.DB, accountID uint) (*models.PaymentRecord, error) {
	var payment models.PaymentRecord
	err := db.Where("account_id = ? AND kind = ? AND status = ? AND paid_at IS NOT NULL",
		accountID, models.PaymentKindSubscription, models.PaymentPaid).
		Order("paid_at DESC").
		First(&payment).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// OpenRenewal returns the account's oldest renewal charge still pending, or
// (nil, nil) when every renewal has settled.
func OpenRenewal(db *gorm.DB, accountID uint) (*models.PaymentRecord, error) {
	var payment models.PaymentRecord
	err := db.Where("account_id = ? AND renewal = ? AND status = ?", accountID, true, models.PaymentPending).
		Order("id").
		First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Transient("find open renewal", err)
	}
	return &payment, nil
}

// ListPayments returns an account's payments, newest first.
func ListPayments(db *gorm.DB, accountID uint) ([]models.PaymentRecord, error) {
	var payments []models.PaymentRecord
	err := db.Where("account_id = ?", accountID).Order("created_at DESC").Find(&payments).Error
	return payments, err
}
