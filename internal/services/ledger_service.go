package services

import (
	"context"
	"fmt"
	"time"

	"lunawave-api/internal/apperrors"
	"lunawave-api/internal/database"
	"lunawave-api/internal/metrics"
	"lunawave-api/internal/models"
	"lunawave-api/internal/plans"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// WarningLevel flags a low balance after a debit.
type WarningLevel string

const (
	WarningNone     WarningLevel = ""
	WarningDepleted WarningLevel = "lunas_depleted"
	WarningLow10    WarningLevel = "lunas_low_10"
	WarningLow30    WarningLevel = "lunas_low_30"
)

var (
	tenPercent    = decimal.RequireFromString("0.1")
	thirtyPercent = decimal.RequireFromString("0.3")
)

// DebitResult describes a completed debit.
type DebitResult struct {
	Charged   decimal.Decimal     `json:"charged"`
	Unlimited bool                `json:"unlimited"`
	Balances  models.Balances     `json:"balances"`
	Warning   WarningLevel        `json:"warning,omitempty"`
	Entry     *models.LedgerEntry `json:"-"`
}

// LedgerService owns the four-bucket balance model.
type LedgerService struct {
	db      *gorm.DB
	catalog *plans.Catalog
	clock   clockwork.Clock
}

// NewLedgerService creates a new ledger service
func NewLedgerService(db *gorm.DB, catalog *plans.Catalog, clock clockwork.Clock) *LedgerService {
	return &LedgerService{db: db, catalog: catalog, clock: clock}
}

// Debit drains amount from the buckets in DrainOrder, all or nothing.
// Accounts on the unlimited tier are never charged but still get a
// zero-amount use entry.
func (s *LedgerService) Debit(ctx context.Context, accountID uint, amount decimal.Decimal, feature string) (*DebitResult, error) {
	if amount.IsNegative() {
		return nil, apperrors.New(apperrors.KindInvalidInput, "debit amount must not be negative")
	}

	var result *DebitResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := database.LockAccount(tx, accountID)
		if err != nil {
			return err
		}
		result, err = debitLocked(tx, s.catalog, account, amount, feature, describeUse(s.catalog, feature), s.clock.Now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Credit adds amount to one bucket and logs it under action.
func (s *LedgerService) Credit(ctx context.Context, accountID uint, bucket models.Bucket, amount decimal.Decimal, action models.ActionKind, description string) (models.Balances, error) {
	var balances models.Balances
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := database.LockAccount(tx, accountID)
		if err != nil {
			return err
		}
		if _, err := creditLocked(tx, account, bucket, amount, action, description, s.clock.Now().UTC()); err != nil {
			return err
		}
		balances = account.Balances()
		return nil
	})
	return balances, err
}

// SetBucket overwrites one bucket. The daily reset is its only caller in
// normal operation; the entry records the signed difference.
func (s *LedgerService) SetBucket(ctx context.Context, accountID uint, bucket models.Bucket, amount decimal.Decimal, action models.ActionKind, description string) (models.Balances, error) {
	var balances models.Balances
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := database.LockAccount(tx, accountID)
		if err != nil {
			return err
		}
		if _, err := setBucketLocked(tx, account, bucket, amount, action, description, s.clock.Now().UTC()); err != nil {
			return err
		}
		balances = account.Balances()
		return nil
	})
	return balances, err
}

// Balances reads the current breakdown without locking.
func (s *LedgerService) Balances(ctx context.Context, accountID uint) (models.Balances, error) {
	account, err := database.GetAccount(s.db.WithContext(ctx), accountID)
	if err != nil {
		return models.Balances{}, err
	}
	return account.Balances(), nil
}

// debitLocked is the debit rule applied to an account already locked in tx.
func debitLocked(tx *gorm.DB, catalog *plans.Catalog, account *models.Account, amount decimal.Decimal, feature, description string, now time.Time) (*DebitResult, error) {
	if catalog.IsUnlimited(account.Plan) {
		entry := &models.LedgerEntry{
			AccountID:    account.ID,
			Action:       models.ActionUse,
			Amount:       decimal.Zero,
			BalanceAfter: account.Balances().Total,
			Feature:      feature,
			Description:  fmt.Sprintf("%s (unlimited plan, list cost %s)", description, amount.String()),
			CreatedAt:    now,
		}
		if err := database.AppendLedgerEntry(tx, entry); err != nil {
			return nil, err
		}
		metrics.LedgerEntriesTotal.WithLabelValues(string(models.ActionUse)).Inc()
		return &DebitResult{Charged: decimal.Zero, Unlimited: true, Balances: account.Balances(), Entry: entry}, nil
	}

	before := account.Balances()
	if before.Total.LessThan(amount) {
		metrics.InsufficientCreditTotal.Inc()
		return nil, apperrors.InsufficientCredit(amount, before.Total)
	}

	remaining := amount
	for _, bucket := range models.DrainOrder {
		if !remaining.IsPositive() {
			break
		}
		available := account.Bucket(bucket)
		if !available.IsPositive() {
			continue
		}
		take := decimal.Min(available, remaining)
		account.SetBucket(bucket, available.Sub(take))
		remaining = remaining.Sub(take)
	}

	if err := database.SaveBuckets(tx, account); err != nil {
		return nil, err
	}

	after := account.Balances()
	entry := &models.LedgerEntry{
		AccountID:    account.ID,
		Action:       models.ActionUse,
		Amount:       amount.Neg(),
		BalanceAfter: after.Total,
		Feature:      feature,
		Description:  description,
		CreatedAt:    now,
	}
	if err := database.AppendLedgerEntry(tx, entry); err != nil {
		return nil, err
	}
	metrics.LedgerEntriesTotal.WithLabelValues(string(models.ActionUse)).Inc()

	return &DebitResult{
		Charged:  amount,
		Balances: after,
		Warning:  warningFor(before.Total, after.Total),
		Entry:    entry,
	}, nil
}

// creditLocked adds to a bucket of a locked account and appends the entry.
func creditLocked(tx *gorm.DB, account *models.Account, bucket models.Bucket, amount decimal.Decimal, action models.ActionKind, description string, now time.Time) (*models.LedgerEntry, error) {
	if !models.ValidBucket(bucket) {
		return nil, apperrors.Newf(apperrors.KindInvalidInput, "unknown bucket %q", bucket)
	}
	if amount.IsNegative() {
		return nil, apperrors.New(apperrors.KindInvalidInput, "credit amount must not be negative")
	}

	account.SetBucket(bucket, account.Bucket(bucket).Add(amount))
	if err := database.SaveBuckets(tx, account); err != nil {
		return nil, err
	}
	return appendEntry(tx, account, action, bucket, amount, description, now)
}

// setBucketLocked overwrites a bucket of a locked account and logs the
// difference between the old and new value.
func setBucketLocked(tx *gorm.DB, account *models.Account, bucket models.Bucket, amount decimal.Decimal, action models.ActionKind, description string, now time.Time) (*models.LedgerEntry, error) {
	if !models.ValidBucket(bucket) {
		return nil, apperrors.Newf(apperrors.KindInvalidInput, "unknown bucket %q", bucket)
	}
	if amount.IsNegative() {
		return nil, apperrors.New(apperrors.KindInvalidInput, "bucket value must not be negative")
	}

	delta := amount.Sub(account.Bucket(bucket))
	account.SetBucket(bucket, amount)
	if err := database.SaveBuckets(tx, account); err != nil {
		return nil, err
	}
	return appendEntry(tx, account, action, bucket, delta, description, now)
}

// appendEntry logs a balance change already applied to account.
func appendEntry(tx *gorm.DB, account *models.Account, action models.ActionKind, bucket models.Bucket, amount decimal.Decimal, description string, now time.Time) (*models.LedgerEntry, error) {
	entry := &models.LedgerEntry{
		AccountID:    account.ID,
		Action:       action,
		Amount:       amount,
		BalanceAfter: account.Balances().Total,
		Bucket:       bucket,
		Description:  description,
		CreatedAt:    now,
	}
	if err := database.AppendLedgerEntry(tx, entry); err != nil {
		return nil, err
	}
	metrics.LedgerEntriesTotal.WithLabelValues(string(action)).Inc()
	return entry, nil
}

// warningFor compares the remaining total against the pre-debit total.
func warningFor(before, after decimal.Decimal) WarningLevel {
	switch {
	case !after.IsPositive():
		return WarningDepleted
	case after.LessThanOrEqual(before.Mul(tenPercent)):
		return WarningLow10
	case after.LessThanOrEqual(before.Mul(thirtyPercent)):
		return WarningLow30
	}
	return WarningNone
}

func describeUse(catalog *plans.Catalog, feature string) string {
	if f, err := catalog.Feature(feature); err == nil {
		return f.Description
	}
	if feature == "" {
		return "Manual debit"
	}
	return feature
}
