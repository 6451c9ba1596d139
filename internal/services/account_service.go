package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"lunawave-api/internal/apperrors"
	"lunawave-api/internal/database"
	"lunawave-api/internal/models"
	"lunawave-api/internal/plans"
	"lunawave-api/pkg/logging"

	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

// PlanStatus summarizes where an account is in its paid term.
type PlanStatus string

const (
	PlanStatusFree         PlanStatus = "free"
	PlanStatusActive       PlanStatus = "active"
	PlanStatusExpiringSoon PlanStatus = "expiring_soon"
	PlanStatusExpired      PlanStatus = "expired"
)

// WarningDeviceLimitExceeded is returned when an account has more devices
// than its limit. It never blocks the request.
const WarningDeviceLimitExceeded = "device_limit_exceeded"

const (
	referralCodePrefix   = "LW"
	referralCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	referralCodeLength   = 6
	expiringSoonWindow   = 7 * 24 * time.Hour
)

// DeviceInfo identifies the calling client installation.
type DeviceInfo struct {
	ID   string
	Name string
}

// AccountSnapshot is the full account view returned by balance inquiries.
type AccountSnapshot struct {
	Account        *models.Account `json:"account"`
	Balances       models.Balances `json:"balances"`
	PlanStatus     PlanStatus      `json:"plan_status"`
	DaysRemaining  int             `json:"days_remaining"`
	Unlimited      bool            `json:"unlimited"`
	Devices        []models.Device `json:"devices"`
	Warning        string          `json:"warning,omitempty"`
	CatalogVersion string          `json:"catalog_version"`
}

// AccountService provisions accounts and serves their read models.
type AccountService struct {
	db      *gorm.DB
	catalog *plans.Catalog
	grants  *GrantService
	clock   clockwork.Clock
	policy  Policy
}

// NewAccountService creates a new account service
func NewAccountService(db *gorm.DB, catalog *plans.Catalog, grants *GrantService, clock clockwork.Clock, policy Policy) *AccountService {
	return &AccountService{db: db, catalog: catalog, grants: grants, clock: clock, policy: policy}
}

// Provision returns the identity's account, creating it on first contact
// with the free daily grant and the one-time welcome bonus.
func (s *AccountService) Provision(ctx context.Context, identity *Identity) (*models.Account, error) {
	db := s.db.WithContext(ctx)
	account, err := database.FindAccountByUserID(db, identity.UserID)
	if err == nil {
		if identity.Email != "" && identity.Email != account.Email {
			if err := db.Model(account).Update("email", identity.Email).Error; err != nil {
				logging.Warnf("Failed to refresh email for account %d: %v", account.ID, err)
			}
			account.Email = identity.Email
		}
		return account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.Transient("find account", err)
	}

	for attempt := 0; attempt < 5; attempt++ {
		code, err := generateReferralCode()
		if err != nil {
			return nil, apperrors.Transient("generate referral code", err)
		}

		account, err = s.create(ctx, identity, code)
		if err == nil {
			logging.Log.Info().Uint("account_id", account.ID).Str("user_id", identity.UserID).Msg("account provisioned")
			return account, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, err
		}
		// Either a concurrent first request created the account, or the
		// referral code collided and another one is drawn.
		if existing, findErr := database.FindAccountByUserID(db, identity.UserID); findErr == nil {
			return existing, nil
		}
	}
	return nil, apperrors.New(apperrors.KindInternal, "could not allocate a unique referral code")
}

func (s *AccountService) create(ctx context.Context, identity *Identity, code string) (*models.Account, error) {
	var account *models.Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account = &models.Account{
			UserID:       identity.UserID,
			Email:        identity.Email,
			Plan:         plans.Free,
			ReferralCode: code,
			DeviceLimit:  s.policy.DeviceLimit,
		}
		if err := tx.Create(account).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return err
			}
			return apperrors.Transient("create account", err)
		}

		now := s.clock.Now().UTC()
		if _, err := dailyGrantLocked(tx, s.catalog, account, now); err != nil {
			return err
		}
		if s.policy.SignupBonus.IsPositive() {
			if _, err := creditLocked(tx, account, models.BucketPromotional, s.policy.SignupBonus, models.ActionWelcomeBonus, "Welcome bonus", now); err != nil {
				return err
			}
		}
		account.WelcomeBonusGranted = true
		return database.UpdateAccount(tx, account, map[string]interface{}{"welcome_bonus_granted": true})
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// Snapshot applies the daily grant, records the device and returns the account view.
func (s *AccountService) Snapshot(ctx context.Context, accountID uint, device DeviceInfo) (*AccountSnapshot, error) {
	if _, err := s.grants.EnsureDailyGrant(ctx, accountID); err != nil {
		return nil, err
	}

	warning := ""
	if device.ID != "" {
		var err error
		if _, warning, err = s.RegisterDevice(ctx, accountID, device); err != nil {
			return nil, err
		}
	}

	db := s.db.WithContext(ctx)
	account, err := database.GetAccount(db, accountID)
	if err != nil {
		return nil, err
	}
	devices, err := database.ListDevices(db, accountID)
	if err != nil {
		return nil, apperrors.Transient("list devices", err)
	}

	status, days := s.planStatus(account, s.clock.Now().UTC())
	return &AccountSnapshot{
		Account:        account,
		Balances:       account.Balances(),
		PlanStatus:     status,
		DaysRemaining:  days,
		Unlimited:      s.catalog.IsUnlimited(account.Plan),
		Devices:        devices,
		Warning:        warning,
		CatalogVersion: s.catalog.Version(),
	}, nil
}

func (s *AccountService) planStatus(account *models.Account, now time.Time) (PlanStatus, int) {
	if !s.catalog.IsPaid(account.Plan) {
		return PlanStatusFree, 0
	}
	if account.PlanExpiresAt == nil || !account.PlanExpiresAt.After(now) {
		return PlanStatusExpired, 0
	}
	left := account.PlanExpiresAt.Sub(now)
	days := int(math.Ceil(left.Hours() / 24))
	if left <= expiringSoonWindow {
		return PlanStatusExpiringSoon, days
	}
	return PlanStatusActive, days
}

// RegisterDevice upserts a device and warns when the account is over its limit.
func (s *AccountService) RegisterDevice(ctx context.Context, accountID uint, device DeviceInfo) (*models.Device, string, error) {
	db := s.db.WithContext(ctx)
	account, err := database.GetAccount(db, accountID)
	if err != nil {
		return nil, "", err
	}

	registered, created, err := database.UpsertDevice(db, accountID, device.ID, device.Name, s.clock.Now().UTC())
	if err != nil {
		return nil, "", apperrors.Transient("register device", err)
	}

	devices, err := database.ListDevices(db, accountID)
	if err != nil {
		return nil, "", apperrors.Transient("list devices", err)
	}
	if account.DeviceLimit > 0 && len(devices) > account.DeviceLimit {
		if created {
			logging.Warnf("Account %d exceeded its device limit (%d/%d)", accountID, len(devices), account.DeviceLimit)
		}
		return registered, WarningDeviceLimitExceeded, nil
	}
	return registered, "", nil
}

// History pages through the ledger, newest first.
func (s *AccountService) History(ctx context.Context, accountID uint, limit, offset int) ([]models.LedgerEntry, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	limit = lo.Clamp(limit, 1, 100)
	offset = lo.Max([]int{offset, 0})
	entries, total, err := database.ListLedgerEntries(s.db.WithContext(ctx), accountID, limit, offset)
	if err != nil {
		return nil, 0, apperrors.Transient("list ledger entries", err)
	}
	return entries, total, nil
}

// MonthlyUsage returns feature usage for yearMonth (YYYY-MM), defaulting to
// the current month.
func (s *AccountService) MonthlyUsage(ctx context.Context, accountID uint, yearMonth string) (*models.UsageStat, error) {
	if yearMonth == "" {
		yearMonth = s.clock.Now().UTC().Format("2006-01")
	} else if _, err := time.Parse("2006-01", yearMonth); err != nil {
		return nil, apperrors.Newf(apperrors.KindInvalidInput, "invalid month %q, expected YYYY-MM", yearMonth)
	}
	stat, err := database.GetUsage(s.db.WithContext(ctx), accountID, yearMonth)
	if err != nil {
		return nil, apperrors.Transient("load usage", err)
	}
	return stat, nil
}

// Payments lists the account's payment records.
func (s *AccountService) Payments(ctx context.Context, accountID uint) ([]models.PaymentRecord, error) {
	payments, err := database.ListPayments(s.db.WithContext(ctx), accountID)
	if err != nil {
		return nil, apperrors.Transient("list payments", err)
	}
	return payments, nil
}

func generateReferralCode() (string, error) {
	alphabet := big.NewInt(int64(len(referralCodeAlphabet)))
	code := make([]byte, referralCodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, alphabet)
		if err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		code[i] = referralCodeAlphabet[n.Int64()]
	}
	return referralCodePrefix + string(code), nil
}
