package services

import (
	"context"

	"lunawave-api/internal/database"
	"lunawave-api/internal/models"
	"lunawave-api/internal/plans"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// UseResult is returned for every feature use.
type UseResult struct {
	Feature       string          `json:"feature"`
	Cost          decimal.Decimal `json:"cost"`
	Charged       decimal.Decimal `json:"charged"`
	Plan          plans.Plan      `json:"plan"`
	Unlimited     bool            `json:"unlimited"`
	Watermark     bool            `json:"watermark"`
	Warning       WarningLevel    `json:"warning,omitempty"`
	DeviceWarning string          `json:"device_warning,omitempty"`
	Balances      models.Balances `json:"balances"`
	LedgerEntryID uint            `json:"ledger_entry_id"`
}

// UsageService is the feature-use entry point: daily grant, plan gate,
// debit and usage statistics.
type UsageService struct {
	db       *gorm.DB
	catalog  *plans.Catalog
	grants   *GrantService
	accounts *AccountService
	clock    clockwork.Clock
}

// NewUsageService creates a new usage service
func NewUsageService(db *gorm.DB, catalog *plans.Catalog, grants *GrantService, accounts *AccountService, clock clockwork.Clock) *UsageService {
	return &UsageService{db: db, catalog: catalog, grants: grants, accounts: accounts, clock: clock}
}

// UseFeature charges one use of feature. Unknown features and plan gates are
// rejected before anything is written; the debit, its ledger entry and the
// monthly usage counters commit together.
func (s *UsageService) UseFeature(ctx context.Context, accountID uint, feature string, device DeviceInfo) (*UseResult, error) {
	cost, err := s.catalog.FeatureCost(feature)
	if err != nil {
		return nil, err
	}
	if _, err := s.grants.EnsurePlanCurrent(ctx, accountID); err != nil {
		return nil, err
	}
	if _, err := s.grants.EnsureDailyGrant(ctx, accountID); err != nil {
		return nil, err
	}

	var result *UseResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := database.LockAccount(tx, accountID)
		if err != nil {
			return err
		}
		if err := s.catalog.CheckAccess(account.Plan, feature); err != nil {
			return err
		}

		now := s.clock.Now().UTC()
		debit, err := debitLocked(tx, s.catalog, account, cost, feature, describeUse(s.catalog, feature), now)
		if err != nil {
			return err
		}
		if err := database.RecordUsage(tx, accountID, now.Format("2006-01"), feature, debit.Charged); err != nil {
			return err
		}

		result = &UseResult{
			Feature:       feature,
			Cost:          cost,
			Charged:       debit.Charged,
			Plan:          account.Plan,
			Unlimited:     debit.Unlimited,
			Watermark:     !s.catalog.IsPaid(account.Plan),
			Warning:       debit.Warning,
			Balances:      debit.Balances,
			LedgerEntryID: debit.Entry.ID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if device.ID != "" {
		_, warning, err := s.accounts.RegisterDevice(ctx, accountID, device)
		if err == nil {
			result.DeviceWarning = warning
		}
	}
	return result, nil
}
