// Package testutil builds in-memory fixtures shared by package tests.
package testutil

import (
	"context"
	"strings"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/jordanlanch/courseplatform/pkg/database"
	"github.com/jordanlanch/courseplatform/pkg/models"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewTestDB opens a migrated in-memory sqlite database private to t.
// A single connection keeps sqlite's writer lock out of concurrent tests.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared&_fk=1"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.Migrate(context.Background(), db))
	return db
}

// AffiliateOption customizes a fixture affiliate
type AffiliateOption func(*models.Affiliate)

// WithRates sets commission and discount rates
func WithRates(commissionRate, discountRate int) AffiliateOption {
	return func(a *models.Affiliate) {
		a.CommissionRate = commissionRate
		a.DiscountRate = discountRate
	}
}

// WithBalance sets ledger totals with everything unpaid
func WithBalance(unpaid int64) AffiliateOption {
	return func(a *models.Affiliate) {
		a.TotalEarnings = unpaid
		a.UnpaidBalance = unpaid
	}
}

// WithManagedAccount connects a payable managed account
func WithManagedAccount(accountID string) AffiliateOption {
	return func(a *models.Affiliate) {
		a.PaymentMethod = models.PaymentMethodManagedAccount
		a.AccountID = &accountID
		a.AccountStatus = models.AccountStatusActive
		a.PayoutsEnabled = true
	}
}

// Inactive deactivates the affiliate
func Inactive() AffiliateOption {
	return func(a *models.Affiliate) {
		a.IsActive = false
	}
}

// CreateAffiliate inserts an active manual-link affiliate with fake identity data
func CreateAffiliate(t *testing.T, db *gorm.DB, opts ...AffiliateOption) *models.Affiliate {
	t.Helper()

	aff := &models.Affiliate{
		UserID:         uint(gofakeit.Number(1, 1<<30)),
		Code:           strings.ToLower(gofakeit.LetterN(10)),
		Name:           gofakeit.Name(),
		Email:          gofakeit.Email(),
		CommissionRate: 20,
		PaymentMethod:  models.PaymentMethodManualLink,
		AccountStatus:  models.AccountStatusNotStarted,
		IsActive:       true,
	}
	for _, opt := range opts {
		opt(aff)
	}

	// gorm skips zero-value bools on create when a default exists
	require.NoError(t, db.Create(aff).Error)
	if !aff.IsActive {
		require.NoError(t, db.Model(aff).Update("is_active", false).Error)
	}
	return aff
}

// Reload re-reads an affiliate row
func Reload(t *testing.T, db *gorm.DB, id uint) *models.Affiliate {
	t.Helper()

	var aff models.Affiliate
	require.NoError(t, db.First(&aff, id).Error)
	return &aff
}

// RequireLedgerInvariant checks totals == paid + unpaid and all non-negative
func RequireLedgerInvariant(t *testing.T, aff *models.Affiliate) {
	t.Helper()

	require.GreaterOrEqual(t, aff.TotalEarnings, int64(0))
	require.GreaterOrEqual(t, aff.PaidAmount, int64(0))
	require.GreaterOrEqual(t, aff.UnpaidBalance, int64(0))
	require.Equal(t, aff.TotalEarnings, aff.PaidAmount+aff.UnpaidBalance)
}
