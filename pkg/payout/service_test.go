package payout

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jordanlanch/courseplatform/pkg/domain"
	"github.com/jordanlanch/courseplatform/pkg/ledger"
	"github.com/jordanlanch/courseplatform/pkg/lock"
	"github.com/jordanlanch/courseplatform/pkg/logger"
	"github.com/jordanlanch/courseplatform/pkg/models"
	"github.com/jordanlanch/courseplatform/pkg/processor"
	"github.com/jordanlanch/courseplatform/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) SendPayoutCompletedEmail(toEmail, toName string, amount int64, currency, transactionID string) error {
	args := m.Called(toEmail, amount, transactionID)
	return args.Error(0)
}

func (m *mockNotifier) SendPayoutFailedEmail(toEmail, toName string, amount int64, currency, reason string) error {
	args := m.Called(toEmail, amount, reason)
	return args.Error(0)
}

type fixture struct {
	service *Service
	fake    *processor.Fake
	locks   *lock.KeyedMutex
	db      *gorm.DB
}

func setup(t *testing.T, notifier Notifier) fixture {
	db := testutil.NewTestDB(t)
	locks := lock.NewKeyedMutex()
	fake := processor.NewFake()
	svc := NewService(db, ledger.New(db, locks), fake, locks, notifier, nil, logger.Nop())
	return fixture{service: svc, fake: fake, locks: locks, db: db}
}

func batchConfig() BatchConfig {
	return BatchConfig{
		MinimumPayoutThreshold: 5000,
		Concurrency:            3,
		Currency:               "usd",
		TransferTimeout:        time.Second,
	}
}

func TestRecordPayout(t *testing.T) {
	ctx := context.Background()

	t.Run("Success - Exact balance", func(t *testing.T) {
		f := setup(t, nil)
		aff := testutil.CreateAffiliate(t, f.db, testutil.WithBalance(7500))

		payout, err := f.service.RecordPayout(ctx, aff.ID, models.RecordPayoutRequest{
			Amount:        7500,
			PaymentMethod: models.PaymentMethodManualLink,
			TransactionID: "paypal-123",
			Notes:         "March payout",
		})
		require.NoError(t, err)
		assert.Equal(t, models.PayoutStatusCompleted, payout.Status)
		require.NotNil(t, payout.TransactionID)
		assert.Equal(t, "paypal-123", *payout.TransactionID)
		assert.NotNil(t, payout.PaidAt)

		got := testutil.Reload(t, f.db, aff.ID)
		testutil.RequireLedgerInvariant(t, got)
		assert.Equal(t, int64(0), got.UnpaidBalance)
		assert.Equal(t, int64(7500), got.PaidAmount)
	})

	t.Run("Failure - One unit over balance", func(t *testing.T) {
		f := setup(t, nil)
		aff := testutil.CreateAffiliate(t, f.db, testutil.WithBalance(7500))

		_, err := f.service.RecordPayout(ctx, aff.ID, models.RecordPayoutRequest{
			Amount:        7501,
			PaymentMethod: models.PaymentMethodManualLink,
		})
		assert.True(t, errors.Is(err, domain.ErrExceedsBalance))

		got := testutil.Reload(t, f.db, aff.ID)
		assert.Equal(t, int64(7500), got.UnpaidBalance)
		assert.Equal(t, int64(0), got.PaidAmount)

		var count int64
		require.NoError(t, f.db.Model(&models.Payout{}).Count(&count).Error)
		assert.Equal(t, int64(0), count)
	})

	t.Run("Success - Marks covered referrals paid", func(t *testing.T) {
		f := setup(t, nil)
		aff := testutil.CreateAffiliate(t, f.db, testutil.WithBalance(1000))
		for i, c := range []int64{400, 600} {
			require.NoError(t, f.db.Create(&models.Referral{
				AffiliateID:    aff.ID,
				PurchaseID:     fmt.Sprintf("p-%d", i),
				PurchaseAmount: c * 5,
				Commission:     c,
				CommissionRate: 20,
				CreatedAt:      time.Now().Add(time.Duration(i) * time.Second),
			}).Error)
		}

		payout, err := f.service.RecordPayout(ctx, aff.ID, models.RecordPayoutRequest{
			Amount:        500,
			PaymentMethod: models.PaymentMethodManualLink,
		})
		require.NoError(t, err)

		var paid []models.Referral
		require.NoError(t, f.db.Where("is_paid = ?", true).Find(&paid).Error)
		require.Len(t, paid, 1)
		assert.Equal(t, int64(400), paid[0].Commission)
		assert.Equal(t, payout.ID, *paid[0].PayoutID)
	})

	t.Run("Failure - Non-positive amount", func(t *testing.T) {
		f := setup(t, nil)
		aff := testutil.CreateAffiliate(t, f.db, testutil.WithBalance(100))

		_, err := f.service.RecordPayout(ctx, aff.ID, models.RecordPayoutRequest{
			Amount:        0,
			PaymentMethod: models.PaymentMethodManualLink,
		})
		assert.True(t, errors.Is(err, domain.ErrValidation))
	})

	t.Run("Failure - Unknown affiliate", func(t *testing.T) {
		f := setup(t, nil)

		_, err := f.service.RecordPayout(ctx, 9999, models.RecordPayoutRequest{
			Amount:        100,
			PaymentMethod: models.PaymentMethodManualLink,
		})
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})
}

func TestProcessAutomaticPayouts(t *testing.T) {
	ctx := context.Background()

	t.Run("Success - Partial failures are isolated", func(t *testing.T) {
		f := setup(t, nil)

		const n, k = 6, 2
		affs := make([]*models.Affiliate, n)
		for i := 0; i < n; i++ {
			accountID := fmt.Sprintf("acct_%d", i)
			affs[i] = testutil.CreateAffiliate(t, f.db,
				testutil.WithManagedAccount(accountID),
				testutil.WithBalance(int64(6000+i*100)))
			if i < k {
				f.fake.FailTransfers(accountID, errors.New("account cannot receive transfers"))
			}
		}

		summary, err := f.service.ProcessAutomaticPayouts(ctx, batchConfig())
		require.NoError(t, err)
		assert.Equal(t, n, summary.Processed)
		assert.Equal(t, n-k, summary.Successful)
		assert.Equal(t, k, summary.Failed)
		assert.Len(t, summary.Results, n)
		assert.Len(t, f.fake.Transfers(), n-k)

		for i, aff := range affs {
			got := testutil.Reload(t, f.db, aff.ID)
			testutil.RequireLedgerInvariant(t, got)
			if i < k {
				assert.Equal(t, aff.UnpaidBalance, got.UnpaidBalance, "failed payout must not settle")
				require.NotNil(t, got.LastPayoutError)
				assert.Contains(t, *got.LastPayoutError, "cannot receive transfers")
				assert.NotNil(t, got.LastPayoutErrorAt)
				continue
			}
			assert.Equal(t, int64(0), got.UnpaidBalance)
			assert.Equal(t, aff.UnpaidBalance, got.PaidAmount)
			assert.Nil(t, got.LastPayoutError)
		}

		var payouts []models.Payout
		require.NoError(t, f.db.Find(&payouts).Error)
		require.Len(t, payouts, n)
		keys := map[string]bool{}
		for _, p := range payouts {
			require.NotNil(t, p.IdempotencyKey)
			keys[*p.IdempotencyKey] = true
			assert.NotEqual(t, models.PayoutStatusPending, p.Status)
			if p.Status == models.PayoutStatusFailed {
				assert.NotNil(t, p.ErrorMessage)
				assert.Nil(t, p.PaidAt)
			} else {
				assert.NotNil(t, p.TransactionID)
			}
		}
		assert.Len(t, keys, n)
	})

	t.Run("Success - Only eligible affiliates are paid", func(t *testing.T) {
		f := setup(t, nil)

		eligible := testutil.CreateAffiliate(t, f.db, testutil.WithManagedAccount("acct_ok"), testutil.WithBalance(5000))
		testutil.CreateAffiliate(t, f.db, testutil.WithManagedAccount("acct_low"), testutil.WithBalance(4999))
		testutil.CreateAffiliate(t, f.db, testutil.WithManagedAccount("acct_off"), testutil.WithBalance(9000), testutil.Inactive())
		testutil.CreateAffiliate(t, f.db, testutil.WithBalance(9000))

		restricted := testutil.CreateAffiliate(t, f.db, testutil.WithManagedAccount("acct_restricted"), testutil.WithBalance(9000))
		require.NoError(t, f.db.Model(restricted).Update("account_status", models.AccountStatusRestricted).Error)
		paused := testutil.CreateAffiliate(t, f.db, testutil.WithManagedAccount("acct_paused"), testutil.WithBalance(9000))
		require.NoError(t, f.db.Model(paused).Update("payouts_enabled", false).Error)

		summary, err := f.service.ProcessAutomaticPayouts(ctx, batchConfig())
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Successful)
		require.Len(t, summary.Results, 1)
		assert.Equal(t, eligible.ID, summary.Results[0].AffiliateID)
		assert.Equal(t, int64(5000), summary.Results[0].Amount)

		transfers := f.fake.Transfers()
		require.Len(t, transfers, 1)
		assert.Equal(t, "acct_ok", transfers[0].AccountID)
		assert.Equal(t, "usd", transfers[0].Currency)
	})

	t.Run("Success - Empty batch", func(t *testing.T) {
		f := setup(t, nil)

		summary, err := f.service.ProcessAutomaticPayouts(ctx, batchConfig())
		require.NoError(t, err)
		assert.Equal(t, 0, summary.Processed)
		assert.Empty(t, summary.Results)
	})

	t.Run("Success - Later success clears last error", func(t *testing.T) {
		f := setup(t, nil)
		aff := testutil.CreateAffiliate(t, f.db, testutil.WithManagedAccount("acct_1"), testutil.WithBalance(8000))
		f.fake.FailTransfers("acct_1", errors.New("insufficient platform funds"))

		summary, err := f.service.ProcessAutomaticPayouts(ctx, batchConfig())
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Failed)
		require.NotNil(t, testutil.Reload(t, f.db, aff.ID).LastPayoutError)

		f.fake = processor.NewFake()
		f.service.processor = f.fake
		summary, err = f.service.ProcessAutomaticPayouts(ctx, batchConfig())
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Successful)

		got := testutil.Reload(t, f.db, aff.ID)
		assert.Nil(t, got.LastPayoutError)
		assert.Equal(t, int64(0), got.UnpaidBalance)

		var payouts []models.Payout
		require.NoError(t, f.db.Order("id").Find(&payouts).Error)
		require.Len(t, payouts, 2)
		assert.Equal(t, models.PayoutStatusFailed, payouts[0].Status)
		assert.Equal(t, models.PayoutStatusCompleted, payouts[1].Status)
		assert.NotEqual(t, *payouts[0].IdempotencyKey, *payouts[1].IdempotencyKey)
	})

	t.Run("Failure - Batch already running", func(t *testing.T) {
		f := setup(t, nil)

		unlock, err := f.locks.TryLock(ctx, BatchLockKey)
		require.NoError(t, err)
		defer unlock()

		_, err = f.service.ProcessAutomaticPayouts(ctx, batchConfig())
		assert.True(t, errors.Is(err, domain.ErrConflict))
	})

	t.Run("Success - Cancelled request does not abort batch", func(t *testing.T) {
		f := setup(t, nil)
		testutil.CreateAffiliate(t, f.db, testutil.WithManagedAccount("acct_1"), testutil.WithBalance(6000))

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		summary, err := f.service.ProcessAutomaticPayouts(cancelled, batchConfig())
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Successful)
	})
}

func TestPayOne_SkipsDisconnectedAffiliate(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	aff := testutil.CreateAffiliate(t, f.db, testutil.WithManagedAccount("acct_1"), testutil.WithBalance(9000))
	// Disconnected after the batch listed it
	require.NoError(t, f.db.Model(aff).Updates(map[string]interface{}{
		"account_id":      nil,
		"account_status":  models.AccountStatusNotStarted,
		"payouts_enabled": false,
		"payment_method":  models.PaymentMethodManualLink,
	}).Error)

	result := f.service.payOne(ctx, aff.ID, batchConfig())
	assert.True(t, result.Skipped)
	assert.Empty(t, f.fake.Transfers())

	var count int64
	require.NoError(t, f.db.Model(&models.Payout{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
	assert.Equal(t, int64(9000), testutil.Reload(t, f.db, aff.ID).UnpaidBalance)
}

func TestProcessAutomaticPayouts_Notifies(t *testing.T) {
	notifier := new(mockNotifier)
	f := setup(t, notifier)
	ctx := context.Background()

	ok := testutil.CreateAffiliate(t, f.db, testutil.WithManagedAccount("acct_ok"), testutil.WithBalance(6000))
	bad := testutil.CreateAffiliate(t, f.db, testutil.WithManagedAccount("acct_bad"), testutil.WithBalance(7000))
	f.fake.FailTransfers("acct_bad", errors.New("declined"))

	notifier.On("SendPayoutCompletedEmail", ok.Email, int64(6000), mock.AnythingOfType("string")).Return(nil).Once()
	notifier.On("SendPayoutFailedEmail", bad.Email, int64(7000), mock.MatchedBy(func(reason string) bool {
		return reason != ""
	})).Return(errors.New("smtp down")).Once()

	summary, err := f.service.ProcessAutomaticPayouts(ctx, batchConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Successful)
	assert.Equal(t, 1, summary.Failed)
	notifier.AssertExpectations(t)
}

func TestSummarize(t *testing.T) {
	summary := Summarize([]Result{
		{AffiliateID: 1, Status: models.PayoutStatusCompleted},
		{AffiliateID: 2, Status: models.PayoutStatusFailed},
		{AffiliateID: 3, Skipped: true},
		{AffiliateID: 4, Status: models.PayoutStatusCompleted},
	})

	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 2, summary.Successful)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Skipped)
}

func TestListPayouts(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	aff := testutil.CreateAffiliate(t, f.db, testutil.WithBalance(3000))

	for i := 0; i < 3; i++ {
		_, err := f.service.RecordPayout(ctx, aff.ID, models.RecordPayoutRequest{
			Amount:        1000,
			PaymentMethod: models.PaymentMethodManualLink,
		})
		require.NoError(t, err)
	}

	payouts, total, err := f.service.ListPayouts(ctx, aff.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, payouts, 3)
	assert.Equal(t, int64(0), testutil.Reload(t, f.db, aff.ID).UnpaidBalance)
}

type staticSettings struct {
	settings models.PlatformSettings
	err      error
}

func (s staticSettings) GetSettings(ctx context.Context) (models.PlatformSettings, error) {
	return s.settings, s.err
}

func TestProcessWithSettings(t *testing.T) {
	ctx := context.Background()

	t.Run("Success - Uses configured threshold", func(t *testing.T) {
		f := setup(t, nil)
		below := testutil.CreateAffiliate(t, f.db, testutil.WithManagedAccount("acct_low"), testutil.WithBalance(900))
		above := testutil.CreateAffiliate(t, f.db, testutil.WithManagedAccount("acct_high"), testutil.WithBalance(1200))

		cfg := batchConfig()
		cfg.MinimumPayoutThreshold = 0
		summary, err := f.service.ProcessWithSettings(ctx, staticSettings{
			settings: models.PlatformSettings{MinimumPayoutThreshold: 1000},
		}, cfg)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Successful)
		assert.Equal(t, int64(900), testutil.Reload(t, f.db, below.ID).UnpaidBalance)
		assert.Equal(t, int64(0), testutil.Reload(t, f.db, above.ID).UnpaidBalance)
	})

	t.Run("Failure - Settings unavailable", func(t *testing.T) {
		f := setup(t, nil)

		_, err := f.service.ProcessWithSettings(ctx, staticSettings{err: errors.New("db down")}, batchConfig())
		assert.Error(t, err)
		assert.Empty(t, f.fake.Transfers())
	})
}

func seedPendingPayout(t *testing.T, db *gorm.DB, affiliateID uint, amount int64) {
	t.Helper()
	key := fmt.Sprintf("pending-%d", affiliateID)
	require.NoError(t, db.Create(&models.Payout{
		AffiliateID:    affiliateID,
		Amount:         amount,
		PaymentMethod:  models.PaymentMethodManagedAccount,
		IdempotencyKey: &key,
		Status:         models.PayoutStatusPending,
	}).Error)
}

func TestProcessAutomaticPayouts_HoldsUnresolvedTransfers(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	held := testutil.CreateAffiliate(t, f.db, testutil.WithManagedAccount("acct_held"), testutil.WithBalance(9000))
	seedPendingPayout(t, f.db, held.ID, 9000)
	paid := testutil.CreateAffiliate(t, f.db, testutil.WithManagedAccount("acct_paid"), testutil.WithBalance(6000))

	summary, err := f.service.ProcessAutomaticPayouts(ctx, batchConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Successful)

	transfers := f.fake.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, "acct_paid", transfers[0].AccountID)

	assert.Equal(t, int64(9000), testutil.Reload(t, f.db, held.ID).UnpaidBalance)
	assert.Equal(t, int64(0), testutil.Reload(t, f.db, paid.ID).UnpaidBalance)
}

func TestPayOne_SkipsAffiliateWithPendingPayout(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	aff := testutil.CreateAffiliate(t, f.db, testutil.WithManagedAccount("acct_1"), testutil.WithBalance(9000))
	// Written after the batch listed the affiliate
	seedPendingPayout(t, f.db, aff.ID, 9000)

	result := f.service.payOne(ctx, aff.ID, batchConfig())
	assert.True(t, result.Skipped)
	assert.Empty(t, f.fake.Transfers())

	var count int64
	require.NoError(t, f.db.Model(&models.Payout{}).Where("affiliate_id = ?", aff.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, int64(9000), testutil.Reload(t, f.db, aff.ID).UnpaidBalance)
}
