package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jordanlanch/courseplatform/pkg/domain"
	"github.com/jordanlanch/courseplatform/pkg/lock"
	"github.com/jordanlanch/courseplatform/pkg/models"
	"github.com/jordanlanch/courseplatform/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestCredit(t *testing.T) {
	db := testutil.NewTestDB(t)
	l := New(db, lock.NewKeyedMutex())
	ctx := context.Background()

	aff := testutil.CreateAffiliate(t, db)

	t.Run("Success - Raises earnings and unpaid", func(t *testing.T) {
		require.NoError(t, l.Credit(ctx, aff.ID, 1500))
		require.NoError(t, l.Credit(ctx, aff.ID, 250))

		bal, err := l.Balance(ctx, aff.ID)
		require.NoError(t, err)
		assert.Equal(t, Balance{TotalEarnings: 1750, PaidAmount: 0, UnpaidBalance: 1750}, bal)
	})

	t.Run("Success - Zero credit is a no-op", func(t *testing.T) {
		require.NoError(t, l.Credit(ctx, aff.ID, 0))

		bal, err := l.Balance(ctx, aff.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1750), bal.TotalEarnings)
	})

	t.Run("Failure - Negative amount", func(t *testing.T) {
		err := l.Credit(ctx, aff.ID, -1)

		assert.True(t, errors.Is(err, domain.ErrValidation))
	})

	t.Run("Failure - Unknown affiliate", func(t *testing.T) {
		err := l.Credit(ctx, 9999, 100)

		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})
}

func TestSettle(t *testing.T) {
	db := testutil.NewTestDB(t)
	l := New(db, lock.NewKeyedMutex())
	ctx := context.Background()

	aff := testutil.CreateAffiliate(t, db, testutil.WithBalance(1000))

	t.Run("Failure - More than unpaid balance", func(t *testing.T) {
		err := l.Settle(ctx, aff.ID, 1001)

		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrInsufficientBalance))

		bal, err := l.Balance(ctx, aff.ID)
		require.NoError(t, err)
		assert.Equal(t, Balance{TotalEarnings: 1000, UnpaidBalance: 1000}, bal)
	})

	t.Run("Success - Partial settle", func(t *testing.T) {
		require.NoError(t, l.Settle(ctx, aff.ID, 400))

		bal, err := l.Balance(ctx, aff.ID)
		require.NoError(t, err)
		assert.Equal(t, Balance{TotalEarnings: 1000, PaidAmount: 400, UnpaidBalance: 600}, bal)
	})

	t.Run("Success - Exact remaining balance", func(t *testing.T) {
		require.NoError(t, l.Settle(ctx, aff.ID, 600))

		bal, err := l.Balance(ctx, aff.ID)
		require.NoError(t, err)
		assert.Equal(t, Balance{TotalEarnings: 1000, PaidAmount: 1000, UnpaidBalance: 0}, bal)
	})

	t.Run("Failure - Non-positive amount", func(t *testing.T) {
		assert.True(t, errors.Is(l.Settle(ctx, aff.ID, 0), domain.ErrValidation))
	})

	t.Run("Failure - Unknown affiliate", func(t *testing.T) {
		assert.True(t, errors.Is(l.Settle(ctx, 9999, 1), domain.ErrNotFound))
	})
}

func TestLedger_ConcurrentCreditAndSettle(t *testing.T) {
	db := testutil.NewTestDB(t)
	l := New(db, lock.NewKeyedMutex())
	ctx := context.Background()

	aff := testutil.CreateAffiliate(t, db, testutil.WithBalance(500))

	var wg sync.WaitGroup
	var mu sync.Mutex
	settled := int64(0)

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Credit(ctx, aff.ID, 100))
		}()
		go func() {
			defer wg.Done()
			err := l.Settle(ctx, aff.ID, 150)
			if err == nil {
				mu.Lock()
				settled += 150
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, domain.ErrInsufficientBalance), "unexpected error: %v", err)
		}()
	}
	wg.Wait()

	got := testutil.Reload(t, db, aff.ID)
	testutil.RequireLedgerInvariant(t, got)
	assert.Equal(t, int64(1500), got.TotalEarnings)
	assert.Equal(t, settled, got.PaidAmount)
}

func TestMarkReferralsPaid(t *testing.T) {
	db := testutil.NewTestDB(t)
	l := New(db, lock.NewKeyedMutex())
	ctx := context.Background()

	aff := testutil.CreateAffiliate(t, db)

	base := time.Now().Add(-time.Hour)
	for i, commission := range []int64{300, 200, 500} {
		ref := models.Referral{
			AffiliateID:    aff.ID,
			PurchaseID:     "purchase-" + string(rune('a'+i)),
			PurchaseAmount: commission * 5,
			Commission:     commission,
			CommissionRate: 20,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, db.Create(&ref).Error)
		require.NoError(t, l.Credit(ctx, aff.ID, commission))
	}

	t.Run("Success - Partial payout covers oldest referrals", func(t *testing.T) {
		var marked int
		err := l.Atomically(ctx, aff.ID, func(tx *gorm.DB) error {
			if err := Settle(tx, aff.ID, 600); err != nil {
				return err
			}
			var err error
			marked, err = MarkReferralsPaid(tx, aff.ID, 1, time.Now())
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, 2, marked)

		var paid []models.Referral
		require.NoError(t, db.Where("is_paid = ?", true).Order("id").Find(&paid).Error)
		require.Len(t, paid, 2)
		assert.Equal(t, int64(300), paid[0].Commission)
		assert.Equal(t, int64(200), paid[1].Commission)
		require.NotNil(t, paid[0].PayoutID)
		assert.Equal(t, uint(1), *paid[0].PayoutID)
	})

	t.Run("Success - Leftover coverage carries into next payout", func(t *testing.T) {
		var marked int
		err := l.Atomically(ctx, aff.ID, func(tx *gorm.DB) error {
			if err := Settle(tx, aff.ID, 400); err != nil {
				return err
			}
			var err error
			marked, err = MarkReferralsPaid(tx, aff.ID, 2, time.Now())
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, 1, marked)

		var unpaid int64
		require.NoError(t, db.Model(&models.Referral{}).Where("is_paid = ?", false).Count(&unpaid).Error)
		assert.Equal(t, int64(0), unpaid)

		got := testutil.Reload(t, db, aff.ID)
		testutil.RequireLedgerInvariant(t, got)
		assert.Equal(t, int64(0), got.UnpaidBalance)
	})
}
