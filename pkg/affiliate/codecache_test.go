package affiliate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jordanlanch/courseplatform/pkg/cache"
	"github.com/jordanlanch/courseplatform/pkg/domain"
	"github.com/jordanlanch/courseplatform/pkg/models"
	"github.com/jordanlanch/courseplatform/pkg/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupCachedService(t *testing.T) (*Service, *miniredis.Miniredis) {
	service, _ := setupService(t)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := &cache.Client{Redis: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	t.Cleanup(func() { client.Close() })

	return service.WithCodeCache(client, time.Minute), mr
}

func TestGetActiveByCode_Cache(t *testing.T) {
	ctx := context.Background()

	t.Run("Success - Second lookup is served from cache", func(t *testing.T) {
		service, mr := setupCachedService(t)
		aff := testutil.CreateAffiliate(t, service.db, testutil.WithRates(20, 5))

		first, err := service.GetActiveByCode(ctx, aff.Code)
		require.NoError(t, err)
		assert.True(t, mr.Exists(codeKeyPrefix+aff.Code))

		// Written behind the service's back, so only a cache hit keeps the old rate
		require.NoError(t, service.db.Model(&models.Affiliate{}).Where("id = ?", aff.ID).
			Update("discount_rate", 10).Error)

		second, err := service.GetActiveByCode(ctx, " "+aff.Code)
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, 5, second.DiscountRate)
	})

	t.Run("Success - Discount change evicts the entry", func(t *testing.T) {
		service, mr := setupCachedService(t)
		aff := testutil.CreateAffiliate(t, service.db, testutil.WithRates(20, 5))

		_, err := service.GetActiveByCode(ctx, aff.Code)
		require.NoError(t, err)

		_, err = service.UpdateDiscountRate(ctx, aff.ID, 10)
		require.NoError(t, err)
		assert.False(t, mr.Exists(codeKeyPrefix+aff.Code))

		got, err := service.GetActiveByCode(ctx, aff.Code)
		require.NoError(t, err)
		assert.Equal(t, 10, got.DiscountRate)
	})

	t.Run("Failure - Deactivation evicts the entry", func(t *testing.T) {
		service, _ := setupCachedService(t)
		aff := testutil.CreateAffiliate(t, service.db)

		_, err := service.GetActiveByCode(ctx, aff.Code)
		require.NoError(t, err)

		_, err = service.SetActive(ctx, aff.ID, false)
		require.NoError(t, err)

		_, err = service.GetActiveByCode(ctx, aff.Code)
		assert.True(t, errors.Is(err, domain.ErrUnknownAffiliate))
	})

	t.Run("Success - Unreachable cache falls back to the database", func(t *testing.T) {
		service, mr := setupCachedService(t)
		aff := testutil.CreateAffiliate(t, service.db)
		mr.Close()

		got, err := service.GetActiveByCode(ctx, aff.Code)
		require.NoError(t, err)
		assert.Equal(t, aff.ID, got.ID)
	})
}
