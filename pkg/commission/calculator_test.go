package commission

import (
	"errors"
	"testing"

	"github.com/jordanlanch/courseplatform/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculate(t *testing.T) {
	t.Run("Success - Discount split", func(t *testing.T) {
		split, err := Calculate(10000, Rates{CommissionRate: 20, DiscountRate: 5})

		require.NoError(t, err)
		assert.Equal(t, int64(500), split.BuyerDiscount)
		assert.Equal(t, int64(1500), split.AffiliateCommission)
	})

	t.Run("Success - No discount", func(t *testing.T) {
		split, err := Calculate(4900, Rates{CommissionRate: 10})

		require.NoError(t, err)
		assert.Equal(t, int64(0), split.BuyerDiscount)
		assert.Equal(t, int64(490), split.AffiliateCommission)
	})

	t.Run("Success - Rounds half up per term", func(t *testing.T) {
		// 150 * 5% = 7.5 -> 8, 150 * 1% = 1.5 -> 2
		split, err := Calculate(150, Rates{CommissionRate: 6, DiscountRate: 1})

		require.NoError(t, err)
		assert.Equal(t, int64(2), split.BuyerDiscount)
		assert.Equal(t, int64(8), split.AffiliateCommission)
	})

	t.Run("Success - Zero amount", func(t *testing.T) {
		split, err := Calculate(0, Rates{CommissionRate: 50, DiscountRate: 50})

		require.NoError(t, err)
		assert.Equal(t, Split{}, split)
	})

	t.Run("Success - Whole commission given to buyer", func(t *testing.T) {
		split, err := Calculate(999, Rates{CommissionRate: 30, DiscountRate: 30})

		require.NoError(t, err)
		assert.Equal(t, int64(300), split.BuyerDiscount)
		assert.Equal(t, int64(0), split.AffiliateCommission)
	})

	t.Run("Failure - Negative amount", func(t *testing.T) {
		_, err := Calculate(-1, Rates{CommissionRate: 10})

		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrValidation))
	})
}

func TestCalculate_InvalidRates(t *testing.T) {
	tests := []struct {
		name  string
		rates Rates
	}{
		{"discount_above_commission", Rates{CommissionRate: 10, DiscountRate: 11}},
		{"negative_commission", Rates{CommissionRate: -1}},
		{"commission_above_100", Rates{CommissionRate: 101}},
		{"negative_discount", Rates{CommissionRate: 10, DiscountRate: -5}},
		{"discount_above_100", Rates{CommissionRate: 100, DiscountRate: 101}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Calculate(10000, tt.rates)

			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrInvalidRate))
		})
	}
}

func TestCalculate_SplitStaysWithinGrossCommission(t *testing.T) {
	amounts := []int64{0, 1, 7, 49, 50, 99, 101, 149, 150, 999, 1005, 4999, 10000, 123457}

	for _, amount := range amounts {
		for commissionRate := 0; commissionRate <= MaxRate; commissionRate += 7 {
			for discountRate := 0; discountRate <= commissionRate; discountRate += 3 {
				rates := Rates{CommissionRate: commissionRate, DiscountRate: discountRate}

				split, err := Calculate(amount, rates)
				require.NoError(t, err)

				gross := percentOf(amount, commissionRate)
				total := split.BuyerDiscount + split.AffiliateCommission
				assert.LessOrEqual(t, total-gross, int64(1), "amount=%d rates=%+v", amount, rates)
				assert.GreaterOrEqual(t, total-gross, int64(-1), "amount=%d rates=%+v", amount, rates)

				again, err := Calculate(amount, rates)
				require.NoError(t, err)
				assert.Equal(t, split, again)
			}
		}
	}
}

func TestQuote(t *testing.T) {
	split, price, err := Quote(10000, Rates{CommissionRate: 20, DiscountRate: 5})

	require.NoError(t, err)
	assert.Equal(t, int64(500), split.BuyerDiscount)
	assert.Equal(t, int64(9500), price)
}
