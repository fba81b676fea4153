// Package commission splits a sale between the affiliate and the buyer.
//
// All arithmetic is integer minor units. Each term is rounded half-up on its
// own; the affiliate share is never derived by subtracting the discount from
// the gross commission.
package commission

import (
	"fmt"

	"github.com/jordanlanch/courseplatform/pkg/domain"
)

// MaxRate is the upper bound for both rates, in percent
const MaxRate = 100

// Rates is an affiliate's rate configuration in whole percent
type Rates struct {
	CommissionRate int
	DiscountRate   int
}

// Split is the result of one purchase
type Split struct {
	BuyerDiscount       int64 `json:"buyer_discount"`
	AffiliateCommission int64 `json:"affiliate_commission"`
}

// Validate checks 0 <= discount <= commission <= 100
func (r Rates) Validate() error {
	if r.CommissionRate < 0 || r.CommissionRate > MaxRate {
		return domain.NewInvalidRateError(fmt.Sprintf("commission rate %d outside [0,%d]", r.CommissionRate, MaxRate))
	}
	if r.DiscountRate < 0 || r.DiscountRate > MaxRate {
		return domain.NewInvalidRateError(fmt.Sprintf("discount rate %d outside [0,%d]", r.DiscountRate, MaxRate))
	}
	if r.DiscountRate > r.CommissionRate {
		return domain.NewInvalidRateError(fmt.Sprintf("discount rate %d exceeds commission rate %d", r.DiscountRate, r.CommissionRate))
	}
	return nil
}

// Calculate returns the buyer discount and the affiliate commission for a sale
func Calculate(amount int64, rates Rates) (Split, error) {
	if err := rates.Validate(); err != nil {
		return Split{}, err
	}
	if amount < 0 {
		return Split{}, domain.NewValidationError("purchase amount must not be negative")
	}

	return Split{
		BuyerDiscount:       percentOf(amount, rates.DiscountRate),
		AffiliateCommission: percentOf(amount, rates.CommissionRate-rates.DiscountRate),
	}, nil
}

// Quote returns the split plus the price the buyer pays after the discount
func Quote(amount int64, rates Rates) (Split, int64, error) {
	split, err := Calculate(amount, rates)
	if err != nil {
		return Split{}, 0, err
	}
	return split, amount - split.BuyerDiscount, nil
}

// percentOf computes round-half-up(amount * pct / 100) for amount, pct >= 0
func percentOf(amount int64, pct int) int64 {
	return (amount*int64(pct) + 50) / 100
}
