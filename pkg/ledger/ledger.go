// Package ledger keeps each affiliate's running totals.
//
// Invariant: total_earnings == paid_amount + unpaid_balance, all >= 0.
// Credit and Settle change two columns in one conditional UPDATE, and callers
// hold the affiliate's lock (see Atomically) so reads that precede a write are
// not invalidated by a concurrent credit or settle.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jordanlanch/courseplatform/pkg/domain"
	"github.com/jordanlanch/courseplatform/pkg/lock"
	"github.com/jordanlanch/courseplatform/pkg/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Balance is a snapshot of an affiliate's totals
type Balance struct {
	TotalEarnings int64 `json:"total_earnings"`
	PaidAmount    int64 `json:"paid_amount"`
	UnpaidBalance int64 `json:"unpaid_balance"`
}

// Ledger applies earn and paid events to affiliate totals
type Ledger struct {
	db    *gorm.DB
	locks lock.Locker
}

// New creates a Ledger. locks provides the per-affiliate serialization boundary.
func New(db *gorm.DB, locks lock.Locker) *Ledger {
	return &Ledger{db: db, locks: locks}
}

// LockKey is the lock name for one affiliate
func LockKey(affiliateID uint) string {
	return "affiliate:" + strconv.FormatUint(uint64(affiliateID), 10)
}

// Lock takes the affiliate's lock without opening a transaction. Use it when
// the critical section includes a call to an external system.
func (l *Ledger) Lock(ctx context.Context, affiliateID uint) (lock.Unlock, error) {
	return l.locks.Lock(ctx, LockKey(affiliateID))
}

// Atomically runs fn in a database transaction while holding the affiliate's lock
func (l *Ledger) Atomically(ctx context.Context, affiliateID uint, fn func(tx *gorm.DB) error) error {
	unlock, err := l.Lock(ctx, affiliateID)
	if err != nil {
		return err
	}
	defer unlock()

	return l.db.WithContext(ctx).Transaction(fn)
}

// Credit records earnings for an affiliate
func (l *Ledger) Credit(ctx context.Context, affiliateID uint, amount int64) error {
	return l.Atomically(ctx, affiliateID, func(tx *gorm.DB) error {
		return Credit(tx, affiliateID, amount)
	})
}

// Settle moves amount from unpaid to paid for an affiliate
func (l *Ledger) Settle(ctx context.Context, affiliateID uint, amount int64) error {
	return l.Atomically(ctx, affiliateID, func(tx *gorm.DB) error {
		return Settle(tx, affiliateID, amount)
	})
}

// Balance reads the current totals
func (l *Ledger) Balance(ctx context.Context, affiliateID uint) (Balance, error) {
	return GetBalance(l.db.WithContext(ctx), affiliateID)
}

// Credit raises total_earnings and unpaid_balance inside tx
func Credit(tx *gorm.DB, affiliateID uint, amount int64) error {
	if amount < 0 {
		return domain.NewValidationError("credit amount must not be negative")
	}
	if amount == 0 {
		return nil
	}

	res := tx.Model(&models.Affiliate{}).
		Where("id = ?", affiliateID).
		Updates(map[string]interface{}{
			"total_earnings": gorm.Expr("total_earnings + ?", amount),
			"unpaid_balance": gorm.Expr("unpaid_balance + ?", amount),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to credit affiliate %d: %w", affiliateID, res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.NewNotFoundError("affiliate")
	}
	return nil
}

// Settle lowers unpaid_balance and raises paid_amount inside tx.
// It fails with InsufficientBalance when amount > unpaid_balance.
func Settle(tx *gorm.DB, affiliateID uint, amount int64) error {
	if amount <= 0 {
		return domain.NewValidationError("settle amount must be positive")
	}

	res := tx.Model(&models.Affiliate{}).
		Where("id = ? AND unpaid_balance >= ?", affiliateID, amount).
		Updates(map[string]interface{}{
			"unpaid_balance": gorm.Expr("unpaid_balance - ?", amount),
			"paid_amount":    gorm.Expr("paid_amount + ?", amount),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to settle affiliate %d: %w", affiliateID, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	bal, err := GetBalance(tx, affiliateID)
	if err != nil {
		return err
	}
	return domain.NewInsufficientBalanceError(amount, bal.UnpaidBalance)
}

// GetBalance reads totals, locking the row when the dialect supports it
func GetBalance(tx *gorm.DB, affiliateID uint) (Balance, error) {
	var aff models.Affiliate
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id", "total_earnings", "paid_amount", "unpaid_balance").
		First(&aff, affiliateID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Balance{}, domain.NewNotFoundError("affiliate")
		}
		return Balance{}, fmt.Errorf("failed to read balance: %w", err)
	}

	return Balance{
		TotalEarnings: aff.TotalEarnings,
		PaidAmount:    aff.PaidAmount,
		UnpaidBalance: aff.UnpaidBalance,
	}, nil
}

// MarkReferralsPaid flips unpaid referrals to paid, oldest first, while the
// settled amount not yet attributed to referrals covers them. Call it after
// Settle in the same transaction.
func MarkReferralsPaid(tx *gorm.DB, affiliateID, payoutID uint, paidAt time.Time) (int, error) {
	bal, err := GetBalance(tx, affiliateID)
	if err != nil {
		return 0, err
	}

	var alreadyPaid int64
	err = tx.Model(&models.Referral{}).
		Where("affiliate_id = ? AND is_paid = ?", affiliateID, true).
		Select("COALESCE(SUM(commission), 0)").
		Scan(&alreadyPaid).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum paid referrals: %w", err)
	}

	coverage := bal.PaidAmount - alreadyPaid
	if coverage <= 0 {
		return 0, nil
	}

	var unpaid []models.Referral
	err = tx.Where("affiliate_id = ? AND is_paid = ?", affiliateID, false).
		Order("created_at ASC, id ASC").
		Find(&unpaid).Error
	if err != nil {
		return 0, fmt.Errorf("failed to list unpaid referrals: %w", err)
	}

	ids := make([]uint, 0, len(unpaid))
	for _, r := range unpaid {
		if r.Commission > coverage {
			break
		}
		coverage -= r.Commission
		ids = append(ids, r.ID)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	err = tx.Model(&models.Referral{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"is_paid":   true,
			"payout_id": payoutID,
			"paid_at":   paidAt,
		}).Error
	if err != nil {
		return 0, fmt.Errorf("failed to mark referrals paid: %w", err)
	}
	return len(ids), nil
}
