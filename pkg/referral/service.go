// Package referral attributes completed purchases to affiliates and credits
// their commission.
package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jordanlanch/courseplatform/pkg/affiliate"
	"github.com/jordanlanch/courseplatform/pkg/commission"
	"github.com/jordanlanch/courseplatform/pkg/domain"
	"github.com/jordanlanch/courseplatform/pkg/ledger"
	"github.com/jordanlanch/courseplatform/pkg/logger"
	"github.com/jordanlanch/courseplatform/pkg/metrics"
	"github.com/jordanlanch/courseplatform/pkg/models"
	"gorm.io/gorm"
)

// Result is the outcome of an attribution. Created is false when the
// purchase had already been attributed.
type Result struct {
	Referral *models.Referral
	Created  bool
}

// Service handles purchase attribution
type Service struct {
	db         *gorm.DB
	ledger     *ledger.Ledger
	affiliates *affiliate.Service
	metrics    *metrics.Metrics
	log        logger.Logger
}

// NewService creates a referral service
func NewService(db *gorm.DB, l *ledger.Ledger, affiliates *affiliate.Service, m *metrics.Metrics, log logger.Logger) *Service {
	return &Service{
		db:         db,
		ledger:     l,
		affiliates: affiliates,
		metrics:    m,
		log:        log,
	}
}

// Attribute records the referral for a purchase and credits the commission.
// It is idempotent on purchaseID.
func (s *Service) Attribute(ctx context.Context, purchaseID, code string, amount int64) (*Result, error) {
	purchaseID = strings.TrimSpace(purchaseID)
	if purchaseID == "" {
		return nil, domain.NewValidationError("purchase id is required")
	}
	if amount < 0 {
		return nil, domain.NewValidationError("purchase amount must not be negative")
	}

	if existing, err := s.findByPurchase(s.db.WithContext(ctx), purchaseID); err != nil {
		return nil, err
	} else if existing != nil {
		s.metrics.RecordReferral(false, 0)
		return &Result{Referral: existing}, nil
	}

	aff, err := s.affiliates.GetActiveByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	var result Result
	err = s.ledger.Atomically(ctx, aff.ID, func(tx *gorm.DB) error {
		existing, err := s.findByPurchase(tx, purchaseID)
		if err != nil {
			return err
		}
		if existing != nil {
			result = Result{Referral: existing}
			return nil
		}

		// Rates are read under the lock so the snapshot matches what is credited
		var current models.Affiliate
		if err := tx.First(&current, aff.ID).Error; err != nil {
			return fmt.Errorf("failed to reload affiliate: %w", err)
		}
		if !current.IsActive {
			return domain.NewUnknownAffiliateError(code)
		}

		rates := commission.Rates{CommissionRate: current.CommissionRate, DiscountRate: current.DiscountRate}
		split, err := commission.Calculate(amount, rates)
		if err != nil {
			return err
		}

		ref := &models.Referral{
			AffiliateID:    current.ID,
			PurchaseID:     purchaseID,
			PurchaseAmount: amount,
			BuyerDiscount:  split.BuyerDiscount,
			Commission:     split.AffiliateCommission,
			CommissionRate: rates.CommissionRate,
			DiscountRate:   rates.DiscountRate,
		}
		if err := tx.Create(ref).Error; err != nil {
			return err
		}
		if err := ledger.Credit(tx, current.ID, split.AffiliateCommission); err != nil {
			return err
		}
		err = tx.Model(&models.Affiliate{}).Where("id = ?", current.ID).
			Update("total_referrals", gorm.Expr("total_referrals + ?", 1)).Error
		if err != nil {
			return fmt.Errorf("failed to count referral: %w", err)
		}

		result = Result{Referral: ref, Created: true}
		return nil
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Same purchase attributed concurrently through another code
		existing, findErr := s.findByPurchase(s.db.WithContext(ctx), purchaseID)
		if findErr != nil {
			return nil, findErr
		}
		if existing != nil {
			s.metrics.RecordReferral(false, 0)
			return &Result{Referral: existing}, nil
		}
	}
	if err != nil {
		return nil, err
	}

	s.metrics.RecordReferral(result.Created, result.Referral.Commission)
	if result.Created {
		s.log.Info("referral attributed",
			"affiliate_id", aff.ID,
			"purchase_id", purchaseID,
			"purchase_amount", amount,
			"commission", result.Referral.Commission,
			"buyer_discount", result.Referral.BuyerDiscount)
	}
	return &result, nil
}

// Quote previews the discount an affiliate code gives on amount
func (s *Service) Quote(ctx context.Context, code string, amount int64) (*models.QuoteResponse, error) {
	aff, err := s.affiliates.GetActiveByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	split, finalPrice, err := commission.Quote(amount, commission.Rates{
		CommissionRate: aff.CommissionRate,
		DiscountRate:   aff.DiscountRate,
	})
	if err != nil {
		return nil, err
	}

	return &models.QuoteResponse{
		AffiliateCode: aff.Code,
		Amount:        amount,
		BuyerDiscount: split.BuyerDiscount,
		FinalPrice:    finalPrice,
	}, nil
}

// ListReferrals returns an affiliate's referrals, newest first
func (s *Service) ListReferrals(ctx context.Context, affiliateID uint, limit, offset int) ([]models.Referral, int64, error) {
	scope := func() *gorm.DB {
		return s.db.WithContext(ctx).Model(&models.Referral{}).Where("affiliate_id = ?", affiliateID)
	}

	var total int64
	if err := scope().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count referrals: %w", err)
	}

	var referrals []models.Referral
	err := scope().Order("created_at DESC, id DESC").Limit(limit).Offset(offset).Find(&referrals).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list referrals: %w", err)
	}
	return referrals, total, nil
}

func (s *Service) findByPurchase(db *gorm.DB, purchaseID string) (*models.Referral, error) {
	var ref models.Referral
	err := db.Where("purchase_id = ?", purchaseID).Limit(1).Find(&ref).Error
	if err != nil {
		return nil, fmt.Errorf("failed to look up purchase: %w", err)
	}
	if ref.ID == 0 {
		return nil, nil
	}
	return &ref, nil
}
