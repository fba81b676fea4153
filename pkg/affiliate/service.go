package affiliate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jordanlanch/courseplatform/pkg/cache"
	"github.com/jordanlanch/courseplatform/pkg/commission"
	"github.com/jordanlanch/courseplatform/pkg/domain"
	"github.com/jordanlanch/courseplatform/pkg/ledger"
	"github.com/jordanlanch/courseplatform/pkg/logger"
	"github.com/jordanlanch/courseplatform/pkg/metrics"
	"github.com/jordanlanch/courseplatform/pkg/models"
	"gorm.io/gorm"
)

const codeAttempts = 5

// ClickData holds data for tracking a click
type ClickData struct {
	IPAddress   string
	UserAgent   string
	Referrer    string
	LandingPage string
	UTMSource   string
	UTMMedium   string
	UTMCampaign string
}

// Service handles affiliate registry operations
type Service struct {
	db          *gorm.DB
	ledger      *ledger.Ledger
	metrics     *metrics.Metrics
	log         logger.Logger
	frontendURL string

	codes   *cache.Client
	codeTTL time.Duration
}

// NewService creates a new affiliate service
func NewService(db *gorm.DB, l *ledger.Ledger, m *metrics.Metrics, log logger.Logger, frontendURL string) *Service {
	return &Service{
		db:          db,
		ledger:      l,
		metrics:     m,
		log:         log,
		frontendURL: strings.TrimRight(frontendURL, "/"),
	}
}

// CreateAffiliate enrolls a user. Missing rates come from settings.
func (s *Service) CreateAffiliate(ctx context.Context, req models.CreateAffiliateRequest, settings models.PlatformSettings) (*models.Affiliate, error) {
	rates := commission.Rates{
		CommissionRate: settings.DefaultCommissionRate,
		DiscountRate:   settings.DefaultDiscountRate,
	}
	if req.CommissionRate != nil {
		rates.CommissionRate = *req.CommissionRate
	}
	if req.DiscountRate != nil {
		rates.DiscountRate = *req.DiscountRate
	}
	if err := rates.Validate(); err != nil {
		return nil, err
	}

	db := s.db.WithContext(ctx)

	var existing int64
	if err := db.Model(&models.Affiliate{}).Where("user_id = ?", req.UserID).Count(&existing).Error; err != nil {
		return nil, fmt.Errorf("failed to check existing affiliate: %w", err)
	}
	if existing > 0 {
		return nil, domain.NewConflictError("user is already an affiliate")
	}

	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := generateAffiliateCode()
		if err != nil {
			return nil, fmt.Errorf("failed to generate affiliate code: %w", err)
		}

		aff := &models.Affiliate{
			UserID:         req.UserID,
			Code:           code,
			Name:           req.Name,
			Email:          req.Email,
			CommissionRate: rates.CommissionRate,
			DiscountRate:   rates.DiscountRate,
			PaymentMethod:  models.PaymentMethodManualLink,
			AccountStatus:  models.AccountStatusNotStarted,
			IsActive:       true,
		}

		err = db.Create(aff).Error
		if err == nil {
			s.log.Info("affiliate created", "affiliate_id", aff.ID, "user_id", aff.UserID, "code", aff.Code)
			return aff, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("failed to create affiliate: %w", err)
		}

		// Either the code collided or the user enrolled concurrently
		if err := db.Model(&models.Affiliate{}).Where("user_id = ?", req.UserID).Count(&existing).Error; err == nil && existing > 0 {
			return nil, domain.NewConflictError("user is already an affiliate")
		}
	}

	return nil, domain.NewConflictError("could not allocate a unique affiliate code")
}

// GetByID loads an affiliate
func (s *Service) GetByID(ctx context.Context, id uint) (*models.Affiliate, error) {
	return s.find(ctx, "id = ?", id)
}

// GetByUserID loads the affiliate owned by a platform user
func (s *Service) GetByUserID(ctx context.Context, userID uint) (*models.Affiliate, error) {
	return s.find(ctx, "user_id = ?", userID)
}

// GetActiveByCode resolves a referral code. Unknown and inactive codes both
// return UnknownAffiliate. With a code cache the result carries identity and
// rates only.
func (s *Service) GetActiveByCode(ctx context.Context, code string) (*models.Affiliate, error) {
	normalized := NormalizeCode(code)
	if aff := s.cachedCode(ctx, normalized); aff != nil {
		return aff, nil
	}

	aff, err := s.find(ctx, "code = ?", normalized)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NewUnknownAffiliateError(code)
		}
		return nil, err
	}
	if !aff.IsActive {
		return nil, domain.NewUnknownAffiliateError(code)
	}

	s.cacheCode(ctx, aff)
	return aff, nil
}

func (s *Service) find(ctx context.Context, query string, arg interface{}) (*models.Affiliate, error) {
	var aff models.Affiliate
	if err := s.db.WithContext(ctx).Where(query, arg).First(&aff).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFoundError("affiliate")
		}
		return nil, fmt.Errorf("failed to get affiliate: %w", err)
	}
	return &aff, nil
}

// SetActive enables or disables an affiliate. Inactive affiliates keep their
// balances but earn nothing new and are skipped by automatic payouts.
func (s *Service) SetActive(ctx context.Context, id uint, active bool) (*models.Affiliate, error) {
	res := s.db.WithContext(ctx).Model(&models.Affiliate{}).Where("id = ?", id).Update("is_active", active)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to update affiliate: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, domain.NewNotFoundError("affiliate")
	}

	s.log.Info("affiliate active flag changed", "affiliate_id", id, "is_active", active)
	aff, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.forgetCode(ctx, aff.Code)
	return aff, nil
}

// UpdatePaymentMethod switches how the affiliate is paid. Managed payouts need
// a connected account; manual payouts need a payment link.
func (s *Service) UpdatePaymentMethod(ctx context.Context, id uint, method models.PaymentMethod, link string) (*models.Affiliate, error) {
	if !method.Valid() {
		return nil, domain.NewValidationError("unknown payment method")
	}

	err := s.ledger.Atomically(ctx, id, func(tx *gorm.DB) error {
		var aff models.Affiliate
		if err := tx.First(&aff, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.NewNotFoundError("affiliate")
			}
			return err
		}

		updates := map[string]interface{}{"payment_method": method}
		switch method {
		case models.PaymentMethodManagedAccount:
			if aff.AccountID == nil {
				return domain.NewAccountNotConnectedError(id)
			}
		case models.PaymentMethodManualLink:
			if link == "" && aff.PaymentLink == "" {
				return domain.NewValidationError("payment link is required for manual payouts")
			}
			if link != "" {
				updates["payment_link"] = link
			}
		}

		return tx.Model(&models.Affiliate{}).Where("id = ?", id).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	return s.GetByID(ctx, id)
}

// UpdateDiscountRate sets how much of the commission goes to buyers.
// It must stay within [0, commission rate].
func (s *Service) UpdateDiscountRate(ctx context.Context, id uint, discountRate int) (*models.Affiliate, error) {
	err := s.ledger.Atomically(ctx, id, func(tx *gorm.DB) error {
		var aff models.Affiliate
		if err := tx.First(&aff, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.NewNotFoundError("affiliate")
			}
			return err
		}

		rates := commission.Rates{CommissionRate: aff.CommissionRate, DiscountRate: discountRate}
		if err := rates.Validate(); err != nil {
			return err
		}
		return tx.Model(&models.Affiliate{}).Where("id = ?", id).Update("discount_rate", discountRate).Error
	})
	if err != nil {
		return nil, err
	}

	aff, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.forgetCode(ctx, aff.Code)
	return aff, nil
}

// TrackClick records a click on an affiliate link
func (s *Service) TrackClick(ctx context.Context, code string, data ClickData) error {
	aff, err := s.GetActiveByCode(ctx, code)
	if err != nil {
		return err
	}

	click := &models.AffiliateClick{
		AffiliateID: aff.ID,
		IPAddress:   truncate(data.IPAddress, 64),
		UserAgent:   truncate(data.UserAgent, 512),
		Referrer:    truncate(data.Referrer, 1024),
		LandingPage: truncate(data.LandingPage, 1024),
		UTMSource:   truncate(data.UTMSource, 128),
		UTMMedium:   truncate(data.UTMMedium, 128),
		UTMCampaign: truncate(data.UTMCampaign, 128),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(click).Error; err != nil {
			return fmt.Errorf("failed to create click: %w", err)
		}
		return tx.Model(&models.Affiliate{}).Where("id = ?", aff.ID).
			Update("total_clicks", gorm.Expr("total_clicks + ?", 1)).Error
	})
	if err != nil {
		return err
	}

	s.metrics.RecordClick()
	return nil
}

// GetStats builds the dashboard summary for a user's affiliate account
func (s *Service) GetStats(ctx context.Context, userID uint) (*models.AffiliateStats, error) {
	aff, err := s.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	conversionRate := 0.0
	if aff.TotalClicks > 0 {
		conversionRate = (float64(aff.TotalReferrals) / float64(aff.TotalClicks)) * 100
	}

	return &models.AffiliateStats{
		Code:           aff.Code,
		IsActive:       aff.IsActive,
		CommissionRate: aff.CommissionRate,
		DiscountRate:   aff.DiscountRate,
		PaymentMethod:  aff.PaymentMethod,
		AccountStatus:  aff.AccountStatus,
		PayoutsEnabled: aff.PayoutsEnabled,
		TotalClicks:    aff.TotalClicks,
		TotalReferrals: aff.TotalReferrals,
		ConversionRate: conversionRate,
		TotalEarnings:  aff.TotalEarnings,
		PaidAmount:     aff.PaidAmount,
		UnpaidBalance:  aff.UnpaidBalance,
		ShareURL:       s.ShareURL(aff.Code),
	}, nil
}

// ShareURL is the link an affiliate hands out
func (s *Service) ShareURL(code string) string {
	return s.frontendURL + "/purchase?ref=" + code
}

// NormalizeCode canonicalizes user-supplied codes
func NormalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// generateAffiliateCode generates a URL-safe affiliate code
func generateAffiliateCode() (string, error) {
	bytes := make([]byte, 4)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
