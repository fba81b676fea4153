package affiliate

import (
	"context"
	"errors"
	"fmt"

	"github.com/jordanlanch/courseplatform/pkg/commission"
	"github.com/jordanlanch/courseplatform/pkg/domain"
	"github.com/jordanlanch/courseplatform/pkg/models"
	"gorm.io/gorm"
)

const settingsID = 1

// GetSettings loads the program settings row
func (s *Service) GetSettings(ctx context.Context) (models.PlatformSettings, error) {
	var settings models.PlatformSettings
	if err := s.db.WithContext(ctx).First(&settings, settingsID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.PlatformSettings{}, domain.NewNotFoundError("affiliate settings")
		}
		return models.PlatformSettings{}, fmt.Errorf("failed to load settings: %w", err)
	}
	return settings, nil
}

// UpdateSettings applies the non-nil fields of req
func (s *Service) UpdateSettings(ctx context.Context, req models.UpdateSettingsRequest) (models.PlatformSettings, error) {
	settings, err := s.GetSettings(ctx)
	if err != nil {
		return models.PlatformSettings{}, err
	}

	if req.DefaultCommissionRate != nil {
		settings.DefaultCommissionRate = *req.DefaultCommissionRate
	}
	if req.DefaultDiscountRate != nil {
		settings.DefaultDiscountRate = *req.DefaultDiscountRate
	}
	if req.MinimumPayoutThreshold != nil {
		if *req.MinimumPayoutThreshold < 0 {
			return models.PlatformSettings{}, domain.NewValidationError("minimum payout threshold must not be negative")
		}
		settings.MinimumPayoutThreshold = *req.MinimumPayoutThreshold
	}

	rates := commission.Rates{
		CommissionRate: settings.DefaultCommissionRate,
		DiscountRate:   settings.DefaultDiscountRate,
	}
	if err := rates.Validate(); err != nil {
		return models.PlatformSettings{}, err
	}

	err = s.db.WithContext(ctx).Model(&models.PlatformSettings{}).Where("id = ?", settingsID).Updates(map[string]interface{}{
		"default_commission_rate":  settings.DefaultCommissionRate,
		"default_discount_rate":    settings.DefaultDiscountRate,
		"minimum_payout_threshold": settings.MinimumPayoutThreshold,
	}).Error
	if err != nil {
		return models.PlatformSettings{}, fmt.Errorf("failed to update settings: %w", err)
	}

	s.log.Info("affiliate settings updated",
		"default_commission_rate", settings.DefaultCommissionRate,
		"default_discount_rate", settings.DefaultDiscountRate,
		"minimum_payout_threshold", settings.MinimumPayoutThreshold)
	return s.GetSettings(ctx)
}
