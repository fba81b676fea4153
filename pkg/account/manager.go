// Package account owns the lifecycle of affiliates' managed payment accounts.
// The persisted status only changes through a processor sync or a disconnect.
package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jordanlanch/courseplatform/pkg/domain"
	"github.com/jordanlanch/courseplatform/pkg/ledger"
	"github.com/jordanlanch/courseplatform/pkg/logger"
	"github.com/jordanlanch/courseplatform/pkg/models"
	"github.com/jordanlanch/courseplatform/pkg/processor"
	"gorm.io/gorm"
)

// Config controls status refresh retries
type Config struct {
	StatusRetries int
	RetryBackoff  time.Duration
	StaleAfter    time.Duration
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		StatusRetries: 3,
		RetryBackoff:  500 * time.Millisecond,
		StaleAfter:    24 * time.Hour,
	}
}

// Manager connects affiliates to processor accounts and keeps their status in sync
type Manager struct {
	db        *gorm.DB
	ledger    *ledger.Ledger
	processor processor.Processor
	log       logger.Logger
	config    Config
	now       func() time.Time
}

// NewManager creates a Manager
func NewManager(db *gorm.DB, l *ledger.Ledger, p processor.Processor, log logger.Logger, config Config) *Manager {
	return &Manager{
		db:        db,
		ledger:    l,
		processor: p,
		log:       log,
		config:    config,
		now:       time.Now,
	}
}

// RefreshStatus reads the account from the processor and applies the reported
// state. Transient processor failures are retried with exponential backoff.
// payouts_enabled and last_sync_at are stored even when the reported status is
// not a legal move; the status then stays put and InvalidTransition is returned.
func (m *Manager) RefreshStatus(ctx context.Context, affiliateID uint) (*models.Affiliate, error) {
	aff, err := loadAffiliate(m.db.WithContext(ctx), affiliateID)
	if err != nil {
		return nil, err
	}
	if aff.AccountID == nil {
		return nil, domain.NewAccountNotConnectedError(affiliateID)
	}
	accountID := *aff.AccountID

	state, err := m.fetchStatus(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var rejected error
	err = m.ledger.Atomically(ctx, affiliateID, func(tx *gorm.DB) error {
		current, err := loadAffiliate(tx, affiliateID)
		if err != nil {
			return err
		}
		// Disconnected or relinked while the processor was being read
		if current.AccountID == nil || *current.AccountID != accountID {
			return domain.NewAccountNotConnectedError(affiliateID)
		}

		next, moveErr := Reconcile(current.AccountStatus, state.Status)
		if moveErr != nil {
			rejected = moveErr
			m.log.Warn("processor reported an unexpected account status",
				"affiliate_id", affiliateID,
				"from", current.AccountStatus,
				"reported", state.Status,
				"payouts_enabled", state.PayoutsEnabled)
		}

		now := m.now()
		err = tx.Model(&models.Affiliate{}).Where("id = ?", affiliateID).Updates(map[string]interface{}{
			"account_status":  next,
			"payouts_enabled": state.PayoutsEnabled,
			"last_sync_at":    now,
		}).Error
		if err != nil {
			return fmt.Errorf("failed to update account status: %w", err)
		}

		if current.AccountStatus != next {
			m.log.Info("account status changed",
				"affiliate_id", affiliateID,
				"from", current.AccountStatus,
				"to", next,
				"payouts_enabled", state.PayoutsEnabled)
		}

		aff = current
		aff.AccountStatus = next
		aff.PayoutsEnabled = state.PayoutsEnabled
		aff.LastSyncAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rejected != nil {
		return nil, rejected
	}
	return aff, nil
}

func (m *Manager) fetchStatus(ctx context.Context, accountID string) (processor.AccountState, error) {
	backoff := m.config.RetryBackoff

	for attempt := 0; ; attempt++ {
		state, err := m.processor.GetAccountStatus(ctx, accountID)
		if err == nil {
			return state, nil
		}
		if !domain.IsRetryable(err) || attempt >= m.config.StatusRetries {
			return processor.AccountState{}, err
		}

		m.log.Warn("account status read failed, retrying",
			"account_id", accountID,
			"attempt", attempt+1,
			"error", err)

		select {
		case <-ctx.Done():
			return processor.AccountState{}, domain.NewProcessorUnavailableError(ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// Disconnect detaches the managed account and reverts the affiliate to manual payouts
func (m *Manager) Disconnect(ctx context.Context, affiliateID uint) error {
	return m.ledger.Atomically(ctx, affiliateID, func(tx *gorm.DB) error {
		aff, err := loadAffiliate(tx, affiliateID)
		if err != nil {
			return err
		}
		if aff.AccountID == nil {
			return domain.NewAccountNotConnectedError(affiliateID)
		}

		if err := detach(tx, affiliateID); err != nil {
			return err
		}

		m.log.Info("account disconnected", "affiliate_id", affiliateID, "account_id", *aff.AccountID)
		return nil
	})
}

func detach(tx *gorm.DB, affiliateID uint) error {
	err := tx.Model(&models.Affiliate{}).Where("id = ?", affiliateID).Updates(map[string]interface{}{
		"account_id":      nil,
		"account_status":  models.AccountStatusNotStarted,
		"payouts_enabled": false,
		"payment_method":  models.PaymentMethodManualLink,
		"last_sync_at":    nil,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to disconnect account: %w", err)
	}
	return nil
}

// StartOnboarding makes sure the affiliate has a processor account, switches
// them to managed payouts and returns a hosted onboarding link
func (m *Manager) StartOnboarding(ctx context.Context, affiliateID uint, returnURL, refreshURL string) (string, error) {
	accountID, created, err := m.ensureAccount(ctx, affiliateID)
	if err != nil {
		return "", err
	}

	if created {
		if _, err := m.RefreshStatus(ctx, affiliateID); err != nil {
			// The link is still usable; the next sync picks the status up
			m.log.Warn("initial account sync failed", "affiliate_id", affiliateID, "error", err)
		}
	}

	url, err := m.processor.CreateOnboardingLink(ctx, accountID, returnURL, refreshURL)
	if err != nil {
		return "", err
	}
	return url, nil
}

func (m *Manager) ensureAccount(ctx context.Context, affiliateID uint) (string, bool, error) {
	// Held across the processor call so two requests never create two accounts
	unlock, err := m.ledger.Lock(ctx, affiliateID)
	if err != nil {
		return "", false, err
	}
	defer unlock()

	db := m.db.WithContext(ctx)
	aff, err := loadAffiliate(db, affiliateID)
	if err != nil {
		return "", false, err
	}
	if !aff.IsActive {
		return "", false, domain.NewValidationError("affiliate is not active")
	}

	if aff.AccountID != nil {
		if aff.PaymentMethod != models.PaymentMethodManagedAccount {
			err := db.Model(&models.Affiliate{}).Where("id = ?", affiliateID).
				Update("payment_method", models.PaymentMethodManagedAccount).Error
			if err != nil {
				return "", false, fmt.Errorf("failed to update payment method: %w", err)
			}
		}
		return *aff.AccountID, false, nil
	}

	accountID, err := m.processor.CreateAccount(ctx, processor.AccountParams{
		AffiliateID: aff.ID,
		Email:       aff.Email,
		Name:        aff.Name,
	})
	if err != nil {
		return "", false, err
	}

	err = db.Model(&models.Affiliate{}).Where("id = ?", affiliateID).Updates(map[string]interface{}{
		"account_id":     accountID,
		"payment_method": models.PaymentMethodManagedAccount,
	}).Error
	if err != nil {
		return "", false, fmt.Errorf("failed to save account id: %w", err)
	}

	m.log.Info("managed account created", "affiliate_id", affiliateID, "account_id", accountID)
	return accountID, true, nil
}

// LinkAccount connects an existing processor account through an OAuth code
func (m *Manager) LinkAccount(ctx context.Context, affiliateID uint, code string) (*models.Affiliate, error) {
	if code == "" {
		return nil, domain.NewValidationError("authorization code is required")
	}

	accountID, err := m.processor.ExchangeOAuthCode(ctx, code)
	if err != nil {
		return nil, err
	}

	err = m.ledger.Atomically(ctx, affiliateID, func(tx *gorm.DB) error {
		aff, err := loadAffiliate(tx, affiliateID)
		if err != nil {
			return err
		}
		if aff.AccountID != nil && *aff.AccountID != accountID {
			return domain.NewConflictError("affiliate already has a connected account")
		}

		var owners int64
		err = tx.Model(&models.Affiliate{}).
			Where("account_id = ? AND id <> ?", accountID, affiliateID).
			Count(&owners).Error
		if err != nil {
			return fmt.Errorf("failed to check account ownership: %w", err)
		}
		if owners > 0 {
			return domain.NewConflictError("account is connected to another affiliate")
		}

		return tx.Model(&models.Affiliate{}).Where("id = ?", affiliateID).Updates(map[string]interface{}{
			"account_id":     accountID,
			"payment_method": models.PaymentMethodManagedAccount,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("managed account linked", "affiliate_id", affiliateID, "account_id", accountID)
	return m.RefreshStatus(ctx, affiliateID)
}

// HandleAccountUpdated reacts to a processor notification about accountID by
// re-reading the account. Unknown accounts are ignored.
func (m *Manager) HandleAccountUpdated(ctx context.Context, accountID string) error {
	aff, err := m.findByAccount(ctx, accountID)
	if err != nil || aff == nil {
		return err
	}

	_, err = m.RefreshStatus(ctx, aff.ID)
	if errors.Is(err, domain.ErrInvalidTransition) {
		// Payout flag and sync time are already stored; redelivery changes nothing
		return nil
	}
	return err
}

// HandleAccountDeauthorized detaches an account that revoked the platform's
// access. The account can no longer be read, so nothing is fetched from the
// processor. Unknown accounts are ignored.
func (m *Manager) HandleAccountDeauthorized(ctx context.Context, accountID string) error {
	aff, err := m.findByAccount(ctx, accountID)
	if err != nil || aff == nil {
		return err
	}

	return m.ledger.Atomically(ctx, aff.ID, func(tx *gorm.DB) error {
		current, err := loadAffiliate(tx, aff.ID)
		if err != nil {
			return err
		}
		// Already disconnected or relinked to another account
		if current.AccountID == nil || *current.AccountID != accountID {
			return nil
		}

		if err := detach(tx, aff.ID); err != nil {
			return err
		}

		m.log.Warn("account deauthorized, reverted to manual payouts",
			"affiliate_id", aff.ID,
			"account_id", accountID)
		return nil
	})
}

func (m *Manager) findByAccount(ctx context.Context, accountID string) (*models.Affiliate, error) {
	var aff models.Affiliate
	err := m.db.WithContext(ctx).Where("account_id = ?", accountID).First(&aff).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			m.log.Debug("account notification for unknown account", "account_id", accountID)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find affiliate by account: %w", err)
	}
	return &aff, nil
}

// SyncStale refreshes accounts that are mid-onboarding, restricted, or not
// synced within StaleAfter. It returns how many refreshed successfully.
func (m *Manager) SyncStale(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.config.StaleAfter)

	var ids []uint
	err := m.db.WithContext(ctx).Model(&models.Affiliate{}).
		Where("account_id IS NOT NULL").
		Where("account_status IN ? OR last_sync_at IS NULL OR last_sync_at < ?",
			[]models.AccountStatus{models.AccountStatusOnboarding, models.AccountStatusRestricted}, cutoff).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("failed to list stale accounts: %w", err)
	}

	synced := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if _, err := m.RefreshStatus(ctx, id); err != nil {
			m.log.Warn("account sync failed", "affiliate_id", id, "error", err)
			continue
		}
		synced++
	}
	return synced, nil
}

func loadAffiliate(db *gorm.DB, id uint) (*models.Affiliate, error) {
	var aff models.Affiliate
	if err := db.First(&aff, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFoundError("affiliate")
		}
		return nil, fmt.Errorf("failed to load affiliate: %w", err)
	}
	return &aff, nil
}
