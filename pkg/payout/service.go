// Package payout settles affiliate balances, either recorded by an admin after
// a manual payment or sent automatically to managed accounts in batches.
package payout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/jordanlanch/courseplatform/pkg/domain"
	"github.com/jordanlanch/courseplatform/pkg/ledger"
	"github.com/jordanlanch/courseplatform/pkg/lock"
	"github.com/jordanlanch/courseplatform/pkg/logger"
	"github.com/jordanlanch/courseplatform/pkg/metrics"
	"github.com/jordanlanch/courseplatform/pkg/models"
	"github.com/jordanlanch/courseplatform/pkg/processor"
	"gorm.io/gorm"
)

// BatchLockKey guards against two batches running at once
const BatchLockKey = "payouts:batch"

// Notifier tells affiliates about automatic payout outcomes
type Notifier interface {
	SendPayoutCompletedEmail(toEmail, toName string, amount int64, currency, transactionID string) error
	SendPayoutFailedEmail(toEmail, toName string, amount int64, currency, reason string) error
}

// BatchConfig parameterizes one automatic payout run
type BatchConfig struct {
	MinimumPayoutThreshold int64
	Concurrency            int
	Currency               string
	TransferTimeout        time.Duration
}

// Result is the outcome for one affiliate in a batch
type Result struct {
	AffiliateID   uint                `json:"affiliate_id"`
	PayoutID      uint                `json:"payout_id,omitempty"`
	Amount        int64               `json:"amount"`
	Status        models.PayoutStatus `json:"status,omitempty"`
	TransactionID string              `json:"transaction_id,omitempty"`
	Skipped       bool                `json:"skipped,omitempty"`
	Error         string              `json:"error,omitempty"`
}

// Summary folds the per-affiliate results of a batch
type Summary struct {
	Processed  int      `json:"processed"`
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	Skipped    int      `json:"skipped"`
	Results    []Result `json:"results"`
}

// Service records and sends payouts
type Service struct {
	db        *gorm.DB
	ledger    *ledger.Ledger
	processor processor.Processor
	locks     lock.Locker
	notifier  Notifier
	metrics   *metrics.Metrics
	log       logger.Logger
	now       func() time.Time
}

// NewService creates a payout service. locks guards the batch; per-affiliate
// serialization goes through the ledger. notifier may be nil.
func NewService(db *gorm.DB, l *ledger.Ledger, p processor.Processor, locks lock.Locker, notifier Notifier, m *metrics.Metrics, log logger.Logger) *Service {
	return &Service{
		db:        db,
		ledger:    l,
		processor: p,
		locks:     locks,
		notifier:  notifier,
		metrics:   m,
		log:       log,
		now:       time.Now,
	}
}

// RecordPayout records money already sent outside the processor and settles
// the ledger. Amounts above the unpaid balance are rejected.
func (s *Service) RecordPayout(ctx context.Context, affiliateID uint, req models.RecordPayoutRequest) (*models.Payout, error) {
	if req.Amount <= 0 {
		return nil, domain.NewValidationError("payout amount must be positive")
	}
	if !req.PaymentMethod.Valid() {
		return nil, domain.NewValidationError("unknown payment method")
	}

	var payout *models.Payout
	err := s.ledger.Atomically(ctx, affiliateID, func(tx *gorm.DB) error {
		bal, err := ledger.GetBalance(tx, affiliateID)
		if err != nil {
			return err
		}
		if req.Amount > bal.UnpaidBalance {
			return domain.NewExceedsBalanceError(req.Amount, bal.UnpaidBalance)
		}

		now := s.now()
		payout = &models.Payout{
			AffiliateID:   affiliateID,
			Amount:        req.Amount,
			PaymentMethod: req.PaymentMethod,
			Status:        models.PayoutStatusCompleted,
			Notes:         req.Notes,
			PaidAt:        &now,
		}
		if req.TransactionID != "" {
			payout.TransactionID = &req.TransactionID
		}
		if err := tx.Create(payout).Error; err != nil {
			return fmt.Errorf("failed to create payout: %w", err)
		}

		if err := ledger.Settle(tx, affiliateID, req.Amount); err != nil {
			return err
		}
		_, err = ledger.MarkReferralsPaid(tx, affiliateID, payout.ID, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordPayout(string(req.PaymentMethod), string(models.PayoutStatusCompleted), req.Amount)
	s.log.Info("payout recorded",
		"affiliate_id", affiliateID,
		"payout_id", payout.ID,
		"amount", req.Amount,
		"payment_method", req.PaymentMethod)
	return payout, nil
}

// ProcessAutomaticPayouts transfers the full unpaid balance of every eligible
// managed-account affiliate. A failure for one affiliate never stops the batch.
// The batch ignores cancellation of ctx once started.
func (s *Service) ProcessAutomaticPayouts(ctx context.Context, cfg BatchConfig) (*Summary, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}

	unlock, err := s.locks.TryLock(ctx, BatchLockKey)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, domain.NewConflictError("a payout batch is already running")
		}
		return nil, err
	}
	defer unlock()

	ctx = context.WithoutCancel(ctx)
	start := s.now()

	eligible, err := s.eligible(ctx, cfg.MinimumPayoutThreshold)
	if err != nil {
		return nil, err
	}

	s.log.Info("payout batch started",
		"eligible", len(eligible),
		"threshold", cfg.MinimumPayoutThreshold,
		"concurrency", cfg.Concurrency)

	results := make([]Result, len(eligible))
	jobs := make(chan int)
	var wg sync.WaitGroup

	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = s.payOne(ctx, eligible[i], cfg)
			}
		}()
	}
	for i := range eligible {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	summary := Summarize(results)
	duration := time.Since(start)
	s.metrics.RecordBatch(duration)
	s.log.Info("payout batch finished",
		"processed", summary.Processed,
		"successful", summary.Successful,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"duration_ms", duration.Milliseconds())
	return summary, nil
}

// SettingsReader supplies the current affiliate program settings
type SettingsReader interface {
	GetSettings(ctx context.Context) (models.PlatformSettings, error)
}

// ProcessWithSettings runs a batch using the payout threshold currently
// configured for the program. Other fields of cfg are used as given.
func (s *Service) ProcessWithSettings(ctx context.Context, settings SettingsReader, cfg BatchConfig) (*Summary, error) {
	current, err := settings.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load payout threshold: %w", err)
	}
	cfg.MinimumPayoutThreshold = current.MinimumPayoutThreshold
	return s.ProcessAutomaticPayouts(ctx, cfg)
}

// Summarize folds per-affiliate results into batch totals
func Summarize(results []Result) *Summary {
	summary := &Summary{Results: results}
	for _, r := range results {
		switch {
		case r.Skipped:
			summary.Skipped++
		case r.Status == models.PayoutStatusCompleted:
			summary.Processed++
			summary.Successful++
		default:
			summary.Processed++
			summary.Failed++
		}
	}
	return summary
}

// eligible lists payable affiliates over the threshold. Affiliates with a
// pending payout are held back until that transfer is reconciled.
func (s *Service) eligible(ctx context.Context, threshold int64) ([]uint, error) {
	db := s.db.WithContext(ctx)
	unresolved := db.Model(&models.Payout{}).Select("affiliate_id").
		Where("status = ?", models.PayoutStatusPending)

	var ids []uint
	err := db.Model(&models.Affiliate{}).
		Where("is_active = ?", true).
		Where("payment_method = ?", models.PaymentMethodManagedAccount).
		Where("account_id IS NOT NULL").
		Where("account_status = ?", models.AccountStatusActive).
		Where("payouts_enabled = ?", true).
		Where("unpaid_balance > 0 AND unpaid_balance >= ?", threshold).
		Where("id NOT IN (?)", unresolved).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible affiliates: %w", err)
	}
	return ids, nil
}

func (s *Service) payOne(ctx context.Context, affiliateID uint, cfg BatchConfig) Result {
	result := Result{AffiliateID: affiliateID}
	log := s.log.With("affiliate_id", affiliateID)

	unlock, err := s.ledger.Lock(ctx, affiliateID)
	if err != nil {
		result.Status = models.PayoutStatusFailed
		result.Error = err.Error()
		return result
	}

	aff, outcome := s.transfer(ctx, affiliateID, cfg, &result, log)
	unlock()

	if aff != nil && outcome != "" {
		s.notify(aff, result, cfg.Currency, log)
	}
	return result
}

// transfer runs under the affiliate lock. It returns the affiliate and a
// non-empty outcome when a transfer was attempted.
func (s *Service) transfer(ctx context.Context, affiliateID uint, cfg BatchConfig, result *Result, log logger.Logger) (*models.Affiliate, models.PayoutStatus) {
	var aff models.Affiliate
	if err := s.db.WithContext(ctx).First(&aff, affiliateID).Error; err != nil {
		result.Status = models.PayoutStatusFailed
		result.Error = fmt.Sprintf("failed to load affiliate: %v", err)
		return nil, ""
	}

	// Re-check: the affiliate may have changed since the batch listed it
	if !aff.IsActive || aff.PaymentMethod != models.PaymentMethodManagedAccount || !aff.Payable() ||
		aff.UnpaidBalance <= 0 || aff.UnpaidBalance < cfg.MinimumPayoutThreshold {
		result.Skipped = true
		log.Info("affiliate no longer eligible, skipping")
		return nil, ""
	}

	pending, err := s.pendingPayouts(ctx, affiliateID)
	if err != nil {
		result.Status = models.PayoutStatusFailed
		result.Error = err.Error()
		return nil, ""
	}
	if pending > 0 {
		result.Skipped = true
		result.Error = "unresolved pending payout"
		log.Warn("affiliate has an unresolved pending payout, skipping", "pending", pending)
		return nil, ""
	}

	amount := aff.UnpaidBalance
	key := uuid.NewString()
	result.Amount = amount

	payout := &models.Payout{
		AffiliateID:    affiliateID,
		Amount:         amount,
		PaymentMethod:  models.PaymentMethodManagedAccount,
		IdempotencyKey: &key,
		Status:         models.PayoutStatusPending,
	}
	if err := s.db.WithContext(ctx).Create(payout).Error; err != nil {
		result.Status = models.PayoutStatusFailed
		result.Error = fmt.Sprintf("failed to create payout: %v", err)
		return nil, ""
	}
	result.PayoutID = payout.ID

	transferCtx := ctx
	if cfg.TransferTimeout > 0 {
		var cancel context.CancelFunc
		transferCtx, cancel = context.WithTimeout(ctx, cfg.TransferTimeout)
		defer cancel()
	}

	tr, err := s.processor.Transfer(transferCtx, processor.TransferParams{
		AccountID:      *aff.AccountID,
		Amount:         amount,
		Currency:       cfg.Currency,
		IdempotencyKey: key,
		Description:    "Affiliate commission payout",
		Metadata: map[string]string{
			"affiliate_id": strconv.FormatUint(uint64(affiliateID), 10),
			"payout_id":    strconv.FormatUint(uint64(payout.ID), 10),
		},
	})
	if err != nil {
		s.recordFailure(ctx, payout, err, log)
		result.Status = models.PayoutStatusFailed
		result.Error = err.Error()
		return &aff, models.PayoutStatusFailed
	}

	result.TransactionID = tr.TransactionID
	if err := s.recordSuccess(ctx, payout, tr.TransactionID); err != nil {
		// Money moved but the books did not; the pending row and its
		// idempotency key identify the transfer for reconciliation
		log.Error("transfer sent but settlement failed",
			"payout_id", payout.ID,
			"transaction_id", tr.TransactionID,
			"error", err)
		capture(err, affiliateID, payout.ID)
		result.Status = models.PayoutStatusFailed
		result.Error = "settlement failed after transfer: " + err.Error()
		return nil, ""
	}

	result.Status = models.PayoutStatusCompleted
	s.metrics.RecordPayout(string(models.PaymentMethodManagedAccount), string(models.PayoutStatusCompleted), amount)
	log.Info("payout completed", "payout_id", payout.ID, "amount", amount, "transaction_id", tr.TransactionID)
	return &aff, models.PayoutStatusCompleted
}

func (s *Service) pendingPayouts(ctx context.Context, affiliateID uint) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Payout{}).
		Where("affiliate_id = ? AND status = ?", affiliateID, models.PayoutStatusPending).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to check pending payouts: %w", err)
	}
	return count, nil
}

func (s *Service) recordSuccess(ctx context.Context, payout *models.Payout, transactionID string) error {
	now := s.now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&models.Payout{}).Where("id = ?", payout.ID).Updates(map[string]interface{}{
			"status":         models.PayoutStatusCompleted,
			"transaction_id": transactionID,
			"paid_at":        now,
		}).Error
		if err != nil {
			return fmt.Errorf("failed to complete payout: %w", err)
		}

		if err := ledger.Settle(tx, payout.AffiliateID, payout.Amount); err != nil {
			return err
		}
		if _, err := ledger.MarkReferralsPaid(tx, payout.AffiliateID, payout.ID, now); err != nil {
			return err
		}

		return tx.Model(&models.Affiliate{}).Where("id = ?", payout.AffiliateID).Updates(map[string]interface{}{
			"last_payout_error":    nil,
			"last_payout_error_at": nil,
		}).Error
	})
}

func (s *Service) recordFailure(ctx context.Context, payout *models.Payout, cause error, log logger.Logger) {
	now := s.now()
	msg := cause.Error()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&models.Payout{}).Where("id = ?", payout.ID).Updates(map[string]interface{}{
			"status":        models.PayoutStatusFailed,
			"error_message": msg,
		}).Error
		if err != nil {
			return err
		}
		return tx.Model(&models.Affiliate{}).Where("id = ?", payout.AffiliateID).Updates(map[string]interface{}{
			"last_payout_error":    msg,
			"last_payout_error_at": now,
		}).Error
	})
	if err != nil {
		log.Error("failed to record payout failure", "payout_id", payout.ID, "error", err)
	}

	s.metrics.RecordPayout(string(models.PaymentMethodManagedAccount), string(models.PayoutStatusFailed), payout.Amount)
	log.Warn("payout transfer failed", "payout_id", payout.ID, "amount", payout.Amount, "error", cause)
	capture(cause, payout.AffiliateID, payout.ID)
}

func (s *Service) notify(aff *models.Affiliate, result Result, currency string, log logger.Logger) {
	if s.notifier == nil || aff.Email == "" {
		return
	}

	var err error
	if result.Status == models.PayoutStatusCompleted {
		err = s.notifier.SendPayoutCompletedEmail(aff.Email, aff.Name, result.Amount, currency, result.TransactionID)
	} else {
		err = s.notifier.SendPayoutFailedEmail(aff.Email, aff.Name, result.Amount, currency, result.Error)
	}
	if err != nil {
		log.Warn("payout notification failed", "error", err)
	}
}

func capture(err error, affiliateID, payoutID uint) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", "payouts")
		scope.SetTag("affiliate_id", strconv.FormatUint(uint64(affiliateID), 10))
		scope.SetTag("payout_id", strconv.FormatUint(uint64(payoutID), 10))
		sentry.CaptureException(err)
	})
}

// ListPayouts returns an affiliate's payouts, newest first
func (s *Service) ListPayouts(ctx context.Context, affiliateID uint, limit, offset int) ([]models.Payout, int64, error) {
	scope := func() *gorm.DB {
		return s.db.WithContext(ctx).Model(&models.Payout{}).Where("affiliate_id = ?", affiliateID)
	}

	var total int64
	if err := scope().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count payouts: %w", err)
	}

	var payouts []models.Payout
	err := scope().Order("created_at DESC, id DESC").Limit(limit).Offset(offset).Find(&payouts).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list payouts: %w", err)
	}
	return payouts, total, nil
}
