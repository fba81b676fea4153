package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jordanlanch/courseplatform/pkg/domain"
	"github.com/jordanlanch/courseplatform/pkg/payout"
	"github.com/robfig/cron/v3"
)

// PayoutBatcher runs automatic payout batches
type PayoutBatcher interface {
	ProcessWithSettings(ctx context.Context, settings payout.SettingsReader, cfg payout.BatchConfig) (*payout.Summary, error)
}

// AccountSyncer refreshes managed accounts whose status may be out of date
type AccountSyncer interface {
	SyncStale(ctx context.Context) (int, error)
}

// Config holds job schedules. An empty schedule disables that job.
type Config struct {
	PayoutSchedule      string
	AccountSyncSchedule string
	Batch               payout.BatchConfig
	PayoutTimeout       time.Duration
	SyncTimeout         time.Duration
}

// CronManager manages scheduled jobs
type CronManager struct {
	cron     *cron.Cron
	payouts  PayoutBatcher
	settings payout.SettingsReader
	accounts AccountSyncer
	config   Config
	logger   *log.Logger
}

// NewCronManager creates a new cron manager. Runs that overlap the previous
// run of the same job are skipped.
func NewCronManager(payouts PayoutBatcher, settings payout.SettingsReader, accounts AccountSyncer, config Config, logger *log.Logger) *CronManager {
	if logger == nil {
		logger = log.Default()
	}
	if config.PayoutTimeout == 0 {
		config.PayoutTimeout = time.Hour
	}
	if config.SyncTimeout == 0 {
		config.SyncTimeout = 10 * time.Minute
	}

	return &CronManager{
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.PrintfLogger(logger)),
			cron.SkipIfStillRunning(cron.PrintfLogger(logger)),
		)),
		payouts:  payouts,
		settings: settings,
		accounts: accounts,
		config:   config,
		logger:   logger,
	}
}

// SetupJobs configures all scheduled jobs
func (cm *CronManager) SetupJobs() error {
	cm.logger.Println("Setting up cron jobs...")

	if cm.config.PayoutSchedule != "" {
		if _, err := cm.cron.AddFunc(cm.config.PayoutSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), cm.config.PayoutTimeout)
			defer cancel()
			cm.RunPayouts(ctx)
		}); err != nil {
			return fmt.Errorf("invalid payout schedule %q: %w", cm.config.PayoutSchedule, err)
		}
		cm.logger.Printf("  - %s: Automatic affiliate payouts", cm.config.PayoutSchedule)
	}

	if cm.config.AccountSyncSchedule != "" {
		if _, err := cm.cron.AddFunc(cm.config.AccountSyncSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), cm.config.SyncTimeout)
			defer cancel()
			cm.SyncAccounts(ctx)
		}); err != nil {
			return fmt.Errorf("invalid account sync schedule %q: %w", cm.config.AccountSyncSchedule, err)
		}
		cm.logger.Printf("  - %s: Managed account status sync", cm.config.AccountSyncSchedule)
	}

	cm.logger.Println("✅ Cron jobs configured successfully")
	return nil
}

// RunPayouts runs one automatic payout batch and logs its summary
func (cm *CronManager) RunPayouts(ctx context.Context) *payout.Summary {
	cm.logger.Println("🕐 Running automatic payout batch...")

	summary, err := cm.payouts.ProcessWithSettings(ctx, cm.settings, cm.config.Batch)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			cm.logger.Println("⚠️ Payout batch already running elsewhere, skipping")
			return nil
		}
		cm.logger.Printf("❌ Payout batch failed: %v", err)
		return nil
	}

	cm.logger.Printf("✅ Payout batch completed: processed=%d successful=%d failed=%d skipped=%d",
		summary.Processed, summary.Successful, summary.Failed, summary.Skipped)
	return summary
}

// SyncAccounts refreshes stale managed accounts
func (cm *CronManager) SyncAccounts(ctx context.Context) int {
	cm.logger.Println("🕐 Syncing managed account statuses...")

	n, err := cm.accounts.SyncStale(ctx)
	if err != nil {
		cm.logger.Printf("⚠️ Account sync completed with errors: %v", err)
	}

	cm.logger.Printf("📊 Refreshed %d managed accounts", n)
	return n
}

// Entries returns how many jobs are scheduled
func (cm *CronManager) Entries() int {
	return len(cm.cron.Entries())
}

// Start starts the cron scheduler
func (cm *CronManager) Start() {
	cm.logger.Println("🚀 Starting cron scheduler...")
	cm.cron.Start()
}

// Stop stops the cron scheduler and waits for running jobs
func (cm *CronManager) Stop() {
	cm.logger.Println("🛑 Stopping cron scheduler...")
	<-cm.cron.Stop().Done()
}
