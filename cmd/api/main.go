package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/jordanlanch/courseplatform/config"
	"github.com/jordanlanch/courseplatform/pkg/account"
	"github.com/jordanlanch/courseplatform/pkg/affiliate"
	"github.com/jordanlanch/courseplatform/pkg/api/handlers"
	"github.com/jordanlanch/courseplatform/pkg/cache"
	"github.com/jordanlanch/courseplatform/pkg/database"
	"github.com/jordanlanch/courseplatform/pkg/email"
	"github.com/jordanlanch/courseplatform/pkg/jobs"
	"github.com/jordanlanch/courseplatform/pkg/ledger"
	"github.com/jordanlanch/courseplatform/pkg/lock"
	"github.com/jordanlanch/courseplatform/pkg/logger"
	"github.com/jordanlanch/courseplatform/pkg/metrics"
	custommiddleware "github.com/jordanlanch/courseplatform/pkg/middleware"
	"github.com/jordanlanch/courseplatform/pkg/payout"
	"github.com/jordanlanch/courseplatform/pkg/processor"
	"github.com/jordanlanch/courseplatform/pkg/referral"
	"github.com/jordanlanch/courseplatform/pkg/secrets"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Load configuration
	cfg := config.Load()
	log.Printf("🔧 Configuration loaded (environment: %s)", cfg.APIEnvironment)

	appLogger := logger.New(cfg.LogLevel)

	// Credentials from AWS Secrets Manager override the environment
	if cfg.SecretsBackend != secrets.BackendEnv {
		if err := applySecrets(cfg); err != nil {
			log.Fatalf("❌ Failed to load secrets: %v", err)
		}
		log.Printf("✅ Secrets loaded (backend: %s)", cfg.SecretsBackend)
	}

	// Initialize Sentry for error tracking
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.SentryEnvironment,
			Debug:            cfg.SentryDebug,
			TracesSampleRate: 0.2,
			AttachStacktrace: true,
		})
		if err != nil {
			log.Printf("⚠️  Failed to initialize Sentry: %v", err)
		} else {
			log.Printf("✅ Sentry initialized (environment: %s)", cfg.SentryEnvironment)
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Printf("ℹ️  Sentry disabled (no DSN configured)")
	}

	// Initialize database
	db, err := database.NewClientWithPoolAndSSL(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: database.DefaultPoolConfig().ConnMaxIdleTime,
	}, nil)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Locks live in Redis when configured, in-process otherwise
	var redisClient *cache.Client
	var locks, batchLocks lock.Locker = lock.NewKeyedMutex(), lock.NewKeyedMutex()
	if cfg.RedisURL != "" {
		redisClient, err = cache.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatalf("❌ Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		locks = lock.NewRedisLocker(redisClient, "affiliates:lock:", cfg.AffiliateLockTTL())
		batchLocks = lock.NewRedisLocker(redisClient, "affiliates:batch:", 2*time.Hour)
		log.Printf("✅ Redis locks enabled")
	} else {
		log.Printf("ℹ️  Redis disabled, using in-process locks (single instance only)")
	}

	// Initialize Prometheus metrics
	prometheusMetrics := metrics.New()
	log.Printf("✅ Prometheus metrics initialized")

	// Payment processor
	var (
		base   processor.Processor
		stripe *processor.Stripe
	)
	if cfg.StripeSecretKey != "" {
		stripe = processor.NewStripe(processor.StripeConfig{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			Country:       cfg.StripeCountry,
			HTTPTimeout:   cfg.ProcessorTimeout,
		})
		base = stripe
		log.Printf("✅ Stripe Connect processor enabled")
	} else {
		if cfg.IsProduction() {
			log.Fatalf("❌ STRIPE_SECRET_KEY is required in production")
		}
		base = processor.NewFake()
		log.Printf("ℹ️  Stripe disabled, using in-memory processor")
	}
	paymentProcessor := processor.NewGuarded(base, processor.GuardConfig{
		Timeout:       cfg.ProcessorTimeout,
		RatePerSecond: cfg.ProcessorRatePerSecond,
		Burst:         cfg.ProcessorBurst,
	}).WithRecorder(prometheusMetrics)

	// Initialize email service
	emailService := email.NewService(cfg.EmailFrom, cfg.EmailFromName, cfg.FrontendURL, cfg.SendGridAPIKey)

	// Services
	affiliateLedger := ledger.New(db.DB, locks)
	affiliateService := affiliate.NewService(db.DB, affiliateLedger, prometheusMetrics, appLogger, cfg.FrontendURL)
	if redisClient != nil {
		affiliateService.WithCodeCache(redisClient, cfg.AffiliateCodeCacheTTL)
	}
	referralService := referral.NewService(db.DB, affiliateLedger, affiliateService, prometheusMetrics, appLogger)
	payoutService := payout.NewService(db.DB, affiliateLedger, paymentProcessor, batchLocks, emailService, prometheusMetrics, appLogger)
	accountManager := account.NewManager(db.DB, affiliateLedger, paymentProcessor, appLogger, account.Config{
		StatusRetries: cfg.StatusRefreshRetries,
		RetryBackoff:  account.DefaultConfig().RetryBackoff,
		StaleAfter:    cfg.StatusStaleAfter,
	})

	batchConfig := payout.BatchConfig{
		Concurrency:     cfg.PayoutConcurrency,
		Currency:        cfg.PayoutCurrency,
		TransferTimeout: cfg.ProcessorTimeout,
	}

	// Initialize Echo
	e := echo.New()
	e.HideBanner = true

	globalRateLimiter := custommiddleware.NewRateLimiter(cfg.RateLimitRequestsPerMinute, cfg.RateLimitBurst)
	webhookRateLimiter := custommiddleware.NewRateLimiter(100, 20)
	stopCleanup := make(chan struct{})
	go globalRateLimiter.Cleanup(10*time.Minute, stopCleanup)
	go webhookRateLimiter.Cleanup(10*time.Minute, stopCleanup)

	// Global middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[%s] %s - Status: %d", c.Request().Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	if cfg.SentryDSN != "" {
		e.Use(sentryecho.New(sentryecho.Options{Repanic: true}))
	}
	e.Use(prometheusMetrics.Middleware())
	e.Use(middleware.CORSWithConfig(custommiddleware.CORSConfig(cfg.CORSAllowedOrigins)))
	e.Use(custommiddleware.SecurityHeaders(custommiddleware.DefaultSecurityHeadersConfig()))

	e.GET("/health", func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status":   "unhealthy",
				"database": "down",
			})
		}

		cacheStatus := "disabled"
		if redisClient != nil {
			if err := redisClient.Ping(ctx); err != nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]any{
					"status": "unhealthy",
					"cache":  "down",
				})
			}
			cacheStatus = "up"
		}

		return c.JSON(http.StatusOK, map[string]any{
			"status":   "healthy",
			"database": "up",
			"cache":    cacheStatus,
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	purchaseHandler := handlers.NewPurchaseHandler(affiliateService, referralService, handlers.PurchaseConfig{
		CheckoutURL:  cfg.FrontendURL + "/checkout",
		CookieDays:   cfg.AffiliateCookieDays,
		SecureCookie: cfg.IsProduction(),
	}, appLogger)
	affiliateHandler := handlers.NewAffiliateHandler(affiliateService, referralService, payoutService, accountManager)
	adminHandler := handlers.NewAdminHandler(affiliateService, payoutService, emailService, batchConfig, appLogger)

	// Public routes
	e.GET("/purchase", purchaseHandler.FollowLink, globalRateLimiter.RateLimitMiddleware())
	if stripe != nil {
		webhookHandler := handlers.NewWebhookHandler(stripe, accountManager, appLogger)
		e.POST("/webhooks/stripe", webhookHandler.HandleStripe, webhookRateLimiter.RateLimitMiddleware())
	}

	v1 := e.Group("/api/v1")
	v1.Use(globalRateLimiter.RateLimitMiddleware())
	v1.POST("/purchases/attribute", purchaseHandler.Attribute)
	v1.GET("/affiliates/quote", purchaseHandler.Quote)

	// Affiliate routes (JWT)
	affiliateGroup := v1.Group("/affiliate", custommiddleware.JWTMiddleware(cfg.JWTSecret))
	{
		affiliateGroup.GET("/me", affiliateHandler.Me)
		affiliateGroup.PUT("/payment-method", affiliateHandler.UpdatePaymentMethod)
		affiliateGroup.PUT("/discount-rate", affiliateHandler.UpdateDiscountRate)
		affiliateGroup.POST("/account/onboard", affiliateHandler.StartOnboarding)
		affiliateGroup.POST("/account/link", affiliateHandler.LinkAccount)
		affiliateGroup.POST("/account/refresh", affiliateHandler.RefreshAccount)
		affiliateGroup.DELETE("/account", affiliateHandler.DisconnectAccount)
		affiliateGroup.GET("/referrals", affiliateHandler.ListReferrals)
		affiliateGroup.GET("/payouts", affiliateHandler.ListPayouts)
	}

	// Admin routes (JWT + admin role)
	adminGroup := v1.Group("/admin", custommiddleware.JWTMiddleware(cfg.JWTSecret), custommiddleware.RequireAdmin())
	{
		adminGroup.POST("/affiliates", adminHandler.EnrollAffiliate)
		adminGroup.PUT("/affiliates/:id/active", adminHandler.SetActive)
		adminGroup.POST("/affiliates/:id/payouts", adminHandler.RecordPayout)
		adminGroup.GET("/affiliate-settings", adminHandler.GetSettings)
		adminGroup.PUT("/affiliate-settings", adminHandler.UpdateSettings)
		adminGroup.POST("/payouts/process", adminHandler.ProcessPayouts)
	}

	// Scheduled jobs
	cronManager := jobs.NewCronManager(payoutService, affiliateService, accountManager, jobs.Config{
		PayoutSchedule:      cfg.PayoutCron,
		AccountSyncSchedule: cfg.AccountSyncCron,
		Batch:               batchConfig,
	}, log.Default())
	if err := cronManager.SetupJobs(); err != nil {
		log.Fatalf("❌ Failed to set up cron jobs: %v", err)
	}
	cronManager.Start()

	// Start server
	address := fmt.Sprintf("%s:%s", cfg.APIHost, cfg.APIPort)
	log.Printf("🚀 Affiliate API starting on %s", address)
	log.Printf("🛡️  Rate limiting: %d req/min (burst: %d)", cfg.RateLimitRequestsPerMinute, cfg.RateLimitBurst)
	log.Printf("💸 Payouts: currency=%s concurrency=%d processor=%.1f req/s", cfg.PayoutCurrency, cfg.PayoutConcurrency, cfg.ProcessorRatePerSecond)

	go func() {
		if err := e.Start(address); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down server...")
	close(stopCleanup)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		log.Printf("❌ Server forced to shutdown: %v", err)
	}

	// Let a running payout batch finish before closing the database
	cronManager.Stop()
	log.Println("✅ Server gracefully stopped")
}

func applySecrets(cfg *config.Config) error {
	manager, err := secrets.NewManager(secrets.Config{
		Backend:   cfg.SecretsBackend,
		AWSRegion: cfg.AWSRegion,
		Prefix:    cfg.SecretsPrefix,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	creds, err := secrets.LoadCredentials(ctx, manager)
	if err != nil {
		return err
	}

	cfg.JWTSecret = creds.JWTSecret
	cfg.DatabaseURL = creds.DatabaseURL
	if creds.StripeSecretKey != "" {
		cfg.StripeSecretKey = creds.StripeSecretKey
		cfg.StripeWebhookSecret = creds.StripeWebhookSecret
	}
	if creds.SendGridAPIKey != "" {
		cfg.SendGridAPIKey = creds.SendGridAPIKey
	}
	if creds.SentryDSN != "" {
		cfg.SentryDSN = creds.SentryDSN
	}
	return nil
}
