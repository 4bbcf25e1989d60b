package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/docshare_backend/config"
	"github.com/mmdatafocus/docshare_backend/middlewares"
	"github.com/mmdatafocus/docshare_backend/models"
	"github.com/mmdatafocus/docshare_backend/providers"
	"github.com/mmdatafocus/docshare_backend/utils"
	"github.com/mmdatafocus/docshare_backend/workflow"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// FileStore is the document object store.
type FileStore interface {
	Upload(ctx context.Context, objectName string, data []byte, contentType string) (int64, error)
	Delete(ctx context.Context, objectName string) error
	SignedURL(ctx context.Context, objectName string) (string, time.Time, error)
}

// PaymentWebhookParser authenticates and decodes payment provider webhooks.
type PaymentWebhookParser interface {
	ParseWebhook(payload []byte, signature string) (*providers.PaymentEvent, error)
}

// App holds the process dependencies. Fields are set once during startup, before ready
// flips to true; handlers only run after that.
type App struct {
	Settings config.Settings
	Logger   *logrus.Logger
	DB       *gorm.DB
	Redis    *redis.Client
	Pipeline *workflow.Pipeline
	Files    FileStore
	Webhooks PaymentWebhookParser

	ready atomic.Bool
}

func (a *App) MarkReady() { a.ready.Store(true) }

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// Router builds the gin engine. It is safe to serve before dependencies connect: until
// MarkReady, everything except /healthz answers 503.
func (a *App) Router() *gin.Engine {
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if !a.ready.Load() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	if a.Settings.IsProduction() {
		corsConfig.AllowOrigins = utils.SplitAndTrim(a.Settings.CorsAllowedOrigins)
		if corsConfig.AllowOrigins == nil {
			corsConfig.AllowOrigins = []string{}
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition", "x-correlation-id")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(customErrorLogger(a.Logger))
	r.Use(gin.Recovery())

	// Provider callbacks authenticate themselves; no user session.
	r.POST("/webhooks/moderation", a.moderationWebhookHandler())
	r.POST("/webhooks/stripe", a.stripeWebhookHandler())

	api := r.Group("/api",
		middlewares.AuthMiddleware(a.Settings.JwtSecret),
		middlewares.RequireAuth(),
		a.rateLimited("api", a.Settings.RateLimitMax),
	)
	api.POST("/payments/intents", a.createPaymentIntentHandler())
	api.GET("/payments/verify/:id", a.rateLimited("verify", a.Settings.VerifyRateLimitMax), a.verifyPaymentHandler())

	api.POST("/documents", a.uploadDocumentHandler())
	api.GET("/documents/:id/status", a.rateLimited("verify", a.Settings.VerifyRateLimitMax), a.documentStatusHandler())
	api.POST("/documents/:id/download", a.downloadDocumentHandler())

	api.GET("/credits/balance", a.creditBalanceHandler())
	api.GET("/credits/transactions", a.creditTransactionsHandler())
	api.GET("/credits/transactions/export", a.exportCreditTransactionsHandler())

	api.GET("/notifications", a.listNotificationsHandler())
	api.GET("/notifications/unread-count", a.unreadNotificationsHandler())
	api.POST("/notifications/read-all", a.markAllNotificationsReadHandler())
	api.PATCH("/notifications/:id/read", a.markNotificationReadHandler())
	api.DELETE("/notifications/:id", a.deleteNotificationHandler())

	// Ops tooling (admin only).
	ops := r.Group("/internal/ops",
		middlewares.AuthMiddleware(a.Settings.JwtSecret),
		middlewares.RequireAdmin(),
	)
	ops.GET("/jobs/stats", a.jobStatsHandler())
	ops.POST("/jobs/retry", a.jobRetryHandler())
	ops.GET("/ledger/consistency", a.ledgerConsistencyHandler())

	r.NoRoute(customNotFoundHandler)
	return r
}

// rateLimited applies the Redis limiter when RATE_LIMIT_ENABLED is set.
func (a *App) rateLimited(scope string, limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Settings.RateLimitEnabled || a.Redis == nil || limit <= 0 {
			c.Next()
			return
		}
		middlewares.NewRateLimiter(a.Redis, scope, limit, a.Settings.RateLimitWindow).RateLimitMiddleware(c)
	}
}

func main() {
	settings := config.LoadSettings()
	logger := config.NewLogger(settings.LogLevel)
	if settings.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	app := &App{Settings: settings, Logger: logger}

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:              ":" + settings.Port,
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	closeDeps, err := app.connect(sigCtx)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "startup"}).Error("startup aborted: " + err.Error())
		_ = srv.Close()
		return
	}
	defer closeDeps()

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	if settings.DispatcherEnabled {
		go app.Pipeline.ModerationDispatcher().Run(workerCtx)
	}
	if settings.ReconcilerEnabled {
		go app.Pipeline.Reconciler.Run(workerCtx)
	}

	app.MarkReady()
	logger.WithFields(logrus.Fields{
		"field": "http",
		"port":  settings.Port,
	}).Info("server ready")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.ShutdownGracePeriod)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
}

// connect opens every external dependency and wires the pipeline. The returned func closes
// them in reverse order.
func (a *App) connect(ctx context.Context) (func(), error) {
	s := a.Settings
	lg := a.Logger
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	db, err := config.ConnectDatabaseWithRetry(ctx, s.DB, lg)
	if err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		closers = append(closers, func() { _ = sqlDB.Close() })
	}
	// AutoMigrate can run DDL that blocks tables; allow running it as a separate job instead.
	if !s.SkipMigrations {
		if err := models.MigrateTable(db); err != nil {
			closeAll()
			return nil, err
		}
	} else {
		lg.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}
	if err := config.SetReadCommitted(ctx, db, lg); err != nil {
		closeAll()
		return nil, err
	}

	rdb, locker, err := config.ConnectRedisWithRetry(ctx, s.RedisAddress, lg)
	if err != nil {
		closeAll()
		return nil, err
	}
	closers = append(closers, func() { _ = rdb.Close() })

	deps := workflow.PipelineDeps{DB: db, Logger: lg, Settings: s, Locker: locker}

	if s.PubSubProjectID != "" {
		client, err := config.NewPubSubClient(ctx, s.PubSubProjectID, s.PubSubCredentialsJSON, lg)
		if err != nil {
			closeAll()
			return nil, err
		}
		publisher := config.NewPubSubPublisher(client, s.PubSubCreateTopics)
		closers = append(closers, func() {
			publisher.Close()
			_ = client.Close()
		})
		deps.Publisher = publisher
	} else {
		lg.WithFields(logrus.Fields{"field": "pubsub"}).Warn("no Pub/Sub project configured; jobs stay queued until one is")
	}

	if s.GCSBucket != "" {
		gcs, err := config.NewGCSClient(ctx, s.GCSCredentialsJSON)
		if err != nil {
			closeAll()
			return nil, err
		}
		closers = append(closers, func() { _ = gcs.Close() })
		store, err := providers.NewGCSFileStore(gcs, s.GCSBucket, s.GCSCredentialsJSON, s.GCSSignerEmail, s.GCSSignerPrivateKey, s.SignedURLTTL)
		if err != nil {
			closeAll()
			return nil, err
		}
		a.Files = store
		deps.Files = store
	}

	if s.StripeSecretKey != "" {
		stripe := providers.NewStripeProvider(s.StripeSecretKey, s.StripeWebhookSecret, lg)
		a.Webhooks = stripe
		deps.PaymentCreator = stripe
		deps.Payments = stripe
	}

	if moderation, err := providers.NewModerationClient(s.ModerationServiceURL, s.ModerationServiceAPIKey, s.ProviderTimeout); err == nil {
		deps.Moderation = moderation
	} else {
		lg.WithFields(logrus.Fields{"field": "moderation"}).Warn("moderation verification disabled: " + err.Error())
	}

	a.DB = db
	a.Redis = rdb
	a.Pipeline = workflow.NewPipeline(deps)
	return closeAll, nil
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 && logger != nil {
			cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
			logger.WithFields(logrus.Fields{
				"field":          "http",
				"path":           c.FullPath(),
				"correlation_id": cid,
			}).Error(c.Errors.String())
		}
	}
}
