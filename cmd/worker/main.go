// worker runs the moderation job dispatcher and the reconciler without the HTTP API.
// Use it when the API runs with JOB_DISPATCHER_ENABLED=false and RECONCILER_ENABLED=false.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mmdatafocus/docshare_backend/config"
	"github.com/mmdatafocus/docshare_backend/providers"
	"github.com/mmdatafocus/docshare_backend/workflow"
	"github.com/sirupsen/logrus"
)

func main() {
	settings := config.LoadSettings()
	logger := config.NewLogger(settings.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := config.ConnectDatabaseWithRetry(ctx, settings.DB, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "worker"}).Fatal("database: " + err.Error())
	}
	if err := config.SetReadCommitted(ctx, db, logger); err != nil {
		logger.WithFields(logrus.Fields{"field": "worker"}).Fatal("isolation level: " + err.Error())
	}

	deps := workflow.PipelineDeps{DB: db, Logger: logger, Settings: settings}

	rdb, locker, err := config.ConnectRedisWithRetry(ctx, settings.RedisAddress, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "worker"}).Fatal("redis: " + err.Error())
	}
	defer rdb.Close()
	deps.Locker = locker

	if settings.PubSubProjectID == "" {
		logger.WithFields(logrus.Fields{"field": "worker"}).Fatal("PUBSUB_PROJECT_ID is required to dispatch jobs")
	}
	client, err := config.NewPubSubClient(ctx, settings.PubSubProjectID, settings.PubSubCredentialsJSON, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "worker"}).Fatal("pubsub: " + err.Error())
	}
	defer client.Close()
	publisher := config.NewPubSubPublisher(client, settings.PubSubCreateTopics)
	defer publisher.Close()
	deps.Publisher = publisher

	if settings.GCSBucket != "" {
		gcs, err := config.NewGCSClient(ctx, settings.GCSCredentialsJSON)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "worker"}).Fatal("storage: " + err.Error())
		}
		defer gcs.Close()
		store, err := providers.NewGCSFileStore(gcs, settings.GCSBucket, settings.GCSCredentialsJSON, settings.GCSSignerEmail, settings.GCSSignerPrivateKey, settings.SignedURLTTL)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "worker"}).Fatal("storage: " + err.Error())
		}
		deps.Files = store
	}
	if settings.StripeSecretKey != "" {
		deps.Payments = providers.NewStripeProvider(settings.StripeSecretKey, settings.StripeWebhookSecret, logger)
	}
	if moderation, err := providers.NewModerationClient(settings.ModerationServiceURL, settings.ModerationServiceAPIKey, settings.ProviderTimeout); err == nil {
		deps.Moderation = moderation
	}

	pipeline := workflow.NewPipeline(deps)
	go pipeline.Reconciler.Run(ctx)

	logger.WithFields(logrus.Fields{"field": "worker", "topic": settings.ModerationTopic}).Info("worker started")
	pipeline.ModerationDispatcher().Run(ctx)
	logger.WithFields(logrus.Fields{"field": "worker"}).Info("worker stopped")
}
