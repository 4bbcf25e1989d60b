// reconcile runs a single reconciliation pass and prints the report as JSON.
//
// Usage:
//   go run ./cmd/reconcile -stale-after 15m
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mmdatafocus/docshare_backend/config"
	"github.com/mmdatafocus/docshare_backend/providers"
	"github.com/mmdatafocus/docshare_backend/workflow"
)

func main() {
	staleAfter := flag.Duration("stale-after", 0, "Optional: override RECONCILE_STALE_AFTER_MINUTES")
	batch := flag.Int("batch", 0, "Optional: max entities per category")
	timeout := flag.Duration("timeout", 10*time.Minute, "Overall deadline for the pass")
	flag.Parse()

	settings := config.LoadSettings()
	logger := config.NewLogger(settings.LogLevel)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := config.ConnectDatabaseWithRetry(ctx, settings.DB, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database: %v\n", err)
		os.Exit(1)
	}

	deps := workflow.PipelineDeps{DB: db, Logger: logger, Settings: settings}
	if settings.StripeSecretKey != "" {
		deps.Payments = providers.NewStripeProvider(settings.StripeSecretKey, settings.StripeWebhookSecret, logger)
	}
	if moderation, err := providers.NewModerationClient(settings.ModerationServiceURL, settings.ModerationServiceAPIKey, settings.ProviderTimeout); err == nil {
		deps.Moderation = moderation
	} else {
		fmt.Fprintf(os.Stderr, "moderation verification disabled: %v\n", err)
	}

	reconciler := workflow.NewPipeline(deps).Reconciler
	if *staleAfter > 0 {
		reconciler.StaleAfter = *staleAfter
	}
	if *batch > 0 {
		reconciler.BatchSize = *batch
	}

	report, err := reconciler.RunOnce(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconcile failed: %v\n", err)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
	if report.Errors > 0 {
		os.Exit(2)
	}
}
