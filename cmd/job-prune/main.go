package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mmdatafocus/docshare_backend/config"
	"github.com/mmdatafocus/docshare_backend/models"
	"github.com/mmdatafocus/docshare_backend/workflow"
)

func main() {
	queue := flag.String("queue", models.QueueModeration, "Queue to prune")
	completed := flag.Duration("completed", 0, "Optional: retention for completed jobs (default JOB_COMPLETED_RETENTION_HOURS)")
	failed := flag.Duration("failed", 0, "Optional: retention for failed jobs (default JOB_FAILED_RETENTION_HOURS)")
	flag.Parse()

	settings := config.LoadSettings()
	logger := config.NewLogger(settings.LogLevel)
	ctx := context.Background()

	db, err := config.ConnectDatabaseWithRetry(ctx, settings.DB, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database: %v\n", err)
		os.Exit(1)
	}

	keepCompleted := settings.Jobs.CompletedRetention
	if *completed > 0 {
		keepCompleted = *completed
	}
	keepFailed := settings.Jobs.FailedRetention
	if *failed > 0 {
		keepFailed = *failed
	}

	now := time.Now().UTC()
	deleted, err := workflow.NewJobQueue(db, logger, settings.Jobs).Prune(ctx, *queue, now.Add(-keepCompleted), now.Add(-keepFailed))
	if err != nil {
		fmt.Fprintf(os.Stderr, "prune failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Pruned %d jobs from queue=%s\n", deleted, *queue)
}
