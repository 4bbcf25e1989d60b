package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/docshare_backend/config"
	"github.com/mmdatafocus/docshare_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type ReconcileReport struct {
	Reenqueued       int `json:"reenqueued"`
	PaymentsChecked  int `json:"payments_checked"`
	PaymentsSettled  int `json:"payments_settled"`
	DocumentsChecked int `json:"documents_checked"`
	DocumentsSettled int `json:"documents_settled"`
	Errors           int `json:"errors"`
}

// Reconciler recovers entities left pending by a lost enqueue or a lost callback.
type Reconciler struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Queue    *JobQueue
	Verifier *Verifier

	// EnqueueGrace is how long a fresh upload may go without a job before it is re-enqueued.
	EnqueueGrace time.Duration
	StaleAfter   time.Duration
	BatchSize    int
	Interval     time.Duration

	now func() time.Time
}

func NewReconciler(db *gorm.DB, logger *logrus.Logger, queue *JobQueue, verifier *Verifier, staleAfter, interval time.Duration) *Reconciler {
	return &Reconciler{
		DB:           db,
		Logger:       logger,
		Queue:        queue,
		Verifier:     verifier,
		EnqueueGrace: time.Minute,
		StaleAfter:   staleAfter,
		BatchSize:    100,
		Interval:     interval,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reconciler) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				config.LogError(r.Logger, "Reconciler", "Run", "reconcile pass", nil, err)
			}
		}
	}
}

// RunOnce performs one pass. Per-entity failures are counted and logged; only a failure to
// list candidates aborts the pass.
func (r *Reconciler) RunOnce(ctx context.Context) (*ReconcileReport, error) {
	now := time.Now().UTC()
	if r.now != nil {
		now = r.now()
	}
	limit := r.BatchSize
	if limit <= 0 {
		limit = 100
	}
	report := &ReconcileReport{}

	if r.Queue != nil {
		orphans, err := models.ListPendingDocumentsWithoutJob(ctx, r.DB, now.Add(-r.EnqueueGrace), limit)
		if err != nil {
			return report, err
		}
		for _, doc := range orphans {
			_, err := r.Queue.Enqueue(ctx, models.QueueModeration, doc.ID, map[string]interface{}{
				"file_path":    doc.FilePath,
				"content_type": doc.ContentType,
				"reenqueued":   true,
			}, nil)
			if err != nil {
				if !errors.Is(err, ErrEntityNotPending) {
					report.Errors++
				}
				continue
			}
			report.Reenqueued++
		}
	}

	if r.Verifier != nil {
		staleBefore := now.Add(-r.StaleAfter)

		payments, err := models.ListStalePendingPaymentIntents(ctx, r.DB, staleBefore, limit)
		if err != nil {
			return report, err
		}
		for _, pi := range payments {
			report.PaymentsChecked++
			st, err := r.Verifier.VerifyPayment(ctx, 0, pi.ID)
			if err != nil {
				report.Errors++
				continue
			}
			if st.Status != models.PaymentStatusPending {
				report.PaymentsSettled++
			}
		}

		docs, err := models.ListStalePendingDocuments(ctx, r.DB, staleBefore, limit)
		if err != nil {
			return report, err
		}
		for _, doc := range docs {
			report.DocumentsChecked++
			st, err := r.Verifier.VerifyDocument(ctx, 0, doc.ID)
			if err != nil {
				report.Errors++
				continue
			}
			if st.Status != models.DocumentStatusPending {
				report.DocumentsSettled++
			}
		}
	}

	if r.Logger != nil {
		r.Logger.WithFields(logrus.Fields{
			"field":             "Reconciler",
			"reenqueued":        report.Reenqueued,
			"payments_checked":  report.PaymentsChecked,
			"payments_settled":  report.PaymentsSettled,
			"documents_checked": report.DocumentsChecked,
			"documents_settled": report.DocumentsSettled,
			"errors":            report.Errors,
		}).Info("reconcile pass finished")
	}
	return report, nil
}
