package workflow

import (
	"github.com/bsm/redislock"
	"github.com/mmdatafocus/docshare_backend/config"
	"github.com/mmdatafocus/docshare_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// PipelineDeps are the collaborators the settlement pipeline is built from. Any of the
// interface fields may be left nil; the matching feature then degrades to local state.
type PipelineDeps struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Settings config.Settings

	Locker         *redislock.Client
	Publisher      Publisher
	Files          FileRemover
	PaymentCreator PaymentCreator
	Payments       PaymentProvider
	Moderation     ModerationProvider
}

// Pipeline is the wired set of queue, engine and services shared by the API server
// and the worker commands.
type Pipeline struct {
	Queue      *JobQueue
	Engine     *SettlementEngine
	Documents  *DocumentSettlement
	Payments   *PaymentSettlement
	Notifier   *Notifier
	Verifier   *Verifier
	Reconciler *Reconciler
	Credits    *CreditService
	Checkout   *PaymentService

	publisher Publisher
	topic     string
}

func NewPipeline(d PipelineDeps) *Pipeline {
	s := d.Settings

	notifier := NewNotifier(d.DB, d.Logger, d.Publisher, s.NotificationsTopic)
	engine := NewSettlementEngine(d.DB, d.Logger, notifier, d.Locker)
	documents := &DocumentSettlement{Files: d.Files, Logger: d.Logger}
	payments := &PaymentSettlement{}

	queue := NewJobQueue(d.DB, d.Logger, s.Jobs)
	queue.RegisterQueue(models.QueueModeration, DocumentPendingGuard(), SettleExhaustedDocument(engine, documents))

	verifier := &Verifier{
		DB:         d.DB,
		Logger:     d.Logger,
		Engine:     engine,
		Payments:   d.Payments,
		Moderation: d.Moderation,
		Documents:  documents,
		Payment:    payments,
		Threshold:  s.ModerationApprovalThreshold,
		Timeout:    s.ProviderTimeout,
	}

	return &Pipeline{
		Queue:      queue,
		Engine:     engine,
		Documents:  documents,
		Payments:   payments,
		Notifier:   notifier,
		Verifier:   verifier,
		Reconciler: NewReconciler(d.DB, d.Logger, queue, verifier, s.ReconcileStaleAfter, s.ReconcileInterval),
		Credits:    &CreditService{DB: d.DB, Logger: d.Logger, DownloadCost: s.DownloadCost},
		Checkout: &PaymentService{
			DB:        d.DB,
			Logger:    d.Logger,
			Provider:  d.PaymentCreator,
			UnitPrice: s.CreditUnitPrice,
			Currency:  s.CreditCurrency,
		},
		publisher: d.Publisher,
		topic:     s.ModerationTopic,
	}
}

// ModerationDispatcher returns a dispatcher for the moderation queue.
func (p *Pipeline) ModerationDispatcher() *JobDispatcher {
	return NewJobDispatcher(p.Queue, p.publisher, models.QueueModeration, p.topic)
}
