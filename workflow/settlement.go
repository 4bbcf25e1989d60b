package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/docshare_backend/config"
	"github.com/mmdatafocus/docshare_backend/models"
	"github.com/mmdatafocus/docshare_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeRefund  Outcome = "refund"
)

type CallbackSource string

const (
	SourceWebhook CallbackSource = "webhook"
	SourceVerify  CallbackSource = "verify"
	SourceQueue   CallbackSource = "queue"
	SourceOps     CallbackSource = "ops"
)

// Evidence is the provider data backing an outcome.
type Evidence struct {
	Score       *float64 `json:"score,omitempty"`
	Flags       []string `json:"flags,omitempty"`
	TextPreview string   `json:"text_preview,omitempty"`
	// ProcessingFailed marks a failure of the pipeline itself rather than a decision on the content.
	ProcessingFailed bool   `json:"processing_failed,omitempty"`
	ProviderStatus   string `json:"provider_status,omitempty"`
}

// Callback is an external assertion that an entity reached a terminal outcome.
type Callback struct {
	EntityId string         `validate:"required,max=64"`
	Outcome  Outcome        `validate:"required,oneof=success failure refund"`
	Reason   string         `validate:"max=2000"`
	Evidence Evidence       `validate:"-"`
	Source   CallbackSource `validate:"required,oneof=webhook verify queue ops"`
	EventId  string         `validate:"max=255"`
}

// LedgerEffect is the one-time ledger consequence of a transition.
type LedgerEffect struct {
	Kind          models.TransactionType
	Amount        int
	ReferenceType models.ReferenceType
	Description   string
}

// Transition is the planned terminal status for a callback and its ledger effect, if any.
type Transition struct {
	Status string
	Effect *LedgerEffect
}

// LockedEntity is an entity row loaded under the settlement row lock.
type LockedEntity struct {
	Id       string
	OwnerId  int
	Status   string
	Terminal bool
	Row      interface{}
}

// SettlementKind adapts one entity type (documents, payment intents) to the engine.
type SettlementKind interface {
	Name() string
	// Lock loads the entity with a row lock on tx.
	Lock(tx *gorm.DB, id string) (*LockedEntity, error)
	// Plan maps a callback to a target status. It must not touch the database.
	Plan(entity *LockedEntity, cb Callback) (Transition, error)
	// CanTransition reports whether from may move to to.
	CanTransition(from, to string) bool
	// Supersedes reports whether current already lies past target on the same branch,
	// e.g. refunded past succeeded.
	Supersedes(current, target string) bool
	// Premature reports whether target is reachable from current only through a state
	// that has not been recorded yet.
	Premature(current, target string) bool
	// Apply writes the entity row. The engine appends the ledger effect.
	Apply(tx *gorm.DB, entity *LockedEntity, t Transition, cb Callback) error
	// AfterCommit runs compensating actions. Errors are logged by the kind, never returned.
	AfterCommit(ctx context.Context, entity *LockedEntity, t Transition, cb Callback)
	Notification(entity *LockedEntity, t Transition, cb Callback) *models.NewNotification
}

// NotificationSink never returns an error into a settlement.
type NotificationSink interface {
	Notify(ctx context.Context, n models.NewNotification) *models.Notification
}

type SettlementResult struct {
	Kind             string                    `json:"kind"`
	EntityId         string                    `json:"entity_id"`
	Status           string                    `json:"status"`
	Applied          bool                      `json:"applied"`
	AlreadyProcessed bool                      `json:"already_processed"`
	Entry            *models.CreditTransaction `json:"entry,omitempty"`
	// Balance is the owner's balance read after commit.
	Balance *int `json:"balance,omitempty"`
}

// SettlementEngine applies terminal outcomes exactly once. The entity row lock taken in
// Lock is the only ordering primitive; the Redis lock is a best-effort hint that cuts
// contention when a webhook and a verify call arrive together.
type SettlementEngine struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Notifier NotificationSink
	Locker   *redislock.Client
	LockTTL  time.Duration

	validate *validator.Validate
}

func NewSettlementEngine(db *gorm.DB, logger *logrus.Logger, notifier NotificationSink, locker *redislock.Client) *SettlementEngine {
	return &SettlementEngine{
		DB:       db,
		Logger:   logger,
		Notifier: notifier,
		Locker:   locker,
		LockTTL:  30 * time.Second,
		validate: validator.New(),
	}
}

type guardDecision int

const (
	guardApply guardDecision = iota
	guardRepair
	guardAlreadyProcessed
	guardConflict
	guardPremature
)

var tracer = otel.Tracer("github.com/mmdatafocus/docshare_backend/workflow")

func (e *SettlementEngine) Settle(ctx context.Context, kind SettlementKind, cb Callback) (*SettlementResult, error) {
	if e.validate == nil {
		e.validate = validator.New()
	}
	if err := e.validate.Struct(cb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}

	ctx, span := tracer.Start(ctx, "settlement."+kind.Name(),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("settlement.kind", kind.Name()),
			attribute.String("settlement.entity_id", cb.EntityId),
			attribute.String("settlement.outcome", string(cb.Outcome)),
			attribute.String("settlement.source", string(cb.Source)),
		))
	defer span.End()

	release := e.obtainHint(ctx, kind.Name(), cb.EntityId)
	defer release()

	result := &SettlementResult{Kind: kind.Name(), EntityId: cb.EntityId}
	var (
		entity   *LockedEntity
		plan     Transition
		decision guardDecision
	)
	err := e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entity, err = kind.Lock(tx, cb.EntityId)
		if err != nil {
			if utils.IsRecordNotFound(err) {
				return ErrEntityNotFound
			}
			return err
		}
		plan, err = kind.Plan(entity, cb)
		if err != nil {
			return err
		}

		decision, err = e.guard(tx, kind, entity, plan)
		if err != nil {
			return err
		}
		switch decision {
		case guardAlreadyProcessed:
			return nil
		case guardConflict:
			return ErrConflictingOutcome
		case guardPremature:
			return ErrOutcomeNotYetApplicable
		case guardApply:
			if err := kind.Apply(tx, entity, plan, cb); err != nil {
				return err
			}
		}

		if plan.Effect != nil {
			entry, err := models.AppendCreditTransaction(tx, models.NewCreditTransaction{
				UserId:        entity.OwnerId,
				Amount:        plan.Effect.Amount,
				Type:          plan.Effect.Kind,
				Description:   plan.Effect.Description,
				ReferenceType: plan.Effect.ReferenceType,
				ReferenceId:   entity.Id,
				OneTime:       true,
			})
			if err != nil {
				return err
			}
			result.Entry = entry
		}
		return nil
	})

	lostRace := false
	if errors.Is(err, models.ErrDuplicateEffect) {
		// Another attempt committed the same effect between our lookup and insert.
		decision = guardAlreadyProcessed
		result.Entry = nil
		lostRace = true
		err = nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logSettleError(kind, cb, entity, plan, err)
		return nil, err
	}

	switch decision {
	case guardAlreadyProcessed:
		result.AlreadyProcessed = true
		result.Status = entity.Status
		if lostRace {
			result.Status = plan.Status
		}
		if e.Logger != nil {
			e.Logger.WithFields(logrus.Fields{
				"field":     "SettlementEngine",
				"kind":      kind.Name(),
				"entity_id": cb.EntityId,
				"source":    cb.Source,
				"event_id":  cb.EventId,
			}).Debug("settlement already processed")
		}
	case guardRepair:
		result.Applied = true
		result.Status = plan.Status
		if e.Logger != nil {
			e.Logger.WithFields(logrus.Fields{
				"field":     "SettlementEngine",
				"kind":      kind.Name(),
				"entity_id": cb.EntityId,
				"anomaly":   true,
			}).Warn("terminal entity was missing its ledger effect; effect appended")
		}
	default:
		result.Applied = true
		result.Status = plan.Status
		kind.AfterCommit(ctx, entity, plan, cb)
		e.notify(ctx, kind.Notification(entity, plan, cb))
		if e.Logger != nil {
			e.Logger.WithFields(logrus.Fields{
				"field":     "SettlementEngine",
				"kind":      kind.Name(),
				"entity_id": cb.EntityId,
				"status":    plan.Status,
				"source":    cb.Source,
				"event_id":  cb.EventId,
			}).Info("settlement applied")
		}
	}
	span.SetAttributes(
		attribute.Bool("settlement.applied", result.Applied),
		attribute.String("settlement.status", result.Status),
	)

	if entity != nil && entity.OwnerId > 0 {
		if balance, berr := models.GetCreditBalance(ctx, e.DB, entity.OwnerId); berr == nil {
			result.Balance = &balance
		}
	}
	return result, nil
}

// guard runs inside the settlement transaction, after the row lock.
func (e *SettlementEngine) guard(tx *gorm.DB, kind SettlementKind, entity *LockedEntity, plan Transition) (guardDecision, error) {
	if !entity.Terminal {
		if kind.CanTransition(entity.Status, plan.Status) {
			return guardApply, nil
		}
		if kind.Premature(entity.Status, plan.Status) {
			return guardPremature, nil
		}
		return guardConflict, nil
	}

	if entity.Status == plan.Status || kind.Supersedes(entity.Status, plan.Status) {
		if plan.Effect == nil {
			return guardAlreadyProcessed, nil
		}
		exists, err := models.CreditEffectExists(tx, plan.Effect.ReferenceType, entity.Id, plan.Effect.Kind)
		if err != nil {
			return guardApply, err
		}
		if exists {
			return guardAlreadyProcessed, nil
		}
		if entity.Status == plan.Status {
			return guardRepair, nil
		}
		return guardConflict, nil
	}

	if kind.CanTransition(entity.Status, plan.Status) {
		return guardApply, nil
	}
	return guardConflict, nil
}

func (e *SettlementEngine) notify(ctx context.Context, n *models.NewNotification) {
	if e.Notifier == nil || n == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil && e.Logger != nil {
			e.Logger.WithFields(logrus.Fields{
				"field":   "SettlementEngine",
				"user_id": n.UserId,
			}).Errorf("notification panicked: %v", r)
		}
	}()
	e.Notifier.Notify(ctx, *n)
}

// obtainHint takes the optional Redis lock. Failing to obtain it never blocks settlement.
func (e *SettlementEngine) obtainHint(ctx context.Context, kind, id string) func() {
	if e.Locker == nil {
		return func() {}
	}
	ttl := e.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	key := fmt.Sprintf("settle:%s:%s", kind, id)
	lock, err := e.Locker.Obtain(ctx, key, ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 20),
	})
	if err != nil {
		if e.Logger != nil {
			e.Logger.WithFields(logrus.Fields{
				"field": "SettlementEngine",
				"key":   key,
			}).Debug("settlement lock not obtained; relying on row lock: " + err.Error())
		}
		return func() {}
	}
	return func() {
		_ = lock.Release(context.Background())
	}
}

func (e *SettlementEngine) logSettleError(kind SettlementKind, cb Callback, entity *LockedEntity, plan Transition, err error) {
	if e.Logger == nil {
		return
	}
	fields := logrus.Fields{
		"field":     "SettlementEngine",
		"kind":      kind.Name(),
		"entity_id": cb.EntityId,
		"outcome":   cb.Outcome,
		"source":    cb.Source,
		"event_id":  cb.EventId,
	}
	switch {
	case errors.Is(err, ErrConflictingOutcome):
		fields["anomaly"] = true
		if entity != nil {
			fields["current_status"] = entity.Status
		}
		fields["requested_status"] = plan.Status
		e.Logger.WithFields(fields).Error("conflicting settlement outcome rejected")
	case errors.Is(err, ErrOutcomeNotYetApplicable):
		if entity != nil {
			fields["current_status"] = entity.Status
		}
		fields["requested_status"] = plan.Status
		e.Logger.WithFields(fields).Warn("settlement outcome arrived early; left for redelivery")
	case errors.Is(err, ErrEntityNotFound):
		e.Logger.WithFields(fields).Error("settlement entity not found")
	default:
		config.LogError(e.Logger, "SettlementEngine", "Settle", "settlement transaction aborted", fields, err)
	}
}
