package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/docshare_backend/models"
	"github.com/mmdatafocus/docshare_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ProviderPayment is the payment provider's view of a payment intent.
type ProviderPayment struct {
	Id     string
	Status string
	// Outcome is empty while the provider has not reached a terminal state.
	Outcome  Outcome
	Reason   string
	Refunded bool
}

type PaymentProvider interface {
	RetrievePaymentIntent(ctx context.Context, id string) (*ProviderPayment, error)
}

type ModerationProvider interface {
	GetResult(ctx context.Context, documentId string) (*ModerationReport, error)
}

type PaymentState struct {
	Id            string               `json:"id"`
	Status        models.PaymentStatus `json:"status"`
	Credits       int                  `json:"credits"`
	Amount        decimal.Decimal      `json:"amount"`
	Currency      string               `json:"currency"`
	FailureReason *string              `json:"failure_reason,omitempty"`
	Balance       *int                 `json:"balance,omitempty"`
	// Verified is true when the provider was consulted on this call.
	Verified bool `json:"verified"`
}

type DocumentState struct {
	Id                string                `json:"id"`
	Status            models.DocumentStatus `json:"status"`
	HasModerationData bool                  `json:"has_moderation_data"`
	ModerationScore   *float64              `json:"moderation_score,omitempty"`
	RejectionReason   *string               `json:"rejection_reason,omitempty"`
	ModeratedAt       *time.Time            `json:"moderated_at,omitempty"`
	Verified          bool                  `json:"verified"`
}

// Verifier is the synchronous fallback for lost or late callbacks: local state first,
// then the provider (outside any lock), then Settle with the same guard webhooks use.
type Verifier struct {
	DB         *gorm.DB
	Logger     *logrus.Logger
	Engine     *SettlementEngine
	Payments   PaymentProvider
	Moderation ModerationProvider
	Documents  SettlementKind
	Payment    SettlementKind
	Threshold  float64
	Timeout    time.Duration
}

func (v *Verifier) providerTimeout() time.Duration {
	if v.Timeout <= 0 {
		return 10 * time.Second
	}
	return v.Timeout
}

// VerifyPayment returns the payment's current state. userId 0 skips the ownership check
// (internal reconciliation). On a provider error the local state is returned with an
// error wrapping ErrProviderUnavailable.
func (v *Verifier) VerifyPayment(ctx context.Context, userId int, id string) (*PaymentState, error) {
	pi, err := v.loadPayment(ctx, userId, id)
	if err != nil {
		return nil, err
	}
	if pi.Status.IsTerminal() || v.Payments == nil {
		return v.paymentState(ctx, pi, false), nil
	}

	pctx, cancel := context.WithTimeout(ctx, v.providerTimeout())
	remote, err := v.Payments.RetrievePaymentIntent(pctx, id)
	cancel()
	if err != nil {
		v.logProviderError("VerifyPayment", id, err)
		return v.paymentState(ctx, pi, false), fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	if remote.Outcome != "" {
		cb := Callback{
			EntityId: id,
			Outcome:  remote.Outcome,
			Reason:   remote.Reason,
			Evidence: Evidence{ProviderStatus: remote.Status},
			Source:   SourceVerify,
			EventId:  "verify:" + id,
		}
		if err := v.settle(ctx, v.Payment, cb); err != nil {
			return nil, err
		}
		if remote.Refunded && remote.Outcome == OutcomeSuccess {
			cb.Outcome = OutcomeRefund
			if err := v.settle(ctx, v.Payment, cb); err != nil {
				return nil, err
			}
		}
	}

	pi, err = models.GetPaymentIntent(ctx, v.DB, id)
	if err != nil {
		return nil, err
	}
	return v.paymentState(ctx, pi, true), nil
}

func (v *Verifier) VerifyDocument(ctx context.Context, userId int, id string) (*DocumentState, error) {
	doc, err := v.loadDocument(ctx, userId, id)
	if err != nil {
		return nil, err
	}
	if doc.Status.IsTerminal() || v.Moderation == nil {
		return documentState(doc, false), nil
	}

	pctx, cancel := context.WithTimeout(ctx, v.providerTimeout())
	report, err := v.Moderation.GetResult(pctx, id)
	cancel()
	if err != nil {
		v.logProviderError("VerifyDocument", id, err)
		return documentState(doc, false), fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if report.DocumentId == "" {
		report.DocumentId = id
	}

	verdict, err := InterpretModeration(*report, v.Threshold, SourceVerify, "verify:"+id)
	if err != nil {
		v.logProviderError("VerifyDocument", id, err)
		return documentState(doc, true), nil
	}
	if verdict.Callback != nil {
		if err := v.settle(ctx, v.Documents, *verdict.Callback); err != nil {
			return nil, err
		}
	}

	doc, err = models.GetDocument(ctx, v.DB, id)
	if err != nil {
		return nil, err
	}
	return documentState(doc, true), nil
}

// settle treats a conflicting outcome as handled: the engine has logged the anomaly and the
// recorded state stands.
func (v *Verifier) settle(ctx context.Context, kind SettlementKind, cb Callback) error {
	if v.Engine == nil || kind == nil {
		return errors.New("verifier is not wired to a settlement engine")
	}
	_, err := v.Engine.Settle(ctx, kind, cb)
	if err != nil && !errors.Is(err, ErrConflictingOutcome) && !errors.Is(err, ErrOutcomeNotYetApplicable) {
		return err
	}
	return nil
}

func (v *Verifier) loadPayment(ctx context.Context, userId int, id string) (*models.PaymentIntent, error) {
	pi, err := models.GetPaymentIntent(ctx, v.DB, id)
	if err != nil {
		if utils.IsRecordNotFound(err) {
			return nil, ErrEntityNotFound
		}
		return nil, err
	}
	if userId > 0 && pi.UserId != userId {
		return nil, ErrEntityNotFound
	}
	return pi, nil
}

func (v *Verifier) loadDocument(ctx context.Context, userId int, id string) (*models.Document, error) {
	doc, err := models.GetDocument(ctx, v.DB, id)
	if err != nil {
		if utils.IsRecordNotFound(err) {
			return nil, ErrEntityNotFound
		}
		return nil, err
	}
	if userId > 0 && doc.UserId != userId {
		return nil, ErrEntityNotFound
	}
	return doc, nil
}

func (v *Verifier) paymentState(ctx context.Context, pi *models.PaymentIntent, verified bool) *PaymentState {
	st := &PaymentState{
		Id:            pi.ID,
		Status:        pi.Status,
		Credits:       pi.Credits,
		Amount:        pi.Amount,
		Currency:      pi.Currency,
		FailureReason: pi.FailureReason,
		Verified:      verified,
	}
	if balance, err := models.GetCreditBalance(ctx, v.DB, pi.UserId); err == nil {
		st.Balance = &balance
	}
	return st
}

func documentState(doc *models.Document, verified bool) *DocumentState {
	return &DocumentState{
		Id:                doc.ID,
		Status:            doc.Status,
		HasModerationData: doc.HasModerationData,
		ModerationScore:   doc.ModerationScore,
		RejectionReason:   doc.RejectionReason,
		ModeratedAt:       doc.ModeratedAt,
		Verified:          verified,
	}
}

func (v *Verifier) logProviderError(funcName, id string, err error) {
	if v.Logger == nil {
		return
	}
	v.Logger.WithFields(logrus.Fields{
		"field":     "Verifier",
		"funcName":  funcName,
		"entity_id": id,
	}).Warn("provider verification failed: " + err.Error())
}
