package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mmdatafocus/docshare_backend/workflow"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// Stripe event types handled by the payment webhook.
const (
	EventPaymentIntentSucceeded = "payment_intent.succeeded"
	EventPaymentIntentFailed    = "payment_intent.payment_failed"
	EventPaymentIntentCanceled  = "payment_intent.canceled"
	EventChargeRefunded         = "charge.refunded"
)

// PaymentEvent is an authenticated provider event reduced to what settlement needs.
// Outcome is empty for events that carry no settlement.
type PaymentEvent struct {
	EventId         string
	Type            string
	PaymentIntentId string
	Outcome         workflow.Outcome
	Reason          string
	Payload         []byte
}

type StripeProvider struct {
	api           *client.API
	webhookSecret string
	logger        *logrus.Logger
}

func NewStripeProvider(secretKey, webhookSecret string, logger *logrus.Logger) *StripeProvider {
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return &StripeProvider{api: sc, webhookSecret: webhookSecret, logger: logger}
}

func (p *StripeProvider) CreatePaymentIntent(ctx context.Context, req workflow.PaymentIntentRequest) (*workflow.CreatedPaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountMinor),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return nil, err
	}
	return &workflow.CreatedPaymentIntent{Id: pi.ID, ClientSecret: pi.ClientSecret, Status: string(pi.Status)}, nil
}

func (p *StripeProvider) RetrievePaymentIntent(ctx context.Context, id string) (*workflow.ProviderPayment, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")
	pi, err := p.api.PaymentIntents.Get(id, params)
	if err != nil {
		return nil, err
	}
	return paymentFromIntent(pi), nil
}

func paymentFromIntent(pi *stripe.PaymentIntent) *workflow.ProviderPayment {
	out := &workflow.ProviderPayment{Id: pi.ID, Status: string(pi.Status)}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		out.Outcome = workflow.OutcomeSuccess
		out.Refunded = pi.LatestCharge != nil && pi.LatestCharge.Refunded
	case stripe.PaymentIntentStatusCanceled:
		out.Outcome = workflow.OutcomeFailure
		out.Reason = canceledReason(pi)
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		// Only a failed attempt counts; a fresh intent also waits for a payment method.
		if pi.LastPaymentError != nil {
			out.Outcome = workflow.OutcomeFailure
			out.Reason = failureReason(pi)
		}
	}
	return out
}

// ParseWebhook authenticates the payload against the Stripe-Signature header before
// anything in it is trusted.
func (p *StripeProvider) ParseWebhook(payload []byte, signature string) (*PaymentEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return eventFromStripe(event, payload)
}

func eventFromStripe(event stripe.Event, payload []byte) (*PaymentEvent, error) {
	out := &PaymentEvent{EventId: event.ID, Type: string(event.Type), Payload: payload}
	if event.Data == nil {
		return out, nil
	}

	switch out.Type {
	case EventPaymentIntentSucceeded, EventPaymentIntentFailed, EventPaymentIntentCanceled:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		out.PaymentIntentId = pi.ID
		switch out.Type {
		case EventPaymentIntentSucceeded:
			out.Outcome = workflow.OutcomeSuccess
		case EventPaymentIntentFailed:
			out.Outcome = workflow.OutcomeFailure
			out.Reason = failureReason(&pi)
		default:
			out.Outcome = workflow.OutcomeFailure
			out.Reason = canceledReason(&pi)
		}
	case EventChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("decode charge: %w", err)
		}
		if ch.PaymentIntent != nil {
			out.PaymentIntentId = ch.PaymentIntent.ID
		}
		// Partial refunds do not map to a credit reversal.
		if ch.Refunded {
			out.Outcome = workflow.OutcomeRefund
		}
	}
	return out, nil
}

func failureReason(pi *stripe.PaymentIntent) string {
	if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
		return pi.LastPaymentError.Msg
	}
	return "Payment failed"
}

func canceledReason(pi *stripe.PaymentIntent) string {
	if pi.CancellationReason != "" {
		return "Payment canceled: " + string(pi.CancellationReason)
	}
	return "Payment canceled"
}
