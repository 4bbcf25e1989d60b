package providers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"testing"
	"time"

	"github.com/mmdatafocus/docshare_backend/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
)

const testWebhookSecret = "whsec_test_secret"

func signPayload(payload []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "."))
	mac.Write(payload)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func TestParseWebhook(t *testing.T) {
	p := NewStripeProvider("sk_test_unused", testWebhookSecret, nil)

	cases := []struct {
		name     string
		payload  string
		outcome  workflow.Outcome
		intentId string
		reason   string
	}{
		{
			name:     "succeeded",
			payload:  `{"id":"evt_1","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","object":"payment_intent","status":"succeeded"}}}`,
			outcome:  workflow.OutcomeSuccess,
			intentId: "pi_1",
		},
		{
			name:     "payment failed",
			payload:  `{"id":"evt_2","object":"event","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_2","object":"payment_intent","status":"requires_payment_method","last_payment_error":{"message":"Your card was declined."}}}}`,
			outcome:  workflow.OutcomeFailure,
			intentId: "pi_2",
			reason:   "Your card was declined.",
		},
		{
			name:     "canceled",
			payload:  `{"id":"evt_3","object":"event","type":"payment_intent.canceled","data":{"object":{"id":"pi_3","object":"payment_intent","status":"canceled","cancellation_reason":"abandoned"}}}`,
			outcome:  workflow.OutcomeFailure,
			intentId: "pi_3",
			reason:   "Payment canceled: abandoned",
		},
		{
			name:     "full refund",
			payload:  `{"id":"evt_4","object":"event","type":"charge.refunded","data":{"object":{"id":"ch_4","object":"charge","refunded":true,"payment_intent":"pi_4"}}}`,
			outcome:  workflow.OutcomeRefund,
			intentId: "pi_4",
		},
		{
			name:     "partial refund",
			payload:  `{"id":"evt_5","object":"event","type":"charge.refunded","data":{"object":{"id":"ch_5","object":"charge","refunded":false,"payment_intent":"pi_5"}}}`,
			intentId: "pi_5",
		},
		{
			name:    "unhandled type",
			payload: `{"id":"evt_6","object":"event","type":"customer.created","data":{"object":{"id":"cus_6","object":"customer"}}}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := []byte(tc.payload)
			ev, err := p.ParseWebhook(payload, signPayload(payload, testWebhookSecret, time.Now()))
			require.NoError(t, err)
			assert.NotEmpty(t, ev.EventId)
			assert.Equal(t, tc.outcome, ev.Outcome)
			assert.Equal(t, tc.intentId, ev.PaymentIntentId)
			assert.Equal(t, tc.reason, ev.Reason)
			assert.Equal(t, payload, ev.Payload)
		})
	}
}

func TestParseWebhookRejectsBadSignature(t *testing.T) {
	p := NewStripeProvider("sk_test_unused", testWebhookSecret, nil)
	payload := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","object":"payment_intent"}}}`)

	_, err := p.ParseWebhook(payload, signPayload(payload, "whsec_other", time.Now()))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = p.ParseWebhook(payload, "")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = p.ParseWebhook(payload, signPayload(payload, testWebhookSecret, time.Now().Add(-time.Hour)))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestPaymentFromIntent(t *testing.T) {
	succeeded := paymentFromIntent(&stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusSucceeded})
	assert.Equal(t, workflow.OutcomeSuccess, succeeded.Outcome)
	assert.False(t, succeeded.Refunded)

	refunded := paymentFromIntent(&stripe.PaymentIntent{ID: "pi_2", Status: stripe.PaymentIntentStatusSucceeded, LatestCharge: &stripe.Charge{Refunded: true}})
	assert.True(t, refunded.Refunded)

	fresh := paymentFromIntent(&stripe.PaymentIntent{ID: "pi_3", Status: stripe.PaymentIntentStatusRequiresPaymentMethod})
	assert.Empty(t, fresh.Outcome)

	declined := paymentFromIntent(&stripe.PaymentIntent{ID: "pi_4", Status: stripe.PaymentIntentStatusRequiresPaymentMethod, LastPaymentError: &stripe.Error{Msg: "insufficient funds"}})
	assert.Equal(t, workflow.OutcomeFailure, declined.Outcome)
	assert.Equal(t, "insufficient funds", declined.Reason)

	processing := paymentFromIntent(&stripe.PaymentIntent{ID: "pi_5", Status: stripe.PaymentIntentStatusProcessing})
	assert.Empty(t, processing.Outcome)
	assert.Equal(t, "processing", processing.Status)
}
