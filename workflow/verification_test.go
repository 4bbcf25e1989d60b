package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/docshare_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyPaymentSettlesFromProvider(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	u := seedUser(t, env.DB, "buyer", 0)
	seedPayment(t, env.DB, "pi_1", u.ID, 40)
	env.Payments.set(&ProviderPayment{Id: "pi_1", Status: "succeeded", Outcome: OutcomeSuccess})

	st, err := env.Pipeline.Verifier.VerifyPayment(ctx, u.ID, "pi_1")
	require.NoError(t, err)
	assert.True(t, st.Verified)
	assert.Equal(t, models.PaymentStatusSucceeded, st.Status)
	require.NotNil(t, st.Balance)
	assert.Equal(t, 40, *st.Balance)

	// Terminal locally: the provider is not consulted again.
	calls := env.Payments.calls
	st, err = env.Pipeline.Verifier.VerifyPayment(ctx, u.ID, "pi_1")
	require.NoError(t, err)
	assert.False(t, st.Verified)
	assert.Equal(t, calls, env.Payments.calls)
	assert.Equal(t, 40, balanceOf(t, env.DB, u.ID))
}

func TestVerifyPaymentPendingAtProvider(t *testing.T) {
	env := newTestEnv(t)
	u := seedUser(t, env.DB, "buyer", 0)
	seedPayment(t, env.DB, "pi_wait", u.ID, 10)

	st, err := env.Pipeline.Verifier.VerifyPayment(context.Background(), u.ID, "pi_wait")
	require.NoError(t, err)
	assert.True(t, st.Verified)
	assert.Equal(t, models.PaymentStatusPending, st.Status)
	assert.Equal(t, 0, balanceOf(t, env.DB, u.ID))
}

func TestVerifyPaymentProviderDownReturnsLocalState(t *testing.T) {
	env := newTestEnv(t)
	u := seedUser(t, env.DB, "buyer", 0)
	seedPayment(t, env.DB, "pi_1", u.ID, 10)
	env.Payments.err = errProviderDown

	st, err := env.Pipeline.Verifier.VerifyPayment(context.Background(), u.ID, "pi_1")
	require.ErrorIs(t, err, ErrProviderUnavailable)
	require.NotNil(t, st)
	assert.Equal(t, models.PaymentStatusPending, st.Status)
	assert.False(t, st.Verified)
}

func TestVerifyPaymentChecksOwnership(t *testing.T) {
	env := newTestEnv(t)
	owner := seedUser(t, env.DB, "owner", 0)
	other := seedUser(t, env.DB, "other", 0)
	seedPayment(t, env.DB, "pi_1", owner.ID, 10)

	_, err := env.Pipeline.Verifier.VerifyPayment(context.Background(), other.ID, "pi_1")
	assert.ErrorIs(t, err, ErrEntityNotFound)

	_, err = env.Pipeline.Verifier.VerifyPayment(context.Background(), owner.ID, "pi_unknown")
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestVerifyPaymentAppliesProviderRefund(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	u := seedUser(t, env.DB, "buyer", 5)
	seedPayment(t, env.DB, "pi_1", u.ID, 20)
	env.Payments.set(&ProviderPayment{Id: "pi_1", Status: "succeeded", Outcome: OutcomeSuccess, Refunded: true})

	st, err := env.Pipeline.Verifier.VerifyPayment(ctx, 0, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, st.Status)
	assert.Equal(t, 5, balanceOf(t, env.DB, u.ID))
	assert.EqualValues(t, 2, countRows(t, env.DB, &models.CreditTransaction{}, "reference_id = ?", "pi_1"))
}

func TestWebhookAndVerifyRaceCreditsOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	u := seedUser(t, env.DB, "buyer", 0)
	seedPayment(t, env.DB, "pi_1", u.ID, 25)
	env.Payments.set(&ProviderPayment{Id: "pi_1", Status: "succeeded", Outcome: OutcomeSuccess})
	p := env.Pipeline

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := 0; i < 3; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := p.Engine.Settle(ctx, p.Payments, Callback{EntityId: "pi_1", Outcome: OutcomeSuccess, Source: SourceWebhook, EventId: "evt_1"})
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := p.Verifier.VerifyPayment(ctx, u.ID, "pi_1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 25, balanceOf(t, env.DB, u.ID))
	assert.EqualValues(t, 1, countRows(t, env.DB, &models.Notification{}, "user_id = ?", u.ID))
}

func TestVerifyDocument(t *testing.T) {
	score := 0.9
	cases := []struct {
		name   string
		report *ModerationReport
		want   models.DocumentStatus
	}{
		{name: "completed with passing score", report: &ModerationReport{Status: "completed", Score: &score}, want: models.DocumentStatusApproved},
		{name: "explicit rejection", report: &ModerationReport{Status: "rejected", Flags: []string{"spam"}}, want: models.DocumentStatusRejected},
		{name: "still processing", report: &ModerationReport{Status: "processing"}, want: models.DocumentStatusPending},
		// A failed attempt belongs to the queue's retry policy, not to verification.
		{name: "worker attempt failed", report: &ModerationReport{Status: "failed", Error: "boom"}, want: models.DocumentStatusPending},
		{name: "unknown status", report: &ModerationReport{Status: "weird"}, want: models.DocumentStatusPending},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			u := seedUser(t, env.DB, "author", 0)
			seedDocument(t, env.DB, "doc-1", u.ID, models.DocumentStatusPending)
			tc.report.DocumentId = "doc-1"
			env.Moderation.set(tc.report)

			st, err := env.Pipeline.Verifier.VerifyDocument(context.Background(), u.ID, "doc-1")
			require.NoError(t, err)
			assert.True(t, st.Verified)
			assert.Equal(t, tc.want, st.Status)
		})
	}
}

func TestVerifyDocumentProviderDown(t *testing.T) {
	env := newTestEnv(t)
	u := seedUser(t, env.DB, "author", 0)
	other := seedUser(t, env.DB, "other", 0)
	seedDocument(t, env.DB, "doc-1", u.ID, models.DocumentStatusPending)
	env.Moderation.err = errProviderDown

	st, err := env.Pipeline.Verifier.VerifyDocument(context.Background(), u.ID, "doc-1")
	require.ErrorIs(t, err, ErrProviderUnavailable)
	require.NotNil(t, st)
	assert.Equal(t, models.DocumentStatusPending, st.Status)

	_, err = env.Pipeline.Verifier.VerifyDocument(context.Background(), other.ID, "doc-1")
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestReconcilerReenqueuesOrphansAndSettlesStalePayments(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	u := seedUser(t, env.DB, "author", 0)
	seedDocument(t, env.DB, "doc-orphan", u.ID, models.DocumentStatusPending)
	seedDocument(t, env.DB, "doc-queued", u.ID, models.DocumentStatusPending)
	seedDocument(t, env.DB, "doc-done", u.ID, models.DocumentStatusApproved)
	_, err := env.Pipeline.Queue.Enqueue(ctx, models.QueueModeration, "doc-queued", nil, nil)
	require.NoError(t, err)

	seedPayment(t, env.DB, "pi_lost", u.ID, 30)
	env.Payments.set(&ProviderPayment{Id: "pi_lost", Status: "succeeded", Outcome: OutcomeSuccess})

	r := env.Pipeline.Reconciler
	r.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	report, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reenqueued)
	assert.Zero(t, report.PaymentsChecked, "payment is not stale yet")
	assert.Zero(t, report.Errors)

	job, err := env.Pipeline.Queue.Get(ctx, models.QueueModeration, "doc-orphan")
	require.NoError(t, err)
	assert.Equal(t, true, job.Payload["reenqueued"])

	r.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	report, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Reenqueued)
	assert.Equal(t, 1, report.PaymentsChecked)
	assert.Equal(t, 1, report.PaymentsSettled)
	assert.Equal(t, 2, report.DocumentsChecked)
	assert.Zero(t, report.DocumentsSettled)
	assert.Equal(t, 30, balanceOf(t, env.DB, u.ID))
}
