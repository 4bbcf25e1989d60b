package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/docshare_backend/config"
	"github.com/mmdatafocus/docshare_backend/models"
	"github.com/mmdatafocus/docshare_backend/providers"
	"github.com/mmdatafocus/docshare_backend/utils"
	"github.com/mmdatafocus/docshare_backend/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testModerationSecret = "moderation-shared-secret"

var testJwtSecret = []byte("server-test-secret")

func init() {
	gin.SetMode(gin.TestMode)
}

type memoryFiles struct {
	objects map[string][]byte
	deleted []string
}

func (m *memoryFiles) Upload(ctx context.Context, name string, data []byte, contentType string) (int64, error) {
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[name] = data
	return int64(len(data)), nil
}

func (m *memoryFiles) Delete(ctx context.Context, name string) error {
	m.deleted = append(m.deleted, name)
	delete(m.objects, name)
	return nil
}

func (m *memoryFiles) SignedURL(ctx context.Context, name string) (string, time.Time, error) {
	return "https://storage.example/" + name + "?sig=1", time.Date(2026, 1, 1, 0, 15, 0, 0, time.UTC), nil
}

type stubWebhooks struct {
	event *providers.PaymentEvent
	err   error
}

func (s *stubWebhooks) ParseWebhook(payload []byte, signature string) (*providers.PaymentEvent, error) {
	if s.err != nil {
		return nil, s.err
	}
	ev := *s.event
	ev.Payload = payload
	return &ev, nil
}

func newTestApp(t *testing.T) (*App, *memoryFiles) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, models.MigrateTable(db))

	lg := logrus.New()
	lg.SetOutput(io.Discard)
	settings := config.Settings{
		Env:                         "test",
		JwtSecret:                   testJwtSecret,
		ModerationWebhookSecret:     testModerationSecret,
		ModerationTopic:             "moderation-test",
		ModerationApprovalThreshold: config.DefaultModerationApprovalThreshold,
		CreditUnitPrice:             decimal.RequireFromString("0.10"),
		CreditCurrency:              "usd",
		DownloadCost:                1,
		MaxUploadBytes:              1 << 20,
		Jobs:                        config.JobSettings{MaxAttempts: 3, BackoffBase: time.Second, BackoffMax: time.Minute},
		ReconcileStaleAfter:         15 * time.Minute,
	}
	files := &memoryFiles{}
	app := &App{Settings: settings, Logger: lg, DB: db, Files: files}
	app.Pipeline = workflow.NewPipeline(workflow.PipelineDeps{DB: db, Logger: lg, Settings: settings, Files: files})
	app.MarkReady()
	return app, files
}

func createUser(t *testing.T, db *gorm.DB, name string, credits int) *models.User {
	t.Helper()
	u := &models.User{Username: name, Role: "user"}
	require.NoError(t, db.Create(u).Error)
	if credits > 0 {
		_, err := models.AppendCreditTransaction(db, models.NewCreditTransaction{UserId: u.ID, Amount: credits, Type: models.TransactionTypeBonus, Description: "seed"})
		require.NoError(t, err)
	}
	return u
}

func bearer(t *testing.T, u *models.User) string {
	t.Helper()
	tok, err := utils.JwtGenerate(testJwtSecret, u.ID, u.Username, u.Role, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func do(r http.Handler, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthAndReadiness(t *testing.T) {
	app := &App{Settings: config.Settings{JwtSecret: testJwtSecret}}
	r := app.Router()

	assert.Equal(t, http.StatusNoContent, do(r, http.MethodGet, "/healthz", nil, nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(r, http.MethodGet, "/api/credits/balance", nil, nil).Code)
	assert.NotEmpty(t, do(r, http.MethodGet, "/healthz", nil, nil).Header().Get("x-correlation-id"))
}

func TestModerationWebhookSettlesDocument(t *testing.T) {
	app, files := newTestApp(t)
	r := app.Router()
	author := createUser(t, app.DB, "author", 0)
	doc := &models.Document{ID: "doc-1", UserId: author.ID, Title: "Notes", FilePath: "documents/1/doc-1.pdf", Status: models.DocumentStatusPending}
	require.NoError(t, models.CreateDocument(context.Background(), app.DB, doc))

	body := `{"document_id":"doc-1","status":"completed","score":0.8,"flags":[],"event_id":"mod-1"}`
	w := do(r, http.MethodPost, "/webhooks/moderation", bytes.NewBufferString(body), map[string]string{"X-Webhook-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	got, err := models.GetDocument(context.Background(), app.DB, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStatusPending, got.Status)

	w = do(r, http.MethodPost, "/webhooks/moderation", bytes.NewBufferString(body), map[string]string{moderationSecretHeader: testModerationSecret})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode(t, w)
	assert.Equal(t, "approved", out["status"])
	assert.Equal(t, false, out["already_processed"])

	w = do(r, http.MethodPost, "/webhooks/moderation", bytes.NewBufferString(body), map[string]string{moderationSecretHeader: testModerationSecret})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["already_processed"])

	// A contradicting late result is acknowledged but not applied.
	reject := `{"document_id":"doc-1","status":"rejected","event_id":"mod-2"}`
	w = do(r, http.MethodPost, "/webhooks/moderation", bytes.NewBufferString(reject), map[string]string{moderationSecretHeader: testModerationSecret})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "conflicting_outcome", decode(t, w)["ignored"])

	balance, err := models.GetCreditBalance(context.Background(), app.DB, author.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.DocumentUploadReward, balance)
	assert.Empty(t, files.deleted)

	w = do(r, http.MethodPost, "/webhooks/moderation", bytes.NewBufferString(`{"document_id":"missing","status":"approved"}`), map[string]string{moderationSecretHeader: testModerationSecret})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodPost, "/webhooks/moderation", bytes.NewBufferString(`{"document_id":"doc-1","status":"bogus"}`), map[string]string{moderationSecretHeader: testModerationSecret})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestModerationWebhookWorkerFailureWithoutJobFailsDocument(t *testing.T) {
	app, _ := newTestApp(t)
	r := app.Router()
	author := createUser(t, app.DB, "author", 0)
	require.NoError(t, models.CreateDocument(context.Background(), app.DB, &models.Document{ID: "doc-2", UserId: author.ID, Title: "Broken", Status: models.DocumentStatusPending}))

	w := do(r, http.MethodPost, "/webhooks/moderation", bytes.NewBufferString(`{"document_id":"doc-2","status":"failed","error":"corrupt pdf"}`), map[string]string{moderationSecretHeader: testModerationSecret})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got, err := models.GetDocument(context.Background(), app.DB, "doc-2")
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStatusFailed, got.Status)
}

func TestStripeWebhook(t *testing.T) {
	app, _ := newTestApp(t)
	r := app.Router()

	w := do(r, http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(`{}`), nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	buyer := createUser(t, app.DB, "buyer", 0)
	require.NoError(t, models.CreatePaymentIntent(context.Background(), app.DB, &models.PaymentIntent{
		ID: "pi_1", UserId: buyer.ID, Credits: 50, Amount: decimal.NewFromInt(5), Currency: "usd",
	}))

	hooks := &stubWebhooks{event: &providers.PaymentEvent{EventId: "evt_1", Type: providers.EventPaymentIntentSucceeded, PaymentIntentId: "pi_1", Outcome: workflow.OutcomeSuccess}}
	app.Webhooks = hooks

	w = do(r, http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(`{"id":"evt_1"}`), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "succeeded", decode(t, w)["status"])

	// Provider redelivery of the same event.
	w = do(r, http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(`{"id":"evt_1"}`), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["duplicate"])

	balance, err := models.GetCreditBalance(context.Background(), app.DB, buyer.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, balance)

	hooks.event = &providers.PaymentEvent{EventId: "evt_2", Type: "customer.created"}
	w = do(r, http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(`{"id":"evt_2"}`), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "unhandled_event", decode(t, w)["ignored"])

	hooks.err = providers.ErrInvalidSignature
	w = do(r, http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(`{"id":"evt_3"}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStripeRefundBeforeSuccessIsRedelivered(t *testing.T) {
	ctx := context.Background()
	app, _ := newTestApp(t)
	r := app.Router()
	buyer := createUser(t, app.DB, "refunded", 0)
	require.NoError(t, models.CreatePaymentIntent(ctx, app.DB, &models.PaymentIntent{
		ID: "pi_1", UserId: buyer.ID, Credits: 100, Amount: decimal.NewFromInt(10), Currency: "usd",
	}))
	refund := &providers.PaymentEvent{EventId: "evt_refund", Type: providers.EventChargeRefunded, PaymentIntentId: "pi_1", Outcome: workflow.OutcomeRefund}
	success := &providers.PaymentEvent{EventId: "evt_success", Type: providers.EventPaymentIntentSucceeded, PaymentIntentId: "pi_1", Outcome: workflow.OutcomeSuccess}
	hooks := &stubWebhooks{event: refund}
	app.Webhooks = hooks

	w := do(r, http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(`{"id":"evt_refund"}`), nil)
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["retry"])

	hooks.event = success
	w = do(r, http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(`{"id":"evt_success"}`), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "succeeded", decode(t, w)["status"])

	// Redelivery of the refund is not short-circuited as a duplicate.
	hooks.event = refund
	w = do(r, http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(`{"id":"evt_refund"}`), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "refunded", body["status"])
	assert.Nil(t, body["duplicate"])

	pi, err := models.GetPaymentIntent(ctx, app.DB, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, pi.Status)
	balance, err := models.GetCreditBalance(ctx, app.DB, buyer.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, balance)
}

func TestCreditAndNotificationEndpoints(t *testing.T) {
	app, _ := newTestApp(t)
	r := app.Router()
	u := createUser(t, app.DB, "reader", 7)
	auth := map[string]string{"Authorization": bearer(t, u)}

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/credits/balance", nil, nil).Code)

	w := do(r, http.MethodGet, "/api/credits/balance", nil, auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 7, decode(t, w)["balance"])

	w = do(r, http.MethodGet, "/api/credits/transactions?type=bonus", nil, auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/api/credits/transactions?type=nope", nil, auth).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/api/credits/transactions?after=not-a-cursor", nil, auth).Code)

	w = do(r, http.MethodGet, "/api/credits/transactions/export", nil, auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), ".xlsx")

	n, err := models.CreateNotification(context.Background(), app.DB, models.NewNotification{UserId: u.ID, Type: models.NotificationTypePaymentSucceeded, Title: "Payment received"})
	require.NoError(t, err)

	w = do(r, http.MethodGet, "/api/notifications/unread-count", nil, auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["unread"])

	path := "/api/notifications/" + jsonNumber(n.ID)
	assert.Equal(t, http.StatusOK, do(r, http.MethodPatch, path+"/read", nil, auth).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPatch, "/api/notifications/abc/read", nil, auth).Code)
	assert.Equal(t, http.StatusNoContent, do(r, http.MethodDelete, path, nil, auth).Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodDelete, path, nil, auth).Code)
}

func TestUploadAndDownload(t *testing.T) {
	app, files := newTestApp(t)
	r := app.Router()
	author := createUser(t, app.DB, "author", 0)
	reader := createUser(t, app.DB, "reader", 2)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "lecture.pdf")
	require.NoError(t, err)
	_, _ = part.Write([]byte("%PDF-1.4\nbody\n"))
	require.NoError(t, mw.Close())

	w := do(r, http.MethodPost, "/api/documents", &body, map[string]string{
		"Authorization": bearer(t, author),
		"Content-Type":  mw.FormDataContentType(),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var up uploadDocumentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &up))
	assert.True(t, up.Queued)
	assert.Equal(t, "lecture", up.Document.Title)
	assert.Equal(t, models.DocumentStatusPending, up.Document.Status)
	assert.Contains(t, files.objects, up.Document.FilePath)

	docPath := "/api/documents/" + up.Document.ID
	assert.Equal(t, http.StatusConflict, do(r, http.MethodPost, docPath+"/download", nil, map[string]string{"Authorization": bearer(t, reader)}).Code)

	_, err = app.Pipeline.Engine.Settle(context.Background(), app.Pipeline.Documents, workflow.Callback{EntityId: up.Document.ID, Outcome: workflow.OutcomeSuccess, Source: workflow.SourceOps})
	require.NoError(t, err)

	w = do(r, http.MethodPost, docPath+"/download", nil, map[string]string{"Authorization": bearer(t, reader)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var dl downloadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dl))
	assert.True(t, dl.Charged)
	assert.Equal(t, 1, dl.Balance)
	assert.Equal(t, "2026-01-01T00:15:00Z", dl.ExpiresAt)

	w = do(r, http.MethodPost, docPath+"/download", nil, map[string]string{"Authorization": bearer(t, reader)})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dl))
	assert.False(t, dl.Charged)
	assert.Equal(t, 1, dl.Balance)
}

func TestOpsRequiresAdmin(t *testing.T) {
	app, _ := newTestApp(t)
	r := app.Router()
	u := createUser(t, app.DB, "plain", 0)
	admin := &models.User{Username: "root", Role: utils.RoleAdmin}
	require.NoError(t, app.DB.Create(admin).Error)

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/internal/ops/jobs/stats", nil, map[string]string{"Authorization": bearer(t, u)}).Code)

	w := do(r, http.MethodGet, "/internal/ops/ledger/consistency", nil, map[string]string{"Authorization": bearer(t, admin)})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["consistent"])

	w = do(r, http.MethodPost, "/internal/ops/jobs/retry", bytes.NewBufferString(`{"id":"missing"}`), map[string]string{"Authorization": bearer(t, admin), "Content-Type": "application/json"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func jsonNumber(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
