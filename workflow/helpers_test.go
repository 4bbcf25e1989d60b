package workflow

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/docshare_backend/config"
	"github.com/mmdatafocus/docshare_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// SQLite serializes writers anyway; one connection also keeps the in-memory db alive.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, models.MigrateTable(db))
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testSettings() config.Settings {
	return config.Settings{
		ModerationTopic:             "moderation-test",
		ModerationApprovalThreshold: config.DefaultModerationApprovalThreshold,
		CreditUnitPrice:             decimal.RequireFromString("0.10"),
		CreditCurrency:              "usd",
		DownloadCost:                1,
		ProviderTimeout:             time.Second,
		Jobs: config.JobSettings{
			MaxAttempts:        3,
			BackoffBase:        5 * time.Second,
			BackoffMax:         time.Minute,
			VisibilityTimeout:  10 * time.Minute,
			BatchSize:          10,
			CompletedRetention: time.Hour,
			FailedRetention:    24 * time.Hour,
		},
		ReconcileStaleAfter: 15 * time.Minute,
	}
}

type testEnv struct {
	DB         *gorm.DB
	Pipeline   *Pipeline
	Publisher  *fakePublisher
	Files      *fakeFiles
	Payments   *fakePaymentProvider
	Moderation *fakeModeration
	Creator    *fakePaymentCreator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	env := &testEnv{
		DB:         db,
		Publisher:  &fakePublisher{},
		Files:      &fakeFiles{},
		Payments:   &fakePaymentProvider{},
		Moderation: &fakeModeration{},
		Creator:    &fakePaymentCreator{},
	}
	env.Pipeline = NewPipeline(PipelineDeps{
		DB:             db,
		Logger:         quietLogger(),
		Settings:       testSettings(),
		Publisher:      env.Publisher,
		Files:          env.Files,
		PaymentCreator: env.Creator,
		Payments:       env.Payments,
		Moderation:     env.Moderation,
	})
	return env
}

// freezeClock pins the queue clock and returns a setter to move it.
func (e *testEnv) freezeClock(at time.Time) func(time.Time) {
	current := at
	e.Pipeline.Queue.now = func() time.Time { return current }
	return func(next time.Time) { current = next }
}

func seedUser(t *testing.T, db *gorm.DB, username string, credits int) *models.User {
	t.Helper()
	u := &models.User{Username: username, Role: "user"}
	require.NoError(t, db.Create(u).Error)
	if credits > 0 {
		_, err := models.AppendCreditTransaction(db, models.NewCreditTransaction{
			UserId: u.ID, Amount: credits, Type: models.TransactionTypeBonus, Description: "seed",
		})
		require.NoError(t, err)
	}
	return u
}

func seedDocument(t *testing.T, db *gorm.DB, id string, ownerId int, status models.DocumentStatus) *models.Document {
	t.Helper()
	d := &models.Document{ID: id, UserId: ownerId, Title: "Doc " + id, FilePath: "documents/" + id + ".pdf", ContentType: "application/pdf", Status: status}
	require.NoError(t, models.CreateDocument(context.Background(), db, d))
	return d
}

func seedPayment(t *testing.T, db *gorm.DB, id string, ownerId, credits int) *models.PaymentIntent {
	t.Helper()
	pi := &models.PaymentIntent{ID: id, UserId: ownerId, Credits: credits, Amount: decimal.NewFromInt(int64(credits)).Div(decimal.NewFromInt(10)), Currency: "usd"}
	require.NoError(t, models.CreatePaymentIntent(context.Background(), db, pi))
	return pi
}

func balanceOf(t *testing.T, db *gorm.DB, userId int) int {
	t.Helper()
	b, err := models.GetCreditBalance(context.Background(), db, userId)
	require.NoError(t, err)
	sum, err := models.SumCreditTransactions(context.Background(), db, userId)
	require.NoError(t, err)
	require.Equal(t, sum, b, "running balance must match the ledger")
	return b
}

func countRows(t *testing.T, db *gorm.DB, model interface{}, where string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Where(where, args...).Count(&n).Error)
	return n
}

type publishedMessage struct {
	Topic string
	Data  []byte
	Attrs map[string]string
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
	err      error
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, publishedMessage{Topic: topic, Data: data, Attrs: attrs})
	return uuid.NewString(), nil
}

func (p *fakePublisher) sent() []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedMessage(nil), p.messages...)
}

type fakeFiles struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeFiles) Delete(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, path)
	return nil
}

type fakePaymentProvider struct {
	mu       sync.Mutex
	payments map[string]*ProviderPayment
	err      error
	calls    int
}

func (p *fakePaymentProvider) set(pp *ProviderPayment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.payments == nil {
		p.payments = map[string]*ProviderPayment{}
	}
	p.payments[pp.Id] = pp
}

func (p *fakePaymentProvider) RetrievePaymentIntent(ctx context.Context, id string) (*ProviderPayment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	if pp, ok := p.payments[id]; ok {
		cp := *pp
		return &cp, nil
	}
	return &ProviderPayment{Id: id, Status: "requires_payment_method"}, nil
}

type fakeModeration struct {
	mu      sync.Mutex
	reports map[string]*ModerationReport
	err     error
}

func (m *fakeModeration) set(r *ModerationReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reports == nil {
		m.reports = map[string]*ModerationReport{}
	}
	m.reports[r.DocumentId] = r
}

func (m *fakeModeration) GetResult(ctx context.Context, documentId string) (*ModerationReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if r, ok := m.reports[documentId]; ok {
		cp := *r
		return &cp, nil
	}
	return &ModerationReport{DocumentId: documentId, Status: "pending"}, nil
}

type fakePaymentCreator struct {
	next string
	err  error
	reqs []PaymentIntentRequest
}

func (c *fakePaymentCreator) CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*CreatedPaymentIntent, error) {
	c.reqs = append(c.reqs, req)
	if c.err != nil {
		return nil, c.err
	}
	id := c.next
	if id == "" {
		id = "pi_" + uuid.NewString()
	}
	return &CreatedPaymentIntent{Id: id, ClientSecret: id + "_secret", Status: "requires_payment_method"}, nil
}

// recordingSink counts notifications without touching the database.
type recordingSink struct {
	mu    sync.Mutex
	items []models.NewNotification
}

func (s *recordingSink) Notify(ctx context.Context, n models.NewNotification) *models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, n)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

type panickingSink struct{}

func (panickingSink) Notify(ctx context.Context, n models.NewNotification) *models.Notification {
	panic("notification backend exploded")
}

var errProviderDown = errors.New("connection refused")
