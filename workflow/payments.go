package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/mmdatafocus/docshare_backend/config"
	"github.com/mmdatafocus/docshare_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const maxCreditsPerPurchase = 100000

var ErrInvalidPurchase = errors.New("invalid credit purchase")

type PaymentIntentRequest struct {
	AmountMinor int64
	Currency    string
	Metadata    map[string]string
}

type CreatedPaymentIntent struct {
	Id           string
	ClientSecret string
	Status       string
}

type PaymentCreator interface {
	CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*CreatedPaymentIntent, error)
}

type CheckoutResult struct {
	PaymentIntentId string          `json:"payment_intent_id"`
	ClientSecret    string          `json:"client_secret"`
	Credits         int             `json:"credits"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
}

// PaymentService opens credit purchases. Settlement happens later through the webhook or
// the verification fallback.
type PaymentService struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	Provider  PaymentCreator
	UnitPrice decimal.Decimal
	Currency  string
}

// PriceForCredits returns the major-unit amount and its minor-unit (cent) form.
func PriceForCredits(credits int, unitPrice decimal.Decimal) (decimal.Decimal, int64) {
	amount := unitPrice.Mul(decimal.NewFromInt(int64(credits))).Round(2)
	return amount, amount.Shift(2).IntPart()
}

func (s *PaymentService) CreateCheckout(ctx context.Context, userId, credits int) (*CheckoutResult, error) {
	if credits <= 0 || credits > maxCreditsPerPurchase {
		return nil, fmt.Errorf("%w: credits must be between 1 and %d", ErrInvalidPurchase, maxCreditsPerPurchase)
	}
	if s.Provider == nil {
		return nil, fmt.Errorf("%w: payments are not configured", ErrProviderUnavailable)
	}
	if _, err := models.GetUser(ctx, s.DB, userId); err != nil {
		return nil, err
	}

	amount, minor := PriceForCredits(credits, s.UnitPrice)
	if minor <= 0 {
		return nil, fmt.Errorf("%w: purchase amount must be positive", ErrInvalidPurchase)
	}

	created, err := s.Provider.CreatePaymentIntent(ctx, PaymentIntentRequest{
		AmountMinor: minor,
		Currency:    s.Currency,
		Metadata: map[string]string{
			"user_id": strconv.Itoa(userId),
			"credits": strconv.Itoa(credits),
		},
	})
	if err != nil {
		config.LogError(s.Logger, "PaymentService", "CreateCheckout", "create provider payment intent", map[string]int{"user_id": userId, "credits": credits}, err)
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	pi := &models.PaymentIntent{
		ID:       created.Id,
		UserId:   userId,
		Credits:  credits,
		Amount:   amount,
		Currency: s.Currency,
		Status:   models.PaymentStatusPending,
	}
	if err := models.CreatePaymentIntent(ctx, s.DB, pi); err != nil {
		// The provider intent exists without a local row; the webhook for it will 404 until an
		// operator reconciles, so make this loud.
		config.LogError(s.Logger, "PaymentService", "CreateCheckout", "persist payment intent", map[string]interface{}{"payment_intent_id": created.Id, "user_id": userId}, err)
		return nil, err
	}

	if s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"field":             "PaymentService",
			"payment_intent_id": created.Id,
			"user_id":           userId,
			"credits":           credits,
			"amount":            amount.String(),
		}).Info("payment intent created")
	}
	return &CheckoutResult{
		PaymentIntentId: created.Id,
		ClientSecret:    created.ClientSecret,
		Credits:         credits,
		Amount:          amount,
		Currency:        s.Currency,
	}, nil
}
