package models

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PaymentIntent mirrors a provider payment intent. ID is the provider-assigned id.
type PaymentIntent struct {
	ID            string          `gorm:"primaryKey;size:64" json:"id"`
	UserId        int             `gorm:"index;not null" json:"user_id"`
	Credits       int             `gorm:"not null" json:"credits"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	Currency      string          `gorm:"size:3;not null" json:"currency"`
	Status        PaymentStatus   `gorm:"size:20;index;not null;default:'pending'" json:"status"`
	FailureReason *string         `gorm:"type:text" json:"failure_reason"`
	SucceededAt   *time.Time      `json:"succeeded_at"`
	FailedAt      *time.Time      `json:"failed_at"`
	RefundedAt    *time.Time      `json:"refunded_at"`
	CreatedAt     time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func CreatePaymentIntent(ctx context.Context, db *gorm.DB, pi *PaymentIntent) error {
	if pi == nil || pi.ID == "" {
		return errors.New("payment intent id is required")
	}
	if pi.Credits <= 0 {
		return errors.New("credits must be positive")
	}
	if pi.Status == "" {
		pi.Status = PaymentStatusPending
	}
	return db.WithContext(ctx).Create(pi).Error
}

func GetPaymentIntent(ctx context.Context, db *gorm.DB, id string) (*PaymentIntent, error) {
	var pi PaymentIntent
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&pi).Error; err != nil {
		return nil, err
	}
	return &pi, nil
}

// LockPaymentIntent loads the row with SELECT ... FOR UPDATE. tx must be an open transaction.
func LockPaymentIntent(tx *gorm.DB, id string) (*PaymentIntent, error) {
	var pi PaymentIntent
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&pi).Error; err != nil {
		return nil, err
	}
	return &pi, nil
}

func ListStalePendingPaymentIntents(ctx context.Context, db *gorm.DB, createdBefore time.Time, limit int) ([]PaymentIntent, error) {
	var out []PaymentIntent
	err := db.WithContext(ctx).
		Where("status = ? AND created_at <= ?", PaymentStatusPending, createdBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
