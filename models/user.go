package models

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// User carries the denormalized running credit balance. The ledger in
// credit_transactions stays the source of truth; both move in the same transaction.
type User struct {
	ID            int       `gorm:"primary_key" json:"id"`
	Username      string    `gorm:"size:100;uniqueIndex;not null" json:"username"`
	Email         string    `gorm:"size:255;index" json:"email"`
	Role          string    `gorm:"size:20;not null;default:'user'" json:"role"`
	CreditBalance int       `gorm:"not null;default:0" json:"credit_balance"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetUser(ctx context.Context, db *gorm.DB, id int) (*User, error) {
	var u User
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// GetCreditBalance reads the denormalized balance column.
func GetCreditBalance(ctx context.Context, db *gorm.DB, userId int) (int, error) {
	var u User
	if err := db.WithContext(ctx).Select("id", "credit_balance").Where("id = ?", userId).Take(&u).Error; err != nil {
		return 0, err
	}
	return u.CreditBalance, nil
}

// LockUser takes the row lock that serializes spends against the same balance.
func LockUser(tx *gorm.DB, id int) (*User, error) {
	var u User
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}
