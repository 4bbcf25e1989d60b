package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/docshare_backend/utils"
	"gorm.io/gorm"
)

var (
	ErrOwnerNotFound    = errors.New("ledger owner not found")
	ErrDuplicateEffect  = errors.New("ledger effect already recorded")
	ErrInvalidLedgerRow = errors.New("invalid ledger entry")
)

// CreditTransaction is one row of the append-only credit ledger.
// Rows are never updated or deleted; corrections are new rows with the opposite sign.
type CreditTransaction struct {
	ID            int64           `gorm:"primaryKey" json:"id"`
	UserId        int             `gorm:"not null;index:idx_credit_user,priority:1" json:"user_id"`
	Amount        int             `gorm:"not null" json:"amount"`
	Type          TransactionType `gorm:"size:20;not null;index" json:"type"`
	Description   string          `gorm:"size:255" json:"description"`
	ReferenceType *ReferenceType  `gorm:"size:30;index:idx_credit_ref,priority:1" json:"reference_type"`
	ReferenceId   *string         `gorm:"size:64;index:idx_credit_ref,priority:2" json:"reference_id"`
	// EffectKey is set only for one-time settlement effects; the unique index is the
	// storage-level backstop behind the locked lookup in CreditEffectExists.
	EffectKey *string   `gorm:"size:160;uniqueIndex" json:"-"`
	CreatedAt time.Time `gorm:"autoCreateTime;index:idx_credit_user,priority:2" json:"created_at"`
}

type NewCreditTransaction struct {
	UserId        int
	Amount        int
	Type          TransactionType
	Description   string
	ReferenceType ReferenceType
	ReferenceId   string
	// OneTime marks (ReferenceType, ReferenceId, Type) as an effect that may exist at most once.
	OneTime bool
	// EffectScope narrows a one-time effect, e.g. to one buyer of a shared document.
	EffectScope string
}

func CreditEffectKey(refType ReferenceType, refId string, kind TransactionType) string {
	return fmt.Sprintf("%s:%s:%s", refType, refId, kind)
}

// CreditEffectExists must be called on the same tx, and after the same row lock, as
// the AppendCreditTransaction it guards.
func CreditEffectExists(tx *gorm.DB, refType ReferenceType, refId string, kind TransactionType) (bool, error) {
	var count int64
	err := tx.Model(&CreditTransaction{}).
		Where("reference_type = ? AND reference_id = ? AND type = ?", refType, refId, kind).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// UserCreditEffectExists is CreditEffectExists restricted to one owner.
func UserCreditEffectExists(tx *gorm.DB, userId int, refType ReferenceType, refId string, kind TransactionType) (bool, error) {
	var count int64
	err := tx.Model(&CreditTransaction{}).
		Where("user_id = ? AND reference_type = ? AND reference_id = ? AND type = ?", userId, refType, refId, kind).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// AppendCreditTransaction inserts one ledger row and moves the owner's running
// balance by the same amount. Both writes belong to tx.
func AppendCreditTransaction(tx *gorm.DB, in NewCreditTransaction) (*CreditTransaction, error) {
	if in.UserId <= 0 || in.Amount == 0 {
		return nil, ErrInvalidLedgerRow
	}
	if _, err := ParseTransactionType(string(in.Type)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLedgerRow, err)
	}
	if in.OneTime && (in.ReferenceType == "" || in.ReferenceId == "") {
		return nil, fmt.Errorf("%w: one-time effect requires a reference", ErrInvalidLedgerRow)
	}

	row := CreditTransaction{
		UserId:      in.UserId,
		Amount:      in.Amount,
		Type:        in.Type,
		Description: utils.Truncate(in.Description, 255),
	}
	if in.ReferenceType != "" {
		rt := in.ReferenceType
		row.ReferenceType = &rt
	}
	if in.ReferenceId != "" {
		rid := in.ReferenceId
		row.ReferenceId = &rid
	}
	if in.OneTime {
		key := CreditEffectKey(in.ReferenceType, in.ReferenceId, in.Type)
		if in.EffectScope != "" {
			key += ":" + in.EffectScope
		}
		row.EffectKey = &key
	}

	if err := tx.Create(&row).Error; err != nil {
		if utils.IsDuplicateKeyErr(err) {
			return nil, ErrDuplicateEffect
		}
		return nil, err
	}

	res := tx.Model(&User{}).
		Where("id = ?", in.UserId).
		Updates(map[string]interface{}{"credit_balance": gorm.Expr("credit_balance + ?", in.Amount)})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrOwnerNotFound
	}
	return &row, nil
}

// SumCreditTransactions derives a balance from the ledger alone.
func SumCreditTransactions(ctx context.Context, db *gorm.DB, userId int) (int, error) {
	var sum int
	err := db.WithContext(ctx).Model(&CreditTransaction{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("user_id = ?", userId).
		Scan(&sum).Error
	return sum, err
}

type CreditTotals struct {
	Balance int                     `json:"balance"`
	Earned  int                     `json:"earned"`
	Spent   int                     `json:"spent"`
	ByType  map[TransactionType]int `json:"by_type"`
}

func GetCreditTotals(ctx context.Context, db *gorm.DB, userId int) (*CreditTotals, error) {
	var rows []struct {
		Type     TransactionType
		Total    int
		Positive int
		Negative int
	}
	err := db.WithContext(ctx).Model(&CreditTransaction{}).
		Select(`type,
			COALESCE(SUM(amount), 0) AS total,
			COALESCE(SUM(CASE WHEN amount > 0 THEN amount ELSE 0 END), 0) AS positive,
			COALESCE(SUM(CASE WHEN amount < 0 THEN amount ELSE 0 END), 0) AS negative`).
		Where("user_id = ?", userId).
		Group("type").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	totals := &CreditTotals{ByType: map[TransactionType]int{}}
	for _, r := range rows {
		totals.ByType[r.Type] = r.Total
		totals.Balance += r.Total
		totals.Earned += r.Positive
		totals.Spent += -r.Negative
	}
	return totals, nil
}

type CreditTransactionFilter struct {
	UserId int
	Type   *TransactionType
	After  *string
	Limit  int
}

type CreditTransactionsConnection struct {
	Edges    []CreditTransaction `json:"edges"`
	PageInfo PageInfo            `json:"pageInfo"`
}

// ListCreditTransactions pages newest first using a created_at|id cursor.
func ListCreditTransactions(ctx context.Context, db *gorm.DB, f CreditTransactionFilter) (*CreditTransactionsConnection, error) {
	if f.UserId <= 0 {
		return nil, errors.New("user id is required")
	}
	limit := normalizeLimit(f.Limit)

	q := db.WithContext(ctx).Model(&CreditTransaction{}).Where("user_id = ?", f.UserId)
	if f.Type != nil {
		q = q.Where("type = ?", *f.Type)
	}
	if f.After != nil && *f.After != "" {
		ts, afterId := DecodeCompositeCursor(f.After)
		createdAt, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil || afterId == 0 {
			return nil, ErrInvalidCursor
		}
		q = q.Where("created_at < ? OR (created_at = ? AND id < ?)", createdAt, createdAt, afterId)
	}

	var rows []CreditTransaction
	if err := q.Order("created_at DESC, id DESC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return nil, err
	}

	hasNext := len(rows) > limit
	if hasNext {
		rows = rows[:limit]
	}
	conn := &CreditTransactionsConnection{Edges: rows, PageInfo: PageInfo{HasNextPage: &hasNext}}
	if len(rows) > 0 {
		first, last := rows[0], rows[len(rows)-1]
		conn.PageInfo.StartCursor = EncodeCompositeCursor(first.CreatedAt.Format(time.RFC3339Nano), first.ID)
		conn.PageInfo.EndCursor = EncodeCompositeCursor(last.CreatedAt.Format(time.RFC3339Nano), last.ID)
	}
	return conn, nil
}

// ListAllCreditTransactions is used by the spreadsheet export; capped by max.
func ListAllCreditTransactions(ctx context.Context, db *gorm.DB, userId int, max int) ([]CreditTransaction, error) {
	var rows []CreditTransaction
	err := db.WithContext(ctx).
		Where("user_id = ?", userId).
		Order("id ASC").
		Limit(max).
		Find(&rows).Error
	return rows, err
}

type BalanceDrift struct {
	UserId        int `json:"user_id"`
	CreditBalance int `json:"credit_balance"`
	LedgerSum     int `json:"ledger_sum"`
}

// CheckBalanceConsistency lists users whose running balance disagrees with their ledger.
func CheckBalanceConsistency(ctx context.Context, db *gorm.DB) ([]BalanceDrift, error) {
	var drift []BalanceDrift
	err := db.WithContext(ctx).Raw(`
		SELECT u.id AS user_id, u.credit_balance AS credit_balance, COALESCE(SUM(ct.amount), 0) AS ledger_sum
		FROM users u
		LEFT JOIN credit_transactions ct ON ct.user_id = u.id
		GROUP BY u.id, u.credit_balance
		HAVING u.credit_balance <> COALESCE(SUM(ct.amount), 0)
	`).Scan(&drift).Error
	return drift, err
}
