package models_test

import (
	"context"
	"testing"

	"github.com/mmdatafocus/docshare_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestAppendCreditTransactionMovesBalance(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	u := createUser(t, db, "alice")

	_, err := models.AppendCreditTransaction(db, models.NewCreditTransaction{
		UserId: u.ID, Amount: 10, Type: models.TransactionTypePurchase,
		ReferenceType: models.ReferenceTypePaymentIntent, ReferenceId: "pi_1", OneTime: true,
	})
	require.NoError(t, err)
	_, err = models.AppendCreditTransaction(db, models.NewCreditTransaction{
		UserId: u.ID, Amount: -3, Type: models.TransactionTypeDownload, Description: "Download",
	})
	require.NoError(t, err)

	balance, err := models.GetCreditBalance(ctx, db, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, balance)

	sum, err := models.SumCreditTransactions(ctx, db, u.ID)
	require.NoError(t, err)
	assert.Equal(t, balance, sum)

	totals, err := models.GetCreditTotals(ctx, db, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, totals.Balance)
	assert.Equal(t, 10, totals.Earned)
	assert.Equal(t, 3, totals.Spent)
	assert.Equal(t, 10, totals.ByType[models.TransactionTypePurchase])

	drift, err := models.CheckBalanceConsistency(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, drift)
}

func TestAppendCreditTransactionRejectsDuplicateEffect(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	u := createUser(t, db, "bob")

	in := models.NewCreditTransaction{
		UserId: u.ID, Amount: 5, Type: models.TransactionTypePurchase,
		ReferenceType: models.ReferenceTypePaymentIntent, ReferenceId: "pi_dup", OneTime: true,
	}
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		_, err := models.AppendCreditTransaction(tx, in)
		return err
	}))
	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := models.AppendCreditTransaction(tx, in)
		return err
	})
	require.ErrorIs(t, err, models.ErrDuplicateEffect)

	balance, err := models.GetCreditBalance(ctx, db, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, balance)

	exists, err := models.CreditEffectExists(db, models.ReferenceTypePaymentIntent, "pi_dup", models.TransactionTypePurchase)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestAppendCreditTransactionScopedEffects(t *testing.T) {
	db := newTestDB(t)
	a := createUser(t, db, "a")
	b := createUser(t, db, "b")

	for _, u := range []*models.User{a, b} {
		_, err := models.AppendCreditTransaction(db, models.NewCreditTransaction{
			UserId: u.ID, Amount: 1, Type: models.TransactionTypeBonus,
			ReferenceType: models.ReferenceTypeDocument, ReferenceId: "doc-1", OneTime: true,
			EffectScope: "user:" + u.Username,
		})
		require.NoError(t, err)
	}

	paid, err := models.UserCreditEffectExists(db, a.ID, models.ReferenceTypeDocument, "doc-1", models.TransactionTypeBonus)
	require.NoError(t, err)
	assert.True(t, paid)
}

func TestAppendCreditTransactionValidation(t *testing.T) {
	db := newTestDB(t)
	u := createUser(t, db, "carol")

	_, err := models.AppendCreditTransaction(db, models.NewCreditTransaction{UserId: u.ID, Amount: 0, Type: models.TransactionTypeBonus})
	assert.ErrorIs(t, err, models.ErrInvalidLedgerRow)

	_, err = models.AppendCreditTransaction(db, models.NewCreditTransaction{UserId: u.ID, Amount: 1, Type: "gift"})
	assert.ErrorIs(t, err, models.ErrInvalidLedgerRow)

	_, err = models.AppendCreditTransaction(db, models.NewCreditTransaction{UserId: u.ID, Amount: 1, Type: models.TransactionTypeBonus, OneTime: true})
	assert.ErrorIs(t, err, models.ErrInvalidLedgerRow)

	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := models.AppendCreditTransaction(tx, models.NewCreditTransaction{UserId: 9999, Amount: 1, Type: models.TransactionTypeBonus})
		return err
	})
	assert.ErrorIs(t, err, models.ErrOwnerNotFound)

	var count int64
	require.NoError(t, db.Model(&models.CreditTransaction{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCheckBalanceConsistencyReportsDrift(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	u := createUser(t, db, "dave")
	_, err := models.AppendCreditTransaction(db, models.NewCreditTransaction{UserId: u.ID, Amount: 4, Type: models.TransactionTypeBonus})
	require.NoError(t, err)

	require.NoError(t, db.Model(&models.User{}).Where("id = ?", u.ID).Update("credit_balance", 9).Error)

	drift, err := models.CheckBalanceConsistency(ctx, db)
	require.NoError(t, err)
	require.Len(t, drift, 1)
	assert.Equal(t, models.BalanceDrift{UserId: u.ID, CreditBalance: 9, LedgerSum: 4}, drift[0])
}

func TestListCreditTransactionsPages(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	u := createUser(t, db, "erin")
	other := createUser(t, db, "frank")

	for i := 0; i < 5; i++ {
		_, err := models.AppendCreditTransaction(db, models.NewCreditTransaction{UserId: u.ID, Amount: i + 1, Type: models.TransactionTypeBonus})
		require.NoError(t, err)
	}
	_, err := models.AppendCreditTransaction(db, models.NewCreditTransaction{UserId: other.ID, Amount: 1, Type: models.TransactionTypeBonus})
	require.NoError(t, err)
	_, err = models.AppendCreditTransaction(db, models.NewCreditTransaction{UserId: u.ID, Amount: -1, Type: models.TransactionTypeDownload})
	require.NoError(t, err)

	bonus := models.TransactionTypeBonus
	var seen []int64
	var after *string
	for page := 0; page < 5; page++ {
		conn, err := models.ListCreditTransactions(ctx, db, models.CreditTransactionFilter{UserId: u.ID, Type: &bonus, After: after, Limit: 2})
		require.NoError(t, err)
		for _, row := range conn.Edges {
			assert.Equal(t, u.ID, row.UserId)
			assert.Equal(t, models.TransactionTypeBonus, row.Type)
			seen = append(seen, row.ID)
		}
		if !*conn.PageInfo.HasNextPage {
			break
		}
		cursor := conn.PageInfo.EndCursor
		after = &cursor
	}

	require.Len(t, seen, 5)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i-1], seen[i], "newest first")
	}

	bad := "not-a-cursor"
	_, err = models.ListCreditTransactions(ctx, db, models.CreditTransactionFilter{UserId: u.ID, After: &bad})
	assert.ErrorIs(t, err, models.ErrInvalidCursor)
}

func TestListAllCreditTransactionsOldestFirst(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	u := createUser(t, db, "gina")
	for i := 1; i <= 3; i++ {
		_, err := models.AppendCreditTransaction(db, models.NewCreditTransaction{UserId: u.ID, Amount: i, Type: models.TransactionTypeBonus})
		require.NoError(t, err)
	}

	rows, err := models.ListAllCreditTransactions(ctx, db, u.ID, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].Amount)
	assert.Equal(t, 2, rows[1].Amount)
}
