package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/docshare_backend/config"
	"github.com/mmdatafocus/docshare_backend/models"
	"github.com/mmdatafocus/docshare_backend/models/reports"
)

const maxExportRows = 10000

func (a *App) creditBalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		userId := currentUserId(c)
		balance, err := models.GetCreditBalance(ctx, a.DB, userId)
		if err != nil {
			respondError(c, err)
			return
		}
		totals, err := models.GetCreditTotals(ctx, a.DB, userId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"balance": balance,
			"totals":  totals,
		})
	}
}

func (a *App) creditTransactionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		f := models.CreditTransactionFilter{
			UserId: currentUserId(c),
			After:  queryCursor(c, "after"),
			Limit:  queryInt(c, "limit", 0),
		}
		if v := strings.TrimSpace(c.Query("type")); v != "" {
			t, err := models.ParseTransactionType(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			f.Type = &t
		}
		conn, err := models.ListCreditTransactions(c.Request.Context(), a.DB, f)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, conn)
	}
}

// exportCreditTransactionsHandler streams the caller's ledger as an xlsx workbook.
func (a *App) exportCreditTransactionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId := currentUserId(c)
		rows, err := models.ListAllCreditTransactions(c.Request.Context(), a.DB, userId, maxExportRows)
		if err != nil {
			respondError(c, err)
			return
		}
		fileName := "credits-" + time.Now().UTC().Format("20060102") + ".xlsx"
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", `attachment; filename="`+fileName+`"`)
		c.Status(http.StatusOK)
		if err := reports.WriteCreditLedger(c.Writer, rows); err != nil {
			// Headers are already sent; all we can do is log.
			config.LogError(a.Logger, "creditHandlers.go", "exportCreditTransactionsHandler", "write workbook", userId, err)
		}
	}
}
