package reports

import (
	"fmt"
	"io"
	"time"

	"github.com/mmdatafocus/docshare_backend/models"
	"github.com/xuri/excelize/v2"
)

const creditLedgerSheet = "Credits"

var creditLedgerHeadings = []string{"Date", "Type", "Amount", "Description", "Reference", "Running Balance"}

// CreditLedgerWorkbook lays out a user's ledger rows oldest first with a running balance.
func CreditLedgerWorkbook(rows []models.CreditTransaction) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", creditLedgerSheet); err != nil {
		_ = f.Close()
		return nil, err
	}

	col := 'A'
	for _, h := range creditLedgerHeadings {
		if err := f.SetCellValue(creditLedgerSheet, string(col)+"1", h); err != nil {
			_ = f.Close()
			return nil, err
		}
		col++
	}

	balance := 0
	for i, r := range rows {
		balance += r.Amount
		rowNo := fmt.Sprint(i + 2)
		reference := ""
		if r.ReferenceType != nil && r.ReferenceId != nil {
			reference = string(*r.ReferenceType) + ":" + *r.ReferenceId
		}
		values := []interface{}{
			r.CreatedAt.UTC().Format(time.RFC3339),
			string(r.Type),
			r.Amount,
			r.Description,
			reference,
			balance,
		}
		col := 'A'
		for _, v := range values {
			if err := f.SetCellValue(creditLedgerSheet, string(col)+rowNo, v); err != nil {
				_ = f.Close()
				return nil, err
			}
			col++
		}
	}
	return f, nil
}

// WriteCreditLedger streams the workbook as .xlsx.
func WriteCreditLedger(w io.Writer, rows []models.CreditTransaction) error {
	f, err := CreditLedgerWorkbook(rows)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(w)
}
