package extractor

import (
	"context"
	"testing"

	"github.com/taxbracket/backend/internal/domain"
	"github.com/xuri/excelize/v2"
)

func TestXLSX_Extract(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	const sheet = "Sheet1"

	rows := [][]any{
		{"Value Date", "Particulars", "Withdrawal", "Deposit"},
		{"10/04/2025", "RENT RECEIVED FLAT 2", "", "250000"},
		{"11/04/2025", "DSTV subscription", "9000", ""},
	}
	for r, row := range rows {
		for c, v := range row {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+1)
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				t.Fatal(err)
			}
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatal(err)
	}

	x := NewXLSX()
	txns, err := x.Extract(context.Background(), buf, domain.FileMeta{FileID: "f2", Name: "apr.xlsx"})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(txns) != 2 {
		t.Fatalf("Extract() = %d transactions, want 2", len(txns))
	}
	if txns[0].SubCategory != "rental" || txns[0].Direction != domain.DirectionCredit {
		t.Errorf("first = %+v", txns[0])
	}
	if txns[1].SubCategory != "utilities" || txns[1].Amount != 9000 {
		t.Errorf("second = %+v", txns[1])
	}
}
