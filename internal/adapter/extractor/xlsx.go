package extractor

import (
	"context"
	"fmt"
	"io"

	"github.com/taxbracket/backend/internal/domain"
	"github.com/xuri/excelize/v2"
)

// XLSX extracts transactions from the first sheet of a workbook.
type XLSX struct{}

// NewXLSX creates the spreadsheet extractor.
func NewXLSX() *XLSX { return &XLSX{} }

func (*XLSX) Name() string { return "xlsx" }

func (*XLSX) Match(mimeType string) bool {
	return mimeType == "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

func (*XLSX) Extract(ctx context.Context, r io.Reader, meta domain.FileMeta) ([]domain.Transaction, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook %s: %w", meta.Name, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var records [][]string
	for _, row := range rows {
		if !blank(row) {
			records = append(records, row)
		}
	}
	return Normalize(NewTable(records), meta), nil
}
