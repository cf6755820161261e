package extractor

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/taxbracket/backend/internal/domain"
)

// CSV extracts transactions from comma separated statements.
type CSV struct{}

// NewCSV creates the CSV extractor.
func NewCSV() *CSV { return &CSV{} }

func (*CSV) Name() string { return "csv" }

func (*CSV) Match(mimeType string) bool {
	switch strings.ToLower(mimeType) {
	case "text/csv", "application/csv", "text/comma-separated-values":
		return true
	}
	return false
}

func (*CSV) Extract(ctx context.Context, r io.Reader, meta domain.FileMeta) ([]domain.Transaction, error) {
	records, err := readCSV(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("read csv %s: %w", meta.Name, err)
	}
	return Normalize(NewTable(records), meta), nil
}

func readCSV(ctx context.Context, r io.Reader) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	var records [][]string
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if blank(rec) {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func blank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
