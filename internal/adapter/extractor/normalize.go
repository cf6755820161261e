package extractor

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/taxbracket/backend/internal/domain"
)

// Table is a statement sheet: lowercased headers and raw cell rows.
type Table struct {
	Headers []string
	Rows    [][]string
}

// NewTable lowercases and trims headers; records after the first are rows.
func NewTable(records [][]string) Table {
	if len(records) == 0 {
		return Table{}
	}
	headers := make([]string, len(records[0]))
	for i, h := range records[0] {
		headers[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	}
	return Table{Headers: headers, Rows: records[1:]}
}

var (
	dateHeader   = regexp.MustCompile(`^(date|tran[_\s]*date|transaction[_\s]*date|value[_\s]*date|post[_\s]*date|posting[_\s]*date)$`)
	descHeader   = regexp.MustCompile(`^(description|narration|particulars|details|remarks|transaction[_\s]*details|memo|reference)$`)
	amountHeader = regexp.MustCompile(`^(amount|value|sum|total|tran[_\s]*amount)$`)
	creditHeader = regexp.MustCompile(`^(credit|cr|deposit|money[_\s]*in|inflow|credits)$`)
	debitHeader  = regexp.MustCompile(`^(debit|dr|withdrawal|money[_\s]*out|outflow|debits)$`)
	typeHeader   = regexp.MustCompile(`^(type|direction|tran[_\s]*type|transaction[_\s]*type)$`)

	creditWord = regexp.MustCompile(`(?i)credit|\bcr\b|deposit|inflow`)
	debitWord  = regexp.MustCompile(`(?i)debit|\bdr\b|withdrawal|outflow`)
)

type columns struct {
	date, desc, amount, credit, debit, typ int
}

func detectColumns(headers []string) columns {
	find := func(re *regexp.Regexp) int {
		for i, h := range headers {
			if re.MatchString(h) {
				return i
			}
		}
		return -1
	}
	return columns{
		date:   find(dateHeader),
		desc:   find(descHeader),
		amount: find(amountHeader),
		credit: find(creditHeader),
		debit:  find(debitHeader),
		typ:    find(typeHeader),
	}
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// Normalize maps table rows to transactions. Rows without a parseable date,
// a description or a non-zero amount are skipped.
func Normalize(t Table, meta domain.FileMeta) []domain.Transaction {
	cols := detectColumns(t.Headers)
	if cols.date < 0 {
		return nil
	}

	var txns []domain.Transaction
	for _, row := range t.Rows {
		date, ok := ParseDate(cell(row, cols.date))
		if !ok {
			continue
		}
		rawDesc := cell(row, cols.desc)
		if rawDesc == "" {
			continue
		}

		direction, amount := directionAndAmount(row, cols)
		if amount == 0 {
			continue
		}

		category, sub := Categorize(rawDesc)
		txns = append(txns, domain.Transaction{
			FileID:      meta.FileID,
			Date:        date,
			Description: CleanDescription(rawDesc),
			Amount:      amount,
			Direction:   direction,
			Category:    category,
			SubCategory: sub,
		})
	}
	return txns
}

func directionAndAmount(row []string, cols columns) (domain.Direction, float64) {
	if cols.credit >= 0 && cols.debit >= 0 {
		if v, ok := ParseAmount(cell(row, cols.credit)); ok && v > 0 {
			return domain.DirectionCredit, v
		}
		if v, ok := ParseAmount(cell(row, cols.debit)); ok && v > 0 {
			return domain.DirectionDebit, v
		}
		return domain.DirectionDebit, 0
	}

	if cols.amount < 0 {
		return domain.DirectionDebit, 0
	}
	raw := cell(row, cols.amount)
	amount, _ := ParseAmount(raw)

	if cols.typ >= 0 {
		val := cell(row, cols.typ)
		switch {
		case creditWord.MatchString(val):
			return domain.DirectionCredit, amount
		case debitWord.MatchString(val):
			return domain.DirectionDebit, amount
		}
	}
	if strings.Contains(raw, "(") || strings.HasPrefix(raw, "-") {
		return domain.DirectionDebit, amount
	}
	return domain.DirectionCredit, amount
}

var amountNoise = strings.NewReplacer("₦", "", "NGN", "", "ngn", "", "$", "", ",", "", " ", "", "(", "", ")", "")

// ParseAmount reads a currency cell and returns its absolute value.
func ParseAmount(s string) (float64, bool) {
	cleaned := amountNoise.Replace(strings.TrimSpace(s))
	if cleaned == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return math.Abs(v), true
}

var dateLayouts = []string{
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"2-1-2006",
	"2006-01-02",
	"2006/01/02",
	"2006-1-2",
	"02 Jan 2006",
	"2 Jan 2006",
	"2 January 2006",
	"02-Jan-2006",
	"2-Jan-06",
	"Jan 2, 2006",
	"January 2, 2006",
	"Jan 2 2006",
	"2006-01-02 15:04:05",
	"02/01/2006 15:04:05",
	time.RFC3339,
}

// ParseDate accepts the day-first layouts common on Nigerian bank statements
// plus ISO dates.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

var (
	spaceRun  = regexp.MustCompile(`\s+`)
	descNoise = regexp.MustCompile(`[^\w\s₦.,()\-/]`)
)

const maxDescription = 500

// CleanDescription collapses whitespace, drops symbols and bounds the length.
func CleanDescription(raw string) string {
	s := spaceRun.ReplaceAllString(raw, " ")
	s = strings.TrimSpace(descNoise.ReplaceAllString(s, ""))
	if utf8.RuneCountInString(s) > maxDescription {
		s = string([]rune(s)[:maxDescription])
	}
	return s
}
