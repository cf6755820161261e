package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/taxbracket/backend/internal/domain"
)

// DefaultMaxContextTokens bounds the compact context handed to the model.
const DefaultMaxContextTokens = 400

var monthNames = [...]string{"Jan", "Feb", "Mar", "Apr", "May", "Jun", "Jul", "Aug", "Sep", "Oct", "Nov", "Dec"}

// EstimateTokens approximates the model tokens of a JSON document at four
// bytes per token.
func EstimateTokens(raw []byte) int {
	return (len(raw) + 3) / 4
}

// BuildCompactContext summarizes agg for the model.
func BuildCompactContext(agg *domain.Aggregate) domain.CompactContext {
	sources := []domain.IncomeSource{}
	for _, s := range []domain.IncomeSource{
		{Type: "salary", Total: agg.IncomeCategories.Salary},
		{Type: "business", Total: agg.IncomeCategories.Business},
		{Type: "rental", Total: agg.IncomeCategories.Rental},
		{Type: "investment", Total: agg.IncomeCategories.Investment},
		{Type: "other", Total: agg.IncomeCategories.Other},
	} {
		if s.Total > 0 {
			sources = append(sources, s)
		}
	}
	sort.SliceStable(sources, func(i, j int) bool { return sources[i].Total > sources[j].Total })

	employment := agg.Employment
	if employment == "" {
		employment = domain.EmploymentPAYE
	}
	flags := agg.Flags
	if flags == nil {
		flags = []string{}
	}

	return domain.CompactContext{
		TaxYear:        agg.TaxYear,
		IncomeSources:  sources,
		TotalIncome:    agg.TotalIncome,
		TaxableIncome:  agg.TaxableIncome,
		EstimatedTax:   agg.Liability.TotalTax,
		EffectiveRate:  fmt.Sprintf("%g%%", agg.Liability.EffectiveRate),
		EmploymentType: employment,
		BankCharges:    agg.TotalBankCharges,
		Flags:          flags,
		DataMonths:     dataMonths(agg.Monthly),
	}
}

// dataMonths renders the covered span as "Jan 2026 - Jun 2026".
func dataMonths(monthly []domain.MonthlyEntry) string {
	if len(monthly) == 0 {
		return "No data"
	}
	months := make([]string, len(monthly))
	for i, m := range monthly {
		months[i] = m.Month
	}
	sort.Strings(months)
	first, last := shortMonth(months[0]), shortMonth(months[len(months)-1])
	if first == last {
		return first
	}
	return first + " - " + last
}

func shortMonth(ym string) string {
	var y, m int
	if _, err := fmt.Sscanf(ym, "%d-%d", &y, &m); err != nil || m < 1 || m > 12 {
		return ym
	}
	return fmt.Sprintf("%s %d", monthNames[m-1], y)
}

// FitContext marshals c, dropping the least important details until the
// estimate fits maxTokens: flags from the end first, then the smallest
// income sources. The headline figures are always kept.
func FitContext(c domain.CompactContext, maxTokens int) ([]byte, int, error) {
	for {
		raw, err := json.Marshal(c)
		if err != nil {
			return nil, 0, err
		}
		tokens := EstimateTokens(raw)
		if maxTokens <= 0 || tokens <= maxTokens {
			return raw, tokens, nil
		}
		switch {
		case len(c.Flags) > 0:
			c.Flags = c.Flags[:len(c.Flags)-1]
		case len(c.IncomeSources) > 1:
			c.IncomeSources = c.IncomeSources[:len(c.IncomeSources)-1]
		default:
			return raw, tokens, nil
		}
	}
}
