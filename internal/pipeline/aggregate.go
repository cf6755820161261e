package pipeline

import (
	"math"
	"sort"
	"time"

	"github.com/taxbracket/backend/internal/domain"
)

// ComputeAggregate recomputes a user's tax-year figures from every parsed
// transaction. With no transactions every figure is zero, which replaces any
// aggregate computed before the statements were removed or re-parsed empty.
func ComputeAggregate(userID string, taxYear int, txns []domain.Transaction, now time.Time) *domain.Aggregate {
	var (
		cats     domain.IncomeCategories
		ded      DeductionInputs
		income   float64
		expenses float64
		charges  float64
		byMonth  = make(map[string]*domain.MonthlyEntry)
	)
	for _, tx := range txns {
		key := tx.Date.UTC().Format("2006-01")
		m, ok := byMonth[key]
		if !ok {
			m = &domain.MonthlyEntry{Month: key}
			byMonth[key] = m
		}

		if tx.Direction == domain.DirectionCredit {
			income += tx.Amount
			m.Income += tx.Amount
			if tx.Category != "income" {
				cats.Other += tx.Amount
				continue
			}
			switch tx.SubCategory {
			case "salary":
				cats.Salary += tx.Amount
				ded.AnnualSalary += tx.Amount
			case "business":
				cats.Business += tx.Amount
			case "rental":
				cats.Rental += tx.Amount
			case "investment":
				cats.Investment += tx.Amount
			default:
				cats.Other += tx.Amount
			}
			continue
		}

		expenses += tx.Amount
		m.Expenses += tx.Amount
		switch {
		case tx.Category == "bank_charges":
			charges += tx.Amount
			m.BankCharges += tx.Amount
		case tx.Category == "expense" && tx.SubCategory == "rent":
			ded.AnnualRentPaid += tx.Amount
		case tx.Category == "deduction":
			switch tx.SubCategory {
			case "pension":
				ded.PensionVisible = true
			case "nhf":
				ded.NHFVisible = true
			case "nhis":
				ded.NHISAmount += tx.Amount
			case "insurance":
				ded.LifeInsuranceAmount += tx.Amount
			}
		}
	}

	monthly := make([]domain.MonthlyEntry, 0, len(byMonth))
	for _, m := range byMonth {
		monthly = append(monthly, domain.MonthlyEntry{
			Month:       m.Month,
			Income:      round2(m.Income),
			Expenses:    round2(m.Expenses),
			BankCharges: round2(m.BankCharges),
			NetBalance:  round2(m.Income - m.Expenses),
		})
	}
	sort.Slice(monthly, func(i, j int) bool { return monthly[i].Month < monthly[j].Month })

	deductions := CalculateDeductions(ded)
	taxable := math.Max(0, income-deductions.Total)
	liability := CalculateTaxLiability(taxable)

	return &domain.Aggregate{
		UserID:           userID,
		TaxYear:          taxYear,
		TransactionCount: len(txns),
		TotalIncome:      round2(income),
		TotalExpenses:    round2(expenses),
		TotalBankCharges: round2(charges),
		TaxableIncome:    round2(taxable),
		IncomeCategories: domain.IncomeCategories{
			Salary:     round2(cats.Salary),
			Business:   round2(cats.Business),
			Rental:     round2(cats.Rental),
			Investment: round2(cats.Investment),
			Other:      round2(cats.Other),
		},
		Monthly:    monthly,
		Deductions: deductions,
		Liability:  liability,
		Employment: ClassifyEmployment(cats.Salary, cats.Business, income),
		Flags: GenerateFlags(FlagInputs{
			TotalIncome:      income,
			TaxableIncome:    taxable,
			MonthsCovered:    len(byMonth),
			TransactionCount: len(txns),
		}),
		ComputedAt: now.UTC(),
	}
}
