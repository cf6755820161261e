package pipeline

import (
	"fmt"
	"math"

	"github.com/taxbracket/backend/internal/domain"
)

// Bracket is one band of the progressive personal income tax.
type Bracket struct {
	Min   float64
	Max   float64 // +Inf for the top band
	Rate  float64
	Label string
}

// Brackets are the personal income tax bands in force from 1 January 2026.
var Brackets = []Bracket{
	{0, 800_000, 0.00, "₦0 – ₦800,000"},
	{800_001, 3_000_000, 0.15, "₦800,001 – ₦3,000,000"},
	{3_000_001, 12_000_000, 0.18, "₦3,000,001 – ₦12,000,000"},
	{12_000_001, 25_000_000, 0.21, "₦12,000,001 – ₦25,000,000"},
	{25_000_001, 50_000_000, 0.23, "₦25,000,001 – ₦50,000,000"},
	{50_000_001, math.Inf(1), 0.25, "Above ₦50,000,000"},
}

const (
	annualMinimumWage = 70_000 * 12
	zeroRateCeiling   = 800_000
	topBandFloor      = 50_000_000
	rentReliefCap     = 500_000
)

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// CalculateTaxLiability applies the brackets to taxable income.
func CalculateTaxLiability(taxable float64) domain.TaxLiability {
	if taxable <= 0 {
		return domain.TaxLiability{Brackets: []domain.BracketResult{}}
	}

	var (
		out       domain.TaxLiability
		remaining = taxable
	)
	for _, b := range Brackets {
		if remaining <= 0 {
			break
		}
		size := remaining
		if !math.IsInf(b.Max, 1) {
			size = b.Max - b.Min + 1
		}
		inBand := math.Min(remaining, size)
		tax := round2(inBand * b.Rate)
		out.Brackets = append(out.Brackets, domain.BracketResult{
			Range:   b.Label,
			Rate:    b.Rate,
			Taxable: inBand,
			Tax:     tax,
		})
		out.TotalTax += tax
		remaining -= inBand
	}
	out.TotalTax = round2(out.TotalTax)
	out.EffectiveRate = math.Round(out.TotalTax/taxable*1000) / 10
	out.MonthlyEstimate = round2(out.TotalTax / 12)
	return out
}

// DeductionInputs are the relief-relevant totals seen in the statements.
type DeductionInputs struct {
	AnnualRentPaid      float64
	AnnualSalary        float64
	PensionVisible      bool
	NHFVisible          bool
	NHISAmount          float64
	LifeInsuranceAmount float64
}

// CalculateDeductions computes the allowable reliefs.
func CalculateDeductions(in DeductionInputs) domain.Deductions {
	var d domain.Deductions
	if in.AnnualRentPaid > 0 {
		d.RentRelief = round2(math.Min(rentReliefCap, in.AnnualRentPaid*0.20))
	}
	if in.PensionVisible {
		d.Pension = round2(in.AnnualSalary * 0.08)
	}
	if in.NHFVisible {
		d.NHF = round2(in.AnnualSalary * 0.025)
	}
	d.NHIS = in.NHISAmount
	d.LifeInsurance = in.LifeInsuranceAmount
	d.Total = round2(d.RentRelief + d.Pension + d.NHF + d.NHIS + d.LifeInsurance)
	return d
}

// ClassifyEmployment labels the dominant income source: more than 80% salary
// is PAYE, more than 80% business is self-employed, anything else is mixed.
func ClassifyEmployment(salary, business, total float64) domain.EmploymentType {
	if total <= 0 {
		return domain.EmploymentPAYE
	}
	switch {
	case salary/total > 0.8:
		return domain.EmploymentPAYE
	case business/total > 0.8:
		return domain.EmploymentSelfEmployed
	default:
		return domain.EmploymentMixed
	}
}

// FlagInputs feed GenerateFlags.
type FlagInputs struct {
	TotalIncome      float64
	TaxableIncome    float64
	MonthsCovered    int
	TransactionCount int
}

// GenerateFlags returns human-readable caveats about the computed figures.
func GenerateFlags(in FlagInputs) []string {
	flags := []string{}
	if in.TotalIncome > 0 && in.TotalIncome < annualMinimumWage {
		flags = append(flags, "Income below national minimum wage (₦840,000/year)")
	}
	if in.TaxableIncome <= zeroRateCeiling {
		flags = append(flags, "Taxable income within zero-rate bracket (≤₦800,000)")
	}
	if in.MonthsCovered < 12 {
		flags = append(flags, fmt.Sprintf("Data covers %d of 12 months, income may be extrapolated", in.MonthsCovered))
	}
	if in.TransactionCount < 10 {
		flags = append(flags, "Limited transaction data, results may not reflect full financial picture")
	}
	if in.TaxableIncome > topBandFloor {
		flags = append(flags, "Income exceeds ₦50M, top bracket (25%) applies")
	}
	return flags
}
