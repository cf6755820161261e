package domain

import (
	"encoding/json"
	"time"
)

// Direction of money movement on a bank statement line.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// Transaction is one parsed bank statement line.
type Transaction struct {
	ID          string
	FileID      string
	UserID      string
	TaxYear     int
	Date        time.Time
	Description string
	Amount      float64
	Direction   Direction
	Category    string
	SubCategory string
}

// IncomeCategories splits total income by source.
type IncomeCategories struct {
	Salary     float64 `json:"salary"`
	Business   float64 `json:"business"`
	Rental     float64 `json:"rental"`
	Investment float64 `json:"investment"`
	Other      float64 `json:"other"`
}

// MonthlyEntry is the per-month cash flow.
type MonthlyEntry struct {
	Month       string  `json:"month"`
	Income      float64 `json:"income"`
	Expenses    float64 `json:"expenses"`
	BankCharges float64 `json:"bankCharges"`
	NetBalance  float64 `json:"netBalance"`
}

// Deductions are the reliefs subtracted before tax.
type Deductions struct {
	RentRelief    float64 `json:"rentRelief"`
	Pension       float64 `json:"pension"`
	NHF           float64 `json:"nhf"`
	NHIS          float64 `json:"nhis"`
	LifeInsurance float64 `json:"lifeInsurance"`
	Total         float64 `json:"total"`
}

// BracketResult is the tax owed inside one progressive bracket.
type BracketResult struct {
	Range   string  `json:"range"`
	Rate    float64 `json:"rate"`
	Taxable float64 `json:"taxable"`
	Tax     float64 `json:"tax"`
}

// TaxLiability is the outcome of applying the brackets to taxable income.
type TaxLiability struct {
	Brackets        []BracketResult `json:"brackets"`
	TotalTax        float64         `json:"totalTax"`
	EffectiveRate   float64         `json:"effectiveRate"`
	MonthlyEstimate float64         `json:"monthlyEstimate"`
}

// EmploymentType classifies the dominant income source.
type EmploymentType string

const (
	EmploymentPAYE         EmploymentType = "paye"
	EmploymentSelfEmployed EmploymentType = "self-employed"
	EmploymentMixed        EmploymentType = "mixed"
)

// Aggregate is the full recompute of a user's financial picture for one tax year.
type Aggregate struct {
	UserID           string           `json:"userId"`
	TaxYear          int              `json:"taxYear"`
	Version          int              `json:"version"`
	TransactionCount int              `json:"transactionCount"`
	TotalIncome      float64          `json:"totalIncome"`
	TotalExpenses    float64          `json:"totalExpenses"`
	TotalBankCharges float64          `json:"totalBankCharges"`
	TaxableIncome    float64          `json:"taxableIncome"`
	IncomeCategories IncomeCategories `json:"incomeCategories"`
	Monthly          []MonthlyEntry   `json:"monthlyBreakdown"`
	Deductions       Deductions       `json:"deductions"`
	Liability        TaxLiability     `json:"taxLiability"`
	Employment       EmploymentType   `json:"employmentClassification"`
	Flags            []string         `json:"flags"`
	ComputedAt       time.Time        `json:"computedAt"`
}

// IncomeSource is a non-zero income category in the compact context.
type IncomeSource struct {
	Type  string  `json:"type"`
	Total float64 `json:"total"`
}

// CompactContext is the token-bounded summary handed to the AI.
type CompactContext struct {
	TaxYear        int            `json:"taxYear"`
	IncomeSources  []IncomeSource `json:"incomeSources"`
	TotalIncome    float64        `json:"totalIncome"`
	TaxableIncome  float64        `json:"taxableIncome"`
	EstimatedTax   float64        `json:"estimatedTax"`
	EffectiveRate  string         `json:"effectiveRate"`
	EmploymentType EmploymentType `json:"employmentType"`
	BankCharges    float64        `json:"bankCharges"`
	Flags          []string       `json:"flags"`
	DataMonths     string         `json:"dataMonths"`
}

// TaxContext is the persisted, versioned compact context.
type TaxContext struct {
	UserID        string
	TaxYear       int
	Version       int
	Context       json.RawMessage
	TokenEstimate int
	BuiltAt       time.Time
}
