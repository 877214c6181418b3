package tax

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// EXPENSE LINE
// =============================================================================

// Expense is a raw expense supplied to a calculation.
type Expense struct {
	Category    ExpenseCategory
	Description string
	Amount      decimal.Decimal
}

// ExpenseLine is a classified expense, persisted with the calculation record.
type ExpenseLine struct {
	Category            ExpenseCategory
	Description         string
	Amount              decimal.Decimal
	Deductible          bool
	DeductibleAmount    decimal.Decimal
	NonDeductibleAmount decimal.Decimal
	LegalBasis          string
	Reason              string
}

// =============================================================================
// BRACKET LINE
// =============================================================================

// BracketLine is one row of the per-bracket audit breakdown.
type BracketLine struct {
	Label           string
	Rate            decimal.Decimal
	IncomeInBracket decimal.Decimal
	Tax             decimal.Decimal
}

// =============================================================================
// CALCULATION RECORD
// =============================================================================

// CalculationStatus is the persisted lifecycle of a record. A recalculation of
// a committed period leaves the old record as superseded; figures are never
// rewritten.
type CalculationStatus string

const (
	StatusCommitted  CalculationStatus = "committed"
	StatusSuperseded CalculationStatus = "superseded"
)

// CalculationRecord is the full, auditable result of one committed run.
type CalculationRecord struct {
	ID         string
	TaxpayerID TaxpayerID
	Regime     Regime
	Method     MethodKind
	Period     Period

	Revenue            decimal.Decimal
	Expenses           decimal.Decimal
	NonDeductibleTotal decimal.Decimal
	GrossIncome        decimal.Decimal
	LossDeduction      decimal.Decimal
	TaxableIncome      decimal.Decimal
	Allowance          decimal.Decimal

	RateCode RuleCode
	Rate     decimal.Decimal // zero for progressive
	Tax      decimal.Decimal

	Brackets         []BracketLine
	ExpenseLines     []ExpenseLine
	LossApplications []LossApplication

	PriorAdvancesPaid decimal.Decimal
	InstallmentDue    decimal.Decimal
	Overpayment       decimal.Decimal
	DueDate           time.Time

	Notes   []string
	RuleIDs []string

	Status       CalculationStatus
	SupersedesID string
	SupersededBy string
	CreatedAt    time.Time
}
