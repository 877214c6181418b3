package tax

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RULE ENTRY - A versioned, time-bounded rule value
// =============================================================================

// RuleCode identifies what a rule entry parameterises.
type RuleCode string

const (
	CodeRate                  RuleCode = "rate"                     // flat / lump-sum / CIT rate
	CodeSmallRate             RuleCode = "small_rate"               // preferential rate variant
	CodeScale                 RuleCode = "scale"                    // progressive bracket set
	CodeLossCap               RuleCode = "loss_cap"                 // share of income a loss may offset
	CodeLossCarryForwardYears RuleCode = "loss_carry_forward_years" // loss expiration window
	CodeAdvanceDeadlineDay    RuleCode = "advance_deadline_day"     // day of month installments are due
	CodeAnnualFilingMonths    RuleCode = "annual_filing_months"     // months after year end for settlement
	CodeExpensePolicy         RuleCode = "expense_policy"           // deductibility table
)

// RuleEntry is one version of a rule. Exactly one of Value, Brackets or
// Expenses is meaningful, depending on Code.
//
// INVARIANTS:
//   - For a (Regime, Code) pair, effective intervals never overlap.
//   - Once EffectiveFrom has passed, the only permitted change is closing
//     EffectiveTo when a successor is inserted.
type RuleEntry struct {
	ID             string
	Regime         Regime
	Code           RuleCode
	Value          decimal.Decimal
	Brackets       *BracketSet
	Expenses       *ExpensePolicy
	EffectiveFrom  time.Time
	EffectiveTo    *time.Time // nil = open-ended
	LegalReference string
	CreatedAt      time.Time
}

// Covers reports whether the entry is in force on day d (bounds inclusive).
func (r RuleEntry) Covers(d time.Time) bool {
	d = TruncateDay(d)
	if d.Before(TruncateDay(r.EffectiveFrom)) {
		return false
	}
	return r.EffectiveTo == nil || !d.After(TruncateDay(*r.EffectiveTo))
}

// Overlaps reports whether the two entries' effective intervals intersect.
func (r RuleEntry) Overlaps(o RuleEntry) bool {
	farFuture := date(9999, time.December, 31)
	rEnd, oEnd := farFuture, farFuture
	if r.EffectiveTo != nil {
		rEnd = TruncateDay(*r.EffectiveTo)
	}
	if o.EffectiveTo != nil {
		oEnd = TruncateDay(*o.EffectiveTo)
	}
	return !TruncateDay(r.EffectiveFrom).After(oEnd) && !TruncateDay(o.EffectiveFrom).After(rEnd)
}

// Validate checks the entry is internally consistent for its code.
func (r RuleEntry) Validate() error {
	if r.Regime != RegimeAny && !r.Regime.Valid() {
		return &InputError{Field: "regime", Reason: fmt.Sprintf("unknown regime %q", r.Regime)}
	}
	if r.EffectiveFrom.IsZero() {
		return &InputError{Field: "effective_from", Reason: "required"}
	}
	if r.EffectiveTo != nil && TruncateDay(*r.EffectiveTo).Before(TruncateDay(r.EffectiveFrom)) {
		return &InputError{Field: "effective_to", Reason: "before effective_from"}
	}

	switch r.Code {
	case CodeScale:
		if r.Brackets == nil {
			return &InputError{Field: "brackets", Reason: "scale rule requires a bracket set"}
		}
		return r.Brackets.Validate()
	case CodeExpensePolicy:
		if r.Expenses == nil {
			return &InputError{Field: "expenses", Reason: "expense policy rule requires a policy table"}
		}
		return r.Expenses.Validate()
	case CodeRate, CodeSmallRate, CodeLossCap:
		if r.Value.IsNegative() || r.Value.GreaterThan(decimal.NewFromInt(1)) {
			return &InputError{Field: "value", Reason: "rate must be within [0, 1]"}
		}
	case CodeLossCarryForwardYears, CodeAnnualFilingMonths:
		if !r.Value.IsInteger() || !r.Value.IsPositive() {
			return &InputError{Field: "value", Reason: "must be a positive whole number"}
		}
	case CodeAdvanceDeadlineDay:
		if !r.Value.IsInteger() || r.Value.LessThan(decimal.NewFromInt(1)) || r.Value.GreaterThan(decimal.NewFromInt(31)) {
			return &InputError{Field: "value", Reason: "deadline day must be within 1..31"}
		}
	default:
		return &InputError{Field: "code", Reason: fmt.Sprintf("unknown rule code %q", r.Code)}
	}
	return nil
}

// =============================================================================
// BRACKET SET
// =============================================================================

// Bracket is an income sub-range taxed at a single marginal rate.
// Upper nil means unbounded. BaseAmount is the cumulative tax of all lower
// brackets, kept for audit display.
type Bracket struct {
	Label      string
	Lower      decimal.Decimal
	Upper      *decimal.Decimal
	Rate       decimal.Decimal
	BaseAmount decimal.Decimal
}

// Allowance is the tax-free amount and its degression parameters. When
// DegressionStart or DegressionEnd is nil the allowance never shrinks.
type Allowance struct {
	Nominal         decimal.Decimal
	DegressionStart *decimal.Decimal
	DegressionEnd   *decimal.Decimal
}

// Degressive reports whether the allowance shrinks with income.
func (a Allowance) Degressive() bool {
	return a.DegressionStart != nil && a.DegressionEnd != nil
}

// BracketSet is an ordered, contiguous sequence of brackets plus the allowance
// that is versioned together with them.
type BracketSet struct {
	Brackets  []Bracket
	Allowance Allowance
}

// Validate enforces ascending, contiguous, non-overlapping bounds.
func (s BracketSet) Validate() error {
	if len(s.Brackets) == 0 {
		return &InputError{Field: "brackets", Reason: "at least one bracket required"}
	}
	if !s.Brackets[0].Lower.IsZero() {
		return &InputError{Field: "brackets", Reason: "first bracket must start at 0"}
	}
	for i, b := range s.Brackets {
		if b.Rate.IsNegative() || b.Rate.GreaterThan(decimal.NewFromInt(1)) {
			return &InputError{Field: "brackets", Reason: fmt.Sprintf("bracket %d rate out of range", i)}
		}
		last := i == len(s.Brackets)-1
		if b.Upper == nil {
			if !last {
				return &InputError{Field: "brackets", Reason: "only the last bracket may be unbounded"}
			}
			continue
		}
		if !b.Upper.GreaterThan(b.Lower) {
			return &InputError{Field: "brackets", Reason: fmt.Sprintf("bracket %d upper bound not above lower bound", i)}
		}
		if !last && !s.Brackets[i+1].Lower.Equal(*b.Upper) {
			return &InputError{Field: "brackets", Reason: fmt.Sprintf("bracket %d is not contiguous with bracket %d", i, i+1)}
		}
	}

	a := s.Allowance
	if a.Nominal.IsNegative() {
		return &InputError{Field: "allowance", Reason: "nominal allowance cannot be negative"}
	}
	if (a.DegressionStart == nil) != (a.DegressionEnd == nil) {
		return &InputError{Field: "allowance", Reason: "degression needs both start and end"}
	}
	if a.Degressive() && !a.DegressionEnd.GreaterThan(*a.DegressionStart) {
		return &InputError{Field: "allowance", Reason: "degression end must exceed degression start"}
	}
	// Income at or below the nominal allowance must stay tax-free.
	if a.Degressive() && a.DegressionStart.LessThan(a.Nominal) {
		return &InputError{Field: "allowance", Reason: "degression cannot start below the nominal allowance"}
	}
	return nil
}

// =============================================================================
// EXPENSE POLICY
// =============================================================================

// ExpenseCategory is a bookkeeping expense category.
type ExpenseCategory string

const (
	ExpenseGeneral        ExpenseCategory = "general"
	ExpenseRepresentation ExpenseCategory = "representation"
	ExpenseVehicle        ExpenseCategory = "vehicle"
	ExpensePenalty        ExpenseCategory = "penalty"
	ExpenseDonation       ExpenseCategory = "donation"
)

// DeductibilityKind is how a category is treated.
type DeductibilityKind string

const (
	DeductibleFull    DeductibilityKind = "full"
	DeductibleNone    DeductibilityKind = "none"
	DeductiblePartial DeductibilityKind = "partial"
)

// CategoryPolicy is the treatment of one category. Share is the deductible
// fraction for partial categories.
type CategoryPolicy struct {
	Kind       DeductibilityKind
	Share      decimal.Decimal
	LegalBasis string
}

// ExpensePolicy maps categories to their treatment. Unlisted categories are
// fully deductible.
type ExpensePolicy struct {
	Categories map[ExpenseCategory]CategoryPolicy
}

func (p ExpensePolicy) Validate() error {
	for cat, cp := range p.Categories {
		switch cp.Kind {
		case DeductibleFull, DeductibleNone:
		case DeductiblePartial:
			if !cp.Share.IsPositive() || !cp.Share.LessThan(decimal.NewFromInt(1)) {
				return &InputError{Field: "expenses", Reason: fmt.Sprintf("category %s share must be within (0, 1)", cat)}
			}
		default:
			return &InputError{Field: "expenses", Reason: fmt.Sprintf("category %s has unknown kind %q", cat, cp.Kind)}
		}
	}
	return nil
}
