/*
Package brackets computes tax from a taxable base.

PURPOSE:
  Pure functions, no state. Given a taxable income and the regime's
  parameters (a bracket set or a flat rate), produce the tax and a
  per-bracket breakdown for audit display.

ALGORITHMS:
  Progressive:
    1. Effective allowance: full at or below DegressionStart, zero at or
       above DegressionEnd, linear in between (rounded to cents).
    2. The allowance occupies the bottom of the income range at 0%.
    3. Each bracket taxes the slice [max(lower, allowance), min(I, upper)]
       at its marginal rate; every slice's tax is rounded to cents.

  Flat:
    tax = round(I x rate). No allowance.

  Joint (income splitting):
    tax = 2 x Progressive((A + B) / 2). Equivalent to taxing A + B with the
    thresholds and the allowance doubled.

ROUNDING:
  Half-up to 2 places on every monetary sub-step (allowance, each slice's
  tax), then the total is the sum of rounded slices.

EXAMPLE:
  set: allowance 30,000; 0-120,000 at 12%; 120,000+ at 32%
  Progressive(170,000):
    allowance      30,000 at 0%  ->      0.00
    0-120,000      90,000 at 12% -> 10,800.00
    120,000+       50,000 at 32% -> 16,000.00
    total                          26,800.00
*/
package brackets

import (
	"github.com/shopspring/decimal"
	"github.com/warp/tax-engine/tax"
)

var two = decimal.NewFromInt(2)

// AllowanceLabel is the breakdown label of the tax-free slice.
const AllowanceLabel = "tax-free allowance"

// Result is the outcome of a bracket computation.
type Result struct {
	// Allowance actually applied (after degression).
	Allowance decimal.Decimal
	// TaxableBase is the income subject to bracket rates: max(0, I - allowance).
	TaxableBase decimal.Decimal
	Tax         decimal.Decimal
	Lines       []tax.BracketLine
}

// =============================================================================
// PROGRESSIVE
// =============================================================================

// EffectiveAllowance returns the allowance for income after degression.
func EffectiveAllowance(income decimal.Decimal, a tax.Allowance) decimal.Decimal {
	if !a.Degressive() || income.LessThanOrEqual(*a.DegressionStart) {
		return a.Nominal
	}
	if income.GreaterThanOrEqual(*a.DegressionEnd) {
		return decimal.Zero
	}
	// nominal x (1 - (I - start)/(end - start)) == nominal x (end - I)/(end - start)
	span := a.DegressionEnd.Sub(*a.DegressionStart)
	return tax.Round(a.Nominal.Mul(a.DegressionEnd.Sub(income)).Div(span))
}

// Progressive walks the bracket set for income.
func Progressive(income decimal.Decimal, set tax.BracketSet) Result {
	income = tax.NonNegative(income)
	allowance := EffectiveAllowance(income, set.Allowance)

	res := Result{
		Allowance:   allowance,
		TaxableBase: tax.NonNegative(income.Sub(allowance)),
		Tax:         decimal.Zero,
	}
	res.Lines = append(res.Lines, tax.BracketLine{
		Label:           AllowanceLabel,
		Rate:            decimal.Zero,
		IncomeInBracket: decimal.Min(income, allowance),
		Tax:             decimal.Zero,
	})

	for _, b := range set.Brackets {
		lower := decimal.Max(b.Lower, allowance)
		upper := income
		if b.Upper != nil {
			upper = decimal.Min(income, *b.Upper)
		}
		slice := tax.NonNegative(upper.Sub(lower))
		sliceTax := tax.Round(slice.Mul(b.Rate))

		res.Tax = res.Tax.Add(sliceTax)
		res.Lines = append(res.Lines, tax.BracketLine{
			Label:           label(b),
			Rate:            b.Rate,
			IncomeInBracket: slice,
			Tax:             sliceTax,
		})
	}
	return res
}

// Joint applies income splitting for two parties filing together. Either
// income may be zero. Lines carry the combined amounts, so their labels show
// the doubled thresholds.
func Joint(incomeA, incomeB decimal.Decimal, set tax.BracketSet) Result {
	combined := tax.NonNegative(incomeA).Add(tax.NonNegative(incomeB))
	half := Progressive(combined.Div(two), set)

	res := Result{
		Allowance:   half.Allowance.Mul(two),
		TaxableBase: half.TaxableBase.Mul(two),
		Tax:         half.Tax.Mul(two),
		Lines:       make([]tax.BracketLine, len(half.Lines)),
	}
	for i, l := range half.Lines {
		name := AllowanceLabel + jointSuffix
		if i > 0 {
			name = jointLabel(set.Brackets[i-1])
		}
		res.Lines[i] = tax.BracketLine{
			Label:           name,
			Rate:            l.Rate,
			IncomeInBracket: l.IncomeInBracket.Mul(two),
			Tax:             l.Tax.Mul(two),
		}
	}
	return res
}

// =============================================================================
// FLAT
// =============================================================================

// Flat taxes income at a single rate with no allowance.
func Flat(income, rate decimal.Decimal) Result {
	income = tax.NonNegative(income)
	t := tax.Round(income.Mul(rate))
	return Result{
		Allowance:   decimal.Zero,
		TaxableBase: income,
		Tax:         t,
		Lines: []tax.BracketLine{{
			Label:           "flat " + rate.Mul(decimal.NewFromInt(100)).String() + "%",
			Rate:            rate,
			IncomeInBracket: income,
			Tax:             t,
		}},
	}
}

const jointSuffix = " (joint)"

func label(b tax.Bracket) string {
	if b.Label != "" {
		return b.Label
	}
	return bounds(b)
}

// jointLabel names a bracket of the combined income: 0-120,000 becomes
// "0.00-240000.00 (joint)".
func jointLabel(b tax.Bracket) string {
	d := b
	d.Lower = b.Lower.Mul(two)
	if b.Upper != nil {
		u := b.Upper.Mul(two)
		d.Upper = &u
	}
	if b.Label == "" {
		return bounds(d) + jointSuffix
	}
	return b.Label + " (joint, " + bounds(d) + ")"
}

func bounds(b tax.Bracket) string {
	if b.Upper == nil {
		return tax.FormatMoney(b.Lower) + "+"
	}
	return tax.FormatMoney(b.Lower) + "-" + tax.FormatMoney(*b.Upper)
}
