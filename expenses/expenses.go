// Package expenses classifies bookkeeping expenses as deductible or not.
//
// Classification is pure: the caller resolves the expense policy in force for
// the period from the rule catalog and passes it in. Categories the policy
// does not list are fully deductible.
package expenses

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/tax-engine/tax"
)

// Classify applies policy to a single expense.
func Classify(e tax.Expense, policy tax.ExpensePolicy) tax.ExpenseLine {
	line := tax.ExpenseLine{
		Category:    e.Category,
		Description: e.Description,
		Amount:      tax.Round(e.Amount),
	}

	cp, listed := policy.Categories[e.Category]
	if !listed {
		cp = tax.CategoryPolicy{Kind: tax.DeductibleFull}
	}

	switch cp.Kind {
	case tax.DeductibleNone:
		line.Deductible = false
		line.DeductibleAmount = decimal.Zero
		line.NonDeductibleAmount = line.Amount
		line.LegalBasis = cp.LegalBasis
		line.Reason = fmt.Sprintf("%s expenses are not tax-deductible", e.Category)
	case tax.DeductiblePartial:
		line.Deductible = true
		line.DeductibleAmount = tax.Round(line.Amount.Mul(cp.Share))
		line.NonDeductibleAmount = line.Amount.Sub(line.DeductibleAmount)
		line.LegalBasis = cp.LegalBasis
		line.Reason = fmt.Sprintf("%s expenses are %s%% deductible",
			e.Category, cp.Share.Mul(decimal.NewFromInt(100)).String())
	default:
		line.Deductible = true
		line.DeductibleAmount = line.Amount
		line.NonDeductibleAmount = decimal.Zero
		line.LegalBasis = cp.LegalBasis
		if !listed {
			line.Reason = "category not restricted by the expense policy"
		}
	}
	return line
}

// Totals summarises a classified expense list.
type Totals struct {
	Gross         decimal.Decimal
	Deductible    decimal.Decimal
	NonDeductible decimal.Decimal
}

// ClassifyAll classifies every expense and totals the result. It rejects
// negative amounts before classifying anything.
func ClassifyAll(items []tax.Expense, policy tax.ExpensePolicy) ([]tax.ExpenseLine, Totals, error) {
	for i, e := range items {
		if e.Amount.IsNegative() {
			return nil, Totals{}, &tax.InputError{
				Field:  fmt.Sprintf("expenses[%d].amount", i),
				Reason: "must not be negative",
			}
		}
	}

	lines := make([]tax.ExpenseLine, 0, len(items))
	totals := Totals{Gross: decimal.Zero, Deductible: decimal.Zero, NonDeductible: decimal.Zero}
	for _, e := range items {
		line := Classify(e, policy)
		lines = append(lines, line)
		totals.Gross = totals.Gross.Add(line.Amount)
		totals.Deductible = totals.Deductible.Add(line.DeductibleAmount)
		totals.NonDeductible = totals.NonDeductible.Add(line.NonDeductibleAmount)
	}
	return lines, totals, nil
}
