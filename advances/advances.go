/*
Package advances reconciles periodic advance (installment) payments.

METHODS:
  Cumulative:
    due         = max(0, round2(cumulative tax year-to-date - advances paid))
    overpayment = max(0, advances paid - cumulative tax year-to-date)

  Simplified (elected for the fiscal year, based on the prior year's tax):
    monthly   = round2(prior-year tax / 12)
    quarterly = round2(prior-year tax / 4)
    Not available for annual periods.

DUE DATES:
  Monthly and quarterly: day DeadlineDay of the month after the period end.
  December periods roll into January of the next year. The day is clamped
  to the length of the month.
  Annual settlement: last day of the AnnualFilingMonths-th month after the
  end of the tax year.

EXAMPLE:
  Cumulative tax through March 47,500.00, advances paid 20,000.00,
  deadline day 20:
    due 27,500.00 on 20 April
*/
package advances

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/tax-engine/tax"
)

// Method selects the reconciliation formula.
type Method string

const (
	MethodCumulative Method = "cumulative"
	MethodSimplified Method = "simplified"
)

// ParseMethod validates a method name. Empty means cumulative.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case "", MethodCumulative:
		return MethodCumulative, nil
	case MethodSimplified:
		return MethodSimplified, nil
	}
	return "", &tax.InputError{Field: "method", Reason: fmt.Sprintf("unknown advance method %q", s)}
}

// Input is everything a reconciliation needs. Deadline parameters come from
// the rule catalog.
type Input struct {
	Period             tax.Period
	Method             Method
	CumulativeTaxYTD   decimal.Decimal
	PriorAdvancesPaid  decimal.Decimal
	PriorYearTax       *decimal.Decimal
	SimplifiedElected  bool
	DeadlineDay        int
	AnnualFilingMonths int
}

// Result is the installment due for the period.
type Result struct {
	Method      Method
	Period      tax.Period
	Due         decimal.Decimal
	Overpayment decimal.Decimal
	DueDate     time.Time
}

// Reconcile computes the installment due for in.Period.
func Reconcile(in Input) (Result, error) {
	if err := in.Period.Validate(); err != nil {
		return Result{}, err
	}
	if in.PriorAdvancesPaid.IsNegative() {
		return Result{}, &tax.InputError{Field: "prior_advances_paid", Reason: "must not be negative"}
	}
	if in.CumulativeTaxYTD.IsNegative() {
		return Result{}, &tax.InputError{Field: "cumulative_tax_ytd", Reason: "must not be negative"}
	}

	res := Result{Method: in.Method, Period: in.Period, Overpayment: decimal.Zero}
	switch in.Method {
	case MethodCumulative, "":
		res.Method = MethodCumulative
		res.Due, res.Overpayment = Cumulative(in.CumulativeTaxYTD, in.PriorAdvancesPaid)
	case MethodSimplified:
		if !in.SimplifiedElected {
			return Result{}, &tax.InputError{Field: "method", Reason: fmt.Sprintf("simplified advances not elected for %d", in.Period.Year)}
		}
		if in.PriorYearTax == nil {
			return Result{}, &tax.InputError{Field: "prior_year_tax", Reason: "required for simplified advances"}
		}
		due, err := Simplified(in.Period, *in.PriorYearTax)
		if err != nil {
			return Result{}, err
		}
		res.Due = due
	default:
		return Result{}, &tax.InputError{Field: "method", Reason: fmt.Sprintf("unknown advance method %q", in.Method)}
	}

	due, err := DueDate(in.Period, in.DeadlineDay, in.AnnualFilingMonths)
	if err != nil {
		return Result{}, err
	}
	res.DueDate = due
	return res, nil
}

// Cumulative returns the installment due and any overpayment.
func Cumulative(cumulativeTax, paid decimal.Decimal) (due, overpayment decimal.Decimal) {
	diff := tax.Round(cumulativeTax.Sub(paid))
	if diff.IsNegative() {
		return decimal.Zero, diff.Neg()
	}
	return diff, decimal.Zero
}

var (
	twelve = decimal.NewFromInt(12)
	four   = decimal.NewFromInt(4)
)

// Simplified returns the fixed installment for a monthly or quarterly period.
func Simplified(p tax.Period, priorYearTax decimal.Decimal) (decimal.Decimal, error) {
	if priorYearTax.IsNegative() {
		return decimal.Zero, &tax.InputError{Field: "prior_year_tax", Reason: "must not be negative"}
	}
	switch p.Kind {
	case tax.PeriodMonthly:
		return tax.Round(priorYearTax.Div(twelve)), nil
	case tax.PeriodQuarterly:
		return tax.Round(priorYearTax.Div(four)), nil
	}
	return decimal.Zero, &tax.InputError{Field: "period", Reason: "simplified advances apply to monthly or quarterly periods only"}
}

// DueDate returns the payment deadline for p.
func DueDate(p tax.Period, deadlineDay, annualFilingMonths int) (time.Time, error) {
	if p.IsAnnual() {
		if annualFilingMonths <= 0 {
			return time.Time{}, &tax.InputError{Field: "annual_filing_months", Reason: "must be positive"}
		}
		m := tax.Date(p.Year+1, time.January, 1).AddDate(0, annualFilingMonths-1, 0)
		return tax.EndOfMonth(m.Year(), m.Month()), nil
	}

	if deadlineDay < 1 || deadlineDay > 31 {
		return time.Time{}, &tax.InputError{Field: "deadline_day", Reason: "must be within 1..31"}
	}
	end := p.End()
	year, month := end.Year(), end.Month()+1
	if month > time.December {
		year, month = year+1, time.January
	}
	day := deadlineDay
	if n := tax.DaysIn(year, month); day > n {
		day = n
	}
	return tax.Date(year, month, day), nil
}
