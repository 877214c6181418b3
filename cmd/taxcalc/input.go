package main

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/warp/tax-engine/advances"
	"github.com/warp/tax-engine/calculation"
	"github.com/warp/tax-engine/tax"
	"gopkg.in/yaml.v3"
)

// input is the YAML description of one calculation:
//
//	taxpayer: acme
//	regime: corporate_standard
//	period: "2025"
//	revenue: "150000"
//	expenses:
//	  - {category: general, amount: "20000"}
//	prior_losses:
//	  - {year: 2024, amount: "80000"}
type input struct {
	Taxpayer    string         `yaml:"taxpayer"`
	Regime      string         `yaml:"regime"`
	Period      string         `yaml:"period"`
	Revenue     string         `yaml:"revenue"`
	Expenses    []expenseInput `yaml:"expenses"`
	Options     optionsInput   `yaml:"options"`
	PriorLosses []lossInput    `yaml:"prior_losses"`
}

type expenseInput struct {
	Category    string `yaml:"category"`
	Description string `yaml:"description"`
	Amount      string `yaml:"amount"`
}

type optionsInput struct {
	ApplyLosses       *bool  `yaml:"apply_losses"`
	SmallTaxpayer     bool   `yaml:"small_taxpayer"`
	JointFiling       bool   `yaml:"joint_filing"`
	PartnerIncome     string `yaml:"partner_income"`
	Method            string `yaml:"method"`
	DistributedProfit string `yaml:"distributed_profit"`
	PriorAdvancesPaid string `yaml:"prior_advances_paid"`
	AdvanceMethod     string `yaml:"advance_method"`
	PriorYearTax      string `yaml:"prior_year_tax"`
	SimplifiedElected bool   `yaml:"simplified_elected"`
}

type lossInput struct {
	Year   int    `yaml:"year"`
	Amount string `yaml:"amount"`
}

func loadInput(path string) (input, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return input{}, fmt.Errorf("failed to read input: %w", err)
	}
	var in input
	if err := yaml.Unmarshal(data, &in); err != nil {
		return input{}, fmt.Errorf("failed to parse input %s: %w", path, err)
	}
	return in, nil
}

func (in input) toRequest() (calculation.Request, error) {
	period, err := tax.ParsePeriod(in.Period)
	if err != nil {
		return calculation.Request{}, err
	}

	var firstErr error
	amount := func(field, s string) decimal.Decimal {
		if s == "" || firstErr != nil {
			return decimal.Zero
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			firstErr = &tax.InputError{Field: field, Reason: fmt.Sprintf("malformed amount %q", s)}
		}
		return d
	}

	req := calculation.Request{
		TaxpayerID: tax.TaxpayerID(in.Taxpayer),
		Regime:     tax.Regime(in.Regime),
		Period:     period,
		Revenue:    amount("revenue", in.Revenue),
	}
	for i, e := range in.Expenses {
		req.Expenses = append(req.Expenses, tax.Expense{
			Category:    tax.ExpenseCategory(e.Category),
			Description: e.Description,
			Amount:      amount(fmt.Sprintf("expenses[%d]", i), e.Amount),
		})
	}

	o := in.Options
	req.Options = calculation.Options{
		ApplyLosses:       o.ApplyLosses == nil || *o.ApplyLosses,
		SmallTaxpayer:     o.SmallTaxpayer,
		JointFiling:       o.JointFiling,
		PartnerIncome:     amount("partner_income", o.PartnerIncome),
		Method:            tax.MethodKind(o.Method),
		DistributedProfit: amount("distributed_profit", o.DistributedProfit),
		PriorAdvancesPaid: amount("prior_advances_paid", o.PriorAdvancesPaid),
		AdvanceMethod:     advances.Method(o.AdvanceMethod),
		SimplifiedElected: o.SimplifiedElected,
	}
	if o.PriorYearTax != "" {
		d := amount("prior_year_tax", o.PriorYearTax)
		req.Options.PriorYearTax = &d
	}
	return req, firstErr
}

// output is the machine-readable rendering of a calculation.
type output struct {
	Taxpayer       string   `json:"taxpayer" yaml:"taxpayer"`
	Regime         string   `json:"regime" yaml:"regime"`
	Method         string   `json:"method" yaml:"method"`
	Period         string   `json:"period" yaml:"period"`
	Revenue        string   `json:"revenue" yaml:"revenue"`
	Expenses       string   `json:"expenses" yaml:"expenses"`
	NonDeductible  string   `json:"non_deductible" yaml:"non_deductible"`
	GrossIncome    string   `json:"gross_income" yaml:"gross_income"`
	LossDeduction  string   `json:"loss_deduction" yaml:"loss_deduction"`
	TaxableIncome  string   `json:"taxable_income" yaml:"taxable_income"`
	Allowance      string   `json:"allowance" yaml:"allowance"`
	Tax            string   `json:"tax" yaml:"tax"`
	InstallmentDue string   `json:"installment_due" yaml:"installment_due"`
	Overpayment    string   `json:"overpayment" yaml:"overpayment"`
	DueDate        string   `json:"due_date,omitempty" yaml:"due_date,omitempty"`
	Notes          []string `json:"notes,omitempty" yaml:"notes,omitempty"`
	RuleIDs        []string `json:"rule_ids" yaml:"rule_ids"`
}

func toOutput(rec tax.CalculationRecord) output {
	out := output{
		Taxpayer:       string(rec.TaxpayerID),
		Regime:         string(rec.Regime),
		Method:         string(rec.Method),
		Period:         rec.Period.String(),
		Revenue:        tax.FormatMoney(rec.Revenue),
		Expenses:       tax.FormatMoney(rec.Expenses),
		NonDeductible:  tax.FormatMoney(rec.NonDeductibleTotal),
		GrossIncome:    tax.FormatMoney(rec.GrossIncome),
		LossDeduction:  tax.FormatMoney(rec.LossDeduction),
		TaxableIncome:  tax.FormatMoney(rec.TaxableIncome),
		Allowance:      tax.FormatMoney(rec.Allowance),
		Tax:            tax.FormatMoney(rec.Tax),
		InstallmentDue: tax.FormatMoney(rec.InstallmentDue),
		Overpayment:    tax.FormatMoney(rec.Overpayment),
		Notes:          rec.Notes,
		RuleIDs:        rec.RuleIDs,
	}
	if !rec.DueDate.IsZero() {
		out.DueDate = rec.DueDate.Format("2006-01-02")
	}
	return out
}
