/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the external contract. Every monetary value travels
  as a decimal string ("14250.00"), never as a JSON number.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry validator/v10 tags for shape checks (required fields,
  enumerations, numeric strings). Semantic checks (negative revenue, partner
  income without joint filing, unknown regimes) stay in the engine so the
  HTTP and Go surfaces reject the same inputs.

SEE ALSO:
  - handlers.go: Uses these types
  - rules/loader.go: EntryDoc, reused as the rule wire format
*/
package api

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/tax-engine/advances"
	"github.com/warp/tax-engine/calculation"
	"github.com/warp/tax-engine/losses"
	"github.com/warp/tax-engine/rules"
	"github.com/warp/tax-engine/tax"
)

// =============================================================================
// CALCULATIONS
// =============================================================================

// CalculationRequest is the body of POST /api/calculations.
type CalculationRequest struct {
	TaxpayerID string       `json:"taxpayer_id" validate:"required"`
	Regime     string       `json:"regime" validate:"required"`
	Period     string       `json:"period" validate:"required"`
	Revenue    string       `json:"revenue" validate:"required,numeric"`
	Expenses   []ExpenseDTO `json:"expenses" validate:"dive"`
	Options    OptionsDTO   `json:"options"`
}

// ExpenseDTO is one expense line of a calculation request.
type ExpenseDTO struct {
	Category    string `json:"category" validate:"required,oneof=general representation vehicle penalty donation"`
	Description string `json:"description,omitempty"`
	Amount      string `json:"amount" validate:"required,numeric"`
}

// OptionsDTO mirrors calculation.Options. ApplyLosses defaults to true when
// omitted.
type OptionsDTO struct {
	ApplyLosses       *bool  `json:"apply_losses,omitempty"`
	SmallTaxpayer     bool   `json:"small_taxpayer,omitempty"`
	JointFiling       bool   `json:"joint_filing,omitempty"`
	PartnerIncome     string `json:"partner_income,omitempty" validate:"omitempty,numeric"`
	Method            string `json:"method,omitempty" validate:"omitempty,oneof=progressive flat lump_sum preferential_small estonian_distribution"`
	DistributedProfit string `json:"distributed_profit,omitempty" validate:"omitempty,numeric"`
	PriorAdvancesPaid string `json:"prior_advances_paid,omitempty" validate:"omitempty,numeric"`
	AdvanceMethod     string `json:"advance_method,omitempty" validate:"omitempty,oneof=cumulative simplified"`
	PriorYearTax      string `json:"prior_year_tax,omitempty" validate:"omitempty,numeric"`
	SimplifiedElected bool   `json:"simplified_elected,omitempty"`
}

// CalculationDTO is a calculation record in API responses.
type CalculationDTO struct {
	ID         string `json:"id"`
	TaxpayerID string `json:"taxpayer_id"`
	Regime     string `json:"regime"`
	Method     string `json:"method"`
	Period     string `json:"period"`

	Revenue            string `json:"revenue"`
	Expenses           string `json:"expenses"`
	NonDeductibleTotal string `json:"non_deductible_total"`
	GrossIncome        string `json:"gross_income"`
	LossDeduction      string `json:"loss_deduction"`
	TaxableIncome      string `json:"taxable_income"`
	Allowance          string `json:"allowance"`
	RateCode           string `json:"rate_code"`
	Rate               string `json:"rate,omitempty"`
	Tax                string `json:"tax"`

	Brackets         []BracketLineDTO     `json:"brackets"`
	ExpenseLines     []ExpenseLineDTO     `json:"expense_lines"`
	LossApplications []LossApplicationDTO `json:"loss_applications"`

	PriorAdvancesPaid string `json:"prior_advances_paid"`
	InstallmentDue    string `json:"installment_due"`
	Overpayment       string `json:"overpayment"`
	DueDate           string `json:"due_date,omitempty"`

	Notes   []string `json:"notes"`
	RuleIDs []string `json:"rule_ids"`

	Status       string `json:"status,omitempty"`
	SupersedesID string `json:"supersedes_id,omitempty"`
	SupersededBy string `json:"superseded_by,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
	Preview      bool   `json:"preview,omitempty"`
}

type BracketLineDTO struct {
	Label           string `json:"label"`
	Rate            string `json:"rate"`
	IncomeInBracket string `json:"income_in_bracket"`
	Tax             string `json:"tax"`
}

type ExpenseLineDTO struct {
	Category            string `json:"category"`
	Description         string `json:"description,omitempty"`
	Amount              string `json:"amount"`
	Deductible          bool   `json:"deductible"`
	DeductibleAmount    string `json:"deductible_amount"`
	NonDeductibleAmount string `json:"non_deductible_amount"`
	LegalBasis          string `json:"legal_basis,omitempty"`
	Reason              string `json:"reason,omitempty"`
}

type LossApplicationDTO struct {
	ID              string `json:"id"`
	LossID          string `json:"loss_id"`
	Kind            string `json:"kind"`
	OriginYear      int    `json:"origin_year"`
	Amount          string `json:"amount"`
	RemainingBefore string `json:"remaining_before"`
	RemainingAfter  string `json:"remaining_after"`
}

// =============================================================================
// LOSSES
// =============================================================================

// RecordLossRequest is the body of POST /api/losses.
type RecordLossRequest struct {
	TaxpayerID string `json:"taxpayer_id" validate:"required"`
	Regime     string `json:"regime" validate:"required"`
	Year       int    `json:"year" validate:"required,min=1900,max=2999"`
	Amount     string `json:"amount" validate:"required,numeric"`
}

type RecordLossResponse struct {
	LossID string `json:"loss_id"`
}

type LossRecordDTO struct {
	ID                  string `json:"id"`
	OriginYear          int    `json:"origin_year"`
	Original            string `json:"original"`
	Remaining           string `json:"remaining"`
	ExpirationYear      int    `json:"expiration_year"`
	Status              string `json:"status"`
	SourceCalculationID string `json:"source_calculation_id,omitempty"`
	CreatedAt           string `json:"created_at"`
}

// LossBalanceDTO answers GET /api/taxpayers/{id}/losses. Total is only set
// when a year was requested; Records then holds the losses usable in it.
type LossBalanceDTO struct {
	TaxpayerID string          `json:"taxpayer_id"`
	Regime     string          `json:"regime"`
	Year       int             `json:"year,omitempty"`
	Total      string          `json:"total,omitempty"`
	Records    []LossRecordDTO `json:"records"`
}

// ExpireLossesRequest is the body of POST /api/losses/expire. A zero year
// means the current year.
type ExpireLossesRequest struct {
	Year int `json:"year" validate:"omitempty,min=1900,max=2999"`
}

type ExpirationRunDTO struct {
	ID          string `json:"id"`
	Year        int    `json:"year"`
	Status      string `json:"status"`
	Expired     int    `json:"expired"`
	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// =============================================================================
// ADVANCES
// =============================================================================

// AdvanceRequestDTO is the body of POST /api/advances/reconcile.
type AdvanceRequestDTO struct {
	TaxpayerID        string `json:"taxpayer_id"`
	Regime            string `json:"regime" validate:"required"`
	Period            string `json:"period" validate:"required"`
	Method            string `json:"method,omitempty" validate:"omitempty,oneof=cumulative simplified"`
	CumulativeTaxYTD  string `json:"cumulative_tax_ytd,omitempty" validate:"omitempty,numeric"`
	PriorAdvancesPaid string `json:"prior_advances_paid,omitempty" validate:"omitempty,numeric"`
	PriorYearTax      string `json:"prior_year_tax,omitempty" validate:"omitempty,numeric"`
	SimplifiedElected bool   `json:"simplified_elected,omitempty"`
}

type AdvanceResultDTO struct {
	Method      string `json:"method"`
	Period      string `json:"period"`
	Due         string `json:"due"`
	Overpayment string `json:"overpayment"`
	DueDate     string `json:"due_date"`
}

// =============================================================================
// RULES
// =============================================================================

// RuleRequest is the body of POST /api/rules. Mode "supersede" closes the
// open entry for the same regime and code; "insert" (the default) rejects
// overlaps.
type RuleRequest struct {
	Mode string         `json:"mode,omitempty" validate:"omitempty,oneof=insert supersede"`
	Rule rules.EntryDoc `json:"rule"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

// amountParser parses decimal strings and keeps the first failure.
type amountParser struct {
	err error
}

func (p *amountParser) parse(field, s string) decimal.Decimal {
	if p.err != nil || s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		p.err = &tax.InputError{Field: field, Reason: fmt.Sprintf("malformed amount %q", s)}
		return decimal.Zero
	}
	return d
}

func (p *amountParser) optional(field, s string) *decimal.Decimal {
	if s == "" {
		return nil
	}
	d := p.parse(field, s)
	return &d
}

func (r CalculationRequest) toRequest() (calculation.Request, error) {
	period, err := tax.ParsePeriod(r.Period)
	if err != nil {
		return calculation.Request{}, err
	}

	var p amountParser
	req := calculation.Request{
		TaxpayerID: tax.TaxpayerID(r.TaxpayerID),
		Regime:     tax.Regime(r.Regime),
		Period:     period,
		Revenue:    p.parse("revenue", r.Revenue),
	}
	for i, e := range r.Expenses {
		req.Expenses = append(req.Expenses, tax.Expense{
			Category:    tax.ExpenseCategory(e.Category),
			Description: e.Description,
			Amount:      p.parse(fmt.Sprintf("expenses[%d].amount", i), e.Amount),
		})
	}

	o := r.Options
	req.Options = calculation.Options{
		ApplyLosses:       o.ApplyLosses == nil || *o.ApplyLosses,
		SmallTaxpayer:     o.SmallTaxpayer,
		JointFiling:       o.JointFiling,
		PartnerIncome:     p.parse("options.partner_income", o.PartnerIncome),
		Method:            tax.MethodKind(o.Method),
		DistributedProfit: p.parse("options.distributed_profit", o.DistributedProfit),
		PriorAdvancesPaid: p.parse("options.prior_advances_paid", o.PriorAdvancesPaid),
		AdvanceMethod:     advances.Method(o.AdvanceMethod),
		PriorYearTax:      p.optional("options.prior_year_tax", o.PriorYearTax),
		SimplifiedElected: o.SimplifiedElected,
	}
	return req, p.err
}

func (r AdvanceRequestDTO) toRequest() (calculation.AdvanceRequest, error) {
	period, err := tax.ParsePeriod(r.Period)
	if err != nil {
		return calculation.AdvanceRequest{}, err
	}
	var p amountParser
	req := calculation.AdvanceRequest{
		TaxpayerID:        tax.TaxpayerID(r.TaxpayerID),
		Regime:            tax.Regime(r.Regime),
		Period:            period,
		Method:            advances.Method(r.Method),
		CumulativeTaxYTD:  p.parse("cumulative_tax_ytd", r.CumulativeTaxYTD),
		PriorAdvancesPaid: p.parse("prior_advances_paid", r.PriorAdvancesPaid),
		PriorYearTax:      p.optional("prior_year_tax", r.PriorYearTax),
		SimplifiedElected: r.SimplifiedElected,
	}
	return req, p.err
}

func toCalculationDTO(rec tax.CalculationRecord) CalculationDTO {
	dto := CalculationDTO{
		ID:                 rec.ID,
		TaxpayerID:         string(rec.TaxpayerID),
		Regime:             string(rec.Regime),
		Method:             string(rec.Method),
		Period:             rec.Period.String(),
		Revenue:            tax.FormatMoney(rec.Revenue),
		Expenses:           tax.FormatMoney(rec.Expenses),
		NonDeductibleTotal: tax.FormatMoney(rec.NonDeductibleTotal),
		GrossIncome:        tax.FormatMoney(rec.GrossIncome),
		LossDeduction:      tax.FormatMoney(rec.LossDeduction),
		TaxableIncome:      tax.FormatMoney(rec.TaxableIncome),
		Allowance:          tax.FormatMoney(rec.Allowance),
		RateCode:           string(rec.RateCode),
		Tax:                tax.FormatMoney(rec.Tax),
		Brackets:           []BracketLineDTO{},
		ExpenseLines:       []ExpenseLineDTO{},
		LossApplications:   []LossApplicationDTO{},
		PriorAdvancesPaid:  tax.FormatMoney(rec.PriorAdvancesPaid),
		InstallmentDue:     tax.FormatMoney(rec.InstallmentDue),
		Overpayment:        tax.FormatMoney(rec.Overpayment),
		Notes:              append([]string{}, rec.Notes...),
		RuleIDs:            append([]string{}, rec.RuleIDs...),
		Status:             string(rec.Status),
		SupersedesID:       rec.SupersedesID,
		SupersededBy:       rec.SupersededBy,
		Preview:            rec.Status == "",
	}
	if !rec.Rate.IsZero() {
		dto.Rate = rec.Rate.String()
	}
	if !rec.DueDate.IsZero() {
		dto.DueDate = rec.DueDate.Format(time.DateOnly)
	}
	if !rec.CreatedAt.IsZero() {
		dto.CreatedAt = rec.CreatedAt.Format(time.RFC3339)
	}
	for _, b := range rec.Brackets {
		dto.Brackets = append(dto.Brackets, BracketLineDTO{
			Label:           b.Label,
			Rate:            b.Rate.String(),
			IncomeInBracket: tax.FormatMoney(b.IncomeInBracket),
			Tax:             tax.FormatMoney(b.Tax),
		})
	}
	for _, l := range rec.ExpenseLines {
		dto.ExpenseLines = append(dto.ExpenseLines, ExpenseLineDTO{
			Category:            string(l.Category),
			Description:         l.Description,
			Amount:              tax.FormatMoney(l.Amount),
			Deductible:          l.Deductible,
			DeductibleAmount:    tax.FormatMoney(l.DeductibleAmount),
			NonDeductibleAmount: tax.FormatMoney(l.NonDeductibleAmount),
			LegalBasis:          l.LegalBasis,
			Reason:              l.Reason,
		})
	}
	for _, a := range rec.LossApplications {
		dto.LossApplications = append(dto.LossApplications, LossApplicationDTO{
			ID:              a.ID,
			LossID:          a.LossID,
			Kind:            string(a.Kind),
			OriginYear:      a.OriginYear,
			Amount:          tax.FormatMoney(a.Amount),
			RemainingBefore: tax.FormatMoney(a.RemainingBefore),
			RemainingAfter:  tax.FormatMoney(a.RemainingAfter),
		})
	}
	return dto
}

func toLossRecordDTOs(recs []tax.LossRecord) []LossRecordDTO {
	dtos := make([]LossRecordDTO, len(recs))
	for i, r := range recs {
		dtos[i] = LossRecordDTO{
			ID:                  r.ID,
			OriginYear:          r.OriginYear,
			Original:            tax.FormatMoney(r.Original),
			Remaining:           tax.FormatMoney(r.Remaining),
			ExpirationYear:      r.ExpirationYear,
			Status:              string(r.Status),
			SourceCalculationID: r.SourceCalculationID,
			CreatedAt:           r.CreatedAt.Format(time.RFC3339),
		}
	}
	return dtos
}

func toBalanceDTO(taxpayer tax.TaxpayerID, regime tax.Regime, year int, view losses.BalanceView) LossBalanceDTO {
	return LossBalanceDTO{
		TaxpayerID: string(taxpayer),
		Regime:     string(regime),
		Year:       year,
		Total:      tax.FormatMoney(view.Total),
		Records:    toLossRecordDTOs(view.Records),
	}
}

func toAdvanceDTO(res advances.Result) AdvanceResultDTO {
	return AdvanceResultDTO{
		Method:      string(res.Method),
		Period:      res.Period.String(),
		Due:         tax.FormatMoney(res.Due),
		Overpayment: tax.FormatMoney(res.Overpayment),
		DueDate:     res.DueDate.Format(time.DateOnly),
	}
}

func toExpirationRunDTO(r tax.ExpirationRun) ExpirationRunDTO {
	dto := ExpirationRunDTO{
		ID:        r.ID,
		Year:      r.Year,
		Status:    r.Status,
		Expired:   r.Expired,
		Error:     r.Error,
		StartedAt: r.StartedAt.Format(time.RFC3339),
	}
	if r.CompletedAt != nil {
		dto.CompletedAt = r.CompletedAt.Format(time.RFC3339)
	}
	return dto
}
