package calculation

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/tax-engine/advances"
	"github.com/warp/tax-engine/losses"
	"github.com/warp/tax-engine/tax"
)

// =============================================================================
// REQUEST
// =============================================================================

// Request is one calculation for a (taxpayer, regime, period) tuple. For
// monthly and quarterly periods Revenue and Expenses are year-to-date
// figures; the tax computed on them is the cumulative tax for the year so
// far.
type Request struct {
	TaxpayerID tax.TaxpayerID
	Regime     tax.Regime
	Period     tax.Period
	Revenue    decimal.Decimal
	Expenses   []tax.Expense
	Options    Options

	// Preview stops after CALCULATED. Nothing is persisted.
	Preview bool
}

// Options are the caller-controlled switches of a calculation.
type Options struct {
	ApplyLosses   bool
	SmallTaxpayer bool

	JointFiling   bool
	PartnerIncome decimal.Decimal

	// Method selects flat or progressive for personal regimes. Empty means
	// the regime's default.
	Method tax.MethodKind

	// DistributedProfit is the base of the distribution-based regime.
	DistributedProfit decimal.Decimal

	// Advance reconciliation inputs.
	PriorAdvancesPaid decimal.Decimal
	AdvanceMethod     advances.Method
	PriorYearTax      *decimal.Decimal
	SimplifiedElected bool
}

// Validate rejects malformed requests before any rule or ledger read.
func (r Request) Validate() error {
	if r.TaxpayerID == "" {
		return &tax.InputError{Field: "taxpayer_id", Reason: "required"}
	}
	if !r.Regime.Valid() {
		return &tax.InputError{Field: "regime", Reason: fmt.Sprintf("unknown regime %q", r.Regime)}
	}
	if err := r.Period.Validate(); err != nil {
		return err
	}
	if r.Revenue.IsNegative() {
		return &tax.InputError{Field: "revenue", Reason: "must not be negative"}
	}
	for i, e := range r.Expenses {
		if e.Amount.IsNegative() {
			return &tax.InputError{Field: fmt.Sprintf("expenses[%d].amount", i), Reason: "must not be negative"}
		}
	}
	o := r.Options
	if o.PartnerIncome.IsNegative() {
		return &tax.InputError{Field: "options.partner_income", Reason: "must not be negative"}
	}
	if !o.PartnerIncome.IsZero() && !o.JointFiling {
		return &tax.InputError{Field: "options.partner_income", Reason: "only valid with joint filing"}
	}
	if o.DistributedProfit.IsNegative() {
		return &tax.InputError{Field: "options.distributed_profit", Reason: "must not be negative"}
	}
	if o.PriorAdvancesPaid.IsNegative() {
		return &tax.InputError{Field: "options.prior_advances_paid", Reason: "must not be negative"}
	}
	if o.PriorYearTax != nil && o.PriorYearTax.IsNegative() {
		return &tax.InputError{Field: "options.prior_year_tax", Reason: "must not be negative"}
	}
	if _, err := advances.ParseMethod(string(o.AdvanceMethod)); err != nil {
		return err
	}
	return nil
}

func (r Request) key() string {
	return string(r.TaxpayerID) + "|" + string(r.Regime) + "|" + r.Period.String()
}

// =============================================================================
// RUN - State machine of one calculation
// =============================================================================

// State is the lifecycle of a run.
//
//	DRAFT -> VALIDATING -> CALCULATED -> COMMITTED
//	             |             |
//	             +-> FAILED <--+
type State string

const (
	StateDraft      State = "DRAFT"
	StateValidating State = "VALIDATING"
	StateCalculated State = "CALCULATED"
	StateCommitted  State = "COMMITTED"
	StateFailed     State = "FAILED"
)

var transitions = map[State][]State{
	StateDraft:      {StateValidating},
	StateValidating: {StateCalculated, StateFailed},
	StateCalculated: {StateCommitted, StateFailed},
}

// Run carries a calculation through its states. Record holds the preview
// figures once CALCULATED and the persisted figures once COMMITTED.
type Run struct {
	ID      string
	State   State
	Request Request
	Method  Method
	Record  tax.CalculationRecord
	Err     error

	params params
}

// params are the rule values a run resolved during validation.
type params struct {
	asOf               time.Time
	expenseLines       []tax.ExpenseLine
	deductible         decimal.Decimal
	nonDeductible      decimal.Decimal
	grossExpenses      decimal.Decimal
	capPct             decimal.Decimal
	carryForwardYears  int
	deadlineDay        int
	annualFilingMonths int
	ruleIDs            []string
	preview            losses.Allocation
}

func (r *Run) transition(to State) error {
	for _, allowed := range transitions[r.State] {
		if allowed == to {
			r.State = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", tax.ErrInvalidState, r.State, to)
}

func (r *Run) fail(err error) error {
	r.State = StateFailed
	r.Err = err
	return err
}
