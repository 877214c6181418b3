/*
Package calculation orchestrates a tax calculation from raw request to
committed, auditable record.

PURPOSE:
  The engine is the only component that combines the rule catalog, the
  bracket calculator, the expense classifier, the loss ledger and advance
  reconciliation. It drives a Run through its state machine and owns the
  atomic commit.

KEY CONCEPTS:
  - Run: DRAFT -> VALIDATING -> CALCULATED -> COMMITTED, or FAILED
  - Method: the closed set of computation variants, resolved once per run
  - Preview: a CALCULATED run has full figures and no side effects
  - Commit: one store transaction per run, serialised per
    (taxpayer, regime, period)

LOSS DEDUCTIONS:
  Loss allocations are persisted only by annual settlements. Monthly and
  quarterly runs carry year-to-date figures and plan a provisional deduction
  against the current ledger without consuming it, so the annual settlement
  remains the single consumer of every loss.

RECALCULATION:
  Committing a run for a key that already has a committed record marks the
  old record superseded, reverses its loss applications, retires any loss
  it recorded, then applies and records afresh. All of it happens in the
  same transaction as the insert of the new record.

SEE ALSO:
  - method.go: Method variants and resolution
  - run.go: Request, Options and the state machine
  - losses/: Loss planning and ledger writes
*/
package calculation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/tax-engine/advances"
	"github.com/warp/tax-engine/expenses"
	"github.com/warp/tax-engine/logging"
	"github.com/warp/tax-engine/losses"
	"github.com/warp/tax-engine/tax"
	"go.uber.org/zap"
)

// Notes attached to calculation records.
const (
	NoteLossesNotRequested = "loss carry-forward not requested"
	NoteLumpSumExpenses    = "expenses do not reduce the lump-sum base"
	NoteProvisionalLosses  = "loss deduction is provisional until the annual settlement"
)

// =============================================================================
// ENGINE
// =============================================================================

// Engine runs calculations. It is safe for concurrent use.
type Engine struct {
	store  tax.TxStore
	rules  Resolver
	ledger *losses.Ledger
	locks  *keyedMutex
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the base logger. Request-scoped loggers found in the
// context take precedence.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides time.Now for record and ledger timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides the calculation ID source.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

// NewEngine creates an engine over a transactional store and a rule resolver,
// typically a *rules.Catalog backed by the same store.
func NewEngine(store tax.TxStore, resolver Resolver, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		rules:  resolver,
		locks:  newKeyedMutex(),
		logger: zap.NewNop(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ledger = losses.NewLedger(e.now)
	return e
}

func (e *Engine) log(ctx context.Context) *zap.Logger {
	return logging.FromContext(ctx, e.logger)
}

// =============================================================================
// CALCULATE
// =============================================================================

// Calculate prepares req and, unless req.Preview is set, commits it. The
// returned record is the preview or the committed record.
func (e *Engine) Calculate(ctx context.Context, req Request) (*tax.CalculationRecord, error) {
	run, err := e.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.Preview {
		rec := run.Record
		return &rec, nil
	}
	return e.Commit(ctx, run)
}

// Prepare validates req, resolves every rule it needs and computes the full
// breakdown with a previewed loss allocation. Nothing is written.
//
// On failure the returned run is FAILED and err is a *tax.CalculationError.
func (e *Engine) Prepare(ctx context.Context, req Request) (*Run, error) {
	run := &Run{ID: e.newID(), State: StateDraft, Request: req}
	if err := run.transition(StateValidating); err != nil {
		return run, e.failRun(ctx, run, "prepare", err)
	}

	if err := req.Validate(); err != nil {
		return run, e.failRun(ctx, run, "prepare", err)
	}

	method, p, err := e.resolve(ctx, req)
	if err != nil {
		return run, e.failRun(ctx, run, "prepare", err)
	}
	run.Method = method
	run.params = p

	alloc, err := e.previewLosses(ctx, run)
	if err != nil {
		return run, e.failRun(ctx, run, "prepare", tax.Persistence("preview losses", err))
	}
	run.params.preview = alloc

	rec, err := e.assemble(run, alloc, nil)
	if err != nil {
		return run, e.failRun(ctx, run, "prepare", err)
	}
	if lossNote := pendingLossNote(run, rec); lossNote != "" {
		rec.Notes = append(rec.Notes, lossNote)
	}
	run.Record = rec

	if err := run.transition(StateCalculated); err != nil {
		return run, e.failRun(ctx, run, "prepare", err)
	}
	return run, nil
}

// Commit persists a CALCULATED run. The loss allocation is re-planned against
// the transaction view, so a concurrent ledger change between Prepare and
// Commit is picked up. A conflict is retried once.
func (e *Engine) Commit(ctx context.Context, run *Run) (*tax.CalculationRecord, error) {
	if run == nil {
		return nil, fmt.Errorf("%w: nil run", tax.ErrInvalidState)
	}
	if run.State != StateCalculated {
		err := fmt.Errorf("%w: cannot commit a %s run", tax.ErrInvalidState, run.State)
		return nil, e.wrap("commit", run.Request, err)
	}

	unlock := e.locks.Lock(run.Request.key())
	defer unlock()

	logger := e.log(ctx).With(runFields(run)...)

	rec, err := e.commitOnce(ctx, run)
	if errors.Is(err, tax.ErrLossAllocationConflict) {
		logger.Warn("loss allocation conflict, retrying commit", zap.Error(err))
		rec, err = e.commitOnce(ctx, run)
	}
	if err != nil {
		return nil, e.failRun(ctx, run, "commit", tax.Persistence("commit calculation", err))
	}

	run.Record = rec
	if err := run.transition(StateCommitted); err != nil {
		return nil, e.failRun(ctx, run, "commit", err)
	}

	logger.Info("calculation committed",
		zap.String("method", string(rec.Method)),
		zap.String("tax", tax.FormatMoney(rec.Tax)),
		zap.String("installment_due", tax.FormatMoney(rec.InstallmentDue)),
		zap.String("loss_deduction", tax.FormatMoney(rec.LossDeduction)),
		zap.String("supersedes", rec.SupersedesID),
	)
	return &rec, nil
}

func (e *Engine) commitOnce(ctx context.Context, run *Run) (tax.CalculationRecord, error) {
	req := run.Request
	var out tax.CalculationRecord

	err := e.store.WithTx(ctx, func(s tax.Store) error {
		prev, err := s.CurrentCalculation(ctx, req.TaxpayerID, req.Regime, req.Period)
		if err != nil {
			return err
		}
		if prev != nil {
			if err := e.supersede(ctx, s, *prev, run.ID); err != nil {
				return err
			}
		}

		var (
			alloc losses.Allocation
			apps  []tax.LossApplication
		)
		if run.appliesLosses() {
			base := run.Method.Base(run.figures())
			if req.Period.IsAnnual() {
				alloc, apps, err = e.ledger.Apply(ctx, s, losses.ApplyInput{
					TaxpayerID:    req.TaxpayerID,
					Regime:        req.Regime,
					Year:          req.Period.Year,
					Income:        base,
					CapPct:        run.params.capPct,
					CalculationID: run.ID,
				})
			} else {
				var records []tax.LossRecord
				records, err = s.LossesFor(ctx, req.TaxpayerID, req.Regime)
				alloc = losses.Plan(records, req.Period.Year, base, run.params.capPct)
			}
			if err != nil {
				return err
			}
		}

		rec, err := e.assemble(run, alloc, apps)
		if err != nil {
			return err
		}
		if prev != nil {
			rec.SupersedesID = prev.ID
		}

		if run.recordsLoss(rec) {
			loss, err := e.ledger.Record(ctx, s, losses.RecordInput{
				TaxpayerID:          req.TaxpayerID,
				Regime:              req.Regime,
				OriginYear:          req.Period.Year,
				Amount:              rec.GrossIncome.Neg(),
				CarryForwardYears:   run.params.carryForwardYears,
				SourceCalculationID: run.ID,
			})
			if err != nil {
				return err
			}
			rec.Notes = append(rec.Notes, fmt.Sprintf("loss of %s recorded, usable until %d",
				tax.FormatMoney(loss.Original), loss.ExpirationYear))
		}

		rec.Status = tax.StatusCommitted
		rec.CreatedAt = e.now()
		if err := s.InsertCalculation(ctx, rec); err != nil {
			return err
		}

		before := decimal.Zero
		if prev != nil {
			before = prev.Tax
		}
		if err := s.AppendAudit(ctx, tax.AuditEntry{
			ID:            uuid.NewString(),
			At:            rec.CreatedAt,
			Action:        tax.AuditCalculationCommitted,
			TaxpayerID:    rec.TaxpayerID,
			Regime:        rec.Regime,
			Period:        rec.Period.String(),
			CalculationID: rec.ID,
			Before:        before,
			After:         rec.Tax,
			Payload: map[string]string{
				"method":          string(rec.Method),
				"taxable_income":  tax.FormatMoney(rec.TaxableIncome),
				"loss_deduction":  tax.FormatMoney(rec.LossDeduction),
				"installment_due": tax.FormatMoney(rec.InstallmentDue),
			},
		}); err != nil {
			return err
		}

		out = rec
		return nil
	})
	return out, err
}

// supersede retires prev and everything it did to the loss ledger.
func (e *Engine) supersede(ctx context.Context, s tax.Store, prev tax.CalculationRecord, by string) error {
	if err := s.SupersedeCalculation(ctx, prev.ID, by); err != nil {
		return err
	}
	if _, err := e.ledger.Reverse(ctx, s, prev.ID, by); err != nil {
		return err
	}
	if err := e.ledger.RetireSource(ctx, s, prev.ID, by); err != nil {
		return err
	}
	return s.AppendAudit(ctx, tax.AuditEntry{
		ID:            uuid.NewString(),
		At:            e.now(),
		Action:        tax.AuditCalculationSuperseded,
		TaxpayerID:    prev.TaxpayerID,
		Regime:        prev.Regime,
		Period:        prev.Period.String(),
		CalculationID: prev.ID,
		Before:        prev.Tax,
		After:         decimal.Zero,
		Payload:       map[string]string{"superseded_by": by},
	})
}

// =============================================================================
// RESOLUTION
// =============================================================================

func (e *Engine) resolve(ctx context.Context, req Request) (Method, params, error) {
	asOf := req.Period.AsOf()
	p := params{asOf: asOf}

	method, err := ResolveMethod(ctx, e.rules, req.Regime, req.Options, asOf)
	if err != nil {
		return nil, p, err
	}
	p.ruleIDs = append(p.ruleIDs, method.RuleIDs()...)

	policyEntry, err := e.rules.Resolve(ctx, req.Regime, tax.CodeExpensePolicy, asOf)
	if err != nil {
		return nil, p, err
	}
	var policy tax.ExpensePolicy
	if policyEntry.Expenses != nil {
		policy = *policyEntry.Expenses
	}
	p.ruleIDs = append(p.ruleIDs, policyEntry.ID)

	lines, totals, err := expenses.ClassifyAll(req.Expenses, policy)
	if err != nil {
		return nil, p, err
	}
	p.expenseLines = lines
	p.grossExpenses = totals.Gross
	p.deductible = totals.Deductible
	p.nonDeductible = totals.NonDeductible
	if method.Kind() == tax.MethodLumpSum {
		// Classified for the audit trail only.
		p.deductible = decimal.Zero
	}

	if method.OffsetsLosses() && req.Options.ApplyLosses {
		capEntry, err := e.rules.Resolve(ctx, req.Regime, tax.CodeLossCap, asOf)
		if err != nil {
			return nil, p, err
		}
		p.capPct = capEntry.Value
		p.ruleIDs = append(p.ruleIDs, capEntry.ID)
	}

	if req.Period.IsAnnual() {
		if method.OffsetsLosses() {
			p.carryForwardYears, err = e.intRule(ctx, req.Regime, tax.CodeLossCarryForwardYears, asOf, &p.ruleIDs)
			if err != nil {
				return nil, p, err
			}
		}
		p.annualFilingMonths, err = e.intRule(ctx, req.Regime, tax.CodeAnnualFilingMonths, asOf, &p.ruleIDs)
	} else {
		p.deadlineDay, err = e.intRule(ctx, req.Regime, tax.CodeAdvanceDeadlineDay, asOf, &p.ruleIDs)
	}
	if err != nil {
		return nil, p, err
	}
	return method, p, nil
}

func (e *Engine) intRule(ctx context.Context, regime tax.Regime, code tax.RuleCode, asOf time.Time, ids *[]string) (int, error) {
	entry, err := e.rules.Resolve(ctx, regime, code, asOf)
	if err != nil {
		return 0, err
	}
	if !entry.Value.IsInteger() {
		return 0, &tax.InputError{Field: string(code), Reason: fmt.Sprintf("rule %s is not a whole number", entry.ID)}
	}
	if ids != nil {
		*ids = append(*ids, entry.ID)
	}
	return int(entry.Value.IntPart()), nil
}

// previewLosses plans the deduction a commit would make. For an annual
// recalculation the predecessor's applications are added back first, since
// the commit reverses them before planning.
func (e *Engine) previewLosses(ctx context.Context, run *Run) (losses.Allocation, error) {
	if !run.appliesLosses() {
		return losses.Allocation{}, nil
	}
	req := run.Request

	records, err := e.store.LossesFor(ctx, req.TaxpayerID, req.Regime)
	if err != nil {
		return losses.Allocation{}, err
	}
	if req.Period.IsAnnual() {
		current, err := e.store.CurrentCalculation(ctx, req.TaxpayerID, req.Regime, req.Period)
		if err != nil {
			return losses.Allocation{}, err
		}
		if current != nil {
			apps, err := e.store.ApplicationsFor(ctx, current.ID)
			if err != nil {
				return losses.Allocation{}, err
			}
			records = losses.RestoreView(records, apps)
		}
	}
	return losses.Plan(records, req.Period.Year, run.Method.Base(run.figures()), run.params.capPct), nil
}

// =============================================================================
// ASSEMBLY
// =============================================================================

func (r *Run) figures() Figures {
	revenue := tax.Round(r.Request.Revenue)
	return Figures{
		Revenue:           revenue,
		GrossIncome:       revenue.Sub(r.params.deductible),
		DistributedProfit: tax.Round(r.Request.Options.DistributedProfit),
	}
}

func (r *Run) appliesLosses() bool {
	return r.Method.OffsetsLosses() && r.Request.Options.ApplyLosses
}

// recordsLoss reports whether committing rec creates a loss record.
func (r *Run) recordsLoss(rec tax.CalculationRecord) bool {
	return r.Request.Period.IsAnnual() && r.Method.OffsetsLosses() && rec.GrossIncome.IsNegative()
}

func pendingLossNote(run *Run, rec tax.CalculationRecord) string {
	if !run.recordsLoss(rec) {
		return ""
	}
	return fmt.Sprintf("loss of %s will be carried forward on commit", tax.FormatMoney(rec.GrossIncome.Neg()))
}

// assemble builds the record for run from a loss allocation. apps is nil for
// previews and provisional deductions.
func (e *Engine) assemble(run *Run, alloc losses.Allocation, apps []tax.LossApplication) (tax.CalculationRecord, error) {
	req := run.Request
	p := run.params
	f := run.figures()

	deduction := decimal.Zero
	if run.appliesLosses() {
		deduction = alloc.Total
	}
	taxable := tax.NonNegative(run.Method.Base(f).Sub(deduction))
	res := run.Method.Compute(taxable)

	adv, err := advances.Reconcile(advances.Input{
		Period:             req.Period,
		Method:             req.Options.AdvanceMethod,
		CumulativeTaxYTD:   res.Tax,
		PriorAdvancesPaid:  tax.Round(req.Options.PriorAdvancesPaid),
		PriorYearTax:       req.Options.PriorYearTax,
		SimplifiedElected:  req.Options.SimplifiedElected,
		DeadlineDay:        p.deadlineDay,
		AnnualFilingMonths: p.annualFilingMonths,
	})
	if err != nil {
		return tax.CalculationRecord{}, err
	}

	var notes []string
	switch {
	case !run.Method.OffsetsLosses():
		notes = append(notes, fmt.Sprintf("%s does not offset carried-forward losses", run.Method.Kind()))
	case !req.Options.ApplyLosses:
		notes = append(notes, NoteLossesNotRequested)
	case alloc.Note != "":
		notes = append(notes, alloc.Note)
	}
	if run.Method.Kind() == tax.MethodLumpSum && len(req.Expenses) > 0 {
		notes = append(notes, NoteLumpSumExpenses)
	}
	if !req.Period.IsAnnual() && deduction.IsPositive() {
		notes = append(notes, NoteProvisionalLosses)
	}

	return tax.CalculationRecord{
		ID:                 run.ID,
		TaxpayerID:         req.TaxpayerID,
		Regime:             req.Regime,
		Method:             run.Method.Kind(),
		Period:             req.Period,
		Revenue:            f.Revenue,
		Expenses:           p.grossExpenses,
		NonDeductibleTotal: p.nonDeductible,
		GrossIncome:        f.GrossIncome,
		LossDeduction:      deduction,
		TaxableIncome:      taxable,
		Allowance:          res.Allowance,
		RateCode:           run.Method.RateCode(),
		Rate:               run.Method.Rate(),
		Tax:                res.Tax,
		Brackets:           res.Lines,
		ExpenseLines:       p.expenseLines,
		LossApplications:   apps,
		PriorAdvancesPaid:  tax.Round(req.Options.PriorAdvancesPaid),
		InstallmentDue:     adv.Due,
		Overpayment:        adv.Overpayment,
		DueDate:            adv.DueDate,
		Notes:              notes,
		RuleIDs:            append([]string(nil), p.ruleIDs...),
	}, nil
}

// =============================================================================
// LEDGER AND ADVANCE OPERATIONS
// =============================================================================

// RecordLoss records a manually declared loss for an annual period and
// returns its ID.
func (e *Engine) RecordLoss(ctx context.Context, taxpayer tax.TaxpayerID, regime tax.Regime, year int, amount decimal.Decimal) (string, error) {
	period := tax.Annual(year)
	req := Request{TaxpayerID: taxpayer, Regime: regime, Period: period}

	if !tax.Round(amount).IsPositive() {
		return "", e.wrap("record loss", req, tax.ErrInvalidAmount)
	}
	if taxpayer == "" {
		return "", e.wrap("record loss", req, &tax.InputError{Field: "taxpayer_id", Reason: "required"})
	}
	if !regime.Valid() {
		return "", e.wrap("record loss", req, &tax.InputError{Field: "regime", Reason: fmt.Sprintf("unknown regime %q", regime)})
	}
	if err := period.Validate(); err != nil {
		return "", e.wrap("record loss", req, err)
	}

	window, err := e.intRule(ctx, regime, tax.CodeLossCarryForwardYears, period.AsOf(), nil)
	if err != nil {
		return "", e.wrap("record loss", req, err)
	}

	var rec tax.LossRecord
	err = e.store.WithTx(ctx, func(s tax.Store) error {
		var err error
		rec, err = e.ledger.Record(ctx, s, losses.RecordInput{
			TaxpayerID:        taxpayer,
			Regime:            regime,
			OriginYear:        year,
			Amount:            amount,
			CarryForwardYears: window,
		})
		return err
	})
	if err != nil {
		return "", e.wrap("record loss", req, tax.Persistence("record loss", err))
	}

	e.log(ctx).Info("loss recorded",
		zap.String("loss_id", rec.ID),
		zap.String("taxpayer_id", string(taxpayer)),
		zap.String("regime", string(regime)),
		zap.Int("origin_year", year),
		zap.String("amount", tax.FormatMoney(rec.Original)),
		zap.Int("expiration_year", rec.ExpirationYear),
	)
	return rec.ID, nil
}

// AdvanceRequest asks for the installment due for a period.
type AdvanceRequest struct {
	TaxpayerID        tax.TaxpayerID
	Regime            tax.Regime
	Period            tax.Period
	Method            advances.Method
	CumulativeTaxYTD  decimal.Decimal
	PriorAdvancesPaid decimal.Decimal
	PriorYearTax      *decimal.Decimal
	SimplifiedElected bool
}

// ReconcileAdvance resolves the deadline rules in force for the period and
// computes the installment.
func (e *Engine) ReconcileAdvance(ctx context.Context, req AdvanceRequest) (advances.Result, error) {
	key := Request{TaxpayerID: req.TaxpayerID, Regime: req.Regime, Period: req.Period}
	if !req.Regime.Valid() {
		return advances.Result{}, e.wrap("reconcile advance", key,
			&tax.InputError{Field: "regime", Reason: fmt.Sprintf("unknown regime %q", req.Regime)})
	}
	if err := req.Period.Validate(); err != nil {
		return advances.Result{}, e.wrap("reconcile advance", key, err)
	}
	method, err := advances.ParseMethod(string(req.Method))
	if err != nil {
		return advances.Result{}, e.wrap("reconcile advance", key, err)
	}

	in := advances.Input{
		Period:            req.Period,
		Method:            method,
		CumulativeTaxYTD:  tax.Round(req.CumulativeTaxYTD),
		PriorAdvancesPaid: tax.Round(req.PriorAdvancesPaid),
		PriorYearTax:      req.PriorYearTax,
		SimplifiedElected: req.SimplifiedElected,
	}
	asOf := req.Period.AsOf()
	if req.Period.IsAnnual() {
		in.AnnualFilingMonths, err = e.intRule(ctx, req.Regime, tax.CodeAnnualFilingMonths, asOf, nil)
	} else {
		in.DeadlineDay, err = e.intRule(ctx, req.Regime, tax.CodeAdvanceDeadlineDay, asOf, nil)
	}
	if err != nil {
		return advances.Result{}, e.wrap("reconcile advance", key, err)
	}

	res, err := advances.Reconcile(in)
	if err != nil {
		return advances.Result{}, e.wrap("reconcile advance", key, err)
	}
	return res, nil
}

// ExpireLosses marks every active loss whose window ended before year as
// expired and returns how many records changed.
func (e *Engine) ExpireLosses(ctx context.Context, year int) (int, error) {
	var n int
	err := e.store.WithTx(ctx, func(s tax.Store) error {
		var err error
		n, err = e.ledger.ExpireBefore(ctx, s, year)
		return err
	})
	if err != nil {
		return 0, tax.Persistence("expire losses", err)
	}
	if n > 0 {
		e.log(ctx).Info("losses expired", zap.Int("count", n), zap.Int("before_year", year))
	}
	return n, nil
}

// LossBalance returns the records usable in year and their total.
func (e *Engine) LossBalance(ctx context.Context, taxpayer tax.TaxpayerID, regime tax.Regime, year int) (losses.BalanceView, error) {
	return e.ledger.Balance(ctx, e.store, taxpayer, regime, year)
}

// Losses returns every loss record of a taxpayer under regime, active or not.
func (e *Engine) Losses(ctx context.Context, taxpayer tax.TaxpayerID, regime tax.Regime) ([]tax.LossRecord, error) {
	return e.store.LossesFor(ctx, taxpayer, regime)
}

// Get returns a calculation record by ID.
func (e *Engine) Get(ctx context.Context, id string) (tax.CalculationRecord, error) {
	rec, err := e.store.GetCalculation(ctx, id)
	if err != nil {
		return tax.CalculationRecord{}, err
	}
	if rec.LossApplications == nil {
		apps, err := e.store.ApplicationsFor(ctx, id)
		if err != nil {
			return tax.CalculationRecord{}, err
		}
		rec.LossApplications = applied(apps)
	}
	return rec, nil
}

// History returns a taxpayer's calculations, newest first, superseded
// records included.
func (e *Engine) History(ctx context.Context, taxpayer tax.TaxpayerID) ([]tax.CalculationRecord, error) {
	return e.store.CalculationsFor(ctx, taxpayer)
}

func applied(apps []tax.LossApplication) []tax.LossApplication {
	var out []tax.LossApplication
	for _, a := range apps {
		if a.Kind == tax.ApplicationApplied {
			out = append(out, a)
		}
	}
	return out
}

// =============================================================================
// ERRORS AND LOGGING
// =============================================================================

func (e *Engine) wrap(op string, req Request, err error) error {
	var ce *tax.CalculationError
	if errors.As(err, &ce) {
		return err
	}
	return &tax.CalculationError{
		Op:         op,
		TaxpayerID: req.TaxpayerID,
		Regime:     req.Regime,
		Period:     req.Period,
		Err:        err,
	}
}

func (e *Engine) failRun(ctx context.Context, run *Run, op string, err error) error {
	err = e.wrap(op, run.Request, err)
	from := run.State
	run.fail(err)

	level := zap.WarnLevel
	if !tax.IsClientError(err) && !tax.IsNotFound(err) {
		level = zap.ErrorLevel
	}
	if ce := e.log(ctx).Check(level, "calculation failed"); ce != nil {
		ce.Write(append(runFields(run),
			zap.String("op", op),
			zap.String("from_state", string(from)),
			zap.Bool("retryable", tax.IsRetryable(err)),
			zap.Error(err),
		)...)
	}
	return err
}

func runFields(run *Run) []zap.Field {
	return []zap.Field{
		zap.String("calculation_id", run.ID),
		zap.String("taxpayer_id", string(run.Request.TaxpayerID)),
		zap.String("regime", string(run.Request.Regime)),
		zap.String("period", run.Request.Period.String()),
		zap.String("state", string(run.State)),
	}
}
