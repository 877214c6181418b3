package calculation

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/tax-engine/brackets"
	"github.com/warp/tax-engine/tax"
)

// =============================================================================
// METHOD - Closed set of computation variants
// =============================================================================

// Method is the computation a run uses, resolved once from the regime and
// options before any figure is computed. The set is closed: only the types
// in this file implement it.
type Method interface {
	Kind() tax.MethodKind

	// RateCode and Rate describe the rule the tax was computed with. Rate is
	// zero for progressive methods.
	RateCode() tax.RuleCode
	Rate() decimal.Decimal

	// RuleIDs lists the catalog entries the method was built from.
	RuleIDs() []string

	// OffsetsLosses reports whether carried-forward losses reduce the base.
	OffsetsLosses() bool

	// Base returns the amount subject to tax before loss offsets.
	Base(f Figures) decimal.Decimal

	// Compute taxes the final base.
	Compute(taxable decimal.Decimal) brackets.Result

	sealed()
}

// Figures are the income figures a method chooses its base from.
type Figures struct {
	Revenue           decimal.Decimal
	GrossIncome       decimal.Decimal // revenue minus deductible expenses
	DistributedProfit decimal.Decimal
}

// Progressive taxes income on a bracket scale, optionally with income
// splitting for joint filers.
type Progressive struct {
	Scale         tax.BracketSet
	ScaleRuleID   string
	Joint         bool
	PartnerIncome decimal.Decimal
}

func (Progressive) Kind() tax.MethodKind { return tax.MethodProgressive }
func (Progressive) RateCode() tax.RuleCode { return tax.CodeScale }
func (Progressive) Rate() decimal.Decimal { return decimal.Zero }
func (m Progressive) RuleIDs() []string { return []string{m.ScaleRuleID} }
func (Progressive) OffsetsLosses() bool { return true }
func (Progressive) Base(f Figures) decimal.Decimal { return f.GrossIncome }
func (Progressive) sealed() {}
func (m Progressive) Compute(taxable decimal.Decimal) brackets.Result {
	if m.Joint {
		return brackets.Joint(taxable, m.PartnerIncome, m.Scale)
	}
	return brackets.Progressive(taxable, m.Scale)
}

// Flat taxes income at a single rate. Used for the standard corporate rate
// and for personal flat tax.
type Flat struct {
	Value  decimal.Decimal
	RuleID string
}

func (Flat) Kind() tax.MethodKind { return tax.MethodFlat }
func (Flat) RateCode() tax.RuleCode { return tax.CodeRate }
func (m Flat) Rate() decimal.Decimal { return m.Value }
func (m Flat) RuleIDs() []string { return []string{m.RuleID} }
func (Flat) OffsetsLosses() bool { return true }
func (Flat) Base(f Figures) decimal.Decimal { return f.GrossIncome }
func (m Flat) Compute(taxable decimal.Decimal) brackets.Result {
	return brackets.Flat(taxable, m.Value)
}
func (Flat) sealed() {}

// LumpSum taxes revenue. Expenses and losses do not reduce the base.
type LumpSum struct {
	Value  decimal.Decimal
	RuleID string
}

func (LumpSum) Kind() tax.MethodKind { return tax.MethodLumpSum }
func (LumpSum) RateCode() tax.RuleCode { return tax.CodeRate }
func (m LumpSum) Rate() decimal.Decimal { return m.Value }
func (m LumpSum) RuleIDs() []string { return []string{m.RuleID} }
func (LumpSum) OffsetsLosses() bool { return false }
func (LumpSum) Base(f Figures) decimal.Decimal { return f.Revenue }
func (m LumpSum) Compute(taxable decimal.Decimal) brackets.Result {
	return brackets.Flat(taxable, m.Value)
}
func (LumpSum) sealed() {}

// PreferentialSmall is the reduced corporate rate for small taxpayers.
type PreferentialSmall struct {
	Value  decimal.Decimal
	RuleID string
}

func (PreferentialSmall) Kind() tax.MethodKind { return tax.MethodPreferentialSmall }
func (PreferentialSmall) RateCode() tax.RuleCode { return tax.CodeSmallRate }
func (m PreferentialSmall) Rate() decimal.Decimal { return m.Value }
func (m PreferentialSmall) RuleIDs() []string { return []string{m.RuleID} }
func (PreferentialSmall) OffsetsLosses() bool { return true }
func (PreferentialSmall) Base(f Figures) decimal.Decimal { return f.GrossIncome }
func (m PreferentialSmall) Compute(taxable decimal.Decimal) brackets.Result {
	return brackets.Flat(taxable, m.Value)
}
func (PreferentialSmall) sealed() {}

// EstonianDistribution taxes profit when it is distributed, not when it is
// earned. Losses are not offset.
type EstonianDistribution struct {
	Value  decimal.Decimal
	Code   tax.RuleCode
	RuleID string
}

func (EstonianDistribution) Kind() tax.MethodKind { return tax.MethodEstonian }
func (m EstonianDistribution) RateCode() tax.RuleCode { return m.Code }
func (m EstonianDistribution) Rate() decimal.Decimal { return m.Value }
func (m EstonianDistribution) RuleIDs() []string { return []string{m.RuleID} }
func (EstonianDistribution) OffsetsLosses() bool { return false }
func (EstonianDistribution) Base(f Figures) decimal.Decimal {
	return f.DistributedProfit
}
func (m EstonianDistribution) Compute(taxable decimal.Decimal) brackets.Result {
	return brackets.Flat(taxable, m.Value)
}
func (EstonianDistribution) sealed() {}

// =============================================================================
// RESOLUTION
// =============================================================================

// Resolver answers rule lookups. *rules.Catalog implements it.
type Resolver interface {
	Resolve(ctx context.Context, regime tax.Regime, code tax.RuleCode, asOf time.Time) (tax.RuleEntry, error)
}

// ResolveMethod picks the method for regime and options and loads its rule
// parameters as of asOf.
func ResolveMethod(ctx context.Context, r Resolver, regime tax.Regime, opts Options, asOf time.Time) (Method, error) {
	selected, err := selectKind(regime, opts)
	if err != nil {
		return nil, err
	}

	switch selected {
	case tax.MethodProgressive:
		e, err := r.Resolve(ctx, tax.RegimePersonalProgressive, tax.CodeScale, asOf)
		if err != nil {
			return nil, err
		}
		if e.Brackets == nil {
			return nil, &tax.InputError{Field: "rules", Reason: fmt.Sprintf("scale entry %s carries no brackets", e.ID)}
		}
		return Progressive{
			Scale:         *e.Brackets,
			ScaleRuleID:   e.ID,
			Joint:         opts.JointFiling,
			PartnerIncome: opts.PartnerIncome,
		}, nil

	case tax.MethodFlat:
		rateRegime := regime
		if regime.IsPersonal() {
			rateRegime = tax.RegimePersonalFlat
		}
		e, err := r.Resolve(ctx, rateRegime, tax.CodeRate, asOf)
		if err != nil {
			return nil, err
		}
		return Flat{Value: e.Value, RuleID: e.ID}, nil

	case tax.MethodLumpSum:
		e, err := r.Resolve(ctx, regime, tax.CodeRate, asOf)
		if err != nil {
			return nil, err
		}
		return LumpSum{Value: e.Value, RuleID: e.ID}, nil

	case tax.MethodPreferentialSmall:
		e, err := r.Resolve(ctx, regime, tax.CodeSmallRate, asOf)
		if err != nil {
			return nil, err
		}
		return PreferentialSmall{Value: e.Value, RuleID: e.ID}, nil

	case tax.MethodEstonian:
		code := tax.CodeRate
		if opts.SmallTaxpayer {
			code = tax.CodeSmallRate
		}
		e, err := r.Resolve(ctx, regime, code, asOf)
		if err != nil {
			return nil, err
		}
		return EstonianDistribution{Value: e.Value, Code: code, RuleID: e.ID}, nil
	}
	return nil, &tax.InputError{Field: "regime", Reason: fmt.Sprintf("no method for regime %q", regime)}
}

func selectKind(regime tax.Regime, opts Options) (tax.MethodKind, error) {
	var kind tax.MethodKind
	switch regime {
	case tax.RegimeCorporateStandard:
		kind = tax.MethodFlat
		if opts.SmallTaxpayer {
			kind = tax.MethodPreferentialSmall
		}
	case tax.RegimeCorporateSmall:
		kind = tax.MethodPreferentialSmall
	case tax.RegimePersonalProgressive:
		kind = tax.MethodProgressive
	case tax.RegimePersonalFlat:
		kind = tax.MethodFlat
	case tax.RegimePersonalLumpSum:
		kind = tax.MethodLumpSum
	case tax.RegimeEstonian:
		kind = tax.MethodEstonian
	default:
		return "", &tax.InputError{Field: "regime", Reason: fmt.Sprintf("unknown regime %q", regime)}
	}

	// Flat vs progressive is a choice between the two personal methods only.
	if opts.Method != "" && opts.Method != kind {
		personal := regime == tax.RegimePersonalProgressive || regime == tax.RegimePersonalFlat
		choosable := opts.Method == tax.MethodProgressive || opts.Method == tax.MethodFlat
		if !personal || !choosable {
			return "", &tax.InputError{Field: "options.method",
				Reason: fmt.Sprintf("method %q is not available under regime %s", opts.Method, regime)}
		}
		kind = opts.Method
	}

	if opts.SmallTaxpayer && !smallRateRegime(regime) {
		return "", &tax.InputError{Field: "options.small_taxpayer",
			Reason: fmt.Sprintf("the small taxpayer rate is not available under regime %s", regime)}
	}
	if opts.JointFiling && kind != tax.MethodProgressive {
		return "", &tax.InputError{Field: "options.joint_filing", Reason: "joint filing requires the progressive scale"}
	}
	return kind, nil
}

// smallRateRegime reports whether regime has a preferential small taxpayer rate.
func smallRateRegime(regime tax.Regime) bool {
	switch regime {
	case tax.RegimeCorporateStandard, tax.RegimeCorporateSmall, tax.RegimeEstonian:
		return true
	}
	return false
}
