package rules

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/tax-engine/tax"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// DOCUMENT SCHEMA
// =============================================================================
//
// A rule-set document lists entries in chronological order per (regime, code):
//
//	rules:
//	  - regime: corporate_standard
//	    code: rate
//	    value: "0.19"
//	    effective_from: "2019-01-01"
//	    legal_reference: "CIT Act art. 19(1)(1)"
//	  - regime: personal_progressive
//	    code: scale
//	    effective_from: "2022-07-01"
//	    scale:
//	      allowance: {nominal: "30000"}
//	      brackets:
//	        - {lower: "0", upper: "120000", rate: "0.12"}
//	        - {lower: "120000", rate: "0.32"}
//
// The same structure is accepted as JSON. Amounts and rates are decimal
// strings; dates are YYYY-MM-DD.

// Document is a rule-set file.
type Document struct {
	Rules []EntryDoc `yaml:"rules" json:"rules"`
}

// EntryDoc is the serialised form of a tax.RuleEntry.
type EntryDoc struct {
	ID             string                       `yaml:"id,omitempty" json:"id,omitempty"`
	Regime         string                       `yaml:"regime" json:"regime"`
	Code           string                       `yaml:"code" json:"code"`
	Value          string                       `yaml:"value,omitempty" json:"value,omitempty"`
	Scale          *ScaleDoc                    `yaml:"scale,omitempty" json:"scale,omitempty"`
	ExpensePolicy  map[string]CategoryPolicyDoc `yaml:"expense_policy,omitempty" json:"expense_policy,omitempty"`
	EffectiveFrom  string                       `yaml:"effective_from" json:"effective_from"`
	EffectiveTo    string                       `yaml:"effective_to,omitempty" json:"effective_to,omitempty"`
	LegalReference string                       `yaml:"legal_reference,omitempty" json:"legal_reference,omitempty"`
}

type ScaleDoc struct {
	Allowance AllowanceDoc `yaml:"allowance" json:"allowance"`
	Brackets  []BracketDoc `yaml:"brackets" json:"brackets"`
}

type AllowanceDoc struct {
	Nominal         string `yaml:"nominal" json:"nominal"`
	DegressionStart string `yaml:"degression_start,omitempty" json:"degression_start,omitempty"`
	DegressionEnd   string `yaml:"degression_end,omitempty" json:"degression_end,omitempty"`
}

type BracketDoc struct {
	Label string `yaml:"label,omitempty" json:"label,omitempty"`
	Lower string `yaml:"lower" json:"lower"`
	Upper string `yaml:"upper,omitempty" json:"upper,omitempty"`
	Rate  string `yaml:"rate" json:"rate"`
}

type CategoryPolicyDoc struct {
	Kind       string `yaml:"kind" json:"kind"`
	Share      string `yaml:"share,omitempty" json:"share,omitempty"`
	LegalBasis string `yaml:"legal_basis,omitempty" json:"legal_basis,omitempty"`
}

// =============================================================================
// PARSING
// =============================================================================

//go:embed defaults.yaml
var defaultsYAML []byte

// Defaults returns the built-in rule set.
func Defaults() ([]tax.RuleEntry, error) {
	return ParseYAML(defaultsYAML)
}

// LoadFile reads a rule-set document. Files ending in .json are decoded as
// JSON, anything else as YAML.
func LoadFile(path string) ([]tax.RuleEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule set %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return ParseJSON(data)
	}
	return ParseYAML(data)
}

// ParseYAML parses a YAML rule-set document.
func ParseYAML(data []byte) ([]tax.RuleEntry, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: failed to parse rule set YAML: %v", tax.ErrInvalidInput, err)
	}
	return doc.Entries()
}

// ParseJSON parses a JSON rule-set document.
func ParseJSON(data []byte) ([]tax.RuleEntry, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: failed to parse rule set JSON: %v", tax.ErrInvalidInput, err)
	}
	return doc.Entries()
}

// Entries converts and validates every entry of the document.
func (d Document) Entries() ([]tax.RuleEntry, error) {
	out := make([]tax.RuleEntry, 0, len(d.Rules))
	for i, ed := range d.Rules {
		e, err := ed.ToEntry()
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s/%s): %w", i, ed.Regime, ed.Code, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// ToEntry converts the document form into a validated tax.RuleEntry.
func (ed EntryDoc) ToEntry() (tax.RuleEntry, error) {
	regime, err := tax.ParseRegime(ed.Regime, true)
	if err != nil {
		return tax.RuleEntry{}, err
	}
	from, err := parseDate("effective_from", ed.EffectiveFrom)
	if err != nil {
		return tax.RuleEntry{}, err
	}

	e := tax.RuleEntry{
		ID:             ed.ID,
		Regime:         regime,
		Code:           tax.RuleCode(ed.Code),
		EffectiveFrom:  from,
		LegalReference: ed.LegalReference,
	}
	if ed.EffectiveTo != "" {
		to, err := parseDate("effective_to", ed.EffectiveTo)
		if err != nil {
			return tax.RuleEntry{}, err
		}
		e.EffectiveTo = &to
	}
	if ed.Value != "" {
		if e.Value, err = parseDecimal("value", ed.Value); err != nil {
			return tax.RuleEntry{}, err
		}
	}
	if ed.Scale != nil {
		set, err := ed.Scale.toBracketSet()
		if err != nil {
			return tax.RuleEntry{}, err
		}
		e.Brackets = &set
	}
	if ed.ExpensePolicy != nil {
		policy, err := toExpensePolicy(ed.ExpensePolicy)
		if err != nil {
			return tax.RuleEntry{}, err
		}
		e.Expenses = &policy
	}

	if err := e.Validate(); err != nil {
		return tax.RuleEntry{}, err
	}
	return e, nil
}

func (sd ScaleDoc) toBracketSet() (tax.BracketSet, error) {
	var set tax.BracketSet
	var err error

	if set.Allowance.Nominal, err = parseDecimal("allowance.nominal", orZero(sd.Allowance.Nominal)); err != nil {
		return set, err
	}
	if set.Allowance.DegressionStart, err = parseOptionalDecimal("allowance.degression_start", sd.Allowance.DegressionStart); err != nil {
		return set, err
	}
	if set.Allowance.DegressionEnd, err = parseOptionalDecimal("allowance.degression_end", sd.Allowance.DegressionEnd); err != nil {
		return set, err
	}

	for i, bd := range sd.Brackets {
		var b tax.Bracket
		b.Label = bd.Label
		if b.Lower, err = parseDecimal(fmt.Sprintf("brackets[%d].lower", i), bd.Lower); err != nil {
			return set, err
		}
		if b.Upper, err = parseOptionalDecimal(fmt.Sprintf("brackets[%d].upper", i), bd.Upper); err != nil {
			return set, err
		}
		if b.Rate, err = parseDecimal(fmt.Sprintf("brackets[%d].rate", i), bd.Rate); err != nil {
			return set, err
		}
		set.Brackets = append(set.Brackets, b)
	}
	fillBaseAmounts(&set)
	return set, nil
}

// fillBaseAmounts sets each bracket's BaseAmount to the tax due on all lower
// brackets when they are fully used.
func fillBaseAmounts(set *tax.BracketSet) {
	base := decimal.Zero
	for i := range set.Brackets {
		b := &set.Brackets[i]
		b.BaseAmount = base
		if b.Upper != nil {
			base = base.Add(tax.Round(b.Upper.Sub(b.Lower).Mul(b.Rate)))
		}
	}
}

func toExpensePolicy(docs map[string]CategoryPolicyDoc) (tax.ExpensePolicy, error) {
	policy := tax.ExpensePolicy{Categories: make(map[tax.ExpenseCategory]tax.CategoryPolicy, len(docs))}
	for cat, cd := range docs {
		cp := tax.CategoryPolicy{
			Kind:       tax.DeductibilityKind(cd.Kind),
			LegalBasis: cd.LegalBasis,
		}
		if cd.Share != "" {
			share, err := parseDecimal("expense_policy."+cat+".share", cd.Share)
			if err != nil {
				return policy, err
			}
			cp.Share = share
		}
		policy.Categories[tax.ExpenseCategory(cat)] = cp
	}
	return policy, nil
}

// =============================================================================
// SERIALISATION
// =============================================================================

// FromEntry renders an entry in document form.
func FromEntry(e tax.RuleEntry) EntryDoc {
	ed := EntryDoc{
		ID:             e.ID,
		Regime:         string(e.Regime),
		Code:           string(e.Code),
		EffectiveFrom:  e.EffectiveFrom.Format(time.DateOnly),
		LegalReference: e.LegalReference,
	}
	if e.EffectiveTo != nil {
		ed.EffectiveTo = e.EffectiveTo.Format(time.DateOnly)
	}
	switch {
	case e.Brackets != nil:
		sd := &ScaleDoc{Allowance: AllowanceDoc{Nominal: e.Brackets.Allowance.Nominal.String()}}
		if e.Brackets.Allowance.Degressive() {
			sd.Allowance.DegressionStart = e.Brackets.Allowance.DegressionStart.String()
			sd.Allowance.DegressionEnd = e.Brackets.Allowance.DegressionEnd.String()
		}
		for _, b := range e.Brackets.Brackets {
			bd := BracketDoc{Label: b.Label, Lower: b.Lower.String(), Rate: b.Rate.String()}
			if b.Upper != nil {
				bd.Upper = b.Upper.String()
			}
			sd.Brackets = append(sd.Brackets, bd)
		}
		ed.Scale = sd
	case e.Expenses != nil:
		ed.ExpensePolicy = make(map[string]CategoryPolicyDoc, len(e.Expenses.Categories))
		for cat, cp := range e.Expenses.Categories {
			cd := CategoryPolicyDoc{Kind: string(cp.Kind), LegalBasis: cp.LegalBasis}
			if cp.Kind == tax.DeductiblePartial {
				cd.Share = cp.Share.String()
			}
			ed.ExpensePolicy[string(cat)] = cd
		}
	default:
		ed.Value = e.Value.String()
	}
	return ed
}

// =============================================================================
// HELPERS
// =============================================================================

func parseDate(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, &tax.InputError{Field: field, Reason: "required"}
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, &tax.InputError{Field: field, Reason: fmt.Sprintf("malformed date %q", s)}
	}
	return t, nil
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, &tax.InputError{Field: field, Reason: fmt.Sprintf("malformed decimal %q", s)}
	}
	return d, nil
}

func parseOptionalDecimal(field, s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	d, err := parseDecimal(field, s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
