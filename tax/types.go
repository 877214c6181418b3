/*
Package tax provides the core vocabulary of the tax obligation engine.

PURPOSE:
  This package contains the types every other component shares: regimes,
  periods, monetary rounding, rule entries, loss records, calculation
  records, the error taxonomy and the persistence contracts. It holds no
  algorithms beyond trivial helpers; bracket math lives in brackets/, loss
  allocation in losses/, orchestration in calculation/.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal.Decimal amounts, always rounded half-up to 2 places
  - Regime: the taxation regime a taxpayer is calculated under
  - TaxpayerID: type-safe identifier

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal everywhere, never float64 arithmetic
  2. Rounding at every monetary sub-step, not only on the final total
  3. Immutability: ledger history is appended to, never edited
  4. Auditability: every figure carries the rule and the inputs behind it

SEE ALSO:
  - rules.go: Rule entries and bracket sets
  - losses.go: Loss records and applications
  - calculation.go: Calculation records
  - store.go: Persistence contracts
*/
package tax

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// MoneyPlaces is the number of decimal places every monetary figure is kept at.
const MoneyPlaces = 2

var (
	hundred = decimal.NewFromInt(100)
)

// Round rounds half-up (away from zero) to 2 decimal places.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// ParseMoney parses a decimal string and rounds it to money precision.
func ParseMoney(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: malformed amount %q", ErrInvalidInput, s)
	}
	return Round(d), nil
}

// MustParseDecimal parses s, returning zero on malformed input.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Percent converts a percentage (e.g. 19) into a rate (0.19).
func Percent(p int64) decimal.Decimal {
	return decimal.NewFromInt(p).Div(hundred)
}

// NonNegative clamps d at zero.
func NonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// FormatMoney renders an amount with exactly two decimals.
func FormatMoney(d decimal.Decimal) string {
	return d.StringFixed(MoneyPlaces)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TaxpayerID string

// =============================================================================
// REGIME
// =============================================================================

// Regime is a selectable taxation method. Regimes are mutually exclusive for a
// taxpayer within a fiscal year.
type Regime string

const (
	// RegimeAny marks cross-regime rule entries (loss cap, deadlines, expense
	// policy). It is never a valid calculation regime.
	RegimeAny Regime = "any"

	RegimeCorporateStandard   Regime = "corporate_standard"
	RegimeCorporateSmall      Regime = "corporate_small"
	RegimePersonalProgressive Regime = "personal_progressive"
	RegimePersonalFlat        Regime = "personal_flat"
	RegimePersonalLumpSum     Regime = "personal_lump_sum"
	RegimeEstonian            Regime = "estonian_distribution"
)

var calculationRegimes = map[Regime]bool{
	RegimeCorporateStandard:   true,
	RegimeCorporateSmall:      true,
	RegimePersonalProgressive: true,
	RegimePersonalFlat:        true,
	RegimePersonalLumpSum:     true,
	RegimeEstonian:            true,
}

// Valid reports whether r can be used for a calculation.
func (r Regime) Valid() bool { return calculationRegimes[r] }

// IsCorporate reports whether r is a corporate income tax regime.
func (r Regime) IsCorporate() bool {
	return r == RegimeCorporateStandard || r == RegimeCorporateSmall || r == RegimeEstonian
}

// IsPersonal reports whether r is a personal income tax regime.
func (r Regime) IsPersonal() bool {
	return r == RegimePersonalProgressive || r == RegimePersonalFlat || r == RegimePersonalLumpSum
}

// ParseRegime validates a regime string. RegimeAny is accepted only when
// allowAny is set (rule catalog input).
func ParseRegime(s string, allowAny bool) (Regime, error) {
	r := Regime(s)
	if r.Valid() || (allowAny && r == RegimeAny) {
		return r, nil
	}
	return "", &InputError{Field: "regime", Reason: fmt.Sprintf("unknown regime %q", s)}
}

// =============================================================================
// METHOD KIND
// =============================================================================

// MethodKind names the computation a calculation was performed with. The
// concrete method values live in the calculation package; this tag is what gets
// persisted.
type MethodKind string

const (
	MethodProgressive       MethodKind = "progressive"
	MethodFlat              MethodKind = "flat"
	MethodLumpSum           MethodKind = "lump_sum"
	MethodPreferentialSmall MethodKind = "preferential_small"
	MethodEstonian          MethodKind = "estonian_distribution"
)
