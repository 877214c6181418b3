package tax_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/tax-engine/tax"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

// =============================================================================
// MONEY
// =============================================================================

func TestRound_HalfUp(t *testing.T) {
	assert.Equal(t, "10.01", tax.FormatMoney(tax.Round(dec("10.005"))))
	assert.Equal(t, "10.00", tax.FormatMoney(tax.Round(dec("10.004"))))
	assert.Equal(t, "-10.01", tax.FormatMoney(tax.Round(dec("-10.005"))))
}

func TestParseMoney_Malformed(t *testing.T) {
	_, err := tax.ParseMoney("12,50")
	assert.ErrorIs(t, err, tax.ErrInvalidInput)
}

// =============================================================================
// PERIOD
// =============================================================================

func TestParsePeriod(t *testing.T) {
	tests := []struct {
		in   string
		want tax.Period
	}{
		{"2025", tax.Annual(2025)},
		{"2025-Q4", tax.Quarter(2025, 4)},
		{"2025-q1", tax.Quarter(2025, 1)},
		{"2025-M03", tax.Month(2025, 3)},
		{"2025-12", tax.Month(2025, 12)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := tax.ParsePeriod(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePeriod_Malformed(t *testing.T) {
	for _, in := range []string{"", "25", "2025-Q5", "2025-M13", "2025-M00", "abcd"} {
		_, err := tax.ParsePeriod(in)
		assert.ErrorIs(t, err, tax.ErrInvalidInput, in)
	}
}

func TestPeriod_Bounds(t *testing.T) {
	feb := tax.Month(2024, 2)
	assert.Equal(t, tax.Date(2024, time.February, 1), feb.Start())
	assert.Equal(t, tax.Date(2024, time.February, 29), feb.End())

	q4 := tax.Quarter(2025, 4)
	assert.Equal(t, tax.Date(2025, time.October, 1), q4.Start())
	assert.Equal(t, tax.Date(2025, time.December, 31), q4.End())
	assert.Equal(t, 12, q4.MonthsElapsed())

	assert.Equal(t, "2025-M03", tax.Month(2025, 3).String())
	assert.Equal(t, "2025", tax.Annual(2025).String())
}

// =============================================================================
// RULE ENTRIES
// =============================================================================

func TestRuleEntry_CoversAndOverlaps(t *testing.T) {
	end := tax.Date(2024, time.December, 31)
	old := tax.RuleEntry{EffectiveFrom: tax.Date(2022, time.January, 1), EffectiveTo: &end}
	open := tax.RuleEntry{EffectiveFrom: tax.Date(2025, time.January, 1)}

	assert.True(t, old.Covers(end), "upper bound is inclusive")
	assert.False(t, old.Covers(tax.Date(2025, time.January, 1)))
	assert.True(t, open.Covers(tax.Date(2099, time.June, 1)))
	assert.False(t, old.Overlaps(open))

	clash := tax.RuleEntry{EffectiveFrom: tax.Date(2024, time.July, 1)}
	assert.True(t, clash.Overlaps(old))
	assert.True(t, clash.Overlaps(open))
}

func TestRuleEntry_ValidateRate(t *testing.T) {
	r := tax.RuleEntry{
		Regime:        tax.RegimeCorporateStandard,
		Code:          tax.CodeRate,
		Value:         dec("1.5"),
		EffectiveFrom: tax.Date(2025, time.January, 1),
	}
	assert.ErrorIs(t, r.Validate(), tax.ErrInvalidInput)

	r.Value = dec("0.19")
	assert.NoError(t, r.Validate())
}

func TestBracketSet_Validate(t *testing.T) {
	valid := tax.BracketSet{
		Brackets: []tax.Bracket{
			{Lower: dec("0"), Upper: decPtr("120000"), Rate: dec("0.12")},
			{Lower: dec("120000"), Rate: dec("0.32")},
		},
		Allowance: tax.Allowance{Nominal: dec("30000")},
	}
	require.NoError(t, valid.Validate())

	gap := valid
	gap.Brackets = []tax.Bracket{
		{Lower: dec("0"), Upper: decPtr("100000"), Rate: dec("0.12")},
		{Lower: dec("120000"), Rate: dec("0.32")},
	}
	assert.ErrorIs(t, gap.Validate(), tax.ErrInvalidInput)

	unboundedMiddle := valid
	unboundedMiddle.Brackets = []tax.Bracket{
		{Lower: dec("0"), Rate: dec("0.12")},
		{Lower: dec("120000"), Rate: dec("0.32")},
	}
	assert.ErrorIs(t, unboundedMiddle.Validate(), tax.ErrInvalidInput)

	halfDegression := valid
	halfDegression.Allowance = tax.Allowance{Nominal: dec("30000"), DegressionStart: decPtr("120000")}
	assert.ErrorIs(t, halfDegression.Validate(), tax.ErrInvalidInput)
}

// =============================================================================
// ERRORS
// =============================================================================

func TestErrorClassification(t *testing.T) {
	assert.True(t, tax.IsClientError(tax.ErrInvalidAmount))
	assert.True(t, errors.Is(tax.ErrInvalidAmount, tax.ErrInvalidInput))

	notFound := &tax.RuleNotFoundError{Regime: tax.RegimePersonalFlat, Code: tax.CodeRate, AsOf: tax.Date(2020, 1, 1)}
	assert.True(t, tax.IsNotFound(notFound))

	persist := tax.Persistence("commit", errors.New("disk full"))
	assert.True(t, tax.IsRetryable(persist))
	assert.ErrorIs(t, persist, tax.ErrPersistenceFailure)

	// Taxonomy errors pass through unchanged.
	assert.Equal(t, tax.ErrLossAllocationConflict, tax.Persistence("commit", tax.ErrLossAllocationConflict))

	wrapped := &tax.CalculationError{
		Op: "calculate", TaxpayerID: "tp-1", Regime: tax.RegimeCorporateStandard,
		Period: tax.Annual(2025), Err: notFound,
	}
	assert.ErrorIs(t, wrapped, tax.ErrRuleNotFound)
	assert.Contains(t, wrapped.Error(), "tp-1")
	assert.Contains(t, wrapped.Error(), "2025")
}
