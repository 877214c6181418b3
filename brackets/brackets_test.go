package brackets_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/tax-engine/brackets"
	"github.com/warp/tax-engine/tax"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func money(d decimal.Decimal) string { return tax.FormatMoney(d) }

// scale2025: allowance 30,000; 0-120,000 at 12%; above at 32%.
func scale2025() tax.BracketSet {
	return tax.BracketSet{
		Brackets: []tax.Bracket{
			{Label: "first", Lower: dec("0"), Upper: decPtr("120000"), Rate: dec("0.12")},
			{Label: "second", Lower: dec("120000"), Rate: dec("0.32")},
		},
		Allowance: tax.Allowance{Nominal: dec("30000")},
	}
}

func degressive() tax.BracketSet {
	s := scale2025()
	s.Allowance.DegressionStart = decPtr("120000")
	s.Allowance.DegressionEnd = decPtr("200000")
	return s
}

// =============================================================================
// PROGRESSIVE
// =============================================================================

func TestProgressive_Scenario170k(t *testing.T) {
	res := brackets.Progressive(dec("170000"), scale2025())

	assert.Equal(t, "26800.00", money(res.Tax))
	assert.Equal(t, "30000.00", money(res.Allowance))
	assert.Equal(t, "140000.00", money(res.TaxableBase))

	require.Len(t, res.Lines, 3)
	assert.Equal(t, brackets.AllowanceLabel, res.Lines[0].Label)
	assert.Equal(t, "30000.00", money(res.Lines[0].IncomeInBracket))
	assert.Equal(t, "90000.00", money(res.Lines[1].IncomeInBracket))
	assert.Equal(t, "10800.00", money(res.Lines[1].Tax))
	assert.Equal(t, "50000.00", money(res.Lines[2].IncomeInBracket))
	assert.Equal(t, "16000.00", money(res.Lines[2].Tax))
}

func TestProgressive_BreakdownSumsToTotal(t *testing.T) {
	for _, income := range []string{"0", "12345.67", "30000", "119999.99", "120000.01", "987654.32"} {
		res := brackets.Progressive(dec(income), degressive())
		sum := decimal.Zero
		for _, l := range res.Lines {
			sum = sum.Add(l.Tax)
		}
		assert.True(t, sum.Equal(res.Tax), "income %s: lines %s, total %s", income, sum, res.Tax)
	}
}

func TestProgressive_ZeroAtOrBelowAllowance(t *testing.T) {
	for _, income := range []string{"-5000", "0", "1", "29999.99", "30000"} {
		res := brackets.Progressive(dec(income), scale2025())
		assert.True(t, res.Tax.IsZero(), "income %s taxed %s", income, res.Tax)
	}
}

func TestProgressive_Monotonic(t *testing.T) {
	prev := decimal.Zero
	for i := int64(0); i <= 300; i++ {
		income := decimal.NewFromInt(i * 1000)
		res := brackets.Progressive(income, scale2025())
		assert.True(t, res.Tax.GreaterThanOrEqual(prev), "tax fell at %s", income)
		prev = res.Tax
	}
}

func TestEffectiveAllowance_Degression(t *testing.T) {
	set := degressive()
	tests := []struct {
		income string
		want   string
	}{
		{"100000", "30000.00"},
		{"120000", "30000.00"},
		{"120001", "29999.63"}, // 30000 x 79999/80000 = 29999.625
		{"160000", "15000.00"},
		{"200000", "0.00"},
		{"250000", "0.00"},
	}
	for _, tt := range tests {
		t.Run(tt.income, func(t *testing.T) {
			got := brackets.EffectiveAllowance(dec(tt.income), set.Allowance)
			assert.Equal(t, tt.want, money(got))
		})
	}
}

func TestProgressive_WithDegression(t *testing.T) {
	// Given: income in the middle of the degression band
	res := brackets.Progressive(dec("160000"), degressive())

	// Then: allowance halves, bracket slices shift accordingly
	assert.Equal(t, "15000.00", money(res.Allowance))
	assert.Equal(t, "105000.00", money(res.Lines[1].IncomeInBracket))
	assert.Equal(t, "12600.00", money(res.Lines[1].Tax))
	assert.Equal(t, "12800.00", money(res.Lines[2].Tax))
	assert.Equal(t, "25400.00", money(res.Tax))
}

func TestProgressive_NoDegressionKeepsFullAllowance(t *testing.T) {
	res := brackets.Progressive(dec("5000000"), scale2025())
	assert.Equal(t, "30000.00", money(res.Allowance))
}

// =============================================================================
// JOINT
// =============================================================================

func TestJoint_OneIncomeZero(t *testing.T) {
	set := scale2025()
	joint := brackets.Joint(dec("100000"), dec("0"), set)
	half := brackets.Progressive(dec("50000"), set)

	assert.True(t, joint.Tax.Equal(half.Tax.Mul(decimal.NewFromInt(2))))
	assert.Equal(t, "4800.00", money(joint.Tax))

	single := brackets.Progressive(dec("100000"), set)
	assert.Equal(t, "8400.00", money(single.Tax))
	assert.True(t, joint.Tax.LessThan(single.Tax))
}

func TestJoint_EqualsDoubledThresholds(t *testing.T) {
	// 2 x T((A+B)/2) == tax on A+B with thresholds and allowance doubled
	doubled := tax.BracketSet{
		Brackets: []tax.Bracket{
			{Lower: dec("0"), Upper: decPtr("240000"), Rate: dec("0.12")},
			{Lower: dec("240000"), Rate: dec("0.32")},
		},
		Allowance: tax.Allowance{Nominal: dec("60000")},
	}
	joint := brackets.Joint(dec("300000"), dec("60000"), scale2025())
	direct := brackets.Progressive(dec("360000"), doubled)
	assert.Equal(t, money(direct.Tax), money(joint.Tax))
}

func TestJoint_LinesLabelDoubledThresholds(t *testing.T) {
	// Given: a set with one named and one unnamed bracket
	set := scale2025()
	set.Brackets[1].Label = ""

	// When: splitting 300,000 + 60,000
	joint := brackets.Joint(dec("300000"), dec("60000"), set)

	// Then: labels and amounts both describe the combined income
	require.Len(t, joint.Lines, 3)
	assert.Equal(t, brackets.AllowanceLabel+" (joint)", joint.Lines[0].Label)
	assert.Equal(t, "60000.00", money(joint.Lines[0].IncomeInBracket))
	assert.Equal(t, "first (joint, 0.00-240000.00)", joint.Lines[1].Label)
	assert.Equal(t, "180000.00", money(joint.Lines[1].IncomeInBracket))
	assert.Equal(t, "240000.00+ (joint)", joint.Lines[2].Label)
	assert.Equal(t, "120000.00", money(joint.Lines[2].IncomeInBracket))
}

// =============================================================================
// FLAT
// =============================================================================

func TestFlat(t *testing.T) {
	tests := []struct {
		income, rate, want string
	}{
		{"150000", "0.19", "28500.00"},
		{"150000", "0.09", "13500.00"},
		{"1000.05", "0.085", "85.00"}, // 85.00425
		{"-100", "0.19", "0.00"},
	}
	for _, tt := range tests {
		res := brackets.Flat(dec(tt.income), dec(tt.rate))
		assert.Equal(t, tt.want, money(res.Tax), "%s at %s", tt.income, tt.rate)
		require.Len(t, res.Lines, 1)
		assert.True(t, res.Lines[0].Tax.Equal(res.Tax))
	}
}
