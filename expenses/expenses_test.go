package expenses_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/tax-engine/expenses"
	"github.com/warp/tax-engine/tax"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func policy() tax.ExpensePolicy {
	return tax.ExpensePolicy{Categories: map[tax.ExpenseCategory]tax.CategoryPolicy{
		tax.ExpenseRepresentation: {Kind: tax.DeductibleNone, LegalBasis: "art. 16(1)(28)"},
		tax.ExpenseVehicle:        {Kind: tax.DeductiblePartial, Share: dec("0.75"), LegalBasis: "art. 16(1)(51)"},
	}}
}

func TestClassify_NonDeductible(t *testing.T) {
	line := expenses.Classify(tax.Expense{Category: tax.ExpenseRepresentation, Amount: dec("2500")}, policy())

	assert.False(t, line.Deductible)
	assert.True(t, line.DeductibleAmount.IsZero())
	assert.Equal(t, "2500.00", tax.FormatMoney(line.NonDeductibleAmount))
	assert.Equal(t, "art. 16(1)(28)", line.LegalBasis)
	assert.NotEmpty(t, line.Reason)
}

func TestClassify_Partial(t *testing.T) {
	line := expenses.Classify(tax.Expense{Category: tax.ExpenseVehicle, Amount: dec("1000.01")}, policy())

	assert.True(t, line.Deductible)
	assert.Equal(t, "750.01", tax.FormatMoney(line.DeductibleAmount)) // 750.0075
	assert.Equal(t, "250.00", tax.FormatMoney(line.NonDeductibleAmount))
	assert.True(t, line.DeductibleAmount.Add(line.NonDeductibleAmount).Equal(line.Amount))
}

func TestClassify_UnlistedIsFullyDeductible(t *testing.T) {
	line := expenses.Classify(tax.Expense{Category: tax.ExpenseGeneral, Amount: dec("99.99")}, policy())
	assert.True(t, line.Deductible)
	assert.Equal(t, "99.99", tax.FormatMoney(line.DeductibleAmount))
	assert.True(t, line.NonDeductibleAmount.IsZero())
}

func TestClassifyAll_Totals(t *testing.T) {
	items := []tax.Expense{
		{Category: tax.ExpenseGeneral, Amount: dec("300000")},
		{Category: tax.ExpenseRepresentation, Amount: dec("10000")},
		{Category: tax.ExpenseVehicle, Amount: dec("40000")},
	}
	lines, totals, err := expenses.ClassifyAll(items, policy())
	require.NoError(t, err)
	require.Len(t, lines, 3)

	assert.Equal(t, "350000.00", tax.FormatMoney(totals.Gross))
	assert.Equal(t, "330000.00", tax.FormatMoney(totals.Deductible))
	assert.Equal(t, "20000.00", tax.FormatMoney(totals.NonDeductible))
}

func TestClassifyAll_RejectsNegative(t *testing.T) {
	_, _, err := expenses.ClassifyAll([]tax.Expense{{Category: tax.ExpenseGeneral, Amount: dec("-1")}}, policy())
	assert.ErrorIs(t, err, tax.ErrInvalidInput)
}
