package rules_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/tax-engine/rules"
	"github.com/warp/tax-engine/tax"
)

func TestDefaults_ResolveAll(t *testing.T) {
	ctx := context.Background()
	cat, _ := newCatalog(t)
	defaults, err := rules.Defaults()
	require.NoError(t, err)
	_, err = cat.Seed(ctx, defaults)
	require.NoError(t, err)

	asOf := tax.Date(2025, time.December, 31)
	tests := []struct {
		regime tax.Regime
		code   tax.RuleCode
		want   string
	}{
		{tax.RegimeCorporateStandard, tax.CodeRate, "0.19"},
		{tax.RegimeCorporateSmall, tax.CodeSmallRate, "0.09"},
		{tax.RegimePersonalFlat, tax.CodeRate, "0.19"},
		{tax.RegimePersonalLumpSum, tax.CodeRate, "0.085"},
		{tax.RegimeEstonian, tax.CodeRate, "0.2"},
		{tax.RegimeEstonian, tax.CodeSmallRate, "0.1"},
		{tax.RegimeCorporateStandard, tax.CodeLossCap, "0.5"},
		{tax.RegimePersonalFlat, tax.CodeLossCarryForwardYears, "5"},
		{tax.RegimePersonalFlat, tax.CodeAdvanceDeadlineDay, "20"},
		{tax.RegimeCorporateStandard, tax.CodeAnnualFilingMonths, "3"},
		{tax.RegimePersonalFlat, tax.CodeAnnualFilingMonths, "4"},
	}
	for _, tt := range tests {
		t.Run(string(tt.regime)+"/"+string(tt.code), func(t *testing.T) {
			e, err := cat.Resolve(ctx, tt.regime, tt.code, asOf)
			require.NoError(t, err)
			assert.Equal(t, tt.want, e.Value.String())
		})
	}

	scale, err := cat.Resolve(ctx, tax.RegimePersonalProgressive, tax.CodeScale, asOf)
	require.NoError(t, err)
	require.NotNil(t, scale.Brackets)
	assert.Equal(t, "30000", scale.Brackets.Allowance.Nominal.String())
	assert.False(t, scale.Brackets.Allowance.Degressive())
	require.Len(t, scale.Brackets.Brackets, 2)
	assert.Equal(t, "14400.00", tax.FormatMoney(scale.Brackets.Brackets[1].BaseAmount))

	policy, err := cat.Resolve(ctx, tax.RegimeCorporateStandard, tax.CodeExpensePolicy, asOf)
	require.NoError(t, err)
	require.NotNil(t, policy.Expenses)
	assert.Equal(t, tax.DeductibleNone, policy.Expenses.Categories[tax.ExpenseRepresentation].Kind)
	assert.Equal(t, "0.75", policy.Expenses.Categories[tax.ExpenseVehicle].Share.String())
}

func TestDefaults_HistoricScaleIsDegressive(t *testing.T) {
	ctx := context.Background()
	cat, _ := newCatalog(t)
	defaults, err := rules.Defaults()
	require.NoError(t, err)
	_, err = cat.Seed(ctx, defaults)
	require.NoError(t, err)

	scale, err := cat.Resolve(ctx, tax.RegimePersonalProgressive, tax.CodeScale, tax.Date(2021, time.December, 31))
	require.NoError(t, err)
	assert.True(t, scale.Brackets.Allowance.Degressive())
	assert.Equal(t, "127000", scale.Brackets.Allowance.DegressionEnd.String())
}

func TestParseYAML_Invalid(t *testing.T) {
	tests := map[string]string{
		"unknown regime": `
rules:
  - {regime: martian, code: rate, value: "0.1", effective_from: "2025-01-01"}`,
		"bad date": `
rules:
  - {regime: personal_flat, code: rate, value: "0.1", effective_from: "01/01/2025"}`,
		"rate above one": `
rules:
  - {regime: personal_flat, code: rate, value: "1.1", effective_from: "2025-01-01"}`,
		"gap between brackets": `
rules:
  - regime: personal_progressive
    code: scale
    effective_from: "2025-01-01"
    scale:
      allowance: {nominal: "0"}
      brackets:
        - {lower: "0", upper: "100", rate: "0.1"}
        - {lower: "200", rate: "0.2"}`,
		"not yaml": "rules: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := rules.ParseYAML([]byte(doc))
			assert.ErrorIs(t, err, tax.ErrInvalidInput)
		})
	}
}

func TestLoadFile_JSONRoundTrip(t *testing.T) {
	// Given: a JSON rule set written to disk
	doc := `{"rules":[{"regime":"personal_progressive","code":"scale","effective_from":"2025-01-01",
		"scale":{"allowance":{"nominal":"30000","degression_start":"120000","degression_end":"200000"},
		"brackets":[{"lower":"0","upper":"120000","rate":"0.12"},{"lower":"120000","rate":"0.32"}]}}]}`
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	// When
	entries, err := rules.LoadFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// Then: the document form reproduces the entry
	back, err := rules.FromEntry(entries[0]).ToEntry()
	require.NoError(t, err)
	assert.Equal(t, "200000", back.Brackets.Allowance.DegressionEnd.String())
	assert.Equal(t, entries[0].EffectiveFrom, back.EffectiveFrom)
}
