package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/tax-engine/tax"
)

func loss(id string, year int, amount int64) *tax.LossRecord {
	d := decimal.NewFromInt(amount)
	return &tax.LossRecord{
		ID:             id,
		TaxpayerID:     "acme",
		Regime:         tax.RegimeCorporateStandard,
		OriginYear:     year,
		Original:       d,
		Remaining:      d,
		ExpirationYear: year + 5,
		Status:         tax.LossActive,
		Version:        1,
	}
}

func TestWithTx_RollsBackEveryWrite(t *testing.T) {
	ctx := context.Background()
	m := New()
	require.NoError(t, m.InsertLoss(ctx, loss("keep", 2023, 100)))

	// Given: a transaction that writes a loss, an update and an audit entry
	// When: the callback fails
	boom := errors.New("boom")
	err := m.WithTx(ctx, func(s tax.Store) error {
		require.NoError(t, s.InsertLoss(ctx, loss("drop", 2024, 50)))
		rec, err := s.GetLoss(ctx, "keep")
		require.NoError(t, err)
		rec.Remaining = decimal.NewFromInt(10)
		require.NoError(t, s.UpdateLoss(ctx, rec))
		require.NoError(t, s.AppendAudit(ctx, tax.AuditEntry{ID: "a1", Action: tax.AuditLossApplied}))
		return boom
	})

	// Then: none of it is visible
	assert.ErrorIs(t, err, boom)
	recs, err := m.LossesFor(ctx, "acme", tax.RegimeCorporateStandard)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Remaining.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 1, recs[0].Version)

	audit, err := m.AuditEntries(ctx, tax.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, audit)
}

func TestLosses_FIFOOrderAndVersionCheck(t *testing.T) {
	ctx := context.Background()
	m := New()
	require.NoError(t, m.InsertLoss(ctx, loss("b", 2024, 10)))
	require.NoError(t, m.InsertLoss(ctx, loss("a", 2022, 10)))
	require.NoError(t, m.InsertLoss(ctx, loss("c", 2024, 10)))

	recs, err := m.LossesFor(ctx, "acme", tax.RegimeCorporateStandard)
	require.NoError(t, err)
	ids := []string{recs[0].ID, recs[1].ID, recs[2].ID}
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	stale := recs[0]
	fresh := recs[0]
	fresh.Remaining = decimal.NewFromInt(5)
	require.NoError(t, m.UpdateLoss(ctx, fresh))

	stale.Remaining = decimal.NewFromInt(1)
	assert.ErrorIs(t, m.UpdateLoss(ctx, stale), tax.ErrLossAllocationConflict)
}

func TestCalculations_OneCommittedPerKey(t *testing.T) {
	ctx := context.Background()
	m := New()
	rec := tax.CalculationRecord{
		ID:         "c1",
		TaxpayerID: "acme",
		Regime:     tax.RegimeCorporateStandard,
		Period:     tax.Annual(2025),
		Status:     tax.StatusCommitted,
	}
	require.NoError(t, m.InsertCalculation(ctx, rec))

	second := rec
	second.ID = "c2"
	assert.ErrorIs(t, m.InsertCalculation(ctx, second), tax.ErrLossAllocationConflict)

	require.NoError(t, m.SupersedeCalculation(ctx, "c1", "c2"))
	require.NoError(t, m.InsertCalculation(ctx, second))

	assert.ErrorIs(t, m.SupersedeCalculation(ctx, "c1", "c3"), tax.ErrInvalidState)

	history, err := m.CalculationsFor(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "c2", history[0].ID)
	assert.Equal(t, tax.StatusSuperseded, history[1].Status)
	assert.Equal(t, "c2", history[1].SupersededBy)
}

func TestApplications_DuplicateRejected(t *testing.T) {
	ctx := context.Background()
	m := New()
	app := tax.LossApplication{ID: "x1", LossID: "l1", CalculationID: "c1", Kind: tax.ApplicationApplied}
	require.NoError(t, m.InsertApplications(ctx, []tax.LossApplication{app}))

	dup := app
	dup.ID = "x2"
	assert.ErrorIs(t, m.InsertApplications(ctx, []tax.LossApplication{dup}), tax.ErrDuplicateApplication)

	reversal := dup
	reversal.Kind = tax.ApplicationReversed
	require.NoError(t, m.InsertApplications(ctx, []tax.LossApplication{reversal}))

	apps, err := m.ApplicationsFor(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, apps, 2)
}

func TestExpirationRuns_UpsertAndCompleted(t *testing.T) {
	ctx := context.Background()
	m := New()
	run := tax.ExpirationRun{ID: "r1", Year: 2026, Status: tax.RunRunning}
	require.NoError(t, m.SaveExpirationRun(ctx, run))

	done, err := m.ExpirationCompleted(ctx, 2026)
	require.NoError(t, err)
	assert.False(t, done)

	run.Status = tax.RunCompleted
	require.NoError(t, m.SaveExpirationRun(ctx, run))

	done, err = m.ExpirationCompleted(ctx, 2026)
	require.NoError(t, err)
	assert.True(t, done)

	runs, err := m.ExpirationRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
