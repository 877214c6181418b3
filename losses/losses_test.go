package losses_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/tax-engine/losses"
	"github.com/warp/tax-engine/store/memory"
	"github.com/warp/tax-engine/tax"
)

const taxpayer = tax.TaxpayerID("tp-1")

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func money(d decimal.Decimal) string { return tax.FormatMoney(d) }

func fixedClock() time.Time { return time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC) }

func record(t *testing.T, l *losses.Ledger, s *memory.Memory, year int, amount string) tax.LossRecord {
	t.Helper()
	var rec tax.LossRecord
	err := s.WithTx(context.Background(), func(tx tax.Store) error {
		var err error
		rec, err = l.Record(context.Background(), tx, losses.RecordInput{
			TaxpayerID:        taxpayer,
			Regime:            tax.RegimeCorporateStandard,
			OriginYear:        year,
			Amount:            dec(amount),
			CarryForwardYears: 5,
		})
		return err
	})
	require.NoError(t, err)
	return rec
}

// =============================================================================
// PLAN (pure)
// =============================================================================

func TestPlan_CapLimitsDeduction(t *testing.T) {
	// Given: an 80,000 loss from 2024 and 150,000 gross income in 2025
	recs := []tax.LossRecord{{
		ID: "l1", Seq: 1, OriginYear: 2024, Original: dec("80000"), Remaining: dec("80000"),
		ExpirationYear: 2029, Status: tax.LossActive,
	}}

	// When: planning under a 50% cap
	alloc := losses.Plan(recs, 2025, dec("150000"), dec("0.5"))

	// Then: 75,000 deducted, 5,000 left on the record
	assert.Equal(t, "75000.00", money(alloc.Cap))
	assert.Equal(t, "75000.00", money(alloc.Total))
	require.Len(t, alloc.Items, 1)
	assert.Equal(t, "5000.00", money(alloc.Items[0].Loss.Remaining.Sub(alloc.Items[0].Amount)))
}

func TestPlan_FIFOByOriginYearThenSequence(t *testing.T) {
	recs := []tax.LossRecord{
		{ID: "late", Seq: 1, OriginYear: 2023, Original: dec("10000"), Remaining: dec("10000"), ExpirationYear: 2028, Status: tax.LossActive},
		{ID: "second", Seq: 3, OriginYear: 2021, Original: dec("10000"), Remaining: dec("10000"), ExpirationYear: 2026, Status: tax.LossActive},
		{ID: "first", Seq: 2, OriginYear: 2021, Original: dec("10000"), Remaining: dec("4000"), ExpirationYear: 2026, Status: tax.LossActive},
	}

	// Given: a 15,000 cap (30,000 at 50%) across 24,000 of remaining losses
	// When: planning
	alloc := losses.Plan(recs, 2025, dec("30000"), dec("0.5"))

	// Then: 2021 losses drain in sequence order and 2023 takes the rest
	require.Len(t, alloc.Items, 3)
	assert.Equal(t, "first", alloc.Items[0].Loss.ID)
	assert.Equal(t, "4000.00", money(alloc.Items[0].Amount))
	assert.Equal(t, "second", alloc.Items[1].Loss.ID)
	assert.Equal(t, "10000.00", money(alloc.Items[1].Amount))
	assert.Equal(t, "late", alloc.Items[2].Loss.ID)
	assert.Equal(t, "1000.00", money(alloc.Items[2].Amount))
	assert.Equal(t, "15000.00", money(alloc.Cap))
	assert.Equal(t, "15000.00", money(alloc.Total))
}

func TestPlan_NeverExceedsCapOrRemaining(t *testing.T) {
	recs := []tax.LossRecord{
		{ID: "a", Seq: 1, OriginYear: 2022, Original: dec("500"), Remaining: dec("333.33"), ExpirationYear: 2027, Status: tax.LossActive},
		{ID: "b", Seq: 2, OriginYear: 2023, Original: dec("1000000"), Remaining: dec("1000000"), ExpirationYear: 2028, Status: tax.LossActive},
	}
	for _, income := range []string{"0.01", "100", "667", "123456.78", "9999999"} {
		alloc := losses.Plan(recs, 2025, dec(income), dec("0.5"))
		assert.True(t, alloc.Total.LessThanOrEqual(alloc.Cap), "income %s", income)
		for _, it := range alloc.Items {
			assert.True(t, it.Amount.LessThanOrEqual(it.Loss.Remaining))
			assert.True(t, it.Amount.IsPositive())
		}
	}
}

func TestPlan_SkipsInactive(t *testing.T) {
	recs := []tax.LossRecord{
		{ID: "same-year", OriginYear: 2025, Original: dec("100"), Remaining: dec("100"), ExpirationYear: 2030, Status: tax.LossActive},
		{ID: "expired", OriginYear: 2019, Original: dec("100"), Remaining: dec("100"), ExpirationYear: 2024, Status: tax.LossActive},
		{ID: "consumed", OriginYear: 2022, Original: dec("100"), Remaining: dec("0"), ExpirationYear: 2027, Status: tax.LossConsumed},
		{ID: "superseded", OriginYear: 2022, Original: dec("100"), Remaining: dec("100"), ExpirationYear: 2027, Status: tax.LossSuperseded},
	}
	alloc := losses.Plan(recs, 2025, dec("10000"), dec("0.5"))
	assert.True(t, alloc.Empty())
	assert.Equal(t, losses.NoteNoBalance, alloc.Note)
}

func TestPlan_NoIncome(t *testing.T) {
	recs := []tax.LossRecord{{ID: "a", OriginYear: 2022, Original: dec("100"), Remaining: dec("100"), ExpirationYear: 2027, Status: tax.LossActive}}
	alloc := losses.Plan(recs, 2025, dec("-50"), dec("0.5"))
	assert.True(t, alloc.Empty())
	assert.Equal(t, losses.NoteNoIncome, alloc.Note)
}

func TestRestoreView(t *testing.T) {
	recs := []tax.LossRecord{{ID: "a", OriginYear: 2022, Original: dec("1000"), Remaining: dec("0"), ExpirationYear: 2027, Status: tax.LossConsumed}}
	apps := []tax.LossApplication{{LossID: "a", Kind: tax.ApplicationApplied, Amount: dec("600")}}

	view := losses.RestoreView(recs, apps)

	assert.Equal(t, "600.00", money(view[0].Remaining))
	assert.Equal(t, tax.LossActive, view[0].Status)
	assert.Equal(t, tax.LossConsumed, recs[0].Status, "input untouched")
}

// =============================================================================
// LEDGER (store-backed)
// =============================================================================

func TestLedger_RecordRejectsNonPositive(t *testing.T) {
	s := memory.New()
	l := losses.NewLedger(fixedClock)
	for _, amount := range []string{"0", "-1"} {
		err := s.WithTx(context.Background(), func(tx tax.Store) error {
			_, err := l.Record(context.Background(), tx, losses.RecordInput{
				TaxpayerID: taxpayer, Regime: tax.RegimeCorporateStandard,
				OriginYear: 2024, Amount: dec(amount), CarryForwardYears: 5,
			})
			return err
		})
		assert.ErrorIs(t, err, tax.ErrInvalidAmount)
	}
}

func TestLedger_ApplyAndReverse(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	l := losses.NewLedger(fixedClock)
	rec := record(t, l, s, 2024, "80000")
	assert.Equal(t, 2029, rec.ExpirationYear)

	// When: applying against 150,000 of 2025 income
	var apps []tax.LossApplication
	err := s.WithTx(ctx, func(tx tax.Store) error {
		var err error
		_, apps, err = l.Apply(ctx, tx, losses.ApplyInput{
			TaxpayerID: taxpayer, Regime: tax.RegimeCorporateStandard,
			Year: 2025, Income: dec("150000"), CapPct: dec("0.5"), CalculationID: "calc-1",
		})
		return err
	})
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, "80000.00", money(apps[0].RemainingBefore))
	assert.Equal(t, "5000.00", money(apps[0].RemainingAfter))

	got, err := s.GetLoss(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "5000.00", money(got.Remaining))
	assert.Equal(t, 2, got.Version)

	// When: the calculation is superseded
	err = s.WithTx(ctx, func(tx tax.Store) error {
		_, err := l.Reverse(ctx, tx, "calc-1", "calc-2")
		return err
	})
	require.NoError(t, err)

	// Then: the balance is restored and both applications remain
	got, err = s.GetLoss(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "80000.00", money(got.Remaining))
	history, err := s.ApplicationsForLoss(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, tax.ApplicationReversed, history[1].Kind)

	// A second reversal is rejected and leaves nothing behind
	err = s.WithTx(ctx, func(tx tax.Store) error {
		_, err := l.Reverse(ctx, tx, "calc-1", "calc-3")
		return err
	})
	assert.ErrorIs(t, err, tax.ErrDuplicateApplication)
	got, err = s.GetLoss(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "80000.00", money(got.Remaining))
}

func TestLedger_ConsumedStatus(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	l := losses.NewLedger(fixedClock)
	rec := record(t, l, s, 2023, "1000")

	err := s.WithTx(ctx, func(tx tax.Store) error {
		_, _, err := l.Apply(ctx, tx, losses.ApplyInput{
			TaxpayerID: taxpayer, Regime: tax.RegimeCorporateStandard,
			Year: 2024, Income: dec("50000"), CapPct: dec("0.5"), CalculationID: "calc-1",
		})
		return err
	})
	require.NoError(t, err)

	got, err := s.GetLoss(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, tax.LossConsumed, got.Status)
	assert.True(t, got.Remaining.IsZero())
}

func TestLedger_StaleVersionConflicts(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	l := losses.NewLedger(fixedClock)
	rec := record(t, l, s, 2023, "1000")

	// Given: someone else updated the record
	fresh := rec
	fresh.Remaining = dec("900")
	require.NoError(t, s.UpdateLoss(ctx, fresh))

	// When: writing with the old version
	stale := rec
	stale.Remaining = dec("100")
	err := s.UpdateLoss(ctx, stale)

	// Then
	assert.ErrorIs(t, err, tax.ErrLossAllocationConflict)
	assert.True(t, tax.IsRetryable(err))
}

func TestLedger_ExpireBefore(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	l := losses.NewLedger(fixedClock)
	old := record(t, l, s, 2019, "500") // expires after 2024
	young := record(t, l, s, 2023, "700")

	var n int
	err := s.WithTx(ctx, func(tx tax.Store) error {
		var err error
		n, err = l.ExpireBefore(ctx, tx, 2025)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetLoss(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, tax.LossExpired, got.Status)
	assert.Equal(t, "500.00", money(got.Remaining), "history kept")

	bal, err := l.Balance(ctx, s, taxpayer, tax.RegimeCorporateStandard, 2025)
	require.NoError(t, err)
	require.Len(t, bal.Records, 1)
	assert.Equal(t, young.ID, bal.Records[0].ID)
	assert.Equal(t, "700.00", money(bal.Total))
}

func TestLedger_RetireSource(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	l := losses.NewLedger(fixedClock)

	var rec tax.LossRecord
	require.NoError(t, s.WithTx(ctx, func(tx tax.Store) error {
		var err error
		rec, err = l.Record(ctx, tx, losses.RecordInput{
			TaxpayerID: taxpayer, Regime: tax.RegimeCorporateStandard, OriginYear: 2024,
			Amount: dec("1000"), CarryForwardYears: 5, SourceCalculationID: "calc-2024",
		})
		return err
	}))

	require.NoError(t, s.WithTx(ctx, func(tx tax.Store) error {
		return l.RetireSource(ctx, tx, "calc-2024", "calc-2024b")
	}))

	got, err := s.GetLoss(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, tax.LossSuperseded, got.Status)
}

func TestLedger_RetireSourceRefusesConsumedLoss(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	l := losses.NewLedger(fixedClock)

	require.NoError(t, s.WithTx(ctx, func(tx tax.Store) error {
		_, err := l.Record(ctx, tx, losses.RecordInput{
			TaxpayerID: taxpayer, Regime: tax.RegimeCorporateStandard, OriginYear: 2024,
			Amount: dec("1000"), CarryForwardYears: 5, SourceCalculationID: "calc-2024",
		})
		if err != nil {
			return err
		}
		_, _, err = l.Apply(ctx, tx, losses.ApplyInput{
			TaxpayerID: taxpayer, Regime: tax.RegimeCorporateStandard,
			Year: 2025, Income: dec("1000"), CapPct: dec("0.5"), CalculationID: "calc-2025",
		})
		return err
	}))

	err := s.WithTx(ctx, func(tx tax.Store) error {
		return l.RetireSource(ctx, tx, "calc-2024", "calc-2024b")
	})
	assert.ErrorIs(t, err, tax.ErrInvalidInput)
}
