package losses

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/tax-engine/tax"
)

// =============================================================================
// LEDGER - Store-backed loss operations
// =============================================================================

// Ledger performs loss operations against a store. Every method takes the
// store explicitly so callers can pass a transaction view; the ledger itself
// holds no state besides its clock.
type Ledger struct {
	now func() time.Time
}

// NewLedger creates a ledger. A nil clock defaults to time.Now.
func NewLedger(now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{now: now}
}

// RecordInput describes a new loss.
type RecordInput struct {
	TaxpayerID          tax.TaxpayerID
	Regime              tax.Regime
	OriginYear          int
	Amount              decimal.Decimal
	CarryForwardYears   int
	SourceCalculationID string
}

// Record creates a loss record with ExpirationYear = OriginYear + window.
func (l *Ledger) Record(ctx context.Context, s tax.Store, in RecordInput) (tax.LossRecord, error) {
	amount := tax.Round(in.Amount)
	if !amount.IsPositive() {
		return tax.LossRecord{}, tax.ErrInvalidAmount
	}
	if in.CarryForwardYears <= 0 {
		return tax.LossRecord{}, &tax.InputError{Field: "carry_forward_years", Reason: "must be positive"}
	}

	rec := tax.LossRecord{
		ID:                  uuid.NewString(),
		TaxpayerID:          in.TaxpayerID,
		Regime:              in.Regime,
		OriginYear:          in.OriginYear,
		Original:            amount,
		Remaining:           amount,
		ExpirationYear:      in.OriginYear + in.CarryForwardYears,
		Status:              tax.LossActive,
		SourceCalculationID: in.SourceCalculationID,
		Version:             1,
		CreatedAt:           l.now(),
	}
	if err := s.InsertLoss(ctx, &rec); err != nil {
		return tax.LossRecord{}, err
	}

	err := s.AppendAudit(ctx, tax.AuditEntry{
		ID:            uuid.NewString(),
		At:            rec.CreatedAt,
		Action:        tax.AuditLossRecorded,
		TaxpayerID:    rec.TaxpayerID,
		Regime:        rec.Regime,
		Period:        strconv.Itoa(rec.OriginYear),
		CalculationID: rec.SourceCalculationID,
		LossID:        rec.ID,
		Before:        decimal.Zero,
		After:         rec.Remaining,
		Payload:       map[string]string{"expiration_year": strconv.Itoa(rec.ExpirationYear)},
	})
	return rec, err
}

// ApplyInput describes an allocation to persist.
type ApplyInput struct {
	TaxpayerID    tax.TaxpayerID
	Regime        tax.Regime
	Year          int
	Income        decimal.Decimal
	CapPct        decimal.Decimal
	CalculationID string
}

// Apply plans against the current store view and persists the result:
// one versioned update and one applied LossApplication per consumed record.
func (l *Ledger) Apply(ctx context.Context, s tax.Store, in ApplyInput) (Allocation, []tax.LossApplication, error) {
	records, err := s.LossesFor(ctx, in.TaxpayerID, in.Regime)
	if err != nil {
		return Allocation{}, nil, err
	}
	alloc := Plan(records, in.Year, in.Income, in.CapPct)
	if alloc.Empty() {
		return alloc, nil, nil
	}

	at := l.now()
	apps := make([]tax.LossApplication, 0, len(alloc.Items))
	for _, item := range alloc.Items {
		rec := item.Loss
		after := rec.Remaining.Sub(item.Amount)
		status := tax.LossActive
		if after.IsZero() {
			status = tax.LossConsumed
		}

		updated := rec
		updated.Remaining = after
		updated.Status = status
		if err := s.UpdateLoss(ctx, updated); err != nil {
			return Allocation{}, nil, err
		}

		apps = append(apps, tax.LossApplication{
			ID:              uuid.NewString(),
			LossID:          rec.ID,
			CalculationID:   in.CalculationID,
			Kind:            tax.ApplicationApplied,
			OriginYear:      rec.OriginYear,
			Amount:          item.Amount,
			RemainingBefore: rec.Remaining,
			RemainingAfter:  after,
			CreatedAt:       at,
		})
	}
	if err := s.InsertApplications(ctx, apps); err != nil {
		return Allocation{}, nil, err
	}

	for _, a := range apps {
		if err := s.AppendAudit(ctx, l.applicationAudit(a, tax.AuditLossApplied, in.TaxpayerID, in.Regime, in.Year, nil)); err != nil {
			return Allocation{}, nil, err
		}
	}
	return alloc, apps, nil
}

// Reverse restores every amount consumed by calculationID. The reversing
// applications reference the original calculation so a second reversal is
// rejected with ErrDuplicateApplication.
func (l *Ledger) Reverse(ctx context.Context, s tax.Store, calculationID, reversedBy string) ([]tax.LossApplication, error) {
	applied, err := s.ApplicationsFor(ctx, calculationID)
	if err != nil {
		return nil, err
	}

	at := l.now()
	var reversals []tax.LossApplication
	for _, a := range applied {
		if a.Kind != tax.ApplicationApplied {
			continue
		}
		rec, err := s.GetLoss(ctx, a.LossID)
		if err != nil {
			return nil, err
		}

		after := decimal.Min(rec.Original, rec.Remaining.Add(a.Amount))
		updated := rec
		updated.Remaining = after
		if rec.Status == tax.LossConsumed {
			updated.Status = tax.LossActive
		}
		if err := s.UpdateLoss(ctx, updated); err != nil {
			return nil, err
		}

		reversals = append(reversals, tax.LossApplication{
			ID:              uuid.NewString(),
			LossID:          rec.ID,
			CalculationID:   calculationID,
			Kind:            tax.ApplicationReversed,
			OriginYear:      rec.OriginYear,
			Amount:          a.Amount,
			RemainingBefore: rec.Remaining,
			RemainingAfter:  after,
			CreatedAt:       at,
		})
	}
	if len(reversals) == 0 {
		return nil, nil
	}
	if err := s.InsertApplications(ctx, reversals); err != nil {
		return nil, err
	}

	for _, a := range reversals {
		rec, err := s.GetLoss(ctx, a.LossID)
		if err != nil {
			return nil, err
		}
		extra := map[string]string{"reversed_by": reversedBy}
		if err := s.AppendAudit(ctx, l.applicationAudit(a, tax.AuditLossReversed, rec.TaxpayerID, rec.Regime, 0, extra)); err != nil {
			return nil, err
		}
	}
	return reversals, nil
}

// RetireSource marks the losses originated by calculationID as superseded.
// A loss that has already offset later income cannot be retired; the
// consuming periods must be recalculated first.
func (l *Ledger) RetireSource(ctx context.Context, s tax.Store, calculationID, supersededBy string) error {
	recs, err := s.LossesBySource(ctx, calculationID)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Status == tax.LossSuperseded {
			continue
		}
		if !rec.Remaining.Equal(rec.Original) {
			return fmt.Errorf("%w: loss %s from %d has already offset %s of later income; recalculate those periods first",
				tax.ErrInvalidInput, rec.ID, rec.OriginYear, tax.FormatMoney(rec.Original.Sub(rec.Remaining)))
		}

		updated := rec
		updated.Status = tax.LossSuperseded
		if err := s.UpdateLoss(ctx, updated); err != nil {
			return err
		}
		if err := s.AppendAudit(ctx, tax.AuditEntry{
			ID:            uuid.NewString(),
			At:            l.now(),
			Action:        tax.AuditLossSuperseded,
			TaxpayerID:    rec.TaxpayerID,
			Regime:        rec.Regime,
			Period:        strconv.Itoa(rec.OriginYear),
			CalculationID: calculationID,
			LossID:        rec.ID,
			Before:        rec.Remaining,
			After:         decimal.Zero,
			Payload:       map[string]string{"superseded_by": supersededBy},
		}); err != nil {
			return err
		}
	}
	return nil
}

// ExpireBefore marks active records whose ExpirationYear is before year as
// expired. Records are kept for history. Returns the number expired.
func (l *Ledger) ExpireBefore(ctx context.Context, s tax.Store, year int) (int, error) {
	recs, err := s.ActiveLossesExpiringBefore(ctx, year)
	if err != nil {
		return 0, err
	}
	for _, rec := range recs {
		updated := rec
		updated.Status = tax.LossExpired
		if err := s.UpdateLoss(ctx, updated); err != nil {
			return 0, err
		}
		if err := s.AppendAudit(ctx, tax.AuditEntry{
			ID:         uuid.NewString(),
			At:         l.now(),
			Action:     tax.AuditLossExpired,
			TaxpayerID: rec.TaxpayerID,
			Regime:     rec.Regime,
			Period:     strconv.Itoa(rec.OriginYear),
			LossID:     rec.ID,
			Before:     rec.Remaining,
			After:      rec.Remaining,
			Payload:    map[string]string{"expiration_year": strconv.Itoa(rec.ExpirationYear)},
		}); err != nil {
			return 0, err
		}
	}
	return len(recs), nil
}

// BalanceView is the usable loss balance of a taxpayer in a year.
type BalanceView struct {
	Records []tax.LossRecord
	Total   decimal.Decimal
}

// Balance returns the records usable in year and their total remaining.
func (l *Ledger) Balance(ctx context.Context, s tax.LossStore, taxpayer tax.TaxpayerID, regime tax.Regime, year int) (BalanceView, error) {
	records, err := s.LossesFor(ctx, taxpayer, regime)
	if err != nil {
		return BalanceView{}, err
	}
	view := BalanceView{Records: ActiveIn(records, year), Total: decimal.Zero}
	for _, r := range view.Records {
		view.Total = view.Total.Add(r.Remaining)
	}
	return view, nil
}

func (l *Ledger) applicationAudit(a tax.LossApplication, action tax.AuditAction, taxpayer tax.TaxpayerID, regime tax.Regime, year int, extra map[string]string) tax.AuditEntry {
	payload := map[string]string{
		"amount":      tax.FormatMoney(a.Amount),
		"origin_year": strconv.Itoa(a.OriginYear),
	}
	for k, v := range extra {
		payload[k] = v
	}
	e := tax.AuditEntry{
		ID:            uuid.NewString(),
		At:            a.CreatedAt,
		Action:        action,
		TaxpayerID:    taxpayer,
		Regime:        regime,
		CalculationID: a.CalculationID,
		LossID:        a.LossID,
		Before:        a.RemainingBefore,
		After:         a.RemainingAfter,
		Payload:       payload,
	}
	if year > 0 {
		e.Period = strconv.Itoa(year)
	}
	return e
}
