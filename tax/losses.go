package tax

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LOSS RECORD - A carried-forward negative result
// =============================================================================

// LossStatus tracks why a record is (in)active. Records are never deleted.
type LossStatus string

const (
	LossActive     LossStatus = "active"
	LossConsumed   LossStatus = "consumed"
	LossExpired    LossStatus = "expired"
	LossSuperseded LossStatus = "superseded" // originating calculation was recalculated
)

// LossRecord is a per-taxpayer, per-regime loss balance.
//
// INVARIANTS:
//   - 0 <= Remaining <= Original
//   - ExpirationYear = OriginYear + carry-forward window
//   - Mutated only by the loss ledger; Version increments on every write
type LossRecord struct {
	ID                  string
	Seq                 int64 // creation order, assigned by the store
	TaxpayerID          TaxpayerID
	Regime              Regime
	OriginYear          int
	Original            decimal.Decimal
	Remaining           decimal.Decimal
	ExpirationYear      int
	Status              LossStatus
	SourceCalculationID string // empty for manually entered losses
	Version             int
	CreatedAt           time.Time
}

// ActiveIn reports whether the record can offset income of the given year.
// A loss never offsets income of its own origin year.
func (l LossRecord) ActiveIn(year int) bool {
	return l.Status == LossActive &&
		l.Remaining.IsPositive() &&
		year > l.OriginYear &&
		year <= l.ExpirationYear
}

// ApplicationKind distinguishes consumption from its reversal.
type ApplicationKind string

const (
	ApplicationApplied  ApplicationKind = "applied"
	ApplicationReversed ApplicationKind = "reversed"
)

// LossApplication is the immutable join between a loss record and the
// calculation that consumed (or restored) part of it. One per
// (LossID, CalculationID, Kind).
type LossApplication struct {
	ID              string
	LossID          string
	CalculationID   string
	Kind            ApplicationKind
	OriginYear      int
	Amount          decimal.Decimal
	RemainingBefore decimal.Decimal
	RemainingAfter  decimal.Decimal
	CreatedAt       time.Time
}
