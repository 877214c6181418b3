/*
Package losses is the loss ledger: the only writer of loss records.

PURPOSE:
  A negative annual result becomes a LossRecord that may offset income of
  later years, within a carry-forward window and under a percentage cap.
  This package records losses, allocates them against income, reverses
  allocations when a calculation is superseded and expires old balances.

ALLOCATION (FIFO UNDER CAP):
  cap       = round2(income x capPct)
  candidates = active records, ordered by (OriginYear, Seq)
  fold over candidates with accumulator left = cap:
      take  = min(left, record.Remaining)
      left -= take
  stop when left reaches zero.

  A loss never offsets income of its own origin year, never after its
  expiration year, and never beyond its remaining balance.

HISTORY:
  Records are never deleted. Every change is an optimistic versioned update
  plus an immutable LossApplication (applied or reversed), and an audit
  entry. A version mismatch surfaces as ErrLossAllocationConflict.

SEE ALSO:
  - ledger.go: Store-backed operations
  - tax/losses.go: LossRecord and LossApplication
*/
package losses

import (
	"sort"

	"github.com/shopspring/decimal"
	"github.com/warp/tax-engine/tax"
)

// Notes attached to empty allocations.
const (
	NoteNoIncome  = "no positive income to offset"
	NoteNoBalance = "no active loss balance"
	NoteZeroCap   = "loss cap is zero"
)

// Item is the share of one record consumed by an allocation.
type Item struct {
	Loss   tax.LossRecord
	Amount decimal.Decimal
}

// Allocation is the outcome of a FIFO plan.
type Allocation struct {
	Cap   decimal.Decimal
	Total decimal.Decimal
	Items []Item
	Note  string
}

// Empty reports whether nothing was allocated.
func (a Allocation) Empty() bool { return len(a.Items) == 0 }

// foldWhile folds xs left to right, stopping early once step reports done.
func foldWhile[T, A any](xs []T, acc A, step func(A, T) (A, bool)) A {
	for _, x := range xs {
		var done bool
		if acc, done = step(acc, x); done {
			break
		}
	}
	return acc
}

type allocState struct {
	left  decimal.Decimal
	items []Item
}

// Plan allocates active losses against income for year. It is pure: records
// are not modified and nothing is persisted.
func Plan(records []tax.LossRecord, year int, income, capPct decimal.Decimal) Allocation {
	alloc := Allocation{Cap: decimal.Zero, Total: decimal.Zero}
	if !income.IsPositive() {
		alloc.Note = NoteNoIncome
		return alloc
	}
	alloc.Cap = tax.Round(income.Mul(capPct))
	if !alloc.Cap.IsPositive() {
		alloc.Note = NoteZeroCap
		return alloc
	}

	active := ActiveIn(records, year)
	if len(active) == 0 {
		alloc.Note = NoteNoBalance
		return alloc
	}

	final := foldWhile(active, allocState{left: alloc.Cap}, func(s allocState, rec tax.LossRecord) (allocState, bool) {
		take := decimal.Min(s.left, rec.Remaining)
		s.items = append(s.items, Item{Loss: rec, Amount: take})
		s.left = s.left.Sub(take)
		return s, !s.left.IsPositive()
	})

	alloc.Items = final.items
	alloc.Total = alloc.Cap.Sub(final.left)
	return alloc
}

// ActiveIn returns the records usable in year, ordered by (OriginYear, Seq).
func ActiveIn(records []tax.LossRecord, year int) []tax.LossRecord {
	var out []tax.LossRecord
	for _, r := range records {
		if r.ActiveIn(year) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].OriginYear != out[j].OriginYear {
			return out[i].OriginYear < out[j].OriginYear
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// RestoreView returns a copy of records as they would look after the
// applied entries in apps were reversed. It is used to preview a
// recalculation before its predecessor's allocation is actually undone.
func RestoreView(records []tax.LossRecord, apps []tax.LossApplication) []tax.LossRecord {
	restore := make(map[string]decimal.Decimal)
	for _, a := range apps {
		switch a.Kind {
		case tax.ApplicationApplied:
			restore[a.LossID] = restore[a.LossID].Add(a.Amount)
		case tax.ApplicationReversed:
			restore[a.LossID] = restore[a.LossID].Sub(a.Amount)
		}
	}

	out := make([]tax.LossRecord, len(records))
	for i, r := range records {
		if amt, ok := restore[r.ID]; ok && amt.IsPositive() {
			r.Remaining = decimal.Min(r.Original, r.Remaining.Add(amt))
			if r.Status == tax.LossConsumed {
				r.Status = tax.LossActive
			}
		}
		out[i] = r
	}
	return out
}
