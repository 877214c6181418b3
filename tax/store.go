/*
store.go - Persistence contracts for rules, loss ledger and calculations

PURPOSE:
  Defines the interface between the engine and the database. Components
  depend on these interfaces only; store/sqlite and store/memory implement
  them.

KEY INTERFACES:
  RuleStore:        Versioned rule entries (insert, close, lookup)
  LossStore:        Loss records and their applications
  CalculationStore: Calculation records (insert, supersede, lookup)
  AuditLog:         Append-only compliance trail
  TxStore:          All of the above inside one atomic transaction

APPEND-ONLY CONTRACT:
  - Loss applications, calculation records and audit entries are never
    updated or deleted.
  - Loss records are updated only through UpdateLoss, which performs an
    optimistic version check and never deletes.
  - Calculation records only ever change status committed -> superseded.
  - Rule entries only ever get their open EffectiveTo closed.

ATOMICITY:
  WithTx gives all-or-nothing semantics. A calculation commit writes the
  superseded status, loss reversals, new applications, loss decrements,
  the new record and the audit trail in one transaction. If any write fails
  nothing is applied.

IMPLEMENTATIONS:
  - store/sqlite: database/sql + go-sqlite3
  - store/memory: in-memory, snapshot/rollback transactions
*/
package tax

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RULE STORE
// =============================================================================

type RuleStore interface {
	InsertRule(ctx context.Context, entry RuleEntry) error

	// CloseRule sets EffectiveTo on an open-ended entry.
	CloseRule(ctx context.Context, id string, effectiveTo time.Time) error

	// RulesFor returns entries for (regime, code) ordered by EffectiveFrom.
	RulesFor(ctx context.Context, regime Regime, code RuleCode) ([]RuleEntry, error)

	ListRules(ctx context.Context) ([]RuleEntry, error)
}

// =============================================================================
// LOSS STORE
// =============================================================================

type LossStore interface {
	// InsertLoss persists a new record and assigns its Seq.
	InsertLoss(ctx context.Context, rec *LossRecord) error

	GetLoss(ctx context.Context, id string) (LossRecord, error)

	// LossesFor returns all records for taxpayer+regime ordered by
	// (OriginYear, Seq).
	LossesFor(ctx context.Context, taxpayer TaxpayerID, regime Regime) ([]LossRecord, error)

	// LossesBySource returns records created by the given calculation.
	LossesBySource(ctx context.Context, calculationID string) ([]LossRecord, error)

	// ActiveLossesExpiringBefore returns active records whose ExpirationYear
	// is before year.
	ActiveLossesExpiringBefore(ctx context.Context, year int) ([]LossRecord, error)

	// UpdateLoss writes Remaining and Status if the stored Version still
	// equals rec.Version, incrementing it. Returns ErrLossAllocationConflict
	// otherwise.
	UpdateLoss(ctx context.Context, rec LossRecord) error

	// InsertApplications appends applications. Returns
	// ErrDuplicateApplication on a (loss, calculation, kind) collision.
	InsertApplications(ctx context.Context, apps []LossApplication) error

	ApplicationsFor(ctx context.Context, calculationID string) ([]LossApplication, error)

	ApplicationsForLoss(ctx context.Context, lossID string) ([]LossApplication, error)
}

// =============================================================================
// CALCULATION STORE
// =============================================================================

type CalculationStore interface {
	InsertCalculation(ctx context.Context, rec CalculationRecord) error

	GetCalculation(ctx context.Context, id string) (CalculationRecord, error)

	// CurrentCalculation returns the committed record for the key, or nil.
	CurrentCalculation(ctx context.Context, taxpayer TaxpayerID, regime Regime, period Period) (*CalculationRecord, error)

	// SupersedeCalculation flips a committed record to superseded.
	SupersedeCalculation(ctx context.Context, id, supersededBy string) error

	// CalculationsFor returns a taxpayer's history, newest first.
	CalculationsFor(ctx context.Context, taxpayer TaxpayerID) ([]CalculationRecord, error)
}

// =============================================================================
// AUDIT LOG
// =============================================================================

type AuditAction string

const (
	AuditCalculationCommitted  AuditAction = "calculation_committed"
	AuditCalculationSuperseded AuditAction = "calculation_superseded"
	AuditLossRecorded          AuditAction = "loss_recorded"
	AuditLossApplied           AuditAction = "loss_applied"
	AuditLossReversed          AuditAction = "loss_reversed"
	AuditLossExpired           AuditAction = "loss_expired"
	AuditLossSuperseded        AuditAction = "loss_superseded"
	AuditRuleInserted          AuditAction = "rule_inserted"
	AuditRuleClosed            AuditAction = "rule_closed"
)

// AuditEntry is one compliance event. Before/After carry ledger values for
// loss events and the tax figure for calculation events.
type AuditEntry struct {
	ID            string
	At            time.Time
	Action        AuditAction
	TaxpayerID    TaxpayerID
	Regime        Regime
	Period        string
	CalculationID string
	LossID        string
	RuleID        string
	Before        decimal.Decimal
	After         decimal.Decimal
	Payload       map[string]string
}

type AuditFilter struct {
	TaxpayerID    *TaxpayerID
	CalculationID *string
	Actions       []AuditAction
}

type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	AuditEntries(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// =============================================================================
// COMBINED / TRANSACTIONAL STORE
// =============================================================================

type Store interface {
	RuleStore
	LossStore
	CalculationStore
	AuditLog
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back, otherwise committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// EXPIRATION RUNS
// =============================================================================

// Expiration run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// ExpirationRun records one scheduled loss-expiration sweep.
type ExpirationRun struct {
	ID          string
	Year        int
	Status      string
	Expired     int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// ExpirationRunLog keeps the history of expiration sweeps. It sits outside
// Store since only the scheduler writes it.
type ExpirationRunLog interface {
	// SaveExpirationRun inserts the run or updates it by ID.
	SaveExpirationRun(ctx context.Context, run ExpirationRun) error

	// ExpirationRuns returns runs newest first.
	ExpirationRuns(ctx context.Context) ([]ExpirationRun, error)

	// ExpirationCompleted reports whether a sweep for year already completed.
	ExpirationCompleted(ctx context.Context, year int) (bool, error)
}
