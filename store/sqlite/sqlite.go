/*
Package sqlite provides a SQLite-backed implementation of the tax store
contracts.

PURPOSE:
  Implements tax.TxStore (rules, loss ledger, calculations, audit log) and
  tax.ExpirationRunLog on database/sql with go-sqlite3.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on loss_applications or audit_log
  - calculations rows only ever move status committed -> superseded
  - loss_records rows are updated through a version check, never deleted
  - rule_entries rows only ever get their open effective_to closed

KEY TABLES:
  rule_entries:       Versioned rule values, brackets and expense policies
  loss_records:       Carried-forward losses; seq gives creation order
  loss_applications:  Immutable loss consumption / reversal rows
  calculations:       Committed and superseded calculation records
  audit_log:          Compliance trail
  expiration_runs:    Scheduled loss-expiration sweeps

INDEXES:
  - idx_calculations_committed: at most one committed record per
    (taxpayer, regime, period); a violation surfaces as
    tax.ErrLossAllocationConflict so the engine retries
  - idx_loss_applications_unique: one application per
    (loss, calculation, kind)
  - idx_loss_records_owner: FIFO lookups (hot path)

CONCURRENCY:
  Write transactions are serialised in-process by a mutex and opened with
  BEGIN IMMEDIATE. WAL mode lets readers proceed while a writer holds the
  lock. In-memory databases are pinned to one connection.

USAGE:
  store, err := sqlite.New("./data/tax.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - tax/store.go: Interface definitions
  - store/memory: In-memory implementation for tests and previews
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/tax-engine/tax"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = time.RFC3339Nano
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements tax.Store against a connection or a transaction.
type queries struct {
	q dbtx
}

// Store implements tax.TxStore and tax.ExpirationRunLog using SQLite.
type Store struct {
	*queries
	db *sql.DB
	mu sync.Mutex
}

// New opens (or creates) the database at path and migrates it.
// Use ":memory:" for an in-memory database.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store, err := NewWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewWithDB wraps an open database handle and migrates it.
func NewWithDB(db *sql.DB) (*Store, error) {
	store := &Store{queries: &queries{q: db}, db: db}
	if err := store.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rule_entries (
		id TEXT PRIMARY KEY,
		regime TEXT NOT NULL,
		code TEXT NOT NULL,
		value TEXT NOT NULL,
		brackets_json TEXT,
		expenses_json TEXT,
		effective_from TEXT NOT NULL,
		effective_to TEXT,
		legal_reference TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rule_entries_lookup
		ON rule_entries(regime, code, effective_from);

	CREATE TABLE IF NOT EXISTS loss_records (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		taxpayer_id TEXT NOT NULL,
		regime TEXT NOT NULL,
		origin_year INTEGER NOT NULL,
		original TEXT NOT NULL,
		remaining TEXT NOT NULL,
		expiration_year INTEGER NOT NULL,
		status TEXT NOT NULL,
		source_calculation_id TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_loss_records_owner
		ON loss_records(taxpayer_id, regime, origin_year, seq);
	CREATE INDEX IF NOT EXISTS idx_loss_records_source
		ON loss_records(source_calculation_id) WHERE source_calculation_id != '';
	CREATE INDEX IF NOT EXISTS idx_loss_records_expiry
		ON loss_records(status, expiration_year);

	CREATE TABLE IF NOT EXISTS loss_applications (
		id TEXT PRIMARY KEY,
		loss_id TEXT NOT NULL REFERENCES loss_records(id),
		calculation_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		origin_year INTEGER NOT NULL,
		amount TEXT NOT NULL,
		remaining_before TEXT NOT NULL,
		remaining_after TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_loss_applications_unique
		ON loss_applications(loss_id, calculation_id, kind);
	CREATE INDEX IF NOT EXISTS idx_loss_applications_calculation
		ON loss_applications(calculation_id);

	CREATE TABLE IF NOT EXISTS calculations (
		id TEXT PRIMARY KEY,
		taxpayer_id TEXT NOT NULL,
		regime TEXT NOT NULL,
		method TEXT NOT NULL,
		period_key TEXT NOT NULL,
		period_kind TEXT NOT NULL,
		period_year INTEGER NOT NULL,
		period_index INTEGER NOT NULL,
		revenue TEXT NOT NULL,
		expenses TEXT NOT NULL,
		non_deductible TEXT NOT NULL,
		gross_income TEXT NOT NULL,
		loss_deduction TEXT NOT NULL,
		taxable_income TEXT NOT NULL,
		allowance TEXT NOT NULL,
		rate_code TEXT NOT NULL,
		rate TEXT NOT NULL,
		tax TEXT NOT NULL,
		prior_advances_paid TEXT NOT NULL,
		installment_due TEXT NOT NULL,
		overpayment TEXT NOT NULL,
		due_date TEXT,
		breakdown_json TEXT NOT NULL,
		status TEXT NOT NULL,
		supersedes_id TEXT NOT NULL DEFAULT '',
		superseded_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_calculations_committed
		ON calculations(taxpayer_id, regime, period_key) WHERE status = 'committed';
	CREATE INDEX IF NOT EXISTS idx_calculations_taxpayer
		ON calculations(taxpayer_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		at TEXT NOT NULL,
		action TEXT NOT NULL,
		taxpayer_id TEXT NOT NULL DEFAULT '',
		regime TEXT NOT NULL DEFAULT '',
		period TEXT NOT NULL DEFAULT '',
		calculation_id TEXT NOT NULL DEFAULT '',
		loss_id TEXT NOT NULL DEFAULT '',
		rule_id TEXT NOT NULL DEFAULT '',
		before_value TEXT NOT NULL,
		after_value TEXT NOT NULL,
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_taxpayer
		ON audit_log(taxpayer_id);
	CREATE INDEX IF NOT EXISTS idx_audit_log_calculation
		ON audit_log(calculation_id) WHERE calculation_id != '';

	CREATE TABLE IF NOT EXISTS expiration_runs (
		id TEXT PRIMARY KEY,
		year INTEGER NOT NULL,
		status TEXT NOT NULL,
		expired INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_expiration_runs_year
		ON expiration_runs(year, status);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (tax.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. Begin and commit
// failures are reported as tax.PersistenceError.
func (s *Store) WithTx(ctx context.Context, fn func(tax.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &tax.PersistenceError{Op: "begin transaction", Err: err}
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return &tax.PersistenceError{Op: "commit transaction", Err: err}
	}
	return nil
}

// =============================================================================
// RULE STORE
// =============================================================================

const ruleColumns = `id, regime, code, value, brackets_json, expenses_json,
	effective_from, effective_to, legal_reference, created_at`

func (q *queries) InsertRule(ctx context.Context, e tax.RuleEntry) error {
	bracketsJSON, err := marshalNullable(e.Brackets)
	if err != nil {
		return err
	}
	expensesJSON, err := marshalNullable(e.Expenses)
	if err != nil {
		return err
	}

	_, err = q.q.ExecContext(ctx,
		`INSERT INTO rule_entries (`+ruleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Regime), string(e.Code), e.Value,
		bracketsJSON, expensesJSON,
		formatDate(e.EffectiveFrom), nullDate(e.EffectiveTo),
		e.LegalReference, formatTime(e.CreatedAt),
	)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("%w: rule %s already exists", tax.ErrInvalidInput, e.ID)
		}
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

func (q *queries) CloseRule(ctx context.Context, id string, effectiveTo time.Time) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE rule_entries SET effective_to = ? WHERE id = ? AND effective_to IS NULL`,
		formatDate(effectiveTo), id,
	)
	if err != nil {
		return fmt.Errorf("failed to close rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	exists, err := q.exists(ctx, "rule_entries", id)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", tax.ErrRuleNotFound, id)
	}
	return fmt.Errorf("%w: rule %s is already closed", tax.ErrRuleImmutable, id)
}

func (q *queries) RulesFor(ctx context.Context, regime tax.Regime, code tax.RuleCode) ([]tax.RuleEntry, error) {
	return q.queryRules(ctx,
		`SELECT `+ruleColumns+` FROM rule_entries WHERE regime = ? AND code = ? ORDER BY effective_from ASC`,
		string(regime), string(code))
}

func (q *queries) ListRules(ctx context.Context) ([]tax.RuleEntry, error) {
	return q.queryRules(ctx,
		`SELECT ` + ruleColumns + ` FROM rule_entries ORDER BY regime, code, effective_from ASC`)
}

func (q *queries) queryRules(ctx context.Context, query string, args ...any) ([]tax.RuleEntry, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var entries []tax.RuleEntry
	for rows.Next() {
		var (
			e                          tax.RuleEntry
			regime, code               string
			bracketsJSON, expensesJSON sql.NullString
			effectiveFrom, createdAt   string
			effectiveTo                sql.NullString
		)
		if err := rows.Scan(&e.ID, &regime, &code, &e.Value, &bracketsJSON, &expensesJSON,
			&effectiveFrom, &effectiveTo, &e.LegalReference, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		e.Regime = tax.Regime(regime)
		e.Code = tax.RuleCode(code)
		e.EffectiveFrom = parseDate(effectiveFrom)
		e.EffectiveTo = parseNullDate(effectiveTo)
		e.CreatedAt = parseTime(createdAt)

		if bracketsJSON.Valid {
			e.Brackets = &tax.BracketSet{}
			if err := json.Unmarshal([]byte(bracketsJSON.String), e.Brackets); err != nil {
				return nil, fmt.Errorf("failed to decode brackets of rule %s: %w", e.ID, err)
			}
		}
		if expensesJSON.Valid {
			e.Expenses = &tax.ExpensePolicy{}
			if err := json.Unmarshal([]byte(expensesJSON.String), e.Expenses); err != nil {
				return nil, fmt.Errorf("failed to decode expense policy of rule %s: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// LOSS STORE
// =============================================================================

const lossColumns = `seq, id, taxpayer_id, regime, origin_year, original, remaining,
	expiration_year, status, source_calculation_id, version, created_at`

func (q *queries) InsertLoss(ctx context.Context, rec *tax.LossRecord) error {
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO loss_records (id, taxpayer_id, regime, origin_year, original, remaining,
			expiration_year, status, source_calculation_id, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.TaxpayerID), string(rec.Regime), rec.OriginYear,
		rec.Original, rec.Remaining, rec.ExpirationYear, string(rec.Status),
		rec.SourceCalculationID, rec.Version, formatTime(rec.CreatedAt),
	)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("%w: loss %s already exists", tax.ErrInvalidInput, rec.ID)
		}
		return fmt.Errorf("failed to insert loss: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read loss sequence: %w", err)
	}
	rec.Seq = seq
	return nil
}

func (q *queries) GetLoss(ctx context.Context, id string) (tax.LossRecord, error) {
	recs, err := q.queryLosses(ctx, `SELECT `+lossColumns+` FROM loss_records WHERE id = ?`, id)
	if err != nil {
		return tax.LossRecord{}, err
	}
	if len(recs) == 0 {
		return tax.LossRecord{}, fmt.Errorf("%w: %s", tax.ErrLossNotFound, id)
	}
	return recs[0], nil
}

func (q *queries) LossesFor(ctx context.Context, taxpayer tax.TaxpayerID, regime tax.Regime) ([]tax.LossRecord, error) {
	return q.queryLosses(ctx, `
		SELECT `+lossColumns+` FROM loss_records
		WHERE taxpayer_id = ? AND regime = ?
		ORDER BY origin_year ASC, seq ASC`,
		string(taxpayer), string(regime))
}

func (q *queries) LossesBySource(ctx context.Context, calculationID string) ([]tax.LossRecord, error) {
	return q.queryLosses(ctx, `
		SELECT `+lossColumns+` FROM loss_records
		WHERE source_calculation_id = ?
		ORDER BY seq ASC`,
		calculationID)
}

func (q *queries) ActiveLossesExpiringBefore(ctx context.Context, year int) ([]tax.LossRecord, error) {
	return q.queryLosses(ctx, `
		SELECT `+lossColumns+` FROM loss_records
		WHERE status = ? AND expiration_year < ?
		ORDER BY origin_year ASC, seq ASC`,
		string(tax.LossActive), year)
}

func (q *queries) UpdateLoss(ctx context.Context, rec tax.LossRecord) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE loss_records SET remaining = ?, status = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		rec.Remaining, string(rec.Status), rec.ID, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update loss: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	exists, err := q.exists(ctx, "loss_records", rec.ID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", tax.ErrLossNotFound, rec.ID)
	}
	return fmt.Errorf("%w: loss %s changed since version %d", tax.ErrLossAllocationConflict, rec.ID, rec.Version)
}

func (q *queries) queryLosses(ctx context.Context, query string, args ...any) ([]tax.LossRecord, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query losses: %w", err)
	}
	defer rows.Close()

	var recs []tax.LossRecord
	for rows.Next() {
		var (
			r                        tax.LossRecord
			taxpayer, regime, status string
			createdAt                string
		)
		if err := rows.Scan(&r.Seq, &r.ID, &taxpayer, &regime, &r.OriginYear, &r.Original, &r.Remaining,
			&r.ExpirationYear, &status, &r.SourceCalculationID, &r.Version, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan loss: %w", err)
		}
		r.TaxpayerID = tax.TaxpayerID(taxpayer)
		r.Regime = tax.Regime(regime)
		r.Status = tax.LossStatus(status)
		r.CreatedAt = parseTime(createdAt)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// =============================================================================
// LOSS APPLICATIONS
// =============================================================================

const applicationColumns = `id, loss_id, calculation_id, kind, origin_year, amount,
	remaining_before, remaining_after, created_at`

func (q *queries) InsertApplications(ctx context.Context, apps []tax.LossApplication) error {
	for _, a := range apps {
		_, err := q.q.ExecContext(ctx,
			`INSERT INTO loss_applications (`+applicationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.LossID, a.CalculationID, string(a.Kind), a.OriginYear, a.Amount,
			a.RemainingBefore, a.RemainingAfter, formatTime(a.CreatedAt),
		)
		if err != nil {
			if isConstraintError(err) {
				return fmt.Errorf("%w: loss %s, calculation %s, %s",
					tax.ErrDuplicateApplication, a.LossID, a.CalculationID, a.Kind)
			}
			return fmt.Errorf("failed to insert loss application: %w", err)
		}
	}
	return nil
}

func (q *queries) ApplicationsFor(ctx context.Context, calculationID string) ([]tax.LossApplication, error) {
	return q.queryApplications(ctx,
		`SELECT `+applicationColumns+` FROM loss_applications WHERE calculation_id = ? ORDER BY rowid ASC`,
		calculationID)
}

func (q *queries) ApplicationsForLoss(ctx context.Context, lossID string) ([]tax.LossApplication, error) {
	return q.queryApplications(ctx,
		`SELECT `+applicationColumns+` FROM loss_applications WHERE loss_id = ? ORDER BY rowid ASC`,
		lossID)
}

func (q *queries) queryApplications(ctx context.Context, query string, args ...any) ([]tax.LossApplication, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query loss applications: %w", err)
	}
	defer rows.Close()

	var apps []tax.LossApplication
	for rows.Next() {
		var (
			a               tax.LossApplication
			kind, createdAt string
		)
		if err := rows.Scan(&a.ID, &a.LossID, &a.CalculationID, &kind, &a.OriginYear, &a.Amount,
			&a.RemainingBefore, &a.RemainingAfter, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan loss application: %w", err)
		}
		a.Kind = tax.ApplicationKind(kind)
		a.CreatedAt = parseTime(createdAt)
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

// =============================================================================
// CALCULATION STORE
// =============================================================================

// breakdown holds the list-valued parts of a record in one JSON column.
type breakdown struct {
	Brackets         []tax.BracketLine     `json:"brackets"`
	ExpenseLines     []tax.ExpenseLine     `json:"expense_lines"`
	LossApplications []tax.LossApplication `json:"loss_applications"`
	Notes            []string              `json:"notes"`
	RuleIDs          []string              `json:"rule_ids"`
}

const calculationColumns = `id, taxpayer_id, regime, method, period_kind, period_year, period_index,
	revenue, expenses, non_deductible, gross_income, loss_deduction, taxable_income, allowance,
	rate_code, rate, tax, prior_advances_paid, installment_due, overpayment, due_date,
	breakdown_json, status, supersedes_id, superseded_by, created_at`

func (q *queries) InsertCalculation(ctx context.Context, rec tax.CalculationRecord) error {
	detail, err := json.Marshal(breakdown{
		Brackets:         rec.Brackets,
		ExpenseLines:     rec.ExpenseLines,
		LossApplications: rec.LossApplications,
		Notes:            rec.Notes,
		RuleIDs:          rec.RuleIDs,
	})
	if err != nil {
		return fmt.Errorf("failed to encode calculation breakdown: %w", err)
	}

	var dueDate sql.NullString
	if !rec.DueDate.IsZero() {
		dueDate = sql.NullString{String: formatDate(rec.DueDate), Valid: true}
	}

	_, err = q.q.ExecContext(ctx, `
		INSERT INTO calculations (`+calculationColumns+`, period_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.TaxpayerID), string(rec.Regime), string(rec.Method),
		string(rec.Period.Kind), rec.Period.Year, rec.Period.Index,
		rec.Revenue, rec.Expenses, rec.NonDeductibleTotal, rec.GrossIncome, rec.LossDeduction,
		rec.TaxableIncome, rec.Allowance, string(rec.RateCode), rec.Rate, rec.Tax,
		rec.PriorAdvancesPaid, rec.InstallmentDue, rec.Overpayment, dueDate,
		string(detail), string(rec.Status), rec.SupersedesID, rec.SupersededBy,
		formatTime(rec.CreatedAt), rec.Period.String(),
	)
	if err != nil {
		switch {
		case isPrimaryKeyError(err):
			return fmt.Errorf("%w: calculation %s already exists", tax.ErrInvalidInput, rec.ID)
		case isConstraintError(err):
			return fmt.Errorf("%w: a calculation is already committed for %s/%s/%s",
				tax.ErrLossAllocationConflict, rec.TaxpayerID, rec.Regime, rec.Period)
		}
		return fmt.Errorf("failed to insert calculation: %w", err)
	}
	return nil
}

func (q *queries) GetCalculation(ctx context.Context, id string) (tax.CalculationRecord, error) {
	recs, err := q.queryCalculations(ctx, `SELECT `+calculationColumns+` FROM calculations WHERE id = ?`, id)
	if err != nil {
		return tax.CalculationRecord{}, err
	}
	if len(recs) == 0 {
		return tax.CalculationRecord{}, fmt.Errorf("%w: %s", tax.ErrCalculationNotFound, id)
	}
	return recs[0], nil
}

func (q *queries) CurrentCalculation(ctx context.Context, taxpayer tax.TaxpayerID, regime tax.Regime, period tax.Period) (*tax.CalculationRecord, error) {
	recs, err := q.queryCalculations(ctx, `
		SELECT `+calculationColumns+` FROM calculations
		WHERE taxpayer_id = ? AND regime = ? AND period_key = ? AND status = ?`,
		string(taxpayer), string(regime), period.String(), string(tax.StatusCommitted))
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

func (q *queries) SupersedeCalculation(ctx context.Context, id, supersededBy string) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE calculations SET status = ?, superseded_by = ? WHERE id = ? AND status = ?`,
		string(tax.StatusSuperseded), supersededBy, id, string(tax.StatusCommitted),
	)
	if err != nil {
		return fmt.Errorf("failed to supersede calculation: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	exists, err := q.exists(ctx, "calculations", id)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", tax.ErrCalculationNotFound, id)
	}
	return fmt.Errorf("%w: calculation %s is not committed", tax.ErrInvalidState, id)
}

func (q *queries) CalculationsFor(ctx context.Context, taxpayer tax.TaxpayerID) ([]tax.CalculationRecord, error) {
	return q.queryCalculations(ctx, `
		SELECT `+calculationColumns+` FROM calculations
		WHERE taxpayer_id = ?
		ORDER BY created_at DESC, rowid DESC`,
		string(taxpayer))
}

func (q *queries) queryCalculations(ctx context.Context, query string, args ...any) ([]tax.CalculationRecord, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query calculations: %w", err)
	}
	defer rows.Close()

	var recs []tax.CalculationRecord
	for rows.Next() {
		var (
			r                              tax.CalculationRecord
			taxpayer, regime, method, kind string
			rateCode, detail, status       string
			createdAt                      string
			dueDate                        sql.NullString
		)
		if err := rows.Scan(&r.ID, &taxpayer, &regime, &method, &kind, &r.Period.Year, &r.Period.Index,
			&r.Revenue, &r.Expenses, &r.NonDeductibleTotal, &r.GrossIncome, &r.LossDeduction,
			&r.TaxableIncome, &r.Allowance, &rateCode, &r.Rate, &r.Tax,
			&r.PriorAdvancesPaid, &r.InstallmentDue, &r.Overpayment, &dueDate,
			&detail, &status, &r.SupersedesID, &r.SupersededBy, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan calculation: %w", err)
		}
		r.TaxpayerID = tax.TaxpayerID(taxpayer)
		r.Regime = tax.Regime(regime)
		r.Method = tax.MethodKind(method)
		r.Period.Kind = tax.PeriodKind(kind)
		r.RateCode = tax.RuleCode(rateCode)
		r.Status = tax.CalculationStatus(status)
		r.CreatedAt = parseTime(createdAt)
		if dueDate.Valid {
			r.DueDate = parseDate(dueDate.String)
		}

		var b breakdown
		if err := json.Unmarshal([]byte(detail), &b); err != nil {
			return nil, fmt.Errorf("failed to decode breakdown of calculation %s: %w", r.ID, err)
		}
		r.Brackets = b.Brackets
		r.ExpenseLines = b.ExpenseLines
		r.LossApplications = b.LossApplications
		r.Notes = b.Notes
		r.RuleIDs = b.RuleIDs
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (q *queries) AppendAudit(ctx context.Context, e tax.AuditEntry) error {
	payload, err := marshalNullable(e.Payload)
	if err != nil {
		return err
	}
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO audit_log (id, at, action, taxpayer_id, regime, period, calculation_id,
			loss_id, rule_id, before_value, after_value, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, formatTime(e.At), string(e.Action), string(e.TaxpayerID), string(e.Regime), e.Period,
		e.CalculationID, e.LossID, e.RuleID, e.Before, e.After, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (q *queries) AuditEntries(ctx context.Context, filter tax.AuditFilter) ([]tax.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if filter.TaxpayerID != nil {
		where = append(where, "taxpayer_id = ?")
		args = append(args, string(*filter.TaxpayerID))
	}
	if filter.CalculationID != nil {
		where = append(where, "calculation_id = ?")
		args = append(args, *filter.CalculationID)
	}
	if len(filter.Actions) > 0 {
		marks := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			marks[i] = "?"
			args = append(args, string(a))
		}
		where = append(where, "action IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT id, at, action, taxpayer_id, regime, period, calculation_id, loss_id, rule_id,
		before_value, after_value, payload_json FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY rowid ASC"

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []tax.AuditEntry
	for rows.Next() {
		var (
			e                tax.AuditEntry
			at, action       string
			taxpayer, regime string
			payload          sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &action, &taxpayer, &regime, &e.Period, &e.CalculationID,
			&e.LossID, &e.RuleID, &e.Before, &e.After, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.At = parseTime(at)
		e.Action = tax.AuditAction(action)
		e.TaxpayerID = tax.TaxpayerID(taxpayer)
		e.Regime = tax.Regime(regime)
		if payload.Valid && payload.String != "" {
			json.Unmarshal([]byte(payload.String), &e.Payload)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// EXPIRATION RUNS (tax.ExpirationRunLog interface)
// =============================================================================

// SaveExpirationRun inserts or updates a sweep run.
func (s *Store) SaveExpirationRun(ctx context.Context, r tax.ExpirationRun) error {
	var completedAt sql.NullString
	if r.CompletedAt != nil {
		completedAt = sql.NullString{String: formatTime(*r.CompletedAt), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO expiration_runs (id, year, status, expired, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			expired = excluded.expired,
			error = excluded.error,
			completed_at = excluded.completed_at`,
		r.ID, r.Year, r.Status, r.Expired, r.Error, formatTime(r.StartedAt), completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save expiration run: %w", err)
	}
	return nil
}

// ExpirationRuns returns sweep runs, newest first.
func (s *Store) ExpirationRuns(ctx context.Context) ([]tax.ExpirationRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, year, status, expired, error, started_at, completed_at
		FROM expiration_runs
		ORDER BY started_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query expiration runs: %w", err)
	}
	defer rows.Close()

	var runs []tax.ExpirationRun
	for rows.Next() {
		var (
			r           tax.ExpirationRun
			startedAt   string
			completedAt sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Year, &r.Status, &r.Expired, &r.Error, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan expiration run: %w", err)
		}
		r.StartedAt = parseTime(startedAt)
		if completedAt.Valid {
			t := parseTime(completedAt.String)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ExpirationCompleted reports whether a sweep for year already completed.
func (s *Store) ExpirationCompleted(ctx context.Context, year int) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM expiration_runs WHERE year = ? AND status = ?`,
		year, tax.RunCompleted,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check expiration runs: %w", err)
	}
	return count > 0, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (q *queries) exists(ctx context.Context, table, id string) (bool, error) {
	var count int
	err := q.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE id = ?", id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", table, err)
	}
	return count > 0, nil
}

func marshalNullable(v any) (sql.NullString, error) {
	switch x := v.(type) {
	case *tax.BracketSet:
		if x == nil {
			return sql.NullString{}, nil
		}
	case *tax.ExpensePolicy:
		if x == nil {
			return sql.NullString{}, nil
		}
	case map[string]string:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode %T: %w", v, err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func formatDate(t time.Time) string { return t.UTC().Format(dateLayout) }
func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func nullDate(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatDate(*t), Valid: true}
}

func parseDate(s string) time.Time {
	t, _ := time.ParseInLocation(dateLayout, s, time.UTC)
	return t
}

func parseNullDate(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseDate(s.String)
	return &t
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func isConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isPrimaryKeyError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

var (
	_ tax.TxStore          = (*Store)(nil)
	_ tax.ExpirationRunLog = (*Store)(nil)
	_ tax.Store            = (*queries)(nil)
)
