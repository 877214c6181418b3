// Package memory provides an in-memory tax.TxStore for tests, previews and
// the CLI.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/tax-engine/tax"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory implements tax.TxStore. Every method takes the lock and delegates to
// the unlocked data view; WithTx hands that same view to the callback while
// holding the lock for the whole transaction.
type Memory struct {
	mu   sync.RWMutex
	data *data
	runs []tax.ExpirationRun
}

type data struct {
	rules     map[string]tax.RuleEntry
	ruleOrder []string

	losses  map[string]tax.LossRecord
	lossSeq int64

	apps    []tax.LossApplication
	appKeys map[appKey]bool

	calcs     map[string]tax.CalculationRecord
	calcOrder []string

	audit []tax.AuditEntry
}

type appKey struct {
	lossID string
	calcID string
	kind   tax.ApplicationKind
}

func New() *Memory {
	return &Memory{data: newData()}
}

func newData() *data {
	return &data{
		rules:   make(map[string]tax.RuleEntry),
		losses:  make(map[string]tax.LossRecord),
		appKeys: make(map[appKey]bool),
		calcs:   make(map[string]tax.CalculationRecord),
	}
}

// WithTx executes fn within a transaction, simulated with a snapshot and a
// rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(tax.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(m.data); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

func (d *data) clone() *data {
	c := &data{
		rules:     make(map[string]tax.RuleEntry, len(d.rules)),
		ruleOrder: append([]string(nil), d.ruleOrder...),
		losses:    make(map[string]tax.LossRecord, len(d.losses)),
		lossSeq:   d.lossSeq,
		apps:      append([]tax.LossApplication(nil), d.apps...),
		appKeys:   make(map[appKey]bool, len(d.appKeys)),
		calcs:     make(map[string]tax.CalculationRecord, len(d.calcs)),
		calcOrder: append([]string(nil), d.calcOrder...),
		audit:     append([]tax.AuditEntry(nil), d.audit...),
	}
	for k, v := range d.rules {
		c.rules[k] = v
	}
	for k, v := range d.losses {
		c.losses[k] = v
	}
	for k, v := range d.appKeys {
		c.appKeys[k] = v
	}
	for k, v := range d.calcs {
		c.calcs[k] = v
	}
	return c
}

// =============================================================================
// LOCKED DELEGATES
// =============================================================================

func (m *Memory) InsertRule(ctx context.Context, entry tax.RuleEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.InsertRule(ctx, entry)
}

func (m *Memory) CloseRule(ctx context.Context, id string, effectiveTo time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.CloseRule(ctx, id, effectiveTo)
}

func (m *Memory) RulesFor(ctx context.Context, regime tax.Regime, code tax.RuleCode) ([]tax.RuleEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.RulesFor(ctx, regime, code)
}

func (m *Memory) ListRules(ctx context.Context) ([]tax.RuleEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListRules(ctx)
}

func (m *Memory) InsertLoss(ctx context.Context, rec *tax.LossRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.InsertLoss(ctx, rec)
}

func (m *Memory) GetLoss(ctx context.Context, id string) (tax.LossRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.GetLoss(ctx, id)
}

func (m *Memory) LossesFor(ctx context.Context, taxpayer tax.TaxpayerID, regime tax.Regime) ([]tax.LossRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.LossesFor(ctx, taxpayer, regime)
}

func (m *Memory) LossesBySource(ctx context.Context, calculationID string) ([]tax.LossRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.LossesBySource(ctx, calculationID)
}

func (m *Memory) ActiveLossesExpiringBefore(ctx context.Context, year int) ([]tax.LossRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ActiveLossesExpiringBefore(ctx, year)
}

func (m *Memory) UpdateLoss(ctx context.Context, rec tax.LossRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.UpdateLoss(ctx, rec)
}

func (m *Memory) InsertApplications(ctx context.Context, apps []tax.LossApplication) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.InsertApplications(ctx, apps)
}

func (m *Memory) ApplicationsFor(ctx context.Context, calculationID string) ([]tax.LossApplication, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ApplicationsFor(ctx, calculationID)
}

func (m *Memory) ApplicationsForLoss(ctx context.Context, lossID string) ([]tax.LossApplication, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ApplicationsForLoss(ctx, lossID)
}

func (m *Memory) InsertCalculation(ctx context.Context, rec tax.CalculationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.InsertCalculation(ctx, rec)
}

func (m *Memory) GetCalculation(ctx context.Context, id string) (tax.CalculationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.GetCalculation(ctx, id)
}

func (m *Memory) CurrentCalculation(ctx context.Context, taxpayer tax.TaxpayerID, regime tax.Regime, period tax.Period) (*tax.CalculationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.CurrentCalculation(ctx, taxpayer, regime, period)
}

func (m *Memory) SupersedeCalculation(ctx context.Context, id, supersededBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SupersedeCalculation(ctx, id, supersededBy)
}

func (m *Memory) CalculationsFor(ctx context.Context, taxpayer tax.TaxpayerID) ([]tax.CalculationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.CalculationsFor(ctx, taxpayer)
}

func (m *Memory) AppendAudit(ctx context.Context, entry tax.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.AppendAudit(ctx, entry)
}

func (m *Memory) AuditEntries(ctx context.Context, filter tax.AuditFilter) ([]tax.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.AuditEntries(ctx, filter)
}

// =============================================================================
// RULES
// =============================================================================

func (d *data) InsertRule(_ context.Context, entry tax.RuleEntry) error {
	if _, ok := d.rules[entry.ID]; ok {
		return fmt.Errorf("%w: rule %s already exists", tax.ErrInvalidInput, entry.ID)
	}
	d.rules[entry.ID] = entry
	d.ruleOrder = append(d.ruleOrder, entry.ID)
	return nil
}

func (d *data) CloseRule(_ context.Context, id string, effectiveTo time.Time) error {
	e, ok := d.rules[id]
	if !ok {
		return fmt.Errorf("%w: rule %s", tax.ErrRuleNotFound, id)
	}
	if e.EffectiveTo != nil {
		return fmt.Errorf("%w: rule %s is already closed", tax.ErrRuleImmutable, id)
	}
	to := effectiveTo
	e.EffectiveTo = &to
	d.rules[id] = e
	return nil
}

func (d *data) RulesFor(_ context.Context, regime tax.Regime, code tax.RuleCode) ([]tax.RuleEntry, error) {
	var out []tax.RuleEntry
	for _, id := range d.ruleOrder {
		if e := d.rules[id]; e.Regime == regime && e.Code == code {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EffectiveFrom.Before(out[j].EffectiveFrom) })
	return out, nil
}

func (d *data) ListRules(_ context.Context) ([]tax.RuleEntry, error) {
	out := make([]tax.RuleEntry, 0, len(d.ruleOrder))
	for _, id := range d.ruleOrder {
		out = append(out, d.rules[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Regime != out[j].Regime {
			return out[i].Regime < out[j].Regime
		}
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		return out[i].EffectiveFrom.Before(out[j].EffectiveFrom)
	})
	return out, nil
}

// =============================================================================
// LOSSES
// =============================================================================

func (d *data) InsertLoss(_ context.Context, rec *tax.LossRecord) error {
	if _, ok := d.losses[rec.ID]; ok {
		return fmt.Errorf("%w: loss %s already exists", tax.ErrInvalidInput, rec.ID)
	}
	d.lossSeq++
	rec.Seq = d.lossSeq
	d.losses[rec.ID] = *rec
	return nil
}

func (d *data) GetLoss(_ context.Context, id string) (tax.LossRecord, error) {
	rec, ok := d.losses[id]
	if !ok {
		return tax.LossRecord{}, fmt.Errorf("%w: %s", tax.ErrLossNotFound, id)
	}
	return rec, nil
}

func (d *data) LossesFor(_ context.Context, taxpayer tax.TaxpayerID, regime tax.Regime) ([]tax.LossRecord, error) {
	return d.filterLosses(func(l tax.LossRecord) bool {
		return l.TaxpayerID == taxpayer && l.Regime == regime
	}), nil
}

func (d *data) LossesBySource(_ context.Context, calculationID string) ([]tax.LossRecord, error) {
	return d.filterLosses(func(l tax.LossRecord) bool {
		return l.SourceCalculationID != "" && l.SourceCalculationID == calculationID
	}), nil
}

func (d *data) ActiveLossesExpiringBefore(_ context.Context, year int) ([]tax.LossRecord, error) {
	return d.filterLosses(func(l tax.LossRecord) bool {
		return l.Status == tax.LossActive && l.ExpirationYear < year
	}), nil
}

// filterLosses returns matching records ordered by (OriginYear, Seq).
func (d *data) filterLosses(keep func(tax.LossRecord) bool) []tax.LossRecord {
	var out []tax.LossRecord
	for _, l := range d.losses {
		if keep(l) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OriginYear != out[j].OriginYear {
			return out[i].OriginYear < out[j].OriginYear
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

func (d *data) UpdateLoss(_ context.Context, rec tax.LossRecord) error {
	cur, ok := d.losses[rec.ID]
	if !ok {
		return fmt.Errorf("%w: %s", tax.ErrLossNotFound, rec.ID)
	}
	if cur.Version != rec.Version {
		return fmt.Errorf("%w: loss %s at version %d, expected %d",
			tax.ErrLossAllocationConflict, rec.ID, cur.Version, rec.Version)
	}
	cur.Remaining = rec.Remaining
	cur.Status = rec.Status
	cur.Version++
	d.losses[rec.ID] = cur
	return nil
}

func (d *data) InsertApplications(_ context.Context, apps []tax.LossApplication) error {
	seen := make(map[appKey]bool, len(apps))
	for _, a := range apps {
		k := appKey{lossID: a.LossID, calcID: a.CalculationID, kind: a.Kind}
		if d.appKeys[k] || seen[k] {
			return fmt.Errorf("%w: loss %s, calculation %s, %s",
				tax.ErrDuplicateApplication, a.LossID, a.CalculationID, a.Kind)
		}
		seen[k] = true
	}
	for _, a := range apps {
		d.appKeys[appKey{lossID: a.LossID, calcID: a.CalculationID, kind: a.Kind}] = true
		d.apps = append(d.apps, a)
	}
	return nil
}

func (d *data) ApplicationsFor(_ context.Context, calculationID string) ([]tax.LossApplication, error) {
	var out []tax.LossApplication
	for _, a := range d.apps {
		if a.CalculationID == calculationID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (d *data) ApplicationsForLoss(_ context.Context, lossID string) ([]tax.LossApplication, error) {
	var out []tax.LossApplication
	for _, a := range d.apps {
		if a.LossID == lossID {
			out = append(out, a)
		}
	}
	return out, nil
}

// =============================================================================
// CALCULATIONS
// =============================================================================

func (d *data) InsertCalculation(_ context.Context, rec tax.CalculationRecord) error {
	if _, ok := d.calcs[rec.ID]; ok {
		return fmt.Errorf("%w: calculation %s already exists", tax.ErrInvalidInput, rec.ID)
	}
	if rec.Status == tax.StatusCommitted {
		if cur := d.current(rec.TaxpayerID, rec.Regime, rec.Period); cur != nil {
			return fmt.Errorf("%w: calculation %s is already committed for %s/%s/%s",
				tax.ErrLossAllocationConflict, cur.ID, rec.TaxpayerID, rec.Regime, rec.Period)
		}
	}
	d.calcs[rec.ID] = rec
	d.calcOrder = append(d.calcOrder, rec.ID)
	return nil
}

func (d *data) GetCalculation(_ context.Context, id string) (tax.CalculationRecord, error) {
	rec, ok := d.calcs[id]
	if !ok {
		return tax.CalculationRecord{}, fmt.Errorf("%w: %s", tax.ErrCalculationNotFound, id)
	}
	return rec, nil
}

func (d *data) CurrentCalculation(_ context.Context, taxpayer tax.TaxpayerID, regime tax.Regime, period tax.Period) (*tax.CalculationRecord, error) {
	return d.current(taxpayer, regime, period), nil
}

func (d *data) current(taxpayer tax.TaxpayerID, regime tax.Regime, period tax.Period) *tax.CalculationRecord {
	for _, id := range d.calcOrder {
		rec := d.calcs[id]
		if rec.TaxpayerID == taxpayer && rec.Regime == regime && rec.Period == period && rec.Status == tax.StatusCommitted {
			return &rec
		}
	}
	return nil
}

func (d *data) SupersedeCalculation(_ context.Context, id, supersededBy string) error {
	rec, ok := d.calcs[id]
	if !ok {
		return fmt.Errorf("%w: %s", tax.ErrCalculationNotFound, id)
	}
	if rec.Status != tax.StatusCommitted {
		return fmt.Errorf("%w: calculation %s is %s", tax.ErrInvalidState, id, rec.Status)
	}
	rec.Status = tax.StatusSuperseded
	rec.SupersededBy = supersededBy
	d.calcs[id] = rec
	return nil
}

func (d *data) CalculationsFor(_ context.Context, taxpayer tax.TaxpayerID) ([]tax.CalculationRecord, error) {
	var out []tax.CalculationRecord
	for i := len(d.calcOrder) - 1; i >= 0; i-- {
		if rec := d.calcs[d.calcOrder[i]]; rec.TaxpayerID == taxpayer {
			out = append(out, rec)
		}
	}
	return out, nil
}

// =============================================================================
// AUDIT
// =============================================================================

func (d *data) AppendAudit(_ context.Context, entry tax.AuditEntry) error {
	d.audit = append(d.audit, entry)
	return nil
}

func (d *data) AuditEntries(_ context.Context, filter tax.AuditFilter) ([]tax.AuditEntry, error) {
	var out []tax.AuditEntry
	for _, e := range d.audit {
		if filter.TaxpayerID != nil && e.TaxpayerID != *filter.TaxpayerID {
			continue
		}
		if filter.CalculationID != nil && e.CalculationID != *filter.CalculationID {
			continue
		}
		if len(filter.Actions) > 0 && !containsAction(filter.Actions, e.Action) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func containsAction(actions []tax.AuditAction, a tax.AuditAction) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}

// =============================================================================
// EXPIRATION RUNS
// =============================================================================

func (m *Memory) SaveExpirationRun(_ context.Context, run tax.ExpirationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == run.ID {
			m.runs[i] = run
			return nil
		}
	}
	m.runs = append(m.runs, run)
	return nil
}

func (m *Memory) ExpirationRuns(_ context.Context) ([]tax.ExpirationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]tax.ExpirationRun, 0, len(m.runs))
	for i := len(m.runs) - 1; i >= 0; i-- {
		out = append(out, m.runs[i])
	}
	return out, nil
}

func (m *Memory) ExpirationCompleted(_ context.Context, year int) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.runs {
		if r.Year == year && r.Status == tax.RunCompleted {
			return true, nil
		}
	}
	return false, nil
}

var (
	_ tax.ExpirationRunLog = (*Memory)(nil)
	_ tax.TxStore          = (*Memory)(nil)
	_ tax.Store            = (*data)(nil)
)
