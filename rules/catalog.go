/*
Package rules provides the versioned rule catalog.

PURPOSE:
  Every rate, bracket set, cap, deadline and deductibility table the engine
  uses is a RuleEntry with an effective interval. The Catalog answers
  "which entry was in force for (regime, code) on date D" and is the only
  component that writes rule entries.

RESOLUTION:
  1. Look for an entry of the exact regime whose [EffectiveFrom, EffectiveTo]
     contains D (bounds inclusive).
  2. Otherwise look for a cross-regime entry (regime "any").
  3. Otherwise ErrRuleNotFound.
  Resolution is read-only and deterministic: the same (regime, code, D)
  always yields the same entry until a new version is inserted.

VERSIONING:
  Entries are never edited. A new version is added with Supersede, which
  closes the currently open entry on the day before the new EffectiveFrom
  and inserts the new entry in one transaction. Overlapping intervals for
  the same (regime, code) are rejected. Insert and Supersede only accept
  entries starting after today; Seed may load history, but only into a
  (regime, code) key that has no entries yet.

CACHING:
  Entries per (regime, code) are cached in memory. Concurrent misses for the
  same key share one store read (singleflight). Every write invalidates the
  affected key.

SEE ALSO:
  - loader.go: YAML/JSON rule-set documents
  - defaults.yaml: built-in rule set
*/
package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/tax-engine/tax"
	"golang.org/x/sync/singleflight"
)

// Catalog resolves and versions rule entries on top of a transactional store.
type Catalog struct {
	store tax.TxStore
	now   func() time.Time

	mu    sync.RWMutex
	cache map[cacheKey][]tax.RuleEntry
	gen   map[cacheKey]uint64
	group singleflight.Group
}

type cacheKey struct {
	regime tax.Regime
	code   tax.RuleCode
}

func (k cacheKey) String() string { return string(k.regime) + "/" + string(k.code) }

// Option configures a Catalog.
type Option func(*Catalog)

// WithClock overrides the clock used for CreatedAt stamps and for
// deciding which effective dates have already begun.
func WithClock(now func() time.Time) Option {
	return func(c *Catalog) { c.now = now }
}

// NewCatalog creates a catalog backed by store.
func NewCatalog(store tax.TxStore, opts ...Option) *Catalog {
	c := &Catalog{
		store: store,
		now:   time.Now,
		cache: make(map[cacheKey][]tax.RuleEntry),
		gen:   make(map[cacheKey]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// =============================================================================
// RESOLUTION
// =============================================================================

// Resolve returns the entry for (regime, code) in force on asOf, falling back
// to the cross-regime entry.
func (c *Catalog) Resolve(ctx context.Context, regime tax.Regime, code tax.RuleCode, asOf time.Time) (tax.RuleEntry, error) {
	candidates := []tax.Regime{regime}
	if regime != tax.RegimeAny {
		candidates = append(candidates, tax.RegimeAny)
	}

	for _, r := range candidates {
		entries, err := c.entries(ctx, cacheKey{regime: r, code: code})
		if err != nil {
			return tax.RuleEntry{}, err
		}
		if e, ok := covering(entries, asOf); ok {
			return e, nil
		}
	}
	return tax.RuleEntry{}, &tax.RuleNotFoundError{Regime: regime, Code: code, AsOf: asOf}
}

func covering(entries []tax.RuleEntry, asOf time.Time) (tax.RuleEntry, bool) {
	for _, e := range entries {
		if e.Covers(asOf) {
			return e, true
		}
	}
	return tax.RuleEntry{}, false
}

func (c *Catalog) entries(ctx context.Context, key cacheKey) ([]tax.RuleEntry, error) {
	c.mu.RLock()
	cached, ok := c.cache[key]
	gen := c.gen[key]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err, _ := c.group.Do(key.String(), func() (interface{}, error) {
		loaded, err := c.store.RulesFor(ctx, key.regime, key.code)
		if err != nil {
			return nil, tax.Persistence("load rules", err)
		}
		c.mu.Lock()
		// A write that landed during the load bumped the generation.
		if c.gen[key] == gen {
			c.cache[key] = loaded
		}
		c.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]tax.RuleEntry), nil
}

func (c *Catalog) invalidate(key cacheKey) {
	c.mu.Lock()
	delete(c.cache, key)
	c.gen[key]++
	c.mu.Unlock()
	c.group.Forget(key.String())
}

// =============================================================================
// WRITES
// =============================================================================

// Insert adds a new entry. It fails with ErrRuleOverlap if the entry's
// interval intersects an existing entry for the same regime and code, and
// with ErrRuleImmutable if the entry would start on or before today.
func (c *Catalog) Insert(ctx context.Context, entry tax.RuleEntry) (tax.RuleEntry, error) {
	entry = c.stamp(entry)
	if err := entry.Validate(); err != nil {
		return tax.RuleEntry{}, err
	}
	if err := c.notStarted(entry); err != nil {
		return tax.RuleEntry{}, err
	}

	err := c.store.WithTx(ctx, func(s tax.Store) error {
		existing, err := s.RulesFor(ctx, entry.Regime, entry.Code)
		if err != nil {
			return err
		}
		if err := checkOverlap(entry, existing); err != nil {
			return err
		}
		return c.insert(ctx, s, entry)
	})
	c.invalidate(cacheKey{regime: entry.Regime, code: entry.Code})
	if err != nil {
		return tax.RuleEntry{}, tax.Persistence("insert rule", err)
	}
	return entry, nil
}

// Supersede closes the open entry for (regime, code) on the day before
// entry.EffectiveFrom and inserts entry. With no open entry it behaves like
// Insert. Only future versions are accepted: dates that already resolved
// keep resolving to the same entry.
func (c *Catalog) Supersede(ctx context.Context, entry tax.RuleEntry) (tax.RuleEntry, error) {
	entry = c.stamp(entry)
	if err := entry.Validate(); err != nil {
		return tax.RuleEntry{}, err
	}
	if err := c.notStarted(entry); err != nil {
		return tax.RuleEntry{}, err
	}

	err := c.store.WithTx(ctx, func(s tax.Store) error {
		return c.supersedeIn(ctx, s, entry)
	})
	c.invalidate(cacheKey{regime: entry.Regime, code: entry.Code})
	if err != nil {
		return tax.RuleEntry{}, tax.Persistence("supersede rule", err)
	}
	return entry, nil
}

func (c *Catalog) supersedeIn(ctx context.Context, s tax.Store, entry tax.RuleEntry) error {
	existing, err := s.RulesFor(ctx, entry.Regime, entry.Code)
	if err != nil {
		return err
	}

	for i, e := range existing {
		if e.EffectiveTo != nil {
			continue
		}
		if !tax.TruncateDay(e.EffectiveFrom).Before(tax.TruncateDay(entry.EffectiveFrom)) {
			return fmt.Errorf("%w: open entry %s starts %s, successor must start later",
				tax.ErrRuleImmutable, e.ID, e.EffectiveFrom.Format("2006-01-02"))
		}
		closeAt := tax.TruncateDay(entry.EffectiveFrom).AddDate(0, 0, -1)
		if err := s.CloseRule(ctx, e.ID, closeAt); err != nil {
			return err
		}
		if err := s.AppendAudit(ctx, tax.AuditEntry{
			ID:     uuid.NewString(),
			At:     c.now(),
			Action: tax.AuditRuleClosed,
			Regime: e.Regime,
			RuleID: e.ID,
			Payload: map[string]string{
				"code":         string(e.Code),
				"effective_to": closeAt.Format("2006-01-02"),
				"successor":    entry.ID,
			},
		}); err != nil {
			return err
		}
		existing[i].EffectiveTo = &closeAt
	}

	if err := checkOverlap(entry, existing); err != nil {
		return err
	}
	return c.insert(ctx, s, entry)
}

// notStarted rejects entries whose EffectiveFrom is on or before today.
func (c *Catalog) notStarted(entry tax.RuleEntry) error {
	today := tax.TruncateDay(c.now())
	if entry.EffectiveFrom.After(today) {
		return nil
	}
	return fmt.Errorf("%w: %s/%s effective %s has already begun; only future versions can be added",
		tax.ErrRuleImmutable, entry.Regime, entry.Code, entry.EffectiveFrom.Format("2006-01-02"))
}

// Seed inserts entries that are not yet present. An entry is considered
// present when one with the same regime, code and EffectiveFrom exists.
//
// Historical entries are only loaded into an empty (regime, code) key: the
// whole chain for that key is written in one transaction, in order, so an
// open-ended entry followed by its successor is superseded rather than
// rejected. Once a key has entries, new ones go through Supersede and must
// start in the future.
func (c *Catalog) Seed(ctx context.Context, entries []tax.RuleEntry) (int, error) {
	var order []cacheKey
	byKey := make(map[cacheKey][]tax.RuleEntry)
	for _, e := range entries {
		key := cacheKey{regime: e.Regime, code: e.Code}
		if _, ok := byKey[key]; !ok {
			order = append(order, key)
		}
		byKey[key] = append(byKey[key], e)
	}

	inserted := 0
	for _, key := range order {
		n, err := c.seedKey(ctx, key, byKey[key])
		inserted += n
		if err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}

func (c *Catalog) seedKey(ctx context.Context, key cacheKey, chain []tax.RuleEntry) (int, error) {
	existing, err := c.store.RulesFor(ctx, key.regime, key.code)
	if err != nil {
		return 0, tax.Persistence("seed rules", err)
	}

	if len(existing) > 0 {
		inserted := 0
		for _, e := range chain {
			if hasStart(existing, e.EffectiveFrom) {
				continue
			}
			if _, err := c.Supersede(ctx, e); err != nil {
				return inserted, fmt.Errorf("seed %s from %s: %w", key, e.EffectiveFrom.Format("2006-01-02"), err)
			}
			inserted++
		}
		return inserted, nil
	}

	stamped := make([]tax.RuleEntry, 0, len(chain))
	for _, e := range chain {
		e = c.stamp(e)
		if err := e.Validate(); err != nil {
			return 0, fmt.Errorf("seed %s from %s: %w", key, e.EffectiveFrom.Format("2006-01-02"), err)
		}
		if hasStart(stamped, e.EffectiveFrom) {
			continue
		}
		stamped = append(stamped, e)
	}

	err = c.store.WithTx(ctx, func(s tax.Store) error {
		current, err := s.RulesFor(ctx, key.regime, key.code)
		if err != nil {
			return err
		}
		if len(current) > 0 {
			return fmt.Errorf("%w: %s was populated concurrently", tax.ErrRuleOverlap, key)
		}
		for _, e := range stamped {
			if err := c.supersedeIn(ctx, s, e); err != nil {
				return fmt.Errorf("seed %s from %s: %w", key, e.EffectiveFrom.Format("2006-01-02"), err)
			}
		}
		return nil
	})
	c.invalidate(key)
	if err != nil {
		return 0, tax.Persistence("seed rules", err)
	}
	return len(stamped), nil
}

// List returns every entry in the catalog.
func (c *Catalog) List(ctx context.Context) ([]tax.RuleEntry, error) {
	entries, err := c.store.ListRules(ctx)
	if err != nil {
		return nil, tax.Persistence("list rules", err)
	}
	return entries, nil
}

func (c *Catalog) stamp(entry tax.RuleEntry) tax.RuleEntry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = c.now()
	}
	entry.EffectiveFrom = tax.TruncateDay(entry.EffectiveFrom)
	if entry.EffectiveTo != nil {
		to := tax.TruncateDay(*entry.EffectiveTo)
		entry.EffectiveTo = &to
	}
	return entry
}

func (c *Catalog) insert(ctx context.Context, s tax.Store, entry tax.RuleEntry) error {
	if err := s.InsertRule(ctx, entry); err != nil {
		return err
	}
	return s.AppendAudit(ctx, tax.AuditEntry{
		ID:     uuid.NewString(),
		At:     c.now(),
		Action: tax.AuditRuleInserted,
		Regime: entry.Regime,
		RuleID: entry.ID,
		Payload: map[string]string{
			"code":           string(entry.Code),
			"effective_from": entry.EffectiveFrom.Format("2006-01-02"),
			"legal_ref":      entry.LegalReference,
		},
	})
}

func checkOverlap(entry tax.RuleEntry, existing []tax.RuleEntry) error {
	for _, e := range existing {
		if e.Overlaps(entry) {
			return fmt.Errorf("%w: %s/%s conflicts with entry %s from %s",
				tax.ErrRuleOverlap, entry.Regime, entry.Code, e.ID, e.EffectiveFrom.Format("2006-01-02"))
		}
	}
	return nil
}

func hasStart(entries []tax.RuleEntry, from time.Time) bool {
	from = tax.TruncateDay(from)
	for _, e := range entries {
		if tax.TruncateDay(e.EffectiveFrom).Equal(from) {
			return true
		}
	}
	return false
}
