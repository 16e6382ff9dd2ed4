// Package store provides an in-memory engine.Store implementation for
// tests and development.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ledgerline/rollup-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex

	snapshots    map[snapshotKey]engine.TBSnapshot
	overlays     map[overlayKey]engine.OverlayEntry
	runs         map[engine.RunID]engine.Run
	published    map[scopeKey]engine.RunID
	entities     map[engine.EntityID]engine.Entity
	groups       map[engine.GroupID][]engine.EntityID
	agreements   map[engine.EntityID][]engine.Agreement
	rules        map[engine.EntityID][]engine.SpecialRule
	mappings     map[pairEntityKey][]engine.RollupMapping
	reconPairs   map[engine.PairID]engine.ReconPair
	reconResults map[string]engine.ReconResult
}

type snapshotKey struct {
	entity engine.EntityID
	year   int
	period engine.Period
	typ    engine.SnapshotType
	source engine.SnapshotSource
	run    engine.RunID
}

type overlayKey struct {
	key engine.OverlayKey
	run engine.RunID
}

type scopeKey struct {
	group engine.GroupID
	year  int
}

type pairEntityKey struct {
	owned engine.EntityID
	owner engine.EntityID
}

func NewMemory() *Memory {
	return &Memory{
		snapshots:    make(map[snapshotKey]engine.TBSnapshot),
		overlays:     make(map[overlayKey]engine.OverlayEntry),
		runs:         make(map[engine.RunID]engine.Run),
		published:    make(map[scopeKey]engine.RunID),
		entities:     make(map[engine.EntityID]engine.Entity),
		groups:       make(map[engine.GroupID][]engine.EntityID),
		agreements:   make(map[engine.EntityID][]engine.Agreement),
		rules:        make(map[engine.EntityID][]engine.SpecialRule),
		mappings:     make(map[pairEntityKey][]engine.RollupMapping),
		reconPairs:   make(map[engine.PairID]engine.ReconPair),
		reconResults: make(map[string]engine.ReconResult),
	}
}

// =============================================================================
// SNAPSHOTS (engine.SnapshotStore)
// =============================================================================

func (m *Memory) AppendSnapshot(_ context.Context, snap engine.TBSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := snapshotKey{snap.Entity, snap.TaxYear, snap.Period, snap.Type, snap.Source, snap.RunID}
	if _, exists := m.snapshots[k]; exists {
		return engine.ErrDuplicateSnapshot
	}
	m.snapshots[k] = snap
	return nil
}

func (m *Memory) Snapshots(_ context.Context, entity engine.EntityID, taxYear int) ([]engine.TBSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []engine.TBSnapshot
	for _, s := range m.snapshots {
		if s.Entity == entity && s.TaxYear == taxYear {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Period.Equal(out[j].Period) {
			return out[i].Period.Before(out[j].Period)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// =============================================================================
// OVERLAYS (engine.OverlayStore)
// =============================================================================

func (m *Memory) AppendOverlays(_ context.Context, entries []engine.OverlayEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check all keys first so the write is all-or-nothing.
	for _, e := range entries {
		k := overlayKey{key: e.Key(), run: e.RunID}
		if _, exists := m.overlays[k]; exists {
			return engine.ErrDuplicateOverlay
		}
	}
	for _, e := range entries {
		m.overlays[overlayKey{key: e.Key(), run: e.RunID}] = e
	}
	return nil
}

func (m *Memory) Overlays(_ context.Context, entity engine.EntityID, taxYear int, period engine.Period, runID engine.RunID) ([]engine.OverlayEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []engine.OverlayEntry
	for _, e := range m.overlays {
		if e.Entity == entity && e.TaxYear == taxYear && e.Period.Equal(period) && e.RunID == runID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out, nil
}

// =============================================================================
// RUNS (engine.RunStore)
// =============================================================================

func (m *Memory) CreateRun(_ context.Context, run engine.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) GetRun(_ context.Context, id engine.RunID) (*engine.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, engine.ErrRunNotFound
	}
	return &run, nil
}

func (m *Memory) ListRuns(_ context.Context, group engine.GroupID, taxYear int) ([]engine.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []engine.Run
	for _, r := range m.runs {
		if r.Group == group && r.TaxYear == taxYear {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) BeginCompute(_ context.Context, id engine.RunID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return engine.ErrRunNotFound
	}
	if run.Status != engine.RunDraft {
		return engine.ErrInvalidTransition
	}

	// Compare-and-set under the lock: at most one computing run per
	// (group, tax year).
	for _, other := range m.runs {
		if other.ID != id && other.Group == run.Group && other.TaxYear == run.TaxYear &&
			other.Status == engine.RunComputing {
			return &engine.RunConflictError{Group: run.Group, TaxYear: run.TaxYear, ActiveRun: other.ID}
		}
	}

	run.Status = engine.RunComputing
	run.StartedAt = &at
	m.runs[id] = run
	return nil
}

func (m *Memory) CompleteRun(_ context.Context, id engine.RunID, status engine.RunStatus, reason string, warnings []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return engine.ErrRunNotFound
	}
	if !run.Status.CanTransition(status) || (status != engine.RunComputed && status != engine.RunFailed) {
		return engine.ErrInvalidTransition
	}
	run.Status = status
	run.Reason = reason
	run.Warnings = append([]string(nil), warnings...)
	run.CompletedAt = &at
	m.runs[id] = run
	return nil
}

func (m *Memory) PublishRun(_ context.Context, id engine.RunID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return engine.ErrRunNotFound
	}
	if !run.Status.CanTransition(engine.RunPublished) {
		return engine.ErrInvalidTransition
	}

	// Single atomic swap under the lock: displace the prior published
	// run and move the pointer together.
	scope := scopeKey{group: run.Group, year: run.TaxYear}
	if priorID, ok := m.published[scope]; ok && priorID != id {
		prior := m.runs[priorID]
		prior.Status = engine.RunComputed
		prior.PublishedAt = nil
		m.runs[priorID] = prior
	}

	run.Status = engine.RunPublished
	run.PublishedAt = &at
	m.runs[id] = run
	m.published[scope] = id
	return nil
}

func (m *Memory) PublishedRun(_ context.Context, group engine.GroupID, taxYear int) (*engine.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.published[scopeKey{group: group, year: taxYear}]
	if !ok {
		return nil, engine.ErrNoPublishedRun
	}
	run := m.runs[id]
	return &run, nil
}

func (m *Memory) StaleComputing(_ context.Context, before time.Time) ([]engine.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []engine.Run
	for _, r := range m.runs {
		if r.Status == engine.RunComputing && r.StartedAt != nil && r.StartedAt.Before(before) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// CONFIGURATION (engine.ConfigStore)
// =============================================================================

func (m *Memory) SaveEntity(_ context.Context, e engine.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[e.ID] = e
	return nil
}

func (m *Memory) GetEntity(_ context.Context, id engine.EntityID) (*engine.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	if !ok {
		return nil, engine.ErrEntityNotFound
	}
	return &e, nil
}

func (m *Memory) AddGroupMember(_ context.Context, group engine.GroupID, entity engine.EntityID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.groups[group] {
		if e == entity {
			return nil
		}
	}
	m.groups[group] = append(m.groups[group], entity)
	return nil
}

func (m *Memory) GroupMembers(_ context.Context, group engine.GroupID) ([]engine.EntityID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]engine.EntityID(nil), m.groups[group]...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *Memory) SaveAgreement(_ context.Context, a engine.Agreement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.agreements[a.Entity]
	for i, existing := range list {
		if existing.ID == a.ID {
			list[i] = a
			return nil
		}
	}
	m.agreements[a.Entity] = append(list, a)
	return nil
}

func (m *Memory) Agreements(_ context.Context, entity engine.EntityID) ([]engine.Agreement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]engine.Agreement(nil), m.agreements[entity]...), nil
}

func (m *Memory) SaveRule(_ context.Context, r engine.SpecialRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.rules[r.Entity]
	for i, existing := range list {
		if existing.ID == r.ID {
			list[i] = r
			return nil
		}
	}
	m.rules[r.Entity] = append(list, r)
	return nil
}

func (m *Memory) Rules(_ context.Context, entity engine.EntityID) ([]engine.SpecialRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]engine.SpecialRule(nil), m.rules[entity]...), nil
}

func (m *Memory) SaveMapping(_ context.Context, mapping engine.RollupMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pairEntityKey{owned: mapping.Owned, owner: mapping.Owner}
	m.mappings[k] = append(m.mappings[k], mapping)
	return nil
}

func (m *Memory) Mappings(_ context.Context, owned, owner engine.EntityID) ([]engine.RollupMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]engine.RollupMapping(nil), m.mappings[pairEntityKey{owned: owned, owner: owner}]...), nil
}

func (m *Memory) SaveReconPair(_ context.Context, p engine.ReconPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconPairs[p.ID] = p
	return nil
}

func (m *Memory) ReconPairs(_ context.Context, group engine.GroupID) ([]engine.ReconPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []engine.ReconPair
	for _, p := range m.reconPairs {
		if p.Group == group {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// RECON RESULTS (engine.ReconStore)
// =============================================================================

func (m *Memory) SaveReconResult(_ context.Context, r engine.ReconResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.reconResults[r.ID]; ok {
		// Numeric fields are engine-owned; status/notes are user-owned
		// and survive recomputation.
		r.Status = existing.Status
		r.Notes = existing.Notes
	}
	m.reconResults[r.ID] = r
	return nil
}

func (m *Memory) GetReconResult(_ context.Context, id string) (*engine.ReconResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reconResults[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return &r, nil
}

func (m *Memory) ReconResults(_ context.Context, group engine.GroupID, taxYear int, period engine.Period) ([]engine.ReconResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []engine.ReconResult
	for _, r := range m.reconResults {
		pair, ok := m.reconPairs[r.Pair]
		if !ok || pair.Group != group {
			continue
		}
		if r.TaxYear == taxYear && r.Period.Equal(period) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetReconTriage(_ context.Context, id string, status engine.ReconStatus, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reconResults[id]
	if !ok {
		return engine.ErrNotFound
	}
	r.Status = status
	r.Notes = notes
	m.reconResults[id] = r
	return nil
}
