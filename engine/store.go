/*
store.go - Persistence interfaces for the engine

PURPOSE:
  Defines the contract between the computation engine and storage.
  Different implementations back these with SQLite or memory; the
  engine never sees SQL.

APPEND-ONLY CONTRACT:
  SnapshotStore and OverlayStore are append-only: no Update, no Delete.
  A snapshot with a duplicate identity is rejected with
  ErrDuplicateSnapshot; an overlay entry colliding on
  (entity, tax year, period, account, run) is rejected with
  ErrDuplicateOverlay. Corrections are new snapshots or new runs.

RUN EXCLUSIVITY:
  BeginCompute is a compare-and-set: it succeeds only from draft, and
  only while no other run for the same (group, tax year) holds
  computing. PublishRun swaps the published pointer in a single atomic
  transaction - readers never observe zero or two published runs.

IMPLEMENTATIONS:
  - store/sqlite: production store (WAL, unique indexes, transactions)
  - engine/store: in-memory store for tests

SEE ALSO:
  - run.go: status state machine enforced by RunStore
*/
package engine

import (
	"context"
	"time"
)

// =============================================================================
// BASE LAYER
// =============================================================================

// SnapshotStore persists immutable base trial-balance snapshots.
type SnapshotStore interface {
	// AppendSnapshot writes a snapshot. Write-once: a snapshot with the
	// same (entity, tax year, period, type, source, run) identity is
	// rejected with ErrDuplicateSnapshot.
	AppendSnapshot(ctx context.Context, snap TBSnapshot) error

	// Snapshots returns all base snapshots for an entity and tax year.
	Snapshots(ctx context.Context, entity EntityID, taxYear int) ([]TBSnapshot, error)
}

// =============================================================================
// OVERLAY LAYER
// =============================================================================

// OverlayStore persists calculated overlay entries.
type OverlayStore interface {
	// AppendOverlays writes a run's entries atomically: either all
	// become durable or none do. Entries colliding on their write-once
	// key are rejected with ErrDuplicateOverlay.
	AppendOverlays(ctx context.Context, entries []OverlayEntry) error

	// Overlays returns the entries for an entity/year/period under a
	// specific run.
	Overlays(ctx context.Context, entity EntityID, taxYear int, period Period, runID RunID) ([]OverlayEntry, error)
}

// =============================================================================
// RUNS
// =============================================================================

// RunStore persists run records and enforces the status state machine.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id RunID) (*Run, error)
	ListRuns(ctx context.Context, group GroupID, taxYear int) ([]Run, error)

	// BeginCompute transitions draft -> computing via compare-and-set.
	// Fails with *RunConflictError when another run for the same scope
	// is computing, and ErrInvalidTransition when the run isn't draft.
	BeginCompute(ctx context.Context, id RunID, at time.Time) error

	// CompleteRun transitions computing -> computed or failed,
	// recording the failure reason and any warnings.
	CompleteRun(ctx context.Context, id RunID, status RunStatus, reason string, warnings []string, at time.Time) error

	// PublishRun transitions computed -> published, atomically
	// displacing whichever run was previously published for the same
	// (group, tax year).
	PublishRun(ctx context.Context, id RunID, at time.Time) error

	// PublishedRun returns the currently published run for a scope, or
	// ErrNoPublishedRun.
	PublishedRun(ctx context.Context, group GroupID, taxYear int) (*Run, error)

	// StaleComputing returns runs stuck in computing since before the
	// given time, for the supervisory sweep to fail.
	StaleComputing(ctx context.Context, before time.Time) ([]Run, error)
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// ConfigStore persists mutable, effective-dated configuration. The
// engine validates these records at compute time but does not author
// them beyond rejecting invalid ones.
type ConfigStore interface {
	SaveEntity(ctx context.Context, e Entity) error
	GetEntity(ctx context.Context, id EntityID) (*Entity, error)
	AddGroupMember(ctx context.Context, group GroupID, entity EntityID) error
	GroupMembers(ctx context.Context, group GroupID) ([]EntityID, error)

	SaveAgreement(ctx context.Context, a Agreement) error
	Agreements(ctx context.Context, entity EntityID) ([]Agreement, error)

	SaveRule(ctx context.Context, r SpecialRule) error
	Rules(ctx context.Context, entity EntityID) ([]SpecialRule, error)

	SaveMapping(ctx context.Context, m RollupMapping) error
	Mappings(ctx context.Context, owned, owner EntityID) ([]RollupMapping, error)

	SaveReconPair(ctx context.Context, p ReconPair) error
	ReconPairs(ctx context.Context, group GroupID) ([]ReconPair, error)
}

// =============================================================================
// RECON RESULTS
// =============================================================================

// ReconStore persists recon results. SaveReconResult upserts the
// engine-owned numeric fields; on update, the stored user-owned
// status/notes are preserved. SetReconTriage is the only write path
// for status/notes.
type ReconStore interface {
	SaveReconResult(ctx context.Context, r ReconResult) error
	GetReconResult(ctx context.Context, id string) (*ReconResult, error)
	ReconResults(ctx context.Context, group GroupID, taxYear int, period Period) ([]ReconResult, error)
	SetReconTriage(ctx context.Context, id string, status ReconStatus, notes string) error
}

// =============================================================================
// COMBINED STORE
// =============================================================================

// Store is the full persistence surface the orchestrator and API need.
type Store interface {
	SnapshotStore
	OverlayStore
	RunStore
	ConfigStore
	ReconStore
}
