/*
Package engine provides the core roll-up and reconciliation computation engine.

PURPOSE:
  This package contains the domain types and algorithms for modeling a
  network of related legal entities, computing each owner's share of
  passthrough income, and reconciling intercompany activity. It is the
  computation core: the HTTP layer, ingestion, and persistence live in
  sibling packages and talk to this one through interfaces.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entity: a legal/tax node (partnership, S-corp, trust, individual)
  - TBSnapshot/TBLine: immutable base trial-balance data
  - OverlayEntry: a calculated value produced by a roll-up run,
    stored separately from base data and never merged into it
  - Typed IDs: strong typing prevents mixing entity/run/account IDs

DESIGN PRINCIPLES:
  1. Immutability: snapshots and overlays are created once, never edited.
     A correction is a new snapshot or a new run, not an update.
  2. Precision: all money and percentages use decimal.Decimal.
     Results must be reproducible to the cent.
  3. Separation: base layer (imported/manual) and overlay layer
     (calculated) are distinct record types with distinct identities.

SEE ALSO:
  - agreement.go: effective-dated ownership configuration
  - graph.go: temporal ownership graph resolution
  - allocation.go: owner-share computation
  - store.go: persistence interfaces
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EntityID string
type GroupID string
type RunID string
type AccountID string
type AgreementID string
type RuleID string
type PairID string

// =============================================================================
// MONEY HELPERS
// =============================================================================

// Cents rounds a money amount to two decimal places, half away from zero.
// Every amount that leaves the engine (overlay entries, variances,
// allocated shares) passes through this so results tie to the cent.
func Cents(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// PctOf returns pct percent of amount (pct expressed as 0..100).
func PctOf(amount, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).Div(decimal.NewFromInt(100))
}

// MustDecimal parses a decimal string, returning zero on failure.
// Intended for constants and tests, not untrusted input.
func MustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

var Hundred = decimal.NewFromInt(100)

// DefaultTolerance is the default absolute money tolerance (one cent)
// used by allocation-mismatch and tie-out checks.
var DefaultTolerance = MustDecimal("0.01")

// DefaultSplitTolerance is the default tolerance, in percentage points,
// for the "income allocation percentages sum to 100" invariant.
var DefaultSplitTolerance = MustDecimal("0.01")

// =============================================================================
// ENTITY - Legal/tax node in the ownership network
// =============================================================================

type EntityType string

const (
	EntityPartnership EntityType = "partnership"
	EntitySCorp       EntityType = "s_corp"
	EntityTrust       EntityType = "trust"
	EntityIndividual  EntityType = "individual"
)

type EntityStatus string

const (
	EntityActive   EntityStatus = "active"
	EntityInactive EntityStatus = "inactive"
)

// Entity identity is immutable; tax classification changes arrive as a
// new effective-dated agreement, never as an edit to the entity itself.
type Entity struct {
	ID       EntityID
	Name     string
	Type     EntityType
	Status   EntityStatus
	EIN      string
	TaxClass string
}

// =============================================================================
// TRIAL-BALANCE SNAPSHOTS - Immutable base layer
// =============================================================================

type SnapshotType string

const (
	SnapshotPriorEnding   SnapshotType = "PRIOR_ENDING"
	SnapshotMonthActivity SnapshotType = "MONTH_ACTIVITY"
)

type SnapshotSource string

const (
	SourceImported SnapshotSource = "IMPORTED"
	SourceManual   SnapshotSource = "MANUAL"
	SourceDerived  SnapshotSource = "DERIVED"
)

// TBLine is a single account balance or activity amount within a snapshot.
type TBLine struct {
	Account AccountID
	Amount  decimal.Decimal
}

// TBSnapshot is an immutable base financial snapshot. It is never
// updated after creation; a correction is a new snapshot tied to a new
// ingestion run. The engine consumes these, it never authors them
// (except with SourceDerived, which is still base-layer data).
type TBSnapshot struct {
	ID        string
	Entity    EntityID
	TaxYear   int
	Period    Period
	Type      SnapshotType
	Source    SnapshotSource
	RunID     RunID
	Lines     []TBLine
	CreatedAt time.Time
}

// LineAmounts returns the snapshot's lines as an account → amount map.
func (s TBSnapshot) LineAmounts() map[AccountID]decimal.Decimal {
	out := make(map[AccountID]decimal.Decimal, len(s.Lines))
	for _, l := range s.Lines {
		out[l.Account] = out[l.Account].Add(l.Amount)
	}
	return out
}

// =============================================================================
// OVERLAY ENTRIES - Calculated layer, write-once per run
// =============================================================================

// OverlayEntry is a calculated amount produced by a roll-up run.
// Write-once per (entity, tax year, period, account, run); it is never
// merged into or replacing a TBLine.
type OverlayEntry struct {
	Entity    EntityID
	TaxYear   int
	Period    Period
	Account   AccountID
	Amount    decimal.Decimal
	RunID     RunID
	CreatedAt time.Time
}

// OverlayKey identifies an overlay entry within a run.
type OverlayKey struct {
	Entity  EntityID
	TaxYear int
	Period  Period
	Account AccountID
}

func (e OverlayEntry) Key() OverlayKey {
	return OverlayKey{Entity: e.Entity, TaxYear: e.TaxYear, Period: e.Period, Account: e.Account}
}
