/*
errors.go - Centralized error taxonomy for the engine

PURPOSE:
  All engine error types in one place. Structural/integrity errors
  (cycle, allocation mismatch, missing mapping) always block publish
  and are recorded on the run verbatim - never silently downgraded.
  Reconciliation flags (variance over tolerance, missing counterpart)
  are NOT errors; they are data conditions on a ReconResult.

ERROR CATEGORIES:
  1. Run lifecycle errors  - conflicts, illegal transitions
  2. Computation errors    - cycles, mismatches, missing configuration
  3. Store errors          - write-once violations, not-found

SEE ALSO:
  - graph.go: raises CycleError
  - allocation.go: raises AllocationMismatchError
  - run.go: state machine using transition errors
*/
package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrRunConflict is returned when a compute is requested while one
	// is already in flight for the same (client group, tax year).
	// The request is rejected immediately, never queued silently.
	ErrRunConflict = errors.New("compute already in flight for scope")

	// ErrOwnershipCycle is returned when the ownership graph contains a
	// cycle as of a date. Fatal to the run.
	ErrOwnershipCycle = errors.New("ownership graph contains a cycle")

	// ErrAllocationMismatch is returned when allocations do not sum to
	// net income within tolerance. Fatal to publish; the draft
	// computation is preserved for correction.
	ErrAllocationMismatch = errors.New("allocations do not sum to net income")

	// ErrMissingMapping is returned when no roll-up mapping exists for
	// a required owned→owner pair.
	ErrMissingMapping = errors.New("no roll-up mapping for pair")

	// ErrIncompleteBaseData is returned when a required period has no
	// base snapshot. A gap is explicit, never assumed to be zero.
	ErrIncompleteBaseData = errors.New("base data missing for period")

	// ErrInvalidSplit is returned when an agreement's income allocation
	// percentages do not sum to 100 within tolerance.
	ErrInvalidSplit = errors.New("income allocation percentages do not sum to 100")

	// ErrInvalidTransition is returned on an illegal run status change.
	ErrInvalidTransition = errors.New("invalid run status transition")

	// ErrDuplicateSnapshot is returned when a base snapshot with the
	// same identity already exists. Snapshots are write-once.
	ErrDuplicateSnapshot = errors.New("snapshot already exists")

	// ErrDuplicateOverlay is returned when an overlay entry with the
	// same (entity, period, account, run) identity already exists.
	ErrDuplicateOverlay = errors.New("overlay entry already exists")

	// ErrRunNotFound is returned when a referenced run doesn't exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrEntityNotFound is returned when a referenced entity doesn't exist.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrNoPublishedRun is returned when a read asks for the published
	// overlay of a scope that has no published run.
	ErrNoPublishedRun = errors.New("no published run for scope")

	// ErrRunNotReadable is returned when a read references a run whose
	// results are not visible: draft, computing, or failed. Rows a
	// failed run managed to stage before failing stay unreachable.
	ErrRunNotReadable = errors.New("run results not readable")

	// ErrNotFound is the generic missing-record sentinel for
	// configuration lookups.
	ErrNotFound = errors.New("not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry computation context
// =============================================================================

// CycleError reports a cycle in the ownership graph, naming the
// entities on the cycle. A cycle is a configuration error, not a
// structural possibility to silently accept.
type CycleError struct {
	AsOf    string // as-of date the graph was resolved for
	Members []EntityID
}

func (e *CycleError) Error() string {
	names := make([]string, len(e.Members))
	for i, m := range e.Members {
		names[i] = string(m)
	}
	return fmt.Sprintf("ownership cycle as of %s: %s", e.AsOf, strings.Join(names, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrOwnershipCycle }

// AllocationMismatchError reports an over- or under-allocation beyond
// tolerance. The draft allocation result is retained by the caller so
// the discrepancy can be surfaced for correction.
type AllocationMismatchError struct {
	Entity     EntityID
	Period     Period
	NetIncome  decimal.Decimal
	Allocated  decimal.Decimal
	Tolerance  decimal.Decimal
}

func (e *AllocationMismatchError) Error() string {
	return fmt.Sprintf("allocation mismatch for %s %s: net income %s, allocated %s (tolerance %s)",
		e.Entity, e.Period, e.NetIncome, e.Allocated, e.Tolerance)
}

func (e *AllocationMismatchError) Unwrap() error { return ErrAllocationMismatch }

// MissingMappingError reports the owned→owner pair that has no roll-up
// mapping effective for the period.
type MissingMappingError struct {
	Owned  EntityID
	Owner  EntityID
	Period Period
}

func (e *MissingMappingError) Error() string {
	return fmt.Sprintf("no roll-up mapping for %s -> %s in %s", e.Owned, e.Owner, e.Period)
}

func (e *MissingMappingError) Unwrap() error { return ErrMissingMapping }

// IncompleteBaseDataError reports the periods for which an entity has
// no base snapshot. Fatal when the entity's income feeds an allocation;
// otherwise a warning surfaced on the run.
type IncompleteBaseDataError struct {
	Entity  EntityID
	TaxYear int
	Missing []Period
}

func (e *IncompleteBaseDataError) Error() string {
	parts := make([]string, len(e.Missing))
	for i, p := range e.Missing {
		parts[i] = p.String()
	}
	return fmt.Sprintf("entity %s has no base data for %s", e.Entity, strings.Join(parts, ", "))
}

func (e *IncompleteBaseDataError) Unwrap() error { return ErrIncompleteBaseData }

// RunConflictError reports the run already computing for the scope.
type RunConflictError struct {
	Group     GroupID
	TaxYear   int
	ActiveRun RunID
}

func (e *RunConflictError) Error() string {
	return fmt.Sprintf("run %s already computing for %s/%d", e.ActiveRun, e.Group, e.TaxYear)
}

func (e *RunConflictError) Unwrap() error { return ErrRunConflict }

// SplitError reports an agreement whose income split fails the 100%
// invariant. Agreements may be saved in draft state violating this,
// but are never usable for a run.
type SplitError struct {
	Agreement AgreementID
	Entity    EntityID
	Sum       decimal.Decimal
}

func (e *SplitError) Error() string {
	return fmt.Sprintf("agreement %s for %s: income split sums to %s%%, expected 100%%",
		e.Agreement, e.Entity, e.Sum)
}

func (e *SplitError) Unwrap() error { return ErrInvalidSplit }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsConflict reports whether the error is a concurrency conflict the
// caller may retry after the in-flight run finishes.
func IsConflict(err error) bool {
	return errors.Is(err, ErrRunConflict)
}

// IsValidation reports whether the error is a computation-blocking
// validation failure recorded on the run.
func IsValidation(err error) bool {
	return errors.Is(err, ErrOwnershipCycle) ||
		errors.Is(err, ErrAllocationMismatch) ||
		errors.Is(err, ErrMissingMapping) ||
		errors.Is(err, ErrInvalidSplit) ||
		errors.Is(err, ErrIncompleteBaseData)
}

// IsNotFound reports whether the error indicates a missing record, or
// one that must not be visible to readers.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrEntityNotFound) ||
		errors.Is(err, ErrNoPublishedRun) ||
		errors.Is(err, ErrRunNotReadable)
}
