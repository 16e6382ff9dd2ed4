/*
run.go - Roll-up run lifecycle

PURPOSE:
  A RollupRun is one versioned computation pass for a client group and
  tax year. It moves through a strict state machine:

      draft -> computing -> {computed, failed}
      computed -> published
      published -> computed   (displaced when a newer run is published)

  Terminal states are published and failed. A computed run not yet
  published can be discarded or superseded by re-running; re-running
  always creates a NEW run record - a run transitions through the
  machine exactly once per computation attempt.

EXCLUSIVITY:
  At most one computing run may exist per (client group, tax year).
  The draft -> computing transition is the only entry point and is
  enforced by a compare-and-set on the status field in the store, not
  by an external lock service.
*/
package engine

import "time"

// =============================================================================
// RUN STATUS STATE MACHINE
// =============================================================================

type RunStatus string

const (
	RunDraft     RunStatus = "draft"
	RunComputing RunStatus = "computing"
	RunComputed  RunStatus = "computed"
	RunPublished RunStatus = "published"
	RunFailed    RunStatus = "failed"
)

var runTransitions = map[RunStatus][]RunStatus{
	RunDraft:     {RunComputing},
	RunComputing: {RunComputed, RunFailed},
	RunComputed:  {RunPublished},
	RunPublished: {RunComputed}, // displaced by publishing a newer run
	RunFailed:    {},
}

// CanTransition reports whether the status change is legal.
func (s RunStatus) CanTransition(to RunStatus) bool {
	for _, t := range runTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// =============================================================================
// RUN RECORD
// =============================================================================

// Run is one computation pass. InputFingerprint captures which base
// snapshots and configuration versions were used, so byte-identical
// inputs are recognizable across runs (the idempotency property:
// identical inputs produce identical overlay amounts under a new run
// ID).
type Run struct {
	ID      RunID
	Group   GroupID
	TaxYear int
	Through Period

	Status           RunStatus
	InputFingerprint string

	// Reason records why a run failed, verbatim from the validation
	// error. Empty for non-failed runs.
	Reason string

	// Warnings are non-fatal conditions (base-data gaps on terminal
	// entities) surfaced on the run.
	Warnings []string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	PublishedAt *time.Time
}
