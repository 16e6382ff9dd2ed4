/*
agreement.go - Effective-dated partnership agreements

PURPOSE:
  A PartnershipAgreement is the ownership configuration for one entity:
  who owns it, with what ownership percentage, and what share of its
  passthrough income each owner receives. Agreements are effective-dated
  rather than versioned-by-run: resolution is always a point-in-time
  lookup ("latest agreement effective on or before the as-of date, not
  yet ended"), never a live mutable "current" pointer. That keeps past
  runs auditable against the configuration that was in force.

INVARIANT:
  For any single agreement, the income allocation percentages across
  owners sum to 100% within tolerance. An agreement may be saved in
  draft state violating this, but a draft is never usable for a run.

SEE ALSO:
  - graph.go: assembles resolved agreements into an ownership graph
  - allocation.go: consumes the resolved owner percentages
*/
package engine

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AGREEMENT - Ownership configuration for one entity
// =============================================================================

// AgreementOwner is one row of an agreement's ownership table.
type AgreementOwner struct {
	Entity       EntityID
	OwnershipPct decimal.Decimal // 0..100

	// IncomeAllocationPct overrides OwnershipPct for income allocation.
	// nil = unset, fall back to OwnershipPct.
	IncomeAllocationPct *decimal.Decimal
}

// EffectiveIncomePct returns the percentage used for income allocation.
func (o AgreementOwner) EffectiveIncomePct() decimal.Decimal {
	if o.IncomeAllocationPct != nil {
		return *o.IncomeAllocationPct
	}
	return o.OwnershipPct
}

// Agreement is an effective-dated ownership record for one entity.
type Agreement struct {
	ID     AgreementID
	Entity EntityID // the owned entity

	EffectiveFrom time.Time
	EffectiveTo   *time.Time // nil = open-ended

	Owners []AgreementOwner

	// Draft agreements are excluded from run resolution.
	Draft bool

	CreatedAt time.Time
}

// ActiveAt reports whether the agreement is in force at the given date:
// effective on or before it, and not yet ended (end date, if any,
// must be strictly after the as-of date).
func (a Agreement) ActiveAt(asOf time.Time) bool {
	if a.EffectiveFrom.After(asOf) {
		return false
	}
	if a.EffectiveTo != nil && !a.EffectiveTo.After(asOf) {
		return false
	}
	return true
}

// ValidateSplit checks the 100% income-split invariant within the given
// tolerance (in percentage points). Returns a *SplitError on violation.
func (a Agreement) ValidateSplit(tolerance decimal.Decimal) error {
	if len(a.Owners) == 0 {
		return nil // terminal node, nothing to split
	}
	sum := decimal.Zero
	for _, o := range a.Owners {
		sum = sum.Add(o.EffectiveIncomePct())
	}
	if sum.Sub(Hundred).Abs().GreaterThan(tolerance) {
		return &SplitError{Agreement: a.ID, Entity: a.Entity, Sum: sum}
	}
	return nil
}

// =============================================================================
// POINT-IN-TIME RESOLUTION
// =============================================================================

// ResolveAgreement selects the agreement in force for an entity at the
// as-of date: the one with the latest effective date ≤ asOf whose end
// date (if any) is still in the future. Draft agreements are skipped
// unless includeDraft is set (preview views only). Returns nil when no
// agreement applies - the entity has no owners at that date.
func ResolveAgreement(history []Agreement, asOf time.Time, includeDraft bool) *Agreement {
	sorted := make([]Agreement, len(history))
	copy(sorted, history)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].EffectiveFrom.Before(sorted[j].EffectiveFrom)
	})

	var match *Agreement
	for i := range sorted {
		a := sorted[i]
		if a.Draft && !includeDraft {
			continue
		}
		if a.ActiveAt(asOf) {
			match = &sorted[i] // keep scanning: later effective date wins
		}
	}
	return match
}
