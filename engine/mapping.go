package engine

import "time"

// =============================================================================
// ROLL-UP MAPPING - Where allocated income lands on the owner's books
// =============================================================================

// RollupMapping is effective-dated configuration naming the account on
// the owner's trial balance that receives passthrough income allocated
// from the owned entity. A required owned→owner pair with no effective
// mapping fails the run with a MissingMappingError.
type RollupMapping struct {
	Owned         EntityID
	Owner         EntityID
	TargetAccount AccountID
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
}

// ActiveAt reports whether the mapping is in force at the given date.
func (m RollupMapping) ActiveAt(asOf time.Time) bool {
	if m.EffectiveFrom.After(asOf) {
		return false
	}
	if m.EffectiveTo != nil && !m.EffectiveTo.After(asOf) {
		return false
	}
	return true
}

// ResolveMapping selects the mapping in force at the as-of date from a
// pair's history: latest effective date ≤ asOf, not yet ended. Returns
// nil when none applies.
func ResolveMapping(history []RollupMapping, asOf time.Time) *RollupMapping {
	var match *RollupMapping
	for i := range history {
		m := history[i]
		if !m.ActiveAt(asOf) {
			continue
		}
		if match == nil || m.EffectiveFrom.After(match.EffectiveFrom) {
			match = &history[i]
		}
	}
	return match
}
