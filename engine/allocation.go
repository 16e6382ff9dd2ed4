/*
allocation.go - Owner-share allocation with special-rule precedence

PURPOSE:
  Given an entity's net passthrough income for a period and its resolved
  owner edges, computes each owner's allocated amount. Special
  allocation rules override the default pro-rata split for the amounts
  they cover; whatever they do not cover is allocated pro-rata, by
  income allocation percentage, across the owners the rule table does
  not name.

PRECEDENCE:
  1. Account-scoped rules beat entity-wide rules for the same period.
  2. At equal specificity, the rule with the later effective date wins.
     This is a documented, deterministic default, not an assumed
     business rule - the tie-break is a pluggable RulePrecedence so a
     firm can configure a different policy.

ROUNDING:
  Every share is rounded to the cent. Any rounding residue within a
  pool is assigned to the largest share so pool totals, and therefore
  run totals, always tie to the cent and recomputation is deterministic.

SEE ALSO:
  - graph.go: produces the owner edges consumed here
  - errors.go: AllocationMismatchError semantics
*/
package engine

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SPECIAL ALLOCATION RULES
// =============================================================================

// RuleScopeKind is the tagged variant over rule scope. Account-scoped
// rules are more specific than entity-wide rules.
type RuleScopeKind string

const (
	ScopeEntityWide RuleScopeKind = "entity_wide"
	ScopeAccount    RuleScopeKind = "account"
)

// RuleAllocation is one row of a special rule's allocation table.
// Exactly one of Amount (a fixed amount for the period) or Pct
// (a percentage of the pool) is set.
type RuleAllocation struct {
	Owner  EntityID
	Amount *decimal.Decimal
	Pct    *decimal.Decimal
}

// SpecialRule is an effective-dated override of the pro-rata split,
// scoped either to an entire entity or to a single account for a date
// range.
type SpecialRule struct {
	ID     RuleID
	Entity EntityID

	Scope   RuleScopeKind
	Account AccountID // set only when Scope == ScopeAccount

	EffectiveFrom time.Time
	EffectiveTo   *time.Time

	Allocations []RuleAllocation

	CreatedAt time.Time
}

// ActiveAt reports whether the rule covers the given as-of date.
func (r SpecialRule) ActiveAt(asOf time.Time) bool {
	if r.EffectiveFrom.After(asOf) {
		return false
	}
	if r.EffectiveTo != nil && !r.EffectiveTo.After(asOf) {
		return false
	}
	return true
}

// RulePrecedence reports whether a wins over b when both match a pool
// at the same specificity.
type RulePrecedence func(a, b SpecialRule) bool

// LaterEffectiveWins is the default equal-specificity tie-break: the
// rule with the later effective date wins. Ties on effective date fall
// back to rule ID so the outcome is still deterministic.
func LaterEffectiveWins(a, b SpecialRule) bool {
	if !a.EffectiveFrom.Equal(b.EffectiveFrom) {
		return a.EffectiveFrom.After(b.EffectiveFrom)
	}
	return a.ID > b.ID
}

// =============================================================================
// ALLOCATOR
// =============================================================================

// OwnerShare is one owner's allocated amount, rounded to the cent.
type OwnerShare struct {
	Owner  EntityID
	Amount decimal.Decimal
}

// AllocationResult is the outcome of allocating one entity/period.
// On an AllocationMismatchError the result is still returned so the
// draft computation can be surfaced for correction.
type AllocationResult struct {
	Entity EntityID
	Period Period
	Shares []OwnerShare // sorted by owner
	Total  decimal.Decimal
}

// AllocationInput carries everything Allocate needs. AccountIncome is
// the per-account breakdown of NetIncome; it is only consulted when an
// account-scoped rule is in force, otherwise the income is treated as
// one pool.
type AllocationInput struct {
	Entity        EntityID
	Period        Period
	NetIncome     decimal.Decimal
	AccountIncome map[AccountID]decimal.Decimal
	Owners        []Edge
	Rules         []SpecialRule
}

// Allocator computes owner shares. The zero value is not usable; use
// NewAllocator.
type Allocator struct {
	// Tolerance is the absolute money tolerance for the total-allocated
	// vs net-income check.
	Tolerance decimal.Decimal

	// Precedence breaks ties between rules of equal specificity.
	Precedence RulePrecedence
}

func NewAllocator() *Allocator {
	return &Allocator{
		Tolerance:  DefaultTolerance,
		Precedence: LaterEffectiveWins,
	}
}

// pool is a slice of income governed by at most one rule.
type pool struct {
	amount decimal.Decimal
	rule   *SpecialRule // nil = pure pro-rata
}

// Allocate computes each owner's share of the entity's net income for
// the period. Returns the result and, when the total misses net income
// beyond tolerance, an *AllocationMismatchError alongside it.
func (al *Allocator) Allocate(in AllocationInput) (*AllocationResult, error) {
	asOf := in.Period.End()
	pools := al.partition(in, asOf)

	totals := make(map[EntityID]decimal.Decimal)
	for _, p := range pools {
		al.allocatePool(p, in.Owners, totals)
	}

	result := &AllocationResult{Entity: in.Entity, Period: in.Period}
	owners := make([]EntityID, 0, len(totals))
	for o := range totals {
		owners = append(owners, o)
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })
	for _, o := range owners {
		amt := Cents(totals[o])
		result.Shares = append(result.Shares, OwnerShare{Owner: o, Amount: amt})
		result.Total = result.Total.Add(amt)
	}

	if result.Total.Sub(in.NetIncome).Abs().GreaterThan(al.Tolerance) {
		return result, &AllocationMismatchError{
			Entity:    in.Entity,
			Period:    in.Period,
			NetIncome: in.NetIncome,
			Allocated: result.Total,
			Tolerance: al.Tolerance,
		}
	}
	return result, nil
}

// partition splits net income into pools by rule coverage: one pool per
// account covered by an active account-scoped rule, then a residual
// pool governed by the winning entity-wide rule, if any.
func (al *Allocator) partition(in AllocationInput, asOf time.Time) []pool {
	accountWinner := make(map[AccountID]SpecialRule)
	var entityWinner *SpecialRule

	for _, r := range in.Rules {
		if !r.ActiveAt(asOf) {
			continue
		}
		switch r.Scope {
		case ScopeAccount:
			if cur, ok := accountWinner[r.Account]; !ok || al.Precedence(r, cur) {
				accountWinner[r.Account] = r
			}
		case ScopeEntityWide:
			if entityWinner == nil || al.Precedence(r, *entityWinner) {
				rule := r
				entityWinner = &rule
			}
		}
	}

	var pools []pool
	covered := decimal.Zero

	accounts := make([]AccountID, 0, len(accountWinner))
	for a := range accountWinner {
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i] < accounts[j] })
	for _, a := range accounts {
		amt, ok := in.AccountIncome[a]
		if !ok {
			continue // rule covers an account with no activity this period
		}
		rule := accountWinner[a]
		pools = append(pools, pool{amount: amt, rule: &rule})
		covered = covered.Add(amt)
	}

	residual := in.NetIncome.Sub(covered)
	if !residual.IsZero() || len(pools) == 0 {
		pools = append(pools, pool{amount: residual, rule: entityWinner})
	}
	return pools
}

// allocatePool applies a pool's rule table (fixed amounts, then
// percentages of the pool) and distributes the remainder pro-rata by
// income allocation percentage across the owners the table does not
// name. An owner the rule settled never double-dips the remainder.
func (al *Allocator) allocatePool(p pool, owners []Edge, totals map[EntityID]decimal.Decimal) {
	remaining := p.amount
	covered := make(map[EntityID]bool)

	if p.rule != nil {
		for _, row := range p.rule.Allocations {
			var amt decimal.Decimal
			switch {
			case row.Amount != nil:
				amt = Cents(*row.Amount)
			case row.Pct != nil:
				amt = Cents(PctOf(p.amount, *row.Pct))
			default:
				continue
			}
			totals[row.Owner] = totals[row.Owner].Add(amt)
			remaining = remaining.Sub(amt)
			covered[row.Owner] = true
		}
	}

	if remaining.IsZero() || len(owners) == 0 {
		return
	}

	// The remainder is renormalized over the uncovered owners' income
	// percentages.
	eligible := owners
	if len(covered) > 0 {
		eligible = make([]Edge, 0, len(owners))
		for _, e := range owners {
			if !covered[e.Owner] {
				eligible = append(eligible, e)
			}
		}
	}
	if len(eligible) == 0 {
		return // every owner is ruled; any leftover surfaces as a mismatch
	}

	sumPct := decimal.Zero
	for _, e := range eligible {
		sumPct = sumPct.Add(e.IncomePct)
	}
	if sumPct.IsZero() {
		return // nothing to distribute against; surfaces as a mismatch
	}

	// Pro-rata with the rounding residue assigned to the largest raw
	// share (ties broken by owner ID).
	type rawShare struct {
		owner EntityID
		raw   decimal.Decimal
		cents decimal.Decimal
	}
	shares := make([]rawShare, 0, len(eligible))
	allocated := decimal.Zero
	for _, e := range eligible {
		raw := remaining.Mul(e.IncomePct).Div(sumPct)
		c := Cents(raw)
		shares = append(shares, rawShare{owner: e.Owner, raw: raw, cents: c})
		allocated = allocated.Add(c)
	}

	residue := remaining.Sub(allocated)
	if !residue.IsZero() {
		largest := 0
		for i := 1; i < len(shares); i++ {
			if shares[i].raw.GreaterThan(shares[largest].raw) ||
				(shares[i].raw.Equal(shares[largest].raw) && shares[i].owner < shares[largest].owner) {
				largest = i
			}
		}
		shares[largest].cents = shares[largest].cents.Add(Cents(residue))
	}

	for _, s := range shares {
		totals[s.owner] = totals[s.owner].Add(s.cents)
	}
}
