/*
graph.go - Temporal ownership graph builder

PURPOSE:
  Resolves, for an as-of date, the effective agreement for every entity
  in a client group and assembles a directed graph of owner → owned
  edges carrying ownership and income-allocation percentages. The graph
  is recomputed per period - ownership changes over time, so a graph
  resolved for March is not reused for April.

CYCLE DETECTION:
  Cyclic ownership (A owns B owns C owns A) is a real configuration
  error, not a theoretical concern. Detection is an explicit DFS with
  three-color marking; a cycle is reported as a CycleError naming the
  entities on the cycle and blocks any downstream roll-up publish for
  that as-of date.

SEE ALSO:
  - agreement.go: per-entity point-in-time resolution
  - allocation.go: consumes OwnersOf edges
*/
package engine

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// OWNERSHIP GRAPH
// =============================================================================

// Edge is a resolved owner → owned relationship. Derived from the
// effective agreement, never stored as primary data.
type Edge struct {
	Owner        EntityID
	Owned        EntityID
	OwnershipPct decimal.Decimal
	IncomePct    decimal.Decimal
}

// Graph is the ownership network resolved for one as-of date.
type Graph struct {
	AsOf time.Time

	// owners keyed by owned entity
	owners map[EntityID][]Edge
	// owned keyed by owner entity
	owned map[EntityID][]Edge
}

// OwnersOf returns the edges pointing at the given entity (its owners),
// sorted by owner ID for deterministic iteration.
func (g *Graph) OwnersOf(e EntityID) []Edge {
	return g.owners[e]
}

// OwnedBy returns the edges leaving the given entity (what it owns).
func (g *Graph) OwnedBy(e EntityID) []Edge {
	return g.owned[e]
}

// Entities returns every entity appearing in the graph, sorted.
func (g *Graph) Entities() []EntityID {
	seen := make(map[EntityID]bool)
	for e := range g.owners {
		seen[e] = true
	}
	for e := range g.owned {
		seen[e] = true
	}
	out := make([]EntityID, 0, len(seen))
	for e := range seen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// =============================================================================
// GRAPH RESOLUTION
// =============================================================================

// ResolveGraph builds the ownership graph for a set of entities at an
// as-of date. agreements holds each entity's full effective-dated
// history. An entity with no effective agreement is a terminal node
// (no owners). A cycle anywhere in the graph fails resolution with a
// *CycleError naming the cycle members.
func ResolveGraph(entities []EntityID, agreements map[EntityID][]Agreement, asOf time.Time) (*Graph, error) {
	g := &Graph{
		AsOf:   asOf,
		owners: make(map[EntityID][]Edge),
		owned:  make(map[EntityID][]Edge),
	}

	sorted := make([]EntityID, len(entities))
	copy(sorted, entities)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for _, owned := range sorted {
		a := ResolveAgreement(agreements[owned], asOf, false)
		if a == nil {
			continue // terminal node for this date
		}
		for _, o := range a.Owners {
			edge := Edge{
				Owner:        o.Entity,
				Owned:        owned,
				OwnershipPct: o.OwnershipPct,
				IncomePct:    o.EffectiveIncomePct(),
			}
			g.owners[owned] = append(g.owners[owned], edge)
			g.owned[o.Entity] = append(g.owned[o.Entity], edge)
		}
	}

	for e := range g.owners {
		sort.Slice(g.owners[e], func(i, j int) bool { return g.owners[e][i].Owner < g.owners[e][j].Owner })
	}
	for e := range g.owned {
		sort.Slice(g.owned[e], func(i, j int) bool { return g.owned[e][i].Owned < g.owned[e][j].Owned })
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &CycleError{AsOf: asOf.Format("2006-01-02"), Members: cycle}
	}
	return g, nil
}

// =============================================================================
// CYCLE DETECTION - Three-color DFS
// =============================================================================

type dfsColor int

const (
	white dfsColor = iota // unvisited
	gray                  // on the current DFS stack
	black                 // fully explored
)

// findCycle walks owner → owned edges from every node. Hitting a gray
// node means the current stack contains a cycle; the members are the
// stack suffix from that node onward.
func (g *Graph) findCycle() []EntityID {
	color := make(map[EntityID]dfsColor)
	var stack []EntityID
	var cycle []EntityID

	var visit func(e EntityID) bool
	visit = func(e EntityID) bool {
		color[e] = gray
		stack = append(stack, e)
		for _, edge := range g.owned[e] {
			next := edge.Owned
			switch color[next] {
			case gray:
				for i, s := range stack {
					if s == next {
						cycle = append([]EntityID(nil), stack[i:]...)
						return true
					}
				}
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[e] = black
		return false
	}

	for _, e := range g.Entities() {
		if color[e] == white {
			if visit(e) {
				return cycle
			}
		}
	}
	return nil
}
