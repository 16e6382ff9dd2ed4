package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/rollup-engine/engine"
)

// =============================================================================
// GRAPH RESOLUTION TESTS
// =============================================================================

func TestResolveGraph_BuildsEdgesFromEffectiveAgreements(t *testing.T) {
	// GIVEN: OpCo owned 60/40 by HoldA/HoldB
	entities := []engine.EntityID{"holda", "holdb", "opco"}
	agreements := map[engine.EntityID][]engine.Agreement{
		"opco": {agreement("agr-1", "opco", date(2025, time.January, 1),
			[2]string{"holda", "60"}, [2]string{"holdb", "40"})},
	}

	g, err := engine.ResolveGraph(entities, agreements, date(2025, time.June, 30))
	require.NoError(t, err)

	owners := g.OwnersOf("opco")
	require.Len(t, owners, 2)
	assert.Equal(t, engine.EntityID("holda"), owners[0].Owner)
	assert.True(t, owners[0].IncomePct.Equal(d("60")))
	assert.Equal(t, engine.EntityID("holdb"), owners[1].Owner)
	assert.True(t, owners[1].IncomePct.Equal(d("40")))

	assert.Len(t, g.OwnedBy("holda"), 1)
	assert.Empty(t, g.OwnersOf("holda"), "holding company is a terminal node")
}

func TestResolveGraph_TemporalOwnershipChange(t *testing.T) {
	// GIVEN: OpCo owned by A until April, then by B
	entities := []engine.EntityID{"a", "b", "opco"}
	agreements := map[engine.EntityID][]engine.Agreement{
		"opco": {
			agreement("agr-1", "opco", date(2025, time.January, 1), [2]string{"a", "100"}),
			agreement("agr-2", "opco", date(2025, time.April, 1), [2]string{"b", "100"}),
		},
	}

	march, err := engine.ResolveGraph(entities, agreements, period(2025, time.March).End())
	require.NoError(t, err)
	require.Len(t, march.OwnersOf("opco"), 1)
	assert.Equal(t, engine.EntityID("a"), march.OwnersOf("opco")[0].Owner)

	april, err := engine.ResolveGraph(entities, agreements, period(2025, time.April).End())
	require.NoError(t, err)
	require.Len(t, april.OwnersOf("opco"), 1)
	assert.Equal(t, engine.EntityID("b"), april.OwnersOf("opco")[0].Owner)
}

func TestResolveGraph_DraftAgreementsIgnored(t *testing.T) {
	draft := agreement("agr-d", "opco", date(2025, time.January, 1), [2]string{"a", "100"})
	draft.Draft = true
	entities := []engine.EntityID{"a", "opco"}
	agreements := map[engine.EntityID][]engine.Agreement{"opco": {draft}}

	g, err := engine.ResolveGraph(entities, agreements, date(2025, time.June, 30))
	require.NoError(t, err)
	assert.Empty(t, g.OwnersOf("opco"))
}

// =============================================================================
// CYCLE DETECTION TESTS
// =============================================================================

func TestResolveGraph_DetectsCycle(t *testing.T) {
	// GIVEN: A owns B, B owns C, C owns A
	// WHEN: Resolving the graph
	// THEN: A CycleError naming exactly {a, b, c} is returned
	entities := []engine.EntityID{"a", "b", "c"}
	agreements := map[engine.EntityID][]engine.Agreement{
		"b": {agreement("agr-1", "b", date(2025, time.January, 1), [2]string{"a", "100"})},
		"c": {agreement("agr-2", "c", date(2025, time.January, 1), [2]string{"b", "100"})},
		"a": {agreement("agr-3", "a", date(2025, time.January, 1), [2]string{"c", "100"})},
	}

	_, err := engine.ResolveGraph(entities, agreements, date(2025, time.June, 30))
	require.Error(t, err)

	var cycleErr *engine.CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.ElementsMatch(t, []engine.EntityID{"a", "b", "c"}, cycleErr.Members)
	assert.True(t, engine.IsValidation(err))
}

func TestResolveGraph_SelfOwnershipIsACycle(t *testing.T) {
	entities := []engine.EntityID{"a"}
	agreements := map[engine.EntityID][]engine.Agreement{
		"a": {agreement("agr-1", "a", date(2025, time.January, 1), [2]string{"a", "100"})},
	}

	_, err := engine.ResolveGraph(entities, agreements, date(2025, time.June, 30))
	var cycleErr *engine.CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, []engine.EntityID{"a"}, cycleErr.Members)
}

func TestResolveGraph_DiamondIsNotACycle(t *testing.T) {
	// A owns B and C; both B and C own D. Shared ownership converging on
	// one node must not be mistaken for a cycle.
	entities := []engine.EntityID{"a", "b", "c", "d"}
	agreements := map[engine.EntityID][]engine.Agreement{
		"b": {agreement("agr-1", "b", date(2025, time.January, 1), [2]string{"a", "100"})},
		"c": {agreement("agr-2", "c", date(2025, time.January, 1), [2]string{"a", "100"})},
		"d": {agreement("agr-3", "d", date(2025, time.January, 1),
			[2]string{"b", "50"}, [2]string{"c", "50"})},
	}

	g, err := engine.ResolveGraph(entities, agreements, date(2025, time.June, 30))
	require.NoError(t, err)
	assert.Len(t, g.OwnersOf("d"), 2)
}
