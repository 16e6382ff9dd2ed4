package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/rollup-engine/engine"
)

// =============================================================================
// EFFECTIVE-DATE WINDOW TESTS
// =============================================================================

func TestAgreementActiveAt_Boundaries(t *testing.T) {
	a := agreement("agr-1", "opco", date(2025, time.March, 1), [2]string{"holdco", "100"})
	a.EffectiveTo = datePtr(2025, time.June, 1)

	assert.False(t, a.ActiveAt(date(2025, time.February, 28)), "before effective_from")
	assert.True(t, a.ActiveAt(date(2025, time.March, 1)), "on effective_from")
	assert.True(t, a.ActiveAt(date(2025, time.May, 31)), "day before end")
	assert.False(t, a.ActiveAt(date(2025, time.June, 1)), "end date is exclusive")
}

func TestResolveAgreement_LatestEffectiveWins(t *testing.T) {
	// GIVEN: Two agreements for the same entity, the second effective later
	// WHEN: Resolving after the second takes effect
	// THEN: The later agreement wins; before that, the earlier one applies
	first := agreement("agr-1", "opco", date(2025, time.January, 1), [2]string{"a", "100"})
	second := agreement("agr-2", "opco", date(2025, time.April, 1), [2]string{"b", "100"})
	history := []engine.Agreement{second, first} // order must not matter

	got := engine.ResolveAgreement(history, date(2025, time.June, 30), false)
	require.NotNil(t, got)
	assert.Equal(t, engine.AgreementID("agr-2"), got.ID)

	got = engine.ResolveAgreement(history, date(2025, time.February, 28), false)
	require.NotNil(t, got)
	assert.Equal(t, engine.AgreementID("agr-1"), got.ID)
}

func TestResolveAgreement_DraftsExcluded(t *testing.T) {
	draft := agreement("agr-d", "opco", date(2025, time.January, 1), [2]string{"a", "100"})
	draft.Draft = true
	history := []engine.Agreement{draft}

	assert.Nil(t, engine.ResolveAgreement(history, date(2025, time.June, 30), false))
	assert.NotNil(t, engine.ResolveAgreement(history, date(2025, time.June, 30), true),
		"preview views may include drafts")
}

func TestResolveAgreement_NoneEffective(t *testing.T) {
	a := agreement("agr-1", "opco", date(2025, time.July, 1), [2]string{"a", "100"})
	assert.Nil(t, engine.ResolveAgreement([]engine.Agreement{a}, date(2025, time.June, 30), false))
}

// =============================================================================
// SPLIT INVARIANT TESTS
// =============================================================================

func TestValidateSplit(t *testing.T) {
	ok := agreement("agr-1", "opco", date(2025, time.January, 1),
		[2]string{"a", "60"}, [2]string{"b", "40"})
	assert.NoError(t, ok.ValidateSplit(engine.DefaultSplitTolerance))

	bad := agreement("agr-2", "opco", date(2025, time.January, 1),
		[2]string{"a", "60"}, [2]string{"b", "30"})
	err := bad.ValidateSplit(engine.DefaultSplitTolerance)
	require.Error(t, err)

	var splitErr *engine.SplitError
	require.ErrorAs(t, err, &splitErr)
	assert.True(t, splitErr.Sum.Equal(d("90")))
	assert.True(t, engine.IsValidation(err))
}

func TestValidateSplit_TerminalNode(t *testing.T) {
	a := agreement("agr-1", "opco", date(2025, time.January, 1))
	assert.NoError(t, a.ValidateSplit(engine.DefaultSplitTolerance), "no owners, nothing to split")
}

func TestEffectiveIncomePct_FallsBackToOwnership(t *testing.T) {
	o := engine.AgreementOwner{Entity: "a", OwnershipPct: d("70")}
	assert.True(t, o.EffectiveIncomePct().Equal(d("70")))

	o.IncomeAllocationPct = dp("55")
	assert.True(t, o.EffectiveIncomePct().Equal(d("55")), "explicit income pct overrides ownership")
}
