package rollup_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/rollup-engine/engine"
	"github.com/ledgerline/rollup-engine/rollup"
)

// =============================================================================
// WORKER POOL TESTS
// =============================================================================

func TestWorker_ProcessesQueuedRun(t *testing.T) {
	ctx := context.Background()
	orch, st := newFixture(t)
	seedGroup(t, st)

	rid, err := orch.RequestCompute(ctx, "smith-family", 2025, period(2025, time.February))
	require.NoError(t, err)

	w := rollup.NewWorker(orch, 1, 4)
	w.Start()
	defer w.Stop()

	require.NoError(t, w.Enqueue(rid))

	require.Eventually(t, func() bool {
		run, err := st.GetRun(ctx, rid)
		return err == nil && run.Status == engine.RunComputed
	}, 2*time.Second, 10*time.Millisecond, "queued run reaches computed")

	entries, err := st.Overlays(ctx, "holda", 2025, period(2025, time.January), rid)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestWorker_EnqueueRejectsWhenQueueFull(t *testing.T) {
	orch, _ := newFixture(t)

	// Not started: nothing drains the single-slot queue.
	w := rollup.NewWorker(orch, 1, 1)

	require.NoError(t, w.Enqueue("run-a"))
	err := w.Enqueue("run-b")
	assert.ErrorIs(t, err, rollup.ErrQueueFull)
}

// =============================================================================
// SWEEPER TESTS
// =============================================================================

func TestSweeper_ReclaimsAbandonedRuns(t *testing.T) {
	// GIVEN: One run computing since two hours ago, one that just started
	// WHEN: Sweeping with a 30 minute timeout
	// THEN: Only the abandoned run is failed; the fresh one keeps its scope
	ctx := context.Background()
	orch, st := newFixture(t)
	seedGroup(t, st)

	stale, err := orch.RequestCompute(ctx, "smith-family", 2025, period(2025, time.January))
	require.NoError(t, err)
	require.NoError(t, st.BeginCompute(ctx, stale, time.Now().UTC().Add(-2*time.Hour)))

	require.NoError(t, st.AddGroupMember(ctx, "other-family", "solo"))
	fresh, err := orch.RequestCompute(ctx, "other-family", 2025, period(2025, time.January))
	require.NoError(t, err)
	require.NoError(t, st.BeginCompute(ctx, fresh, time.Now().UTC()))

	s := rollup.NewSweeper(st, quietLog())
	s.Sweep(ctx)

	run, err := st.GetRun(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, engine.RunFailed, run.Status)
	assert.Contains(t, run.Reason, "abandoned")

	run, err = st.GetRun(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, engine.RunComputing, run.Status)
}

func TestSweeper_FreesScopeForNewAttempt(t *testing.T) {
	ctx := context.Background()
	orch, st := newFixture(t)
	seedGroup(t, st)

	stale, err := orch.RequestCompute(ctx, "smith-family", 2025, period(2025, time.January))
	require.NoError(t, err)
	require.NoError(t, st.BeginCompute(ctx, stale, time.Now().UTC().Add(-2*time.Hour)))

	s := rollup.NewSweeper(st, quietLog())
	s.Sweep(ctx)

	retry, err := orch.RequestCompute(ctx, "smith-family", 2025, period(2025, time.January))
	require.NoError(t, err)
	require.NoError(t, orch.Compute(ctx, retry))

	run, err := st.GetRun(ctx, retry)
	require.NoError(t, err)
	assert.Equal(t, engine.RunComputed, run.Status)
}
