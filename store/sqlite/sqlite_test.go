package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/rollup-engine/engine"
	"github.com/ledgerline/rollup-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func d(s string) decimal.Decimal {
	return engine.MustDecimal(s)
}

func dp(s string) *decimal.Decimal {
	v := engine.MustDecimal(s)
	return &v
}

func date(y int, m time.Month, day int) time.Time {
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

func period(y int, m time.Month) engine.Period {
	return engine.NewPeriod(y, m)
}

func snapshot(id string, p engine.Period) engine.TBSnapshot {
	return engine.TBSnapshot{
		ID:      id,
		Entity:  "opco",
		TaxYear: 2025,
		Period:  p,
		Type:    engine.SnapshotMonthActivity,
		Source:  engine.SourceImported,
		RunID:   "imp-1",
		Lines: []engine.TBLine{
			{Account: "4100", Amount: d("1234.56")},
			{Account: "6100", Amount: d("-78.90")},
		},
	}
}

func draftRun(id, group string, p engine.Period) engine.Run {
	return engine.Run{
		ID:               engine.RunID(id),
		Group:            engine.GroupID(group),
		TaxYear:          2025,
		Through:          p,
		Status:           engine.RunDraft,
		InputFingerprint: "fp-" + id,
		CreatedAt:        time.Now().UTC().Truncate(time.Second),
	}
}

// =============================================================================
// SNAPSHOT WRITE-ONCE TESTS
// =============================================================================

func TestSnapshots_WriteOnce(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.AppendSnapshot(ctx, snapshot("s1", period(2025, time.January))))

	// Same identity under a different ID is still a duplicate.
	err := s.AppendSnapshot(ctx, snapshot("s2", period(2025, time.January)))
	assert.ErrorIs(t, err, engine.ErrDuplicateSnapshot)

	// A different period is a new cell.
	require.NoError(t, s.AppendSnapshot(ctx, snapshot("s3", period(2025, time.February))))
}

func TestSnapshots_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.AppendSnapshot(ctx, snapshot("s1", period(2025, time.January))))

	snaps, err := s.Snapshots(ctx, "opco", 2025)
	require.NoError(t, err)
	require.Len(t, snaps, 1)

	got := snaps[0]
	assert.Equal(t, "s1", got.ID)
	assert.Equal(t, engine.SnapshotMonthActivity, got.Type)
	assert.Equal(t, engine.SourceImported, got.Source)
	assert.Equal(t, period(2025, time.January), got.Period)
	require.Len(t, got.Lines, 2)
	assert.True(t, got.Lines[0].Amount.Equal(d("1234.56")), "decimal amounts survive the JSON column exactly")
	assert.True(t, got.Lines[1].Amount.Equal(d("-78.90")))

	other, err := s.Snapshots(ctx, "someone-else", 2025)
	require.NoError(t, err)
	assert.Empty(t, other)
}

// =============================================================================
// OVERLAY WRITE-ONCE TESTS
// =============================================================================

func overlayEntry(account engine.AccountID, amount string) engine.OverlayEntry {
	return engine.OverlayEntry{
		Entity:    "holda",
		TaxYear:   2025,
		Period:    period(2025, time.January),
		Account:   account,
		Amount:    d(amount),
		RunID:     "run-1",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestOverlays_WriteOnceAndAtomic(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.AppendOverlays(ctx, []engine.OverlayEntry{
		overlayEntry("4310", "6000.00"),
	}))

	// A batch containing one duplicate commits nothing.
	err := s.AppendOverlays(ctx, []engine.OverlayEntry{
		overlayEntry("4320", "100.00"),
		overlayEntry("4310", "9999.99"),
	})
	assert.ErrorIs(t, err, engine.ErrDuplicateOverlay)

	entries, err := s.Overlays(ctx, "holda", 2025, period(2025, time.January), "run-1")
	require.NoError(t, err)
	require.Len(t, entries, 1, "the rejected batch left no partial write")
	assert.Equal(t, engine.AccountID("4310"), entries[0].Account)
	assert.True(t, entries[0].Amount.Equal(d("6000.00")))
}

// =============================================================================
// RUN LIFECYCLE TESTS
// =============================================================================

func TestRuns_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	run := draftRun("run-1", "smith-family", period(2025, time.February))
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, engine.RunDraft, got.Status)
	assert.Equal(t, period(2025, time.February), got.Through)
	assert.Equal(t, "fp-run-1", got.InputFingerprint)
	assert.Nil(t, got.StartedAt)

	started := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.BeginCompute(ctx, "run-1", started))

	got, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, engine.RunComputing, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(started))

	completed := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.CompleteRun(ctx, "run-1", engine.RunComputed, "", []string{"entity x has no base data for 2025-01"}, completed))

	got, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, engine.RunComputed, got.Status)
	assert.Equal(t, []string{"entity x has no base data for 2025-01"}, got.Warnings)
	require.NotNil(t, got.CompletedAt)

	published := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.PublishRun(ctx, "run-1", published))

	got, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, engine.RunPublished, got.Status)
	require.NotNil(t, got.PublishedAt)

	ptr, err := s.PublishedRun(ctx, "smith-family", 2025)
	require.NoError(t, err)
	assert.Equal(t, engine.RunID("run-1"), ptr.ID)
}

func TestRuns_BeginComputeConflict(t *testing.T) {
	// GIVEN: run-1 computing for the scope
	// WHEN: run-2 tries to begin
	// THEN: Compare-and-set rejects it, naming the active run
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.CreateRun(ctx, draftRun("run-1", "smith-family", period(2025, time.January))))
	require.NoError(t, s.CreateRun(ctx, draftRun("run-2", "smith-family", period(2025, time.January))))
	require.NoError(t, s.BeginCompute(ctx, "run-1", time.Now().UTC()))

	err := s.BeginCompute(ctx, "run-2", time.Now().UTC())
	require.Error(t, err)
	var conflict *engine.RunConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, engine.RunID("run-1"), conflict.ActiveRun)

	got, err := s.GetRun(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, engine.RunDraft, got.Status)

	// A different scope is unaffected.
	require.NoError(t, s.CreateRun(ctx, draftRun("run-3", "jones-family", period(2025, time.January))))
	require.NoError(t, s.BeginCompute(ctx, "run-3", time.Now().UTC()))
}

func TestRuns_IllegalTransitions(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.CreateRun(ctx, draftRun("run-1", "smith-family", period(2025, time.January))))

	// draft cannot complete or publish.
	err := s.CompleteRun(ctx, "run-1", engine.RunComputed, "", nil, time.Now().UTC())
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
	err = s.PublishRun(ctx, "run-1", time.Now().UTC())
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)

	// CompleteRun only accepts terminal computing outcomes.
	require.NoError(t, s.BeginCompute(ctx, "run-1", time.Now().UTC()))
	err = s.CompleteRun(ctx, "run-1", engine.RunPublished, "", nil, time.Now().UTC())
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)

	// computing cannot begin again.
	err = s.BeginCompute(ctx, "run-1", time.Now().UTC())
	require.Error(t, err)

	assert.ErrorIs(t, s.BeginCompute(ctx, "missing", time.Now().UTC()), engine.ErrRunNotFound)
	assert.ErrorIs(t, s.CompleteRun(ctx, "missing", engine.RunFailed, "x", nil, time.Now().UTC()), engine.ErrRunNotFound)
}

func TestRuns_PublishDisplacesPrior(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	for _, id := range []string{"run-1", "run-2"} {
		require.NoError(t, s.CreateRun(ctx, draftRun(id, "smith-family", period(2025, time.January))))
		require.NoError(t, s.BeginCompute(ctx, engine.RunID(id), time.Now().UTC()))
		require.NoError(t, s.CompleteRun(ctx, engine.RunID(id), engine.RunComputed, "", nil, time.Now().UTC()))
	}

	require.NoError(t, s.PublishRun(ctx, "run-1", time.Now().UTC()))
	require.NoError(t, s.PublishRun(ctx, "run-2", time.Now().UTC()))

	prior, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, engine.RunComputed, prior.Status)
	assert.Nil(t, prior.PublishedAt)

	ptr, err := s.PublishedRun(ctx, "smith-family", 2025)
	require.NoError(t, err)
	assert.Equal(t, engine.RunID("run-2"), ptr.ID)
}

func TestRuns_NoPublishedRun(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.PublishedRun(ctx, "smith-family", 2025)
	assert.ErrorIs(t, err, engine.ErrNoPublishedRun)
}

func TestRuns_StaleComputing(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.CreateRun(ctx, draftRun("run-old", "smith-family", period(2025, time.January))))
	require.NoError(t, s.BeginCompute(ctx, "run-old", time.Now().UTC().Add(-2*time.Hour)))

	require.NoError(t, s.CreateRun(ctx, draftRun("run-new", "jones-family", period(2025, time.January))))
	require.NoError(t, s.BeginCompute(ctx, "run-new", time.Now().UTC()))

	stale, err := s.StaleComputing(ctx, time.Now().UTC().Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, engine.RunID("run-old"), stale[0].ID)
}

func TestRuns_List(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	r1 := draftRun("run-1", "smith-family", period(2025, time.January))
	r2 := draftRun("run-2", "smith-family", period(2025, time.February))
	r2.CreatedAt = r1.CreatedAt.Add(time.Second)
	require.NoError(t, s.CreateRun(ctx, r1))
	require.NoError(t, s.CreateRun(ctx, r2))
	require.NoError(t, s.CreateRun(ctx, draftRun("run-3", "jones-family", period(2025, time.January))))

	runs, err := s.ListRuns(ctx, "smith-family", 2025)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, engine.RunID("run-1"), runs[0].ID)
	assert.Equal(t, engine.RunID("run-2"), runs[1].ID)
}

// =============================================================================
// CONFIGURATION ROUND-TRIP TESTS
// =============================================================================

func TestEntities_Upsert(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.SaveEntity(ctx, engine.Entity{
		ID: "opco", Name: "Operating Co", Type: engine.EntityPartnership, Status: engine.EntityActive,
	}))
	require.NoError(t, s.SaveEntity(ctx, engine.Entity{
		ID: "opco", Name: "Operating Co LLC", Type: engine.EntityPartnership, Status: engine.EntityInactive,
	}))

	e, err := s.GetEntity(ctx, "opco")
	require.NoError(t, err)
	assert.Equal(t, "Operating Co LLC", e.Name)
	assert.Equal(t, engine.EntityInactive, e.Status)

	_, err = s.GetEntity(ctx, "missing")
	assert.ErrorIs(t, err, engine.ErrEntityNotFound)
}

func TestGroupMembers_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.AddGroupMember(ctx, "smith-family", "opco"))
	require.NoError(t, s.AddGroupMember(ctx, "smith-family", "holda"))
	require.NoError(t, s.AddGroupMember(ctx, "smith-family", "opco"))

	members, err := s.GroupMembers(ctx, "smith-family")
	require.NoError(t, err)
	assert.Equal(t, []engine.EntityID{"holda", "opco"}, members)
}

func TestAgreements_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	to := date(2025, time.July, 1)
	require.NoError(t, s.SaveAgreement(ctx, engine.Agreement{
		ID:            "agr-1",
		Entity:        "opco",
		EffectiveFrom: date(2025, time.January, 1),
		EffectiveTo:   &to,
		Draft:         true,
		Owners: []engine.AgreementOwner{
			{Entity: "holda", OwnershipPct: d("60"), IncomeAllocationPct: dp("55")},
			{Entity: "holdb", OwnershipPct: d("40")},
		},
	}))

	ags, err := s.Agreements(ctx, "opco")
	require.NoError(t, err)
	require.Len(t, ags, 1)

	got := ags[0]
	assert.True(t, got.Draft)
	assert.True(t, got.EffectiveFrom.Equal(date(2025, time.January, 1)))
	require.NotNil(t, got.EffectiveTo)
	assert.True(t, got.EffectiveTo.Equal(to))
	require.Len(t, got.Owners, 2)
	require.NotNil(t, got.Owners[0].IncomeAllocationPct, "explicit income split survives the JSON column")
	assert.True(t, got.Owners[0].IncomeAllocationPct.Equal(d("55")))
	assert.Nil(t, got.Owners[1].IncomeAllocationPct)
	assert.True(t, got.Owners[1].OwnershipPct.Equal(d("40")))

	// Upsert by ID replaces the configuration in place.
	require.NoError(t, s.SaveAgreement(ctx, engine.Agreement{
		ID:            "agr-1",
		Entity:        "opco",
		EffectiveFrom: date(2025, time.January, 1),
		Owners:        []engine.AgreementOwner{{Entity: "holda", OwnershipPct: d("100")}},
	}))
	ags, err = s.Agreements(ctx, "opco")
	require.NoError(t, err)
	require.Len(t, ags, 1)
	assert.False(t, ags[0].Draft)
	assert.Nil(t, ags[0].EffectiveTo)
	require.Len(t, ags[0].Owners, 1)
}

func TestRules_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.SaveRule(ctx, engine.SpecialRule{
		ID:            "rule-1",
		Entity:        "opco",
		Scope:         engine.ScopeAccount,
		Account:       "4200",
		EffectiveFrom: date(2025, time.March, 1),
		Allocations: []engine.RuleAllocation{
			{Owner: "holda", Amount: dp("8000")},
			{Owner: "holdb", Pct: dp("100")},
		},
	}))

	rules, err := s.Rules(ctx, "opco")
	require.NoError(t, err)
	require.Len(t, rules, 1)

	got := rules[0]
	assert.Equal(t, engine.ScopeAccount, got.Scope)
	assert.Equal(t, engine.AccountID("4200"), got.Account)
	require.Len(t, got.Allocations, 2)
	require.NotNil(t, got.Allocations[0].Amount)
	assert.True(t, got.Allocations[0].Amount.Equal(d("8000")))
	assert.Nil(t, got.Allocations[0].Pct)
	require.NotNil(t, got.Allocations[1].Pct)
	assert.Nil(t, got.Allocations[1].Amount)
}

func TestMappings_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.SaveMapping(ctx, engine.RollupMapping{
		Owned: "opco", Owner: "holda", TargetAccount: "4310",
		EffectiveFrom: date(2025, time.January, 1),
	}))
	require.NoError(t, s.SaveMapping(ctx, engine.RollupMapping{
		Owned: "opco", Owner: "holda", TargetAccount: "4320",
		EffectiveFrom: date(2025, time.June, 1),
	}))
	// Same effective date upserts rather than forking history.
	require.NoError(t, s.SaveMapping(ctx, engine.RollupMapping{
		Owned: "opco", Owner: "holda", TargetAccount: "4330",
		EffectiveFrom: date(2025, time.June, 1),
	}))

	maps, err := s.Mappings(ctx, "opco", "holda")
	require.NoError(t, err)
	require.Len(t, maps, 2)
	assert.Equal(t, engine.AccountID("4310"), maps[0].TargetAccount)
	assert.Equal(t, engine.AccountID("4330"), maps[1].TargetAccount)
}

func TestReconPairs_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.SaveReconPair(ctx, engine.ReconPair{
		ID: "mgmt-fee", Group: "smith-family",
		Payer: "opco", PayerAccount: "6100",
		Receiver: "mgmtco", ReceiverAccount: "4100",
		Sign: engine.SignFlipReceiver, Tolerance: d("100.50"),
	}))

	pairs, err := s.ReconPairs(ctx, "smith-family")
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, engine.SignFlipReceiver, pairs[0].Sign)
	assert.True(t, pairs[0].Tolerance.Equal(d("100.50")))

	pairs, err = s.ReconPairs(ctx, "other-family")
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

// =============================================================================
// RECON RESULT TESTS
// =============================================================================

func reconResult(variance string) engine.ReconResult {
	return engine.ReconResult{
		ID:             engine.ReconResultID("mgmt-fee", 2025, period(2025, time.March)),
		Pair:           "mgmt-fee",
		TaxYear:        2025,
		Period:         period(2025, time.March),
		PayerAmount:    d("5000"),
		ReceiverAmount: d("5000").Sub(d(variance)),
		Variance:       d(variance),
		Flagged:        true,
		Fingerprint:    "fp-1",
		Status:         engine.ReconOpen,
	}
}

func TestReconResults_UpsertPreservesTriage(t *testing.T) {
	// GIVEN: A saved result the user marked cleared with notes
	// WHEN: The engine re-saves refreshed numbers
	// THEN: status/notes survive; numeric fields update
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.SaveReconPair(ctx, engine.ReconPair{
		ID: "mgmt-fee", Group: "smith-family",
		Payer: "opco", PayerAccount: "6100",
		Receiver: "mgmtco", ReceiverAccount: "4100",
		Sign: engine.SignAsIs, Tolerance: d("100"),
	}))

	first := reconResult("-300")
	require.NoError(t, s.SaveReconResult(ctx, first))
	require.NoError(t, s.SetReconTriage(ctx, first.ID, engine.ReconCleared, "timing"))

	second := reconResult("-250")
	require.NoError(t, s.SaveReconResult(ctx, second))

	got, err := s.GetReconResult(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.ReconCleared, got.Status)
	assert.Equal(t, "timing", got.Notes)
	assert.True(t, got.Variance.Equal(d("-250")), "numeric fields are engine-owned")

	results, err := s.ReconResults(ctx, "smith-family", 2025, period(2025, time.March))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, engine.ReconCleared, results[0].Status)
}

func TestReconResults_TriageNotFound(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	err := s.SetReconTriage(ctx, "missing", engine.ReconCleared, "")
	assert.ErrorIs(t, err, engine.ErrNotFound)

	_, err = s.GetReconResult(ctx, "missing")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}
