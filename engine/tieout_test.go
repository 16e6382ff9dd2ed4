package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/rollup-engine/engine"
)

// =============================================================================
// TIE-OUT TESTS
// =============================================================================

func TestTieOut_MatchesWhenAllDataFromImportRun(t *testing.T) {
	snaps := []engine.TBSnapshot{
		monthActivity("s1", "opco", 2025, period(2025, time.January), "imp-1", [2]string{"4100", "1000"}),
		monthActivity("s2", "opco", 2025, period(2025, time.February), "imp-1", [2]string{"4100", "2000"}),
	}

	report := engine.NewTieOutValidator().TieOut("opco", 2025, "imp-1", snaps)
	assert.True(t, report.Matches)
	assert.True(t, report.Difference.IsZero())
	assert.Empty(t, report.TopContributors)
}

func TestTieOut_FlagsSnapshotOutsideImportRun(t *testing.T) {
	// GIVEN: A manual snapshot written outside the designated import run
	// THEN: The report does not match and names the drifting cell
	manual := monthActivity("s3", "opco", 2025, period(2025, time.February), "manual-1", [2]string{"4100", "250"})
	manual.Source = engine.SourceManual
	snaps := []engine.TBSnapshot{
		monthActivity("s1", "opco", 2025, period(2025, time.January), "imp-1", [2]string{"4100", "1000"}),
		manual,
	}

	report := engine.NewTieOutValidator().TieOut("opco", 2025, "imp-1", snaps)
	assert.False(t, report.Matches)
	assert.Equal(t, "250.00", report.Difference.StringFixed(2))

	require.Len(t, report.TopContributors, 1)
	assert.Equal(t, engine.AccountID("4100"), report.TopContributors[0].Account)
	assert.Equal(t, period(2025, time.February), report.TopContributors[0].Period)
	assert.Equal(t, "250.00", report.TopContributors[0].Amount.StringFixed(2))
}

func TestTieOut_ContributorsCappedAndOrdered(t *testing.T) {
	var snaps []engine.TBSnapshot
	snaps = append(snaps,
		monthActivity("base", "opco", 2025, period(2025, time.January), "imp-1", [2]string{"4100", "1"}))
	amounts := [][2]string{
		{"5001", "10"}, {"5002", "600"}, {"5003", "40"},
		{"5004", "300"}, {"5005", "90"}, {"5006", "7"},
	}
	for _, a := range amounts {
		s := monthActivity("m"+a[0], "opco", 2025, period(2025, time.January), "manual", a)
		s.Source = engine.SourceManual
		snaps = append(snaps, s)
	}

	report := engine.NewTieOutValidator().TieOut("opco", 2025, "imp-1", snaps)
	require.Len(t, report.TopContributors, 5, "contributor list is capped")
	assert.Equal(t, engine.AccountID("5002"), report.TopContributors[0].Account, "biggest absolute delta first")
	assert.Equal(t, engine.AccountID("5004"), report.TopContributors[1].Account)
}

func TestTieOut_PriorEndingOutsideImportRunCounts(t *testing.T) {
	// GIVEN: A prior ending balance carried in from a legacy run, with
	//        the year's activity all on the designated import run
	// THEN: The prior balance is base data the import never delivered,
	//       so the year-to-date comparison reports it as drift
	prior := engine.TBSnapshot{
		ID: "p1", Entity: "opco", TaxYear: 2025,
		Period: period(2025, time.January),
		Type:   engine.SnapshotPriorEnding,
		Source: engine.SourceImported,
		RunID:  "legacy-1",
		Lines:  []engine.TBLine{{Account: "4100", Amount: d("500")}},
	}
	snaps := []engine.TBSnapshot{
		prior,
		monthActivity("s1", "opco", 2025, period(2025, time.January), "imp-1", [2]string{"4100", "1000"}),
	}

	report := engine.NewTieOutValidator().TieOut("opco", 2025, "imp-1", snaps)
	assert.False(t, report.Matches)
	assert.Equal(t, "500.00", report.Difference.StringFixed(2))
	require.Len(t, report.TopContributors, 1)
	assert.Equal(t, engine.AccountID("4100"), report.TopContributors[0].Account)
}

func TestTieOut_IgnoresOtherEntities(t *testing.T) {
	snaps := []engine.TBSnapshot{
		monthActivity("s1", "opco", 2025, period(2025, time.January), "imp-1", [2]string{"4100", "1000"}),
		monthActivity("s2", "other", 2025, period(2025, time.January), "rogue", [2]string{"4100", "999"}),
	}
	report := engine.NewTieOutValidator().TieOut("opco", 2025, "imp-1", snaps)
	assert.True(t, report.Matches)
}

// =============================================================================
// YTD TESTS
// =============================================================================

func TestYTD_PriorEndingPlusActivity(t *testing.T) {
	prior := engine.TBSnapshot{
		ID: "p1", Entity: "opco", TaxYear: 2025,
		Period: period(2025, time.January),
		Type:   engine.SnapshotPriorEnding,
		Source: engine.SourceImported,
		RunID:  "imp-1",
		Lines:  []engine.TBLine{{Account: "4100", Amount: d("500")}},
	}
	snaps := []engine.TBSnapshot{
		prior,
		monthActivity("s1", "opco", 2025, period(2025, time.January), "imp-1", [2]string{"4100", "100"}),
		monthActivity("s2", "opco", 2025, period(2025, time.February), "imp-1", [2]string{"4100", "200"}),
		// March is past the through period and must not count.
		monthActivity("s3", "opco", 2025, period(2025, time.March), "imp-1", [2]string{"4100", "5000"}),
	}

	totals, err := engine.YTD("opco", 2025, period(2025, time.February), snaps, engine.FlagMissing)
	require.NoError(t, err)
	assert.True(t, totals["4100"].Equal(d("800")))
}

func TestYTD_FlagsMissingMonths(t *testing.T) {
	// GIVEN: Activity for January and March only, through March
	// THEN: February is a reported gap, never silently summed as zero
	snaps := []engine.TBSnapshot{
		monthActivity("s1", "opco", 2025, period(2025, time.January), "imp-1", [2]string{"4100", "100"}),
		monthActivity("s3", "opco", 2025, period(2025, time.March), "imp-1", [2]string{"4100", "300"}),
	}

	totals, err := engine.YTD("opco", 2025, period(2025, time.March), snaps, engine.FlagMissing)
	require.Error(t, err)

	var incomplete *engine.IncompleteBaseDataError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []engine.Period{period(2025, time.February)}, incomplete.Missing)
	assert.True(t, totals["4100"].Equal(d("400")), "partial totals still returned for display")
}

func TestYTD_MissingAsZeroOptIn(t *testing.T) {
	snaps := []engine.TBSnapshot{
		monthActivity("s1", "opco", 2025, period(2025, time.January), "imp-1", [2]string{"4100", "100"}),
	}
	totals, err := engine.YTD("opco", 2025, period(2025, time.March), snaps, engine.MissingAsZero)
	require.NoError(t, err)
	assert.True(t, totals["4100"].Equal(d("100")))
}
