/*
tieout.go - Base-layer drift detection

PURPOSE:
  Compares base-only YTD totals per account (prior ending balance plus
  the sum of monthly activity) against the designated active import
  run's corresponding totals. Overlays are additive and excluded here,
  so by construction the two must match within tolerance. A non-zero
  difference indicates a base-data integrity issue - a snapshot written
  outside the import, a partial import, a manual correction that never
  got a new run - and is surfaced, never silently accepted.
*/
package engine

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// TieOutContributor is one account/period amount contributing to the
// difference between base-only totals and the import run's totals.
type TieOutContributor struct {
	Account AccountID
	Period  Period
	Amount  decimal.Decimal
}

// TieOutReport is the result of a tie-out check for one entity/year.
type TieOutReport struct {
	Entity    EntityID
	TaxYear   int
	ImportRun RunID

	Matches    bool
	Difference decimal.Decimal

	// TopContributors lists the largest account/period deltas, biggest
	// absolute amount first.
	TopContributors []TieOutContributor
}

// TieOutValidator performs the base-vs-import comparison.
type TieOutValidator struct {
	Tolerance decimal.Decimal

	// MaxContributors caps the contributor list (default 5).
	MaxContributors int
}

func NewTieOutValidator() *TieOutValidator {
	return &TieOutValidator{Tolerance: DefaultTolerance, MaxContributors: 5}
}

// TieOut computes the report from the entity's base snapshots for the
// tax year. snapshots must contain base-layer records only (the caller
// never passes overlays; overlays have a different type entirely).
func (v *TieOutValidator) TieOut(entity EntityID, taxYear int, importRun RunID, snapshots []TBSnapshot) TieOutReport {
	type cell struct {
		account AccountID
		period  Period
	}

	baseCells := make(map[cell]decimal.Decimal)
	importCells := make(map[cell]decimal.Decimal)
	importTotals := make(map[AccountID]decimal.Decimal)

	for _, s := range snapshots {
		if s.Entity != entity || s.TaxYear != taxYear {
			continue
		}
		for _, l := range s.Lines {
			c := cell{account: l.Account, period: s.Period}
			baseCells[c] = baseCells[c].Add(l.Amount)
			if s.RunID == importRun {
				importCells[c] = importCells[c].Add(l.Amount)
				importTotals[l.Account] = importTotals[l.Account].Add(l.Amount)
			}
		}
	}

	// The headline difference compares the same YTD composition readers
	// see against the import run's per-account totals. MissingAsZero
	// never reports gaps, so the error is nil by construction; a month
	// with no snapshot at all cannot drift from the import run.
	baseTotals, _ := YTD(entity, taxYear, NewPeriod(taxYear, time.December), snapshots, MissingAsZero)

	total := decimal.Zero
	for a, base := range baseTotals {
		total = total.Add(base.Sub(importTotals[a]))
	}
	for a, imp := range importTotals {
		if _, ok := baseTotals[a]; !ok {
			total = total.Sub(imp)
		}
	}

	// Per-cell deltas name the drifting account/period cells.
	var contributors []TieOutContributor
	seen := make(map[cell]bool)
	for c, base := range baseCells {
		seen[c] = true
		diff := base.Sub(importCells[c])
		if diff.IsZero() {
			continue
		}
		contributors = append(contributors, TieOutContributor{Account: c.account, Period: c.period, Amount: Cents(diff)})
	}
	for c, imp := range importCells {
		if seen[c] {
			continue
		}
		contributors = append(contributors, TieOutContributor{Account: c.account, Period: c.period, Amount: Cents(imp.Neg())})
	}

	sort.Slice(contributors, func(i, j int) bool {
		ai, aj := contributors[i].Amount.Abs(), contributors[j].Amount.Abs()
		if !ai.Equal(aj) {
			return ai.GreaterThan(aj)
		}
		if contributors[i].Account != contributors[j].Account {
			return contributors[i].Account < contributors[j].Account
		}
		return contributors[i].Period.Before(contributors[j].Period)
	})

	max := v.MaxContributors
	if max <= 0 {
		max = 5
	}
	if len(contributors) > max {
		contributors = contributors[:max]
	}

	diff := Cents(total)
	return TieOutReport{
		Entity:          entity,
		TaxYear:         taxYear,
		ImportRun:       importRun,
		Matches:         !diff.Abs().GreaterThan(v.Tolerance),
		Difference:      diff,
		TopContributors: contributors,
	}
}

// YTD computes the base-only year-to-date total per account for an
// entity: prior ending balance plus the sum of monthly activity through
// the given period. In FlagMissing mode, months in [Jan, through] with
// no MONTH_ACTIVITY snapshot are reported as gaps instead of being
// summed as zero.
func YTD(entity EntityID, taxYear int, through Period, snapshots []TBSnapshot, mode MissingMode) (map[AccountID]decimal.Decimal, error) {
	totals := make(map[AccountID]decimal.Decimal)
	months := make(map[Period]bool)

	for _, s := range snapshots {
		if s.Entity != entity || s.TaxYear != taxYear {
			continue
		}
		switch s.Type {
		case SnapshotPriorEnding:
			for _, l := range s.Lines {
				totals[l.Account] = totals[l.Account].Add(l.Amount)
			}
		case SnapshotMonthActivity:
			if s.Period.After(through) {
				continue
			}
			months[s.Period] = true
			for _, l := range s.Lines {
				totals[l.Account] = totals[l.Account].Add(l.Amount)
			}
		}
	}

	if mode == FlagMissing {
		periods, err := PeriodsThrough(taxYear, through)
		if err != nil {
			return nil, err
		}
		var missing []Period
		for _, p := range periods {
			if !months[p] {
				missing = append(missing, p)
			}
		}
		if len(missing) > 0 {
			return totals, &IncompleteBaseDataError{Entity: entity, TaxYear: taxYear, Missing: missing}
		}
	}
	return totals, nil
}
