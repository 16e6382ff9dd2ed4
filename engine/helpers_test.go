package engine_test

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerline/rollup-engine/engine"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

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

func datePtr(y int, m time.Month, day int) *time.Time {
	t := date(y, m, day)
	return &t
}

func period(y int, m time.Month) engine.Period {
	return engine.NewPeriod(y, m)
}

// agreement builds a non-draft agreement with the given owners, where
// each owner row is (entity, income pct).
func agreement(id, entity string, from time.Time, owners ...[2]string) engine.Agreement {
	a := engine.Agreement{
		ID:            engine.AgreementID(id),
		Entity:        engine.EntityID(entity),
		EffectiveFrom: from,
	}
	for _, o := range owners {
		a.Owners = append(a.Owners, engine.AgreementOwner{
			Entity:       engine.EntityID(o[0]),
			OwnershipPct: d(o[1]),
		})
	}
	return a
}

func monthActivity(id, entity string, taxYear int, p engine.Period, runID string, lines ...[2]string) engine.TBSnapshot {
	s := engine.TBSnapshot{
		ID:      id,
		Entity:  engine.EntityID(entity),
		TaxYear: taxYear,
		Period:  p,
		Type:    engine.SnapshotMonthActivity,
		Source:  engine.SourceImported,
		RunID:   engine.RunID(runID),
	}
	for _, l := range lines {
		s.Lines = append(s.Lines, engine.TBLine{Account: engine.AccountID(l[0]), Amount: d(l[1])})
	}
	return s
}
