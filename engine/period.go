package engine

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - Monthly reporting period, keyed by its end date
// =============================================================================

// Period identifies one month of a tax year. Base snapshots, overlay
// entries, and recon results are all keyed by period. The zero Period
// is invalid.
type Period struct {
	Year  int
	Month time.Month
}

func NewPeriod(year int, month time.Month) Period {
	return Period{Year: year, Month: month}
}

// PeriodOf returns the period containing t.
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

// ParsePeriod parses "2006-01" style period keys.
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, fmt.Errorf("invalid period %q: %w", s, err)
	}
	return PeriodOf(t), nil
}

// Start returns midnight UTC on the first day of the month.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns midnight UTC on the last day of the month. This is the
// as-of date used to resolve effective-dated configuration for the
// period.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, -1)
}

func (p Period) String() string {
	return p.Start().Format("2006-01")
}

func (p Period) IsZero() bool               { return p.Year == 0 }
func (p Period) Equal(o Period) bool        { return p.Year == o.Year && p.Month == o.Month }
func (p Period) Before(o Period) bool {
	return p.Year < o.Year || (p.Year == o.Year && p.Month < o.Month)
}
func (p Period) After(o Period) bool { return o.Before(p) }

func (p Period) Next() Period {
	return PeriodOf(p.Start().AddDate(0, 1, 0))
}

// PeriodsThrough returns the periods of a calendar tax year from
// January through the given period, inclusive. The through period must
// belong to the tax year.
func PeriodsThrough(taxYear int, through Period) ([]Period, error) {
	if through.Year != taxYear {
		return nil, fmt.Errorf("through period %s is outside tax year %d", through, taxYear)
	}
	var out []Period
	for p := NewPeriod(taxYear, time.January); !p.After(through); p = p.Next() {
		out = append(out, p)
	}
	return out, nil
}

// MissingMode controls how an absent month is treated when summing
// activity across periods. Absent months must be flagged, not silently
// summed as zero, unless the caller explicitly opts in.
type MissingMode int

const (
	// FlagMissing reports periods with no base snapshot as gaps.
	FlagMissing MissingMode = iota
	// MissingAsZero treats an absent month as zero activity.
	MissingAsZero
)
