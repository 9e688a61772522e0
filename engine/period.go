package engine

import (
	"fmt"
	"time"
)

// =============================================================================
// CADENCE - How often a recurring invoice is materialized
// =============================================================================

// Cadence defines the length of a recurring period. Periods are aligned to
// the calendar year (quarters start in Jan/Apr/Jul/Oct, halves in Jan/Jul).
type Cadence string

const (
	CadenceMonthly    Cadence = "monthly"
	CadenceQuarterly  Cadence = "quarterly"
	CadenceSemiAnnual Cadence = "semiannual"
	CadenceAnnual     Cadence = "annual"
)

// Months returns the period length in months. Unknown cadences behave as
// monthly.
func (c Cadence) Months() int {
	switch c {
	case CadenceQuarterly:
		return 3
	case CadenceSemiAnnual:
		return 6
	case CadenceAnnual:
		return 12
	default:
		return 1
	}
}

func (c Cadence) Valid() bool {
	switch c {
	case CadenceMonthly, CadenceQuarterly, CadenceSemiAnnual, CadenceAnnual:
		return true
	}
	return false
}

// =============================================================================
// PERIOD - One cadence cycle
// =============================================================================

// PeriodKey identifies a period. Used to detect whether a definition has
// already produced its invoice for the current cycle.
//
//	monthly    2024-04
//	quarterly  2024-Q2
//	semiannual 2024-H1
//	annual     2024
type PeriodKey string

func (k PeriodKey) IsZero() bool { return k == "" }

// Period is a calendar-aligned cadence cycle [Start, End].
type Period struct {
	Cadence Cadence
	Start   Date
	End     Date
}

// PeriodFor returns the period of cadence c that contains date.
func (c Cadence) PeriodFor(date Date) Period {
	n := c.Months()
	index := (int(date.Month()) - 1) / n
	startMonth := time.Month(index*n + 1)
	start := StartOfMonth(date.Year(), startMonth)
	endFirst := AddMonthsClamped(start, n-1)
	return Period{
		Cadence: c,
		Start:   start,
		End:     EndOfMonth(endFirst.Year(), endFirst.Month()),
	}
}

// KeyFor returns the period key of the period containing date.
func (c Cadence) KeyFor(date Date) PeriodKey {
	return c.PeriodFor(date).Key()
}

func (p Period) Key() PeriodKey {
	year := p.Start.Year()
	idx := (int(p.Start.Month())-1)/p.Cadence.Months() + 1
	switch p.Cadence {
	case CadenceQuarterly:
		return PeriodKey(fmt.Sprintf("%04d-Q%d", year, idx))
	case CadenceSemiAnnual:
		return PeriodKey(fmt.Sprintf("%04d-H%d", year, idx))
	case CadenceAnnual:
		return PeriodKey(fmt.Sprintf("%04d", year))
	default:
		return PeriodKey(fmt.Sprintf("%04d-%02d", year, int(p.Start.Month())))
	}
}

// Contains returns true if date is within [Start, End].
func (p Period) Contains(date Date) bool {
	return date.AfterOrEqual(p.Start) && date.BeforeOrEqual(p.End)
}

// Next returns the period following this one.
func (p Period) Next() Period {
	return p.Cadence.PeriodFor(p.End.AddDays(1))
}

func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}
