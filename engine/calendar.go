package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// DATE - Day-granular calendar date (invoice/expense/due dates)
// =============================================================================

// DateLayout is the wire and storage format of a Date.
const DateLayout = "2006-01-02"

// Date is a calendar day in UTC. Time-of-day is always midnight.
type Date struct {
	Time time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates t to its calendar day.
func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD): %w", s, err)
	}
	return DateOf(t), nil
}

// Comparison
func (d Date) Before(other Date) bool        { return d.Time.Before(other.Time) }
func (d Date) After(other Date) bool         { return d.Time.After(other.Time) }
func (d Date) Equal(other Date) bool         { return d.Time.Equal(other.Time) }
func (d Date) BeforeOrEqual(other Date) bool { return !d.After(other) }
func (d Date) AfterOrEqual(other Date) bool  { return !d.Before(other) }

// Arithmetic
func (d Date) AddDays(n int) Date { return Date{Time: d.Time.AddDate(0, 0, n)} }

// Properties
func (d Date) Year() int          { return d.Time.Year() }
func (d Date) Month() time.Month  { return d.Time.Month() }
func (d Date) Day() int           { return d.Time.Day() }
func (d Date) IsZero() bool       { return d.Time.IsZero() }
func (d Date) String() string     { return d.Time.Format(DateLayout) }
func (d Date) Ptr() *Date         { return &d }

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// =============================================================================
// CALENDAR POLICY - Day-of-month resolution with month-end clamping
// =============================================================================

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func StartOfMonth(year int, month time.Month) Date { return NewDate(year, month, 1) }

func EndOfMonth(year int, month time.Month) Date {
	return NewDate(year, month, DaysIn(year, month))
}

// ResolveDayOfMonth returns nominalDay of the given month, clamped to the
// last day of that month. It never rolls over into the next month.
// Non-positive days resolve to the first of the month.
func ResolveDayOfMonth(year int, month time.Month, nominalDay int) Date {
	// Normalize month overflow (e.g. month 13) before clamping.
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	year, month = first.Year(), first.Month()

	day := nominalDay
	if last := DaysIn(year, month); day > last {
		day = last
	}
	if day < 1 {
		day = 1
	}
	return NewDate(year, month, day)
}

// AddMonthsClamped moves d by n months, keeping its day-of-month where
// possible and clamping to month end otherwise (Jan 31 + 1 = Feb 28/29).
func AddMonthsClamped(d Date, n int) Date {
	first := time.Date(d.Year(), d.Month()+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	return ResolveDayOfMonth(first.Year(), first.Month(), d.Day())
}

// =============================================================================
// CLOCK - Injected source of "today"
// =============================================================================

// Clock supplies the current business date.
type Clock interface {
	Today() Date
}

// SystemClock reads the wall clock in the configured location.
type SystemClock struct {
	Location *time.Location
}

func (c SystemClock) Today() Date {
	now := time.Now()
	if c.Location != nil {
		now = now.In(c.Location)
	}
	return NewDate(now.Year(), now.Month(), now.Day())
}

// FixedClock always returns the same date. Used by tests and by the
// CLI when an explicit --date is given.
type FixedClock struct {
	Date Date
}

func (c FixedClock) Today() Date { return c.Date }
