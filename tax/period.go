package tax

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// PERIOD - The unit a calculation is made for
// =============================================================================

// PeriodKind is the granularity of a settlement period.
type PeriodKind string

const (
	PeriodMonthly   PeriodKind = "monthly"
	PeriodQuarterly PeriodKind = "quarterly"
	PeriodAnnual    PeriodKind = "annual"
)

// Period identifies a settlement period: a fiscal year plus a month or quarter
// marker. Index is the month (1-12) for monthly periods, the quarter (1-4) for
// quarterly periods and 0 for annual periods.
//
// Examples:
//   - Month(2025, 3)   -> "2025-M03"  [2025-03-01, 2025-03-31]
//   - Quarter(2025, 4) -> "2025-Q4"   [2025-10-01, 2025-12-31]
//   - Annual(2025)     -> "2025"      [2025-01-01, 2025-12-31]
type Period struct {
	Year  int
	Kind  PeriodKind
	Index int
}

func Month(year, month int) Period { return Period{Year: year, Kind: PeriodMonthly, Index: month} }
func Quarter(year, q int) Period { return Period{Year: year, Kind: PeriodQuarterly, Index: q} }
func Annual(year int) Period { return Period{Year: year, Kind: PeriodAnnual} }
func (p Period) IsAnnual() bool { return p.Kind == PeriodAnnual }
func (p Period) IsZero() bool { return p == Period{} }

// Validate rejects malformed periods.
func (p Period) Validate() error {
	if p.Year < 1900 || p.Year > 9999 {
		return &InputError{Field: "period", Reason: fmt.Sprintf("year %d out of range", p.Year)}
	}
	switch p.Kind {
	case PeriodMonthly:
		if p.Index < 1 || p.Index > 12 {
			return &InputError{Field: "period", Reason: fmt.Sprintf("month %d out of range", p.Index)}
		}
	case PeriodQuarterly:
		if p.Index < 1 || p.Index > 4 {
			return &InputError{Field: "period", Reason: fmt.Sprintf("quarter %d out of range", p.Index)}
		}
	case PeriodAnnual:
		if p.Index != 0 {
			return &InputError{Field: "period", Reason: "annual period carries no index"}
		}
	default:
		return &InputError{Field: "period", Reason: fmt.Sprintf("unknown period kind %q", p.Kind)}
	}
	return nil
}

// Start returns the first day of the period.
func (p Period) Start() time.Time {
	switch p.Kind {
	case PeriodMonthly:
		return date(p.Year, time.Month(p.Index), 1)
	case PeriodQuarterly:
		return date(p.Year, time.Month((p.Index-1)*3+1), 1)
	default:
		return date(p.Year, time.January, 1)
	}
}

// End returns the last day of the period.
func (p Period) End() time.Time {
	switch p.Kind {
	case PeriodMonthly:
		return EndOfMonth(p.Year, time.Month(p.Index))
	case PeriodQuarterly:
		return EndOfMonth(p.Year, time.Month(p.Index*3))
	default:
		return date(p.Year, time.December, 31)
	}
}

// AsOf is the date rules are resolved at for this period.
func (p Period) AsOf() time.Time { return p.End() }

// MonthsElapsed is the number of months from the start of the fiscal year to
// the end of the period.
func (p Period) MonthsElapsed() int {
	switch p.Kind {
	case PeriodMonthly:
		return p.Index
	case PeriodQuarterly:
		return p.Index * 3
	default:
		return 12
	}
}

func (p Period) String() string {
	switch p.Kind {
	case PeriodMonthly:
		return fmt.Sprintf("%04d-M%02d", p.Year, p.Index)
	case PeriodQuarterly:
		return fmt.Sprintf("%04d-Q%d", p.Year, p.Index)
	default:
		return fmt.Sprintf("%04d", p.Year)
	}
}

// ParsePeriod accepts "2025", "2025-Q1", "2025-M03" and "2025-03".
func ParsePeriod(s string) (Period, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	yearPart, rest, hasRest := strings.Cut(s, "-")
	year, err := strconv.Atoi(yearPart)
	if err != nil || len(yearPart) != 4 {
		return Period{}, &InputError{Field: "period", Reason: fmt.Sprintf("malformed period %q", s)}
	}

	var p Period
	switch {
	case !hasRest:
		p = Annual(year)
	case strings.HasPrefix(rest, "Q"):
		q, err := strconv.Atoi(rest[1:])
		if err != nil {
			return Period{}, &InputError{Field: "period", Reason: fmt.Sprintf("malformed quarter in %q", s)}
		}
		p = Quarter(year, q)
	default:
		m, err := strconv.Atoi(strings.TrimPrefix(rest, "M"))
		if err != nil {
			return Period{}, &InputError{Field: "period", Reason: fmt.Sprintf("malformed month in %q", s)}
		}
		p = Month(year, m)
	}
	if err := p.Validate(); err != nil {
		return Period{}, err
	}
	return p, nil
}

// =============================================================================
// DATE UTILITIES
// =============================================================================

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Date builds a UTC calendar date.
func Date(year int, month time.Month, day int) time.Time { return date(year, month, day) }

// TruncateDay drops the time-of-day component, normalising to UTC.
func TruncateDay(t time.Time) time.Time {
	return date(t.Year(), t.Month(), t.Day())
}

func EndOfMonth(year int, month time.Month) time.Time {
	return time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
}

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	return EndOfMonth(year, month).Day()
}
