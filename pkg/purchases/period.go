package purchases

import (
	"fmt"
	"strconv"
	"time"
)

// Period is a parsed ISO-8601 date period such as "P1M" or "P1Y2M10D".
type Period struct {
	Years  int
	Months int
	Days   int
}

// IsZero reports whether the period has no length.
func (p Period) IsZero() bool {
	return p.Years == 0 && p.Months == 0 && p.Days == 0
}

// ParsePeriod parses the date part of an ISO-8601 duration. Weeks are
// converted to days.
func ParsePeriod(s string) (Period, error) {
	var p Period
	if len(s) < 3 || s[0] != 'P' {
		return p, fmt.Errorf("invalid period %q", s)
	}
	num := ""
	for _, r := range s[1:] {
		if r >= '0' && r <= '9' {
			num += string(r)
			continue
		}
		if num == "" {
			return Period{}, fmt.Errorf("invalid period %q", s)
		}
		n, err := strconv.Atoi(num)
		if err != nil {
			return Period{}, fmt.Errorf("invalid period %q: %w", s, err)
		}
		switch r {
		case 'Y':
			p.Years += n
		case 'M':
			p.Months += n
		case 'W':
			p.Days += 7 * n
		case 'D':
			p.Days += n
		default:
			return Period{}, fmt.Errorf("invalid period %q", s)
		}
		num = ""
	}
	if num != "" || p.IsZero() {
		return Period{}, fmt.Errorf("invalid period %q", s)
	}
	return p, nil
}

// addPeriodTimes adds n periods to base while preserving the anniversary
// day-of-month. A day that does not exist in the target month is clamped to
// the last day of that month, so Jan 31 + P1M is Feb 28 (or 29).
func addPeriodTimes(base time.Time, p Period, n int) time.Time {
	months := (p.Years*12 + p.Months) * n
	year, month, day := base.Date()
	target := time.Date(year, month+time.Month(months), 1,
		base.Hour(), base.Minute(), base.Second(), base.Nanosecond(), base.Location())

	// day=0 of month+1 is the last day of month
	lastDay := time.Date(target.Year(), target.Month()+1, 0, 0, 0, 0, 0, target.Location()).Day()
	if day > lastDay {
		day = lastDay
	}
	t := time.Date(target.Year(), target.Month(), day,
		base.Hour(), base.Minute(), base.Second(), base.Nanosecond(), base.Location())
	return t.AddDate(0, 0, p.Days*n)
}

// nextRenewalAfter returns the end of the billing period that contains now
// for a subscription started at start.
func nextRenewalAfter(start, now time.Time, p Period) time.Time {
	if p.IsZero() {
		return start
	}
	for n := 1; ; n++ {
		end := addPeriodTimes(start, p, n)
		if end.After(now) {
			return end
		}
	}
}
