/*
Package billing computes monthly billing cycles for subscription students.

PURPOSE:
  Subscription students pay on a fixed day of the month (the due day) and
  get a number of classes per cycle. A cycle runs from the due day of one
  month to the day before the due day of the next month.

CYCLE RULE:
  today.Day <  dueDay -> cycle started on dueDay of the PREVIOUS month
  today.Day >= dueDay -> cycle started on dueDay of the CURRENT month
  End = day before the next cycle start, pinned to 23:59:59.999

SHORT MONTHS:
  A due day that does not exist in a month (31 in April, 30 in February)
  is clamped to that month's last day, both for the start and for the next
  start. Cycles are therefore contiguous and never overlap.

EXAMPLE:
  dueDay 10, today 2025-03-05 -> [2025-02-10, 2025-03-09 23:59:59.999]
  dueDay 10, today 2025-03-10 -> [2025-03-10, 2025-04-09 23:59:59.999]
  dueDay 15, today 2025-01-03 -> [2024-12-15, 2025-01-14 23:59:59.999]
*/
package billing

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - A closed time window
// =============================================================================

// Period is the closed window [Start, End].
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains returns true if t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && !t.After(p.End)
}

func (p Period) String() string {
	return "[" + p.Start.Format("2006-01-02") + ", " + p.End.Format("2006-01-02") + "]"
}

// =============================================================================
// CYCLE CALCULATOR
// =============================================================================

// ValidateDueDay checks that dueDay is a calendar day number.
func ValidateDueDay(dueDay int) error {
	if dueDay < 1 || dueDay > 31 {
		return fmt.Errorf("payment due day must be between 1 and 31, got %d", dueDay)
	}
	return nil
}

// CurrentCycle returns the billing cycle containing today for a student
// paying on dueDay. dueDay must be in 1..31.
func CurrentCycle(dueDay int, today time.Time) Period {
	loc := today.Location()
	year, month, day := today.Date()

	if day < dueDayIn(year, month, dueDay) {
		year, month = addMonths(year, month, -1)
	}
	start := time.Date(year, month, dueDayIn(year, month, dueDay), 0, 0, 0, 0, loc)

	nextYear, nextMonth := addMonths(year, month, 1)
	nextStart := time.Date(nextYear, nextMonth, dueDayIn(nextYear, nextMonth, dueDay), 0, 0, 0, 0, loc)

	return Period{Start: start, End: endOfDay(nextStart.AddDate(0, 0, -1))}
}

func dueDayIn(year int, month time.Month, dueDay int) int {
	if last := daysIn(year, month); dueDay > last {
		return last
	}
	return dueDay
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func addMonths(year int, month time.Month, n int) (int, time.Month) {
	idx := int(month) - 1 + n
	year += idx / 12
	idx %= 12
	if idx < 0 {
		idx += 12
		year--
	}
	return year, time.Month(idx + 1)
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, int(999*time.Millisecond), t.Location())
}
