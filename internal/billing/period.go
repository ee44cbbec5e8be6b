package billing

import (
	"time"

	"github.com/DukeRupert/hookmeter/internal/domain"
)

// AddInterval advances t by n intervals. Month and year steps clamp the day
// to the end of the target month, so Jan 31 + 1 month is Feb 28 (or 29).
func AddInterval(t time.Time, interval domain.Interval, n int) time.Time {
	switch interval {
	case domain.IntervalWeek:
		return t.AddDate(0, 0, 7*n)
	case domain.IntervalMonth:
		return addMonths(t, n)
	case domain.IntervalYear:
		return addMonths(t, 12*n)
	}
	return t
}

func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

// NextPeriod returns the period that follows [prevStart, prevEnd) and
// contains now. Periods are anchored at prevEnd, never at now, so a delayed
// check does not shift the cycle. When the previous period was a whole
// interval the steps are taken from prevStart, so month-end clamping does
// not accumulate (Jan 31 -> Feb 28 -> Mar 31). If now is before prevEnd the
// first following period is returned.
func NextPeriod(prevStart, prevEnd time.Time, interval domain.Interval, now time.Time) (start, end time.Time) {
	if prevStart.IsZero() || !AddInterval(prevStart, interval, 1).Equal(prevEnd) {
		if now.Before(prevEnd) {
			return prevEnd, AddInterval(prevEnd, interval, 1)
		}
		return PeriodContaining(prevEnd, interval, now)
	}

	k := 1
	start = prevEnd
	end = AddInterval(prevStart, interval, k+1)
	if !end.After(start) {
		return start, end
	}
	for !now.Before(end) {
		k++
		start = end
		end = AddInterval(prevStart, interval, k+1)
	}
	return start, end
}

// PeriodContaining returns the k-th period after anchor that contains now.
// Concurrent callers with the same anchor compute the same bounds.
func PeriodContaining(anchor time.Time, interval domain.Interval, now time.Time) (start, end time.Time) {
	if now.Before(anchor) {
		return anchor, AddInterval(anchor, interval, 1)
	}
	// Step from the anchor itself so month clamping does not accumulate.
	k := 0
	start = anchor
	end = AddInterval(anchor, interval, 1)
	if !end.After(start) {
		return start, end
	}
	for !now.Before(end) {
		k++
		start = end
		end = AddInterval(anchor, interval, k+1)
	}
	return start, end
}
