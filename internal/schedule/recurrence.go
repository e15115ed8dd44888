package schedule

import (
	"time"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
)

// ComputeNextExecution returns the execution following last for rec, or false
// when rec does not repeat. Monthly steps keep the time of day and clamp to the
// last day of a shorter month (Jan 31 becomes Feb 28 or 29).
func ComputeNextExecution(rec crawler.Recurrence, last time.Time) (time.Time, bool) {
	switch rec {
	case crawler.RecurrenceDaily:
		return last.AddDate(0, 0, 1), true
	case crawler.RecurrenceWeekly:
		return last.AddDate(0, 0, 7), true
	case crawler.RecurrenceMonthly:
		return addMonthClamped(last), true
	default:
		return time.Time{}, false
	}
}

func addMonthClamped(t time.Time) time.Time {
	y, m, d := t.Date()
	firstOfNext := time.Date(y, m+1, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := firstOfNext.AddDate(0, 1, -1).Day()
	if d > lastDay {
		d = lastDay
	}
	return time.Date(firstOfNext.Year(), firstOfNext.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// WindowStart truncates t to the scheduling window of rec: the hour for
// one-off tasks, the day, the ISO week (Monday) or the month otherwise.
func WindowStart(rec crawler.Recurrence, t time.Time) time.Time {
	y, m, d := t.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	switch rec {
	case crawler.RecurrenceDaily:
		return day
	case crawler.RecurrenceWeekly:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case crawler.RecurrenceMonthly:
		return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
	default:
		return time.Date(y, m, d, t.Hour(), 0, 0, 0, t.Location())
	}
}

// nextAfter steps from anchor until the result is strictly after both anchor
// and now, so missed windows are skipped rather than replayed.
func nextAfter(rec crawler.Recurrence, anchor, now time.Time) (time.Time, bool) {
	next, ok := ComputeNextExecution(rec, anchor)
	if !ok {
		return time.Time{}, false
	}
	for !next.After(now) {
		next, _ = ComputeNextExecution(rec, next)
	}
	return next, true
}
