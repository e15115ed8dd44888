package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
)

func TestComputeNextExecution(t *testing.T) {
	t.Parallel()

	at := func(y int, m time.Month, d, h int) time.Time { return time.Date(y, m, d, h, 30, 0, 0, time.UTC) }

	tests := []struct {
		name   string
		rec    crawler.Recurrence
		last   time.Time
		want   time.Time
		wantOK bool
	}{
		{name: "none", rec: crawler.RecurrenceNone, last: at(2024, 5, 1, 8)},
		{name: "daily", rec: crawler.RecurrenceDaily, last: at(2024, 5, 1, 8), want: at(2024, 5, 2, 8), wantOK: true},
		{name: "daily across month", rec: crawler.RecurrenceDaily, last: at(2024, 4, 30, 23), want: at(2024, 5, 1, 23), wantOK: true},
		{name: "weekly", rec: crawler.RecurrenceWeekly, last: at(2024, 5, 1, 8), want: at(2024, 5, 8, 8), wantOK: true},
		{name: "monthly", rec: crawler.RecurrenceMonthly, last: at(2024, 5, 15, 8), want: at(2024, 6, 15, 8), wantOK: true},
		{name: "monthly clamps leap february", rec: crawler.RecurrenceMonthly, last: at(2024, 1, 31, 8), want: at(2024, 2, 29, 8), wantOK: true},
		{name: "monthly clamps february", rec: crawler.RecurrenceMonthly, last: at(2023, 1, 31, 8), want: at(2023, 2, 28, 8), wantOK: true},
		{name: "monthly clamps thirty days", rec: crawler.RecurrenceMonthly, last: at(2024, 3, 31, 8), want: at(2024, 4, 30, 8), wantOK: true},
		{name: "monthly across year", rec: crawler.RecurrenceMonthly, last: at(2024, 12, 31, 8), want: at(2025, 1, 31, 8), wantOK: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ComputeNextExecution(tt.rec, tt.last)
			assert.Equal(t, tt.wantOK, ok)
			assert.True(t, tt.want.Equal(got), "got %v want %v", got, tt.want)
			if ok {
				assert.True(t, got.After(tt.last))
			}
		})
	}
}

func TestWindowStart(t *testing.T) {
	t.Parallel()

	// Thursday.
	ts := time.Date(2024, 5, 2, 14, 45, 10, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 5, 2, 14, 0, 0, 0, time.UTC), WindowStart(crawler.RecurrenceNone, ts))
	assert.Equal(t, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), WindowStart(crawler.RecurrenceDaily, ts))
	assert.Equal(t, time.Date(2024, 4, 29, 0, 0, 0, 0, time.UTC), WindowStart(crawler.RecurrenceWeekly, ts))
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), WindowStart(crawler.RecurrenceMonthly, ts))

	sunday := time.Date(2024, 5, 5, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 4, 29, 0, 0, 0, 0, time.UTC), WindowStart(crawler.RecurrenceWeekly, sunday))
}

func TestNextAfterSkipsMissedWindows(t *testing.T) {
	t.Parallel()

	anchor := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	got, ok := nextAfter(crawler.RecurrenceDaily, anchor, anchor.Add(5*time.Minute))
	assert.True(t, ok)
	assert.Equal(t, anchor.AddDate(0, 0, 1), got)

	got, ok = nextAfter(crawler.RecurrenceDaily, anchor, time.Date(2024, 5, 5, 10, 0, 0, 0, time.UTC))
	assert.True(t, ok)
	assert.Equal(t, time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC), got)

	got, ok = nextAfter(crawler.RecurrenceDaily, anchor, anchor.AddDate(0, 0, 1))
	assert.True(t, ok)
	assert.Equal(t, anchor.AddDate(0, 0, 2), got, "strictly after now")

	_, ok = nextAfter(crawler.RecurrenceNone, anchor, anchor)
	assert.False(t, ok)
}
