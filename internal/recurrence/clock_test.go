package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recurflow/internal/domain"
)

func utc(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func TestWindowStart(t *testing.T) {
	tests := []struct {
		freq domain.Frequency
		ref  string
		want string
	}{
		{domain.Daily, "2024-03-15T14:30:00Z", "2024-03-14T14:30:00Z"},
		{domain.Weekly, "2024-03-15T14:30:00Z", "2024-03-08T14:30:00Z"},
		{domain.Biweekly, "2024-03-15T14:30:00Z", "2024-03-01T14:30:00Z"},
		{domain.Monthly, "2024-03-15T14:30:00Z", "2024-02-15T14:30:00Z"},
		{domain.Quarterly, "2024-03-15T14:30:00Z", "2023-12-15T14:30:00Z"},
		{domain.Monthly, "2024-03-31T08:00:00Z", "2024-02-29T08:00:00Z"},
		{domain.Monthly, "2023-03-31T08:00:00Z", "2023-02-28T08:00:00Z"},
		{domain.Quarterly, "2024-05-31T08:00:00Z", "2024-02-29T08:00:00Z"},
		{domain.Frequency("unknown-value"), "2024-03-15T14:30:00Z", "2024-03-08T14:30:00Z"},
	}
	for _, tt := range tests {
		t.Run(string(tt.freq)+"/"+tt.ref, func(t *testing.T) {
			assert.Equal(t, utc(tt.want), WindowStart(tt.freq, utc(tt.ref)))
		})
	}
}

func TestNextOccurrence(t *testing.T) {
	tests := []struct {
		freq domain.Frequency
		ref  string
		want string
	}{
		{domain.Daily, "2024-03-15T14:30:00Z", "2024-03-16T09:00:00Z"},
		{domain.Weekly, "2024-03-15T14:30:00Z", "2024-03-22T09:00:00Z"},
		{domain.Biweekly, "2024-03-15T14:30:00Z", "2024-03-29T09:00:00Z"},
		{domain.Monthly, "2024-03-15T14:30:00Z", "2024-04-15T09:00:00Z"},
		{domain.Quarterly, "2024-11-30T23:59:59Z", "2025-02-28T09:00:00Z"},
		{domain.Monthly, "2024-01-31T09:00:00Z", "2024-02-29T09:00:00Z"},
		{domain.Monthly, "2023-01-31T09:00:00Z", "2023-02-28T09:00:00Z"},
		{domain.Monthly, "2024-12-31T18:00:00Z", "2025-01-31T09:00:00Z"},
		{domain.Daily, "2024-03-15T00:00:00Z", "2024-03-16T09:00:00Z"},
		{domain.Frequency("unknown-value"), "2024-03-15T14:30:00Z", "2024-03-22T09:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(string(tt.freq)+"/"+tt.ref, func(t *testing.T) {
			assert.Equal(t, utc(tt.want), NextOccurrence(tt.freq, utc(tt.ref)))
		})
	}
}

func TestClockProperties(t *testing.T) {
	freqs := append([]domain.Frequency{"bogus"}, domain.Frequencies...)
	start := utc("2023-01-01T00:00:00Z")
	// Step by an odd number of minutes so references land on every hour,
	// weekday and month-end combination over two years.
	step := 37*time.Hour + 13*time.Minute

	for _, f := range freqs {
		for ref := start; ref.Before(start.AddDate(2, 0, 0)); ref = ref.Add(step) {
			next := NextOccurrence(f, ref)
			require.True(t, next.After(ref), "%s: next %v not after %v", f, next, ref)
			require.True(t, WindowStart(f, ref).Before(ref), "%s: window start not before %v", f, ref)
			require.True(t, NextOccurrence(f, next).After(next), "%s: chain not monotonic at %v", f, next)
			require.Zero(t, next.Minute()+next.Second()+next.Nanosecond())
			require.Equal(t, DefaultHour, next.Hour())
		}
	}
}

func TestIntervalMultipliesPeriod(t *testing.T) {
	ref := utc("2024-03-15T14:30:00Z")

	rec := domain.Recurrence{Frequency: domain.Daily, Interval: 3}
	assert.Equal(t, utc("2024-03-18T09:00:00Z"), Default.NextOccurrence(rec, ref))
	assert.Equal(t, utc("2024-03-12T14:30:00Z"), Default.WindowStart(rec, ref))

	rec = domain.Recurrence{Frequency: domain.Monthly, Interval: 2}
	assert.Equal(t, utc("2024-05-15T09:00:00Z"), Default.NextOccurrence(rec, ref))
}

func TestWeekdayPinning(t *testing.T) {
	monday := time.Monday
	// 2024-03-15 is a Friday.
	ref := utc("2024-03-15T14:30:00Z")

	rec := domain.Recurrence{Frequency: domain.Daily, Weekday: &monday}
	assert.Equal(t, utc("2024-03-18T09:00:00Z"), Default.NextOccurrence(rec, ref))

	rec = domain.Recurrence{Frequency: domain.Weekly, Weekday: &monday}
	assert.Equal(t, utc("2024-03-25T09:00:00Z"), Default.NextOccurrence(rec, ref))

	friday := time.Friday
	rec = domain.Recurrence{Frequency: domain.Weekly, Weekday: &friday}
	assert.Equal(t, utc("2024-03-22T09:00:00Z"), Default.NextOccurrence(rec, ref))
}

func TestMonthDayPinningClamps(t *testing.T) {
	rec := domain.Recurrence{Frequency: domain.Monthly, MonthDay: 31}
	got := Default.Preview(rec, utc("2024-01-10T12:00:00Z"), 4)
	assert.Equal(t, []time.Time{
		utc("2024-02-29T09:00:00Z"),
		utc("2024-03-31T09:00:00Z"),
		utc("2024-04-30T09:00:00Z"),
		utc("2024-05-31T09:00:00Z"),
	}, got)

	rec = domain.Recurrence{Frequency: domain.Quarterly, MonthDay: 1}
	assert.Equal(t, utc("2024-04-01T09:00:00Z"), Default.NextOccurrence(rec, utc("2024-01-31T10:00:00Z")))
}

func TestClockLocation(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	c := New(9, loc)

	next := c.NextOccurrence(domain.Recurrence{Frequency: domain.Daily}, utc("2024-03-15T23:30:00Z"))
	// 23:30Z is already 01:30 on the 16th in UTC+2.
	assert.True(t, next.Equal(time.Date(2024, 3, 17, 9, 0, 0, 0, loc)), "got %v", next)
	assert.Equal(t, 9, next.Hour())
}

func TestNewClampsInvalidHour(t *testing.T) {
	c := New(42, nil)
	assert.Equal(t, DefaultHour, c.Hour)
	assert.Equal(t, time.UTC, c.Location)
}

func TestOrDefault(t *testing.T) {
	assert.Equal(t, Default, OrDefault(Clock{}))

	c := OrDefault(Clock{Hour: 6})
	assert.Equal(t, 6, c.Hour)
	assert.Equal(t, time.UTC, c.Location)

	c = OrDefault(Clock{Hour: 0, Location: time.UTC})
	assert.Equal(t, 0, c.Hour)
	assert.Equal(t, DefaultHour, OrDefault(Clock{Hour: 30}).Hour)
}

func TestPreviewIsStrictlyIncreasing(t *testing.T) {
	for _, f := range domain.Frequencies {
		times := Default.Preview(domain.Recurrence{Frequency: f}, utc("2024-01-31T10:00:00Z"), 12)
		require.Len(t, times, 12)
		for i := 1; i < len(times); i++ {
			assert.True(t, times[i].After(times[i-1]), "%s: %v then %v", f, times[i-1], times[i])
		}
	}
}
