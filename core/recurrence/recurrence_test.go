package recurrence

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpand(t *testing.T) {
	day := func(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 8, 0, 0, 0, time.UTC) }
	mon := day(2024, time.September, 2)

	tests := []struct {
		name       string
		rule       Rule
		start, end time.Time
		want       []time.Time
		wantErr    error
	}{
		{name: "unknown frequency", rule: Rule{Frequency: "yearly"}, start: mon, end: mon, wantErr: ErrInvalidRule},
		{name: "negative interval", rule: Rule{Frequency: Daily, Interval: -1}, start: mon, end: mon, wantErr: ErrInvalidRule},
		{name: "bad weekday", rule: Rule{Frequency: Weekly, Weekdays: []time.Weekday{9}}, start: mon, end: mon, wantErr: ErrInvalidRule},
		{name: "end before start", rule: Rule{Frequency: Daily}, start: mon, end: mon.AddDate(0, 0, -1), want: []time.Time{}},
		{name: "single day", rule: Rule{Frequency: Daily}, start: mon, end: mon, want: []time.Time{mon}},
		{
			name: "daily", rule: Rule{Frequency: Daily}, start: mon, end: day(2024, time.September, 4),
			want: []time.Time{mon, day(2024, time.September, 3), day(2024, time.September, 4)},
		},
		{
			name: "every other day", rule: Rule{Frequency: Daily, Interval: 2}, start: mon, end: day(2024, time.September, 7),
			want: []time.Time{mon, day(2024, time.September, 4), day(2024, time.September, 6)},
		},
		{
			name: "daily count", rule: Rule{Frequency: Daily, Count: 2}, start: mon, end: day(2024, time.December, 31),
			want: []time.Time{mon, day(2024, time.September, 3)},
		},
		{
			name: "weekly on start weekday", rule: Rule{Frequency: Weekly}, start: mon, end: day(2024, time.September, 16),
			want: []time.Time{mon, day(2024, time.September, 9), day(2024, time.September, 16)},
		},
		{
			name: "weekly mon & thu", rule: Rule{Frequency: Weekly, Weekdays: []time.Weekday{time.Thursday, time.Monday, time.Monday}},
			start: day(2024, time.September, 3), end: day(2024, time.September, 12),
			want: []time.Time{day(2024, time.September, 5), day(2024, time.September, 9), day(2024, time.September, 12)},
		},
		{
			name: "biweekly", rule: Rule{Frequency: Weekly, Interval: 2}, start: mon, end: day(2024, time.September, 30),
			want: []time.Time{mon, day(2024, time.September, 16), day(2024, time.September, 30)},
		},
		{
			name: "monthly skips short months", rule: Rule{Frequency: Monthly},
			start: day(2024, time.January, 31), end: day(2024, time.May, 31),
			want: []time.Time{day(2024, time.January, 31), day(2024, time.March, 31), day(2024, time.May, 31)},
		},
		{
			name: "quarterly", rule: Rule{Frequency: Monthly, Interval: 3}, start: day(2024, time.January, 15), end: day(2024, time.December, 31),
			want: []time.Time{
				day(2024, time.January, 15), day(2024, time.April, 15), day(2024, time.July, 15), day(2024, time.October, 15),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Expand(tt.rule, tt.start, tt.end)
			if tt.wantErr != nil {
				assert.Equal(t, tt.wantErr, errors.Cause(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpand_Bounded(t *testing.T) {
	start := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	got, err := Expand(Rule{Frequency: Daily}, start, start.AddDate(5, 0, 0))
	require.NoError(t, err)
	assert.Len(t, got, MaxOccurrences)
}
