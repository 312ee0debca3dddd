package cronlite

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExpression(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		minutes []int
		hours   []int
		days    []int
	}{
		{
			name:    "AllWildcards",
			text:    "* * *",
			minutes: seq(0, 59),
			hours:   seq(0, 23),
			days:    seq(0, 6),
		},
		{
			name:    "HourList",
			text:    "0 6,15,22 *",
			minutes: []int{0},
			hours:   []int{6, 15, 22},
			days:    seq(0, 6),
		},
		{
			name:    "MixedDayNamesAndNumbers",
			text:    "30 8 MON,3,fri",
			minutes: []int{30},
			hours:   []int{8},
			days:    []int{1, 3, 5},
		},
		{
			name:    "ExtraWhitespace",
			text:    "  5   0  sun ",
			minutes: []int{5},
			hours:   []int{0},
			days:    []int{0},
		},
		{
			name:    "Duplicates",
			text:    "1,1,2 23 SAT,6",
			minutes: []int{1, 2},
			hours:   []int{23},
			days:    []int{6},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := ParseExpression(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.minutes, e.Minutes())
			assert.Equal(t, tt.hours, e.Hours())
			assert.Equal(t, tt.days, e.DaysOfWeek())
		})
	}
}

func TestParseExpressionRejects(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		field string
		value string
	}{
		{"MinuteOutOfRange", "60 * *", FieldMinute, "60"},
		{"HourOutOfRange", "0 24 *", FieldHour, "24"},
		{"DayOutOfRange", "0 0 7", FieldDayOfWeek, "7"},
		{"FullDayName", "0 0 MONDAY", FieldDayOfWeek, "MONDAY"},
		{"UnknownDayName", "0 0 FOO", FieldDayOfWeek, "FOO"},
		{"DayNameInMinute", "MON 0 *", FieldMinute, "MON"},
		{"Negative", "-1 0 *", FieldMinute, "-1"},
		{"EmptyElement", "1,,2 0 *", FieldMinute, ""},
		{"TrailingComma", "0 1, *", FieldHour, ""},
		{"Range", "0 1-5 *", FieldHour, "1-5"},
		{"Step", "*/5 * *", FieldMinute, "*/5"},
		{"TooFewFields", "0 0", FieldExpression, "0 0"},
		{"TooManyFields", "0 0 0 0", FieldExpression, "0 0 0 0"},
		{"Empty", "", FieldExpression, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseExpression(tt.text)
			require.Error(t, err)

			var perr *ParseError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tt.field, perr.Field)
			assert.Equal(t, tt.value, perr.Value)
		})
	}
}

func TestExpressionMatches(t *testing.T) {
	e := MustParseExpression("0 6,15,22 *")

	// Walk a whole week minute by minute
	start := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	matched := 0
	for ts := start; ts.Before(start.AddDate(0, 0, 7)); ts = ts.Add(time.Minute) {
		want := ts.Minute() == 0 && (ts.Hour() == 6 || ts.Hour() == 15 || ts.Hour() == 22)
		assert.Equal(t, want, e.Matches(ts), ts.String())
		if want {
			matched++
		}
	}
	assert.Equal(t, 21, matched)

	t.Run("DayOfWeek", func(t *testing.T) {
		e := MustParseExpression("* * SUN")
		sunday := time.Date(2024, 3, 10, 12, 30, 0, 0, time.UTC)
		assert.True(t, e.Matches(sunday))
		assert.False(t, e.Matches(sunday.AddDate(0, 0, 1)))
	})

	t.Run("IgnoresSeconds", func(t *testing.T) {
		e := MustParseExpression("15 10 *")
		ts := time.Date(2024, 3, 4, 10, 15, 59, 999, time.UTC)
		assert.True(t, e.Matches(ts))
	})
}

func TestExpressionNext(t *testing.T) {
	e := MustParseExpression("0 6,15,22 *")
	from := time.Date(2024, 3, 4, 6, 0, 0, 0, time.UTC)

	t.Run("StrictlyAfter", func(t *testing.T) {
		assert.Equal(t, time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC), e.Next(from))
	})

	t.Run("WrapsToNextDay", func(t *testing.T) {
		got := e.Next(time.Date(2024, 3, 4, 22, 0, 30, 0, time.UTC))
		assert.Equal(t, time.Date(2024, 3, 5, 6, 0, 0, 0, time.UTC), got)
	})

	t.Run("WeeklyRule", func(t *testing.T) {
		weekly := MustParseExpression("45 23 SAT")
		got := weekly.Next(time.Date(2024, 3, 9, 23, 45, 0, 0, time.UTC))
		assert.Equal(t, time.Date(2024, 3, 16, 23, 45, 0, 0, time.UTC), got)
	})

	t.Run("Upcoming", func(t *testing.T) {
		times := Upcoming(e, from, 4)
		require.Len(t, times, 4)
		assert.Equal(t, 15, times[0].Hour())
		assert.Equal(t, 22, times[1].Hour())
		assert.Equal(t, 6, times[2].Hour())
		assert.Equal(t, 15, times[3].Hour())
	})
}

func seq(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}
