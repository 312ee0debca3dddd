// Package cronlite implements the restricted minute/hour/day-of-week
// scheduling grammar and the "@every <N><unit>" macro.
//
// Grammar:
//
//	<minute> <hour> <day-of-week>    each field is "*" or "v(,v)*"
//	@every <N>m | @every <N>h
//
// Minutes are 0-59, hours 0-23 and days of week 0-6 (0 is Sunday) or the
// case-insensitive names SUN..SAT. Out-of-range or malformed values are
// rejected, never clamped.
package cronlite

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule is a parsed CRONlite schedule. Both forms implement cron.Schedule so
// callers can compute upcoming fire times with the same interface robfig/cron
// jobs use.
type Schedule interface {
	cron.Schedule

	// String returns the normalized source text
	String() string
}

var (
	_ Schedule = (*Expression)(nil)
	_ Schedule = (*Macro)(nil)
)

// Parse parses either a three-field expression or an @every macro.
func Parse(text string) (Schedule, error) {
	if IsMacro(text) {
		return ParseMacro(text)
	}
	return ParseExpression(text)
}

// IsMacro reports whether text uses the macro form.
func IsMacro(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "@")
}

// Upcoming returns the next n fire times of s strictly after from.
func Upcoming(s Schedule, from time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	cursor := from
	for i := 0; i < n; i++ {
		next := s.Next(cursor)
		if next.IsZero() {
			break
		}
		times = append(times, next)
		cursor = next
	}
	return times
}
