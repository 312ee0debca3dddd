package cronlite

import (
	"strconv"
	"strings"
	"time"
)

// Macro is the "@every <N><unit>" form. It carries no wall-clock fields: it is
// due whenever N units have elapsed since the last firing, and immediately
// when it never fired.
type Macro struct {
	text     string
	count    int
	unit     byte
	interval time.Duration
}

// ParseMacro parses "@every <N>m" or "@every <N>h".
func ParseMacro(text string) (*Macro, error) {
	parts := strings.Fields(text)
	if len(parts) != 2 || parts[0] != "@every" {
		return nil, newParseError(FieldExpression, text, `expected "@every <N><m|h>"`)
	}

	token := parts[1]
	if len(token) < 2 {
		return nil, newParseError(FieldEvery, token, "missing count or unit")
	}
	digits, unit := token[:len(token)-1], token[len(token)-1]
	if !isDigits(digits) || len(digits) > 2 {
		return nil, newParseError(FieldEvery, token, "count is not a number")
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return nil, newParseError(FieldEvery, token, "count is not a number")
	}

	var base time.Duration
	switch unit {
	case 'm':
		if n >= minuteField.limit {
			return nil, newParseError(FieldEvery, token, "minute count out of range 0-%d", minuteField.limit-1)
		}
		base = time.Minute
	case 'h':
		if n >= hourField.limit {
			return nil, newParseError(FieldEvery, token, "hour count out of range 0-%d", hourField.limit-1)
		}
		base = time.Hour
	default:
		return nil, newParseError(FieldEvery, token, "unit must be m or h")
	}

	return &Macro{
		text:     "@every " + token,
		count:    n,
		unit:     unit,
		interval: time.Duration(n) * base,
	}, nil
}

// Due reports whether the macro should fire at now. A nil lastFired means the
// macro never fired, which makes it due immediately.
func (m *Macro) Due(lastFired *time.Time, now time.Time) bool {
	if lastFired == nil {
		return true
	}
	return now.Sub(*lastFired) >= m.interval
}

// Interval returns the firing period.
func (m *Macro) Interval() time.Duration { return m.interval }

// Next returns the earliest instant the macro is due again after firing at t.
func (m *Macro) Next(t time.Time) time.Time { return t.Add(m.interval) }

func (m *Macro) String() string { return m.text }
