package cronlite

import (
	"strconv"
	"strings"
	"time"
)

// searchHorizon bounds Next: every field set is non-empty, so any expression
// matches at least once per week.
const searchHorizon = 7*24*60 + 1

var dayNames = map[string]int{
	"SUN": 0,
	"MON": 1,
	"TUE": 2,
	"WED": 3,
	"THU": 4,
	"FRI": 5,
	"SAT": 6,
}

type fieldSpec struct {
	name  string
	limit int // exclusive upper bound
	names map[string]int
}

var (
	minuteField = fieldSpec{name: FieldMinute, limit: 60}
	hourField   = fieldSpec{name: FieldHour, limit: 24}
	dowField    = fieldSpec{name: FieldDayOfWeek, limit: 7, names: dayNames}
)

// Expression is a three-field minute/hour/day-of-week schedule. Each field
// resolves to a set of accepted values held as a bitset.
type Expression struct {
	text    string
	minutes uint64
	hours   uint64
	days    uint64
}

// ParseExpression parses "<minute> <hour> <day-of-week>".
func ParseExpression(text string) (*Expression, error) {
	parts := strings.Fields(text)
	if len(parts) != 3 {
		return nil, newParseError(FieldExpression, text, "expected 3 space-separated fields, found %d", len(parts))
	}

	minutes, err := parseField(parts[0], minuteField)
	if err != nil {
		return nil, err
	}
	hours, err := parseField(parts[1], hourField)
	if err != nil {
		return nil, err
	}
	days, err := parseField(parts[2], dowField)
	if err != nil {
		return nil, err
	}

	return &Expression{
		text:    strings.Join(parts, " "),
		minutes: minutes,
		hours:   hours,
		days:    days,
	}, nil
}

// MustParseExpression is like ParseExpression but panics on error.
func MustParseExpression(text string) *Expression {
	e, err := ParseExpression(text)
	if err != nil {
		panic(err)
	}
	return e
}

func parseField(value string, spec fieldSpec) (uint64, error) {
	if value == "*" {
		return uint64(1)<<uint(spec.limit) - 1, nil
	}

	var set uint64
	for _, item := range strings.Split(value, ",") {
		v, err := parseValue(item, spec)
		if err != nil {
			return 0, err
		}
		set |= 1 << uint(v)
	}
	return set, nil
}

func parseValue(item string, spec fieldSpec) (int, error) {
	if item == "" {
		return 0, newParseError(spec.name, item, "empty list element")
	}

	if spec.names != nil && isLetters(item) {
		if len(item) != 3 {
			return 0, newParseError(spec.name, item, "day names must be three-letter abbreviations SUN..SAT")
		}
		v, ok := spec.names[strings.ToUpper(item)]
		if !ok {
			return 0, newParseError(spec.name, item, "unknown day name")
		}
		return v, nil
	}

	if !isDigits(item) || len(item) > 2 {
		return 0, newParseError(spec.name, item, "not a number")
	}
	v, err := strconv.Atoi(item)
	if err != nil {
		return 0, newParseError(spec.name, item, "not a number")
	}
	if v >= spec.limit {
		return 0, newParseError(spec.name, item, "out of range 0-%d", spec.limit-1)
	}
	return v, nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

func isLetters(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i] | 0x20
		if c < 'a' || c > 'z' {
			return false
		}
	}
	return s != ""
}

// Matches reports whether the minute, hour and day of week of t are all
// members of the resolved field sets. Evaluation uses t's location.
func (e *Expression) Matches(t time.Time) bool {
	return e.minutes&(1<<uint(t.Minute())) != 0 &&
		e.hours&(1<<uint(t.Hour())) != 0 &&
		e.days&(1<<uint(t.Weekday())) != 0
}

// Next returns the first minute boundary strictly after t that matches.
func (e *Expression) Next(t time.Time) time.Time {
	candidate := t.Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < searchHorizon; i++ {
		if e.Matches(candidate) {
			return candidate
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}
}

// Minutes returns the accepted minutes in ascending order.
func (e *Expression) Minutes() []int { return members(e.minutes, 60) }

// Hours returns the accepted hours in ascending order.
func (e *Expression) Hours() []int { return members(e.hours, 24) }

// DaysOfWeek returns the accepted days of week (0 is Sunday) in ascending order.
func (e *Expression) DaysOfWeek() []int { return members(e.days, 7) }

func (e *Expression) String() string { return e.text }

func members(set uint64, limit int) []int {
	var out []int
	for v := 0; v < limit; v++ {
		if set&(1<<uint(v)) != 0 {
			out = append(out, v)
		}
	}
	return out
}
