package cronlite

import "fmt"

// Field names used in parse errors
const (
	FieldExpression = "expression"
	FieldMinute     = "minute"
	FieldHour       = "hour"
	FieldDayOfWeek  = "day-of-week"
	FieldEvery      = "every"
)

// ParseError is returned when a schedule string cannot be parsed. Field names
// the offending part of the expression and Value holds the rejected text.
type ParseError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cronlite: invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func newParseError(field, value, format string, args ...interface{}) *ParseError {
	return &ParseError{
		Field:  field,
		Value:  value,
		Reason: fmt.Sprintf(format, args...),
	}
}
