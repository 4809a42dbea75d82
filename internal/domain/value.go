package domain

import (
	"fmt"
)

// Operator represents a comparison operator used by range filters.
type Operator string

const (
	OpLess           Operator = "<"
	OpLessOrEqual    Operator = "<="
	OpGreater        Operator = ">"
	OpGreaterOrEqual Operator = ">="
	OpEqual          Operator = "=="
)

var validOperators = map[Operator]struct{}{
	OpLess:           {},
	OpLessOrEqual:    {},
	OpGreater:        {},
	OpGreaterOrEqual: {},
	OpEqual:          {},
}

// Value is an immutable (operator, magnitude) pair. Every range filter is
// expressed as one or two Values compared against a numeric column.
type Value struct {
	Operator  Operator
	Magnitude float64
}

// NewValue validates the operator before constructing a Value.
func NewValue(op Operator, magnitude float64) (Value, error) {
	if _, ok := validOperators[op]; !ok {
		return Value{}, fmt.Errorf("%w: unknown comparison operator %q", ErrConfiguration, op)
	}
	return Value{Operator: op, Magnitude: magnitude}, nil
}

// MustValue is NewValue for statically known operators; it panics on a bad
// operator and is intended for literal declarations.
func MustValue(op Operator, magnitude float64) Value {
	v, err := NewValue(op, magnitude)
	if err != nil {
		panic(err)
	}
	return v
}

// GreaterOrEqual returns the Value ">= magnitude".
func GreaterOrEqual(magnitude float64) Value { return MustValue(OpGreaterOrEqual, magnitude) }

// GreaterThan returns the Value "> magnitude".
func GreaterThan(magnitude float64) Value { return MustValue(OpGreater, magnitude) }

// LessOrEqual returns the Value "<= magnitude".
func LessOrEqual(magnitude float64) Value { return MustValue(OpLessOrEqual, magnitude) }

// LessThan returns the Value "< magnitude".
func LessThan(magnitude float64) Value { return MustValue(OpLess, magnitude) }

// EqualTo returns the Value "== magnitude".
func EqualTo(magnitude float64) Value { return MustValue(OpEqual, magnitude) }

// Compare reports whether x satisfies the comparison "x <op> magnitude".
func (v Value) Compare(x float64) bool {
	switch v.Operator {
	case OpLess:
		return x < v.Magnitude
	case OpLessOrEqual:
		return x <= v.Magnitude
	case OpGreater:
		return x > v.Magnitude
	case OpGreaterOrEqual:
		return x >= v.Magnitude
	case OpEqual:
		return x == v.Magnitude
	default:
		return false
	}
}

func (v Value) String() string {
	return fmt.Sprintf("%s %g", v.Operator, v.Magnitude)
}

// ValidateRange checks that a min/max Value pair is mutually satisfiable:
// when both ends are present, min's threshold must not exceed max's.
func ValidateRange(min, max *Value) error {
	if min == nil || max == nil {
		return nil
	}
	if min.Magnitude > max.Magnitude {
		return fmt.Errorf("%w: range min %s exceeds max %s", ErrConfiguration, min, max)
	}
	return nil
}
