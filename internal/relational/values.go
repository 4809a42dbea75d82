package relational

import (
	"fmt"
	"strconv"
	"time"
)

// AsFloat coerces the numeric representations a physical source can hand
// back. The second return reports whether a numeric value was readable.
func AsFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case nil:
		return 0, false
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	case *float64:
		if v == nil {
			return 0, false
		}
		return *v, true
	default:
		return 0, false
	}
}

// AsTime coerces date values: native times, pointers, and ISO date strings.
func AsTime(value any) (time.Time, bool) {
	switch v := value.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return v, true
	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}
		return *v, true
	case string:
		if parsed, err := time.Parse("2006-01-02", v); err == nil {
			return parsed, true
		}
		if parsed, err := time.Parse(time.RFC3339, v); err == nil {
			return parsed, true
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

// AsBool coerces boolean flags, accepting the textual forms a physical
// source may use.
func AsBool(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case *bool:
		return v != nil && *v
	case string:
		return v == "true" || v == "TRUE" || v == "t" || v == "1"
	default:
		return false
	}
}

// AsText renders a row value as text; nil and missing values render empty.
func AsText(row Row, column string) string {
	value, ok := row[column]
	if !ok || value == nil {
		return ""
	}
	return fmt.Sprintf("%v", value)
}
