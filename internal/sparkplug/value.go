// Package sparkplug implements the Sparkplug-B v1.0 surface Mantle needs:
// the topic grammar, the protobuf payload codec, metric data types and the
// timestamp and value normalisation rules applied at ingress.
package sparkplug

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind tags the dynamic metric value variant.
type Kind int

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindBool
	KindString
)

// Value is the tagged variant carried by every metric. Exactly the field
// matching Kind is meaningful; everything downstream of ingress sees this
// type, never a wire-level value.
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Bool  bool
	Str   string
}

func NullValue() Value           { return Value{Kind: KindNull} }
func IntValue(v int64) Value     { return Value{Kind: KindInt, Int: v} }
func FloatValue(v float64) Value { return Value{Kind: KindFloat, Float: v} }
func BoolValue(v bool) Value     { return Value{Kind: KindBool, Bool: v} }
func StringValue(v string) Value { return Value{Kind: KindString, Str: v} }

// IsNull reports whether the value carries nothing.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Numeric promotes the value to float64 for alarm comparison. Booleans
// map to 0/1, strings are parsed; a null or unparseable value reports
// ok=false.
func (v Value) Numeric() (float64, bool) {
	switch v.Kind {
	case KindInt:
		return float64(v.Int), true
	case KindFloat:
		return v.Float, true
	case KindBool:
		if v.Bool {
			return 1, true
		}
		return 0, true
	case KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// String renders the value for pub/sub events, which always stringify.
func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindString:
		return v.Str
	default:
		return ""
	}
}

// MarshalJSON encodes the underlying value, or null.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindInt:
		return json.Marshal(v.Int)
	case KindFloat:
		if math.IsNaN(v.Float) || math.IsInf(v.Float, 0) {
			return []byte("null"), nil
		}
		return json.Marshal(v.Float)
	case KindBool:
		return json.Marshal(v.Bool)
	case KindString:
		return json.Marshal(v.Str)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON restores the variant from a JSON scalar.
func (v *Value) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*v = NullValue()
		return nil
	}
	if s == "true" || s == "false" {
		*v = BoolValue(s == "true")
		return nil
	}
	if len(s) > 0 && s[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*v = StringValue(str)
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		*v = IntValue(i)
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("value %q is not a JSON scalar", s)
	}
	*v = FloatValue(f)
	return nil
}

// Column identifies the physical history column a value is routed to.
type Column int

const (
	ColumnString Column = iota
	ColumnInt
	ColumnFloat
	ColumnBool
)

// ColumnFor maps a Sparkplug metric type name to its storage column.
// Matching is a case-insensitive prefix check: int*/uint* route to the
// integer column, float/double to the float column, boolean to the bool
// column and everything else is stored as text. This table is the single
// source of truth for persistence routing; pub/sub payloads always
// stringify regardless.
func ColumnFor(metricType string) Column {
	t := strings.ToLower(metricType)
	switch {
	case strings.HasPrefix(t, "int"), strings.HasPrefix(t, "uint"):
		return ColumnInt
	case strings.HasPrefix(t, "float"), strings.HasPrefix(t, "double"):
		return ColumnFloat
	case strings.HasPrefix(t, "boolean"):
		return ColumnBool
	default:
		return ColumnString
	}
}

// NormalizeTimestamp converts a Sparkplug 64-bit timestamp to
// milliseconds since epoch. Values below 10^12 are taken as seconds.
// Values at or beyond 2^53 survive (they fit int64); only callers that
// re-encode to a float lose precision, which is acceptable.
func NormalizeTimestamp(ts uint64) int64 {
	const msThreshold = 1_000_000_000_000
	if ts == 0 {
		return 0
	}
	if ts < msThreshold {
		return int64(ts) * 1000
	}
	if ts > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(ts)
}
