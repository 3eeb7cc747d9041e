package policy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Kind tags the runtime type of an attribute value.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBool
	KindTime
)

// Value is a typed attribute value. Conditions compare values of the same
// kind; comparing across kinds is a condition error and fails closed.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	t    time.Time
}

func String(v string) Value  { return Value{kind: KindString, str: v} }
func Number(v float64) Value { return Value{kind: KindNumber, num: v} }
func Bool(v bool) Value      { return Value{kind: KindBool, b: v} }
func Time(v time.Time) Value { return Value{kind: KindTime, t: v.UTC()} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindTime:
		return v.t.Format(time.RFC3339)
	default:
		return v.str
	}
}

// Equal reports same-kind equality.
func (v Value) Equal(other Value) (bool, error) {
	if v.kind != other.kind {
		return false, fmt.Errorf("%w: cannot compare %v with %v", ErrCondition, v.kind, other.kind)
	}
	switch v.kind {
	case KindString:
		return v.str == other.str, nil
	case KindNumber:
		return v.num == other.num, nil
	case KindBool:
		return v.b == other.b, nil
	case KindTime:
		return v.t.Equal(other.t), nil
	}
	return false, fmt.Errorf("%w: unknown value kind %v", ErrCondition, v.kind)
}

// Less reports same-kind ordering; defined for numbers, times and strings.
func (v Value) Less(other Value) (bool, error) {
	if v.kind != other.kind {
		return false, fmt.Errorf("%w: cannot order %v against %v", ErrCondition, v.kind, other.kind)
	}
	switch v.kind {
	case KindNumber:
		return v.num < other.num, nil
	case KindTime:
		return v.t.Before(other.t), nil
	case KindString:
		return v.str < other.str, nil
	}
	return false, fmt.Errorf("%w: kind %v has no ordering", ErrCondition, v.kind)
}

// UnmarshalJSON accepts the JSON scalar forms: strings (RFC 3339 strings
// become times), numbers and booleans.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindTime:
		return json.Marshal(v.t.Format(time.RFC3339))
	default:
		return json.Marshal(v.str)
	}
}

// FromAny converts a decoded JSON scalar into a Value.
func FromAny(raw any) (Value, error) {
	switch x := raw.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339, x); err == nil {
			return Time(ts), nil
		}
		return String(x), nil
	case float64:
		return Number(x), nil
	case bool:
		return Bool(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: bad number %q", ErrCondition, x)
		}
		return Number(f), nil
	default:
		return Value{}, fmt.Errorf("%w: unsupported attribute type %T", ErrCondition, raw)
	}
}

// Attributes is the request's typed attribute bag.
type Attributes map[string]Value

// Get looks up one attribute.
func (a Attributes) Get(name string) (Value, bool) {
	v, ok := a[name]
	return v, ok
}
