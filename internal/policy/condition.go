package policy

import (
	"fmt"
	"strings"
)

// Operator is the closed comparison set conditions may use.
type Operator string

const (
	OpEq      Operator = "eq"
	OpNeq     Operator = "neq"
	OpGt      Operator = "gt"
	OpLt      Operator = "lt"
	OpIn      Operator = "in"
	OpBetween Operator = "between"
)

// ParseOperator validates an operator string.
func ParseOperator(s string) (Operator, error) {
	op := Operator(strings.ToLower(strings.TrimSpace(s)))
	switch op {
	case OpEq, OpNeq, OpGt, OpLt, OpIn, OpBetween:
		return op, nil
	}
	return "", fmt.Errorf("%w: unknown operator %q", ErrCondition, s)
}

// Condition compares one request attribute against a policy-defined value.
// OpIn uses Values; OpBetween uses Value..ValueHigh inclusive.
type Condition struct {
	Attribute string   `json:"attribute"`
	Operator  Operator `json:"operator"`
	Value     Value    `json:"value"`
	ValueHigh Value    `json:"value_high,omitempty"`
	Values    []Value  `json:"values,omitempty"`
}

// Validate checks the condition is well formed independent of any request.
func (c Condition) Validate() error {
	if strings.TrimSpace(c.Attribute) == "" {
		return fmt.Errorf("%w: condition attribute is required", ErrInvalidInput)
	}
	if _, err := ParseOperator(string(c.Operator)); err != nil {
		return err
	}
	if c.Operator == OpIn && len(c.Values) == 0 {
		return fmt.Errorf("%w: operator in requires values", ErrInvalidInput)
	}
	return nil
}

// Match evaluates the condition against the attribute bag. A missing
// attribute never matches. Type mismatches surface as errors so the caller
// can fail closed.
func (c Condition) Match(attrs Attributes) (bool, error) {
	got, ok := attrs.Get(c.Attribute)
	if !ok {
		return false, nil
	}
	switch c.Operator {
	case OpEq:
		return got.Equal(c.Value)
	case OpNeq:
		eq, err := got.Equal(c.Value)
		if err != nil {
			return false, err
		}
		return !eq, nil
	case OpGt:
		return c.Value.Less(got)
	case OpLt:
		return got.Less(c.Value)
	case OpIn:
		for _, candidate := range c.Values {
			eq, err := got.Equal(candidate)
			if err != nil {
				return false, err
			}
			if eq {
				return true, nil
			}
		}
		return false, nil
	case OpBetween:
		below, err := got.Less(c.Value)
		if err != nil {
			return false, err
		}
		above, err := c.ValueHigh.Less(got)
		if err != nil {
			return false, err
		}
		return !below && !above, nil
	}
	return false, fmt.Errorf("%w: unknown operator %q", ErrCondition, c.Operator)
}
