package hardware

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	humanize "github.com/dustin/go-humanize"
)

// Operator is the comparison applied between a requirement and the profile.
type Operator string

const (
	OpEq       Operator = "="
	OpNe       Operator = "!="
	OpGt       Operator = ">"
	OpGe       Operator = ">="
	OpLt       Operator = "<"
	OpLe       Operator = "<="
	OpMatch    Operator = "~"
	OpNotMatch Operator = "!~"
)

// Longest prefixes first so ">=" is not read as ">".
var operatorPrefixes = []string{"==", "!=", ">=", "<=", "!~", "=", ">", "<", "~"}

type kind int

const (
	kindString kind = iota
	kindNumber
	kindSize
)

func (k kind) String() string {
	switch k {
	case kindNumber:
		return "number"
	case kindSize:
		return "size"
	}
	return "string"
}

// Value is a single leaf comparison such as ">= 4" or "~ ^x86".
type Value struct {
	Op      Operator
	Operand string

	kind   kind
	source any
	number int64
	size   uint64
	re     *regexp.Regexp
}

// Source returns the value as it was written.
func (v *Value) Source() any {
	return v.source
}

func (v *Value) String() string {
	return string(v.Op) + " " + v.Operand
}

func splitOperator(s string) (Operator, string) {
	s = strings.TrimSpace(s)
	for _, prefix := range operatorPrefixes {
		if strings.HasPrefix(s, prefix) {
			op := Operator(prefix)
			if prefix == "==" {
				op = OpEq
			}
			return op, strings.TrimSpace(s[len(prefix):])
		}
	}
	return OpEq, s
}

// parseValue reads raw as a comparison for a field of kind k. Plain numbers
// are accepted for numeric and size fields; enum restricts the operand of
// equality comparisons.
func parseValue(raw any, k kind, enum []string) (*Value, error) {
	v := &Value{Op: OpEq, kind: k, source: raw}
	switch r := raw.(type) {
	case string:
		v.Op, v.Operand = splitOperator(r)
	case int:
		v.Operand = strconv.Itoa(r)
	case int64:
		v.Operand = strconv.FormatInt(r, 10)
	case uint64:
		v.Operand = strconv.FormatUint(r, 10)
	case float64:
		if r != float64(int64(r)) {
			return nil, fmt.Errorf("expected an integer, got %v", r)
		}
		v.Operand = strconv.FormatInt(int64(r), 10)
	case nil:
		return nil, fmt.Errorf("value is required")
	default:
		return nil, fmt.Errorf("expected a %s, got %T", k, raw)
	}
	if v.Operand == "" {
		return nil, fmt.Errorf("missing operand in %q", fmt.Sprint(raw))
	}
	if _, isString := raw.(string); !isString && k == kindString {
		return nil, fmt.Errorf("expected a string, got %T", raw)
	}

	switch k {
	case kindString:
		switch v.Op {
		case OpEq, OpNe:
			if len(enum) > 0 && !contains(enum, v.Operand) {
				return nil, fmt.Errorf("%q is not one of %s", v.Operand, strings.Join(enum, ", "))
			}
		case OpMatch, OpNotMatch:
			re, err := regexp.Compile(v.Operand)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern %q: %w", v.Operand, err)
			}
			v.re = re
		default:
			return nil, fmt.Errorf("operator %q is not allowed on a string", v.Op)
		}
	case kindNumber:
		if v.Op == OpMatch || v.Op == OpNotMatch {
			return nil, fmt.Errorf("operator %q is not allowed on a number", v.Op)
		}
		n, err := strconv.ParseInt(v.Operand, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", v.Operand)
		}
		v.number = n
	case kindSize:
		if v.Op == OpMatch || v.Op == OpNotMatch {
			return nil, fmt.Errorf("operator %q is not allowed on a size", v.Op)
		}
		n, err := humanize.ParseBytes(v.Operand)
		if err != nil {
			return nil, fmt.Errorf("invalid size %q", v.Operand)
		}
		v.size = n
	}
	return v, nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// matchString compares against a string attribute. Unknown attributes never
// match.
func (v *Value) matchString(actual string) bool {
	if actual == "" {
		return false
	}
	switch v.Op {
	case OpEq:
		return actual == v.Operand
	case OpNe:
		return actual != v.Operand
	case OpMatch:
		return v.re.MatchString(actual)
	case OpNotMatch:
		return !v.re.MatchString(actual)
	}
	return false
}

func (v *Value) matchNumber(actual *int) bool {
	if actual == nil {
		return false
	}
	return compareOrdered(v.Op, int64(*actual), v.number)
}

func (v *Value) matchSize(actual *Size) bool {
	if actual == nil {
		return false
	}
	return compareOrdered(v.Op, uint64(*actual), v.size)
}

func compareOrdered[T int64 | uint64](op Operator, actual, want T) bool {
	switch op {
	case OpEq:
		return actual == want
	case OpNe:
		return actual != want
	case OpGt:
		return actual > want
	case OpGe:
		return actual >= want
	case OpLt:
		return actual < want
	case OpLe:
		return actual <= want
	}
	return false
}
