package engine

import (
	"fmt"
	"strconv"
	"strings"

	"crm-flow/internal/domain"
)

// evaluateCondition returns the goto of the first matching branch.
func evaluateCondition(c domain.ConditionConfig, vars map[string]any) (string, bool) {
	actual, present := vars[c.Variable]
	for _, b := range c.Branches {
		if matches(b.Operator, actual, present, b.Value) {
			return b.Goto, true
		}
	}
	return "", false
}

func matches(op string, actual any, present bool, want any) bool {
	switch op {
	case domain.OpExists:
		if !present || actual == nil {
			return false
		}
		if s, ok := actual.(string); ok {
			return strings.TrimSpace(s) != ""
		}
		return true
	case domain.OpEq:
		return present && equal(actual, want)
	case domain.OpNeq:
		return !present || !equal(actual, want)
	case domain.OpIn:
		if !present {
			return false
		}
		list, ok := want.([]any)
		if !ok {
			return equal(actual, want)
		}
		for _, v := range list {
			if equal(actual, v) {
				return true
			}
		}
		return false
	case domain.OpGt, domain.OpLt:
		a, okA := number(actual)
		w, okW := number(want)
		if !present || !okA || !okW {
			return false
		}
		if op == domain.OpGt {
			return a > w
		}
		return a < w
	}
	return false
}

// equal compares numerically when both sides are numbers, otherwise by their
// string form, so 5 from YAML and 5.0 from JSON compare equal.
func equal(a, b any) bool {
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			return x == y
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
