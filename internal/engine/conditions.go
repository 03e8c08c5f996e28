package engine

import (
	"fmt"
	"strings"

	"automation-engine/internal/models"
)

// MatchConditions evaluates an AND-combined condition list against an
// entity snapshot. An empty list matches. A field missing from the
// snapshot fails closed: the condition is false, the workflow does not
// fire.
func MatchConditions(conds []models.Condition, snapshot map[string]any) bool {
	for _, c := range conds {
		if !evalCondition(c, snapshot) {
			return false
		}
	}
	return true
}

func evalCondition(c models.Condition, snapshot map[string]any) bool {
	got, ok := snapshot[c.Field]
	if c.Op == "is_set" {
		return ok && got != nil
	}
	if !ok || got == nil {
		return false
	}

	switch c.Op {
	case "eq":
		return looseEqual(got, c.Value)
	case "neq":
		return !looseEqual(got, c.Value)
	case "gt", "gte", "lt", "lte":
		return compareOrdered(c.Op, got, c.Value)
	case "contains":
		return contains(got, c.Value)
	case "in":
		items, ok := c.Value.([]any)
		if !ok {
			return false
		}
		for _, item := range items {
			if looseEqual(got, item) {
				return true
			}
		}
		return false
	default:
		// Unknown operator fails closed, same as a missing field.
		return false
	}
}

// looseEqual compares snapshot values against condition values that have
// both travelled through JSON, so numbers are compared as float64 and
// everything else by string form.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareOrdered(op string, a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		as, asok := a.(string)
		bs, bsok := b.(string)
		if !asok || !bsok {
			return false
		}
		return orderedResult(op, strings.Compare(as, bs))
	}
	switch {
	case af > bf:
		return orderedResult(op, 1)
	case af < bf:
		return orderedResult(op, -1)
	default:
		return orderedResult(op, 0)
	}
}

func orderedResult(op string, cmp int) bool {
	switch op {
	case "gt":
		return cmp > 0
	case "gte":
		return cmp >= 0
	case "lt":
		return cmp < 0
	case "lte":
		return cmp <= 0
	}
	return false
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, fmt.Sprintf("%v", needle))
	case []any:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	}
	return 0, false
}
