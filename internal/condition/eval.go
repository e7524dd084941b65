package condition

import "strings"

// Attributes carries the flattened subject and context attributes a tree is
// evaluated against, keyed by dotted names such as "user.role".
type Attributes map[string]any

// Evaluate applies the tree to the supplied attributes using short-circuiting
// boolean semantics: all = AND, any = OR, not = negation, leaf = operator
// applied to the named attribute. A nil tree is vacuously true. Nodes beyond
// the recursion cap, malformed nodes and missing attributes all evaluate to
// false (fail closed); Validate is expected to have rejected such trees
// before they were ever persisted.
func Evaluate(t *Tree, attrs Attributes) bool {
	if t == nil {
		return true
	}
	return evalNode(t, attrs, 0)
}

func evalNode(t *Tree, attrs Attributes, depth int) bool {
	if t == nil || depth >= recursionCap {
		return false
	}
	switch {
	case t.All != nil:
		if len(t.All) == 0 {
			return false
		}
		for _, child := range t.All {
			if !evalNode(child, attrs, depth+1) {
				return false
			}
		}
		return true
	case t.Any != nil:
		for _, child := range t.Any {
			if evalNode(child, attrs, depth+1) {
				return true
			}
		}
		return false
	case t.Not != nil:
		return !evalNode(t.Not, attrs, depth+1)
	case t.Leaf != nil:
		return evalLeaf(t.Leaf, attrs)
	}
	return false
}

func evalLeaf(leaf *Leaf, attrs Attributes) bool {
	val, present := attrs[leaf.Attribute]

	if leaf.Operator == OpExists {
		want := true
		if b, ok := leaf.Value.(bool); ok {
			want = b
		}
		return present == want
	}
	if !present {
		return false
	}

	switch leaf.Operator {
	case OpEquals:
		return valuesEqual(val, leaf.Value)
	case OpNotEquals:
		return !valuesEqual(val, leaf.Value)
	case OpGreaterThan:
		cmp, ok := compareValues(val, leaf.Value)
		return ok && cmp > 0
	case OpGreaterThanOrEqual:
		cmp, ok := compareValues(val, leaf.Value)
		return ok && cmp >= 0
	case OpLessThan:
		cmp, ok := compareValues(val, leaf.Value)
		return ok && cmp < 0
	case OpLessThanOrEqual:
		cmp, ok := compareValues(val, leaf.Value)
		return ok && cmp <= 0
	case OpIn:
		return memberOf(val, leaf.Value)
	case OpNotIn:
		return !memberOf(val, leaf.Value)
	case OpContains:
		return containsValue(val, leaf.Value)
	}
	return false
}

func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

// compareValues orders two values when both are numeric or both are strings.
func compareValues(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if !aok || !bok {
		return 0, false
	}
	return strings.Compare(as, bs), true
}

func memberOf(val, set any) bool {
	for _, item := range asSlice(set) {
		if valuesEqual(val, item) {
			return true
		}
	}
	return false
}

func containsValue(val, needle any) bool {
	switch v := val.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(v, s)
	case []string, []any:
		for _, item := range asSlice(v) {
			if valuesEqual(item, needle) {
				return true
			}
		}
	}
	return false
}

func asSlice(v any) []any {
	switch vals := v.(type) {
	case []any:
		return vals
	case []string:
		out := make([]any, len(vals))
		for i, s := range vals {
			out[i] = s
		}
		return out
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
