package condition

import (
	"encoding/json"
	"fmt"
)

// Bounds enforced before a tree is persisted or evaluated.
const (
	MaxDepth        = 5
	MaxLeaves       = 20
	MaxPayloadBytes = 64 * 1024

	maxAttributeLen = 256

	// Hard ceiling on structural recursion. Anything this deep is already
	// far past MaxDepth; the walk saturates instead of descending further so
	// a pathological payload cannot exhaust the stack.
	recursionCap = 64
)

// Result reports the outcome of Validate.
type Result struct {
	Valid  bool
	Errors []string
}

// Validate checks a condition tree against the structural rules and the
// depth, leaf-count and payload-size bounds. All violated rules are
// accumulated; the function never stops at the first problem. It has no side
// effects and is safe to call before persistence.
func Validate(t *Tree) Result {
	if t == nil {
		return Result{Valid: true}
	}

	var errs []string

	if depth := measureDepth(t, 0); depth > MaxDepth {
		errs = append(errs, fmt.Sprintf("nesting depth exceeds maximum of %d", MaxDepth))
	}
	if leaves := countLeaves(t, 0); leaves > MaxLeaves {
		errs = append(errs, fmt.Sprintf("leaf conditions exceed maximum of %d", MaxLeaves))
	}
	if raw, err := json.Marshal(t); err != nil {
		errs = append(errs, "tree cannot be serialized")
	} else if len(raw) > MaxPayloadBytes {
		errs = append(errs, fmt.Sprintf("payload exceeds maximum size of %d bytes", MaxPayloadBytes))
	}

	errs = append(errs, checkShape(t, 0)...)

	return Result{Valid: len(errs) == 0, Errors: errs}
}

// measureDepth returns 0 for a nil tree, 1 for a bare leaf and
// 1 + max(child depths) for combinators, saturating at recursionCap.
func measureDepth(t *Tree, depth int) int {
	if t == nil {
		return 0
	}
	if depth >= recursionCap {
		return recursionCap
	}
	switch {
	case t.Not != nil:
		return 1 + measureDepth(t.Not, depth+1)
	case len(t.All) > 0 || len(t.Any) > 0:
		children := t.All
		if len(t.Any) > 0 {
			children = t.Any
		}
		max := 0
		for _, child := range children {
			if d := measureDepth(child, depth+1); d > max {
				max = d
			}
		}
		return 1 + max
	default:
		return 1
	}
}

// countLeaves returns the total number of leaf conditions in the tree.
func countLeaves(t *Tree, depth int) int {
	if t == nil || depth >= recursionCap {
		return 0
	}
	switch {
	case t.Not != nil:
		return countLeaves(t.Not, depth+1)
	case len(t.All) > 0 || len(t.Any) > 0:
		children := t.All
		if len(t.Any) > 0 {
			children = t.Any
		}
		total := 0
		for _, child := range children {
			total += countLeaves(child, depth+1)
		}
		return total
	case t.Leaf != nil:
		return 1
	default:
		return 0
	}
}

func checkShape(t *Tree, depth int) []string {
	if t == nil {
		return []string{"node is empty: expected a leaf or one of all/any/not"}
	}
	if depth >= recursionCap {
		return nil
	}

	variants := 0
	if t.Leaf != nil {
		variants++
	}
	if t.All != nil {
		variants++
	}
	if t.Any != nil {
		variants++
	}
	if t.Not != nil {
		variants++
	}

	switch {
	case variants == 0:
		return []string{"node is empty: expected a leaf or one of all/any/not"}
	case variants > 1:
		return []string{"node mixes leaf and combinator shapes"}
	}

	var errs []string
	switch {
	case t.Leaf != nil:
		errs = append(errs, checkLeaf(t.Leaf)...)
	case t.All != nil:
		if len(t.All) == 0 {
			errs = append(errs, "all combinator requires at least one child")
		}
		for _, child := range t.All {
			errs = append(errs, checkShape(child, depth+1)...)
		}
	case t.Any != nil:
		if len(t.Any) == 0 {
			errs = append(errs, "any combinator requires at least one child")
		}
		for _, child := range t.Any {
			errs = append(errs, checkShape(child, depth+1)...)
		}
	case t.Not != nil:
		errs = append(errs, checkShape(t.Not, depth+1)...)
	}
	return errs
}

func checkLeaf(leaf *Leaf) []string {
	var errs []string
	if n := len(leaf.Attribute); n < 1 || n > maxAttributeLen {
		errs = append(errs, fmt.Sprintf("attribute name must be 1-%d characters", maxAttributeLen))
	}
	if !knownOperator(leaf.Operator) {
		errs = append(errs, fmt.Sprintf("unknown operator %q", leaf.Operator))
		return errs
	}
	switch leaf.Operator {
	case OpIn, OpNotIn:
		if !isStringSlice(leaf.Value) {
			errs = append(errs, fmt.Sprintf("operator %q requires an array of strings", leaf.Operator))
		}
	case OpExists:
		// Optional bool value selects presence or absence; anything else is noise.
		if leaf.Value != nil {
			if _, ok := leaf.Value.(bool); !ok {
				errs = append(errs, fmt.Sprintf("operator %q accepts only an optional boolean value", OpExists))
			}
		}
	default:
		switch leaf.Value.(type) {
		case string, bool, float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		default:
			errs = append(errs, fmt.Sprintf("operator %q requires a string, number or boolean value", leaf.Operator))
		}
	}
	return errs
}

func isStringSlice(v any) bool {
	switch vals := v.(type) {
	case []string:
		return len(vals) > 0
	case []any:
		if len(vals) == 0 {
			return false
		}
		for _, item := range vals {
			if _, ok := item.(string); !ok {
				return false
			}
		}
		return true
	}
	return false
}
