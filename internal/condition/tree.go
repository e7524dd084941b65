// Package condition implements the boolean condition trees attached to
// authorization policies: a recursive tagged union of attribute comparisons
// (leaves) and the combinators all, any and not.
package condition

import (
	"encoding/json"
	"errors"
)

// Operator identifies a leaf comparison. The set is closed; anything else is
// rejected by Validate.
type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "notEquals"
	OpGreaterThan        Operator = "greaterThan"
	OpGreaterThanOrEqual Operator = "greaterThanOrEqual"
	OpLessThan           Operator = "lessThan"
	OpLessThanOrEqual    Operator = "lessThanOrEqual"
	OpIn                 Operator = "in"
	OpNotIn              Operator = "notIn"
	OpExists             Operator = "exists"
	OpContains           Operator = "contains"
)

func knownOperator(op Operator) bool {
	switch op {
	case OpEquals, OpNotEquals, OpGreaterThan, OpGreaterThanOrEqual,
		OpLessThan, OpLessThanOrEqual, OpIn, OpNotIn, OpExists, OpContains:
		return true
	}
	return false
}

// Leaf compares a single named attribute against a literal value.
// Value holds a string, a number (float64 after JSON decoding), a bool, or a
// slice of strings for the membership operators.
type Leaf struct {
	Attribute string
	Operator  Operator
	Value     any
}

// Tree is one node of a condition tree. Exactly one variant field must be
// populated; Validate reports nodes violating that as structural errors.
// Unmarshalling is deliberately lenient so that malformed trees survive long
// enough for Validate to accumulate every violation instead of failing on the
// first one.
type Tree struct {
	Leaf *Leaf
	All  []*Tree
	Any  []*Tree
	Not  *Tree
}

type treeWire struct {
	Attribute *string         `json:"attribute,omitempty"`
	Operator  *string         `json:"operator,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	All       []*Tree         `json:"all,omitempty"`
	Any       []*Tree         `json:"any,omitempty"`
	Not       *Tree           `json:"not,omitempty"`
}

// UnmarshalJSON decodes the wire shape {"attribute","operator","value"} for
// leaves and {"all"|"any"|"not": ...} for combinators.
func (t *Tree) UnmarshalJSON(data []byte) error {
	var w treeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*t = Tree{All: w.All, Any: w.Any, Not: w.Not}
	if w.Attribute != nil || w.Operator != nil || len(w.Value) > 0 {
		leaf := &Leaf{}
		if w.Attribute != nil {
			leaf.Attribute = *w.Attribute
		}
		if w.Operator != nil {
			leaf.Operator = Operator(*w.Operator)
		}
		if len(w.Value) > 0 {
			if err := json.Unmarshal(w.Value, &leaf.Value); err != nil {
				return err
			}
		}
		t.Leaf = leaf
	}
	return nil
}

// MarshalJSON emits the same wire shape UnmarshalJSON accepts.
func (t *Tree) MarshalJSON() ([]byte, error) {
	w := treeWire{All: t.All, Any: t.Any, Not: t.Not}
	if t.Leaf != nil {
		attr := t.Leaf.Attribute
		op := string(t.Leaf.Operator)
		w.Attribute = &attr
		w.Operator = &op
		if t.Leaf.Value != nil {
			raw, err := json.Marshal(t.Leaf.Value)
			if err != nil {
				return nil, err
			}
			w.Value = raw
		}
	}
	return json.Marshal(w)
}

// Parse decodes a serialized condition tree. A nil or empty payload yields a
// nil tree, which evaluates as always true.
func Parse(data []byte) (*Tree, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var t Tree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, errors.New("condition: malformed tree payload")
	}
	return &t, nil
}
