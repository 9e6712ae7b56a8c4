// Package predicate implements the boolean filter trees used by filter scopes.
//
// A tree is made of groups (AND/OR over children) and field comparisons.
// Trees are validated against a FieldSet, compiled to a SQL WHERE fragment
// when every comparison can be pushed down, and otherwise evaluated in memory
// against a Valuer.
package predicate

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Combinator joins the children of a group node.
type Combinator string

const (
	And Combinator = "and"
	Or  Combinator = "or"
)

// Comparator compares a field against a value.
type Comparator string

const (
	Eq          Comparator = "eq"
	Neq         Comparator = "neq"
	Contains    Comparator = "contains"
	NotContains Comparator = "not_contains"
	StartsWith  Comparator = "starts_with"
	EndsWith    Comparator = "ends_with"
	Gt          Comparator = "gt"
	Gte         Comparator = "gte"
	Lt          Comparator = "lt"
	Lte         Comparator = "lte"
	In          Comparator = "in"
	Glob        Comparator = "glob"
	Regex       Comparator = "regex"
)

// FieldType is the value type of a filterable field.
type FieldType int

const (
	String FieldType = iota
	Number
	Bool
	// StringList fields match when any element satisfies the comparison.
	StringList
)

// Errors returned by Validate.
var (
	ErrEmptyGroup        = errors.New("group has no children")
	ErrUnknownField      = errors.New("unknown field")
	ErrUnsupportedOp     = errors.New("unsupported comparator for field")
	ErrInvalidValue      = errors.New("invalid comparison value")
	ErrInvalidCombinator = errors.New("invalid combinator")
)

// Node is either a group (Op set) or a comparison (Field set).
type Node struct {
	Op       Combinator `json:"op,omitempty" yaml:"op,omitempty"`
	Children []*Node    `json:"children,omitempty" yaml:"children,omitempty"`

	Field string     `json:"field,omitempty" yaml:"field,omitempty"`
	Cmp   Comparator `json:"cmp,omitempty" yaml:"cmp,omitempty"`
	Value any        `json:"value,omitempty" yaml:"value,omitempty"`
	Not   bool       `json:"not,omitempty" yaml:"not,omitempty"`
}

// IsGroup reports whether n combines children.
func (n *Node) IsGroup() bool {
	return n != nil && n.Op != ""
}

// AllOf builds an AND group.
func AllOf(children ...*Node) *Node {
	return &Node{Op: And, Children: children}
}

// AnyOf builds an OR group.
func AnyOf(children ...*Node) *Node {
	return &Node{Op: Or, Children: children}
}

// Cond builds a comparison node.
func Cond(field string, cmp Comparator, value any) *Node {
	return &Node{Field: field, Cmp: cmp, Value: value}
}

// Parse decodes a JSON predicate tree. "null" and empty input yield nil.
func Parse(data []byte) (*Node, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var n Node
	if err := json.Unmarshal([]byte(trimmed), &n); err != nil {
		return nil, fmt.Errorf("parse predicate: %w", err)
	}
	return &n, nil
}

// Field describes one filterable field.
type Field struct {
	Type FieldType
}

// FieldSet maps field names to their descriptions.
type FieldSet map[string]Field

var allowedOps = map[FieldType]map[Comparator]bool{
	String: {
		Eq: true, Neq: true, Contains: true, NotContains: true, StartsWith: true,
		EndsWith: true, In: true, Glob: true, Regex: true,
	},
	StringList: {
		Eq: true, Neq: true, Contains: true, NotContains: true, StartsWith: true,
		EndsWith: true, In: true, Glob: true, Regex: true,
	},
	Number: {Eq: true, Neq: true, Gt: true, Gte: true, Lt: true, Lte: true, In: true},
	Bool:   {Eq: true, Neq: true},
}

// Validate checks the tree against fields. A nil tree is valid.
func Validate(n *Node, fields FieldSet) error {
	if n == nil {
		return nil
	}
	if n.IsGroup() {
		if n.Op != And && n.Op != Or {
			return fmt.Errorf("%w: %q", ErrInvalidCombinator, n.Op)
		}
		if len(n.Children) == 0 {
			return ErrEmptyGroup
		}
		for _, c := range n.Children {
			if c == nil {
				return ErrEmptyGroup
			}
			if err := Validate(c, fields); err != nil {
				return err
			}
		}
		return nil
	}

	f, ok := fields[n.Field]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownField, n.Field)
	}
	if !allowedOps[f.Type][n.Cmp] {
		return fmt.Errorf("%w: %s %s", ErrUnsupportedOp, n.Field, n.Cmp)
	}
	return validateValue(n, f)
}

func validateValue(n *Node, f Field) error {
	if n.Cmp == In {
		items, ok := n.Value.([]any)
		if !ok || len(items) == 0 {
			return fmt.Errorf("%w: %s in expects a non-empty list", ErrInvalidValue, n.Field)
		}
		for _, it := range items {
			if err := checkScalar(n.Field, f, it); err != nil {
				return err
			}
		}
		return nil
	}
	if err := checkScalar(n.Field, f, n.Value); err != nil {
		return err
	}
	switch n.Cmp {
	case Glob:
		if !doublestar.ValidatePattern(n.Value.(string)) {
			return fmt.Errorf("%w: invalid glob pattern %q", ErrInvalidValue, n.Value)
		}
	case Regex:
		if _, err := regexp.Compile(n.Value.(string)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
	}
	return nil
}

func checkScalar(field string, f Field, v any) error {
	switch f.Type {
	case String, StringList:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("%w: %s expects a string", ErrInvalidValue, field)
		}
	case Number:
		if _, ok := toFloat(v); !ok {
			return fmt.Errorf("%w: %s expects a number", ErrInvalidValue, field)
		}
	case Bool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("%w: %s expects a boolean", ErrInvalidValue, field)
		}
	}
	return nil
}

// Pushable reports whether every comparison can be evaluated in SQL.
// Glob and regex comparisons are evaluated in memory.
func Pushable(n *Node) bool {
	if n == nil {
		return true
	}
	if n.IsGroup() {
		for _, c := range n.Children {
			if !Pushable(c) {
				return false
			}
		}
		return true
	}
	return n.Cmp != Glob && n.Cmp != Regex
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
