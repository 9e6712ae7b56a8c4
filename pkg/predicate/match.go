package predicate

import (
	"regexp"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// Valuer exposes field values of one record to in-memory evaluation.
//
// Lookup returns a string, float64, bool or []string. ok=false means the
// field has no value for this record.
type Valuer interface {
	Lookup(field string) (value any, ok bool)
}

// Matcher evaluates a validated tree in memory. It caches compiled regexes
// and is safe for concurrent use.
type Matcher struct {
	root *Node

	mu      sync.Mutex
	regexes map[string]*regexp.Regexp
}

// NewMatcher returns a matcher for n. A nil tree matches everything.
func NewMatcher(n *Node) *Matcher {
	return &Matcher{root: n, regexes: make(map[string]*regexp.Regexp)}
}

// Match reports whether v satisfies the tree.
func (m *Matcher) Match(v Valuer) bool {
	if m == nil || m.root == nil {
		return true
	}
	return m.eval(m.root, v)
}

func (m *Matcher) eval(n *Node, v Valuer) bool {
	var result bool
	if n.IsGroup() {
		switch n.Op {
		case Or:
			result = false
			for _, c := range n.Children {
				if m.eval(c, v) {
					result = true
					break
				}
			}
		default:
			result = true
			for _, c := range n.Children {
				if !m.eval(c, v) {
					result = false
					break
				}
			}
		}
	} else {
		result = m.compare(n, v)
	}
	if n.Not {
		return !result
	}
	return result
}

func isNegative(c Comparator) bool {
	return c == Neq || c == NotContains
}

func positiveOf(c Comparator) Comparator {
	switch c {
	case Neq:
		return Eq
	case NotContains:
		return Contains
	default:
		return c
	}
}

func (m *Matcher) compare(n *Node, v Valuer) bool {
	raw, ok := v.Lookup(n.Field)
	if !ok {
		return isNegative(n.Cmp)
	}

	switch val := raw.(type) {
	case []string:
		pos := positiveOf(n.Cmp)
		hit := false
		for _, el := range val {
			if m.compareString(pos, el, n.Value) {
				hit = true
				break
			}
		}
		if isNegative(n.Cmp) {
			return !hit
		}
		return hit
	case string:
		if isNegative(n.Cmp) {
			return !m.compareString(positiveOf(n.Cmp), val, n.Value)
		}
		return m.compareString(n.Cmp, val, n.Value)
	case bool:
		want, _ := n.Value.(bool)
		if n.Cmp == Neq {
			return val != want
		}
		return val == want
	default:
		f, ok := toFloat(raw)
		if !ok {
			return false
		}
		return compareNumber(n.Cmp, f, n.Value)
	}
}

func (m *Matcher) compareString(c Comparator, got string, value any) bool {
	if c == In {
		items, _ := value.([]any)
		for _, it := range items {
			if s, ok := it.(string); ok && s == got {
				return true
			}
		}
		return false
	}
	want, _ := value.(string)
	switch c {
	case Eq:
		return got == want
	case Contains:
		return strings.Contains(strings.ToLower(got), strings.ToLower(want))
	case StartsWith:
		return strings.HasPrefix(strings.ToLower(got), strings.ToLower(want))
	case EndsWith:
		return strings.HasSuffix(strings.ToLower(got), strings.ToLower(want))
	case Glob:
		ok, err := doublestar.Match(want, got)
		return err == nil && ok
	case Regex:
		re := m.regex(want)
		return re != nil && re.MatchString(got)
	}
	return false
}

func (m *Matcher) regex(pattern string) *regexp.Regexp {
	m.mu.Lock()
	defer m.mu.Unlock()
	if re, ok := m.regexes[pattern]; ok {
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		re = nil
	}
	m.regexes[pattern] = re
	return re
}

func compareNumber(c Comparator, got float64, value any) bool {
	if c == In {
		items, _ := value.([]any)
		for _, it := range items {
			if f, ok := toFloat(it); ok && f == got {
				return true
			}
		}
		return false
	}
	want, ok := toFloat(value)
	if !ok {
		return false
	}
	switch c {
	case Eq:
		return got == want
	case Neq:
		return got != want
	case Gt:
		return got > want
	case Gte:
		return got >= want
	case Lt:
		return got < want
	case Lte:
		return got <= want
	}
	return false
}
