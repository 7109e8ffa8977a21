package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/stratoform/cartograph/pkg/model"
)

// Condition is one node of a rule's predicate tree. Leaf operators test a
// dotted field path against Value; and/or/not combine children.
type Condition struct {
	Op         string       `json:"op" yaml:"op"`
	Field      string       `json:"field,omitempty" yaml:"field,omitempty"`
	Value      any          `json:"value,omitempty" yaml:"value,omitempty"`
	Conditions []*Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

const (
	OpEquals    = "field_equals"
	OpNotEquals = "field_not_equals"
	OpContains  = "field_contains"
	OpMatches   = "field_matches"
	OpGT        = "field_gt"
	OpLT        = "field_lt"
	OpIn        = "field_in"
	OpNotIn     = "field_not_in"
	OpAnd       = "and"
	OpOr        = "or"
	OpNot       = "not"
)

// Validate checks the tree shape: operator membership, field presence on
// leaves, child arity on combinators, and that regex patterns compile.
func (c *Condition) Validate() error {
	if c == nil {
		return model.NewError(model.KindInvalidInput, "condition-nil", "empty condition")
	}
	switch c.Op {
	case OpEquals, OpNotEquals, OpContains, OpGT, OpLT, OpIn, OpNotIn:
		if c.Field == "" {
			return model.NewError(model.KindInvalidInput, "condition-field", "%s requires a field path", c.Op)
		}
	case OpMatches:
		if c.Field == "" {
			return model.NewError(model.KindInvalidInput, "condition-field", "%s requires a field path", c.Op)
		}
		pattern, ok := c.Value.(string)
		if !ok {
			return model.NewError(model.KindInvalidInput, "condition-pattern", "%s requires a string pattern", c.Op)
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return model.WrapError(model.KindInvalidInput, "condition-pattern", err, "bad pattern %q", pattern)
		}
	case OpAnd, OpOr:
		if len(c.Conditions) == 0 {
			return model.NewError(model.KindInvalidInput, "condition-children", "%s requires child conditions", c.Op)
		}
		for _, child := range c.Conditions {
			if err := child.Validate(); err != nil {
				return err
			}
		}
	case OpNot:
		if len(c.Conditions) != 1 {
			return model.NewError(model.KindInvalidInput, "condition-children", "not requires exactly one child")
		}
		return c.Conditions[0].Validate()
	default:
		return model.NewError(model.KindInvalidInput, "condition-op", "unknown operator %q", c.Op)
	}
	return nil
}

// Eval walks the tree against a change-request document. Absent fields make
// positive predicates false and negative ones true; only a malformed tree
// errors.
func (c *Condition) Eval(doc map[string]any) (bool, error) {
	switch c.Op {
	case OpAnd:
		for _, child := range c.Conditions {
			ok, err := child.Eval(doc)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case OpOr:
		for _, child := range c.Conditions {
			ok, err := child.Eval(doc)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case OpNot:
		if len(c.Conditions) != 1 {
			return false, model.NewError(model.KindInvalidInput, "condition-children", "not requires exactly one child")
		}
		ok, err := c.Conditions[0].Eval(doc)
		return !ok, err
	}

	v, found := lookupPath(doc, c.Field)
	switch c.Op {
	case OpEquals:
		return found && looseEqual(v, c.Value), nil
	case OpNotEquals:
		return !found || !looseEqual(v, c.Value), nil
	case OpContains:
		return found && contains(v, c.Value), nil
	case OpMatches:
		if !found {
			return false, nil
		}
		pattern, ok := c.Value.(string)
		if !ok {
			return false, model.NewError(model.KindInvalidInput, "condition-pattern", "field_matches requires a string pattern")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, model.WrapError(model.KindInvalidInput, "condition-pattern", err, "bad pattern %q", pattern)
		}
		return re.MatchString(stringify(v)), nil
	case OpGT, OpLT:
		if !found {
			return false, nil
		}
		fv, fok := toFloat(v)
		cv, cok := toFloat(c.Value)
		if !fok || !cok {
			return false, nil
		}
		if c.Op == OpGT {
			return fv > cv, nil
		}
		return fv < cv, nil
	case OpIn:
		return found && memberOf(c.Value, v), nil
	case OpNotIn:
		return !found || !memberOf(c.Value, v), nil
	}
	return false, model.NewError(model.KindInvalidInput, "condition-op", "unknown operator %q", c.Op)
}

// lookupPath resolves a dotted path through nested string-keyed maps.
func lookupPath(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// looseEqual compares across the types YAML and JSON blur: numbers compare
// numerically, everything else by string form.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return stringify(a) == stringify(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// contains handles both substring tests on strings and membership tests on
// lists.
func contains(field, needle any) bool {
	switch fv := field.(type) {
	case string:
		return strings.Contains(fv, stringify(needle))
	case []string:
		for _, item := range fv {
			if looseEqual(item, needle) {
				return true
			}
		}
	case []any:
		for _, item := range fv {
			if looseEqual(item, needle) {
				return true
			}
		}
	}
	return false
}

// memberOf reports whether v appears in the list-valued condition value.
func memberOf(list, v any) bool {
	switch items := list.(type) {
	case []any:
		for _, item := range items {
			if looseEqual(item, v) {
				return true
			}
		}
	case []string:
		for _, item := range items {
			if looseEqual(item, v) {
				return true
			}
		}
	}
	return false
}

// interpolate substitutes {{path}} placeholders from the document. Unknown
// paths keep their placeholder so broken templates stay visible.
var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

func interpolate(template string, doc map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		path := strings.TrimSpace(strings.Trim(m, "{}"))
		if v, ok := lookupPath(doc, path); ok {
			return stringify(v)
		}
		return m
	})
}
