// Package rules parses operator-authored condition text into an expression
// tree and evaluates it against a facts snapshot. Evaluation is fail-closed:
// missing facts, type mismatches, and parse failures all resolve to false.
package rules

import "fmt"

// Facts is a point-in-time snapshot of external-account attributes, fetched
// once per user per sync pass. Values are bool, int64, float64, or string.
type Facts map[string]any

// Expr is an immutable parsed condition.
type Expr interface {
	// eval returns the node's value and whether it could be resolved.
	eval(f Facts) (any, bool)
}

// Evaluate resolves the expression to a boolean. Anything that is not a
// resolvable boolean is false.
func Evaluate(e Expr, f Facts) bool {
	v, ok := e.eval(f)
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

type literal struct{ v any }

func (l literal) eval(Facts) (any, bool) { return l.v, true }

type factRef struct{ name string }

func (r factRef) eval(f Facts) (any, bool) {
	v, ok := f[r.name]
	return v, ok
}

type comparison struct {
	op    string
	left  Expr
	right Expr
}

func (c comparison) eval(f Facts) (any, bool) {
	lv, ok := c.left.eval(f)
	if !ok {
		return false, true // unresolved operand: сравнение ложно, не ошибка
	}
	rv, ok := c.right.eval(f)
	if !ok {
		return false, true
	}
	return compare(c.op, lv, rv), true
}

type logical struct {
	op    string // "and" | "or"
	left  Expr
	right Expr
}

func (l logical) eval(f Facts) (any, bool) {
	lb := Evaluate(l.left, f)
	if l.op == "and" {
		return lb && Evaluate(l.right, f), true
	}
	return lb || Evaluate(l.right, f), true
}

type negation struct{ inner Expr }

func (n negation) eval(f Facts) (any, bool) {
	return !Evaluate(n.inner, f), true
}

// compare applies a comparison operator across the supported value types.
// Numbers compare across int64/float64; any other type mixing is false.
func compare(op string, a, b any) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		if !bok {
			return false
		}
		return compareOrdered(op, af, bf)
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return false
		}
		return compareOrdered(op, av, bv)
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return false
		}
		switch op {
		case "=", "==":
			return av == bv
		case "!=":
			return av != bv
		}
		return false
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func compareOrdered[T float64 | string](op string, a, b T) bool {
	switch op {
	case "=", "==":
		return a == b
	case "!=":
		return a != b
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	case ">=":
		return a >= b
	}
	return false
}

// ParseError reports the byte offset and reason of a condition parse failure.
type ParseError struct {
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("rules: parse error at %d: %s", e.Pos, e.Msg)
}
