package plexus

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// CondOp is a comparison operator in an edge condition.
type CondOp string

const (
	OpLT CondOp = "<"
	OpLE CondOp = "<="
	OpGT CondOp = ">"
	OpGE CondOp = ">="
)

// Condition is the parsed form of an edge guard. The grammar is deliberately
// narrow: "<field> <op> <literal>" with a numeric literal, e.g.
// "confidence >= 0.7" or "complexity > 0.5". Conditions are parsed once at
// DAG generation time; the executor only ever evaluates the parsed form.
//
// The zero Condition (empty Field) always passes.
type Condition struct {
	Field   string  `json:"field,omitempty"`
	Op      CondOp  `json:"op,omitempty"`
	Literal float64 `json:"literal,omitempty"`

	// Raw preserves the original expression for diagnostics.
	Raw string `json:"raw,omitempty"`
	// Unknown marks an expression that did not parse. Unknown conditions
	// evaluate true; the executor logs a warning when it crosses one.
	Unknown bool `json:"unknown,omitempty"`
}

// conditionOperators in parsing order: two-character operators before their
// one-character prefixes, so ">=" is never split as ">" + "=".
var conditionOperators = []CondOp{OpGE, OpLE, OpGT, OpLT}

// ParseCondition parses an edge condition expression. An empty expression
// yields the always-true zero Condition. An expression that does not match
// the grammar yields a Condition with Unknown set: it evaluates true, never
// an error, so a malformed guard degrades to pass-through rather than
// blocking the graph.
func ParseCondition(expr string) Condition {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Condition{}
	}

	for _, op := range conditionOperators {
		before, after, found := strings.Cut(expr, string(op))
		if !found {
			continue
		}
		field := strings.TrimSpace(before)
		lit := strings.TrimSpace(after)
		if field == "" || strings.ContainsAny(field, " <>=") {
			break
		}
		v, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			break
		}
		return Condition{Field: field, Op: op, Literal: v, Raw: expr}
	}

	return Condition{Raw: expr, Unknown: true}
}

// Always reports whether the condition passes unconditionally.
func (c Condition) Always() bool {
	return c.Field == "" || c.Unknown
}

// Eval evaluates the condition against an upstream node's result map.
// For text-bearing results with no explicit complexity field, complexity
// defaults to min(len(text)/1000, 1.0). A missing field evaluates false.
func (c Condition) Eval(result map[string]any) bool {
	if c.Always() {
		return true
	}

	v, ok := numericField(result, c.Field)
	if !ok {
		if c.Field == "complexity" {
			v = defaultComplexity(result)
		} else {
			return false
		}
	}

	switch c.Op {
	case OpLT:
		return v < c.Literal
	case OpLE:
		return v <= c.Literal
	case OpGT:
		return v > c.Literal
	case OpGE:
		return v >= c.Literal
	}
	return false
}

// String renders the condition back to its grammar form.
func (c Condition) String() string {
	if c.Field == "" {
		return ""
	}
	if c.Unknown {
		return c.Raw
	}
	return fmt.Sprintf("%s %s %g", c.Field, c.Op, c.Literal)
}

// numericField reads a float64-convertible field from a result map.
func numericField(result map[string]any, field string) (float64, bool) {
	v, ok := result[field]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// defaultComplexity derives complexity from a textual result:
// min(len(text)/1000, 1.0). Results without text score zero.
func defaultComplexity(result map[string]any) float64 {
	text, _ := result["text"].(string)
	if text == "" {
		text, _ = result["content"].(string)
	}
	c := float64(len(text)) / 1000
	if c > 1.0 {
		c = 1.0
	}
	return c
}
