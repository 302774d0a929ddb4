package plexus

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"math"
	"strconv"
	"strings"
	"time"
)

// builtinFunc executes one builtin tool call in-process.
type builtinFunc func(ctx context.Context, action string, params map[string]any) (ToolExecution, error)

// builtinTool pairs a builtin definition with its implementation.
type builtinTool struct {
	def ToolDef
	fn  builtinFunc
}

// Builtin tool IDs.
const (
	BuiltinReasoning  = "builtin.reasoning"
	BuiltinCalculator = "builtin.calculator"
)

func builtinTools() []builtinTool {
	return []builtinTool{
		{
			def: ToolDef{
				ID:          BuiltinReasoning,
				ServiceName: "builtin",
				LocalName:   "reasoning",
				DisplayName: "Reasoning scratchpad",
				Description: "Structures a chain of thought into numbered steps before answering.",
				Type:        ToolBuiltin,
				Category:    CategoryReasoning,
				Schema: []byte(`{"type":"object","properties":{` +
					`"thought":{"type":"string","description":"the reasoning step to record"}},` +
					`"required":["thought"]}`),
				Timeout:      5 * time.Second,
				Enabled:      true,
				Available:    true,
				HealthStatus: HealthHealthy,
			},
			fn: execReasoning,
		},
		{
			def: ToolDef{
				ID:          BuiltinCalculator,
				ServiceName: "builtin",
				LocalName:   "calculator",
				DisplayName: "Calculator",
				Description: "Evaluates arithmetic expressions: + - * / ^, parentheses, unary minus.",
				Type:        ToolBuiltin,
				Category:    CategoryCalculation,
				Schema: []byte(`{"type":"object","properties":{` +
					`"expression":{"type":"string","description":"arithmetic expression to evaluate"}},` +
					`"required":["expression"]}`),
				Timeout:      5 * time.Second,
				Enabled:      true,
				Available:    true,
				HealthStatus: HealthHealthy,
			},
			fn: execCalculator,
		},
	}
}

// execReasoning echoes the recorded thought back as a numbered scratchpad
// entry. The value is in forcing the model to externalize intermediate steps,
// not in the computation.
func execReasoning(_ context.Context, _ string, params map[string]any) (ToolExecution, error) {
	thought, _ := params["thought"].(string)
	if strings.TrimSpace(thought) == "" {
		return ToolExecution{}, fmt.Errorf("reasoning: empty thought")
	}
	return ToolExecution{Content: "noted: " + thought}, nil
}

// execCalculator evaluates an arithmetic expression.
func execCalculator(_ context.Context, _ string, params map[string]any) (ToolExecution, error) {
	expr, _ := params["expression"].(string)
	if strings.TrimSpace(expr) == "" {
		return ToolExecution{}, fmt.Errorf("calculator: empty expression")
	}
	v, err := evalArithmetic(expr)
	if err != nil {
		return ToolExecution{}, fmt.Errorf("calculator: %w", err)
	}
	return ToolExecution{Content: strconv.FormatFloat(v, 'g', -1, 64)}, nil
}

// evalArithmetic parses expr with the Go expression parser and walks the
// resulting tree, admitting only numeric literals, the four basic operators,
// ^ as exponentiation, unary minus, and parentheses. Identifiers, calls,
// indexing, and every other node kind are rejected, so arbitrary input can
// never reach anything but arithmetic.
func evalArithmetic(expr string) (float64, error) {
	tree, err := parser.ParseExpr(expr)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", expr, err)
	}
	return evalNode(tree)
}

func evalNode(node ast.Expr) (float64, error) {
	switch n := node.(type) {
	case *ast.BasicLit:
		if n.Kind != token.INT && n.Kind != token.FLOAT {
			return 0, fmt.Errorf("unsupported literal %s", n.Value)
		}
		return strconv.ParseFloat(n.Value, 64)

	case *ast.ParenExpr:
		return evalNode(n.X)

	case *ast.UnaryExpr:
		if n.Op != token.SUB {
			return 0, fmt.Errorf("unsupported unary operator %s", n.Op)
		}
		v, err := evalNode(n.X)
		if err != nil {
			return 0, err
		}
		return -v, nil

	case *ast.BinaryExpr:
		left, err := evalNode(n.X)
		if err != nil {
			return 0, err
		}
		right, err := evalNode(n.Y)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case token.ADD:
			return left + right, nil
		case token.SUB:
			return left - right, nil
		case token.MUL:
			return left * right, nil
		case token.QUO:
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			return left / right, nil
		case token.XOR: // caret reads as exponentiation here
			return math.Pow(left, right), nil
		}
		return 0, fmt.Errorf("unsupported operator %s", n.Op)

	default:
		return 0, fmt.Errorf("unsupported expression %T", node)
	}
}
