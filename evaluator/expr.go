package evaluator

import (
	"fmt"
	"strings"

	"github.com/paperclip-ui/workspace/parser"
)

// exprError is a leaf-level expression failure; it becomes a VNode error
// or a diagnostic, never an evaluation abort.
type exprError struct {
	Span    parser.Span
	Message string
}

func (e *exprError) Error() string { return e.Message }

func exprErrf(span parser.Span, format string, args ...interface{}) *exprError {
	return &exprError{Span: span, Message: fmt.Sprintf(format, args...)}
}

// evalExpr evaluates one expression against a scope. All failures are
// leaf-level.
func evalExpr(e parser.Expr, sc *scope) (Value, *exprError) {
	switch t := e.(type) {
	case *parser.StringLit:
		return t.Value, nil
	case *parser.NumberLit:
		return t.Value, nil
	case *parser.BoolLit:
		return t.Value, nil
	case *parser.Ident:
		v, ok := sc.lookup(t.Name)
		if !ok {
			return nil, exprErrf(t.Span, "unknown identifier %q", t.Name)
		}
		return v, nil
	case *parser.Member:
		target, err := evalExpr(t.Target, sc)
		if err != nil {
			return nil, err
		}
		m, ok := target.(map[string]interface{})
		if !ok {
			return nil, exprErrf(t.Span, "cannot access field %q of %s", t.Field, typeName(target))
		}
		return m[t.Field], nil
	case *parser.Call:
		return evalCall(t, sc)
	case *parser.Unary:
		operand, err := evalExpr(t.Operand, sc)
		if err != nil {
			return nil, err
		}
		switch t.Op {
		case "!":
			return !truthy(operand), nil
		case "-":
			n, ok := asNumber(operand)
			if !ok {
				return nil, exprErrf(t.Span, "cannot negate %s", typeName(operand))
			}
			return -n, nil
		}
		return nil, exprErrf(t.Span, "unknown unary operator %q", t.Op)
	case *parser.Binary:
		return evalBinary(t, sc)
	case *parser.Ternary:
		cond, err := evalExpr(t.Cond, sc)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return evalExpr(t.Then, sc)
		}
		return evalExpr(t.Else, sc)
	}
	return nil, exprErrf(e.ExprPos(), "unsupported expression")
}

func evalBinary(b *parser.Binary, sc *scope) (Value, *exprError) {
	// Logic operators short-circuit.
	switch b.Op {
	case "&&":
		left, err := evalExpr(b.Left, sc)
		if err != nil {
			return nil, err
		}
		if !truthy(left) {
			return left, nil
		}
		return evalExpr(b.Right, sc)
	case "||":
		left, err := evalExpr(b.Left, sc)
		if err != nil {
			return nil, err
		}
		if truthy(left) {
			return left, nil
		}
		return evalExpr(b.Right, sc)
	}

	left, err := evalExpr(b.Left, sc)
	if err != nil {
		return nil, err
	}
	right, err := evalExpr(b.Right, sc)
	if err != nil {
		return nil, err
	}

	switch b.Op {
	case "==":
		return canonical(left) == canonical(right), nil
	case "!=":
		return canonical(left) != canonical(right), nil
	case "+":
		// String concatenation wins when either side is a string.
		if _, ok := left.(string); ok {
			return stringify(left) + stringify(right), nil
		}
		if _, ok := right.(string); ok {
			return stringify(left) + stringify(right), nil
		}
	}

	ln, lok := asNumber(left)
	rn, rok := asNumber(right)
	if !lok || !rok {
		return nil, exprErrf(b.Left.ExprPos(), "operator %q needs numbers, got %s and %s",
			b.Op, typeName(left), typeName(right))
	}
	switch b.Op {
	case "+":
		return ln + rn, nil
	case "-":
		return ln - rn, nil
	case "*":
		return ln * rn, nil
	case "/":
		if rn == 0 {
			return nil, exprErrf(b.Right.ExprPos(), "division by zero")
		}
		return ln / rn, nil
	case "%":
		if rn == 0 {
			return nil, exprErrf(b.Right.ExprPos(), "division by zero")
		}
		return float64(int64(ln) % int64(rn)), nil
	case "<":
		return ln < rn, nil
	case "<=":
		return ln <= rn, nil
	case ">":
		return ln > rn, nil
	case ">=":
		return ln >= rn, nil
	}
	return nil, exprErrf(b.Left.ExprPos(), "unknown operator %q", b.Op)
}

// evalCall dispatches the whitelisted pure builtins.
func evalCall(c *parser.Call, sc *scope) (Value, *exprError) {
	ident, ok := c.Callee.(*parser.Ident)
	if !ok {
		return nil, exprErrf(c.Span, "only builtin functions may be called")
	}
	args := make([]Value, len(c.Args))
	for i, a := range c.Args {
		v, err := evalExpr(a, sc)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	arity := func(n int) *exprError {
		if len(args) != n {
			return exprErrf(c.Span, "%s takes %d argument(s), got %d", ident.Name, n, len(args))
		}
		return nil
	}

	switch ident.Name {
	case "len":
		if err := arity(1); err != nil {
			return nil, err
		}
		switch t := args[0].(type) {
		case string:
			return float64(len(t)), nil
		case []interface{}:
			return float64(len(t)), nil
		case map[string]interface{}:
			return float64(len(t)), nil
		}
		return nil, exprErrf(c.Span, "len of %s", typeName(args[0]))
	case "upper":
		if err := arity(1); err != nil {
			return nil, err
		}
		return strings.ToUpper(stringify(args[0])), nil
	case "lower":
		if err := arity(1); err != nil {
			return nil, err
		}
		return strings.ToLower(stringify(args[0])), nil
	case "str":
		if err := arity(1); err != nil {
			return nil, err
		}
		return stringify(args[0]), nil
	}
	return nil, exprErrf(c.Span, "unknown function %q", ident.Name)
}

func asNumber(v Value) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	}
	return 0, false
}

func typeName(v Value) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64, int:
		return "number"
	case string:
		return "string"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	}
	return "value"
}
