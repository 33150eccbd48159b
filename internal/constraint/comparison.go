package constraint

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

// varPrefix keeps metavariable names clear of function names and keywords.
const varPrefix = "mv_"

// Comparison is a compiled metavariable-comparison expression. It is immutable and
// safe to share between goroutines.
type Comparison struct {
	source string
	expr   hclsyntax.Expression
	refs   []string
}

// CompileComparison rewrites the author's expression into expression syntax and parses it.
func CompileComparison(source string) (*Comparison, error) {
	rewritten, refs, err := rewrite(source)
	if err != nil {
		return nil, err
	}
	expr, diags := hclsyntax.ParseExpression([]byte(rewritten), "comparison", hcl.InitialPos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("invalid comparison %q: %s", source, diags.Error())
	}
	return &Comparison{source: source, expr: expr, refs: refs}, nil
}

// Source is the expression as the rule author wrote it.
func (c *Comparison) Source() string { return c.source }

// Refs lists the metavariables the expression reads, with their $ prefix, sorted.
func (c *Comparison) Refs() []string { return c.refs }

// Options controls value derivation during evaluation.
type Options struct {
	// Strip unquotes string literals before typing them, so "42" compares as a number.
	Strip bool
	// Now pins today(). The zero value means time.Now().
	Now time.Time
}

// Evaluate runs the expression against the bound source texts, keyed by "$NAME".
// A non-boolean result or any type mismatch is an *EvaluationError.
func (c *Comparison) Evaluate(bound map[string]string, opts Options) (bool, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	vars := make(map[string]cty.Value, len(c.refs))
	for _, ref := range c.refs {
		text, ok := bound[ref]
		if !ok {
			return false, evalErrorf(c.source, "metavariable %s is not bound", ref)
		}
		vars[varPrefix+strings.TrimPrefix(ref, "$")] = Coerce(text, opts.Strip)
	}

	ev := &evaluator{source: c.source, vars: vars, funcs: builtins(now)}
	v, err := ev.eval(c.expr)
	if err != nil {
		return false, err
	}
	if !v.Type().Equals(cty.Bool) || v.IsNull() {
		return false, evalErrorf(c.source, "result is %s, not bool", typeName(v))
	}
	return v.True(), nil
}

// evaluator walks the parsed expression tree. Only a closed set of node types is
// accepted and every operator checks its operand types explicitly.
type evaluator struct {
	source string
	vars   map[string]cty.Value
	funcs  map[string]function.Function
}

func (e *evaluator) eval(expr hclsyntax.Expression) (cty.Value, error) {
	switch x := expr.(type) {
	case *hclsyntax.LiteralValueExpr:
		return x.Val, nil

	case *hclsyntax.TemplateExpr:
		if !x.IsStringLiteral() {
			return cty.NilVal, evalErrorf(e.source, "string interpolation is not supported")
		}
		v, diags := x.Value(nil)
		if diags.HasErrors() {
			return cty.NilVal, evalErrorf(e.source, "%s", diags.Error())
		}
		return v, nil

	case *hclsyntax.ScopeTraversalExpr:
		if len(x.Traversal) != 1 {
			return cty.NilVal, evalErrorf(e.source, "attribute access is not supported")
		}
		name := x.Traversal.RootName()
		v, ok := e.vars[name]
		if !ok {
			return cty.NilVal, evalErrorf(e.source, "unknown name %q", strings.TrimPrefix(name, varPrefix))
		}
		return v, nil

	case *hclsyntax.ParenthesesExpr:
		return e.eval(x.Expression)

	case *hclsyntax.UnaryOpExpr:
		return e.unary(x)

	case *hclsyntax.BinaryOpExpr:
		return e.binary(x)

	case *hclsyntax.ConditionalExpr:
		cond, err := e.eval(x.Condition)
		if err != nil {
			return cty.NilVal, err
		}
		if !cond.Type().Equals(cty.Bool) {
			return cty.NilVal, evalErrorf(e.source, "condition is %s, not bool", typeName(cond))
		}
		if cond.True() {
			return e.eval(x.TrueResult)
		}
		return e.eval(x.FalseResult)

	case *hclsyntax.FunctionCallExpr:
		fn, ok := e.funcs[x.Name]
		if !ok {
			return cty.NilVal, evalErrorf(e.source, "unknown function %s()", x.Name)
		}
		args := make([]cty.Value, 0, len(x.Args))
		for _, a := range x.Args {
			v, err := e.eval(a)
			if err != nil {
				return cty.NilVal, err
			}
			args = append(args, v)
		}
		v, err := fn.Call(args)
		if err != nil {
			return cty.NilVal, evalErrorf(e.source, "%v", err)
		}
		return v, nil

	default:
		return cty.NilVal, evalErrorf(e.source, "unsupported expression %T", expr)
	}
}

func (e *evaluator) unary(x *hclsyntax.UnaryOpExpr) (cty.Value, error) {
	v, err := e.eval(x.Val)
	if err != nil {
		return cty.NilVal, err
	}
	switch x.Op {
	case hclsyntax.OpLogicalNot:
		if !v.Type().Equals(cty.Bool) {
			return cty.NilVal, evalErrorf(e.source, "not applied to %s", typeName(v))
		}
		return v.Not(), nil
	case hclsyntax.OpNegate:
		if !v.Type().Equals(cty.Number) {
			return cty.NilVal, evalErrorf(e.source, "negation applied to %s", typeName(v))
		}
		return v.Negate(), nil
	}
	return cty.NilVal, evalErrorf(e.source, "unsupported unary operator")
}

func (e *evaluator) binary(x *hclsyntax.BinaryOpExpr) (cty.Value, error) {
	lhs, err := e.eval(x.LHS)
	if err != nil {
		return cty.NilVal, err
	}

	if x.Op == hclsyntax.OpLogicalAnd || x.Op == hclsyntax.OpLogicalOr {
		if !lhs.Type().Equals(cty.Bool) {
			return cty.NilVal, evalErrorf(e.source, "logical operator applied to %s", typeName(lhs))
		}
		if x.Op == hclsyntax.OpLogicalAnd && lhs.False() {
			return cty.False, nil
		}
		if x.Op == hclsyntax.OpLogicalOr && lhs.True() {
			return cty.True, nil
		}
		rhs, err := e.eval(x.RHS)
		if err != nil {
			return cty.NilVal, err
		}
		if !rhs.Type().Equals(cty.Bool) {
			return cty.NilVal, evalErrorf(e.source, "logical operator applied to %s", typeName(rhs))
		}
		return rhs, nil
	}

	rhs, err := e.eval(x.RHS)
	if err != nil {
		return cty.NilVal, err
	}
	if !lhs.Type().Equals(rhs.Type()) {
		return cty.NilVal, evalErrorf(e.source, "type mismatch: %s and %s", typeName(lhs), typeName(rhs))
	}

	switch x.Op {
	case hclsyntax.OpEqual:
		return e.equals(lhs, rhs), nil
	case hclsyntax.OpNotEqual:
		return e.equals(lhs, rhs).Not(), nil
	case hclsyntax.OpGreaterThan, hclsyntax.OpGreaterThanOrEqual, hclsyntax.OpLessThan, hclsyntax.OpLessThanOrEqual:
		return e.compare(x.Op, lhs, rhs)
	case hclsyntax.OpAdd:
		switch {
		case lhs.Type().Equals(cty.Number):
			return lhs.Add(rhs), nil
		case lhs.Type().Equals(cty.String):
			return cty.StringVal(lhs.AsString() + rhs.AsString()), nil
		}
	case hclsyntax.OpSubtract:
		switch {
		case lhs.Type().Equals(cty.Number):
			return lhs.Subtract(rhs), nil
		case isDate(lhs):
			days := asDate(lhs).Sub(asDate(rhs)).Hours() / 24
			return cty.NumberFloatVal(days), nil
		}
	case hclsyntax.OpMultiply:
		if lhs.Type().Equals(cty.Number) {
			return lhs.Multiply(rhs), nil
		}
	case hclsyntax.OpDivide, hclsyntax.OpModulo:
		if lhs.Type().Equals(cty.Number) {
			if rhs.Equals(cty.Zero).True() {
				return cty.NilVal, evalErrorf(e.source, "division by zero")
			}
			if x.Op == hclsyntax.OpDivide {
				return lhs.Divide(rhs), nil
			}
			return lhs.Modulo(rhs), nil
		}
	}
	return cty.NilVal, evalErrorf(e.source, "operator not defined for %s", typeName(lhs))
}

func (e *evaluator) equals(lhs, rhs cty.Value) cty.Value {
	if isDate(lhs) {
		return cty.BoolVal(asDate(lhs).Equal(asDate(rhs)))
	}
	return lhs.Equals(rhs)
}

func (e *evaluator) compare(op *hclsyntax.Operation, lhs, rhs cty.Value) (cty.Value, error) {
	var cmp int
	switch {
	case lhs.Type().Equals(cty.Number):
		cmp = lhs.AsBigFloat().Cmp(rhs.AsBigFloat())
	case lhs.Type().Equals(cty.String):
		cmp = strings.Compare(lhs.AsString(), rhs.AsString())
	case isDate(lhs):
		cmp = asDate(lhs).Compare(asDate(rhs))
	default:
		return cty.NilVal, evalErrorf(e.source, "cannot order %s values", typeName(lhs))
	}
	switch op {
	case hclsyntax.OpGreaterThan:
		return cty.BoolVal(cmp > 0), nil
	case hclsyntax.OpGreaterThanOrEqual:
		return cty.BoolVal(cmp >= 0), nil
	case hclsyntax.OpLessThan:
		return cty.BoolVal(cmp < 0), nil
	default:
		return cty.BoolVal(cmp <= 0), nil
	}
}

// rewrite translates the author-facing syntax (Python-flavored: $X, and/or/not,
// re.match, single-quoted strings) into expression syntax and collects the
// metavariables it references.
func rewrite(src string) (string, []string, error) {
	var out strings.Builder
	seen := map[string]bool{}
	var refs []string

	for i := 0; i < len(src); {
		ch := src[i]
		switch {
		case ch == '"' || ch == '\'':
			end := i + 1
			for end < len(src) && src[end] != ch {
				if src[end] == '\\' {
					end++
				}
				end++
			}
			if end >= len(src) {
				return "", nil, fmt.Errorf("invalid comparison %q: unterminated string", src)
			}
			body := src[i+1 : end]
			if ch == '\'' {
				body = strings.ReplaceAll(body, `"`, `\"`)
			}
			out.WriteByte('"')
			out.WriteString(body)
			out.WriteByte('"')
			i = end + 1

		case ch == '$':
			j := i + 1
			for j < len(src) && isIdentByte(src[j]) {
				j++
			}
			if j == i+1 {
				return "", nil, fmt.Errorf("invalid comparison %q: dangling $", src)
			}
			name := src[i:j]
			if !seen[name] {
				seen[name] = true
				refs = append(refs, name)
			}
			// The trailing space stops "$X-1" from lexing as one dashed identifier.
			out.WriteString(varPrefix + name[1:] + " ")
			i = j

		case isIdentStart(ch):
			j := i
			for j < len(src) && isIdentByte(src[j]) {
				j++
			}
			word := src[i:j]
			switch word {
			case "and":
				out.WriteString("&&")
			case "or":
				out.WriteString("||")
			case "not":
				out.WriteString("!")
			case "True":
				out.WriteString("true")
			case "False":
				out.WriteString("false")
			case "None":
				out.WriteString("null")
			case "re":
				if strings.HasPrefix(src[j:], ".match") {
					out.WriteString("re_match")
					j += len(".match")
				} else {
					out.WriteString(word)
				}
			default:
				out.WriteString(word)
			}
			i = j

		default:
			out.WriteByte(ch)
			i++
		}
	}
	sort.Strings(refs)
	return out.String(), refs, nil
}

func isIdentStart(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isIdentByte(b byte) bool {
	return isIdentStart(b) || (b >= '0' && b <= '9')
}
