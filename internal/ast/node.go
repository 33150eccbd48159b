// Package ast defines the language-neutral syntax tree the matcher and the taint
// engine work against. Language adapters map their concrete grammar onto these
// semantic categories; nothing downstream knows which grammar produced a tree.
package ast

import "strings"

// Kind is the semantic category of a node.
type Kind string

const (
	KindProgram     Kind = "program"
	KindCall        Kind = "call"
	KindAssignment  Kind = "assignment"
	KindDeclaration Kind = "declaration"
	KindBinaryOp    Kind = "binary-op"
	KindIdentifier  Kind = "identifier"
	KindLiteral     Kind = "literal"
	KindFieldAccess Kind = "field-access"
	KindFunction    Kind = "function"
	KindParameter   Kind = "parameter"
	KindReturn      Kind = "return"
	KindBlock       Kind = "block"
	KindBranch      Kind = "branch"
	KindList        Kind = "list"
	KindStatement   Kind = "statement"
	KindOther       Kind = "other"
)

// Role labels the semantic slot a child occupies inside its parent.
type Role string

const (
	RoleNone       Role = ""
	RoleCallee     Role = "callee"
	RoleArguments  Role = "arguments"
	RoleObject     Role = "object"
	RoleName       Role = "name"
	RoleIndex      Role = "index"
	RoleTarget     Role = "target"
	RoleValue      Role = "value"
	RoleParameters Role = "parameters"
	RoleBody       Role = "body"
)

// Node is the read-only capability every adapter must provide. Implementations are
// immutable once the tree is built, so a tree can be matched from any goroutine.
type Node interface {
	// Kind is the semantic category.
	Kind() Kind
	// Type is the grammar's own node type, e.g. "call_expression".
	Type() string
	Children() []Node
	Range() Range
	// Text is the exact source slice covered by the node.
	Text() string
	// Named is false for keyword and operator tokens.
	Named() bool
	// Role is the slot this node fills in its parent.
	Role() Role
	// ID is the pre-order index of the node within its tree.
	ID() int
}

// Position is a point in a source file. Line and Column are 1-based, Offset is the
// 0-based byte offset.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
	Offset int `json:"offset"`
}

// Range is a half-open byte span with its line/column endpoints.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Contains reports whether o lies within r (inclusive of equal ranges).
func (r Range) Contains(o Range) bool {
	return r.Start.Offset <= o.Start.Offset && o.End.Offset <= r.End.Offset
}

// Equal compares byte spans only.
func (r Range) Equal(o Range) bool {
	return r.Start.Offset == o.Start.Offset && r.End.Offset == o.End.Offset
}

// Empty reports a zero-width range.
func (r Range) Empty() bool { return r.End.Offset <= r.Start.Offset }

// Intersect returns the overlap of r and o, and false when they do not overlap.
func (r Range) Intersect(o Range) (Range, bool) {
	out := r
	if o.Start.Offset > out.Start.Offset {
		out.Start = o.Start
	}
	if o.End.Offset < out.End.Offset {
		out.End = o.End
	}
	if out.End.Offset <= out.Start.Offset {
		return Range{}, false
	}
	return out, true
}

// Span returns the smallest range covering both r and o.
func (r Range) Span(o Range) Range {
	out := r
	if o.Start.Offset < out.Start.Offset {
		out.Start = o.Start
	}
	if o.End.Offset > out.End.Offset {
		out.End = o.End
	}
	return out
}

// Before orders ranges in pre-order: earlier start first, and for the same start the
// enclosing (longer) range first.
func (r Range) Before(o Range) bool {
	if r.Start.Offset != o.Start.Offset {
		return r.Start.Offset < o.Start.Offset
	}
	return r.End.Offset > o.End.Offset
}

// ChildByRole returns the first child of n that fills role, or nil.
func ChildByRole(n Node, role Role) Node {
	if n == nil {
		return nil
	}
	for _, c := range n.Children() {
		if c.Role() == role {
			return c
		}
	}
	return nil
}

// NamedChildren filters out keyword and operator tokens.
func NamedChildren(n Node) []Node {
	var out []Node
	for _, c := range n.Children() {
		if c.Named() {
			out = append(out, c)
		}
	}
	return out
}

// NormalizedText joins the node's leaf tokens with single spaces, so that two
// nodes differing only in whitespace, comments or redundant parentheses compare equal.
func NormalizedText(n Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	appendTokens(&b, n)
	return b.String()
}

func appendTokens(b *strings.Builder, n Node) {
	children := n.Children()
	if len(children) == 0 {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(n.Text())
		return
	}
	for _, c := range children {
		appendTokens(b, c)
	}
}

// Walk visits n and its descendants in pre-order. Returning false from fn skips the
// node's children.
func Walk(n Node, fn func(Node) bool) {
	if n == nil {
		return
	}
	if !fn(n) {
		return
	}
	for _, c := range n.Children() {
		Walk(c, fn)
	}
}
