package ast

import (
	"sort"
)

// Tree is one parsed file. It owns its nodes and is never mutated after construction.
type Tree struct {
	Path     string
	Language Language
	Source   []byte
	Root     Node
	// HasErrors is set when the parser recovered from syntax errors.
	HasErrors bool

	lineStarts []int
	size       int
}

// NewTree wraps an already built root node.
func NewTree(path string, lang Language, source []byte, root Node) *Tree {
	t := &Tree{Path: path, Language: lang, Source: source, Root: root}
	t.lineStarts = lineStarts(source)
	Walk(root, func(Node) bool { t.size++; return true })
	return t
}

// Size is the number of nodes in the tree.
func (t *Tree) Size() int { return t.size }

// PositionAt converts a byte offset into a 1-based line/column position.
func (t *Tree) PositionAt(offset int) Position {
	if offset < 0 {
		offset = 0
	}
	if offset > len(t.Source) {
		offset = len(t.Source)
	}
	line := sort.Search(len(t.lineStarts), func(i int) bool { return t.lineStarts[i] > offset }) - 1
	if line < 0 {
		line = 0
	}
	return Position{Line: line + 1, Column: offset - t.lineStarts[line] + 1, Offset: offset}
}

// RangeOf builds a range from byte offsets.
func (t *Tree) RangeOf(start, end int) Range {
	return Range{Start: t.PositionAt(start), End: t.PositionAt(end)}
}

// Slice returns the source text covered by r.
func (t *Tree) Slice(r Range) string {
	start, end := r.Start.Offset, r.End.Offset
	if start < 0 || end > len(t.Source) || start > end {
		return ""
	}
	return string(t.Source[start:end])
}

func lineStarts(src []byte) []int {
	starts := []int{0}
	for i, b := range src {
		if b == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

// Element is the concrete node type produced by the language adapters.
type Element struct {
	kind     Kind
	typ      string
	role     Role
	named    bool
	rng      Range
	text     string
	id       int
	children []Node
}

// Kind implements Node.
func (e *Element) Kind() Kind { return e.kind }

// Type implements Node.
func (e *Element) Type() string { return e.typ }

// Children implements Node.
func (e *Element) Children() []Node { return e.children }

// Range implements Node.
func (e *Element) Range() Range { return e.rng }

// Text implements Node.
func (e *Element) Text() string { return e.text }

// Named implements Node.
func (e *Element) Named() bool { return e.named }

// Role implements Node.
func (e *Element) Role() Role { return e.role }

// ID implements Node.
func (e *Element) ID() int { return e.id }

// Builder assembles Elements bottom-up and assigns pre-order ids once the root is known.
// It is used by the adapters and by tests that need hand-built trees.
type Builder struct{}

// Spec describes one node for the Builder.
type Spec struct {
	Kind     Kind
	Type     string
	Role     Role
	Named    bool
	Range    Range
	Text     string
	Children []*Element
}

// New creates an element from a spec. Children keep their order.
func (Builder) New(s Spec) *Element {
	e := &Element{
		kind:  s.Kind,
		typ:   s.Type,
		role:  s.Role,
		named: s.Named,
		rng:   s.Range,
		text:  s.Text,
	}
	if e.kind == "" {
		e.kind = KindOther
	}
	if len(s.Children) > 0 {
		e.children = make([]Node, len(s.Children))
		for i, c := range s.Children {
			e.children[i] = c
		}
	}
	return e
}

// WithRole returns a copy of e filling a different slot. Used when an adapter
// collapses a wrapper node into its only child.
func (Builder) WithRole(e *Element, role Role) *Element {
	cp := *e
	cp.role = role
	return &cp
}

// Number assigns pre-order ids starting at zero and returns the root.
func (Builder) Number(root *Element) *Element {
	next := 0
	var visit func(e *Element)
	visit = func(e *Element) {
		e.id = next
		next++
		for _, c := range e.children {
			visit(c.(*Element))
		}
	}
	visit(root)
	return root
}
