package pattern

import (
	"regexp"

	"github.com/xkilldash9x/scalpel-sast/internal/ast"
	"github.com/xkilldash9x/scalpel-sast/internal/constraint"
)

// Pattern is the compiled form of a pattern operator. Values are built once at rule
// load and never mutated, so they are shared freely across goroutines. Pointer
// identity is stable and used by the matcher as a cache key.
type Pattern interface {
	pattern()
}

// Atom is a code snippet compiled for every language it parsed in. Each root list
// holds one or more nodes; more than one means a statement sequence.
type Atom struct {
	Source string
	Roots  map[ast.Language][]ast.Node
	// Metavariables bound by the snippet, with their $ prefix. Anonymous $_ is excluded.
	Metavariables []string
}

// Ellipsis is a pattern consisting of "..." alone. It matches every named node.
type Ellipsis struct{}

// All is a conjunction. Its operands keep the order the author wrote them in.
type All struct {
	Operands []Pattern
}

// Any is a disjunction tried in order.
type Any struct {
	Operands []Pattern
}

// Not excludes candidates matching the inner pattern at the same range.
type Not struct {
	Pattern Pattern
}

// Inside requires a candidate to lie within a match of the context pattern.
type Inside struct {
	Pattern Pattern
}

// NotInside excludes candidates lying within a match of the inner pattern.
type NotInside struct {
	Pattern Pattern
}

// Regex matches raw source text. With Negate it only filters candidates.
type Regex struct {
	Source string
	Expr   *regexp.Regexp
	Negate bool
}

// ConstraintKind selects which field of a MetavariableConstraint is in use.
type ConstraintKind int

const (
	ConstraintRegex ConstraintKind = iota
	ConstraintComparison
	ConstraintPattern
)

// MetavariableConstraint is a side condition on bound metavariables.
type MetavariableConstraint struct {
	Kind ConstraintKind
	// Name is the constrained metavariable. Comparisons may leave it empty and
	// reference any bound name in the expression.
	Name       string
	Regex      *regexp.Regexp
	Comparison *constraint.Comparison
	Strip      bool
	// Pattern must match within the binding's range.
	Pattern Pattern
}

// FocusMetavariable narrows the reported range to the named bindings.
type FocusMetavariable struct {
	Names []string
}

func (*Atom) pattern()                   {}
func (*Ellipsis) pattern()               {}
func (*All) pattern()                    {}
func (*Any) pattern()                    {}
func (*Not) pattern()                    {}
func (*Inside) pattern()                 {}
func (*NotInside) pattern()              {}
func (*Regex) pattern()                  {}
func (*MetavariableConstraint) pattern() {}
func (*FocusMetavariable) pattern()      {}

// Bound returns the metavariables a pattern can bind in positive positions. Names
// bound only under Not or NotInside are excluded because those bindings are discarded.
func Bound(p Pattern) map[string]bool {
	out := map[string]bool{}
	collectBound(p, out)
	return out
}

func collectBound(p Pattern, out map[string]bool) {
	switch x := p.(type) {
	case *Atom:
		for _, name := range x.Metavariables {
			out[name] = true
		}
	case *All:
		for _, op := range x.Operands {
			collectBound(op, out)
		}
	case *Any:
		for _, op := range x.Operands {
			collectBound(op, out)
		}
	case *Inside:
		collectBound(x.Pattern, out)
	case *MetavariableConstraint:
		if x.Pattern != nil {
			collectBound(x.Pattern, out)
		}
	}
}
