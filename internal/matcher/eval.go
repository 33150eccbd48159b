package matcher

import (
	"github.com/xkilldash9x/scalpel-sast/api/schemas"
	"github.com/xkilldash9x/scalpel-sast/internal/ast"
	"github.com/xkilldash9x/scalpel-sast/internal/constraint"
	"github.com/xkilldash9x/scalpel-sast/internal/pattern"
)

func (m *Matcher) eval(p pattern.Pattern) []Match {
	switch x := p.(type) {
	case *pattern.Atom:
		return m.atom(x)
	case *pattern.Ellipsis:
		return m.everyNode()
	case *pattern.Any:
		var out []Match
		for _, op := range x.Operands {
			out = append(out, m.Matches(op)...)
		}
		return out
	case *pattern.All:
		return m.all(x.Operands)
	case *pattern.Regex:
		if x.Negate {
			return nil
		}
		return m.regex(x)
	default:
		// Filters and context operators on their own behave like a conjunction of one.
		return m.all([]pattern.Pattern{p})
	}
}

func (m *Matcher) everyNode() []Match {
	var out []Match
	ast.Walk(m.tree.Root, func(n ast.Node) bool {
		if !n.Named() {
			return false
		}
		if n != m.tree.Root {
			out = append(out, Match{Node: n, Range: n.Range()})
		}
		return true
	})
	return out
}

func (m *Matcher) regex(x *pattern.Regex) []Match {
	var out []Match
	for _, loc := range x.Expr.FindAllIndex(m.tree.Source, -1) {
		if loc[0] == loc[1] {
			continue
		}
		r := m.tree.RangeOf(loc[0], loc[1])
		out = append(out, Match{Node: m.covering(r), Range: r})
	}
	return out
}

func positive(p pattern.Pattern) bool {
	switch x := p.(type) {
	case *pattern.Atom, *pattern.Ellipsis, *pattern.All, *pattern.Any:
		return true
	case *pattern.Regex:
		return !x.Negate
	}
	return false
}

// all evaluates a conjunction in phases: positive operands and contexts in written
// order, then negations, then metavariable constraints, then focus.
func (m *Matcher) all(ops []pattern.Pattern) []Match {
	gen := -1
	for i, op := range ops {
		if positive(op) {
			gen = i
			break
		}
	}
	if gen < 0 {
		for i, op := range ops {
			if _, ok := op.(*pattern.Inside); ok {
				gen = i
				break
			}
		}
	}
	if gen < 0 {
		return nil
	}

	var cands []Match
	if in, ok := ops[gen].(*pattern.Inside); ok {
		cands = append(cands, m.Matches(in.Pattern)...)
	} else {
		cands = append(cands, m.Matches(ops[gen])...)
	}

	for i, op := range ops {
		if i == gen || len(cands) == 0 {
			continue
		}
		switch x := op.(type) {
		case *pattern.Inside:
			cands = m.inside(cands, m.Matches(x.Pattern))
		default:
			if positive(op) {
				cands = intersect(cands, m.Matches(op))
			}
		}
	}

	for _, op := range ops {
		if len(cands) == 0 {
			return nil
		}
		switch x := op.(type) {
		case *pattern.Not:
			cands = exclude(cands, m.Matches(x.Pattern), func(c, e ast.Range) bool { return c.Equal(e) })
		case *pattern.NotInside:
			excl := m.Matches(x.Pattern)
			if m.opts.NotInsideScope == ScopeFile {
				cands = exclude(cands, excl, func(ast.Range, ast.Range) bool { return true })
			} else {
				cands = exclude(cands, excl, func(c, e ast.Range) bool { return e.Contains(c) })
			}
		case *pattern.Regex:
			if x.Negate {
				cands = filter(cands, func(c Match) bool {
					return !constraint.MatchRegex(x.Expr, m.tree.Slice(c.Range))
				})
			}
		}
	}

	for _, op := range ops {
		if len(cands) == 0 {
			return nil
		}
		if c, ok := op.(*pattern.MetavariableConstraint); ok {
			cands = m.constrain(cands, c)
		}
	}

	for _, op := range ops {
		if f, ok := op.(*pattern.FocusMetavariable); ok {
			cands = focus(cands, f.Names)
		}
	}
	return cands
}

// intersect keeps candidates that another positive operand matched at the same
// range, merging the two environments.
func intersect(cands, others []Match) []Match {
	var out []Match
	for _, c := range cands {
		for _, o := range others {
			if !c.Range.Equal(o.Range) {
				continue
			}
			if env, ok := c.Env.Merge(o.Env); ok {
				out = append(out, Match{Node: c.Node, Range: c.Range, Env: env})
			}
		}
	}
	return out
}

func (m *Matcher) inside(cands, ctx []Match) []Match {
	var out []Match
	for _, c := range cands {
		for _, x := range ctx {
			if !x.Range.Contains(c.Range) {
				continue
			}
			if env, ok := c.Env.Merge(x.Env); ok {
				out = append(out, Match{Node: c.Node, Range: c.Range, Env: env})
			}
		}
	}
	return normalize(out)
}

// exclude drops candidates for which some consistent exclusion match satisfies hit.
// Bindings of exclusion matches are discarded.
func exclude(cands, excl []Match, hit func(cand, ex ast.Range) bool) []Match {
	if len(excl) == 0 {
		return cands
	}
	return filter(cands, func(c Match) bool {
		for _, e := range excl {
			if hit(c.Range, e.Range) && c.Env.Consistent(e.Env) {
				return false
			}
		}
		return true
	})
}

func filter(cands []Match, keep func(Match) bool) []Match {
	out := cands[:0:0]
	for _, c := range cands {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

func (m *Matcher) constrain(cands []Match, c *pattern.MetavariableConstraint) []Match {
	switch c.Kind {
	case pattern.ConstraintRegex:
		return filter(cands, func(mt Match) bool {
			b, ok := mt.Env.Lookup(c.Name)
			return ok && constraint.MatchRegex(c.Regex, b.Text)
		})

	case pattern.ConstraintComparison:
		return filter(cands, func(mt Match) bool {
			if c.Name != "" {
				if _, ok := mt.Env.Lookup(c.Name); !ok {
					return false
				}
			}
			ok, err := c.Comparison.Evaluate(m.resolvedTexts(mt.Env), constraint.Options{Strip: c.Strip, Now: m.opts.Now})
			if err != nil {
				m.warn(schemas.WarningConstraintEvaluation, "metavariable-comparison %q at %d:%d: %v",
					c.Comparison.Source(), mt.Range.Start.Line, mt.Range.Start.Column, err)
				return false
			}
			return ok
		})

	case pattern.ConstraintPattern:
		inner := m.Matches(c.Pattern)
		var out []Match
		for _, mt := range cands {
			b, ok := mt.Env.Lookup(c.Name)
			if !ok || b.Range.Empty() {
				continue
			}
			for _, x := range inner {
				if !b.Range.Contains(x.Range) {
					continue
				}
				if env, ok := mt.Env.Merge(x.Env); ok {
					out = append(out, Match{Node: mt.Node, Range: mt.Range, Env: env})
				}
			}
		}
		return normalize(out)
	}
	return cands
}

// resolvedTexts maps each binding to its source text, replacing identifiers that
// provably hold a literal with that literal.
func (m *Matcher) resolvedTexts(env Env) map[string]string {
	texts := env.Texts()
	for _, b := range env.Bindings() {
		if b.Node == nil || b.Node.Kind() != ast.KindIdentifier {
			continue
		}
		if lit, ok := m.Constants().Lookup(b.Node); ok {
			texts[b.Name] = lit.Text()
		}
	}
	return texts
}

// focus narrows each candidate to the range of the named bindings. With several
// names the range is their intersection; candidates whose bindings are missing or
// do not overlap are dropped.
func focus(cands []Match, names []string) []Match {
	var out []Match
	for _, c := range cands {
		var (
			rng  ast.Range
			node ast.Node
			ok   = true
		)
		for i, name := range names {
			b, bound := c.Env.Lookup(name)
			if !bound || b.Range.Empty() {
				ok = false
				break
			}
			if i == 0 {
				rng, node = b.Range, b.Node
				if node == nil && len(b.Nodes) > 0 {
					node = b.Nodes[0]
				}
				continue
			}
			if rng, ok = rng.Intersect(b.Range); !ok {
				break
			}
			if b.Node != nil && b.Range.Equal(rng) {
				node = b.Node
			}
		}
		if ok {
			out = append(out, Match{Node: node, Range: rng, Env: c.Env})
		}
	}
	return normalize(out)
}
