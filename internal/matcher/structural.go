package matcher

import (
	"github.com/xkilldash9x/scalpel-sast/internal/ast"
	"github.com/xkilldash9x/scalpel-sast/internal/pattern"
)

// cont receives one environment produced by the search. Returning true stops the
// enumeration.
type cont func(Env) bool

type memoKey struct {
	pattern ast.Node
	target  ast.Node
}

// search is the state of one anchor's structural match. The budget counts visited
// (pattern, target) pairs.
type search struct {
	m         *Matcher
	remaining int
	exhausted bool
}

func (s *search) tick() bool {
	s.remaining--
	if s.remaining < 0 {
		s.exhausted = true
	}
	return s.exhausted
}

// node matches one pattern node against one target node.
func (s *search) node(p, t ast.Node, env Env, k cont) bool {
	if s.tick() {
		return true
	}

	switch kind, name := pattern.Classify(p); kind {
	case pattern.Metavariable:
		next, ok := env.Bind(bindNode(name, t))
		if !ok {
			return false
		}
		return k(next)
	case pattern.Anonymous, pattern.EllipsisAny:
		return k(env)
	case pattern.EllipsisCapture:
		next, ok := env.Bind(bindNodes(name, []ast.Node{t}, s.m.tree.Source))
		if !ok {
			return false
		}
		return k(next)
	}

	if !s.m.ground(p) {
		return s.structural(p, t, env, k)
	}

	key := memoKey{pattern: p, target: t}
	matched, seen := s.m.memo[key]
	if !seen {
		stopped := s.structural(p, t, Env{}, func(Env) bool { return true })
		if s.exhausted {
			return true
		}
		matched = stopped
		s.m.memo[key] = matched
	}
	if !matched {
		return false
	}
	return k(env)
}

// structural compares node shape and then the child sequences.
func (s *search) structural(p, t ast.Node, env Env, k cont) bool {
	if !sameShape(p, t) {
		return false
	}
	pc, tc := p.Children(), t.Children()
	if len(pc) == 0 {
		if len(tc) != 0 || p.Text() != t.Text() {
			return false
		}
		return k(env)
	}
	return s.seq(pc, tc, env, k)
}

// seq matches a pattern sibling list against a target sibling list exactly. An
// ellipsis consumes as many siblings as it can first and gives them back on failure.
func (s *search) seq(ps, ts []ast.Node, env Env, k cont) bool {
	if s.tick() {
		return true
	}
	if len(ps) == 0 {
		if len(ts) == 0 {
			return k(env)
		}
		return false
	}

	if isEllipsis, name := pattern.IsEllipsis(ps[0]); isEllipsis {
		rest := ps[1:]
		hi, lo := len(ts), 0
		if !containsEllipsis(rest) {
			// Every remaining pattern consumes exactly one sibling.
			lo = len(ts) - len(rest)
			hi = lo
			if lo < 0 {
				return false
			}
		}
		for n := hi; n >= lo; n-- {
			next := env
			if name != "" {
				var ok bool
				if next, ok = env.Bind(bindNodes(name, ts[:n], s.m.tree.Source)); !ok {
					continue
				}
			}
			if s.seq(rest, ts[n:], next, k) {
				return true
			}
		}
		return false
	}

	if len(ts) == 0 {
		return false
	}
	return s.node(ps[0], ts[0], env, func(e Env) bool {
		return s.seq(ps[1:], ts[1:], e, k)
	})
}

// stmts matches a statement sequence against a run of siblings. Beyond seq, the
// statements after an ellipsis may also sit inside a block nested in the run's last
// sibling, so `a; ...; b` reaches b in a later if or loop body. Nested functions
// are never entered.
func (s *search) stmts(ps, ts []ast.Node, env Env, k cont) bool {
	if s.seq(ps, ts, env, k) {
		return true
	}
	if s.exhausted || len(ts) == 0 {
		return false
	}
	split := -1
	for i, p := range ps[:len(ps)-1] {
		if ok, _ := pattern.IsEllipsis(p); ok {
			split = i + 1
			break
		}
	}
	if split < 0 {
		return false
	}
	last := ts[len(ts)-1]
	return s.seq(ps[:split], ts[:len(ts)-1], env, func(e Env) bool {
		return s.nested(ps[split:], last, e, k)
	})
}

// nested tries ps against every run of statements in the blocks under t. A run may
// start anywhere in its block since the preceding ellipsis absorbs what comes before.
func (s *search) nested(ps []ast.Node, t ast.Node, env Env, k cont) bool {
	stopped := false
	ast.Walk(t, func(n ast.Node) bool {
		if stopped || s.exhausted || n.Kind() == ast.KindFunction {
			return false
		}
		if n.Kind() != ast.KindBlock {
			return true
		}
		children := n.Children()
		for a := range children {
			if !children[a].Named() {
				continue
			}
			for b := a + 1; b <= len(children); b++ {
				if s.stmts(ps, children[a:b], env, k) {
					stopped = true
					return false
				}
				if s.exhausted {
					return false
				}
			}
		}
		return true
	})
	return stopped
}

func containsEllipsis(ps []ast.Node) bool {
	for _, p := range ps {
		if ok, _ := pattern.IsEllipsis(p); ok {
			return true
		}
	}
	return false
}

// sameShape compares kinds and grammar types. Identifiers and literals only need
// the same kind since grammars use several types for them.
func sameShape(p, t ast.Node) bool {
	if p.Kind() != t.Kind() {
		return false
	}
	switch p.Kind() {
	case ast.KindIdentifier, ast.KindLiteral:
		return true
	}
	return p.Type() == t.Type()
}

// ground reports whether a pattern subtree binds no metavariables, which makes its
// result independent of the environment and safe to memoize.
func (m *Matcher) ground(p ast.Node) bool {
	if g, ok := m.grounds[p]; ok {
		return g
	}
	g := true
	ast.Walk(p, func(n ast.Node) bool {
		if !g {
			return false
		}
		if kind, _ := pattern.Classify(n); kind == pattern.Metavariable || kind == pattern.EllipsisCapture {
			g = false
		}
		return g
	})
	m.grounds[p] = g
	return g
}
