// Package matcher evaluates compiled patterns against one parsed file.
//
// A Matcher is created per file and is not safe for concurrent use. Patterns are
// immutable and shared between matchers; results are cached per pattern, so
// evaluating the same sub-pattern from several rule operators costs one walk.
package matcher

import (
	"fmt"
	"sort"
	"time"

	"github.com/xkilldash9x/scalpel-sast/api/schemas"
	"github.com/xkilldash9x/scalpel-sast/internal/ast"
	"github.com/xkilldash9x/scalpel-sast/internal/dataflow"
	"github.com/xkilldash9x/scalpel-sast/internal/pattern"
)

// DefaultBudget is the number of search steps allowed per anchor node.
const DefaultBudget = 200000

// NotInsideScope selects how pattern-not-inside excludes candidates.
type NotInsideScope string

const (
	// ScopeLexical excludes candidates contained in an exclusion match.
	ScopeLexical NotInsideScope = "lexical"
	// ScopeFile excludes every candidate once the exclusion matches anywhere in the file.
	ScopeFile NotInsideScope = "file"
)

// ParseNotInsideScope validates a configured scope. Empty means lexical.
func ParseNotInsideScope(s string) (NotInsideScope, error) {
	switch NotInsideScope(s) {
	case "", ScopeLexical:
		return ScopeLexical, nil
	case ScopeFile:
		return ScopeFile, nil
	}
	return "", fmt.Errorf("invalid not-inside scope %q (want %q or %q)", s, ScopeLexical, ScopeFile)
}

// Options tunes one matcher.
type Options struct {
	Budget         int
	NotInsideScope NotInsideScope
	// Now is the reference time for today() in comparisons.
	Now time.Time
}

// Match is one way a pattern matched. Node is the anchor node; for statement
// sequences it is the first statement and Range spans the whole sequence.
type Match struct {
	Node  ast.Node
	Range ast.Range
	Env   Env
}

// Matcher evaluates patterns against a single tree.
type Matcher struct {
	tree *ast.Tree
	opts Options

	results  map[pattern.Pattern][]Match
	memo     map[memoKey]bool
	grounds  map[ast.Node]bool
	warnings []schemas.Warning
	overrun  map[ast.Node]bool
	scoped   map[NotInsideScope]*Matcher
	consts   *dataflow.Constants
}

// New creates a matcher for one file.
func New(tree *ast.Tree, opts Options) *Matcher {
	if opts.Budget <= 0 {
		opts.Budget = DefaultBudget
	}
	if opts.NotInsideScope == "" {
		opts.NotInsideScope = ScopeLexical
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	return &Matcher{
		tree:    tree,
		opts:    opts,
		results: make(map[pattern.Pattern][]Match),
		memo:    make(map[memoKey]bool),
		grounds: make(map[ast.Node]bool),
		overrun: make(map[ast.Node]bool),
	}
}

// Tree returns the file being matched.
func (m *Matcher) Tree() *ast.Tree { return m.tree }

// Constants returns the file's constant names, resolved on first use.
func (m *Matcher) Constants() *dataflow.Constants {
	if m.consts == nil {
		m.consts = dataflow.ResolveConstants(m.tree.Root)
	}
	return m.consts
}

// Matches returns every match of p in pre-order. The returned slice is shared with
// the cache and must not be modified.
func (m *Matcher) Matches(p pattern.Pattern) []Match {
	if p == nil {
		return nil
	}
	if cached, ok := m.results[p]; ok {
		return cached
	}
	out := normalize(m.eval(p))
	m.results[p] = out
	return out
}

// MatchesWithScope evaluates p with a per-rule not-inside scope. Results for a
// scope other than the matcher's own are cached in a sibling matcher.
func (m *Matcher) MatchesWithScope(p pattern.Pattern, scope NotInsideScope) []Match {
	if scope == "" || scope == m.opts.NotInsideScope {
		return m.Matches(p)
	}
	other, ok := m.scoped[scope]
	if !ok {
		opts := m.opts
		opts.NotInsideScope = scope
		other = New(m.tree, opts)
		if m.scoped == nil {
			m.scoped = make(map[NotInsideScope]*Matcher)
		}
		m.scoped[scope] = other
	}
	out := other.Matches(p)
	m.warnings = append(m.warnings, other.TakeWarnings()...)
	return out
}

// TakeWarnings returns and clears the warnings collected so far.
func (m *Matcher) TakeWarnings() []schemas.Warning {
	out := m.warnings
	m.warnings = nil
	return out
}

func (m *Matcher) warn(code schemas.WarningCode, format string, args ...any) {
	m.warnings = append(m.warnings, schemas.Warning{
		Code:    code,
		File:    m.tree.Path,
		Message: fmt.Sprintf(format, args...),
	})
}

// atom runs the structural search with every named node as anchor.
func (m *Matcher) atom(a *pattern.Atom) []Match {
	roots := a.Roots[m.tree.Language]
	switch len(roots) {
	case 0:
		return nil
	case 1:
		return m.anchorNodes(roots[0])
	default:
		return m.anchorSequences(roots)
	}
}

func (m *Matcher) anchorNodes(root ast.Node) []Match {
	var out []Match
	ast.Walk(m.tree.Root, func(t ast.Node) bool {
		if !t.Named() {
			return false
		}
		s := &search{m: m, remaining: m.opts.Budget}
		var found []Match
		s.node(root, t, Env{}, func(env Env) bool {
			found = append(found, Match{Node: t, Range: t.Range(), Env: env})
			return false
		})
		if s.exhausted {
			m.budgetExceeded(root, t)
			return true
		}
		out = append(out, found...)
		return true
	})
	return out
}

// anchorSequences matches a statement sequence against runs of consecutive
// siblings. For each starting sibling the shortest run that matches wins.
func (m *Matcher) anchorSequences(roots []ast.Node) []Match {
	var out []Match
	ast.Walk(m.tree.Root, func(parent ast.Node) bool {
		siblings := parent.Children()
		for i := range siblings {
			if !siblings[i].Named() {
				continue
			}
			s := &search{m: m, remaining: m.opts.Budget}
			for j := i + 1; j <= len(siblings) && !s.exhausted; j++ {
				run := siblings[i:j]
				rng := run[0].Range().Span(run[len(run)-1].Range())
				var found []Match
				s.stmts(roots, run, Env{}, func(env Env) bool {
					found = append(found, Match{Node: run[0], Range: rng, Env: env})
					return false
				})
				if s.exhausted {
					break
				}
				if len(found) > 0 {
					out = append(out, found...)
					break
				}
			}
			if s.exhausted {
				m.budgetExceeded(roots[0], siblings[i])
			}
		}
		return true
	})
	return out
}

func (m *Matcher) budgetExceeded(p, anchor ast.Node) {
	if m.overrun[p] {
		return
	}
	m.overrun[p] = true
	r := anchor.Range()
	m.warn(schemas.WarningMatchBudget, "match budget of %d steps exceeded at %d:%d; anchor skipped",
		m.opts.Budget, r.Start.Line, r.Start.Column)
}

// covering returns the deepest named node containing r.
func (m *Matcher) covering(r ast.Range) ast.Node {
	n := m.tree.Root
	for {
		var next ast.Node
		for _, c := range n.Children() {
			if c.Named() && c.Range().Contains(r) {
				next = c
				break
			}
		}
		if next == nil {
			return n
		}
		n = next
	}
}

// normalize deduplicates matches with the same range and bindings and orders them
// in pre-order.
func normalize(in []Match) []Match {
	if len(in) == 0 {
		return nil
	}
	type key struct {
		start, end int
		env        string
	}
	seen := make(map[key]bool, len(in))
	out := make([]Match, 0, len(in))
	for _, mt := range in {
		k := key{mt.Range.Start.Offset, mt.Range.End.Offset, mt.Env.Key()}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, mt)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Range, out[j].Range
		if a.Equal(b) {
			return out[i].Env.Key() < out[j].Env.Key()
		}
		return a.Before(b)
	})
	return out
}
