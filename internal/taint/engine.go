package taint

import (
	"sort"

	"github.com/xkilldash9x/scalpel-sast/internal/ast"
	"github.com/xkilldash9x/scalpel-sast/internal/dataflow"
	"github.com/xkilldash9x/scalpel-sast/internal/matcher"
	"github.com/xkilldash9x/scalpel-sast/internal/pattern"
)

// Propagator declares a flow edge: when the From binding is tainted, the To
// binding becomes tainted too.
type Propagator struct {
	Pattern pattern.Pattern
	From    string
	To      string
}

// Spec is the compiled taint part of a rule.
type Spec struct {
	Sources     []pattern.Pattern
	Sanitizers  []pattern.Pattern
	Sinks       []pattern.Pattern
	Propagators []Propagator
}

// Options tunes one analysis.
type Options struct {
	// Summaries enables same-file function summaries.
	Summaries bool
	// Scope is the not-inside scope used when evaluating the rule's patterns.
	Scope matcher.NotInsideScope
}

// Flow is a tainted value reaching a sink.
type Flow struct {
	Sink  matcher.Match
	Trace Trace
}

type rangeKey struct{ start, end int }

func keyOf(r ast.Range) rangeKey { return rangeKey{r.Start.Offset, r.End.Offset} }

type propagatorMatch struct {
	match    matcher.Match
	from, to string
}

// index holds every pattern match of one file, keyed by range, and the file's
// constant names.
type index struct {
	consts      *dataflow.Constants
	sources     map[rangeKey]Label
	sanitizers  map[rangeKey]bool
	sinks       map[rangeKey][]matcher.Match
	propagators map[rangeKey][]propagatorMatch
}

func buildIndex(m *matcher.Matcher, spec *Spec, scope matcher.NotInsideScope) *index {
	idx := &index{
		consts:      m.Constants(),
		sources:     make(map[rangeKey]Label),
		sanitizers:  make(map[rangeKey]bool),
		sinks:       make(map[rangeKey][]matcher.Match),
		propagators: make(map[rangeKey][]propagatorMatch),
	}
	for _, p := range spec.Sources {
		for _, mt := range m.MatchesWithScope(p, scope) {
			k := keyOf(mt.Range)
			idx.sources[k] = idx.sources[k].Merge(Tainted(mt.Range))
		}
	}
	for _, p := range spec.Sanitizers {
		for _, mt := range m.MatchesWithScope(p, scope) {
			idx.sanitizers[keyOf(mt.Range)] = true
		}
	}
	for _, p := range spec.Sinks {
		for _, mt := range m.MatchesWithScope(p, scope) {
			k := keyOf(mt.Range)
			idx.sinks[k] = append(idx.sinks[k], mt)
		}
	}
	for _, prop := range spec.Propagators {
		for _, mt := range m.MatchesWithScope(prop.Pattern, scope) {
			k := keyOf(mt.Range)
			idx.propagators[k] = append(idx.propagators[k], propagatorMatch{match: mt, from: prop.From, to: prop.To})
		}
	}
	return idx
}

func (idx *index) source(n ast.Node) (Label, bool) {
	label, ok := idx.sources[keyOf(n.Range())]
	return label, ok
}

func (idx *index) sanitized(n ast.Node) bool {
	return idx.sanitizers[keyOf(n.Range())]
}

// constant reports identifiers that provably hold a literal. Literals are
// immutable, so such a name never carries taint.
func (idx *index) constant(n ast.Node) bool {
	_, ok := idx.consts.Lookup(n)
	return ok
}

// Analyze reports every sink reached by source taint in the matcher's file. Flows
// are returned in sink order.
func Analyze(m *matcher.Matcher, spec *Spec, opts Options) []Flow {
	if spec == nil || len(spec.Sources) == 0 || len(spec.Sinks) == 0 {
		return nil
	}
	idx := buildIndex(m, spec, opts.Scope)
	if len(idx.sources) == 0 || len(idx.sinks) == 0 {
		return nil
	}

	root := m.Tree().Root
	functions := collectFunctions(root)

	summaries := map[string]*FunctionSummary{}
	if opts.Summaries {
		summaries = summarize(idx, functions, m.Tree().Language)
	}

	var flows []Flow
	top := newWalker(idx, summaries, modeAnalyze)
	top.runTopLevel(root)
	flows = append(flows, top.flows...)
	for _, fn := range functions {
		w := newWalker(idx, summaries, modeAnalyze)
		w.runFunction(fn)
		flows = append(flows, w.flows...)
	}

	return dedupe(flows)
}

// summarize computes one summary per uniquely named function, in source order, so
// a function sees the summaries of the functions declared before it. A function
// whose return carries nothing still gets a summary, which makes calls to it clean.
// Functions without a body, such as abstract methods, are not summarized.
func summarize(idx *index, functions []ast.Node, lang ast.Language) map[string]*FunctionSummary {
	counts := map[string]int{}
	for _, fn := range functions {
		if name := functionName(fn); name != "" {
			counts[name]++
		}
	}

	summaries := map[string]*FunctionSummary{}
	for _, fn := range functions {
		name := functionName(fn)
		if name == "" || counts[name] > 1 || ast.ChildByRole(fn, ast.RoleBody) == nil {
			continue
		}
		w := newWalker(idx, summaries, modeSummarize)
		w.runFunction(fn)

		params := dataflow.Parameters(fn)
		s := newFunctionSummary(name, len(params))
		for i := range params {
			if w.returned.fromParam(i) {
				s.ParamToReturn[i] = true
			}
		}
		s.Return = Label{traces: w.returned.traces}
		if lang == ast.Python && len(params) > 0 {
			switch dataflow.ParameterName(params[0]) {
			case "self", "cls":
				s.BoundReceiver = true
			}
		}
		summaries[name] = s
	}
	return summaries
}

func collectFunctions(root ast.Node) []ast.Node {
	var out []ast.Node
	ast.Walk(root, func(n ast.Node) bool {
		if n.Kind() == ast.KindFunction {
			out = append(out, n)
		}
		return true
	})
	return out
}

func dedupe(flows []Flow) []Flow {
	type key struct {
		rangeKey
		env string
	}
	seen := make(map[key]bool, len(flows))
	out := flows[:0:0]
	for _, f := range flows {
		k := key{keyOf(f.Sink.Range), f.Sink.Env.Key()}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sink.Range.Before(out[j].Sink.Range) })
	return out
}
