// Package taint runs a forward, intraprocedural taint analysis over a normalized
// tree. Sources, sinks, sanitizers and propagators are patterns evaluated with the
// same matcher as search rules; the walker only interprets assignments, calls and
// returns.
package taint

import (
	"sort"
	"strconv"

	"github.com/xkilldash9x/scalpel-sast/internal/ast"
)

// StepKind classifies one hop of a taint trace.
type StepKind int

const (
	StepSource StepKind = iota
	StepPropagator
	StepCall
	StepSink
)

func (k StepKind) String() string {
	switch k {
	case StepSource:
		return "source"
	case StepPropagator:
		return "propagator"
	case StepCall:
		return "call"
	case StepSink:
		return "sink"
	}
	return "unknown"
}

// Step is one location a tainted value passed through.
type Step struct {
	Kind  StepKind
	Range ast.Range
}

// Trace is an ordered path starting at a source.
type Trace []Step

func (t Trace) key() string {
	b := make([]byte, 0, len(t)*12)
	for _, s := range t {
		b = append(b, byte(s.Kind))
		b = strconv.AppendInt(b, int64(s.Range.Start.Offset), 10)
		b = append(b, ':')
		b = strconv.AppendInt(b, int64(s.Range.End.Offset), 10)
		b = append(b, ';')
	}
	return string(b)
}

// Through returns a copy of t extended by one hop.
func (t Trace) Through(kind StepKind, r ast.Range) Trace {
	next := make(Trace, len(t), len(t)+1)
	copy(next, t)
	return append(next, Step{Kind: kind, Range: r})
}

// maxTraces bounds how many distinct origins a label remembers.
const maxTraces = 4

// Label is the abstract taint state of a value. The zero Label is clean.
//
// params records symbolic parameter origins while a function is being summarized;
// they never make a label tainted on their own.
type Label struct {
	traces []Trace
	params uint64
}

// Tainted creates a label originating at a source.
func Tainted(source ast.Range) Label {
	return Label{traces: []Trace{{{Kind: StepSource, Range: source}}}}
}

func paramLabel(index int) Label {
	if index < 0 || index >= 64 {
		return Label{}
	}
	return Label{params: 1 << uint(index)}
}

// IsTainted reports whether the value carries source taint.
func (l Label) IsTainted() bool { return len(l.traces) > 0 }

// Traces returns the known paths, earliest source first.
func (l Label) Traces() []Trace { return l.traces }

func (l Label) fromParam(index int) bool {
	return index >= 0 && index < 64 && l.params&(1<<uint(index)) != 0
}

func (l Label) empty() bool { return len(l.traces) == 0 && l.params == 0 }

// Merge is the lattice join: the union of traces and parameter origins.
func (l Label) Merge(o Label) Label {
	if o.empty() {
		return l
	}
	if l.empty() {
		return o
	}
	out := Label{params: l.params | o.params}
	if len(o.traces) == 0 {
		out.traces = l.traces
		return out
	}
	if len(l.traces) == 0 {
		out.traces = o.traces
		return out
	}

	seen := make(map[string]bool, len(l.traces)+len(o.traces))
	merged := make([]Trace, 0, len(l.traces)+len(o.traces))
	for _, set := range [][]Trace{l.traces, o.traces} {
		for _, t := range set {
			k := t.key()
			if seen[k] {
				continue
			}
			seen[k] = true
			merged = append(merged, t)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i][0].Range, merged[j][0].Range
		if a.Start.Offset != b.Start.Offset {
			return a.Start.Offset < b.Start.Offset
		}
		return len(merged[i]) < len(merged[j])
	})
	if len(merged) > maxTraces {
		merged = merged[:maxTraces]
	}
	out.traces = merged
	return out
}

// Through appends a hop to every trace.
func (l Label) Through(kind StepKind, r ast.Range) Label {
	if len(l.traces) == 0 {
		return l
	}
	out := Label{params: l.params, traces: make([]Trace, len(l.traces))}
	for i, t := range l.traces {
		out.traces[i] = t.Through(kind, r)
	}
	return out
}

// key identifies the label's content for fixpoint checks.
func (l Label) key() string {
	b := strconv.AppendUint(nil, l.params, 16)
	for _, t := range l.traces {
		b = append(b, '|')
		b = append(b, t.key()...)
	}
	return string(b)
}

// FunctionSummary describes how a same-file function moves taint.
type FunctionSummary struct {
	Name string
	// ParamToReturn marks parameter indexes whose taint reaches the return value.
	ParamToReturn map[int]bool
	// Return holds the source taint the function returns regardless of its arguments.
	Return Label
	// Params is the declared parameter count.
	Params int
	// BoundReceiver marks methods whose first parameter is the receiver (Python's
	// self or cls), which method-call syntax passes implicitly.
	BoundReceiver bool
}

// TaintsReturn reports whether the function returns source taint of its own.
func (s *FunctionSummary) TaintsReturn() bool { return s.Return.IsTainted() }

func newFunctionSummary(name string, params int) *FunctionSummary {
	return &FunctionSummary{Name: name, ParamToReturn: make(map[int]bool), Params: params}
}
