package taint

import (
	"sort"
	"strings"

	"github.com/xkilldash9x/scalpel-sast/internal/ast"
	"github.com/xkilldash9x/scalpel-sast/internal/dataflow"
	"github.com/xkilldash9x/scalpel-sast/internal/matcher"
)

// walkerMode selects between computing summaries and reporting flows.
type walkerMode int

const (
	modeAnalyze walkerMode = iota
	modeSummarize
)

// maxLoopPasses bounds how often a loop body is re-walked while its environment
// keeps changing.
const maxLoopPasses = 8

// loopTypes are the grammar types whose body may run more than once.
var loopTypes = map[string]bool{
	"for_statement":          true,
	"for_in_statement":       true,
	"enhanced_for_statement": true,
	"while_statement":        true,
	"do_statement":           true,
}

// walker interprets one unit: the file top level or a single function body.
// Nested functions are separate units and are skipped.
type walker struct {
	idx       *index
	summaries map[string]*FunctionSummary
	mode      walkerMode

	// env maps access paths ("x", "req.body") to labels. Clean labels are stored
	// explicitly so that a reassigned field shadows a tainted prefix.
	env         map[string]Label
	branchDepth int
	returned    Label
	flows       []Flow
	reported    map[rangeKey]bool
}

func newWalker(idx *index, summaries map[string]*FunctionSummary, mode walkerMode) *walker {
	return &walker{
		idx:       idx,
		summaries: summaries,
		mode:      mode,
		env:       make(map[string]Label),
		reported:  make(map[rangeKey]bool),
	}
}

// runFunction walks fn with its parameters bound. In summarize mode every
// parameter carries a symbolic origin; in analyze mode only parameters matched by
// a source are tainted.
func (w *walker) runFunction(fn ast.Node) {
	for i, param := range dataflow.Parameters(fn) {
		name := dataflow.ParameterName(param)
		if name == "" {
			continue
		}
		label := Label{}
		if w.mode == modeSummarize {
			label = paramLabel(i)
		}
		if src, ok := w.idx.source(param); ok {
			label = label.Merge(src)
		} else if id := ast.ChildByRole(param, ast.RoleName); id != nil {
			if src, ok := w.idx.source(id); ok {
				label = label.Merge(src)
			}
		}
		w.env[name] = label
	}

	body := ast.ChildByRole(fn, ast.RoleBody)
	if body == nil {
		return
	}
	if body.Kind() != ast.KindBlock {
		// Expression-bodied lambdas return their body.
		w.visitChildren(body)
		w.check(body)
		w.returned = w.returned.Merge(w.eval(body))
		return
	}
	w.walk(body)
}

// runTopLevel walks the program outside of any function.
func (w *walker) runTopLevel(root ast.Node) {
	w.walk(root)
}

func (w *walker) walk(n ast.Node) {
	if n == nil || !n.Named() {
		return
	}
	switch n.Kind() {
	case ast.KindFunction:
		return

	case ast.KindBranch:
		w.branchDepth++
		if !loopTypes[n.Type()] {
			w.branch(n)
			w.branchDepth--
			return
		}
		// Values carried from one iteration to the next need the body walked again,
		// until the environment stops changing.
		for pass := 0; pass < maxLoopPasses; pass++ {
			before := w.fingerprint()
			w.branch(n)
			if w.fingerprint() == before {
				break
			}
		}
		w.branchDepth--
		return

	case ast.KindAssignment, ast.KindDeclaration:
		target := ast.ChildByRole(n, ast.RoleTarget)
		value := ast.ChildByRole(n, ast.RoleValue)
		w.check(n)
		if value != nil {
			w.walk(value)
		}
		if target == nil || value == nil {
			return
		}
		compound := dataflow.IsCompound(n)
		label := w.eval(value)
		if compound {
			label = label.Merge(w.eval(target))
		}
		w.assign(target, label, compound || w.branchDepth > 0)
		return

	case ast.KindReturn:
		w.check(n)
		w.visitChildren(n)
		for _, c := range ast.NamedChildren(n) {
			w.returned = w.returned.Merge(w.eval(c))
		}
		return
	}

	w.check(n)
	w.visitChildren(n)
}

func (w *walker) branch(n ast.Node) {
	if target, value := ast.ChildByRole(n, ast.RoleTarget), ast.ChildByRole(n, ast.RoleValue); target != nil && value != nil {
		// Loop headers such as `for x in items` bind on every iteration.
		w.walk(value)
		w.assign(target, w.eval(value), true)
	}
	w.visitChildren(n)
}

// fingerprint renders the environment so two states can be compared.
func (w *walker) fingerprint() string {
	keys := make([]string, 0, len(w.env))
	for k := range w.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(w.env[k].key())
		sb.WriteByte(0)
	}
	return sb.String()
}

func (w *walker) visitChildren(n ast.Node) {
	for _, c := range n.Children() {
		w.walk(c)
	}
}

// check applies propagators and sinks anchored at n.
func (w *walker) check(n ast.Node) {
	key := keyOf(n.Range())
	for _, p := range w.idx.propagators[key] {
		from, ok := p.match.Env.Lookup(p.from)
		if !ok {
			continue
		}
		to, ok := p.match.Env.Lookup(p.to)
		if !ok || to.Node == nil {
			continue
		}
		label := w.evalBinding(from)
		if label.empty() {
			continue
		}
		path := accessPath(to.Node)
		if path == "" || w.idx.constant(to.Node) {
			continue
		}
		w.env[path] = w.lookup(path).Merge(label.Through(StepPropagator, p.match.Range))
	}

	if w.mode != modeAnalyze || w.reported[key] {
		return
	}
	for _, sink := range w.idx.sinks[key] {
		label := w.sinkLabel(n, sink)
		if !label.IsTainted() {
			continue
		}
		w.reported[key] = true
		trace := label.Traces()[0].Through(StepSink, sink.Range)
		w.flows = append(w.flows, Flow{Sink: sink, Trace: trace})
		return
	}
}

// sinkLabel evaluates the sink's bound metavariables, or the sink node itself when
// the sink pattern binds nothing.
func (w *walker) sinkLabel(n ast.Node, sink matcher.Match) Label {
	bindings := sink.Env.Bindings()
	if len(bindings) == 0 {
		return w.eval(n)
	}
	var label Label
	for _, b := range bindings {
		label = label.Merge(w.evalBinding(b))
	}
	return label
}

func (w *walker) evalBinding(b matcher.Binding) Label {
	if b.Node != nil {
		return w.eval(b.Node)
	}
	var label Label
	for _, n := range b.Nodes {
		label = label.Merge(w.eval(n))
	}
	return label
}

// eval computes the label of an expression without changing the environment.
func (w *walker) eval(n ast.Node) Label {
	if n == nil {
		return Label{}
	}
	if w.idx.sanitized(n) {
		return Label{}
	}
	if src, ok := w.idx.source(n); ok {
		return src
	}

	switch n.Kind() {
	case ast.KindFunction:
		return Label{}
	case ast.KindIdentifier:
		if w.idx.constant(n) {
			return Label{}
		}
		return w.lookup(n.Text())
	case ast.KindFieldAccess:
		if path := accessPath(n); path != "" {
			return w.lookup(path)
		}
		return w.evalChildren(n)
	case ast.KindCall:
		return w.evalCall(n)
	case ast.KindAssignment, ast.KindDeclaration:
		return w.eval(ast.ChildByRole(n, ast.RoleValue))
	}
	if len(n.Children()) == 0 {
		return Label{}
	}
	return w.evalChildren(n)
}

func (w *walker) evalChildren(n ast.Node) Label {
	var label Label
	for _, c := range n.Children() {
		if c.Named() {
			label = label.Merge(w.eval(c))
		}
	}
	return label
}

// evalCall uses a same-file summary when one exists; otherwise the result is the
// join of the receiver and the arguments.
func (w *walker) evalCall(call ast.Node) Label {
	summary := w.summaries[calleeName(call)]
	if summary == nil {
		return w.evalChildren(call)
	}

	label := summary.Return.Through(StepCall, call.Range())
	args := arguments(call)
	offset := 0
	if summary.BoundReceiver && len(args) < summary.Params {
		if callee := ast.ChildByRole(call, ast.RoleCallee); callee != nil && callee.Kind() == ast.KindFieldAccess {
			// obj.method(a) passes obj as the first parameter.
			offset = 1
			if summary.ParamToReturn[0] {
				label = label.Merge(w.eval(ast.ChildByRole(callee, ast.RoleObject)).Through(StepCall, call.Range()))
			}
		}
	}
	for i, arg := range args {
		if !summary.ParamToReturn[i+offset] {
			continue
		}
		label = label.Merge(w.eval(arg).Through(StepCall, call.Range()))
	}
	return label
}

// lookup resolves an access path, falling back to the longest known prefix.
func (w *walker) lookup(path string) Label {
	for {
		if label, ok := w.env[path]; ok {
			return label
		}
		i := strings.LastIndexByte(path, '.')
		if i < 0 {
			return Label{}
		}
		path = path[:i]
	}
}

// assign updates a target. A strong update replaces the label and forgets
// tracked sub-paths; a weak update joins.
func (w *walker) assign(target ast.Node, label Label, weak bool) {
	if target.Kind() == ast.KindList {
		for _, t := range ast.NamedChildren(target) {
			w.assign(t, label, weak)
		}
		return
	}
	path := accessPath(target)
	if path == "" {
		if target.Kind() != ast.KindFieldAccess {
			// Destructuring patterns taint every name they introduce.
			ast.Walk(target, func(n ast.Node) bool {
				if n.Kind() == ast.KindIdentifier && n.Role() != ast.RoleName {
					w.env[n.Text()] = w.lookup(n.Text()).Merge(label)
				}
				return true
			})
		}
		return
	}
	if weak || ast.ChildByRole(target, ast.RoleIndex) != nil {
		w.env[path] = w.lookup(path).Merge(label)
		return
	}
	prefix := path + "."
	for k := range w.env {
		if strings.HasPrefix(k, prefix) {
			delete(w.env, k)
		}
	}
	w.env[path] = label
}

// accessPath renders identifiers and static field accesses as dotted paths.
// Index expressions collapse onto their object. Anything else has no path.
func accessPath(n ast.Node) string {
	switch n.Kind() {
	case ast.KindIdentifier:
		return n.Text()
	case ast.KindFieldAccess:
		obj := ast.ChildByRole(n, ast.RoleObject)
		if obj == nil {
			named := ast.NamedChildren(n)
			if len(named) == 0 {
				return ""
			}
			obj = named[0]
		}
		base := accessPath(obj)
		if base == "" {
			return ""
		}
		if name := ast.ChildByRole(n, ast.RoleName); name != nil && len(name.Children()) == 0 {
			return base + "." + name.Text()
		}
		return base
	}
	return ""
}

func arguments(call ast.Node) []ast.Node {
	args := ast.ChildByRole(call, ast.RoleArguments)
	if args == nil {
		return nil
	}
	return ast.NamedChildren(args)
}

// calleeName is the simple name a call resolves to: the identifier itself, or the
// member name for method calls.
func calleeName(call ast.Node) string {
	callee := ast.ChildByRole(call, ast.RoleCallee)
	if callee == nil {
		if name := ast.ChildByRole(call, ast.RoleName); name != nil {
			return name.Text()
		}
		return ""
	}
	if callee.Kind() == ast.KindIdentifier {
		return callee.Text()
	}
	if name := ast.ChildByRole(callee, ast.RoleName); name != nil && len(name.Children()) == 0 {
		return name.Text()
	}
	return ""
}

// functionName returns the declared name of a function node, if any.
func functionName(fn ast.Node) string {
	if name := ast.ChildByRole(fn, ast.RoleName); name != nil && len(name.Children()) == 0 {
		return name.Text()
	}
	return ""
}
