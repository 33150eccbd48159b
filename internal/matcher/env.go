package matcher

import (
	"sort"
	"strings"

	"github.com/xkilldash9x/scalpel-sast/internal/ast"
)

// Binding is what one metavariable captured.
type Binding struct {
	Name string
	// Node is set for single-node bindings.
	Node ast.Node
	// Nodes is set for $...X captures and may be empty.
	Nodes []ast.Node
	Range ast.Range
	// Text is the exact source text; Normalized is compared for non-linear patterns.
	Text       string
	Normalized string
}

// Env is an immutable binding environment. Bind and Merge return new values and
// leave the receiver untouched, so environments can be shared across branches of
// the search.
type Env struct {
	bindings []Binding // sorted by Name
}

// Len is the number of bindings.
func (e Env) Len() int { return len(e.bindings) }

// Bindings returns the bindings sorted by name. The slice must not be modified.
func (e Env) Bindings() []Binding { return e.bindings }

// Lookup finds a binding by name.
func (e Env) Lookup(name string) (Binding, bool) {
	i := sort.Search(len(e.bindings), func(i int) bool { return e.bindings[i].Name >= name })
	if i < len(e.bindings) && e.bindings[i].Name == name {
		return e.bindings[i], true
	}
	return Binding{}, false
}

// Bind adds b. If the name is already bound, the environment is returned unchanged
// when the normalized texts agree, and ok is false when they do not.
func (e Env) Bind(b Binding) (Env, bool) {
	i := sort.Search(len(e.bindings), func(i int) bool { return e.bindings[i].Name >= b.Name })
	if i < len(e.bindings) && e.bindings[i].Name == b.Name {
		return e, e.bindings[i].Normalized == b.Normalized
	}
	out := make([]Binding, 0, len(e.bindings)+1)
	out = append(out, e.bindings[:i]...)
	out = append(out, b)
	out = append(out, e.bindings[i:]...)
	return Env{bindings: out}, true
}

// Merge combines two environments. It fails when a shared name is bound to
// different normalized text. Bindings of the receiver win on shared names.
func (e Env) Merge(o Env) (Env, bool) {
	if len(o.bindings) == 0 {
		return e, true
	}
	if len(e.bindings) == 0 {
		return o, true
	}
	out := make([]Binding, 0, len(e.bindings)+len(o.bindings))
	i, j := 0, 0
	for i < len(e.bindings) && j < len(o.bindings) {
		a, b := e.bindings[i], o.bindings[j]
		switch {
		case a.Name == b.Name:
			if a.Normalized != b.Normalized {
				return Env{}, false
			}
			out = append(out, a)
			i++
			j++
		case a.Name < b.Name:
			out = append(out, a)
			i++
		default:
			out = append(out, b)
			j++
		}
	}
	out = append(out, e.bindings[i:]...)
	out = append(out, o.bindings[j:]...)
	return Env{bindings: out}, true
}

// Consistent reports whether the two environments agree on every shared name.
func (e Env) Consistent(o Env) bool {
	_, ok := e.Merge(o)
	return ok
}

// Texts maps each bound name to its source text.
func (e Env) Texts() map[string]string {
	out := make(map[string]string, len(e.bindings))
	for _, b := range e.bindings {
		out[b.Name] = b.Text
	}
	return out
}

// Key is a canonical string for deduplication.
func (e Env) Key() string {
	var sb strings.Builder
	for _, b := range e.bindings {
		sb.WriteString(b.Name)
		sb.WriteByte('=')
		sb.WriteString(b.Normalized)
		sb.WriteByte(0)
	}
	return sb.String()
}

func bindNode(name string, n ast.Node) Binding {
	return Binding{
		Name:       name,
		Node:       n,
		Range:      n.Range(),
		Text:       n.Text(),
		Normalized: ast.NormalizedText(n),
	}
}

func bindNodes(name string, nodes []ast.Node, source []byte) Binding {
	b := Binding{Name: name, Nodes: nodes}
	if len(nodes) == 0 {
		return b
	}
	b.Range = nodes[0].Range().Span(nodes[len(nodes)-1].Range())
	if start, end := b.Range.Start.Offset, b.Range.End.Offset; start >= 0 && end <= len(source) && start <= end {
		b.Text = string(source[start:end])
	}
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = ast.NormalizedText(n)
	}
	b.Normalized = strings.Join(parts, " ")
	return b
}
