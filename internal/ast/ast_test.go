package ast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rng(start, end int) Range {
	return Range{Start: Position{Offset: start}, End: Position{Offset: end}}
}

func TestRange_ContainsAndIntersect(t *testing.T) {
	outer, inner := rng(0, 10), rng(2, 5)

	assert.True(t, outer.Contains(inner))
	assert.True(t, outer.Contains(outer), "a range contains itself")
	assert.False(t, inner.Contains(outer))

	got, ok := rng(0, 5).Intersect(rng(3, 8))
	require.True(t, ok)
	assert.Equal(t, 3, got.Start.Offset)
	assert.Equal(t, 5, got.End.Offset)

	_, ok = rng(0, 3).Intersect(rng(3, 8))
	assert.False(t, ok, "touching ranges do not overlap")

	span := rng(4, 6).Span(rng(1, 5))
	assert.Equal(t, 1, span.Start.Offset)
	assert.Equal(t, 6, span.End.Offset)
}

func TestRange_BeforeIsPreOrder(t *testing.T) {
	parent, child, sibling := rng(0, 10), rng(0, 4), rng(5, 9)
	assert.True(t, parent.Before(child))
	assert.True(t, child.Before(sibling))
	assert.False(t, sibling.Before(parent))
}

func TestTree_PositionAt(t *testing.T) {
	src := []byte("ab\ncd\n\nef")
	tree := NewTree("f.js", JavaScript, src, Builder{}.Number(Builder{}.New(Spec{Type: "program", Named: true})))

	assert.Equal(t, Position{Line: 1, Column: 1, Offset: 0}, tree.PositionAt(0))
	assert.Equal(t, Position{Line: 2, Column: 2, Offset: 4}, tree.PositionAt(4))
	assert.Equal(t, Position{Line: 4, Column: 1, Offset: 7}, tree.PositionAt(7))
	assert.Equal(t, "cd", tree.Slice(tree.RangeOf(3, 5)))
}

func TestNormalizedText_IgnoresLayout(t *testing.T) {
	b := Builder{}
	leaf := func(typ, text string, named bool) *Element {
		return b.New(Spec{Type: typ, Text: text, Named: named, Kind: KindIdentifier})
	}
	// f ( 1 , 2 ) after punctuation removal is "f 1 2"
	call := b.New(Spec{Type: "call", Kind: KindCall, Named: true, Text: "f(1,  2)", Children: []*Element{
		leaf("identifier", "f", true),
		b.New(Spec{Type: "arguments", Named: true, Text: "(1,  2)", Children: []*Element{
			leaf("number", "1", true), leaf("number", "2", true),
		}}),
	}})
	b.Number(call)

	assert.Equal(t, "f 1 2", NormalizedText(call))
	assert.Equal(t, 0, call.ID())
	assert.Equal(t, 3, call.Children()[1].Children()[0].ID())
}

func TestChildByRoleAndNamedChildren(t *testing.T) {
	b := Builder{}
	target := b.New(Spec{Type: "identifier", Role: RoleTarget, Named: true, Text: "x"})
	op := b.New(Spec{Type: "=", Text: "="})
	value := b.New(Spec{Type: "number", Role: RoleValue, Named: true, Text: "1"})
	assign := b.New(Spec{Type: "assignment", Kind: KindAssignment, Named: true, Children: []*Element{target, op, value}})

	assert.Equal(t, Node(value), ChildByRole(assign, RoleValue))
	assert.Nil(t, ChildByRole(assign, RoleCallee))
	assert.Len(t, NamedChildren(assign), 2)
}

func TestLanguages(t *testing.T) {
	for alias, want := range map[string]Language{"JS": JavaScript, "golang": Go, " py ": Python, "Java": Java, "ts": TypeScript} {
		got, err := ParseLanguage(alias)
		require.NoError(t, err, alias)
		assert.Equal(t, want, got)
	}
	_, err := ParseLanguage("cobol")
	assert.Error(t, err)

	lang, ok := DetectLanguage("src/App.JSX")
	assert.True(t, ok)
	assert.Equal(t, JavaScript, lang)
	_, ok = DetectLanguage("README.md")
	assert.False(t, ok)
}
