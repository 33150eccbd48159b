package matcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/scalpel-sast/api/schemas"
	"github.com/xkilldash9x/scalpel-sast/internal/ast"
	"github.com/xkilldash9x/scalpel-sast/internal/parser"
	"github.com/xkilldash9x/scalpel-sast/internal/pattern"
)

type fixture struct {
	parser   *parser.Parser
	compiler *pattern.Compiler
}

func setup(t *testing.T) *fixture {
	t.Helper()
	p := parser.New(zap.NewNop(), parser.Options{})
	return &fixture{parser: p, compiler: pattern.NewCompiler(p)}
}

func (f *fixture) tree(t *testing.T, lang ast.Language, src string) *ast.Tree {
	t.Helper()
	tree, err := f.parser.Parse(context.Background(), "test-file", []byte(src), lang)
	require.NoError(t, err)
	return tree
}

func (f *fixture) pattern(t *testing.T, lang ast.Language, spec string) pattern.Pattern {
	t.Helper()
	var s pattern.Spec
	require.NoError(t, yaml.Unmarshal([]byte(spec), &s))
	p, err := f.compiler.Compile("test-rule", &s, []ast.Language{lang})
	require.NoError(t, err)
	return p
}

func (f *fixture) matches(t *testing.T, lang ast.Language, spec, src string) []Match {
	t.Helper()
	return New(f.tree(t, lang, src), Options{}).Matches(f.pattern(t, lang, spec))
}

func bound(t *testing.T, m Match, name string) string {
	t.Helper()
	b, ok := m.Env.Lookup(name)
	require.True(t, ok, "%s is not bound", name)
	return b.Text
}

func TestMatches_SingleCall(t *testing.T) {
	f := setup(t)

	got := f.matches(t, ast.JavaScript, `pattern: eval($ARG)`, "eval(userInput);\n")

	require.Len(t, got, 1)
	assert.Equal(t, "userInput", bound(t, got[0], "$ARG"))
	assert.Equal(t, 1, got[0].Range.Start.Line)
	assert.Equal(t, 1, got[0].Range.Start.Column)
	assert.Equal(t, "eval(userInput)", got[0].Node.Text())
}

func TestMatches_WhitespaceInsensitive(t *testing.T) {
	f := setup(t)

	got := f.matches(t, ast.Python, `pattern: f(1,2)`, "f(1, 2)\nf( 1 ,\n  2 )\nf(2, 1)\n")
	assert.Len(t, got, 2)
}

func TestMatches_NotInside(t *testing.T) {
	f := setup(t)
	spec := `
patterns:
  - pattern: eval($ARG)
  - pattern-not-inside: function sandbox() { ... }
`
	assert.Empty(t, f.matches(t, ast.JavaScript, spec, "function sandbox(){ eval(x); }\n"))
	assert.Len(t, f.matches(t, ast.JavaScript, spec, "eval(x);\n"), 1)

	mixed := "function sandbox(){ eval(x); }\neval(y);\n"
	lexical := f.matches(t, ast.JavaScript, spec, mixed)
	require.Len(t, lexical, 1)
	assert.Equal(t, "y", bound(t, lexical[0], "$ARG"))

	fileWide := New(f.tree(t, ast.JavaScript, mixed), Options{NotInsideScope: ScopeFile}).
		Matches(f.pattern(t, ast.JavaScript, spec))
	assert.Empty(t, fileWide, "file scope excludes everything once the exclusion matches")
}

func TestMatches_MetavariableComparison(t *testing.T) {
	f := setup(t)
	spec := `
patterns:
  - pattern: foo($N)
  - metavariable-comparison:
      metavariable: $N
      comparison: $N > 100
`
	assert.Len(t, f.matches(t, ast.JavaScript, spec, "foo(150);"), 1)
	assert.Empty(t, f.matches(t, ast.JavaScript, spec, "foo(50);"))
}

func TestMatches_ComparisonSeesConstants(t *testing.T) {
	f := setup(t)
	spec := `
patterns:
  - pattern: foo($N)
  - metavariable-comparison:
      metavariable: $N
      comparison: $N > 100
`
	assert.Len(t, f.matches(t, ast.Python, spec, "x = 150\nfoo(x)\n"), 1)
	assert.Empty(t, f.matches(t, ast.Python, spec, "x = 50\nfoo(x)\n"))
	assert.Empty(t, f.matches(t, ast.Python, spec, "x = 150\nx = y\nfoo(x)\n"), "a reassigned name is not constant")

	m := New(f.tree(t, ast.Python, "x = 150\nfoo(x)\n"), Options{})
	got := m.Matches(f.pattern(t, ast.Python, spec))
	require.Len(t, got, 1)
	assert.Equal(t, "x", bound(t, got[0], "$N"), "the binding keeps its own text")
}

func TestMatches_ComparisonErrorBecomesWarning(t *testing.T) {
	f := setup(t)
	spec := `
patterns:
  - pattern: foo($N)
  - metavariable-comparison:
      comparison: $N > 100
`
	m := New(f.tree(t, ast.JavaScript, `foo("abc");`), Options{})

	assert.Empty(t, m.Matches(f.pattern(t, ast.JavaScript, spec)))
	warnings := m.TakeWarnings()
	require.Len(t, warnings, 1)
	assert.Equal(t, schemas.WarningConstraintEvaluation, warnings[0].Code)
	assert.Equal(t, "test-file", warnings[0].File)
	assert.Empty(t, m.TakeWarnings(), "warnings are drained")
}

func TestMatches_EitherIsUnion(t *testing.T) {
	f := setup(t)
	src := "exec(a);\nspawn(b);\nexec(c);\nrun(d);\n"
	tree := f.tree(t, ast.JavaScript, src)
	m := New(tree, Options{})

	either := m.Matches(f.pattern(t, ast.JavaScript, "pattern-either:\n  - pattern: exec($X)\n  - pattern: spawn($X)\n"))
	left := m.Matches(f.pattern(t, ast.JavaScript, "pattern: exec($X)"))
	right := m.Matches(f.pattern(t, ast.JavaScript, "pattern: spawn($X)"))

	require.Len(t, either, 3)
	assert.Equal(t, len(left)+len(right), len(either))
	assert.Equal(t, []string{"a", "b", "c"}, []string{
		bound(t, either[0], "$X"), bound(t, either[1], "$X"), bound(t, either[2], "$X"),
	}, "union is in source order")
}

func TestMatches_Not(t *testing.T) {
	f := setup(t)
	spec := `
patterns:
  - pattern: exec($X)
  - pattern-not: exec("ls")
`
	got := f.matches(t, ast.JavaScript, spec, "exec(\"ls\");\nexec(cmd);\n")
	require.Len(t, got, 1)
	assert.Equal(t, "cmd", bound(t, got[0], "$X"))
	assert.Equal(t, 1, got[0].Env.Len(), "negation contributes no bindings")
}

func TestMatches_InsideMergesContext(t *testing.T) {
	f := setup(t)
	spec := `
patterns:
  - pattern: eval($X)
  - pattern-inside: |
      function $FN(...) { ... }
`
	got := f.matches(t, ast.JavaScript, spec, "function run(a) { prepare(); eval(a); }\neval(b);\n")

	require.Len(t, got, 1)
	assert.Equal(t, "a", bound(t, got[0], "$X"))
	assert.Equal(t, "run", bound(t, got[0], "$FN"))
}

func TestMatches_NonLinear(t *testing.T) {
	f := setup(t)

	got := f.matches(t, ast.JavaScript, `pattern: $X == $X`, "a == a;\na == b;\n(c.d) == c.d;\n")

	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Range.Start.Line)
	assert.Equal(t, 3, got[1].Range.Start.Line, "redundant parentheses do not matter")
}

func TestMatches_ArgumentEllipsis(t *testing.T) {
	f := setup(t)

	last := f.matches(t, ast.JavaScript, `pattern: foo(..., $LAST)`, "foo(1, 2, 3);\nfoo();\n")
	require.Len(t, last, 1)
	assert.Equal(t, "3", bound(t, last[0], "$LAST"))

	wildcard := f.matches(t, ast.JavaScript, `pattern: foo(...)`, "foo(1, 2, 3);\nfoo();\n")
	assert.Len(t, wildcard, 2, "an ellipsis also matches zero arguments")

	capture := f.matches(t, ast.JavaScript, `pattern: foo($...ARGS)`, "foo(1, 2, 3);\n")
	require.Len(t, capture, 1)
	assert.Equal(t, "1, 2, 3", bound(t, capture[0], "$...ARGS"))
}

func TestMatches_StatementSequence(t *testing.T) {
	f := setup(t)
	spec := "pattern: |\n  $X = source()\n  ...\n  sink($X)\n"
	src := "x = source();\nlog(x);\nsink(x);\ny = source();\nsink(z);\n"

	got := f.matches(t, ast.JavaScript, spec, src)

	require.Len(t, got, 1)
	assert.Equal(t, "x", bound(t, got[0], "$X"))
	assert.Equal(t, 1, got[0].Range.Start.Line)
	assert.Equal(t, 3, got[0].Range.End.Line)
}

func TestMatches_StatementSequenceReachesNestedBlocks(t *testing.T) {
	f := setup(t)
	spec := "pattern: |\n  $X = source()\n  ...\n  sink($X)\n"

	src := "def f():\n    x = source()\n    if c:\n        sink(x)\n"
	got := f.matches(t, ast.Python, spec, src)
	require.Len(t, got, 1)
	assert.Equal(t, "x", bound(t, got[0], "$X"))
	assert.Equal(t, 2, got[0].Range.Start.Line)
	assert.Equal(t, 4, got[0].Range.End.Line)

	jsSrc := "x = source();\nwhile (c) {\n  if (d) { sink(x); }\n}\n"
	assert.Len(t, f.matches(t, ast.JavaScript, spec, jsSrc), 1, "blocks are searched at any depth")

	closure := "def f():\n    x = source()\n    def g():\n        sink(x)\n"
	assert.Empty(t, f.matches(t, ast.Python, spec, closure), "nested functions are not entered")
}

func TestMatches_Focus(t *testing.T) {
	f := setup(t)
	spec := `
patterns:
  - pattern: hash($ALG, $DATA)
  - focus-metavariable: $DATA
`
	got := f.matches(t, ast.JavaScript, spec, "hash(\"md5\", payload);\n")

	require.Len(t, got, 1)
	assert.Equal(t, 13, got[0].Range.Start.Column)
	assert.Equal(t, "payload", got[0].Node.Text())
}

func TestMatches_MetavariableRegexAndPatternRegex(t *testing.T) {
	f := setup(t)
	spec := `
patterns:
  - pattern: $H.digest($D)
  - metavariable-regex:
      metavariable: $H
      regex: ^(md5|sha1)$
`
	got := f.matches(t, ast.JavaScript, spec, "md5.digest(a);\nsha256.digest(b);\n")
	require.Len(t, got, 1)
	assert.Equal(t, "a", bound(t, got[0], "$D"))

	rx := f.matches(t, ast.JavaScript, `pattern-regex: AKIA[0-9A-Z]{4}`, "const key = \"AKIA1234\";\n")
	require.Len(t, rx, 1)
	assert.Equal(t, 1, rx[0].Range.Start.Line)
	assert.Equal(t, 14, rx[0].Range.Start.Column)
}

func TestMatches_MetavariablePattern(t *testing.T) {
	f := setup(t)
	spec := `
patterns:
  - pattern: run($CMD)
  - metavariable-pattern:
      metavariable: $CMD
      pattern: input()
`
	got := f.matches(t, ast.Python, spec, "run(input())\nrun(\"ls\")\nrun(x + input())\n")
	assert.Len(t, got, 2)
}

func TestMatches_Idempotent(t *testing.T) {
	f := setup(t)
	p := f.pattern(t, ast.JavaScript, "pattern-either:\n  - pattern: exec($X)\n  - pattern: eval($X)\n")
	tree := f.tree(t, ast.JavaScript, "exec(a); eval(b); exec(c);")

	first := New(tree, Options{}).Matches(p)
	second := New(tree, Options{}).Matches(p)

	require.Len(t, first, 3)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.True(t, first[i].Range.Equal(second[i].Range))
		assert.Equal(t, first[i].Env.Key(), second[i].Env.Key())
	}
}

func TestMatches_BudgetExceeded(t *testing.T) {
	f := setup(t)
	m := New(f.tree(t, ast.JavaScript, "foo(1, 2, 3);"), Options{Budget: 1, Now: time.Now()})

	assert.Empty(t, m.Matches(f.pattern(t, ast.JavaScript, `pattern: foo(..., 3)`)))
	warnings := m.TakeWarnings()
	require.NotEmpty(t, warnings)
	assert.Equal(t, schemas.WarningMatchBudget, warnings[0].Code)
}

func TestMatches_LanguageMismatchYieldsNothing(t *testing.T) {
	f := setup(t)
	p := f.pattern(t, ast.Python, `pattern: eval($X)`)

	assert.Empty(t, New(f.tree(t, ast.JavaScript, "eval(x);"), Options{}).Matches(p))
}

func TestParseNotInsideScope(t *testing.T) {
	scope, err := ParseNotInsideScope("")
	require.NoError(t, err)
	assert.Equal(t, ScopeLexical, scope)

	scope, err = ParseNotInsideScope("file")
	require.NoError(t, err)
	assert.Equal(t, ScopeFile, scope)

	_, err = ParseNotInsideScope("global")
	assert.Error(t, err)
}
