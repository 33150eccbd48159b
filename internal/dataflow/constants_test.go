package dataflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-sast/internal/ast"
	"github.com/xkilldash9x/scalpel-sast/internal/parser"
)

func resolve(t *testing.T, lang ast.Language, src string) (*ast.Tree, *Constants) {
	t.Helper()
	tree, err := parser.New(zap.NewNop(), parser.Options{}).Parse(context.Background(), "input", []byte(src), lang)
	require.NoError(t, err)
	return tree, ResolveConstants(tree.Root)
}

// lastUse finds the last identifier named name.
func lastUse(tree *ast.Tree, name string) ast.Node {
	var found ast.Node
	ast.Walk(tree.Root, func(n ast.Node) bool {
		if n.Kind() == ast.KindIdentifier && n.Text() == name {
			found = n
		}
		return true
	})
	return found
}

func TestConstants_Lookup(t *testing.T) {
	tests := []struct {
		name  string
		lang  ast.Language
		src   string
		ident string
		want  string
	}{
		{"python literal", ast.Python, "x = 150\nfoo(x)\n", "x", "150"},
		{"python string", ast.Python, "cmd = 'ls'\nos.system(cmd)\n", "cmd", "'ls'"},
		{"javascript declaration", ast.JavaScript, "const limit = 10;\nf(limit);\n", "limit", "10"},
		{"java declarator", ast.Java, "class A { void m() { int n = 7; f(n); } }\n", "n", "7"},
		{"go const", ast.Go, "package p\nconst size = 42\nfunc f() { g(size) }\n", "size", "42"},
		{"go short declaration", ast.Go, "package p\nfunc f() { a, b := 1, \"x\"; g(b); h(a) }\n", "b", "\"x\""},
		{"module constant in function", ast.Python, "CMD = 'ls'\ndef run():\n    os.system(CMD)\n", "CMD", "'ls'"},
		{"reassigned", ast.Python, "x = 1\nx = 2\nfoo(x)\n", "x", ""},
		{"assigned from call", ast.Python, "x = source()\nfoo(x)\n", "x", ""},
		{"compound", ast.JavaScript, "var x = 1;\nx += 2;\nf(x);\n", "x", ""},
		{"increment", ast.JavaScript, "let i = 0;\ni++;\nf(i);\n", "i", ""},
		{"loop target", ast.Python, "x = 1\nfor x in items:\n    foo(x)\n", "x", ""},
		{"written by nested function", ast.JavaScript, "var x = 1;\nfunction g() { x = read(); }\nf(x);\n", "x", ""},
		{"parameter", ast.Python, "def f(x):\n    foo(x)\n", "x", ""},
		{"template with substitution", ast.JavaScript, "var s = `a${b}`;\nf(s);\n", "s", ""},
		{"unknown name", ast.Python, "foo(x)\n", "x", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree, consts := resolve(t, tt.lang, tt.src)
			id := lastUse(tree, tt.ident)
			require.NotNil(t, id, "identifier %s", tt.ident)

			lit, ok := consts.Lookup(id)
			if tt.want == "" {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.want, lit.Text())
		})
	}
}

func TestConstants_IgnoresPropertyNames(t *testing.T) {
	tree, consts := resolve(t, ast.JavaScript, "var name = 'a';\nf(o.name);\n")

	var prop ast.Node
	ast.Walk(tree.Root, func(n ast.Node) bool {
		if n.Kind() == ast.KindIdentifier && n.Text() == "name" && n.Role() == ast.RoleName {
			prop = n
		}
		return true
	})
	if prop != nil {
		_, ok := consts.Lookup(prop)
		assert.False(t, ok)
	}
	_, ok := consts.Lookup(nil)
	assert.False(t, ok)
	_, ok = (*Constants)(nil).Lookup(lastUse(tree, "name"))
	assert.False(t, ok)
}
