// internal/discovery/discovery_test.go
package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-sast/internal/ast"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, body := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	}
	return root
}

func rel(t *testing.T, root string, files []File) map[string]ast.Language {
	t.Helper()
	out := make(map[string]ast.Language, len(files))
	for _, f := range files {
		r, err := filepath.Rel(root, f.Path)
		require.NoError(t, err)
		out[filepath.ToSlash(r)] = f.Language
	}
	return out
}

func TestWalk(t *testing.T) {
	root := writeTree(t, map[string]string{
		"app/main.go":              "package main",
		"app/handler.py":           "x = 1",
		"web/index.js":             "f()",
		"web/types.ts":             "let a = 1",
		"src/App.java":             "class App {}",
		"README.md":                "# readme",
		"node_modules/lib/x.js":    "f()",
		".git/hooks/pre-commit.py": "x",
		"vendor/dep/dep.go":        "package dep",
	})

	files, err := NewWalker(zap.NewNop(), Options{}).Walk(context.Background(), root)
	require.NoError(t, err)

	want := map[string]ast.Language{
		"app/main.go":    ast.Go,
		"app/handler.py": ast.Python,
		"web/index.js":   ast.JavaScript,
		"web/types.ts":   ast.TypeScript,
		"src/App.java":   ast.Java,
	}
	if diff := cmp.Diff(want, rel(t, root, files)); diff != "" {
		t.Errorf("discovered files mismatch (-want +got):\n%s", diff)
	}
	for i := 1; i < len(files); i++ {
		assert.Less(t, files[i-1].Path, files[i].Path, "files are sorted by path")
	}
	for _, f := range files {
		assert.Positive(t, f.Size)
	}
}

func TestWalk_LanguageFilterAndIgnored(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.go":              "package a",
		"b.py":              "x = 1",
		"vendor/dep/dep.go": "package dep",
	})

	files, err := NewWalker(nil, Options{Languages: []ast.Language{ast.Go}, IncludeIgnored: true}).Walk(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, map[string]ast.Language{"a.go": ast.Go, "vendor/dep/dep.go": ast.Go}, rel(t, root, files))
}

func TestWalk_ExplicitFilesAndDuplicates(t *testing.T) {
	root := writeTree(t, map[string]string{
		"node_modules/pkg/index.js": "f()",
		"notes.txt":                 "x",
	})
	explicit := filepath.Join(root, "node_modules", "pkg", "index.js")

	files, err := NewWalker(zap.NewNop(), Options{}).Walk(context.Background(), explicit, explicit, filepath.Join(root, "notes.txt"))
	require.NoError(t, err)

	require.Len(t, files, 1, "an explicitly named file is kept once, unsupported files are dropped")
	assert.Equal(t, ast.JavaScript, files[0].Language)
}

func TestWalk_Errors(t *testing.T) {
	_, err := NewWalker(zap.NewNop(), Options{}).Walk(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	root := writeTree(t, map[string]string{"a.go": "package a"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewWalker(zap.NewNop(), Options{}).Walk(ctx, root)
	assert.ErrorIs(t, err, context.Canceled)
}
