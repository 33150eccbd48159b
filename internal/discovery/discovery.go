// internal/discovery/discovery.go
package discovery

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-sast/internal/ast"
)

// File is one source file queued for analysis.
type File struct {
	Path     string
	Language ast.Language
	Size     int64
	// Content, when set, is analyzed instead of reading Path.
	Content []byte
}

// ignoredDirs are never descended into: dependency caches and VCS metadata.
var ignoredDirs = map[string]struct{}{
	".git":         {},
	".hg":          {},
	".svn":         {},
	".venv":        {},
	".tox":         {},
	".idea":        {},
	".vscode":      {},
	"__pycache__":  {},
	"node_modules": {},
	"vendor":       {},
	"venv":         {},
	"target":       {},
	"build":        {},
	"dist":         {},
}

// Options narrows a walk.
type Options struct {
	// Languages limits discovery to these languages; empty means all supported.
	Languages []ast.Language
	// IncludeIgnored descends into the default ignored directories too.
	IncludeIgnored bool
}

// Walker finds analyzable files under a set of roots.
type Walker struct {
	opts   Options
	logger *zap.Logger
}

// NewWalker creates a Walker.
func NewWalker(logger *zap.Logger, opts Options) *Walker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Walker{opts: opts, logger: logger.Named("discovery")}
}

// Walk returns every file under roots with a recognized extension, sorted by path
// and without duplicates. A root may itself be a file, in which case it is kept
// even when its directory would be ignored.
func (w *Walker) Walk(ctx context.Context, roots ...string) ([]File, error) {
	want := make(map[ast.Language]bool, len(w.opts.Languages))
	for _, l := range w.opts.Languages {
		want[l] = true
	}
	accept := func(path string) (ast.Language, bool) {
		lang, ok := ast.DetectLanguage(path)
		if !ok || (len(want) > 0 && !want[lang]) {
			return "", false
		}
		return lang, true
	}

	seen := make(map[string]bool)
	var out []File
	add := func(path string, lang ast.Language, size int64) {
		clean := filepath.Clean(path)
		if seen[clean] {
			return
		}
		seen[clean] = true
		out = append(out, File{Path: clean, Language: lang, Size: size})
	}

	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("cannot scan %s: %w", root, err)
		}
		if !info.IsDir() {
			if lang, ok := accept(root); ok {
				add(root, lang, info.Size())
			} else {
				w.logger.Debug("Skipping file with unsupported extension.", zap.String("path", root))
			}
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// Unreadable subtrees are logged and skipped, not fatal.
				w.logger.Warn("Cannot read path, skipping.", zap.String("path", path), zap.Error(err))
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if d.IsDir() {
				if path != root && w.ignored(d.Name()) {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			lang, ok := accept(path)
			if !ok {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			add(path, lang, info.Size())
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	w.logger.Info("Discovered source files.", zap.Int("files", len(out)), zap.Strings("roots", roots))
	return out, nil
}

func (w *Walker) ignored(name string) bool {
	if w.opts.IncludeIgnored {
		return false
	}
	if _, ok := ignoredDirs[name]; ok {
		return true
	}
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}
