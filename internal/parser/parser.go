// Package parser adapts tree-sitter grammars to the language-neutral ast package.
// It is the only place that knows concrete grammar node types.
package parser

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-sast/internal/ast"
)

// ErrUnsupportedLanguage is returned for languages without a registered grammar.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// ParseError reports a file that could not be turned into a tree.
type ParseError struct {
	Path     string
	Language ast.Language
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s (%s): %v", e.Path, e.Language, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Options tunes how syntax errors are treated.
type Options struct {
	// Strict turns any recovered syntax error into a ParseError.
	Strict bool
}

// Parser produces normalized trees. It is safe for concurrent use; each call
// creates its own tree-sitter parser because those are not goroutine-safe.
type Parser struct {
	logger *zap.Logger
	opts   Options
}

// New creates a Parser.
func New(logger *zap.Logger, opts Options) *Parser {
	return &Parser{
		logger: logger.Named("parser"),
		opts:   opts,
	}
}

// Parse turns source text into a normalized tree.
func (p *Parser) Parse(ctx context.Context, path string, source []byte, lang ast.Language) (*ast.Tree, error) {
	prof, ok := profiles[lang]
	if !ok {
		return nil, &ParseError{Path: path, Language: lang, Err: ErrUnsupportedLanguage}
	}

	tsParser := sitter.NewParser()
	defer tsParser.Close()
	tsParser.SetLanguage(prof.grammar())

	tsTree, err := tsParser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, &ParseError{Path: path, Language: lang, Err: err}
	}
	if tsTree == nil {
		return nil, &ParseError{Path: path, Language: lang, Err: errors.New("parser returned no tree")}
	}
	defer tsTree.Close()

	root := tsTree.RootNode()
	hasErrors := root.HasError()
	if hasErrors {
		if p.opts.Strict {
			return nil, &ParseError{Path: path, Language: lang, Err: errors.New("source contains syntax errors")}
		}
		// Continue on the partial tree; error nodes simply never match.
		p.logger.Warn("Syntax errors detected, analysis may be incomplete.",
			zap.String("file", path), zap.String("language", lang.String()))
	}

	c := converter{profile: prof, source: string(source)}
	element := c.convert(root, "", ast.RoleNone)
	if element == nil {
		element = ast.Builder{}.New(ast.Spec{Kind: ast.KindProgram, Type: root.Type(), Named: true})
	}
	tree := ast.NewTree(path, lang, source, ast.Builder{}.Number(element))
	tree.HasErrors = hasErrors
	return tree, nil
}

// ParseSnippet parses pattern text. The snippet is tried as-is, with a trailing
// terminator, and inside each of the language's wrappers until a parse is clean.
// It returns the maximal nodes covering the snippet in source order.
func (p *Parser) ParseSnippet(text string, lang ast.Language) ([]ast.Node, error) {
	prof, ok := profiles[lang]
	if !ok {
		return nil, ErrUnsupportedLanguage
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("empty pattern")
	}

	bodies := []string{text}
	if prof.terminated && !strings.HasSuffix(text, ";") && !strings.HasSuffix(text, "}") {
		bodies = append(bodies, text+";")
	}

	tsParser := sitter.NewParser()
	defer tsParser.Close()
	tsParser.SetLanguage(prof.grammar())

	for _, w := range prof.wrappers {
		for _, body := range bodies {
			src := w.prefix + body + w.suffix
			nodes, ok := p.parseWrapped(tsParser, prof, src, len(w.prefix), len(w.prefix)+len(body))
			if ok {
				return nodes, nil
			}
		}
	}
	return nil, fmt.Errorf("not valid %s syntax", lang)
}

func (p *Parser) parseWrapped(tsParser *sitter.Parser, prof *profile, src string, lo, hi int) ([]ast.Node, bool) {
	tsTree, err := tsParser.ParseCtx(context.Background(), nil, []byte(src))
	if err != nil || tsTree == nil {
		return nil, false
	}
	defer tsTree.Close()
	root := tsTree.RootNode()
	if root.HasError() {
		return nil, false
	}

	c := converter{profile: prof, source: src}
	element := c.convert(root, "", ast.RoleNone)
	if element == nil {
		return nil, false
	}
	ast.Builder{}.Number(element)

	var nodes []ast.Node
	var collect func(n ast.Node)
	collect = func(n ast.Node) {
		r := n.Range()
		if r.Start.Offset >= lo && r.End.Offset <= hi && n != ast.Node(element) {
			nodes = append(nodes, n)
			return
		}
		if r.End.Offset <= lo || r.Start.Offset >= hi {
			return
		}
		for _, child := range n.Children() {
			collect(child)
		}
	}
	collect(element)

	if len(nodes) == 0 {
		return nil, false
	}
	if len(nodes) == 1 {
		nodes[0] = unwrapStatement(nodes[0])
	}
	return nodes, true
}

// unwrapStatement reduces an expression statement to its expression, so that `foo(x);`
// matches the call wherever it appears.
func unwrapStatement(n ast.Node) ast.Node {
	if n.Type() != "expression_statement" {
		return n
	}
	named := ast.NamedChildren(n)
	if len(named) != 1 {
		return n
	}
	return named[0]
}

// converter walks a tree-sitter tree once and builds the normalized element tree.
type converter struct {
	profile *profile
	source  string
}

func (c *converter) convert(n *sitter.Node, parentType string, role ast.Role) *ast.Element {
	if n == nil || n.IsNull() {
		return nil
	}
	typ := n.Type()
	named := n.IsNamed()
	if n.IsMissing() || c.profile.dropped(typ, named) {
		return nil
	}

	var children []*ast.Element
	count := int(n.ChildCount())
	for i := 0; i < count; i++ {
		child := n.Child(i)
		if child == nil {
			continue
		}
		childRole := c.profile.roleFor(typ, n.FieldNameForChild(i))
		if el := c.convert(child, typ, childRole); el != nil {
			children = append(children, el)
		}
	}

	if c.profile.collapse[typ] {
		if inner := onlyNamed(children); inner != nil {
			return ast.Builder{}.WithRole(inner, role)
		}
	}

	start, end := int(n.StartByte()), int(n.EndByte())
	sp, ep := n.StartPoint(), n.EndPoint()
	rng := ast.Range{
		Start: ast.Position{Line: int(sp.Row) + 1, Column: int(sp.Column) + 1, Offset: start},
		End:   ast.Position{Line: int(ep.Row) + 1, Column: int(ep.Column) + 1, Offset: end},
	}
	text := ""
	if start >= 0 && end <= len(c.source) && start <= end {
		text = c.source[start:end]
	}
	kind := c.profile.kindFor(typ, named, len(children) == 0)
	if parentType == "" && named {
		kind = ast.KindProgram
	}

	return ast.Builder{}.New(ast.Spec{
		Kind:     kind,
		Type:     typ,
		Role:     role,
		Named:    named,
		Range:    rng,
		Text:     text,
		Children: children,
	})
}

func onlyNamed(children []*ast.Element) *ast.Element {
	var found *ast.Element
	for _, c := range children {
		if !c.Named() {
			continue
		}
		if found != nil {
			return nil
		}
		found = c
	}
	return found
}
