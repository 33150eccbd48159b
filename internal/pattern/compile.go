// Package pattern compiles rule pattern operators into an immutable IR. Code snippets
// are parsed with the same grammars as real source, so matching is structural.
package pattern

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/xkilldash9x/scalpel-sast/internal/ast"
	"github.com/xkilldash9x/scalpel-sast/internal/constraint"
)

// PatternSyntaxError rejects one rule at load time. Other rules are unaffected.
type PatternSyntaxError struct {
	RuleID   string
	Fragment string
	Reason   string
}

func (e *PatternSyntaxError) Error() string {
	if e.Fragment == "" {
		return fmt.Sprintf("rule %s: %s", e.RuleID, e.Reason)
	}
	return fmt.Sprintf("rule %s: invalid pattern %q: %s", e.RuleID, e.Fragment, e.Reason)
}

// SnippetParser parses pattern text with a language grammar.
type SnippetParser interface {
	ParseSnippet(text string, lang ast.Language) ([]ast.Node, error)
}

var metavariableName = regexp.MustCompile(`^\$(\.\.\.)?[A-Z_][A-Z0-9_]*$`)

// Compiler turns Specs into Pattern IR.
type Compiler struct {
	parser SnippetParser
}

// NewCompiler creates a compiler backed by the given snippet parser.
func NewCompiler(parser SnippetParser) *Compiler {
	return &Compiler{parser: parser}
}

// Compile builds and validates the IR for one operator tree. Snippets are compiled for
// every language in langs; a snippet that parses in none of them is a PatternSyntaxError.
func (c *Compiler) Compile(ruleID string, spec *Spec, langs []ast.Language) (Pattern, error) {
	if len(langs) == 0 {
		return nil, &PatternSyntaxError{RuleID: ruleID, Reason: "no target languages"}
	}
	p, err := c.compile(ruleID, spec, langs)
	if err != nil {
		return nil, err
	}
	if err := Validate(ruleID, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Compiler) compile(ruleID string, spec *Spec, langs []ast.Language) (Pattern, error) {
	if spec == nil {
		return nil, &PatternSyntaxError{RuleID: ruleID, Reason: "missing pattern operator"}
	}
	switch n := spec.operators(); {
	case n == 0:
		return nil, &PatternSyntaxError{RuleID: ruleID, Reason: "empty pattern operator"}
	case n > 1:
		return nil, &PatternSyntaxError{RuleID: ruleID, Reason: "an operator entry must contain exactly one operator"}
	}

	switch {
	case spec.Pattern != "":
		return c.atom(ruleID, spec.Pattern, langs)

	case spec.Patterns != nil:
		ops, err := c.compileList(ruleID, spec.Patterns, langs, "patterns")
		if err != nil {
			return nil, err
		}
		return &All{Operands: ops}, nil

	case spec.Either != nil:
		ops, err := c.compileList(ruleID, spec.Either, langs, "pattern-either")
		if err != nil {
			return nil, err
		}
		return &Any{Operands: ops}, nil

	case spec.Not != nil:
		inner, err := c.compile(ruleID, spec.Not, langs)
		if err != nil {
			return nil, err
		}
		return &Not{Pattern: inner}, nil

	case spec.Inside != nil:
		inner, err := c.compile(ruleID, spec.Inside, langs)
		if err != nil {
			return nil, err
		}
		return &Inside{Pattern: inner}, nil

	case spec.NotInside != nil:
		inner, err := c.compile(ruleID, spec.NotInside, langs)
		if err != nil {
			return nil, err
		}
		return &NotInside{Pattern: inner}, nil

	case spec.Regex != "" || spec.NotRegex != "":
		src, negate := spec.Regex, false
		if src == "" {
			src, negate = spec.NotRegex, true
		}
		re, err := constraint.CompileRegex(src)
		if err != nil {
			return nil, &PatternSyntaxError{RuleID: ruleID, Fragment: src, Reason: err.Error()}
		}
		return &Regex{Source: src, Expr: re, Negate: negate}, nil

	case spec.MetavariableRegex != nil:
		mr := spec.MetavariableRegex
		if err := checkName(ruleID, mr.Metavariable); err != nil {
			return nil, err
		}
		re, err := constraint.CompileRegex(mr.Regex)
		if err != nil {
			return nil, &PatternSyntaxError{RuleID: ruleID, Fragment: mr.Regex, Reason: err.Error()}
		}
		return &MetavariableConstraint{Kind: ConstraintRegex, Name: mr.Metavariable, Regex: re}, nil

	case spec.MetavariableComparison != nil:
		mc := spec.MetavariableComparison
		if mc.Metavariable != "" {
			if err := checkName(ruleID, mc.Metavariable); err != nil {
				return nil, err
			}
		}
		cmp, err := constraint.CompileComparison(mc.Comparison)
		if err != nil {
			return nil, &PatternSyntaxError{RuleID: ruleID, Fragment: mc.Comparison, Reason: err.Error()}
		}
		return &MetavariableConstraint{Kind: ConstraintComparison, Name: mc.Metavariable, Comparison: cmp, Strip: mc.Strip}, nil

	case spec.MetavariablePattern != nil:
		mp := spec.MetavariablePattern
		if err := checkName(ruleID, mp.Metavariable); err != nil {
			return nil, err
		}
		inner, err := c.compile(ruleID, &Spec{Pattern: mp.Pattern, Patterns: mp.Patterns, Either: mp.Either, Regex: mp.Regex}, langs)
		if err != nil {
			return nil, err
		}
		return &MetavariableConstraint{Kind: ConstraintPattern, Name: mp.Metavariable, Pattern: inner}, nil

	default:
		for _, name := range spec.Focus {
			if err := checkName(ruleID, name); err != nil {
				return nil, err
			}
		}
		return &FocusMetavariable{Names: append([]string(nil), spec.Focus...)}, nil
	}
}

func (c *Compiler) compileList(ruleID string, specs []*Spec, langs []ast.Language, op string) ([]Pattern, error) {
	if len(specs) == 0 {
		return nil, &PatternSyntaxError{RuleID: ruleID, Reason: op + " must not be empty"}
	}
	out := make([]Pattern, 0, len(specs))
	for _, s := range specs {
		p, err := c.compile(ruleID, s, langs)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// atom parses a snippet for each language. Languages the snippet does not parse in
// are left out; the atom then never matches files of that language.
func (c *Compiler) atom(ruleID, text string, langs []ast.Language) (Pattern, error) {
	if strings.TrimSpace(text) == "..." {
		return &Ellipsis{}, nil
	}

	atom := &Atom{Source: text, Roots: make(map[ast.Language][]ast.Node, len(langs))}
	var lastErr error
	for _, lang := range langs {
		variants := []string{rewrite(text, terminated(lang))}
		if plain := rewrite(text, false); plain != variants[0] {
			variants = append(variants, plain)
		}
		for _, v := range variants {
			nodes, err := c.parser.ParseSnippet(v, lang)
			if err != nil {
				lastErr = err
				continue
			}
			atom.Roots[lang] = nodes
			break
		}
	}
	if len(atom.Roots) == 0 {
		if lastErr == nil {
			lastErr = errors.New("pattern does not parse")
		}
		return nil, &PatternSyntaxError{RuleID: ruleID, Fragment: text, Reason: lastErr.Error()}
	}

	names := map[string]bool{}
	for _, roots := range atom.Roots {
		for _, root := range roots {
			ast.Walk(root, func(n ast.Node) bool {
				if kind, name := Classify(n); kind == Metavariable || kind == EllipsisCapture {
					names[name] = true
				}
				return true
			})
		}
	}
	for name := range names {
		atom.Metavariables = append(atom.Metavariables, name)
	}
	sort.Strings(atom.Metavariables)
	return atom, nil
}

func checkName(ruleID, name string) error {
	if !metavariableName.MatchString(name) || name == anonymousName {
		return &PatternSyntaxError{RuleID: ruleID, Fragment: name, Reason: "not a metavariable name"}
	}
	return nil
}

// Validate checks that every metavariable read by a constraint or focus is bound by a
// positive part of the pattern.
func Validate(ruleID string, p Pattern) error {
	bound := Bound(p)
	var check func(Pattern) error
	require := func(name string) error {
		if !bound[name] {
			return &PatternSyntaxError{RuleID: ruleID, Fragment: name, Reason: "metavariable is referenced but never bound"}
		}
		return nil
	}
	check = func(p Pattern) error {
		switch x := p.(type) {
		case *All:
			for _, op := range x.Operands {
				if err := check(op); err != nil {
					return err
				}
			}
		case *Any:
			for _, op := range x.Operands {
				if err := check(op); err != nil {
					return err
				}
			}
		case *Not:
			return check(x.Pattern)
		case *Inside:
			return check(x.Pattern)
		case *NotInside:
			return check(x.Pattern)
		case *MetavariableConstraint:
			if x.Name != "" {
				if err := require(x.Name); err != nil {
					return err
				}
			}
			if x.Comparison != nil {
				for _, ref := range x.Comparison.Refs() {
					if err := require(ref); err != nil {
						return err
					}
				}
			}
			if x.Pattern != nil {
				return check(x.Pattern)
			}
		case *FocusMetavariable:
			for _, name := range x.Names {
				if err := require(name); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return check(p)
}
