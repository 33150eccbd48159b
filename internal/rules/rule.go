// Package rules loads rule files and compiles them into immutable rule sets.
package rules

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/scalpel-sast/api/schemas"
	"github.com/xkilldash9x/scalpel-sast/internal/ast"
	"github.com/xkilldash9x/scalpel-sast/internal/matcher"
	"github.com/xkilldash9x/scalpel-sast/internal/pattern"
	"github.com/xkilldash9x/scalpel-sast/internal/taint"
)

// InvalidRuleError reports a rule whose metadata is unusable.
type InvalidRuleError struct {
	RuleID string
	Reason string
}

func (e *InvalidRuleError) Error() string {
	if e.RuleID == "" {
		return "rule: " + e.Reason
	}
	return fmt.Sprintf("rule %s: %s", e.RuleID, e.Reason)
}

// Rule is a compiled, immutable rule. Exactly one of Pattern and Taint is set.
type Rule struct {
	ID         string
	Languages  []ast.Language
	Message    string
	Severity   schemas.Severity
	Confidence schemas.Confidence
	Metadata   map[string]string
	Fix        string

	Pattern pattern.Pattern
	Taint   *taint.Spec

	// Scope overrides the run's not-inside scope when non-empty.
	Scope matcher.NotInsideScope
	// Summaries overrides the run's function-summary setting when non-nil.
	Summaries *bool
	Paths     PathFilter

	// Source is the file the rule was loaded from.
	Source string
}

// IsTaint reports whether the rule runs the dataflow engine.
func (r *Rule) IsTaint() bool { return r.Taint != nil }

// Supports reports whether the rule targets lang.
func (r *Rule) Supports(lang ast.Language) bool {
	for _, l := range r.Languages {
		if l == lang {
			return true
		}
	}
	return false
}

// Compiler turns RuleSpecs into Rules.
type Compiler struct {
	patterns *pattern.Compiler
}

// NewCompiler creates a rule compiler that parses snippets with parser.
func NewCompiler(parser pattern.SnippetParser) *Compiler {
	return &Compiler{patterns: pattern.NewCompiler(parser)}
}

// Compile validates one rule and compiles its patterns.
func (c *Compiler) Compile(spec *RuleSpec) (*Rule, error) {
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		return nil, &InvalidRuleError{Reason: "missing id"}
	}
	invalid := func(format string, args ...any) error {
		return &InvalidRuleError{RuleID: id, Reason: fmt.Sprintf(format, args...)}
	}

	if len(spec.Languages) == 0 {
		return nil, invalid("no languages")
	}
	langs := make([]ast.Language, 0, len(spec.Languages))
	seen := map[ast.Language]bool{}
	for _, s := range spec.Languages {
		l, err := ast.ParseLanguage(s)
		if err != nil {
			return nil, invalid("%v", err)
		}
		if !seen[l] {
			seen[l] = true
			langs = append(langs, l)
		}
	}

	if strings.TrimSpace(spec.Message) == "" {
		return nil, invalid("missing message")
	}
	severity := schemas.SeverityWarning
	if strings.TrimSpace(spec.Severity) != "" {
		var err error
		if severity, err = schemas.ParseSeverity(spec.Severity); err != nil {
			return nil, invalid("%v", err)
		}
	}
	confidence, err := schemas.ParseConfidence(spec.Confidence)
	if err != nil {
		return nil, invalid("%v", err)
	}
	scope, err := parseScope(spec.Options.NotInsideScope)
	if err != nil {
		return nil, invalid("%v", err)
	}
	paths, err := newPathFilter(spec.Paths)
	if err != nil {
		return nil, invalid("%v", err)
	}

	rule := &Rule{
		ID:         id,
		Languages:  langs,
		Message:    spec.Message,
		Severity:   severity,
		Confidence: confidence,
		Metadata:   spec.Metadata,
		Fix:        spec.Fix,
		Scope:      scope,
		Summaries:  spec.Options.TaintSummaries,
		Paths:      paths,
	}

	sources, sinks, sanitizers, propagators, isTaint := spec.taintParts()
	switch {
	case isTaint && spec.Pattern != nil:
		return nil, invalid("search operators and taint operators are mutually exclusive")
	case isTaint:
		t, err := c.compileTaint(id, langs, sources, sinks, sanitizers, propagators)
		if err != nil {
			return nil, err
		}
		rule.Taint = t
	case spec.Pattern != nil:
		p, err := c.patterns.Compile(id, spec.Pattern, langs)
		if err != nil {
			return nil, err
		}
		rule.Pattern = p
	default:
		return nil, invalid("no pattern operators")
	}
	return rule, nil
}

func parseScope(s string) (matcher.NotInsideScope, error) {
	if strings.TrimSpace(s) == "" {
		return "", nil
	}
	return matcher.ParseNotInsideScope(s)
}

func (c *Compiler) compileTaint(id string, langs []ast.Language, sources, sinks, sanitizers, propagators []*pattern.Spec) (*taint.Spec, error) {
	if len(sources) == 0 {
		return nil, &InvalidRuleError{RuleID: id, Reason: "taint rule has no sources"}
	}
	if len(sinks) == 0 {
		return nil, &InvalidRuleError{RuleID: id, Reason: "taint rule has no sinks"}
	}

	list := func(specs []*pattern.Spec) ([]pattern.Pattern, error) {
		out := make([]pattern.Pattern, 0, len(specs))
		for _, s := range specs {
			p, err := c.patterns.Compile(id, s, langs)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		return out, nil
	}

	t := &taint.Spec{}
	var err error
	if t.Sources, err = list(sources); err != nil {
		return nil, err
	}
	if t.Sinks, err = list(sinks); err != nil {
		return nil, err
	}
	if t.Sanitizers, err = list(sanitizers); err != nil {
		return nil, err
	}

	for _, s := range propagators {
		if s.From == "" || s.To == "" {
			return nil, &InvalidRuleError{RuleID: id, Reason: "propagator needs both from and to"}
		}
		op := *s
		op.From, op.To = "", ""
		p, err := c.patterns.Compile(id, &op, langs)
		if err != nil {
			return nil, err
		}
		bound := pattern.Bound(p)
		for _, name := range []string{s.From, s.To} {
			if !bound[name] {
				return nil, &pattern.PatternSyntaxError{RuleID: id, Fragment: name, Reason: "propagator metavariable is not bound by its pattern"}
			}
		}
		t.Propagators = append(t.Propagators, taint.Propagator{Pattern: p, From: s.From, To: s.To})
	}
	return t, nil
}
