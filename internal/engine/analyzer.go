package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-sast/api/schemas"
	"github.com/xkilldash9x/scalpel-sast/internal/ast"
	"github.com/xkilldash9x/scalpel-sast/internal/matcher"
	"github.com/xkilldash9x/scalpel-sast/internal/rules"
	"github.com/xkilldash9x/scalpel-sast/internal/taint"
)

// maxSnippet bounds the source excerpt stored on a finding.
const maxSnippet = 240

// RuleFault is a panic recovered while one rule ran against one file. The rule's
// partial output for that file is discarded and the batch continues.
type RuleFault struct {
	RuleID string
	File   string
	Value  any
	Stack  string
}

func (e *RuleFault) Error() string {
	return fmt.Sprintf("rule %s failed on %s: %v", e.RuleID, e.File, e.Value)
}

// AnalyzerOptions are the run-wide defaults a rule may override.
type AnalyzerOptions struct {
	Budget         int
	NotInsideScope matcher.NotInsideScope
	TaintSummaries bool
	// Now pins today() in comparisons; zero means the wall clock.
	Now time.Time
}

// Result is everything one file produced.
type Result struct {
	Findings   []schemas.Finding
	Warnings   []schemas.Warning
	RuleErrors []schemas.RuleError
}

// Analyzer runs a list of rules against one parsed file. It is stateless and safe
// for concurrent use; each call builds its own matcher.
type Analyzer struct {
	logger *zap.Logger
	opts   AnalyzerOptions
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(logger *zap.Logger, opts AnalyzerOptions) *Analyzer {
	if opts.NotInsideScope == "" {
		opts.NotInsideScope = matcher.ScopeLexical
	}
	return &Analyzer{logger: logger.Named("analyzer"), opts: opts}
}

// Analyze evaluates every rule that targets the tree's language. Findings are
// deduplicated and returned in location order. When ctx is cancelled between
// rules the result so far is returned together with ctx.Err().
func (a *Analyzer) Analyze(ctx context.Context, tree *ast.Tree, ruleList []*rules.Rule) (Result, error) {
	var res Result
	m := matcher.New(tree, matcher.Options{
		Budget:         a.opts.Budget,
		NotInsideScope: a.opts.NotInsideScope,
		Now:            a.opts.Now,
	})
	if tree.HasErrors {
		res.Warnings = append(res.Warnings, schemas.Warning{
			Code:    schemas.WarningPartialParse,
			File:    tree.Path,
			Message: "file contains syntax errors; analysis ran on the recovered tree",
		})
	}

	for _, rule := range ruleList {
		if err := ctx.Err(); err != nil {
			return finish(res), err
		}
		if !rule.Supports(tree.Language) {
			continue
		}

		findings, err := a.runRule(m, tree, rule)
		for _, w := range m.TakeWarnings() {
			w.RuleID = rule.ID
			res.Warnings = append(res.Warnings, w)
		}
		if err != nil {
			a.logger.Error("Rule failed, skipping it for this file.",
				zap.String("rule_id", rule.ID), zap.String("file", tree.Path), zap.Error(err))
			res.RuleErrors = append(res.RuleErrors, schemas.RuleError{
				RuleID:  rule.ID,
				Source:  rule.Source,
				File:    tree.Path,
				Message: err.Error(),
			})
			continue
		}
		res.Findings = append(res.Findings, findings...)
	}
	return finish(res), nil
}

func (a *Analyzer) runRule(m *matcher.Matcher, tree *ast.Tree, rule *rules.Rule) (findings []schemas.Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			findings = nil
			err = &RuleFault{RuleID: rule.ID, File: tree.Path, Value: r, Stack: string(debug.Stack())}
		}
	}()

	scope := rule.Scope
	if scope == "" {
		scope = a.opts.NotInsideScope
	}

	if rule.IsTaint() {
		summaries := a.opts.TaintSummaries
		if rule.Summaries != nil {
			summaries = *rule.Summaries
		}
		for _, flow := range taint.Analyze(m, rule.Taint, taint.Options{Summaries: summaries, Scope: scope}) {
			f := newFinding(tree, rule, flow.Sink)
			f.TaintPath = make([]schemas.Location, 0, len(flow.Trace))
			for _, step := range flow.Trace {
				f.TaintPath = append(f.TaintPath, location(tree.Path, step.Range))
			}
			findings = append(findings, f)
		}
		return findings, nil
	}

	for _, match := range m.MatchesWithScope(rule.Pattern, scope) {
		findings = append(findings, newFinding(tree, rule, match))
	}
	return findings, nil
}

func newFinding(tree *ast.Tree, rule *rules.Rule, match matcher.Match) schemas.Finding {
	f := schemas.Finding{
		RuleID:     rule.ID,
		Severity:   rule.Severity,
		Confidence: rule.Confidence,
		Message:    rules.Render(rule.Message, match.Env),
		Location:   location(tree.Path, match.Range),
		Snippet:    snippet(tree.Slice(match.Range)),
	}
	if rule.Fix != "" {
		f.Fix = rules.Render(rule.Fix, match.Env)
	}
	if len(rule.Metadata) > 0 {
		f.Metadata = make(map[string]string, len(rule.Metadata))
		for k, v := range rule.Metadata {
			f.Metadata[k] = v
		}
	}
	return f
}

func location(file string, r ast.Range) schemas.Location {
	return schemas.Location{
		File:      file,
		StartLine: r.Start.Line,
		StartCol:  r.Start.Column,
		EndLine:   r.End.Line,
		EndCol:    r.End.Column,
	}
}

func snippet(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	text = strings.TrimSpace(text)
	if len(text) > maxSnippet {
		text = text[:maxSnippet]
	}
	return text
}

func finish(res Result) Result {
	res.Findings = dedupeFindings(res.Findings)
	return res
}

// dedupeFindings drops repeats of (rule, file, range) and sorts by file, position
// and rule id.
func dedupeFindings(in []schemas.Finding) []schemas.Finding {
	if len(in) == 0 {
		return in
	}
	seen := make(map[string]bool, len(in))
	out := make([]schemas.Finding, 0, len(in))
	for _, f := range in {
		k := f.Key()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool { return findingLess(out[i], out[j]) })
	return out
}

func findingLess(a, b schemas.Finding) bool {
	la, lb := a.Location, b.Location
	if la.File != lb.File {
		return la.File < lb.File
	}
	if la.StartLine != lb.StartLine {
		return la.StartLine < lb.StartLine
	}
	if la.StartCol != lb.StartCol {
		return la.StartCol < lb.StartCol
	}
	if a.RuleID != b.RuleID {
		return a.RuleID < b.RuleID
	}
	return la.Less(lb)
}
