package rules

import (
	"sort"

	"github.com/xkilldash9x/scalpel-sast/internal/ast"
)

// RuleSet is an immutable collection of compiled rules, indexed by language. It is
// safe to share across goroutines.
type RuleSet struct {
	rules  []*Rule
	byLang map[ast.Language][]*Rule
}

// NewRuleSet builds a set. Rules keep their given order within each language.
func NewRuleSet(rules []*Rule) *RuleSet {
	s := &RuleSet{
		rules:  append([]*Rule(nil), rules...),
		byLang: make(map[ast.Language][]*Rule),
	}
	for _, r := range s.rules {
		for _, l := range r.Languages {
			s.byLang[l] = append(s.byLang[l], r)
		}
	}
	return s
}

// Len is the number of rules.
func (s *RuleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Rules returns every rule in load order.
func (s *RuleSet) Rules() []*Rule {
	if s == nil {
		return nil
	}
	return s.rules
}

// ForLanguage returns the rules targeting lang.
func (s *RuleSet) ForLanguage(lang ast.Language) []*Rule {
	if s == nil {
		return nil
	}
	return s.byLang[lang]
}

// ForFile returns the rules for lang whose path filters admit path.
func (s *RuleSet) ForFile(path string, lang ast.Language) []*Rule {
	var out []*Rule
	for _, r := range s.ForLanguage(lang) {
		if r.Paths.Allows(path) {
			out = append(out, r)
		}
	}
	return out
}

// Get looks a rule up by id.
func (s *RuleSet) Get(id string) (*Rule, bool) {
	for _, r := range s.Rules() {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}

// Languages lists the languages that have at least one rule.
func (s *RuleSet) Languages() []ast.Language {
	if s == nil {
		return nil
	}
	out := make([]ast.Language, 0, len(s.byLang))
	for l := range s.byLang {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
