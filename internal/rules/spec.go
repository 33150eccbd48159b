package rules

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/scalpel-sast/internal/pattern"
)

// RuleSpec is a rule as written. The pattern operators sit directly on the rule
// mapping, next to the metadata keys.
type RuleSpec struct {
	ID         string      `yaml:"id"`
	Languages  []string    `yaml:"languages"`
	Message    string      `yaml:"message"`
	Severity   string      `yaml:"severity"`
	Confidence string      `yaml:"confidence"`
	Metadata   Metadata    `yaml:"metadata"`
	Options    RuleOptions `yaml:"options"`
	Fix        string      `yaml:"fix"`
	Paths      PathSpec    `yaml:"paths"`
	Enabled    *bool       `yaml:"enabled"`

	// Mode "taint" selects the pattern-sources/pattern-sinks form.
	Mode        string          `yaml:"mode"`
	Taint       *TaintSpec      `yaml:"taint"`
	Sources     []*pattern.Spec `yaml:"pattern-sources"`
	Sinks       []*pattern.Spec `yaml:"pattern-sinks"`
	Sanitizers  []*pattern.Spec `yaml:"pattern-sanitizers"`
	Propagators []*pattern.Spec `yaml:"pattern-propagators"`

	// Pattern holds the search operators found on the rule mapping.
	Pattern *pattern.Spec `yaml:"-"`

	// Line is where the rule starts in its file.
	Line int `yaml:"-"`
}

// TaintSpec is the nested taint form.
type TaintSpec struct {
	Sources     []*pattern.Spec `yaml:"sources"`
	Sinks       []*pattern.Spec `yaml:"sinks"`
	Sanitizers  []*pattern.Spec `yaml:"sanitizers"`
	Propagators []*pattern.Spec `yaml:"propagators"`
}

// RuleOptions tweaks evaluation for a single rule.
type RuleOptions struct {
	NotInsideScope string `yaml:"not-inside-scope"`
	TaintSummaries *bool  `yaml:"taint-summaries"`
}

// PathSpec restricts a rule to matching file paths.
type PathSpec struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (r *RuleSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: a rule must be a mapping", value.Line)
	}
	type plain RuleSpec
	if err := value.Decode((*plain)(r)); err != nil {
		return err
	}
	r.Line = value.Line

	var ops pattern.Spec
	if err := value.Decode(&ops); err != nil {
		return err
	}
	ops.From, ops.To = "", ""
	if !ops.IsEmpty() {
		r.Pattern = &ops
	}
	return nil
}

// taintParts returns the taint operators regardless of which form was used.
func (r *RuleSpec) taintParts() (sources, sinks, sanitizers, propagators []*pattern.Spec, ok bool) {
	if r.Taint != nil {
		return r.Taint.Sources, r.Taint.Sinks, r.Taint.Sanitizers, r.Taint.Propagators, true
	}
	if strings.EqualFold(r.Mode, "taint") {
		return r.Sources, r.Sinks, r.Sanitizers, r.Propagators, true
	}
	return nil, nil, nil, nil, false
}

// Metadata is free-form rule metadata flattened to strings. Lists are joined with
// ", " and nested mappings are rendered as key=value pairs.
type Metadata map[string]string

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *Metadata) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: metadata must be a mapping", value.Line)
	}
	out := make(Metadata, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		out[value.Content[i].Value] = flatten(value.Content[i+1])
	}
	*m = out
	return nil
}

func flatten(n *yaml.Node) string {
	switch n.Kind {
	case yaml.SequenceNode:
		parts := make([]string, 0, len(n.Content))
		for _, c := range n.Content {
			parts = append(parts, flatten(c))
		}
		return strings.Join(parts, ", ")
	case yaml.MappingNode:
		parts := make([]string, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			parts = append(parts, n.Content[i].Value+"="+flatten(n.Content[i+1]))
		}
		sort.Strings(parts)
		return strings.Join(parts, ", ")
	case yaml.AliasNode:
		if n.Alias != nil {
			return flatten(n.Alias)
		}
	}
	return n.Value
}
