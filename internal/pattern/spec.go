package pattern

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Spec is one pattern operator as written by a rule author. Exactly one operator
// field is expected to be set; a bare YAML string is shorthand for Pattern.
type Spec struct {
	Pattern   string  `yaml:"pattern,omitempty"`
	Patterns  []*Spec `yaml:"patterns,omitempty"`
	Either    []*Spec `yaml:"pattern-either,omitempty"`
	Not       *Spec   `yaml:"pattern-not,omitempty"`
	Inside    *Spec   `yaml:"pattern-inside,omitempty"`
	NotInside *Spec   `yaml:"pattern-not-inside,omitempty"`
	Regex     string  `yaml:"pattern-regex,omitempty"`
	NotRegex  string  `yaml:"pattern-not-regex,omitempty"`

	MetavariableRegex      *MetavariableRegex      `yaml:"metavariable-regex,omitempty"`
	MetavariableComparison *MetavariableComparison `yaml:"metavariable-comparison,omitempty"`
	MetavariablePattern    *MetavariablePattern    `yaml:"metavariable-pattern,omitempty"`
	Focus                  Names                   `yaml:"focus-metavariable,omitempty"`

	// From and To are only meaningful on taint propagators.
	From string `yaml:"from,omitempty"`
	To   string `yaml:"to,omitempty"`
}

// MetavariableRegex filters candidates by the bound text of one metavariable.
type MetavariableRegex struct {
	Metavariable string `yaml:"metavariable"`
	Regex        string `yaml:"regex"`
}

// MetavariableComparison filters candidates with a typed expression.
type MetavariableComparison struct {
	Metavariable string `yaml:"metavariable,omitempty"`
	Comparison   string `yaml:"comparison"`
	Strip        bool   `yaml:"strip,omitempty"`
}

// MetavariablePattern requires a sub-pattern to match inside a metavariable's binding.
type MetavariablePattern struct {
	Metavariable string  `yaml:"metavariable"`
	Pattern      string  `yaml:"pattern,omitempty"`
	Patterns     []*Spec `yaml:"patterns,omitempty"`
	Either       []*Spec `yaml:"pattern-either,omitempty"`
	Regex        string  `yaml:"pattern-regex,omitempty"`
}

// Names accepts either a single metavariable or a list of them.
type Names []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (n *Names) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*n = Names{value.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*n = list
		return nil
	default:
		return fmt.Errorf("line %d: focus-metavariable must be a name or a list of names", value.Line)
	}
}

// UnmarshalYAML implements yaml.Unmarshaler. A scalar is a plain pattern.
func (s *Spec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		s.Pattern = value.Value
		return nil
	}
	type plain Spec
	return value.Decode((*plain)(s))
}

// operators counts the operator fields that are set.
func (s *Spec) operators() int {
	n := 0
	for _, set := range []bool{
		s.Pattern != "", s.Patterns != nil, s.Either != nil, s.Not != nil, s.Inside != nil,
		s.NotInside != nil, s.Regex != "", s.NotRegex != "", s.MetavariableRegex != nil,
		s.MetavariableComparison != nil, s.MetavariablePattern != nil, len(s.Focus) > 0,
	} {
		if set {
			n++
		}
	}
	return n
}

// IsEmpty reports whether no operator is set.
func (s *Spec) IsEmpty() bool { return s.operators() == 0 }
