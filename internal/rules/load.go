package rules

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/scalpel-sast/api/schemas"
)

// Loader reads rule files and compiles them. Invalid rules are reported and skipped;
// they never prevent the remaining rules from loading.
type Loader struct {
	compiler *Compiler
	logger   *zap.Logger
}

// NewLoader creates a Loader.
func NewLoader(compiler *Compiler, logger *zap.Logger) *Loader {
	return &Loader{compiler: compiler, logger: logger.Named("rules")}
}

// Load reads every .yml/.yaml file in paths (files or directories, recursively) and
// returns the set of valid rules together with one RuleError per rejected rule or
// unreadable file.
func (l *Loader) Load(paths ...string) (*RuleSet, []schemas.RuleError) {
	var errs []schemas.RuleError
	var files []string
	for _, p := range paths {
		found, err := ruleFiles(p)
		if err != nil {
			errs = append(errs, schemas.RuleError{Source: p, Message: err.Error()})
			continue
		}
		files = append(files, found...)
	}

	acc := newAccumulator()
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			errs = append(errs, schemas.RuleError{Source: f, Message: err.Error()})
			continue
		}
		l.add(acc, f, data)
	}
	errs = append(errs, acc.errs...)

	l.logger.Info("Rules loaded.",
		zap.Int("files", len(files)),
		zap.Int("rules", len(acc.rules)),
		zap.Int("rejected", len(errs)))
	return NewRuleSet(acc.rules), errs
}

// LoadBytes compiles the rules of a single in-memory document.
func (l *Loader) LoadBytes(source string, data []byte) (*RuleSet, []schemas.RuleError) {
	acc := newAccumulator()
	l.add(acc, source, data)
	return NewRuleSet(acc.rules), acc.errs
}

type accumulator struct {
	rules []*Rule
	ids   map[string]string
	errs  []schemas.RuleError
}

func newAccumulator() *accumulator {
	return &accumulator{ids: make(map[string]string)}
}

func (l *Loader) add(acc *accumulator, source string, data []byte) {
	// Rules are decoded one at a time so a malformed rule only rejects itself.
	var doc struct {
		Rules []yaml.Node `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		acc.errs = append(acc.errs, schemas.RuleError{Source: source, Message: fmt.Sprintf("invalid rule file: %v", err)})
		return
	}

	for i := range doc.Rules {
		node := &doc.Rules[i]
		spec := &RuleSpec{}
		if err := node.Decode(spec); err != nil {
			acc.errs = append(acc.errs, schemas.RuleError{RuleID: peekID(node), Source: source, Message: err.Error()})
			continue
		}
		if spec.Enabled != nil && !*spec.Enabled {
			l.logger.Debug("Skipping disabled rule.", zap.String("rule_id", spec.ID))
			continue
		}
		if prev, dup := acc.ids[spec.ID]; dup && spec.ID != "" {
			acc.errs = append(acc.errs, schemas.RuleError{
				RuleID:  spec.ID,
				Source:  source,
				Message: fmt.Sprintf("duplicate rule id, first defined in %s", prev),
			})
			continue
		}

		rule, err := l.compiler.Compile(spec)
		if err != nil {
			l.logger.Warn("Rejected rule.",
				zap.String("rule_id", spec.ID), zap.String("source", source),
				zap.Int("line", spec.Line), zap.Error(err))
			acc.errs = append(acc.errs, schemas.RuleError{RuleID: spec.ID, Source: source, Message: err.Error()})
			continue
		}
		rule.Source = source
		acc.ids[rule.ID] = source
		acc.rules = append(acc.rules, rule)
	}
}

func peekID(n *yaml.Node) string {
	if n.Kind != yaml.MappingNode {
		return ""
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == "id" {
			return n.Content[i+1].Value
		}
	}
	return ""
}

func ruleFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{root}, nil
	}

	var out []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yml", ".yaml":
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.New("no rule files found")
	}
	sort.Strings(out)
	return out, nil
}
