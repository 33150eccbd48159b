package rules

import (
	"sort"
	"strings"

	"github.com/xkilldash9x/scalpel-sast/internal/matcher"
)

// Render substitutes bound metavariables into a message or fix template. Longer
// names are replaced first so that $X does not clobber $XY.
func Render(template string, env matcher.Env) string {
	if env.Len() == 0 || !strings.Contains(template, "$") {
		return template
	}
	bindings := append([]matcher.Binding(nil), env.Bindings()...)
	sort.SliceStable(bindings, func(i, j int) bool {
		return len(bindings[i].Name) > len(bindings[j].Name)
	})
	pairs := make([]string, 0, 2*len(bindings))
	for _, b := range bindings {
		pairs = append(pairs, b.Name, b.Text)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
