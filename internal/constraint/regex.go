package constraint

import (
	"fmt"
	"regexp"
)

// CompileRegex compiles a metavariable-regex or pattern-regex expression.
func CompileRegex(expr string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", expr, err)
	}
	return re, nil
}

// MatchRegex applies re to a bound value's source text. Matching is unanchored, so
// authors write ^ and $ when they want the whole text.
func MatchRegex(re *regexp.Regexp, text string) bool {
	return re.MatchString(text)
}
