package constraint

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

var fixedNow = time.Date(2025, 3, 15, 10, 30, 0, 0, time.UTC)

func evaluate(t *testing.T, expr string, bound map[string]string, strip bool) (bool, error) {
	t.Helper()
	c, err := CompileComparison(expr)
	require.NoError(t, err, "compile %q", expr)
	return c.Evaluate(bound, Options{Strip: strip, Now: fixedNow})
}

func TestComparison_Numbers(t *testing.T) {
	tests := []struct {
		name  string
		expr  string
		bound map[string]string
		want  bool
	}{
		{"greater matches", "$N > 100", map[string]string{"$N": "150"}, true},
		{"greater rejects", "$N > 100", map[string]string{"$N": "50"}, false},
		{"hex literal", "$N == 16", map[string]string{"$N": "0x10"}, true},
		{"float", "$F < 1.5", map[string]string{"$F": "1.25"}, true},
		{"arithmetic", "$A + $B * 2 == 7", map[string]string{"$A": "1", "$B": "3"}, true},
		{"dash after metavariable", "$N-1 == 4", map[string]string{"$N": "5"}, true},
		{"python keywords", "$A > 1 and not ($B > 1) or False", map[string]string{"$A": "2", "$B": "0"}, true},
		{"int of string", `int($S) >= 8`, map[string]string{"$S": `"8"`}, true},
		{"modulo", "$N % 2 == 0", map[string]string{"$N": "10"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluate(t, tt.expr, tt.bound, false)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestComparison_StringsAndBuiltins(t *testing.T) {
	got, err := evaluate(t, `len($S) > 3 and re.match('ad', $S)`, map[string]string{"$S": `"admin"`}, false)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = evaluate(t, `re.match("min", $S)`, map[string]string{"$S": `"admin"`}, false)
	require.NoError(t, err)
	assert.False(t, got, "re.match anchors at the start")

	got, err = evaluate(t, `str($N) == "42"`, map[string]string{"$N": "42"}, false)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestComparison_Strip(t *testing.T) {
	_, err := evaluate(t, "$N > 100", map[string]string{"$N": `"150"`}, false)
	var evalErr *EvaluationError
	require.True(t, errors.As(err, &evalErr), "a quoted literal stays a string without strip")

	got, err := evaluate(t, "$N > 100", map[string]string{"$N": `"150"`}, true)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestComparison_Dates(t *testing.T) {
	got, err := evaluate(t, `date($D) < today()`, map[string]string{"$D": `"2024-12-31"`}, false)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = evaluate(t, `today() - date("2025-03-01") == 14`, nil, false)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestComparison_Errors(t *testing.T) {
	tests := []struct {
		name  string
		expr  string
		bound map[string]string
	}{
		{"type mismatch", `$N > "a"`, map[string]string{"$N": "1"}},
		{"non boolean result", "$N + 1", map[string]string{"$N": "1"}},
		{"unbound metavariable", "$M > 1", map[string]string{"$N": "1"}},
		{"unknown function", "sqrt($N) > 1", map[string]string{"$N": "4"}},
		{"division by zero", "$N / 0 > 1", map[string]string{"$N": "4"}},
		{"bad date", `date($D) < today()`, map[string]string{"$D": `"yesterday"`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := evaluate(t, tt.expr, tt.bound, false)
			assert.False(t, ok)
			var evalErr *EvaluationError
			assert.True(t, errors.As(err, &evalErr), "got %v", err)
		})
	}
}

func TestCompileComparison_Invalid(t *testing.T) {
	for _, expr := range []string{"$N >", "'unterminated", "$ > 1"} {
		_, err := CompileComparison(expr)
		assert.Error(t, err, expr)
	}
}

func TestCompileComparison_Refs(t *testing.T) {
	c, err := CompileComparison("$B > $A and $A > 0")
	require.NoError(t, err)
	assert.Equal(t, []string{"$A", "$B"}, c.Refs())
	assert.Equal(t, "$B > $A and $A > 0", c.Source())
}

func TestCoerce(t *testing.T) {
	assert.True(t, Coerce("42", false).RawEquals(cty.NumberIntVal(42)))
	assert.True(t, Coerce("100L", false).RawEquals(cty.NumberIntVal(100)))
	assert.True(t, Coerce("True", false).RawEquals(cty.True))
	assert.True(t, Coerce(`'abc'`, false).RawEquals(cty.StringVal("abc")))
	assert.True(t, Coerce(`"7"`, true).RawEquals(cty.NumberIntVal(7)))
	assert.True(t, Coerce("userInput", false).RawEquals(cty.StringVal("userInput")))
}

func TestRegex(t *testing.T) {
	re, err := CompileRegex(`^(md5|sha1)$`)
	require.NoError(t, err)
	assert.True(t, MatchRegex(re, "md5"))
	assert.False(t, MatchRegex(re, "sha256"))

	_, err = CompileRegex(`(`)
	assert.Error(t, err)
}
