package constraint

import (
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/zclconf/go-cty/cty"
)

// dateType is a capsule so that dates only combine with other dates.
var dateType = cty.Capsule("date", reflect.TypeOf(time.Time{}))

func dateVal(t time.Time) cty.Value {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return cty.CapsuleVal(dateType, &day)
}

func isDate(v cty.Value) bool {
	return v.Type().Equals(dateType)
}

func asDate(v cty.Value) time.Time {
	return *(v.EncapsulatedValue().(*time.Time))
}

// Coerce derives a typed value from bound source text. Integer and float literals
// become numbers, true/false become booleans, quoted literals become their unquoted
// string. With strip set, a quoted literal is unquoted first and then typed.
func Coerce(text string, strip bool) cty.Value {
	s := strings.TrimSpace(text)
	if inner, ok := unquote(s); ok {
		if !strip {
			return cty.StringVal(inner)
		}
		s = strings.TrimSpace(inner)
	}
	if n, ok := parseInt(s); ok {
		return cty.NumberIntVal(n)
	}
	if f, err := strconv.ParseFloat(strings.TrimRight(s, "fFdD"), 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) && s != "" {
		return cty.NumberFloatVal(f)
	}
	switch s {
	case "true", "True":
		return cty.True
	case "false", "False":
		return cty.False
	}
	return cty.StringVal(s)
}

func parseInt(s string) (int64, bool) {
	trimmed := strings.TrimRight(s, "lLuU")
	if trimmed == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(trimmed, 0, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func unquote(s string) (string, bool) {
	if len(s) < 2 {
		return "", false
	}
	first, last := s[0], s[len(s)-1]
	if first != last || (first != '"' && first != '\'' && first != '`') {
		return "", false
	}
	return s[1 : len(s)-1], true
}

// typeName is used in error messages.
func typeName(v cty.Value) string {
	if isDate(v) {
		return "date"
	}
	return v.Type().FriendlyName()
}
