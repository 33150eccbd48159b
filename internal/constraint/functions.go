package constraint

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

// builtins returns the functions available to comparison expressions. today() is
// pinned to now so a run evaluates every candidate against the same date.
func builtins(now time.Time) map[string]function.Function {
	return map[string]function.Function{
		"int":      intFunc,
		"str":      strFunc,
		"len":      lenFunc,
		"date":     dateFunc,
		"re_match": reMatchFunc,
		"today": function.New(&function.Spec{
			Type: function.StaticReturnType(dateType),
			Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
				return dateVal(now), nil
			},
		}),
	}
}

var intFunc = function.New(&function.Spec{
	Params: []function.Parameter{{Name: "value", Type: cty.DynamicPseudoType}},
	Type:   function.StaticReturnType(cty.Number),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		v := args[0]
		switch {
		case v.Type() == cty.Number:
			i, _ := v.AsBigFloat().Int(nil)
			return cty.NumberVal(new(big.Float).SetInt(i)), nil
		case v.Type() == cty.String:
			n, ok := parseInt(strings.TrimSpace(v.AsString()))
			if !ok {
				return cty.NilVal, fmt.Errorf("int(): %q is not an integer", v.AsString())
			}
			return cty.NumberIntVal(n), nil
		default:
			return cty.NilVal, fmt.Errorf("int(): unsupported %s argument", typeName(v))
		}
	},
})

var strFunc = function.New(&function.Spec{
	Params: []function.Parameter{{Name: "value", Type: cty.DynamicPseudoType}},
	Type:   function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		v := args[0]
		switch {
		case v.Type() == cty.String:
			return v, nil
		case v.Type() == cty.Number:
			return cty.StringVal(v.AsBigFloat().Text('f', -1)), nil
		case v.Type() == cty.Bool:
			if v.True() {
				return cty.StringVal("true"), nil
			}
			return cty.StringVal("false"), nil
		case isDate(v):
			return cty.StringVal(asDate(v).Format(time.DateOnly)), nil
		default:
			return cty.NilVal, fmt.Errorf("str(): unsupported %s argument", typeName(v))
		}
	},
})

var lenFunc = function.New(&function.Spec{
	Params: []function.Parameter{{Name: "value", Type: cty.DynamicPseudoType}},
	Type:   function.StaticReturnType(cty.Number),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		v := args[0]
		if v.Type() != cty.String {
			return cty.NilVal, fmt.Errorf("len(): expected string, got %s", typeName(v))
		}
		return cty.NumberIntVal(int64(utf8.RuneCountInString(v.AsString()))), nil
	},
})

var dateFunc = function.New(&function.Spec{
	Params: []function.Parameter{{Name: "value", Type: cty.String}},
	Type:   function.StaticReturnType(dateType),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		s := strings.Trim(strings.TrimSpace(args[0].AsString()), `"'`)
		t, err := time.Parse(time.DateOnly, s)
		if err != nil {
			return cty.NilVal, fmt.Errorf("date(): %q is not YYYY-MM-DD", s)
		}
		return dateVal(t), nil
	},
})

// reMatchFunc anchors at the start of the text, like Python's re.match.
var reMatchFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "pattern", Type: cty.String},
		{Name: "value", Type: cty.String},
	},
	Type: function.StaticReturnType(cty.Bool),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		re, err := regexp.Compile(`^(?:` + args[0].AsString() + `)`)
		if err != nil {
			return cty.NilVal, fmt.Errorf("re.match(): %w", err)
		}
		return cty.BoolVal(re.MatchString(args[1].AsString())), nil
	},
})
