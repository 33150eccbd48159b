package parser

import (
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/xkilldash9x/scalpel-sast/internal/ast"
)

// wrapper embeds a pattern snippet in enough context for the grammar to accept it.
type wrapper struct {
	prefix, suffix string
}

// profile maps one grammar onto the shared semantic vocabulary.
type profile struct {
	grammar func() *sitter.Language
	kinds   map[string]ast.Kind
	// roles overrides the generic field-to-role table, keyed by "type.field".
	roles map[string]ast.Role
	// collapse lists wrapper types replaced by their only named child.
	collapse map[string]bool
	// drop lists additional named types removed from the tree.
	drop map[string]bool
	// terminated languages accept a trailing ';' after a statement snippet.
	terminated bool
	wrappers   []wrapper
}

// genericRoles applies to every grammar unless a profile overrides it.
var genericRoles = map[string]ast.Role{
	"function":    ast.RoleCallee,
	"constructor": ast.RoleCallee,
	"arguments":   ast.RoleArguments,
	"object":      ast.RoleObject,
	"operand":     ast.RoleObject,
	"property":    ast.RoleName,
	"field":       ast.RoleName,
	"attribute":   ast.RoleName,
	"name":        ast.RoleName,
	"index":       ast.RoleIndex,
	"subscript":   ast.RoleIndex,
	"left":        ast.RoleTarget,
	"right":       ast.RoleValue,
	"value":       ast.RoleValue,
	"body":        ast.RoleBody,
	"parameters":  ast.RoleParameters,
	"parameter":   ast.RoleParameters,
}

// punctuation never carries meaning once the tree structure exists.
var punctuation = map[string]bool{
	",": true, ";": true, "(": true, ")": true, "{": true, "}": true,
	"[": true, "]": true, "\"": true, "'": true, "`": true,
}

var javascriptKinds = map[string]ast.Kind{
	"program":                         ast.KindProgram,
	"call_expression":                 ast.KindCall,
	"new_expression":                  ast.KindCall,
	"assignment_expression":           ast.KindAssignment,
	"augmented_assignment_expression": ast.KindAssignment,
	"variable_declarator":             ast.KindDeclaration,
	"binary_expression":               ast.KindBinaryOp,
	"identifier":                      ast.KindIdentifier,
	"shorthand_property_identifier":   ast.KindIdentifier,
	"this":                            ast.KindIdentifier,
	"string":                          ast.KindLiteral,
	"template_string":                 ast.KindLiteral,
	"number":                          ast.KindLiteral,
	"regex":                           ast.KindLiteral,
	"true":                            ast.KindLiteral,
	"false":                           ast.KindLiteral,
	"null":                            ast.KindLiteral,
	"undefined":                       ast.KindLiteral,
	"member_expression":               ast.KindFieldAccess,
	"subscript_expression":            ast.KindFieldAccess,
	"function_declaration":            ast.KindFunction,
	"generator_function_declaration":  ast.KindFunction,
	"function_expression":             ast.KindFunction,
	"function":                        ast.KindFunction,
	"arrow_function":                  ast.KindFunction,
	"method_definition":               ast.KindFunction,
	"formal_parameters":               ast.KindList,
	"required_parameter":              ast.KindParameter,
	"optional_parameter":              ast.KindParameter,
	"return_statement":                ast.KindReturn,
	"statement_block":                 ast.KindBlock,
	"if_statement":                    ast.KindBranch,
	"else_clause":                     ast.KindBranch,
	"for_statement":                   ast.KindBranch,
	"for_in_statement":                ast.KindBranch,
	"while_statement":                 ast.KindBranch,
	"do_statement":                    ast.KindBranch,
	"switch_statement":                ast.KindBranch,
	"switch_case":                     ast.KindBranch,
	"try_statement":                   ast.KindBranch,
	"catch_clause":                    ast.KindBranch,
	"ternary_expression":              ast.KindBranch,
	"expression_statement":            ast.KindStatement,
	"lexical_declaration":             ast.KindStatement,
	"variable_declaration":            ast.KindStatement,
}

var javascriptRoles = map[string]ast.Role{
	"variable_declarator.name": ast.RoleTarget,
	"arrow_function.parameter": ast.RoleParameters,
	"method_definition.name":   ast.RoleName,
}

var profiles = map[ast.Language]*profile{
	ast.JavaScript: {
		grammar:    javascript.GetLanguage,
		kinds:      javascriptKinds,
		roles:      javascriptRoles,
		collapse:   map[string]bool{"parenthesized_expression": true},
		terminated: true,
		wrappers: []wrapper{
			{},
			{prefix: "class __Wrapper__ {\n", suffix: "\n}"},
		},
	},
	ast.TypeScript: {
		grammar:    typescript.GetLanguage,
		kinds:      javascriptKinds,
		roles:      javascriptRoles,
		collapse:   map[string]bool{"parenthesized_expression": true},
		drop:       map[string]bool{"type_annotation": true},
		terminated: true,
		wrappers: []wrapper{
			{},
			{prefix: "class __Wrapper__ {\n", suffix: "\n}"},
		},
	},
	ast.Java: {
		grammar: java.GetLanguage,
		kinds: map[string]ast.Kind{
			"program":                        ast.KindProgram,
			"method_invocation":              ast.KindCall,
			"object_creation_expression":     ast.KindCall,
			"assignment_expression":          ast.KindAssignment,
			"variable_declarator":            ast.KindDeclaration,
			"binary_expression":              ast.KindBinaryOp,
			"identifier":                     ast.KindIdentifier,
			"this":                           ast.KindIdentifier,
			"string_literal":                 ast.KindLiteral,
			"character_literal":              ast.KindLiteral,
			"decimal_integer_literal":        ast.KindLiteral,
			"hex_integer_literal":            ast.KindLiteral,
			"decimal_floating_point_literal": ast.KindLiteral,
			"true":                           ast.KindLiteral,
			"false":                          ast.KindLiteral,
			"null_literal":                   ast.KindLiteral,
			"field_access":                   ast.KindFieldAccess,
			"array_access":                   ast.KindFieldAccess,
			"method_declaration":             ast.KindFunction,
			"constructor_declaration":        ast.KindFunction,
			"lambda_expression":              ast.KindFunction,
			"formal_parameters":              ast.KindList,
			"formal_parameter":               ast.KindParameter,
			"spread_parameter":               ast.KindParameter,
			"return_statement":               ast.KindReturn,
			"block":                          ast.KindBlock,
			"constructor_body":               ast.KindBlock,
			"if_statement":                   ast.KindBranch,
			"for_statement":                  ast.KindBranch,
			"enhanced_for_statement":         ast.KindBranch,
			"while_statement":                ast.KindBranch,
			"do_statement":                   ast.KindBranch,
			"switch_expression":              ast.KindBranch,
			"switch_block_statement_group":   ast.KindBranch,
			"try_statement":                  ast.KindBranch,
			"catch_clause":                   ast.KindBranch,
			"ternary_expression":             ast.KindBranch,
			"expression_statement":           ast.KindStatement,
			"local_variable_declaration":     ast.KindStatement,
		},
		roles: map[string]ast.Role{
			"variable_declarator.name":        ast.RoleTarget,
			"method_invocation.name":          ast.RoleName,
			"object_creation_expression.type": ast.RoleCallee,
			"array_access.array":              ast.RoleObject,
			"lambda_expression.parameters":    ast.RoleParameters,
		},
		collapse:   map[string]bool{"parenthesized_expression": true},
		terminated: true,
		wrappers: []wrapper{
			{},
			{prefix: "class __Wrapper__ {\n", suffix: "\n}"},
			{prefix: "class __Wrapper__ {\nvoid __wrapped__() {\n", suffix: "\n}\n}"},
		},
	},
	ast.Python: {
		grammar: python.GetLanguage,
		kinds: map[string]ast.Kind{
			"module":                  ast.KindProgram,
			"call":                    ast.KindCall,
			"assignment":              ast.KindAssignment,
			"augmented_assignment":    ast.KindAssignment,
			"binary_operator":         ast.KindBinaryOp,
			"boolean_operator":        ast.KindBinaryOp,
			"comparison_operator":     ast.KindBinaryOp,
			"identifier":              ast.KindIdentifier,
			"string":                  ast.KindLiteral,
			"integer":                 ast.KindLiteral,
			"float":                   ast.KindLiteral,
			"true":                    ast.KindLiteral,
			"false":                   ast.KindLiteral,
			"none":                    ast.KindLiteral,
			"attribute":               ast.KindFieldAccess,
			"subscript":               ast.KindFieldAccess,
			"function_definition":     ast.KindFunction,
			"lambda":                  ast.KindFunction,
			"parameters":              ast.KindList,
			"lambda_parameters":       ast.KindList,
			"default_parameter":       ast.KindParameter,
			"typed_parameter":         ast.KindParameter,
			"typed_default_parameter": ast.KindParameter,
			"pattern_list":            ast.KindList,
			"expression_list":         ast.KindList,
			"return_statement":        ast.KindReturn,
			"block":                   ast.KindBlock,
			"if_statement":            ast.KindBranch,
			"elif_clause":             ast.KindBranch,
			"else_clause":             ast.KindBranch,
			"for_statement":           ast.KindBranch,
			"while_statement":         ast.KindBranch,
			"try_statement":           ast.KindBranch,
			"except_clause":           ast.KindBranch,
			"with_statement":          ast.KindBranch,
			"conditional_expression":  ast.KindBranch,
			"expression_statement":    ast.KindStatement,
		},
		roles: map[string]ast.Role{
			"subscript.value": ast.RoleObject,
		},
		collapse: map[string]bool{"parenthesized_expression": true},
		drop:     map[string]bool{"string_start": true, "string_end": true},
		wrappers: []wrapper{{}},
	},
	ast.Go: {
		grammar: golang.GetLanguage,
		kinds: map[string]ast.Kind{
			"source_file":                 ast.KindProgram,
			"call_expression":             ast.KindCall,
			"assignment_statement":        ast.KindAssignment,
			"short_var_declaration":       ast.KindDeclaration,
			"var_spec":                    ast.KindDeclaration,
			"const_spec":                  ast.KindDeclaration,
			"binary_expression":           ast.KindBinaryOp,
			"identifier":                  ast.KindIdentifier,
			"field_identifier":            ast.KindIdentifier,
			"interpreted_string_literal":  ast.KindLiteral,
			"raw_string_literal":          ast.KindLiteral,
			"int_literal":                 ast.KindLiteral,
			"float_literal":               ast.KindLiteral,
			"rune_literal":                ast.KindLiteral,
			"true":                        ast.KindLiteral,
			"false":                       ast.KindLiteral,
			"nil":                         ast.KindLiteral,
			"selector_expression":         ast.KindFieldAccess,
			"index_expression":            ast.KindFieldAccess,
			"function_declaration":        ast.KindFunction,
			"method_declaration":          ast.KindFunction,
			"func_literal":                ast.KindFunction,
			"parameter_list":              ast.KindList,
			"parameter_declaration":       ast.KindParameter,
			"expression_list":             ast.KindList,
			"return_statement":            ast.KindReturn,
			"block":                       ast.KindBlock,
			"if_statement":                ast.KindBranch,
			"for_statement":               ast.KindBranch,
			"expression_switch_statement": ast.KindBranch,
			"type_switch_statement":       ast.KindBranch,
			"select_statement":            ast.KindBranch,
			"expression_case":             ast.KindBranch,
			"default_case":                ast.KindBranch,
			"expression_statement":        ast.KindStatement,
		},
		roles: map[string]ast.Role{
			"var_spec.name":   ast.RoleTarget,
			"const_spec.name": ast.RoleTarget,
		},
		collapse:   map[string]bool{"parenthesized_expression": true},
		terminated: true,
		wrappers: []wrapper{
			{},
			{prefix: "package __wrapper__\nfunc __wrapped__() {\n", suffix: "\n}"},
			{prefix: "package __wrapper__\n", suffix: "\n"},
		},
	},
}

// roleFor resolves the semantic slot of a child reached through the given grammar field.
func (p *profile) roleFor(parentType, field string) ast.Role {
	if field == "" {
		return ast.RoleNone
	}
	if r, ok := p.roles[parentType+"."+field]; ok {
		return r
	}
	return genericRoles[field]
}

// kindFor maps a grammar type onto a semantic category.
func (p *profile) kindFor(typ string, named, leaf bool) ast.Kind {
	if k, ok := p.kinds[typ]; ok {
		return k
	}
	switch {
	case !named:
		return ast.KindOther
	case leaf && (typ == "identifier" || hasSuffix(typ, "_identifier")):
		return ast.KindIdentifier
	case hasSuffix(typ, "_statement"):
		return ast.KindStatement
	default:
		return ast.KindOther
	}
}

// dropped reports tokens that are removed from the normalized tree.
func (p *profile) dropped(typ string, named bool) bool {
	if !named && punctuation[typ] {
		return true
	}
	if hasSuffix(typ, "comment") {
		return true
	}
	return p.drop[typ]
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// Supported reports whether a language has a registered grammar.
func Supported(lang ast.Language) bool {
	_, ok := profiles[lang]
	return ok
}
