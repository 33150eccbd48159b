// Package dataflow holds analyses over the normalized tree that both the matcher
// and the taint engine consume.
package dataflow

import (
	"github.com/xkilldash9x/scalpel-sast/internal/ast"
)

// unit is one scope: the file top level or a single function.
type unit struct {
	node ast.Node
	// own counts writes made directly in the unit, parameters included.
	own map[string]int
	// all counts writes anywhere under the unit, nested functions included.
	all map[string]int
	// literal holds the value of names whose only write is a scalar literal.
	literal map[string]ast.Node
}

// Constants resolves names that provably hold one scalar literal. A name is
// constant in a unit when it is written exactly once in that unit and everything
// nested in it, and that write assigns a string, number, boolean or null literal.
// References inside a nested function that never writes the name fall back to the
// enclosing unit.
type Constants struct {
	units []*unit // pre-order, so enclosing units come first
}

// ResolveConstants analyzes every unit under root.
func ResolveConstants(root ast.Node) *Constants {
	c := &Constants{}
	if root == nil {
		return c
	}
	c.units = append(c.units, newUnit(root))
	ast.Walk(root, func(n ast.Node) bool {
		if n != root && n.Kind() == ast.KindFunction {
			c.units = append(c.units, newUnit(n))
		}
		return true
	})

	for _, u := range c.units {
		if u.node.Kind() == ast.KindFunction {
			for _, p := range Parameters(u.node) {
				if name := ParameterName(p); name != "" {
					u.own[name]++
					u.all[name]++
				}
			}
		}
		scan(u, u.node, true)
	}
	return c
}

func newUnit(n ast.Node) *unit {
	return &unit{node: n, own: map[string]int{}, all: map[string]int{}, literal: map[string]ast.Node{}}
}

// scan records the writes under n. direct is false once a nested function is entered.
func scan(u *unit, n ast.Node, direct bool) {
	for _, c := range n.Children() {
		if c.Kind() == ast.KindFunction {
			for _, p := range Parameters(c) {
				if name := ParameterName(p); name != "" {
					u.all[name]++
				}
			}
			scan(u, c, false)
			continue
		}
		recordWrites(u, c, direct)
		scan(u, c, direct)
	}
}

func recordWrites(u *unit, n ast.Node, direct bool) {
	write := func(name string, value ast.Node) {
		u.all[name]++
		if !direct {
			return
		}
		u.own[name]++
		if value != nil && isScalarLiteral(value) {
			u.literal[name] = value
		} else {
			delete(u.literal, name)
		}
	}

	switch n.Kind() {
	case ast.KindAssignment, ast.KindDeclaration:
		target := ast.ChildByRole(n, ast.RoleTarget)
		if target == nil {
			return
		}
		value := ast.ChildByRole(n, ast.RoleValue)
		if IsCompound(n) {
			value = nil
		}
		targets, values := unpack(target), unpack(value)
		for i, t := range targets {
			var v ast.Node
			if len(values) == len(targets) {
				v = values[i]
			}
			for _, name := range writtenNames(t) {
				write(name, v)
			}
		}

	case ast.KindBranch:
		// Loop headers such as `for x in items` rebind their target.
		if target := ast.ChildByRole(n, ast.RoleTarget); target != nil {
			for _, name := range writtenNames(target) {
				write(name, nil)
			}
		}

	default:
		switch n.Type() {
		case "range_clause":
			if target := ast.ChildByRole(n, ast.RoleTarget); target != nil {
				for _, t := range unpack(target) {
					for _, name := range writtenNames(t) {
						write(name, nil)
					}
				}
			}
		case "update_expression", "inc_statement", "dec_statement":
			for _, c := range ast.NamedChildren(n) {
				for _, name := range writtenNames(c) {
					write(name, nil)
				}
			}
		}
	}
}

// Lookup returns the literal an identifier holds, if it is a known constant.
func (c *Constants) Lookup(id ast.Node) (ast.Node, bool) {
	if c == nil || id == nil || id.Kind() != ast.KindIdentifier || id.Role() == ast.RoleName {
		return nil, false
	}
	name := id.Text()
	r := id.Range()
	for i := len(c.units) - 1; i >= 0; i-- {
		u := c.units[i]
		if !u.node.Range().Contains(r) {
			continue
		}
		if u.own[name] == 0 {
			// Not declared here; the name belongs to an enclosing unit.
			continue
		}
		if u.all[name] != 1 {
			return nil, false
		}
		lit, ok := u.literal[name]
		return lit, ok
	}
	return nil, false
}

// isScalarLiteral accepts literals with no interpolated parts.
func isScalarLiteral(n ast.Node) bool {
	if n.Kind() != ast.KindLiteral {
		return false
	}
	plain := true
	ast.Walk(n, func(c ast.Node) bool {
		switch c.Type() {
		case "interpolation", "template_substitution":
			plain = false
		}
		return plain
	})
	return plain
}

// unpack flattens `a, b = 1, 2` style lists. A single element stays as is.
func unpack(n ast.Node) []ast.Node {
	if n == nil {
		return nil
	}
	if n.Kind() == ast.KindList {
		return ast.NamedChildren(n)
	}
	return []ast.Node{n}
}

// writtenNames lists the variables a target binds. Field and index targets mutate
// an object rather than rebinding a name, so they contribute nothing.
func writtenNames(target ast.Node) []string {
	switch target.Kind() {
	case ast.KindIdentifier:
		return []string{target.Text()}
	case ast.KindFieldAccess:
		return nil
	}
	var out []string
	ast.Walk(target, func(n ast.Node) bool {
		switch n.Kind() {
		case ast.KindFieldAccess, ast.KindFunction:
			return false
		case ast.KindIdentifier:
			if n.Role() != ast.RoleName {
				out = append(out, n.Text())
			}
		}
		return true
	})
	return out
}

// IsCompound reports operator assignments such as `+=`.
func IsCompound(n ast.Node) bool {
	for _, c := range n.Children() {
		if c.Named() {
			continue
		}
		if t := c.Text(); t != "=" && t != ":=" && len(t) > 1 && t[len(t)-1] == '=' {
			return true
		}
	}
	return false
}

// Parameters returns the parameter nodes of a function.
func Parameters(fn ast.Node) []ast.Node {
	params := ast.ChildByRole(fn, ast.RoleParameters)
	if params == nil {
		return nil
	}
	if params.Kind() != ast.KindList {
		return []ast.Node{params}
	}
	return ast.NamedChildren(params)
}

// ParameterName is the name a parameter binds, or "" when it has none.
func ParameterName(param ast.Node) string {
	if param.Kind() == ast.KindIdentifier {
		return param.Text()
	}
	if name := ast.ChildByRole(param, ast.RoleName); name != nil && name.Kind() == ast.KindIdentifier {
		return name.Text()
	}
	var found string
	ast.Walk(param, func(n ast.Node) bool {
		if found != "" {
			return false
		}
		if n.Kind() == ast.KindIdentifier && n.Type() == "identifier" {
			found = n.Text()
			return false
		}
		return true
	})
	return found
}
