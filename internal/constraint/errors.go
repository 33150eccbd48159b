// Package constraint evaluates metavariable side conditions: regular expressions
// over bound text and typed comparison expressions.
package constraint

import "fmt"

// EvaluationError is a constraint that could not be evaluated for one candidate.
// It excludes that candidate only.
type EvaluationError struct {
	Expr   string
	Reason string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("cannot evaluate %q: %s", e.Expr, e.Reason)
}

func evalErrorf(expr, format string, args ...any) error {
	return &EvaluationError{Expr: expr, Reason: fmt.Sprintf(format, args...)}
}
