// Package filter compiles CEL expressions into metadata predicates.
//
// Expressions see a single variable, `metadata`, holding the record's
// metadata map, and must evaluate to a bool:
//
//	metadata.source == "import" && metadata.priority > 2
//	has(metadata.pinned) && metadata.pinned
//
// Evaluation errors, such as reading a key the record does not have, count
// as a non-match.
package filter

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Predicate is a compiled metadata expression. It is safe for concurrent use.
type Predicate struct {
	Expression string
	program    cel.Program
}

// Compile parses and type-checks expr.
func Compile(expr string) (*Predicate, error) {
	if expr == "" {
		return nil, fmt.Errorf("metadata filter expression is empty")
	}

	env, err := cel.NewEnv(
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
		// Metadata numbers are float64; let `priority > 2` compare them
		// with integer literals.
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile metadata filter: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("metadata filter must return bool, got %s", ast.OutputType())
	}

	p, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build metadata filter program: %w", err)
	}
	return &Predicate{Expression: expr, program: p}, nil
}

// Match evaluates the predicate against metadata.
func (p *Predicate) Match(metadata map[string]any) bool {
	if metadata == nil {
		metadata = map[string]any{}
	}
	out, _, err := p.program.Eval(map[string]any{"metadata": metadata})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
