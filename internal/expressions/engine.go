package expressions

import "context"

// Engine evaluates expressions against workflow document data.
// Three implementations: CEL (item conditions), Expr (done_when predicates),
// GoJQ (document queries).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
