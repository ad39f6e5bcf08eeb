package ruleset

import "context"

// RuleSet is a compiled rules object. The core never parses or
// evaluates rule expressions itself (spec.md §1); it only calls
// Evaluate against a Context built for the current event.
type RuleSet interface {
	// Evaluate runs the compiled rules against rc, mutating it in
	// place. Implementations should treat ctx's deadline as advisory:
	// the router/agent is responsible for enforcing the ~2-second
	// rule-execution timeout bound (spec.md §5) by racing Evaluate
	// against ctx, not by Evaluate checking ctx itself.
	Evaluate(ctx context.Context, rc *Context) error
}

// Compiler loads a rules file (or rules_dir entry) into a RuleSet.
// Parse failures are the caller's to log and skip (spec.md §4.6:
// "parse failures are logged and skipped, the file is excluded").
type Compiler interface {
	Compile(path string) (RuleSet, error)
}

// RuleSetFunc adapts a plain function to RuleSet, useful for tests and
// for small built-in rule sets that don't need a file at all.
type RuleSetFunc func(ctx context.Context, rc *Context) error

// Evaluate calls f.
func (f RuleSetFunc) Evaluate(ctx context.Context, rc *Context) error {
	return f(ctx, rc)
}
