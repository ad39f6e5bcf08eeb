package ruleset

import "context"

// Default is the reference RuleSet used when no compiled rules object
// is available for a client (spec.md §4.5: "a missing file is warned
// and leaves ruleset = None (all events pass with default
// forwarding)"). It leaves Result true and requests both state
// components be forwarded, since "default forwarding" otherwise has no
// observable effect and the sync buffer's round-trip law (spec.md §8.2)
// is only exercised when something crosses the boundary.
var Default RuleSet = RuleSetFunc(func(_ context.Context, rc *Context) error {
	rc.RequestForward("ENV")
	rc.RequestForward("TAGS")
	return nil
})

// NopCompiler is a Compiler that never succeeds, useful for tests
// exercising the "ruleset = None" path without a real rules directory.
type NopCompiler struct{}

// Compile always reports an error, simulating "no rules file for this
// client".
func (NopCompiler) Compile(path string) (RuleSet, error) {
	return nil, &missingRulesError{path: path}
}

type missingRulesError struct {
	path string
}

func (e *missingRulesError) Error() string {
	return "ruleset: no rules file at " + e.path
}
