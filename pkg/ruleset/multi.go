package ruleset

import (
	"context"
	"fmt"
)

// Multi runs a preset of rulesets in order against one Context,
// isolating each from the others: a panic or error from one rule file
// is logged via OnError and does not stop the rest from running
// (spec.md §4.6: "each guarded by exception isolation so that one bad
// rules file does not drop the event").
type Multi struct {
	Sets    []RuleSet
	OnError func(index int, err error)
}

// Evaluate runs every member of m.Sets against rc in order.
func (m *Multi) Evaluate(ctx context.Context, rc *Context) (err error) {
	for i, rs := range m.Sets {
		if evalErr := m.runOne(ctx, rs, rc); evalErr != nil {
			if m.OnError != nil {
				m.OnError(i, evalErr)
			}
		}
	}
	return nil
}

func (m *Multi) runOne(ctx context.Context, rs RuleSet, rc *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ruleset: panic during evaluation: %v", r)
		}
	}()
	return rs.Evaluate(ctx, rc)
}
