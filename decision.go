package strata

import "context"

// Decision overrides row-level permission compilation for trusted callers.
// It is set explicitly on a RequestContext (or carried on a context.Context)
// so that every bypass is visible at the call site.
type Decision int

type decisionKey struct{}

const (
	// DecisionUnset means no override: permission predicates are compiled
	// from the type's declared permissions.
	DecisionUnset Decision = iota

	// DecisionAllow skips permission predicates entirely.
	// Use for migrations, background jobs, and administrative tooling.
	DecisionAllow

	// DecisionDeny compiles every permission predicate to FALSE.
	// Use for testing unauthorized code paths.
	DecisionDeny
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionDeny:
		return "deny"
	default:
		return "unset"
	}
}

// WithDecisionContext returns a new context carrying the given decision.
// RequestContext.Decision takes precedence when both are set.
func WithDecisionContext(ctx context.Context, decision Decision) context.Context {
	return context.WithValue(ctx, decisionKey{}, decision)
}

// GetDecisionContext retrieves the decision from context.
// Returns DecisionUnset if no decision is set.
func GetDecisionContext(ctx context.Context) Decision {
	if decision, ok := ctx.Value(decisionKey{}).(Decision); ok {
		return decision
	}
	return DecisionUnset
}
