package query

import (
	"context"
	"strconv"

	"github.com/pthm/strata"
	"github.com/pthm/strata/internal/sqlgen/sqldsl"
)

// Scope is the request-level input of a compilation: who is asking, which
// storage form of versioned types is read, and which locale is visible.
type Scope struct {
	Request *strata.RequestContext
	// Preview reads the draft form of versioned types.
	Preview bool
	// Locale restricts versioned types to one locale. Empty means any.
	Locale string
	// Decision is the resolved permission override of the request.
	Decision strata.Decision
}

// NewScope resolves the scope of rc. A nil rc is anonymous. The decision
// carried on ctx applies when rc does not set one.
func NewScope(ctx context.Context, rc *strata.RequestContext) *Scope {
	if rc == nil {
		rc = strata.Anonymous()
	}
	return &Scope{
		Request:  rc,
		Preview:  rc.Preview,
		Locale:   rc.Locale,
		Decision: rc.EffectiveDecision(ctx),
	}
}

// TrustedScope returns a scope that skips permission predicates. The store
// uses it for its own lookups (mutation re-checks compile permissions
// separately).
func TrustedScope(preview bool, locale string) *Scope {
	return &Scope{
		Request:  strata.Trusted(),
		Preview:  preview,
		Locale:   locale,
		Decision: strata.DecisionAllow,
	}
}

// RequirePermissions reports whether permission predicates are compiled for
// this scope. Trusted decisions and the ADMIN role bypass them.
func (s *Scope) RequirePermissions() bool {
	if s.Decision == strata.DecisionAllow {
		return false
	}
	return !s.Request.HasRole(strata.RoleAdmin)
}

// AliasAllocator hands out table aliases that are unique within one
// statement. Prefixes must not end in a digit.
type AliasAllocator struct {
	n int
}

// Next returns a fresh alias such as n1, e2.
func (a *AliasAllocator) Next(prefix string) string {
	a.n++
	return prefix + strconv.Itoa(a.n)
}

// Statement is the mutable state of one statement under construction: its
// bind parameters and its aliases. It is not safe for concurrent use.
type Statement struct {
	Scope   *Scope
	Params  *sqldsl.Params
	Aliases *AliasAllocator
}

// NewStatement starts a statement in scope.
func NewStatement(scope *Scope) *Statement {
	return &Statement{
		Scope:   scope,
		Params:  sqldsl.NewParams(),
		Aliases: &AliasAllocator{},
	}
}
