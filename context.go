package strata

import (
	"context"
	"slices"
)

// Built-in role names. Applications may declare any other role string in
// their permissions; these are the ones the store assigns itself.
const (
	RoleAnonymous     = "ANONYMOUS"
	RoleAuthenticated = "AUTHENTICATED"
	RoleStaff         = "STAFF"
	RoleAdmin         = "ADMIN"
	RoleRuntime       = "RUNTIME"
)

// Principal is the authenticated actor of a request. An empty ID means the
// request is anonymous.
type Principal struct {
	ID    string
	Roles []string
}

// RequestContext is everything the compilers need to know about the caller.
// It is produced by the (external) authentication layer.
type RequestContext struct {
	Principal Principal
	// Locale restricts versioned types to rows of one locale. Empty means any.
	Locale string
	// Preview reads draft storage of versioned types instead of published storage.
	Preview bool
	// Decision overrides permission compilation for trusted callers.
	Decision Decision
}

// Anonymous returns a RequestContext for an unauthenticated caller.
func Anonymous() *RequestContext {
	return &RequestContext{Principal: Principal{Roles: []string{RoleAnonymous}}}
}

// Authenticated returns a RequestContext for a signed-in user with the given
// extra roles. ANONYMOUS and AUTHENTICATED are always included.
func Authenticated(userID string, roles ...string) *RequestContext {
	all := append([]string{RoleAnonymous, RoleAuthenticated}, roles...)
	return &RequestContext{Principal: Principal{ID: userID, Roles: all}}
}

// Trusted returns a RequestContext that bypasses permission predicates.
func Trusted() *RequestContext {
	return &RequestContext{
		Principal: Principal{Roles: []string{RoleRuntime}},
		Decision:  DecisionAllow,
	}
}

// HasRole reports whether the principal carries role.
func (rc *RequestContext) HasRole(role string) bool {
	if rc == nil {
		return false
	}
	return slices.Contains(rc.Principal.Roles, role)
}

// IsAnonymous reports whether no principal id is present.
func (rc *RequestContext) IsAnonymous() bool {
	return rc == nil || rc.Principal.ID == ""
}

// EffectiveDecision resolves the decision for this request, falling back to
// any decision carried on ctx.
func (rc *RequestContext) EffectiveDecision(ctx context.Context) Decision {
	if rc != nil && rc.Decision != DecisionUnset {
		return rc.Decision
	}
	if ctx == nil {
		return DecisionUnset
	}
	return GetDecisionContext(ctx)
}
