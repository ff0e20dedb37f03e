// Package strata is the relational data-access core beneath a declaratively
// configured API.
//
// Given a type map (pkg/schema), a request context carrying the principal's
// roles, and a client filter/sort/pagination request, strata compiles a single
// parameterized PostgreSQL statement per distinct key set. Row-level security
// is enforced by conjoining permission predicates into every read and by
// re-checking them inside the transaction of every write.
//
// The package layout:
//
//   - pkg/schema: type definitions, validation, YAML loading
//   - pkg/connection: batched node and connection (pagination) loaders
//   - pkg/store: the Store contract and its PostgreSQL implementation
//   - pkg/migrator: runs the migration differ against a database
//
// The root package holds the types shared by all of them: RequestContext,
// Decision overrides, CacheHooks, and the error kinds.
//
// # Errors
//
// Errors fall into five kinds, each with a sentinel and an Is*Err helper:
//
//	node, err := st.Find(ctx, "User", where, rc, false)
//	if strata.IsAccessDeniedErr(err) {
//	    // principal may not read this row
//	}
//
// UserInputError is caused by the request and should be shown to the caller.
// HandlerError and MigrationError indicate configuration or deployment
// problems.
package strata
