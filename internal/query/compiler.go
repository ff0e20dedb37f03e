// Package query compiles filter trees and role permissions into SQL
// predicates.
//
// A Compiler is built once per type map and shared by every request; all
// per-request state lives in a Statement. The compiler only caches parsed
// permission documents.
package query

import (
	"sync"

	"github.com/pthm/strata/internal/handler"
	"github.com/pthm/strata/internal/naming"
	"github.com/pthm/strata/internal/sqlgen/sqldsl"
	"github.com/pthm/strata/pkg/schema"
)

// DefaultUserType is the type the user section of permission queries
// resolves against.
const DefaultUserType = "User"

// Compiler compiles filters and permissions for the types of one type map.
type Compiler struct {
	types    schema.TypeMap
	handlers *handler.Registry
	schema   string
	userType string

	mu   sync.RWMutex
	docs map[string]*PermissionDocument
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithSchema qualifies every table with the given PostgreSQL schema.
func WithSchema(name string) Option {
	return func(c *Compiler) {
		c.schema = name
	}
}

// WithUserType sets the type principals are stored in.
func WithUserType(name string) Option {
	return func(c *Compiler) {
		c.userType = name
	}
}

// NewCompiler returns a compiler resolving fields through handlers.
func NewCompiler(handlers *handler.Registry, opts ...Option) *Compiler {
	c := &Compiler{
		types:    handlers.Types(),
		handlers: handlers,
		userType: DefaultUserType,
		docs:     make(map[string]*PermissionDocument),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Types returns the type map the compiler was built for.
func (c *Compiler) Types() schema.TypeMap {
	return c.types
}

// Handlers returns the field handler registry.
func (c *Compiler) Handlers() *handler.Registry {
	return c.handlers
}

// Schema returns the PostgreSQL schema tables are qualified with.
func (c *Compiler) Schema() string {
	return c.schema
}

// Form returns the storage form a scope reads typ from.
func (c *Compiler) Form(scope *Scope, typ *schema.TypeDefinition) naming.Form {
	if typ.Content && !scope.Preview {
		return naming.Published
	}
	return naming.Draft
}

// Table returns the quoted table holding form of typ.
func (c *Compiler) Table(typ *schema.TypeDefinition, form naming.Form) string {
	return naming.QualifiedTable(c.schema, typ.Name, form)
}

// From returns the table reference typ is read from in scope.
func (c *Compiler) From(scope *Scope, typ *schema.TypeDefinition, alias string) sqldsl.TableRef {
	return sqldsl.TableAs(c.Table(typ, c.Form(scope, typ)), alias)
}

// Column returns the column of field under alias.
func Column(alias, field string) sqldsl.Col {
	return sqldsl.QCol(alias, naming.Column(field))
}

// Visibility returns the locale predicate of versioned types, or nil.
func (c *Compiler) Visibility(st *Statement, typ *schema.TypeDefinition, alias string) sqldsl.Expr {
	if !typ.Content || st.Scope.Locale == "" {
		return nil
	}
	return sqldsl.Eq{
		Left:  sqldsl.QCol(alias, naming.ColLocale),
		Right: st.Params.Add(st.Scope.Locale, "text"),
	}
}

// Select builds SELECT alias.* over typ with the visibility, filter and op
// permission predicates applied. It returns the statement and the alias of
// typ.
func (c *Compiler) Select(st *Statement, typ *schema.TypeDefinition, filter map[string]any, op schema.Operation) (*sqldsl.SelectStmt, string, error) {
	alias := st.Aliases.Next("n")
	stmt := &sqldsl.SelectStmt{
		ColumnExprs: []sqldsl.Expr{sqldsl.Star(alias)},
		FromExpr:    c.From(st.Scope, typ, alias),
	}
	stmt.AndWhere(c.Visibility(st, typ, alias))
	if err := c.ApplyFilter(st, stmt, typ, alias, filter); err != nil {
		return nil, "", err
	}
	if err := c.ApplyPermission(st, stmt, typ, alias, op); err != nil {
		return nil, "", err
	}
	return stmt, alias, nil
}
