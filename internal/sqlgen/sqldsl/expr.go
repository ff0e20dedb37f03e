package sqldsl

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Expr is the interface that all SQL expression types implement.
type Expr interface {
	SQL() string
}

// QuoteIdent renders name as a quoted identifier. Embedded quotes are doubled.
func QuoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// QuoteQualified renders schema.name with both parts quoted. An empty schema
// renders the bare quoted name.
func QuoteQualified(schema, name string) string {
	if schema == "" {
		return QuoteIdent(name)
	}
	return pgx.Identifier{schema, name}.Sanitize()
}

// Col represents a column reference (e.g., n1."email"). Column is rendered
// as given; use QCol to quote it.
type Col struct {
	Table  string
	Column string
}

// QCol builds a column reference with the column name quoted.
func QCol(table, column string) Col {
	return Col{Table: table, Column: QuoteIdent(column)}
}

// SQL renders the column reference.
func (c Col) SQL() string {
	if c.Table == "" {
		return c.Column
	}
	return c.Table + "." + c.Column
}

// Star selects every column of a table alias, or every column when empty.
type Star string

func (s Star) SQL() string {
	if s == "" {
		return "*"
	}
	return string(s) + ".*"
}

// Lit represents a literal string value (auto-quoted with single quotes).
// Only use it for values the program controls; caller input goes through
// Params.
type Lit string

// SQL renders the literal with single quotes.
func (l Lit) SQL() string {
	return "'" + strings.ReplaceAll(string(l), "'", "''") + "'"
}

// Raw is an escape hatch for arbitrary SQL expressions.
type Raw string

// SQL renders the raw SQL as-is.
func (r Raw) SQL() string {
	return string(r)
}

// Int represents an integer literal.
type Int int

// SQL renders the integer.
func (i Int) SQL() string {
	return fmt.Sprintf("%d", i)
}

// Bool represents a boolean literal.
type Bool bool

// SQL renders the boolean.
func (b Bool) SQL() string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

// Null represents SQL NULL.
type Null struct{}

// SQL renders NULL.
func (Null) SQL() string {
	return "NULL"
}

// Func represents a SQL function call.
type Func struct {
	Name string
	Args []Expr
}

// SQL renders the function call.
func (f Func) SQL() string {
	return f.Name + "(" + joinSQL(f.Args, ", ") + ")"
}

// Cast renders expr::type.
type Cast struct {
	Expr Expr
	Type string
}

func (c Cast) SQL() string {
	return c.Expr.SQL() + "::" + c.Type
}

// Alias wraps an expression with an alias (expr AS alias).
type Alias struct {
	Expr Expr
	Name string
}

// SQL renders the aliased expression.
func (a Alias) SQL() string {
	return a.Expr.SQL() + " AS " + a.Name
}

// SelectAs creates an aliased column expression (expr AS alias).
func SelectAs(expr Expr, alias string) Alias {
	return Alias{Expr: expr, Name: alias}
}

// Paren wraps an expression in parentheses.
type Paren struct {
	Expr Expr
}

// SQL renders the parenthesized expression.
func (p Paren) SQL() string {
	return "(" + p.Expr.SQL() + ")"
}

// Concat represents SQL string concatenation (||).
type Concat struct {
	Parts []Expr
}

// SQL renders the concatenation.
func (c Concat) SQL() string {
	if len(c.Parts) == 0 {
		return "''"
	}
	return joinSQL(c.Parts, " || ")
}

// Coalesce renders coalesce(args...).
func Coalesce(args ...Expr) Func {
	return Func{Name: "coalesce", Args: args}
}

// Lower renders lower(expr).
func Lower(expr Expr) Func {
	return Func{Name: "lower", Args: []Expr{expr}}
}

// Subquery renders a statement as a scalar or row subquery: (stmt).
type Subquery struct {
	Query SQLer
}

func (s Subquery) SQL() string {
	return "(" + s.Query.SQL() + ")"
}

// RowValue renders a row constructor (a, b, c). A single element renders
// without parentheses.
type RowValue []Expr

func (r RowValue) SQL() string {
	if len(r) == 1 {
		return r[0].SQL()
	}
	return "(" + joinSQL(r, ", ") + ")"
}

func joinSQL(exprs []Expr, sep string) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = e.SQL()
	}
	return strings.Join(parts, sep)
}
