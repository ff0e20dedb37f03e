// Package sqldsl provides a typed DSL for building PostgreSQL statements.
//
// # Overview
//
// Statements are composed from small typed values rather than string
// concatenation. Values supplied by callers never appear in the rendered text:
// they are registered on a Params set and rendered as numbered placeholders
// with an explicit cast, which keeps statements valid under prepared-statement
// execution and makes them safe to coalesce.
//
// # Core Interfaces
//
//   - Expr: SQL expressions (columns, literals, operators, function calls)
//   - SQLer: complete statements (SELECT, INSERT, UPDATE, DELETE)
//   - TableExpr: anything usable in FROM or JOIN
//
// # Expression Types
//
//	Col{Table: "n1", Column: `"email"`} // n1."email"
//	Lit("draft")                        // 'draft'
//	Int(42)                             // 42
//	Bool(true)                          // TRUE
//	Null{}                              // NULL
//	Raw("now()")                        // raw SQL (escape hatch)
//	params.Add("a@x.com", "text")       // $1::text
//
// Operators:
//
//	Eq{Left: col, Right: p}             // col = $1::text
//	AnyOf{Left: col, Array: p}          // col = ANY($1::text[])
//	Like{Expr: col, Pattern: p}         // col LIKE $1::text
//	And(a, b)                           // (a AND b)
//	Or(a, b)                            // (a OR b)
//	Exists{Query: stmt}                 // EXISTS (stmt)
//	RowCompare{Op: ">", ...}            // (a, b) > (c, d)
//
// # Parameters
//
// Placeholders are numbered when a statement is rendered, not when they are
// created. Params.Render renders a statement with its placeholders shifted by
// a base offset so independently built statements can be merged into one.
package sqldsl
