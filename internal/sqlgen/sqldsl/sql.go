package sqldsl

import (
	"fmt"
	"strings"
)

// SQLer is an interface for types that can render a complete statement.
type SQLer interface {
	SQL() string
}

// Optf returns formatted string if condition is true, empty string otherwise.
// Useful for optional SQL clauses.
func Optf(cond bool, format string, args ...any) string {
	if !cond {
		return ""
	}
	return fmt.Sprintf(format, args...)
}

// IndentLines adds the given indent prefix to each line of input.
func IndentLines(input, indent string) string {
	if input == "" {
		return ""
	}
	lines := strings.Split(strings.TrimSpace(input), "\n")
	for i, line := range lines {
		lines[i] = indent + line
	}
	return strings.Join(lines, "\n")
}

// JoinClause represents a SQL JOIN clause.
type JoinClause struct {
	Type      string // "INNER", "LEFT", "CROSS"
	TableExpr TableExpr
	On        Expr
}

// SQL renders the JOIN clause.
func (j JoinClause) SQL() string {
	joinKeyword := j.Type + " JOIN"
	if strings.Contains(j.Type, "JOIN") {
		joinKeyword = j.Type
	}
	tableSQL := j.TableExpr.TableSQL()
	if strings.HasPrefix(j.Type, "CROSS") || j.On == nil {
		return joinKeyword + " " + tableSQL
	}
	return joinKeyword + " " + tableSQL + " ON " + j.On.SQL()
}

// OrderItem is one ORDER BY term.
type OrderItem struct {
	Expr Expr
	Desc bool
}

func (o OrderItem) SQL() string {
	if o.Desc {
		return o.Expr.SQL() + " DESC"
	}
	return o.Expr.SQL() + " ASC"
}

// SelectStmt represents a SELECT query.
type SelectStmt struct {
	Distinct    bool
	ColumnExprs []Expr
	FromExpr    TableExpr
	Joins       []JoinClause
	Where       Expr
	GroupBy     []Expr
	OrderBy     []OrderItem
	Limit       int
	Offset      int
	ForUpdate   bool
}

// SQL renders the SELECT statement.
func (s SelectStmt) SQL() string {
	return joinLines(
		"SELECT "+Optf(s.Distinct, "DISTINCT ")+s.columnsSQL(),
		s.fromSQL(),
		s.joinsSQL(),
		s.whereSQL(),
		s.groupBySQL(),
		s.orderBySQL(),
		s.limitSQL(),
		Optf(s.ForUpdate, "FOR UPDATE"),
	)
}

// joinLines joins the non-empty clauses of a statement with newlines.
func joinLines(clauses ...string) string {
	out := make([]string, 0, len(clauses))
	for _, c := range clauses {
		if c != "" {
			out = append(out, c)
		}
	}
	return strings.Join(out, "\n")
}

// AndWhere conjoins expr into the WHERE clause. A nil expr is ignored.
// Repeated calls extend one flat AND list.
func (s *SelectStmt) AndWhere(expr Expr) {
	if expr == nil {
		return
	}
	switch w := s.Where.(type) {
	case nil:
		s.Where = expr
	case AndExpr:
		exprs := make([]Expr, 0, len(w.Exprs)+1)
		s.Where = AndExpr{Exprs: append(append(exprs, w.Exprs...), expr)}
	default:
		s.Where = And(w, expr)
	}
}

func (s SelectStmt) columnsSQL() string {
	if len(s.ColumnExprs) == 0 {
		return "1"
	}
	return joinSQL(s.ColumnExprs, ", ")
}

func (s SelectStmt) fromSQL() string {
	if s.FromExpr == nil {
		return ""
	}
	return "FROM " + s.FromExpr.TableSQL()
}

func (s SelectStmt) joinsSQL() string {
	if len(s.Joins) == 0 {
		return ""
	}
	parts := make([]string, len(s.Joins))
	for i, j := range s.Joins {
		parts[i] = j.SQL()
	}
	return strings.Join(parts, "\n")
}

func (s SelectStmt) whereSQL() string {
	if s.Where == nil {
		return ""
	}
	return "WHERE " + s.Where.SQL()
}

func (s SelectStmt) groupBySQL() string {
	if len(s.GroupBy) == 0 {
		return ""
	}
	return "GROUP BY " + joinSQL(s.GroupBy, ", ")
}

func (s SelectStmt) orderBySQL() string {
	if len(s.OrderBy) == 0 {
		return ""
	}
	parts := make([]string, len(s.OrderBy))
	for i, o := range s.OrderBy {
		parts[i] = o.SQL()
	}
	return "ORDER BY " + strings.Join(parts, ", ")
}

func (s SelectStmt) limitSQL() string {
	var parts []string
	if s.Limit > 0 {
		parts = append(parts, fmt.Sprintf("LIMIT %d", s.Limit))
	}
	if s.Offset > 0 {
		parts = append(parts, fmt.Sprintf("OFFSET %d", s.Offset))
	}
	return strings.Join(parts, " ")
}
