package sqldsl

// TableExpr is the interface for table expressions in FROM and JOIN clauses.
// Types that can be used as table sources implement this interface.
type TableExpr interface {
	// TableSQL returns the SQL for use in FROM/JOIN clauses.
	TableSQL() string
	// TableAlias returns the alias if any (empty string if none).
	TableAlias() string
}

// TableRef wraps a table name for use as a TableExpr. Name is rendered as
// given; quote it with QuoteIdent or QuoteQualified.
type TableRef struct {
	Name  string
	Alias string
}

// TableSQL implements TableExpr.
func (t TableRef) TableSQL() string {
	if t.Alias != "" {
		return t.Name + " AS " + t.Alias
	}
	return t.Name
}

// TableAlias implements TableExpr.
func (t TableRef) TableAlias() string {
	return t.Alias
}

// TableAs creates a table reference with an alias.
func TableAs(name, alias string) TableRef {
	return TableRef{Name: name, Alias: alias}
}

// SubqueryTable is a derived table: (query) AS alias.
type SubqueryTable struct {
	Query   SQLer
	Alias   string
	Lateral bool
}

// TableSQL implements TableExpr.
func (s SubqueryTable) TableSQL() string {
	prefix := ""
	if s.Lateral {
		prefix = "LATERAL "
	}
	return prefix + "(\n" + IndentLines(s.Query.SQL(), "    ") + "\n) AS " + s.Alias
}

// TableAlias implements TableExpr.
func (s SubqueryTable) TableAlias() string {
	return s.Alias
}

// FunctionTable is a set-returning function call used as a table, with an
// optional WITH ORDINALITY and column alias list.
//
// Example: FunctionTable{Name: "unnest", Args: []Expr{p}, Ordinality: true, Alias: "k", Columns: []string{"key", "ord"}}
// Renders: unnest($1::text[]) WITH ORDINALITY AS k(key, ord)
type FunctionTable struct {
	Name       string
	Args       []Expr
	Ordinality bool
	Alias      string
	Columns    []string
}

// TableSQL implements TableExpr.
func (f FunctionTable) TableSQL() string {
	result := f.Name + "(" + joinSQL(f.Args, ", ") + ")"
	if f.Ordinality {
		result += " WITH ORDINALITY"
	}
	if f.Alias != "" {
		result += " AS " + f.Alias
		if len(f.Columns) > 0 {
			result += "(" + joinStrings(f.Columns, ", ") + ")"
		}
	}
	return result
}

// TableAlias implements TableExpr.
func (f FunctionTable) TableAlias() string {
	return f.Alias
}

// joinStrings joins strings with a separator.
func joinStrings(strs []string, sep string) string {
	if len(strs) == 0 {
		return ""
	}
	result := strs[0]
	for _, s := range strs[1:] {
		result += sep + s
	}
	return result
}
