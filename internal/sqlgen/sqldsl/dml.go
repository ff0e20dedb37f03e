package sqldsl

import "strings"

// Assignment is one column = value pair of an UPDATE or ON CONFLICT clause.
// Column is rendered as given.
type Assignment struct {
	Column string
	Value  Expr
}

func (a Assignment) SQL() string {
	return a.Column + " = " + a.Value.SQL()
}

// Excluded references the row proposed for insertion in ON CONFLICT DO UPDATE.
func Excluded(column string) Col {
	return Col{Table: "EXCLUDED", Column: column}
}

// OnConflict is the ON CONFLICT clause of an INSERT.
type OnConflict struct {
	// Target lists conflict columns. Where restricts the arbiter to a
	// partial unique index.
	Target []string
	Where  Expr
	// Update is empty for DO NOTHING. UpdateWhere restricts which
	// conflicting rows are updated.
	Update      []Assignment
	UpdateWhere Expr
}

func (o OnConflict) SQL() string {
	var sb strings.Builder
	sb.WriteString("ON CONFLICT")
	if len(o.Target) > 0 {
		sb.WriteString(" (" + strings.Join(o.Target, ", ") + ")")
	}
	if o.Where != nil {
		sb.WriteString(" WHERE " + o.Where.SQL())
	}
	if len(o.Update) == 0 {
		sb.WriteString(" DO NOTHING")
		return sb.String()
	}
	parts := make([]string, len(o.Update))
	for i, a := range o.Update {
		parts[i] = a.SQL()
	}
	sb.WriteString(" DO UPDATE SET " + strings.Join(parts, ", "))
	if o.UpdateWhere != nil {
		sb.WriteString(" WHERE " + o.UpdateWhere.SQL())
	}
	return sb.String()
}

// InsertStmt represents INSERT INTO ... VALUES or INSERT INTO ... SELECT.
type InsertStmt struct {
	Table      string
	Columns    []string
	Values     []Expr
	Query      SQLer
	OnConflict *OnConflict
	Returning  []Expr
}

// SQL renders the INSERT statement. With no columns it inserts DEFAULT VALUES.
func (i InsertStmt) SQL() string {
	var body string
	switch {
	case i.Query != nil:
		body = "(" + strings.Join(i.Columns, ", ") + ")\n" + i.Query.SQL()
	case len(i.Columns) == 0:
		body = "DEFAULT VALUES"
	default:
		body = "(" + strings.Join(i.Columns, ", ") + ")\nVALUES (" + joinSQL(i.Values, ", ") + ")"
	}
	conflict := ""
	if i.OnConflict != nil {
		conflict = i.OnConflict.SQL()
	}
	return joinLines("INSERT INTO "+i.Table+" "+body, conflict, returningSQL(i.Returning))
}

// UpdateStmt represents UPDATE ... SET ... WHERE.
type UpdateStmt struct {
	Table     TableRef
	Set       []Assignment
	Where     Expr
	Returning []Expr
}

func (u UpdateStmt) SQL() string {
	parts := make([]string, len(u.Set))
	for i, a := range u.Set {
		parts[i] = a.SQL()
	}
	where := ""
	if u.Where != nil {
		where = "WHERE " + u.Where.SQL()
	}
	return joinLines(
		"UPDATE "+u.Table.TableSQL(),
		"SET "+strings.Join(parts, ", "),
		where,
		returningSQL(u.Returning),
	)
}

// DeleteStmt represents DELETE FROM ... WHERE.
type DeleteStmt struct {
	Table     TableRef
	Where     Expr
	Returning []Expr
}

func (d DeleteStmt) SQL() string {
	where := ""
	if d.Where != nil {
		where = "WHERE " + d.Where.SQL()
	}
	return joinLines("DELETE FROM "+d.Table.TableSQL(), where, returningSQL(d.Returning))
}

func returningSQL(exprs []Expr) string {
	if len(exprs) == 0 {
		return ""
	}
	return "RETURNING " + joinSQL(exprs, ", ")
}
