package connection

import (
	"strings"

	"github.com/pthm/strata"
	"github.com/pthm/strata/internal/batch"
	"github.com/pthm/strata/internal/handler"
	"github.com/pthm/strata/internal/query"
	"github.com/pthm/strata/internal/sqlgen/sqldsl"
	"github.com/pthm/strata/pkg/schema"
)

// edgeColumn carries the edge row of join-type connections in page rows.
const edgeColumn = "_edge"

// page is the per-key statement of a connection group, correlated with the
// k.key column of the enclosing unnest.
type page struct {
	stmt *sqldsl.SelectStmt
	// order are the sort columns, for re-ordering the aggregated rows.
	order []string
	desc  bool
}

// keyRef is the source key of the current unnest row, cast to the type of
// the column it is compared with.
func keyRef(cast string) sqldsl.Expr {
	return sqldsl.Cast{Expr: sqldsl.Raw("k.key"), Type: cast}
}

// scan starts the statement over the node (and edge) rows of the current
// key, with visibility, filter and READ permission applied. It returns the
// node alias.
func (l *Loader) scan(st *query.Statement, filter map[string]any, columns bool) (*sqldsl.SelectStmt, string, error) {
	c := l.compiler
	node, conn := l.node, l.conn
	na := st.Aliases.Next("n")
	stmt := &sqldsl.SelectStmt{}
	if columns {
		stmt.ColumnExprs = []sqldsl.Expr{sqldsl.Star(na)}
	}

	if !conn.IsJoin() {
		stmt.FromExpr = c.From(st.Scope, node, na)
		stmt.AndWhere(sqldsl.Eq{Left: query.Column(na, conn.NodeField), Right: keyRef(l.source.Cast())})
	} else {
		ea := st.Aliases.Next("e")
		stmt.FromExpr = c.From(st.Scope, l.edge, ea)
		stmt.Joins = append(stmt.Joins, sqldsl.JoinClause{
			Type:      "INNER",
			TableExpr: c.From(st.Scope, node, na),
			On:        sqldsl.Eq{Left: query.Column(na, conn.NodeKeyField), Right: query.Column(ea, conn.EdgeNodeField)},
		})
		if columns {
			stmt.ColumnExprs = append(stmt.ColumnExprs,
				sqldsl.SelectAs(sqldsl.Func{Name: "row_to_json", Args: []sqldsl.Expr{sqldsl.Raw(ea)}}, edgeColumn))
		}
		stmt.AndWhere(sqldsl.Eq{Left: query.Column(ea, conn.EdgeSourceField), Right: keyRef(l.source.Cast())})
		stmt.AndWhere(c.Visibility(st, l.edge, ea))
		if err := c.ApplyPermission(st, stmt, l.edge, ea, schema.OpRead); err != nil {
			return nil, "", err
		}
	}

	stmt.AndWhere(c.Visibility(st, node, na))
	if err := c.ApplyFilter(st, stmt, node, na, filter); err != nil {
		return nil, "", err
	}
	if err := c.ApplyPermission(st, stmt, node, na, schema.OpRead); err != nil {
		return nil, "", err
	}
	return stmt, na, nil
}

// orderFields returns the sort fields of the node type with the identity
// appended as tiebreaker.
func (l *Loader) orderFields(fields []string) ([]string, error) {
	out := make([]string, 0, len(fields)+1)
	for _, name := range fields {
		h, err := l.compiler.Handlers().ResolveName(l.node, name)
		if err != nil {
			return nil, strata.NewUserInputError([]string{"order"}, "unknown sort field %s on %s", name, l.node.Name)
		}
		if h.Field().List || h.Kind() == handler.KindJSON {
			return nil, strata.NewUserInputError([]string{"order"}, "field %s of %s cannot be sorted on", name, l.node.Name)
		}
		out = append(out, name)
	}
	if len(out) == 0 || out[len(out)-1] != schema.IdentityField {
		out = append(out, schema.IdentityField)
	}
	return out, nil
}

// buildPage compiles the page of one group: boundary, order, limit+1 and
// skip applied to the scan.
func (l *Loader) buildPage(st *query.Statement, g *group) (*page, error) {
	fields, err := l.orderFields(g.win.fields)
	if err != nil {
		return nil, err
	}
	stmt, na, err := l.scan(st, g.args.Filter, true)
	if err != nil {
		return nil, err
	}

	if g.win.after != "" {
		bound, err := l.boundary(st, na, fields, g.win.after, afterOp(g.win.desc), "after")
		if err != nil {
			return nil, err
		}
		stmt.AndWhere(bound)
	}
	if g.win.before != "" {
		bound, err := l.boundary(st, na, fields, g.win.before, afterOp(!g.win.desc), "before")
		if err != nil {
			return nil, err
		}
		stmt.AndWhere(bound)
	}

	desc := g.win.fetchDesc()
	for _, f := range fields {
		stmt.OrderBy = append(stmt.OrderBy, sqldsl.OrderItem{Expr: query.Column(na, f), Desc: desc})
	}
	stmt.Limit = g.win.limit + 1
	stmt.Offset = g.win.skip
	return &page{stmt: stmt, order: fields, desc: desc}, nil
}

// afterOp is the comparison selecting rows after a cursor.
func afterOp(desc bool) string {
	if desc {
		return "<"
	}
	return ">"
}

// boundary compares the sort columns with those of the cursor row:
// (n1."a", n1."id") > (SELECT c2."a", c2."id" FROM node AS c2 WHERE c2."id" = $n).
func (l *Loader) boundary(st *query.Statement, na string, fields []string, cursorID, op, key string) (sqldsl.Expr, error) {
	c := l.compiler
	idh, err := c.Handlers().ResolveName(l.node, schema.IdentityField)
	if err != nil {
		return nil, err
	}
	id, err := idh.ToStore(cursorID)
	if err != nil {
		return nil, strata.NewUserInputError([]string{key}, "invalid cursor")
	}

	ca := st.Aliases.Next("c")
	left := make(sqldsl.RowValue, len(fields))
	right := make([]sqldsl.Expr, len(fields))
	for i, f := range fields {
		left[i] = query.Column(na, f)
		right[i] = query.Column(ca, f)
	}
	sub := sqldsl.SelectStmt{
		ColumnExprs: right,
		FromExpr:    c.From(st.Scope, l.node, ca),
		Where:       sqldsl.Eq{Left: query.Column(ca, schema.IdentityField), Right: st.Params.Add(id, idh.Cast())},
	}
	return sqldsl.RowCompare{Op: op, Left: left, Right: sqldsl.Subquery{Query: sub}}, nil
}

// pagePlan renders the group statement returning one JSON array of rows per
// source key, in key order:
//
//	SELECT k.key, coalesce(p.rows, '[]'::json) AS rows
//	FROM unnest($1::text[]) WITH ORDINALITY AS k(key, ord)
//	LEFT JOIN LATERAL (SELECT json_agg(...) AS rows FROM (<page>) AS x) AS p ON TRUE
//	ORDER BY k.ord
func (l *Loader) pagePlan(g *group) (*batch.Plan, error) {
	st := query.NewStatement(l.scope)
	keys := st.Params.AddArray(g.keys, "text")
	pg, err := l.buildPage(st, g)
	if err != nil {
		return nil, err
	}

	order := make([]string, len(pg.order))
	for i, f := range pg.order {
		order[i] = sqldsl.OrderItem{Expr: query.Column("x", f), Desc: pg.desc}.SQL()
	}
	agg := sqldsl.Func{Name: "json_agg", Args: []sqldsl.Expr{
		sqldsl.Raw("row_to_json(x) ORDER BY " + strings.Join(order, ", ")),
	}}
	lateral := sqldsl.SelectStmt{
		ColumnExprs: []sqldsl.Expr{sqldsl.SelectAs(agg, "rows")},
		FromExpr:    sqldsl.SubqueryTable{Query: pg.stmt, Alias: "x"},
	}
	stmt := sqldsl.SelectStmt{
		ColumnExprs: []sqldsl.Expr{
			sqldsl.Raw("k.key"),
			sqldsl.SelectAs(sqldsl.Coalesce(sqldsl.Raw("p.rows"), sqldsl.Raw("'[]'::json")), "rows"),
		},
		FromExpr: sqldsl.FunctionTable{
			Name: "unnest", Args: []sqldsl.Expr{keys},
			Ordinality: true, Alias: "k", Columns: []string{"key", "ord"},
		},
		Joins: []sqldsl.JoinClause{{
			Type:      "LEFT",
			TableExpr: sqldsl.SubqueryTable{Query: lateral, Alias: "p", Lateral: true},
			On:        sqldsl.Bool(true),
		}},
		OrderBy: []sqldsl.OrderItem{{Expr: sqldsl.Raw("k.ord")}},
	}
	return batch.NewPlan(stmt, st.Params), nil
}

// countPlan renders the total count of every key of a group, ignoring
// cursors and page size:
//
//	SELECT k.key, (SELECT count(*) FROM ... WHERE ...) AS count
//	FROM unnest($1::text[]) AS k(key)
func (l *Loader) countPlan(g *group) (*batch.Plan, error) {
	st := query.NewStatement(l.scope)
	keys := st.Params.AddArray(g.keys, "text")
	scan, _, err := l.scan(st, g.args.Filter, false)
	if err != nil {
		return nil, err
	}
	scan.ColumnExprs = []sqldsl.Expr{sqldsl.Raw("count(*)")}
	stmt := sqldsl.SelectStmt{
		ColumnExprs: []sqldsl.Expr{
			sqldsl.Raw("k.key"),
			sqldsl.SelectAs(sqldsl.Subquery{Query: scan}, "count"),
		},
		FromExpr: sqldsl.FunctionTable{
			Name: "unnest", Args: []sqldsl.Expr{keys},
			Alias: "k", Columns: []string{"key"},
		},
	}
	return batch.NewPlan(stmt, st.Params), nil
}
