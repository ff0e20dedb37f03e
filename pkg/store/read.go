package store

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"

	"github.com/pthm/strata"
	"github.com/pthm/strata/internal/query"
	"github.com/pthm/strata/internal/sqlgen/sqldsl"
	"github.com/pthm/strata/pkg/schema"
)

// Find returns the node of typeName matching where, or nil when none
// exists. where must identify at most one row, typically by id or a unique
// field.
//
// The READ permission is evaluated alongside the lookup rather than as a
// filter, so a row that exists but is not readable is reported as access
// denied instead of as missing.
func (p *Postgres) Find(ctx context.Context, typeName string, where map[string]any, rc *strata.RequestContext, preview bool) (map[string]any, error) {
	typ, err := p.object(typeName)
	if err != nil {
		return nil, err
	}
	if len(where) == 0 {
		return nil, strata.NewUserInputError(nil, "find on %s requires a where clause", typ.Name)
	}

	st := query.NewStatement(p.scope(ctx, rc, preview))
	alias := st.Aliases.Next("n")
	perm, err := p.compiler.Permission(st, typ, alias, schema.OpRead)
	if err != nil {
		return nil, err
	}
	stmt := &sqldsl.SelectStmt{
		ColumnExprs: []sqldsl.Expr{
			rowJSON(alias),
			sqldsl.SelectAs(sqldsl.Coalesce(orTrue(perm), sqldsl.Bool(false)), "allowed"),
		},
		FromExpr: p.compiler.From(st.Scope, typ, alias),
		OrderBy:  []sqldsl.OrderItem{{Expr: sqldsl.Raw("allowed"), Desc: true}},
		Limit:    1,
	}
	stmt.AndWhere(p.compiler.Visibility(st, typ, alias))
	pred, err := p.where(st, typ, alias, where)
	if err != nil {
		return nil, err
	}
	stmt.AndWhere(pred)

	var (
		raw     []byte
		allowed bool
	)
	err = p.db.QueryRowContext(ctx, st.Params.Render(stmt, 0), st.Params.Values()...).Scan(&raw, &allowed)
	if errors.Is(err, sql.ErrNoRows) {
		p.opts.hooks.DependsOn(ctx, typ.Name, "")
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find %s", typ.Name)
	}
	if !allowed {
		return nil, strata.NewAccessDeniedError(typ.Name, string(schema.OpRead))
	}
	node, err := p.decode(typ, raw)
	if err != nil {
		return nil, err
	}
	p.opts.hooks.DependsOn(ctx, typ.Name, nodeID(node))
	return node, nil
}

// FetchAll returns every readable node of typeName matching where, ordered
// by id. An empty where matches every row.
func (p *Postgres) FetchAll(ctx context.Context, typeName string, where map[string]any, rc *strata.RequestContext, preview bool) ([]map[string]any, error) {
	typ, err := p.object(typeName)
	if err != nil {
		return nil, err
	}

	st := query.NewStatement(p.scope(ctx, rc, preview))
	alias := st.Aliases.Next("n")
	stmt := &sqldsl.SelectStmt{
		ColumnExprs: []sqldsl.Expr{rowJSON(alias)},
		FromExpr:    p.compiler.From(st.Scope, typ, alias),
		OrderBy:     []sqldsl.OrderItem{{Expr: query.Column(alias, schema.IdentityField)}},
	}
	stmt.AndWhere(p.compiler.Visibility(st, typ, alias))
	pred, err := p.where(st, typ, alias, where)
	if err != nil {
		return nil, err
	}
	stmt.AndWhere(pred)
	if err := p.compiler.ApplyPermission(st, stmt, typ, alias, schema.OpRead); err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, st.Params.Render(stmt, 0), st.Params.Values()...)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s", typ.Name)
	}
	defer rows.Close()

	var nodes []map[string]any
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.Wrapf(err, "scan %s", typ.Name)
		}
		node, err := p.decode(typ, raw)
		if err != nil {
			return nil, err
		}
		p.opts.hooks.DependsOn(ctx, typ.Name, nodeID(node))
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "fetch %s", typ.Name)
	}
	p.opts.hooks.DependsOn(ctx, typ.Name, "")
	return nodes, nil
}
