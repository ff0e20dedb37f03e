package store

import (
	"context"
	"database/sql"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/pthm/strata"
	"github.com/pthm/strata/internal/metrics"
	"github.com/pthm/strata/internal/naming"
	"github.com/pthm/strata/internal/query"
	"github.com/pthm/strata/internal/sqlgen/sqldsl"
	"github.com/pthm/strata/pkg/schema"
)

// Default target statuses of Publish and Unpublish.
const (
	StatusPublished = "published"
	StatusDraft     = "draft"
)

// Publish copies the draft rows ids of the content type typeName into
// published storage and sets their status, "published" when status is
// empty. The transition is all or nothing: a missing id is an input error,
// and an id the PUBLISH permission excludes fails the whole call with
// access denied. It returns the published nodes.
func (p *Postgres) Publish(ctx context.Context, typeName string, ids []any, status string, rc *strata.RequestContext) ([]map[string]any, error) {
	typ, err := p.contentType(typeName)
	if err != nil {
		return nil, err
	}
	if status == "" {
		status = StatusPublished
	}
	scope := p.scope(ctx, rc, true)

	var nodes []map[string]any
	err = p.inTx(ctx, func(tx *sql.Tx) error {
		if err := p.checkTransition(ctx, tx, scope, typ, schema.OpPublish, ids); err != nil {
			return err
		}

		st := query.NewStatement(scope)
		da := st.Aliases.Next("n")
		idsExpr, _, err := p.bindIDs(st, typ, ids)
		if err != nil {
			return err
		}
		upd := sqldsl.UpdateStmt{
			Table: p.draft(typ, da),
			Set: []sqldsl.Assignment{
				{Column: naming.Quote(naming.ColStatus), Value: st.Params.Add(status, "text")},
				{Column: naming.Quote(naming.ColPublishedAt), Value: sqldsl.Func{Name: "now"}},
			},
			Where: sqldsl.AnyOf{Left: query.Column(da, schema.IdentityField), Array: idsExpr},
		}
		if err := p.exec(ctx, tx, typ, "publish", st, upd); err != nil {
			return err
		}

		st = query.NewStatement(scope)
		da, pa := st.Aliases.Next("n"), st.Aliases.Next("n")
		idsExpr, _, err = p.bindIDs(st, typ, ids)
		if err != nil {
			return err
		}
		cols := storedColumns(typ)
		quoted := make([]string, len(cols))
		source := make([]sqldsl.Expr, len(cols))
		var set []sqldsl.Assignment
		for i, col := range cols {
			quoted[i] = naming.Quote(col)
			source[i] = sqldsl.QCol(da, col)
			if col != naming.Column(schema.IdentityField) {
				set = append(set, sqldsl.Assignment{Column: quoted[i], Value: sqldsl.Excluded(quoted[i])})
			}
		}
		ins := sqldsl.InsertStmt{
			Table:   sqldsl.TableAs(p.compiler.Table(typ, naming.Published), pa).TableSQL(),
			Columns: quoted,
			Query: &sqldsl.SelectStmt{
				ColumnExprs: source,
				FromExpr:    p.draft(typ, da),
				Where:       sqldsl.AnyOf{Left: query.Column(da, schema.IdentityField), Array: idsExpr},
				OrderBy:     []sqldsl.OrderItem{{Expr: query.Column(da, schema.IdentityField)}},
			},
			OnConflict: &sqldsl.OnConflict{
				Target: []string{naming.Quote(naming.Column(schema.IdentityField))},
				Update: set,
			},
			Returning: []sqldsl.Expr{rowJSON(pa)},
		}
		nodes, err = p.collect(ctx, tx, typ, "publish", st, ins)
		return err
	})
	if err != nil {
		return nil, err
	}
	p.opts.logger.Debug("published nodes", "type", typ.Name, "count", len(nodes), "status", status)
	p.invalidate(ctx, typ, nodeIDs(nodes)...)
	return nodes, nil
}

// Unpublish removes the published copies of ids of the content type
// typeName and sets the status of their draft rows, "draft" when status is
// empty. Like Publish it is all or nothing under the UNPUBLISH permission.
// It returns the draft nodes.
func (p *Postgres) Unpublish(ctx context.Context, typeName string, ids []any, status string, rc *strata.RequestContext) ([]map[string]any, error) {
	typ, err := p.contentType(typeName)
	if err != nil {
		return nil, err
	}
	if status == "" {
		status = StatusDraft
	}
	scope := p.scope(ctx, rc, true)

	var nodes []map[string]any
	err = p.inTx(ctx, func(tx *sql.Tx) error {
		if err := p.checkTransition(ctx, tx, scope, typ, schema.OpUnpublish, ids); err != nil {
			return err
		}

		st := query.NewStatement(scope)
		pa := st.Aliases.Next("n")
		idsExpr, _, err := p.bindIDs(st, typ, ids)
		if err != nil {
			return err
		}
		del := sqldsl.DeleteStmt{
			Table: sqldsl.TableAs(p.compiler.Table(typ, naming.Published), pa),
			Where: sqldsl.AnyOf{Left: query.Column(pa, schema.IdentityField), Array: idsExpr},
		}
		if err := p.exec(ctx, tx, typ, "unpublish", st, del); err != nil {
			return err
		}

		st = query.NewStatement(scope)
		da := st.Aliases.Next("n")
		idsExpr, _, err = p.bindIDs(st, typ, ids)
		if err != nil {
			return err
		}
		upd := sqldsl.UpdateStmt{
			Table: p.draft(typ, da),
			Set: []sqldsl.Assignment{
				{Column: naming.Quote(naming.ColStatus), Value: st.Params.Add(status, "text")},
				{Column: naming.Quote(naming.ColPublishedAt), Value: sqldsl.Null{}},
			},
			Where:     sqldsl.AnyOf{Left: query.Column(da, schema.IdentityField), Array: idsExpr},
			Returning: []sqldsl.Expr{rowJSON(da)},
		}
		nodes, err = p.collect(ctx, tx, typ, "unpublish", st, upd)
		return err
	})
	if err != nil {
		return nil, err
	}
	p.opts.logger.Debug("unpublished nodes", "type", typ.Name, "count", len(nodes), "status", status)
	p.invalidate(ctx, typ, nodeIDs(nodes)...)
	return nodes, nil
}

func (p *Postgres) contentType(typeName string) (*schema.TypeDefinition, error) {
	typ, err := p.object(typeName)
	if err != nil {
		return nil, err
	}
	if !typ.Content {
		return nil, strata.NewUserInputError(nil, "%s is not a content type", typ.Name)
	}
	return typ, nil
}

// checkTransition locks the draft rows ids and verifies that every one
// exists and passes the op permission.
func (p *Postgres) checkTransition(ctx context.Context, tx *sql.Tx, scope *query.Scope, typ *schema.TypeDefinition, op schema.Operation, ids []any) error {
	st := query.NewStatement(scope)
	alias := st.Aliases.Next("n")
	idsExpr, keys, err := p.bindIDs(st, typ, ids)
	if err != nil {
		return err
	}
	perm, err := p.compiler.Permission(st, typ, alias, op)
	if err != nil {
		return err
	}
	stmt := &sqldsl.SelectStmt{
		ColumnExprs: []sqldsl.Expr{
			sqldsl.Cast{Expr: query.Column(alias, schema.IdentityField), Type: "text"},
			sqldsl.Coalesce(orTrue(perm), sqldsl.Bool(false)),
		},
		FromExpr:  p.draft(typ, alias),
		Where:     sqldsl.AnyOf{Left: query.Column(alias, schema.IdentityField), Array: idsExpr},
		ForUpdate: true,
	}
	rows, err := tx.QueryContext(ctx, st.Params.Render(stmt, 0), st.Params.Values()...)
	if err != nil {
		return errors.Wrapf(err, "check %s of %s", op, typ.Name)
	}
	defer rows.Close()

	found := make(map[string]bool, len(keys))
	denied := false
	for rows.Next() {
		var (
			id      string
			allowed bool
		)
		if err := rows.Scan(&id, &allowed); err != nil {
			return errors.Wrapf(err, "check %s of %s", op, typ.Name)
		}
		found[id] = true
		denied = denied || !allowed
	}
	if err := rows.Err(); err != nil {
		return errors.Wrapf(err, "check %s of %s", op, typ.Name)
	}

	var missing []string
	for _, k := range keys {
		if !found[k] {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return strata.NewUserInputError(missing, "unknown %s ids", typ.Name)
	}
	if denied {
		return strata.NewAccessDeniedError(typ.Name, string(op))
	}
	return nil
}

// storedColumns returns the columns shared by the draft and published
// tables of a content type: one per field, then the system columns.
func storedColumns(typ *schema.TypeDefinition) []string {
	cols := make([]string, 0, len(typ.Fields)+3)
	for _, f := range typ.Fields {
		cols = append(cols, naming.Column(f.Name))
	}
	return append(cols, naming.ColLocale, naming.ColStatus, naming.ColPublishedAt)
}

// exec runs a mutation whose rows are not needed.
func (p *Postgres) exec(ctx context.Context, tx *sql.Tx, typ *schema.TypeDefinition, op string, st *query.Statement, stmt sqldsl.SQLer) error {
	_, err := tx.ExecContext(ctx, st.Params.Render(stmt, 0), st.Params.Values()...)
	metrics.Statements.WithLabelValues(metrics.KindMutation).Inc()
	if err != nil {
		return p.translate(typ, op, err)
	}
	return nil
}

// collect runs a mutation returning row_to_json rows and decodes them.
func (p *Postgres) collect(ctx context.Context, tx *sql.Tx, typ *schema.TypeDefinition, op string, st *query.Statement, stmt sqldsl.SQLer) ([]map[string]any, error) {
	rows, err := tx.QueryContext(ctx, st.Params.Render(stmt, 0), st.Params.Values()...)
	metrics.Statements.WithLabelValues(metrics.KindMutation).Inc()
	if err != nil {
		return nil, p.translate(typ, op, err)
	}
	defer rows.Close()

	var nodes []map[string]any
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.Wrapf(err, "%s %s", op, typ.Name)
		}
		node, err := p.decode(typ, raw)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, p.translate(typ, op, err)
	}
	return nodes, nil
}

func nodeIDs(nodes []map[string]any) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = nodeID(n)
	}
	return ids
}
