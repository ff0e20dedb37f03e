package store

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"

	"github.com/pthm/strata"
	"github.com/pthm/strata/internal/metrics"
	"github.com/pthm/strata/internal/naming"
	"github.com/pthm/strata/internal/query"
	"github.com/pthm/strata/internal/sqlgen/sqldsl"
	"github.com/pthm/strata/pkg/schema"
)

// Mutations always write the draft table, which is the only table of plain
// types and the working copy of content types. Published copies change
// through Publish and Unpublish only. The preview flag of a mutation
// selects the storage form that relation traversals inside its permission
// predicates read.

// inTx runs fn in a transaction that is committed when fn succeeds and
// rolled back otherwise.
func (p *Postgres) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit transaction")
}

// draft returns the draft table of typ under alias.
func (p *Postgres) draft(typ *schema.TypeDefinition, alias string) sqldsl.TableRef {
	return sqldsl.TableAs(p.compiler.Table(typ, naming.Draft), alias)
}

// mutate runs a single-row mutation returning row_to_json of the row, and
// decodes the row. A statement that matched no row returns nil.
func (p *Postgres) mutate(ctx context.Context, q queryer, typ *schema.TypeDefinition, op string, st *query.Statement, stmt sqldsl.SQLer, extra ...any) (map[string]any, error) {
	var raw []byte
	dest := append([]any{&raw}, extra...)
	err := q.QueryRowContext(ctx, st.Params.Render(stmt, 0), st.Params.Values()...).Scan(dest...)
	metrics.Statements.WithLabelValues(metrics.KindMutation).Inc()
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, p.translate(typ, op, err)
	}
	return p.decode(typ, raw)
}

// recheck evaluates the op permission predicate of scope against the
// current draft row id of typ. It fails with access denied when the row is
// not allowed (or gone).
func (p *Postgres) recheck(ctx context.Context, q queryer, scope *query.Scope, typ *schema.TypeDefinition, op schema.Operation, id any) error {
	st := query.NewStatement(scope)
	alias := st.Aliases.Next("n")
	perm, err := p.compiler.Permission(st, typ, alias, op)
	if err != nil {
		return err
	}
	if perm == nil {
		return nil
	}
	idExpr, err := p.bindID(st, typ, id)
	if err != nil {
		return err
	}
	stmt := &sqldsl.SelectStmt{
		ColumnExprs: []sqldsl.Expr{sqldsl.Coalesce(perm, sqldsl.Bool(false))},
		FromExpr:    p.draft(typ, alias),
		Where:       sqldsl.Eq{Left: query.Column(alias, schema.IdentityField), Right: idExpr},
	}
	var allowed bool
	err = q.QueryRowContext(ctx, st.Params.Render(stmt, 0), st.Params.Values()...).Scan(&allowed)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(err, "re-check %s permission on %s", op, typ.Name)
	}
	if !allowed {
		p.opts.logger.Debug("permission re-check failed, rolling back", "type", typ.Name, "operation", op)
		return strata.NewAccessDeniedError(typ.Name, string(op))
	}
	return nil
}

// exists reports whether the draft table of typ holds id.
func (p *Postgres) exists(ctx context.Context, q queryer, typ *schema.TypeDefinition, id any) (bool, error) {
	st := query.NewStatement(query.TrustedScope(true, ""))
	alias := st.Aliases.Next("n")
	idExpr, err := p.bindID(st, typ, id)
	if err != nil {
		return false, err
	}
	stmt := &sqldsl.SelectStmt{ColumnExprs: []sqldsl.Expr{sqldsl.Exists{Query: &sqldsl.SelectStmt{
		FromExpr: p.draft(typ, alias),
		Where:    sqldsl.Eq{Left: query.Column(alias, schema.IdentityField), Right: idExpr},
	}}}}
	var found bool
	if err := q.QueryRowContext(ctx, st.Params.Render(stmt, 0), st.Params.Values()...).Scan(&found); err != nil {
		return false, errors.Wrapf(err, "look up %s", typ.Name)
	}
	return found, nil
}

// denyOrMissing resolves a mutation that matched no row: access denied
// when the row exists, nil when it does not.
func (p *Postgres) denyOrMissing(ctx context.Context, q queryer, typ *schema.TypeDefinition, op schema.Operation, id any) error {
	found, err := p.exists(ctx, q, typ, id)
	if err != nil {
		return err
	}
	if found {
		return strata.NewAccessDeniedError(typ.Name, string(op))
	}
	return nil
}

// bindValues converts values of fields to bound column values.
func (p *Postgres) bindValues(st *query.Statement, typ *schema.TypeDefinition, values map[string]any, fields []string) ([]string, []sqldsl.Expr, error) {
	cols := make([]string, 0, len(fields)+1)
	exprs := make([]sqldsl.Expr, 0, len(fields)+1)
	for _, name := range fields {
		h, err := p.compiler.Handlers().ResolveName(typ, name)
		if err != nil {
			return nil, nil, err
		}
		v, err := h.ToStore(values[name])
		if err != nil {
			return nil, nil, err
		}
		cols = append(cols, naming.Quote(naming.Column(name)))
		exprs = append(exprs, st.Params.Add(v, h.Cast()))
	}
	if typ.Content && st.Scope.Locale != "" {
		cols = append(cols, naming.Quote(naming.ColLocale))
		exprs = append(exprs, st.Params.Add(st.Scope.Locale, "text"))
	}
	return cols, exprs, nil
}

// checkRequired rejects a new row of typ missing a required field that has
// no default.
func checkRequired(typ *schema.TypeDefinition, values map[string]any) error {
	var missing []string
	for _, f := range typ.Fields {
		if !f.Required || f.IsIdentity() || f.Default != nil {
			continue
		}
		if values[f.Name] == nil {
			missing = append(missing, f.Name)
		}
	}
	if len(missing) > 0 {
		return strata.NewUserInputError(missing, "missing required fields on %s", typ.Name)
	}
	return nil
}

// Create inserts one node of typeName and returns it. The CREATE
// permission is checked against the inserted row before commit.
func (p *Postgres) Create(ctx context.Context, typeName string, values map[string]any, rc *strata.RequestContext, preview bool) (map[string]any, error) {
	typ, err := p.object(typeName)
	if err != nil {
		return nil, err
	}
	scope := p.scope(ctx, rc, preview)
	fields := sortedFields(typ, values)
	if err := p.compiler.CheckFields(scope, typ, schema.OpCreate, fields); err != nil {
		return nil, err
	}
	if err := checkRequired(typ, values); err != nil {
		return nil, err
	}
	if err := p.checkQuota(ctx, typ, rc); err != nil {
		return nil, err
	}

	st := query.NewStatement(scope)
	alias := st.Aliases.Next("n")
	cols, exprs, err := p.bindValues(st, typ, values, fields)
	if err != nil {
		return nil, err
	}
	stmt := sqldsl.InsertStmt{
		Table:     p.draft(typ, alias).TableSQL(),
		Columns:   cols,
		Values:    exprs,
		Returning: []sqldsl.Expr{rowJSON(alias)},
	}

	var node map[string]any
	err = p.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if node, err = p.mutate(ctx, tx, typ, "create", st, stmt); err != nil {
			return err
		}
		if node == nil {
			return errors.Newf("insert into %s returned no row", typ.Name)
		}
		return p.recheck(ctx, tx, scope, typ, schema.OpCreate, node[schema.IdentityField])
	})
	if err != nil {
		return nil, err
	}
	p.opts.logger.Debug("created node", "type", typ.Name, "id", nodeID(node))
	p.invalidate(ctx, typ, nodeID(node))
	return node, nil
}

// Update sets the given fields of the node identified by values["id"] and
// returns the updated node, or nil when no such node exists. The UPDATE
// permission must hold before and after the write.
func (p *Postgres) Update(ctx context.Context, typeName string, values map[string]any, rc *strata.RequestContext, preview bool) (map[string]any, error) {
	typ, err := p.object(typeName)
	if err != nil {
		return nil, err
	}
	id := values[schema.IdentityField]
	var fields []string
	for _, name := range sortedFields(typ, values) {
		if name != schema.IdentityField {
			fields = append(fields, name)
		}
	}
	if len(fields) == 0 {
		return nil, strata.NewUserInputError(nil, "update of %s sets no fields", typ.Name)
	}
	scope := p.scope(ctx, rc, preview)
	if err := p.compiler.CheckFields(scope, typ, schema.OpUpdate, fields); err != nil {
		return nil, err
	}

	st := query.NewStatement(scope)
	alias := st.Aliases.Next("n")
	idExpr, err := p.bindID(st, typ, id)
	if err != nil {
		return nil, err
	}
	cols, exprs, err := p.bindValues(st, typ, values, fields)
	if err != nil {
		return nil, err
	}
	set := make([]sqldsl.Assignment, len(fields))
	for i := range fields {
		set[i] = sqldsl.Assignment{Column: cols[i], Value: exprs[i]}
	}
	perm, err := p.compiler.Permission(st, typ, alias, schema.OpUpdate)
	if err != nil {
		return nil, err
	}
	stmt := sqldsl.UpdateStmt{
		Table:     p.draft(typ, alias),
		Set:       set,
		Where:     sqldsl.And(sqldsl.Eq{Left: query.Column(alias, schema.IdentityField), Right: idExpr}, perm),
		Returning: []sqldsl.Expr{rowJSON(alias)},
	}

	var node map[string]any
	err = p.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if node, err = p.mutate(ctx, tx, typ, "update", st, stmt); err != nil {
			return err
		}
		if node == nil {
			return p.denyOrMissing(ctx, tx, typ, schema.OpUpdate, id)
		}
		return p.recheck(ctx, tx, scope, typ, schema.OpUpdate, id)
	})
	if err != nil || node == nil {
		return nil, err
	}
	p.opts.logger.Debug("updated node", "type", typ.Name, "id", nodeID(node), "fields", len(fields))
	p.invalidate(ctx, typ, nodeID(node))
	return node, nil
}

// conflictTarget picks the arbiter of an upsert: the identity when values
// carry one, otherwise the first unique field with a value. It returns the
// target fields and the arbiter predicate of partial unique indexes.
func conflictTarget(typ *schema.TypeDefinition, values map[string]any) ([]string, sqldsl.Expr, error) {
	if values[schema.IdentityField] != nil {
		return []string{schema.IdentityField}, nil, nil
	}
	for _, f := range typ.Fields {
		if f.Unique && !f.IsIdentity() && values[f.Name] != nil {
			col := naming.Quote(naming.Column(f.Name))
			return []string{f.Name}, sqldsl.IsNotNull{Expr: sqldsl.Raw(col)}, nil
		}
	}
	return nil, nil, strata.NewUserInputError(nil, "upsert of %s needs an id or a unique field", typ.Name)
}

// Upsert inserts a node or updates the node that has the same identity or
// unique field value. Fields whose access mask excludes UPDATE are written
// on insert only. The caller needs both the CREATE and the UPDATE grant,
// and whichever of the two permissions applies is re-checked before
// commit.
func (p *Postgres) Upsert(ctx context.Context, typeName string, values map[string]any, rc *strata.RequestContext, preview bool) (map[string]any, error) {
	typ, err := p.object(typeName)
	if err != nil {
		return nil, err
	}
	scope := p.scope(ctx, rc, preview)
	fields := sortedFields(typ, values)
	if err := p.compiler.CheckFields(scope, typ, schema.OpCreate, fields); err != nil {
		return nil, err
	}
	target, arbiter, err := conflictTarget(typ, values)
	if err != nil {
		return nil, err
	}
	var updates []string
	for _, name := range fields {
		if name != target[0] && typ.Field(name).HasAccess(schema.AccessUpdate) {
			updates = append(updates, name)
		}
	}
	if err := p.compiler.CheckFields(scope, typ, schema.OpUpdate, updates); err != nil {
		return nil, err
	}
	if err := checkRequired(typ, values); err != nil {
		return nil, err
	}
	if err := p.checkQuota(ctx, typ, rc); err != nil {
		return nil, err
	}

	st := query.NewStatement(scope)
	alias := st.Aliases.Next("n")
	cols, exprs, err := p.bindValues(st, typ, values, fields)
	if err != nil {
		return nil, err
	}
	perm, err := p.compiler.Permission(st, typ, alias, schema.OpUpdate)
	if err != nil {
		return nil, err
	}

	targetCols := naming.Columns(target)
	if arbiter != nil && typ.Content {
		targetCols = append(targetCols, naming.ColLocale)
	}
	conflict := &sqldsl.OnConflict{Where: arbiter, UpdateWhere: perm}
	for _, col := range targetCols {
		conflict.Target = append(conflict.Target, naming.Quote(col))
	}
	if len(updates) == 0 {
		updates = target
	}
	for _, name := range updates {
		col := naming.Column(name)
		conflict.Update = append(conflict.Update, sqldsl.Assignment{Column: naming.Quote(col), Value: sqldsl.Excluded(naming.Quote(col))})
	}

	stmt := sqldsl.InsertStmt{
		Table:      p.draft(typ, alias).TableSQL(),
		Columns:    cols,
		Values:     exprs,
		OnConflict: conflict,
		Returning: []sqldsl.Expr{
			rowJSON(alias),
			sqldsl.SelectAs(sqldsl.Paren{Expr: sqldsl.Eq{Left: sqldsl.Raw(alias + ".xmax"), Right: sqldsl.Int(0)}}, "inserted"),
		},
	}

	var (
		node     map[string]any
		inserted bool
	)
	err = p.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if node, err = p.mutate(ctx, tx, typ, "upsert", st, stmt, &inserted); err != nil {
			return err
		}
		if node == nil {
			// The conflicting row exists but UPDATE excludes it.
			return strata.NewAccessDeniedError(typ.Name, string(schema.OpUpdate))
		}
		op := schema.OpUpdate
		if inserted {
			op = schema.OpCreate
		}
		return p.recheck(ctx, tx, scope, typ, op, node[schema.IdentityField])
	})
	if err != nil {
		return nil, err
	}
	p.opts.logger.Debug("upserted node", "type", typ.Name, "id", nodeID(node), "inserted", inserted)
	p.invalidate(ctx, typ, nodeID(node))
	return node, nil
}

// Delete removes the node id of typeName and returns it, or nil when no
// such node exists. Content types lose their published copy too; history
// rows are kept.
func (p *Postgres) Delete(ctx context.Context, typeName string, id any, rc *strata.RequestContext, preview bool) (map[string]any, error) {
	typ, err := p.object(typeName)
	if err != nil {
		return nil, err
	}
	scope := p.scope(ctx, rc, preview)
	st := query.NewStatement(scope)
	alias := st.Aliases.Next("n")
	idExpr, err := p.bindID(st, typ, id)
	if err != nil {
		return nil, err
	}
	perm, err := p.compiler.Permission(st, typ, alias, schema.OpDelete)
	if err != nil {
		return nil, err
	}
	stmt := sqldsl.DeleteStmt{
		Table:     p.draft(typ, alias),
		Where:     sqldsl.And(sqldsl.Eq{Left: query.Column(alias, schema.IdentityField), Right: idExpr}, perm),
		Returning: []sqldsl.Expr{rowJSON(alias)},
	}

	var node map[string]any
	err = p.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if node, err = p.mutate(ctx, tx, typ, "delete", st, stmt); err != nil {
			return err
		}
		if node == nil {
			return p.denyOrMissing(ctx, tx, typ, schema.OpDelete, id)
		}
		if !typ.Content {
			return nil
		}
		pst := query.NewStatement(scope)
		pa := pst.Aliases.Next("n")
		pid, err := p.bindID(pst, typ, id)
		if err != nil {
			return err
		}
		del := sqldsl.DeleteStmt{
			Table: sqldsl.TableAs(p.compiler.Table(typ, naming.Published), pa),
			Where: sqldsl.Eq{Left: query.Column(pa, schema.IdentityField), Right: pid},
		}
		if _, err := tx.ExecContext(ctx, pst.Params.Render(del, 0), pst.Params.Values()...); err != nil {
			return p.translate(typ, "delete", err)
		}
		metrics.Statements.WithLabelValues(metrics.KindMutation).Inc()
		return nil
	})
	if err != nil || node == nil {
		return nil, err
	}
	p.opts.logger.Debug("deleted node", "type", typ.Name, "id", nodeID(node))
	p.invalidate(ctx, typ, nodeID(node))
	return node, nil
}
