package store

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/pthm/strata"
	"github.com/pthm/strata/internal/handler"
	"github.com/pthm/strata/internal/query"
	"github.com/pthm/strata/internal/sqlgen/sqldsl"
	"github.com/pthm/strata/pkg/schema"
)

// rowJSON renders row_to_json(alias), the whole row under alias as one
// JSON object keyed by column.
func rowJSON(alias string) sqldsl.Expr {
	return sqldsl.Func{Name: "row_to_json", Args: []sqldsl.Expr{sqldsl.Raw(alias)}}
}

// orTrue replaces an unrestricted (nil) permission predicate with TRUE.
func orTrue(pred sqldsl.Expr) sqldsl.Expr {
	if pred == nil {
		return sqldsl.Bool(true)
	}
	return pred
}

// decode converts a row_to_json result of typ into a node.
func (p *Postgres) decode(typ *schema.TypeDefinition, raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var row map[string]any
	if err := dec.Decode(&row); err != nil {
		return nil, errors.Wrapf(err, "decode %s row", typ.Name)
	}
	return p.compiler.Handlers().DecodeRow(typ, row)
}

// nodeID returns the identity of a decoded node as text.
func nodeID(node map[string]any) string {
	return handler.KeyText(node[schema.IdentityField])
}

// identity resolves the identity handler of typ.
func (p *Postgres) identity(typ *schema.TypeDefinition) (handler.Handler, error) {
	f := typ.Identity()
	if f == nil {
		return nil, strata.NewHandlerError(typ.Name, schema.IdentityField, "type has no identity field")
	}
	return p.compiler.Handlers().Resolve(typ, f)
}

// bindID binds one identity value of typ.
func (p *Postgres) bindID(st *query.Statement, typ *schema.TypeDefinition, id any) (sqldsl.Expr, error) {
	if id == nil {
		return nil, strata.NewUserInputError([]string{schema.IdentityField}, "%s id is required", typ.Name)
	}
	h, err := p.identity(typ)
	if err != nil {
		return nil, err
	}
	v, err := h.ToStore(id)
	if err != nil {
		return nil, err
	}
	return st.Params.Add(v, h.Cast()), nil
}

// bindIDs binds a list of identities of typ as one array parameter. The
// returned keys are the normalized identities in input order, deduplicated.
func (p *Postgres) bindIDs(st *query.Statement, typ *schema.TypeDefinition, ids []any) (sqldsl.Expr, []string, error) {
	if len(ids) == 0 {
		return nil, nil, strata.NewUserInputError([]string{"ids"}, "no %s ids given", typ.Name)
	}
	h, err := p.identity(typ)
	if err != nil {
		return nil, nil, err
	}
	seen := make(map[string]struct{}, len(ids))
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == nil {
			return nil, nil, strata.NewUserInputError([]string{"ids"}, "%s ids cannot be null", typ.Name)
		}
		v, err := h.ToStore(id)
		if err != nil {
			return nil, nil, err
		}
		k := handler.KeyText(v)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return st.Params.AddArray(keys, h.Cast()), keys, nil
}

// where compiles an exact-match clause on the columns of typ under alias.
// A list value matches any of its members and nil matches NULL. Relation
// fields compare their foreign key column.
func (p *Postgres) where(st *query.Statement, typ *schema.TypeDefinition, alias string, where map[string]any) (sqldsl.Expr, error) {
	var preds []sqldsl.Expr
	for _, name := range sortedFields(typ, where) {
		h, err := p.compiler.Handlers().ResolveName(typ, name)
		if err != nil {
			return nil, err
		}
		var ops map[string]any
		switch x := where[name].(type) {
		case nil:
			ops = map[string]any{handler.OpIsNull: true}
		case []any:
			ops = map[string]any{handler.OpIn: x}
		default:
			ops = map[string]any{handler.OpEq: x}
		}
		part, err := h.Filter(query.Column(alias, name), ops, st.Params)
		if err != nil {
			return nil, err
		}
		preds = append(preds, part...)
	}
	switch len(preds) {
	case 0:
		return nil, nil
	case 1:
		return preds[0], nil
	}
	return sqldsl.And(preds...), nil
}

// sortedFields returns the keys of values in field declaration order.
// Unknown keys sort last, by name, so CheckFields reports them.
func sortedFields(typ *schema.TypeDefinition, values map[string]any) []string {
	pos := make(map[string]int, len(typ.Fields))
	for i, f := range typ.Fields {
		pos[f.Name] = i
	}
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool {
		pi, iok := pos[names[i]]
		pj, jok := pos[names[j]]
		switch {
		case iok && jok:
			return pi < pj
		case iok != jok:
			return iok
		default:
			return names[i] < names[j]
		}
	})
	return names
}

// invalidate reports a mutation of ids of typ to the cache hooks, together
// with the type-wide key.
func (p *Postgres) invalidate(ctx context.Context, typ *schema.TypeDefinition, ids ...string) {
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, strata.CacheKey(typ.Name, id))
	}
	keys = append(keys, strata.CacheKey(typ.Name, ""))
	p.opts.hooks.Invalidate(ctx, keys...)
}
