package query

import (
	"sort"
	"strings"

	"github.com/pthm/strata"
	"github.com/pthm/strata/internal/handler"
	"github.com/pthm/strata/internal/sqlgen/sqldsl"
	"github.com/pthm/strata/pkg/schema"
)

// Filter keys with a meaning of their own. Field names cannot start with an
// underscore and are lower camel case, so none of these collide with fields.
const (
	KeyAnd          = "AND"
	KeyOr           = "OR"
	KeyAutocomplete = "_autocomplete"
	KeyNode         = "node"
	KeyEdge         = "edge"
)

// Filter compiles a filter tree on typ, whose rows are visible under alias.
// A nil result means the filter does not restrict anything. Relation and
// connection traversals conjoin the READ permission of the traversed types.
func (c *Compiler) Filter(st *Statement, typ *schema.TypeDefinition, alias string, filter map[string]any) (sqldsl.Expr, error) {
	return c.filter(st, typ, alias, filter, false)
}

// ApplyFilter conjoins the compiled filter into the WHERE clause of stmt.
func (c *Compiler) ApplyFilter(st *Statement, stmt *sqldsl.SelectStmt, typ *schema.TypeDefinition, alias string, filter map[string]any) error {
	pred, err := c.Filter(st, typ, alias, filter)
	if err != nil {
		return err
	}
	stmt.AndWhere(pred)
	return nil
}

func (c *Compiler) filter(st *Statement, typ *schema.TypeDefinition, alias string, filter map[string]any, suppress bool) (sqldsl.Expr, error) {
	if len(filter) == 0 {
		return nil, nil
	}
	keys := sortedKeys(filter)

	_, hasAnd := filter[KeyAnd]
	_, hasOr := filter[KeyOr]
	if hasAnd || hasOr {
		if len(filter) > 1 {
			return nil, strata.NewUserInputError(keys,
				"AND and OR cannot be combined with other filter keys on %s", typ.Name)
		}
		if hasAnd {
			return c.combine(st, typ, alias, KeyAnd, filter[KeyAnd], suppress)
		}
		return c.combine(st, typ, alias, KeyOr, filter[KeyOr], suppress)
	}

	var preds []sqldsl.Expr
	for _, key := range keys {
		value := filter[key]
		if value == nil {
			continue
		}
		var (
			p   []sqldsl.Expr
			err error
		)
		switch {
		case key == KeyAutocomplete:
			p, err = c.autocomplete(st, typ, alias, value)
		case typ.Field(key) != nil:
			p, err = c.field(st, typ, alias, typ.Field(key), value, suppress)
		case typ.Connection(key) != nil:
			p, err = c.connection(st, typ, alias, typ.Connection(key), value, suppress)
		default:
			return nil, strata.NewUserInputError([]string{key}, "unknown filter key %s on %s", key, typ.Name)
		}
		if err != nil {
			return nil, err
		}
		preds = append(preds, p...)
	}
	return conjoin(preds), nil
}

// combine compiles the list of an AND or OR key. Members that compile to
// nothing are dropped; a list with no remaining members is a no-op.
func (c *Compiler) combine(st *Statement, typ *schema.TypeDefinition, alias, key string, value any, suppress bool) (sqldsl.Expr, error) {
	items, err := filterList(key, value)
	if err != nil {
		return nil, err
	}
	var parts []sqldsl.Expr
	for _, item := range items {
		pred, err := c.filter(st, typ, alias, item, suppress)
		if err != nil {
			return nil, err
		}
		if pred != nil {
			parts = append(parts, pred)
		}
	}
	switch {
	case len(parts) == 0:
		return nil, nil
	case len(parts) == 1:
		return parts[0], nil
	case key == KeyAnd:
		return sqldsl.Conjunction{Exprs: parts}, nil
	}
	for i, p := range parts {
		parts[i] = sqldsl.Paren{Expr: p}
	}
	return sqldsl.Or(parts...), nil
}

func (c *Compiler) field(st *Statement, typ *schema.TypeDefinition, alias string, field *schema.FieldDefinition, value any, suppress bool) ([]sqldsl.Expr, error) {
	inner, err := filterMap(field.Name, value)
	if err != nil {
		return nil, err
	}
	h, err := c.handlers.Resolve(typ, field)
	if err != nil {
		return nil, err
	}
	if h.Kind() == handler.KindObject && !field.List {
		return c.relation(st, alias, h, inner, suppress)
	}
	return h.Filter(Column(alias, field.Name), inner, st.Params)
}

// relation compiles a filter on the target of a many-to-one field. A filter
// on the target identity alone is answered by the foreign key column when
// nothing else about the target row needs checking.
func (c *Compiler) relation(st *Statement, alias string, h handler.Handler, inner map[string]any, suppress bool) ([]sqldsl.Expr, error) {
	if len(inner) == 0 {
		return nil, nil
	}
	field := h.Field()
	target := c.types.Object(field.Type)
	fk := Column(alias, field.Name)

	ra := st.Aliases.Next("r")
	perm, err := c.traversalPermission(st, target, ra, suppress)
	if err != nil {
		return nil, err
	}
	if ops, ok := identityOnly(inner); ok && perm == nil && !target.Content {
		return h.Filter(fk, ops, st.Params)
	}

	sub := &sqldsl.SelectStmt{FromExpr: c.From(st.Scope, target, ra)}
	sub.AndWhere(sqldsl.Eq{Left: Column(ra, schema.IdentityField), Right: fk})
	sub.AndWhere(c.Visibility(st, target, ra))
	pred, err := c.filter(st, target, ra, inner, suppress)
	if err != nil {
		return nil, err
	}
	sub.AndWhere(pred)
	sub.AndWhere(perm)
	return []sqldsl.Expr{sqldsl.Exists{Query: sub}}, nil
}

// connection compiles {node: filter, edge: filter} on a connection of the
// source type into an EXISTS over the node (and edge) tables.
func (c *Compiler) connection(st *Statement, source *schema.TypeDefinition, alias string, conn *schema.ConnectionDefinition, value any, suppress bool) ([]sqldsl.Expr, error) {
	raw, err := filterMap(conn.Name, value)
	if err != nil {
		return nil, err
	}
	var unknown []string
	for key := range raw {
		if key != KeyNode && key != KeyEdge {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, strata.NewUserInputError(unknown, "unknown connection filter key on %s.%s", source.Name, conn.Name)
	}
	nodeFilter, err := filterMap(KeyNode, raw[KeyNode])
	if err != nil {
		return nil, err
	}
	edgeFilter, err := filterMap(KeyEdge, raw[KeyEdge])
	if err != nil {
		return nil, err
	}

	node := c.types.Object(conn.NodeType)
	sourceKey := Column(alias, conn.SourceField)

	if !conn.IsJoin() {
		if len(edgeFilter) > 0 {
			return nil, strata.NewUserInputError([]string{conn.Name + "." + KeyEdge},
				"connection %s.%s has no edge type", source.Name, conn.Name)
		}
		na := st.Aliases.Next("n")
		sub := &sqldsl.SelectStmt{FromExpr: c.From(st.Scope, node, na)}
		sub.AndWhere(sqldsl.Eq{Left: Column(na, conn.NodeField), Right: sourceKey})
		if err := c.restrict(st, sub, node, na, nodeFilter, suppress); err != nil {
			return nil, err
		}
		return []sqldsl.Expr{sqldsl.Exists{Query: sub}}, nil
	}

	edge := c.types.Object(conn.EdgeType)
	ea := st.Aliases.Next("e")
	sub := &sqldsl.SelectStmt{FromExpr: c.From(st.Scope, edge, ea)}
	sub.AndWhere(sqldsl.Eq{Left: Column(ea, conn.EdgeSourceField), Right: sourceKey})
	if err := c.restrict(st, sub, edge, ea, edgeFilter, suppress); err != nil {
		return nil, err
	}

	na := st.Aliases.Next("n")
	perm, err := c.traversalPermission(st, node, na, suppress)
	if err != nil {
		return nil, err
	}
	if perm == nil && !node.Content && conn.NodeKeyField == schema.IdentityField {
		if len(nodeFilter) == 0 {
			return []sqldsl.Expr{sqldsl.Exists{Query: sub}}, nil
		}
		if ops, ok := identityOnly(nodeFilter); ok {
			h, err := c.handlers.ResolveName(edge, conn.EdgeNodeField)
			if err != nil {
				return nil, err
			}
			preds, err := h.Filter(Column(ea, conn.EdgeNodeField), ops, st.Params)
			if err != nil {
				return nil, err
			}
			sub.AndWhere(conjoin(preds))
			return []sqldsl.Expr{sqldsl.Exists{Query: sub}}, nil
		}
	}

	sub.Joins = append(sub.Joins, sqldsl.JoinClause{
		Type:      "INNER",
		TableExpr: c.From(st.Scope, node, na),
		On:        sqldsl.Eq{Left: Column(na, conn.NodeKeyField), Right: Column(ea, conn.EdgeNodeField)},
	})
	sub.AndWhere(c.Visibility(st, node, na))
	pred, err := c.filter(st, node, na, nodeFilter, suppress)
	if err != nil {
		return nil, err
	}
	sub.AndWhere(pred)
	sub.AndWhere(perm)
	return []sqldsl.Expr{sqldsl.Exists{Query: sub}}, nil
}

// restrict conjoins the visibility, filter and READ permission of typ into
// stmt.
func (c *Compiler) restrict(st *Statement, stmt *sqldsl.SelectStmt, typ *schema.TypeDefinition, alias string, filter map[string]any, suppress bool) error {
	stmt.AndWhere(c.Visibility(st, typ, alias))
	pred, err := c.filter(st, typ, alias, filter, suppress)
	if err != nil {
		return err
	}
	stmt.AndWhere(pred)
	perm, err := c.traversalPermission(st, typ, alias, suppress)
	if err != nil {
		return err
	}
	stmt.AndWhere(perm)
	return nil
}

func (c *Compiler) traversalPermission(st *Statement, typ *schema.TypeDefinition, alias string, suppress bool) (sqldsl.Expr, error) {
	if suppress {
		return nil, nil
	}
	return c.Permission(st, typ, alias, schema.OpRead)
}

func (c *Compiler) autocomplete(st *Statement, typ *schema.TypeDefinition, alias string, value any) ([]sqldsl.Expr, error) {
	s, ok := value.(string)
	if !ok {
		return nil, strata.NewUserInputError([]string{KeyAutocomplete}, "%s on %s expects a string", KeyAutocomplete, typ.Name)
	}
	if len(typ.AutoCompleteFields) == 0 {
		return nil, strata.NewUserInputError([]string{KeyAutocomplete}, "type %s does not support %s", typ.Name, KeyAutocomplete)
	}
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	expr, err := c.handlers.Autocomplete(typ, alias)
	if err != nil {
		return nil, err
	}
	pattern := "%" + sqldsl.EscapeLike(strings.ToLower(s)) + "%"
	return []sqldsl.Expr{sqldsl.Like{Expr: expr, Pattern: st.Params.Add(pattern, "text")}}, nil
}

// identityOnly returns the operator map of a filter that only constrains the
// identity field.
func identityOnly(filter map[string]any) (map[string]any, bool) {
	if len(filter) != 1 {
		return nil, false
	}
	ops, ok := filter[schema.IdentityField].(map[string]any)
	return ops, ok
}

func conjoin(preds []sqldsl.Expr) sqldsl.Expr {
	switch len(preds) {
	case 0:
		return nil
	case 1:
		return preds[0]
	}
	return sqldsl.And(preds...)
}

func filterMap(key string, value any) (map[string]any, error) {
	if value == nil {
		return nil, nil
	}
	m, ok := value.(map[string]any)
	if !ok {
		return nil, strata.NewUserInputError([]string{key}, "filter %s must be an object, got %T", key, value)
	}
	return m, nil
}

func filterList(key string, value any) ([]map[string]any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []map[string]any:
		return v, nil
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			m, err := filterMap(key, item)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		}
		return out, nil
	default:
		return nil, strata.NewUserInputError([]string{key}, "%s must be a list of filters, got %T", key, value)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

