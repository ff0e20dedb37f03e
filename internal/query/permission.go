package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"

	"github.com/pthm/strata"
	"github.com/pthm/strata/internal/sqlgen/sqldsl"
	"github.com/pthm/strata/pkg/schema"
)

// Sections of a permission document.
const (
	SectionNode = "node"
	SectionUser = "user"
)

// VarUserID is the only variable permission documents may reference. It
// resolves to the id of the requesting principal.
const VarUserID = "user_id"

// PermissionDocument is the parsed form of a permission query:
//
//	query ($user_id: ID!) {
//	  node(filter: {author: {id: {eq: $user_id}}})
//	  user(filter: {role: {eq: ADMIN}})
//	}
//
// The node filter applies to the checked row, the user filter to the
// principal's own row. Either may be absent.
type PermissionDocument struct {
	Node map[string]any
	User map[string]any
	// UsesPrincipal is set when the document has a user section or refers to
	// $user_id; such documents never match anonymous requests.
	UsesPrincipal bool
}

// Variable is a reference to a document variable inside a parsed filter.
type Variable struct {
	Name string
}

// ParsePermissionDocument parses a permission query.
func ParsePermissionDocument(query string) (*PermissionDocument, error) {
	doc, err := parser.Parse(parser.ParseParams{Source: query})
	if err != nil {
		return nil, errors.Wrap(err, "parse permission query")
	}
	out := &PermissionDocument{}
	for _, def := range doc.Definitions {
		op, ok := def.(*ast.OperationDefinition)
		if !ok || op.SelectionSet == nil {
			return nil, errors.Newf("permission query may only contain an operation, got %T", def)
		}
		for _, sel := range op.SelectionSet.Selections {
			field, ok := sel.(*ast.Field)
			if !ok {
				return nil, errors.Newf("permission query may only select fields, got %T", sel)
			}
			filter, err := sectionFilter(field, out)
			if err != nil {
				return nil, err
			}
			switch field.Name.Value {
			case SectionNode:
				out.Node = mergeFilter(out.Node, filter)
			case SectionUser:
				out.User = mergeFilter(out.User, filter)
				out.UsesPrincipal = true
			default:
				return nil, errors.Newf("unknown permission query section %q", field.Name.Value)
			}
		}
	}
	return out, nil
}

func sectionFilter(field *ast.Field, doc *PermissionDocument) (map[string]any, error) {
	filter := map[string]any{}
	for _, arg := range field.Arguments {
		if arg.Name.Value != "filter" {
			return nil, errors.Newf("unknown argument %q on %s", arg.Name.Value, field.Name.Value)
		}
		v, err := literal(arg.Value, doc)
		if err != nil {
			return nil, err
		}
		m, ok := v.(map[string]any)
		if !ok {
			return nil, errors.Newf("filter of %s must be an object", field.Name.Value)
		}
		filter = m
	}
	return filter, nil
}

// mergeFilter combines repeated sections with AND.
func mergeFilter(prev, next map[string]any) map[string]any {
	if prev == nil {
		return next
	}
	return map[string]any{KeyAnd: []any{prev, next}}
}

func literal(v ast.Value, doc *PermissionDocument) (any, error) {
	switch x := v.(type) {
	case *ast.ObjectValue:
		m := make(map[string]any, len(x.Fields))
		for _, f := range x.Fields {
			fv, err := literal(f.Value, doc)
			if err != nil {
				return nil, err
			}
			m[f.Name.Value] = fv
		}
		return m, nil
	case *ast.ListValue:
		items := make([]any, len(x.Values))
		for i, item := range x.Values {
			iv, err := literal(item, doc)
			if err != nil {
				return nil, err
			}
			items[i] = iv
		}
		return items, nil
	case *ast.StringValue:
		return x.Value, nil
	case *ast.EnumValue:
		return x.Value, nil
	case *ast.BooleanValue:
		return x.Value, nil
	case *ast.IntValue:
		n, err := strconv.ParseInt(x.Value, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid integer %s", x.Value)
		}
		return n, nil
	case *ast.FloatValue:
		f, err := strconv.ParseFloat(x.Value, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid float %s", x.Value)
		}
		return f, nil
	case *ast.Variable:
		if x.Name.Value != VarUserID {
			return nil, errors.Newf("unknown variable $%s", x.Name.Value)
		}
		doc.UsesPrincipal = true
		return Variable{Name: x.Name.Value}, nil
	default:
		return nil, errors.Newf("unsupported value %T in permission query", v)
	}
}

// bindVariables returns a copy of filter with variables replaced by vars.
func bindVariables(v any, vars map[string]any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, item := range x {
			m[k] = bindVariables(item, vars)
		}
		return m
	case []any:
		items := make([]any, len(x))
		for i, item := range x {
			items[i] = bindVariables(item, vars)
		}
		return items
	case Variable:
		return vars[x.Name]
	default:
		return v
	}
}

// Permission compiles the row predicate granting op on typ to the scope's
// principal. A nil result means the principal may touch every row; a
// principal without a matching grant gets FALSE.
func (c *Compiler) Permission(st *Statement, typ *schema.TypeDefinition, alias string, op schema.Operation) (sqldsl.Expr, error) {
	scope := st.Scope
	if scope.Decision == strata.DecisionDeny {
		return sqldsl.Bool(false), nil
	}
	if !scope.RequirePermissions() {
		return nil, nil
	}

	var selected []int
	for i := range typ.Permissions {
		p := &typ.Permissions[i]
		if !p.Allows(op) || !scope.Request.HasRole(p.Role) {
			continue
		}
		if strings.TrimSpace(p.Query) == "" {
			return nil, nil
		}
		selected = append(selected, i)
	}
	if len(selected) == 0 {
		return sqldsl.Bool(false), nil
	}

	preds := make([]sqldsl.Expr, 0, len(selected))
	for _, i := range selected {
		doc, err := c.document(typ, i)
		if err != nil {
			return nil, err
		}
		pred, err := c.compileDocument(st, typ, alias, doc)
		if err != nil {
			return nil, err
		}
		preds = append(preds, pred)
	}
	if len(preds) == 1 {
		return preds[0], nil
	}
	for i, p := range preds {
		preds[i] = sqldsl.Paren{Expr: p}
	}
	return sqldsl.Or(preds...), nil
}

// ApplyPermission conjoins the op permission predicate into stmt.
func (c *Compiler) ApplyPermission(st *Statement, stmt *sqldsl.SelectStmt, typ *schema.TypeDefinition, alias string, op schema.Operation) error {
	pred, err := c.Permission(st, typ, alias, op)
	if err != nil {
		return err
	}
	stmt.AndWhere(pred)
	return nil
}

// document returns the parsed query of typ's i-th permission.
func (c *Compiler) document(typ *schema.TypeDefinition, i int) (*PermissionDocument, error) {
	key := fmt.Sprintf("%s#%d", typ.Name, i)

	c.mu.RLock()
	doc, ok := c.docs[key]
	c.mu.RUnlock()
	if ok {
		return doc, nil
	}

	doc, err := ParsePermissionDocument(typ.Permissions[i].Query)
	if err != nil {
		return nil, errors.Mark(
			errors.Wrapf(err, "%s permission %d (role %s)", typ.Name, i, typ.Permissions[i].Role),
			schema.ErrInvalidTypeMap)
	}

	c.mu.Lock()
	c.docs[key] = doc
	c.mu.Unlock()
	return doc, nil
}

func (c *Compiler) compileDocument(st *Statement, typ *schema.TypeDefinition, alias string, doc *PermissionDocument) (sqldsl.Expr, error) {
	principal := st.Scope.Request
	if doc.UsesPrincipal && principal.IsAnonymous() {
		return sqldsl.Bool(false), nil
	}
	vars := map[string]any{VarUserID: principal.Principal.ID}

	var parts []sqldsl.Expr
	if doc.Node != nil {
		filter, _ := bindVariables(doc.Node, vars).(map[string]any)
		pred, err := c.filter(st, typ, alias, filter, true)
		if err != nil {
			return nil, err
		}
		if pred != nil {
			parts = append(parts, pred)
		}
	}
	if doc.User != nil {
		filter, _ := bindVariables(doc.User, vars).(map[string]any)
		pred, err := c.userPredicate(st, principal.Principal.ID, filter)
		if err != nil {
			return nil, err
		}
		parts = append(parts, pred)
	}
	switch len(parts) {
	case 0:
		return sqldsl.Bool(true), nil
	case 1:
		return parts[0], nil
	}
	return sqldsl.Conjunction{Exprs: parts}, nil
}

// userPredicate checks filter against the principal's own row.
func (c *Compiler) userPredicate(st *Statement, principalID string, filter map[string]any) (sqldsl.Expr, error) {
	user := c.types.Object(c.userType)
	if user == nil || user.Identity() == nil {
		return nil, errors.Wrapf(schema.ErrUnknownType, "permission user type %s", c.userType)
	}
	h, err := c.handlers.Resolve(user, user.Identity())
	if err != nil {
		return nil, err
	}
	id, err := h.ToStore(principalID)
	if err != nil {
		// An id that cannot be a user id matches no user.
		return sqldsl.Bool(false), nil
	}

	ua := st.Aliases.Next("u")
	sub := &sqldsl.SelectStmt{FromExpr: c.From(st.Scope, user, ua)}
	sub.AndWhere(sqldsl.Eq{Left: Column(ua, schema.IdentityField), Right: st.Params.Add(id, h.Cast())})
	pred, err := c.filter(st, user, ua, filter, true)
	if err != nil {
		return nil, err
	}
	sub.AndWhere(pred)
	return sqldsl.Exists{Query: sub}, nil
}
