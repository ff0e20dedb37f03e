package handler

import (
	"github.com/pthm/strata"
	"github.com/pthm/strata/internal/naming"
	"github.com/pthm/strata/internal/sqlgen/sqldsl"
	"github.com/pthm/strata/pkg/schema"
)

// Autocomplete returns the lowered concatenation of the autocomplete fields
// of typ, qualified by alias (unqualified when alias is empty):
//
//	lower(coalesce(n1."name", '') || ' ' || coalesce(n1."code"::text, ''))
//
// The expression is IMMUTABLE, so the trigram index built by the migration
// differ and the filter compiler's LIKE predicate share it. Kinds whose text
// form depends on session settings cannot take part.
func (r *Registry) Autocomplete(typ *schema.TypeDefinition, alias string) (sqldsl.Expr, error) {
	if len(typ.AutoCompleteFields) == 0 {
		return nil, strata.NewHandlerError(typ.Name, "", "type has no autocomplete fields")
	}
	parts := make([]sqldsl.Expr, 0, 2*len(typ.AutoCompleteFields)-1)
	for i, name := range typ.AutoCompleteFields {
		h, err := r.ResolveName(typ, name)
		if err != nil {
			return nil, err
		}
		if h.Field().List {
			return nil, strata.NewHandlerError(typ.Name, name, "list fields cannot be autocompleted")
		}
		var col sqldsl.Expr = sqldsl.QCol(alias, naming.Column(name))
		switch h.Kind() {
		case KindString, KindEnum:
		case KindDateTime, KindDate:
			return nil, strata.NewHandlerError(typ.Name, name, "%s fields cannot be autocompleted", h.Kind())
		default:
			col = sqldsl.Cast{Expr: col, Type: "text"}
		}
		if i > 0 {
			parts = append(parts, sqldsl.Lit(" "))
		}
		parts = append(parts, sqldsl.Coalesce(col, sqldsl.Lit("")))
	}
	return sqldsl.Lower(sqldsl.Concat{Parts: parts}), nil
}
