package handler

import (
	"github.com/cockroachdb/errors"

	"github.com/pthm/strata/internal/naming"
	"github.com/pthm/strata/pkg/schema"
)

// systemColumns are passed through DecodeRow untouched when present.
var systemColumns = []string{naming.ColLocale, naming.ColStatus, naming.ColPublishedAt}

// DecodeRow converts a JSON result row of typ, keyed by column, into a node
// keyed by field name. Columns without a field are dropped, except the
// system columns of versioned types.
func (r *Registry) DecodeRow(typ *schema.TypeDefinition, raw map[string]any) (map[string]any, error) {
	node := make(map[string]any, len(typ.Fields))
	for i := range typ.Fields {
		f := &typ.Fields[i]
		v, ok := raw[naming.Column(f.Name)]
		if !ok {
			continue
		}
		h, err := r.Resolve(typ, f)
		if err != nil {
			return nil, err
		}
		decoded, err := h.FromStore(v)
		if err != nil {
			return nil, errors.Wrapf(err, "decode %s.%s", typ.Name, f.Name)
		}
		node[f.Name] = decoded
	}
	for _, col := range systemColumns {
		if v, ok := raw[col]; ok {
			node[col] = v
		}
	}
	return node, nil
}

// KeyText renders a stored key the way ToStore normalizes it, so caller
// keys and decoded keys compare equal.
func KeyText(v any) string {
	return textOf(v)
}
