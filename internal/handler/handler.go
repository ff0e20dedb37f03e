package handler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"

	"github.com/pthm/strata"
	"github.com/pthm/strata/internal/naming"
	"github.com/pthm/strata/internal/sqlgen/sqldsl"
	"github.com/pthm/strata/pkg/schema"
)

// Handler is the per-field implementation of a field kind. Handlers are
// resolved once per field by a Registry and are safe for concurrent use.
type Handler interface {
	Kind() FieldKind
	Field() *schema.FieldDefinition

	// Column returns the column DDL of the field.
	Column() (ColumnSpec, error)
	// Cast returns the SQL type bind parameters are cast to.
	Cast() string
	// Operators returns the filter operators the field accepts, sorted.
	Operators() []string
	// Filter returns one predicate per operator in ops, in operator order.
	Filter(col sqldsl.Expr, ops map[string]any, params *sqldsl.Params) ([]sqldsl.Expr, error)

	// ToStore converts a caller value into a driver value.
	ToStore(value any) (any, error)
	// FromStore converts a value decoded from a JSON result row.
	FromStore(raw any) (any, error)
}

// Reference is the target of a foreign key column.
type Reference struct {
	Type   string
	Table  string
	Column string
}

// ColumnSpec is the DDL description of a field's column.
type ColumnSpec struct {
	Name    string
	Type    string
	NotNull bool
	// Default is a SQL expression, empty when the column has none.
	Default string
	// PrimaryKey marks the identity column. Generated marks a serial identity.
	PrimaryKey bool
	Generated  bool
	// Check is the enum CHECK expression, empty for other kinds.
	Check      string
	References *Reference
}

// Definition renders the column definition used by CREATE TABLE and
// ADD COLUMN. Constraints that are named separately (checks, foreign keys,
// unique indexes) are not included.
func (c ColumnSpec) Definition() string {
	var sb strings.Builder
	sb.WriteString(naming.Quote(c.Name))
	sb.WriteString(" ")
	sb.WriteString(c.Type)
	if c.Generated {
		sb.WriteString(" GENERATED BY DEFAULT AS IDENTITY")
	}
	if c.PrimaryKey {
		sb.WriteString(" PRIMARY KEY")
	} else if c.NotNull {
		sb.WriteString(" NOT NULL")
	}
	if c.Default != "" {
		sb.WriteString(" DEFAULT ")
		sb.WriteString(c.Default)
	}
	return sb.String()
}

// fieldHandler is the Handler of a resolved field. Kind-specific behavior
// comes from its kindSpec and codec.
type fieldHandler struct {
	typeName string
	field    *schema.FieldDefinition
	kind     FieldKind
	spec     kindSpec
	codec    codec
	// elemType is the SQL type of one element; the column type for scalars.
	elemType string
	values   []string
	ref      *Reference
	identity schema.Storage
}

func (h *fieldHandler) Kind() FieldKind                { return h.kind }
func (h *fieldHandler) Field() *schema.FieldDefinition { return h.field }

func (h *fieldHandler) Cast() string {
	if h.field.List {
		return h.elemType + "[]"
	}
	return h.elemType
}

func (h *fieldHandler) Operators() []string {
	set := h.spec.ops
	if h.field.List {
		set = listOps
	}
	out := make([]string, 0, len(set))
	for op := range set {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

func (h *fieldHandler) Column() (ColumnSpec, error) {
	if h.field.List && !h.spec.lists {
		return ColumnSpec{}, strata.NewHandlerError(h.typeName, h.field.Name,
			"%s fields cannot be stored as lists", h.kind)
	}
	col := ColumnSpec{
		Name:       naming.Column(h.field.Name),
		Type:       h.Cast(),
		NotNull:    h.field.Required,
		References: h.ref,
	}
	if h.field.IsIdentity() {
		col.PrimaryKey = true
		if h.identity == schema.StorageUUID {
			col.Default = "gen_random_uuid()"
		} else {
			col.Generated = true
		}
	}
	if h.kind == KindEnum {
		col.Check = h.checkSQL()
	}
	if h.field.Default != nil && !h.field.IsIdentity() {
		def, err := h.defaultSQL()
		if err != nil {
			return ColumnSpec{}, err
		}
		col.Default = def
	}
	return col, nil
}

func (h *fieldHandler) checkSQL() string {
	col := sqldsl.Raw(naming.Quote(naming.Column(h.field.Name)))
	if !h.field.List {
		return sqldsl.In{Expr: col, Values: h.values}.SQL()
	}
	return col.SQL() + " <@ " + sqldsl.Cast{Expr: sqldsl.Lit(arrayLiteral(h.values)), Type: "text[]"}.SQL()
}

// defaultSQL renders the field default as a literal of the column type.
func (h *fieldHandler) defaultSQL() (string, error) {
	v, err := h.ToStore(h.field.Default)
	if err != nil {
		return "", strata.NewHandlerError(h.typeName, h.field.Name, "invalid default: %v", err)
	}
	text := textOf(v)
	if arr, ok := v.(pq.StringArray); ok {
		text = arrayLiteral(arr)
	}
	return sqldsl.Cast{Expr: sqldsl.Lit(text), Type: h.Cast()}.SQL(), nil
}

func (h *fieldHandler) ToStore(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	if !h.field.List {
		v, err := h.codec.encode(value)
		if err != nil {
			return nil, h.inputError(err)
		}
		return v, nil
	}
	items, ok := value.([]any)
	if !ok {
		if ss, isStrings := value.([]string); isStrings {
			items = make([]any, len(ss))
			for i, s := range ss {
				items[i] = s
			}
		} else {
			return nil, h.inputError(fmt.Errorf("expected a list, got %T", value))
		}
	}
	texts := make([]string, len(items))
	for i, item := range items {
		if item == nil {
			return nil, h.inputError(fmt.Errorf("list item %d is null", i))
		}
		v, err := h.codec.encode(item)
		if err != nil {
			return nil, h.inputError(err)
		}
		texts[i] = textOf(v)
	}
	return pq.StringArray(texts), nil
}

func (h *fieldHandler) FromStore(raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	if !h.field.List {
		return h.codec.decode(raw)
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%s.%s: expected a JSON array, got %T", h.typeName, h.field.Name, raw)
	}
	out := make([]any, len(items))
	for i, item := range items {
		if item == nil {
			continue
		}
		v, err := h.codec.decode(item)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (h *fieldHandler) inputError(err error) error {
	return strata.NewUserInputError([]string{h.field.Name}, "invalid value for %s.%s: %v", h.typeName, h.field.Name, err)
}

// arrayLiteral renders a text array literal such as {"A","B"}.
func arrayLiteral(values []string) string {
	v, _ := pq.StringArray(values).Value()
	return fmt.Sprint(v)
}
