package schema

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Validate checks the invariants the compilers rely on:
//   - every Object type has exactly one identity field (id: ID)
//   - every field target resolves to a storable type
//   - identity storage hints are valid and only set on identity fields
//   - index, autocomplete, permission and connection fields exist
//   - field names do not start with an underscore (reserved for system columns)
//
// All problems are reported in one error wrapping ErrInvalidTypeMap.
func Validate(types TypeMap) error {
	var problems []string
	report := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	for _, name := range types.Names() {
		t := types[name]
		if t.Name != name {
			report("type registered as %s is named %q", name, t.Name)
			continue
		}
		switch t.Kind {
		case KindObject:
			validateObject(types, t, report)
		case KindEnum:
			if len(t.Values) == 0 {
				report("enum %s has no values", t.Name)
			}
		case KindUnion, KindInterface:
			for _, pt := range t.PossibleTypes {
				if types.Object(pt) == nil {
					report("%s: possible type %s is not an object type", t.Name, pt)
				}
			}
		case KindScalar, KindInputObject:
		default:
			report("type %s has unknown kind %q", t.Name, t.Kind)
		}
	}

	if len(problems) > 0 {
		return errors.Wrapf(ErrInvalidTypeMap, "%s", strings.Join(problems, "; "))
	}
	return nil
}

func validateObject(types TypeMap, t *TypeDefinition, report func(string, ...any)) {
	seen := make(map[string]bool, len(t.Fields))
	identities := 0
	for i := range t.Fields {
		f := &t.Fields[i]
		if seen[f.Name] {
			report("%s: duplicate field %s", t.Name, f.Name)
		}
		seen[f.Name] = true
		if f.Name == "" || strings.HasPrefix(f.Name, "_") {
			report("%s: field name %q is empty or reserved (leading underscore)", t.Name, f.Name)
		}

		if f.Type == ScalarID {
			identities++
			if f.Name != IdentityField {
				report("%s.%s: ID fields are reserved for the identity field %q", t.Name, f.Name, IdentityField)
			}
			if f.List {
				report("%s.%s: identity field cannot be a list", t.Name, f.Name)
			}
		}
		if f.Storage != "" {
			if !f.IsIdentity() {
				report("%s.%s: storage hint is only valid on the identity field", t.Name, f.Name)
			} else if f.Storage != StorageSerial && f.Storage != StorageUUID {
				report("%s.%s: unknown storage %q", t.Name, f.Name, f.Storage)
			}
		}

		if IsBuiltinScalar(f.Type) {
			continue
		}
		target := types[f.Type]
		if target == nil {
			report("%s.%s: %v %s", t.Name, f.Name, ErrUnknownType, f.Type)
			continue
		}
		switch target.Kind {
		case KindObject, KindEnum, KindScalar:
		default:
			report("%s.%s: %s type %s cannot be stored", t.Name, f.Name, strings.ToLower(string(target.Kind)), f.Type)
		}
	}
	if identities != 1 {
		report("%s: expected exactly one identity field, found %d", t.Name, identities)
	}

	for _, idx := range t.Indexes {
		if len(idx.Fields) == 0 {
			report("%s: index without fields", t.Name)
		}
		for _, name := range idx.Fields {
			if t.Field(name) == nil {
				report("%s: index references unknown field %s", t.Name, name)
			}
		}
	}

	for _, name := range t.AutoCompleteFields {
		f := t.Field(name)
		if f == nil {
			report("%s: autocomplete references unknown field %s", t.Name, name)
			continue
		}
		if f.List || types.Object(f.Type) != nil {
			report("%s.%s: autocomplete fields must be scalar", t.Name, name)
		}
	}

	for _, p := range t.Permissions {
		if p.Role == "" {
			report("%s: permission without role", t.Name)
		}
		for _, name := range p.Fields {
			if t.Field(name) == nil {
				report("%s: permission for %s whitelists unknown field %s", t.Name, p.Role, name)
			}
		}
	}

	for i := range t.Connections {
		validateConnection(types, t, &t.Connections[i], report)
	}
}

func validateConnection(types TypeMap, source *TypeDefinition, c *ConnectionDefinition, report func(string, ...any)) {
	where := source.Name + "." + c.Name
	if source.Field(c.Name) != nil {
		report("%s: connection name collides with a field", where)
	}
	if source.Field(c.SourceField) == nil {
		report("%s: unknown source field %s", where, c.SourceField)
	}
	node := types.Object(c.NodeType)
	if node == nil {
		report("%s: node type %s is not an object type", where, c.NodeType)
		return
	}
	if node.Field(c.NodeKeyField) == nil {
		report("%s: unknown node key field %s", where, c.NodeKeyField)
	}

	if !c.IsJoin() {
		if c.NodeField == "" || node.Field(c.NodeField) == nil {
			report("%s: unknown node field %q on %s", where, c.NodeField, node.Name)
		}
		return
	}
	edge := types.Object(c.EdgeType)
	if edge == nil {
		report("%s: edge type %s is not an object type", where, c.EdgeType)
		return
	}
	if edge.Field(c.EdgeSourceField) == nil {
		report("%s: unknown edge source field %q on %s", where, c.EdgeSourceField, edge.Name)
	}
	if edge.Field(c.EdgeNodeField) == nil {
		report("%s: unknown edge node field %q on %s", where, c.EdgeNodeField, edge.Name)
	}
}
