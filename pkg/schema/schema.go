// Package schema defines the type map consumed by the query compilers and the
// migration differ.
//
// A TypeMap is produced by the (external) schema-building layer and is treated
// as read-only here. Object types own ordered fields, optional indexes, role
// permissions and connections. Enum, Union, Scalar, Interface and InputObject
// types exist so that field targets can be resolved; only Object types are
// stored.
package schema

import (
	"slices"
	"sort"
)

// TypeKind tags the variant of a TypeDefinition.
type TypeKind string

const (
	KindObject      TypeKind = "OBJECT"
	KindEnum        TypeKind = "ENUM"
	KindUnion       TypeKind = "UNION"
	KindScalar      TypeKind = "SCALAR"
	KindInterface   TypeKind = "INTERFACE"
	KindInputObject TypeKind = "INPUT_OBJECT"
)

// Built-in scalar type names. They resolve without being declared in a TypeMap.
const (
	ScalarID       = "ID"
	ScalarString   = "String"
	ScalarInt      = "Int"
	ScalarFloat    = "Float"
	ScalarBoolean  = "Boolean"
	ScalarDateTime = "DateTime"
	ScalarDate     = "Date"
	ScalarDecimal  = "Decimal"
	ScalarJSON     = "JSON"
)

var builtinScalars = []string{
	ScalarID, ScalarString, ScalarInt, ScalarFloat, ScalarBoolean,
	ScalarDateTime, ScalarDate, ScalarDecimal, ScalarJSON,
}

// IsBuiltinScalar reports whether name is one of the built-in scalar types.
func IsBuiltinScalar(name string) bool {
	return slices.Contains(builtinScalars, name)
}

// IdentityField is the name of the identity field every Object type carries.
const IdentityField = "id"

// Storage is the representation hint of an identity field.
type Storage string

const (
	// StorageSerial stores identities as a sequential bigint.
	StorageSerial Storage = "serial"
	// StorageUUID stores identities as random UUIDs.
	StorageUUID Storage = "uuid"
)

// Access is one bit of a field's access mask.
type Access string

const (
	AccessCreate Access = "CREATE"
	AccessUpdate Access = "UPDATE"
	AccessRead   Access = "READ"
)

// Operation is a permission-checked store operation.
type Operation string

const (
	OpRead      Operation = "READ"
	OpCreate    Operation = "CREATE"
	OpUpdate    Operation = "UPDATE"
	OpDelete    Operation = "DELETE"
	OpPublish   Operation = "PUBLISH"
	OpUnpublish Operation = "UNPUBLISH"
)

// TypeDefinition is a tagged variant over the type kinds. Fields that do not
// apply to Kind are ignored.
type TypeDefinition struct {
	Kind        TypeKind `json:"kind"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`

	// Object
	Fields             []FieldDefinition      `json:"fields,omitempty"`
	Indexes            []IndexDefinition      `json:"indexes,omitempty"`
	Permissions        []Permission           `json:"permissions,omitempty"`
	Connections        []ConnectionDefinition `json:"connections,omitempty"`
	Content            bool                   `json:"content,omitempty"`
	AutoCompleteFields []string               `json:"autoCompleteFields,omitempty"`
	HistoryRetention   int                    `json:"historyRetention,omitempty"`

	// Enum
	Values []string `json:"values,omitempty"`

	// Union and Interface
	PossibleTypes []string `json:"possibleTypes,omitempty"`
}

// FieldDefinition describes one field of an Object type.
type FieldDefinition struct {
	Name string `json:"name"`
	// Type is the target type name: a built-in scalar or a TypeMap entry.
	Type string `json:"type"`
	// List marks a list-valued field. NonNullItems applies to list members.
	List         bool     `json:"list,omitempty"`
	NonNullItems bool     `json:"nonNullItems,omitempty"`
	Required     bool     `json:"required,omitempty"`
	Unique       bool     `json:"unique,omitempty"`
	Indexed      bool     `json:"indexed,omitempty"`
	Access       []Access `json:"access,omitempty"`
	Storage      Storage  `json:"storage,omitempty"`
	Default      any      `json:"default,omitempty"`
	Description  string   `json:"description,omitempty"`
}

// IndexDefinition is a composite index over one or more fields.
type IndexDefinition struct {
	Fields []string `json:"fields"`
	Unique bool     `json:"unique,omitempty"`
}

// Permission grants a role access to a type, optionally restricted to a
// field whitelist and to the rows matched by Query.
type Permission struct {
	Role string `json:"role"`
	// Operations the grant applies to. Empty means all operations.
	Operations []Operation `json:"operations,omitempty"`
	// Fields whitelists writable fields. Empty means all fields.
	Fields []string `json:"fields,omitempty"`
	// Query is a permission document selecting allowed rows. Empty grants
	// access to every row.
	Query string `json:"query,omitempty"`
}

// ConnectionDefinition describes a traversal from a source type to a node
// type, either directly through a foreign key on the node or through an edge
// type holding both keys.
type ConnectionDefinition struct {
	Name       string `json:"name"`
	SourceType string `json:"sourceType,omitempty"`
	// SourceField is the key on the source. Defaults to id.
	SourceField string `json:"sourceField,omitempty"`
	NodeType    string `json:"nodeType"`
	// NodeField is the foreign key on the node pointing at SourceField.
	// Only used by direct connections.
	NodeField string `json:"nodeField,omitempty"`
	// EdgeType, when set, makes this a join-type connection.
	EdgeType        string `json:"edgeType,omitempty"`
	EdgeSourceField string `json:"edgeSourceField,omitempty"`
	EdgeNodeField   string `json:"edgeNodeField,omitempty"`
	// NodeKeyField is the key on the node referenced by EdgeNodeField.
	// Defaults to id.
	NodeKeyField string `json:"nodeKeyField,omitempty"`
}

// IsJoin reports whether the connection goes through an edge type.
func (c *ConnectionDefinition) IsJoin() bool {
	return c.EdgeType != ""
}

// IsObject reports whether the type is stored.
func (t *TypeDefinition) IsObject() bool {
	return t.Kind == KindObject
}

// Field returns the named field, or nil.
func (t *TypeDefinition) Field(name string) *FieldDefinition {
	for i := range t.Fields {
		if t.Fields[i].Name == name {
			return &t.Fields[i]
		}
	}
	return nil
}

// Identity returns the identity field, or nil if the type has none.
func (t *TypeDefinition) Identity() *FieldDefinition {
	f := t.Field(IdentityField)
	if f == nil || f.Type != ScalarID {
		return nil
	}
	return f
}

// IdentityStorage returns the storage representation of the identity field.
func (t *TypeDefinition) IdentityStorage() Storage {
	f := t.Identity()
	if f == nil || f.Storage == "" {
		return StorageSerial
	}
	return f.Storage
}

// Connection returns the named connection, or nil.
func (t *TypeDefinition) Connection(name string) *ConnectionDefinition {
	for i := range t.Connections {
		if t.Connections[i].Name == name {
			return &t.Connections[i]
		}
	}
	return nil
}

// HasAccess reports whether the field allows access a. An empty mask allows
// everything.
func (f *FieldDefinition) HasAccess(a Access) bool {
	return len(f.Access) == 0 || slices.Contains(f.Access, a)
}

// IsIdentity reports whether f is the identity field.
func (f *FieldDefinition) IsIdentity() bool {
	return f.Name == IdentityField && f.Type == ScalarID
}

// Allows reports whether the permission covers op.
func (p *Permission) Allows(op Operation) bool {
	return len(p.Operations) == 0 || slices.Contains(p.Operations, op)
}

// AllowsField reports whether the permission's whitelist contains field.
func (p *Permission) AllowsField(field string) bool {
	return len(p.Fields) == 0 || slices.Contains(p.Fields, field)
}

// TypeMap indexes type definitions by name.
type TypeMap map[string]*TypeDefinition

// Get returns the named type, or nil.
func (m TypeMap) Get(name string) *TypeDefinition {
	return m[name]
}

// Object returns the named type if it is an Object, or nil.
func (m TypeMap) Object(name string) *TypeDefinition {
	t := m[name]
	if t == nil || !t.IsObject() {
		return nil
	}
	return t
}

// Resolves reports whether name is a built-in scalar or a declared type.
func (m TypeMap) Resolves(name string) bool {
	return IsBuiltinScalar(name) || m[name] != nil
}

// Names returns the sorted names of all types.
func (m TypeMap) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Objects returns all Object types sorted by name.
func (m TypeMap) Objects() []*TypeDefinition {
	var out []*TypeDefinition
	for _, name := range m.Names() {
		if t := m[name]; t.IsObject() {
			out = append(out, t)
		}
	}
	return out
}

// New builds a TypeMap from definitions, filling connection defaults.
// Later definitions with the same name replace earlier ones.
func New(defs ...*TypeDefinition) TypeMap {
	m := make(TypeMap, len(defs))
	for _, d := range defs {
		d.normalize()
		m[d.Name] = d
	}
	return m
}

func (t *TypeDefinition) normalize() {
	if t.Kind == "" {
		t.Kind = KindObject
	}
	for i := range t.Connections {
		c := &t.Connections[i]
		if c.SourceType == "" {
			c.SourceType = t.Name
		}
		if c.SourceField == "" {
			c.SourceField = IdentityField
		}
		if c.NodeKeyField == "" {
			c.NodeKeyField = IdentityField
		}
	}
}
