// Package handler implements the field type handlers: one per field kind,
// each owning the column DDL, the filter operator grammar and the value
// conversion to and from the store.
package handler

import (
	"github.com/pthm/strata/pkg/schema"
)

// FieldKind is the closed set of storage kinds a field can resolve to.
type FieldKind int

const (
	KindID FieldKind = iota
	KindString
	KindInt
	KindFloat
	KindBoolean
	KindDateTime
	KindDate
	KindDecimal
	KindJSON
	KindEnum
	KindObject
)

var kindNames = [...]string{
	KindID:       "ID",
	KindString:   "String",
	KindInt:      "Int",
	KindFloat:    "Float",
	KindBoolean:  "Boolean",
	KindDateTime: "DateTime",
	KindDate:     "Date",
	KindDecimal:  "Decimal",
	KindJSON:     "JSON",
	KindEnum:     "Enum",
	KindObject:   "Object",
}

func (k FieldKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Unknown"
}

var scalarKinds = map[string]FieldKind{
	schema.ScalarID:       KindID,
	schema.ScalarString:   KindString,
	schema.ScalarInt:      KindInt,
	schema.ScalarFloat:    KindFloat,
	schema.ScalarBoolean:  KindBoolean,
	schema.ScalarDateTime: KindDateTime,
	schema.ScalarDate:     KindDate,
	schema.ScalarDecimal:  KindDecimal,
	schema.ScalarJSON:     KindJSON,
}

// Operators.
const (
	OpEq         = "eq"
	OpNotEq      = "notEq"
	OpIn         = "in"
	OpNotIn      = "notIn"
	OpGt         = "gt"
	OpGte        = "gte"
	OpLt         = "lt"
	OpLte        = "lte"
	OpIsNull     = "isNull"
	OpStartsWith = "startsWith"
	OpEndsWith   = "endsWith"
	OpContains   = "contains"
)

type opSet map[string]bool

func ops(names ...string) opSet {
	s := make(opSet, len(names))
	for _, n := range names {
		s[n] = true
	}
	return s
}

var (
	equalityOps = ops(OpEq, OpNotEq, OpIsNull)
	setOps      = ops(OpEq, OpNotEq, OpIn, OpNotIn, OpIsNull)
	orderedOps  = ops(OpEq, OpNotEq, OpIn, OpNotIn, OpGt, OpGte, OpLt, OpLte, OpIsNull)
	stringOps   = ops(OpEq, OpNotEq, OpIn, OpNotIn, OpGt, OpGte, OpLt, OpLte, OpIsNull, OpStartsWith, OpEndsWith, OpContains)
	listOps     = ops(OpIsNull)
)

// kindSpec is the static description of a kind.
type kindSpec struct {
	sqlType string
	ops     opSet
	// lists reports whether the kind has an array representation.
	lists bool
}

var kindSpecs = map[FieldKind]kindSpec{
	KindID:       {sqlType: "bigint", ops: setOps},
	KindString:   {sqlType: "text", ops: stringOps, lists: true},
	KindInt:      {sqlType: "integer", ops: orderedOps, lists: true},
	KindFloat:    {sqlType: "double precision", ops: orderedOps, lists: true},
	KindBoolean:  {sqlType: "boolean", ops: equalityOps, lists: true},
	KindDateTime: {sqlType: "timestamptz", ops: orderedOps, lists: true},
	KindDate:     {sqlType: "date", ops: orderedOps, lists: true},
	KindDecimal:  {sqlType: "numeric", ops: orderedOps, lists: true},
	KindJSON:     {sqlType: "jsonb", ops: equalityOps},
	KindEnum:     {sqlType: "text", ops: setOps, lists: true},
	KindObject:   {sqlType: "bigint", ops: setOps},
}

// identityType returns the SQL type of an identity with the given storage.
func identityType(s schema.Storage) string {
	if s == schema.StorageUUID {
		return "uuid"
	}
	return "bigint"
}
