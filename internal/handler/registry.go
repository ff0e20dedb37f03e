package handler

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/pthm/strata"
	"github.com/pthm/strata/internal/naming"
	"github.com/pthm/strata/pkg/schema"
)

// Registry resolves fields to handlers. Each field is resolved once; the
// registry owns the cache and lives as long as the type map it was built for.
type Registry struct {
	types schema.TypeMap

	mu    sync.RWMutex
	cache map[string]Handler
}

// NewRegistry returns a registry over types.
func NewRegistry(types schema.TypeMap) *Registry {
	return &Registry{
		types: types,
		cache: make(map[string]Handler),
	}
}

// Types returns the type map the registry resolves against.
func (r *Registry) Types() schema.TypeMap {
	return r.types
}

// Resolve returns the handler of field on typ.
func (r *Registry) Resolve(typ *schema.TypeDefinition, field *schema.FieldDefinition) (Handler, error) {
	key := typ.Name + "." + field.Name

	r.mu.RLock()
	h, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return h, nil
	}

	h, err := r.build(typ, field)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = h
	r.mu.Unlock()
	return h, nil
}

// ResolveName resolves a field by name. A missing field is a user input
// error naming it.
func (r *Registry) ResolveName(typ *schema.TypeDefinition, name string) (Handler, error) {
	f := typ.Field(name)
	if f == nil {
		return nil, strata.NewUserInputError([]string{name}, "unknown field %s on %s", name, typ.Name)
	}
	return r.Resolve(typ, f)
}

// KindOf returns the kind a field resolves to in types.
func KindOf(types schema.TypeMap, field *schema.FieldDefinition) (FieldKind, error) {
	if k, ok := scalarKinds[field.Type]; ok {
		return k, nil
	}
	target := types.Get(field.Type)
	if target == nil {
		return 0, errors.Wrapf(schema.ErrUnknownType, "field %s targets %s", field.Name, field.Type)
	}
	switch target.Kind {
	case schema.KindEnum:
		return KindEnum, nil
	case schema.KindObject:
		return KindObject, nil
	case schema.KindScalar:
		// Custom scalars are stored as JSON.
		return KindJSON, nil
	default:
		return 0, errors.Wrapf(schema.ErrUnknownType, "field %s targets %s type %s, which has no storage", field.Name, target.Kind, field.Type)
	}
}

func (r *Registry) build(typ *schema.TypeDefinition, field *schema.FieldDefinition) (Handler, error) {
	kind, err := KindOf(r.types, field)
	if err != nil {
		return nil, err
	}

	h := &fieldHandler{
		typeName: typ.Name,
		field:    field,
		kind:     kind,
		spec:     kindSpecs[kind],
		elemType: kindSpecs[kind].sqlType,
	}

	switch kind {
	case KindID:
		h.identity = typ.IdentityStorage()
		h.elemType = identityType(h.identity)
		h.codec = identityCodec(h.identity)
	case KindObject:
		target := r.types.Object(field.Type)
		if target.Identity() == nil {
			return nil, strata.NewHandlerError(typ.Name, field.Name, "target %s has no identity field", target.Name)
		}
		h.identity = target.IdentityStorage()
		h.elemType = identityType(h.identity)
		h.codec = identityCodec(h.identity)
		h.ref = &Reference{
			Type:   target.Name,
			Table:  naming.Table(target.Name),
			Column: naming.Column(schema.IdentityField),
		}
	case KindEnum:
		h.values = r.types.Get(field.Type).Values
		h.codec = enumCodec{values: h.values}
	case KindString:
		h.codec = stringCodec{}
	case KindInt:
		h.codec = intCodec{}
	case KindFloat:
		h.codec = floatCodec{}
	case KindBoolean:
		h.codec = boolCodec{}
	case KindDateTime:
		h.codec = dateTimeCodec{}
	case KindDate:
		h.codec = dateCodec{}
	case KindDecimal:
		h.codec = decimalCodec{}
	case KindJSON:
		h.codec = jsonCodec{}
	}
	return h, nil
}

func identityCodec(s schema.Storage) codec {
	if s == schema.StorageUUID {
		return uuidCodec{}
	}
	return serialCodec{}
}
