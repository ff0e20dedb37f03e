package query

import (
	"sort"

	"github.com/pthm/strata"
	"github.com/pthm/strata/pkg/schema"
)

// writeAccess maps write operations to the access bit their fields need.
var writeAccess = map[schema.Operation]schema.Access{
	schema.OpCreate: schema.AccessCreate,
	schema.OpUpdate: schema.AccessUpdate,
}

// CheckFields verifies that the scope may write fields of typ with op.
//
// Unknown fields and fields whose access mask excludes op are input errors.
// Unless the scope bypasses permissions, every field must also be
// whitelisted by at least one grant of op held by the principal; the
// whitelists of all matching grants are unioned and an empty whitelist
// allows every field. The identity addresses the row and is never
// subject to whitelists.
func (c *Compiler) CheckFields(scope *Scope, typ *schema.TypeDefinition, op schema.Operation, fields []string) error {
	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)

	access, checkAccess := writeAccess[op]
	for _, name := range sorted {
		f := typ.Field(name)
		if f == nil {
			return strata.NewUserInputError([]string{name}, "unknown field %s on %s", name, typ.Name)
		}
		if checkAccess && !f.HasAccess(access) {
			return strata.NewUserInputError([]string{name}, "field %s on %s does not allow %s", name, typ.Name, access)
		}
	}

	if scope.Decision == strata.DecisionDeny {
		return strata.NewAccessDeniedError(typ.Name, string(op))
	}
	if !scope.RequirePermissions() {
		return nil
	}

	var grants []*schema.Permission
	for i := range typ.Permissions {
		p := &typ.Permissions[i]
		if !p.Allows(op) || !scope.Request.HasRole(p.Role) {
			continue
		}
		if len(p.Fields) == 0 {
			return nil
		}
		grants = append(grants, p)
	}
	if len(grants) == 0 {
		return strata.NewAccessDeniedError(typ.Name, string(op))
	}
	for _, name := range sorted {
		if name == schema.IdentityField {
			continue
		}
		if !anyAllowsField(grants, name) {
			return strata.NewAccessDeniedError(typ.Name, string(op)+" "+name)
		}
	}
	return nil
}

func anyAllowsField(grants []*schema.Permission, field string) bool {
	for _, p := range grants {
		if p.AllowsField(field) {
			return true
		}
	}
	return false
}
