package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/strata"
	"github.com/pthm/strata/internal/handler"
	"github.com/pthm/strata/pkg/schema"
)

func fieldTypes() schema.TypeMap {
	return schema.New(&schema.TypeDefinition{
		Name: "Post",
		Fields: []schema.FieldDefinition{
			{Name: "id", Type: schema.ScalarID},
			{Name: "title", Type: schema.ScalarString},
			{Name: "body", Type: schema.ScalarString},
			{Name: "slug", Type: schema.ScalarString, Access: []schema.Access{schema.AccessCreate, schema.AccessRead}},
			{Name: "rank", Type: schema.ScalarInt},
		},
		Permissions: []schema.Permission{
			{Role: strata.RoleAuthenticated, Operations: []schema.Operation{schema.OpCreate, schema.OpUpdate}, Fields: []string{"title", "slug"}},
			{Role: "EDITOR", Operations: []schema.Operation{schema.OpUpdate}, Fields: []string{"body"}},
			{Role: strata.RoleStaff, Operations: []schema.Operation{schema.OpUpdate}},
		},
	})
}

func TestCheckFields(t *testing.T) {
	types := fieldTypes()
	c := NewCompiler(handler.NewRegistry(types))
	post := types.Object("Post")
	ctx := context.Background()

	tests := []struct {
		name   string
		rc     *strata.RequestContext
		op     schema.Operation
		fields []string
		check  func(error) bool
	}{
		{"whitelisted", strata.Authenticated("1"), schema.OpCreate, []string{"title", "slug"}, nil},
		{"outside whitelist", strata.Authenticated("1"), schema.OpCreate, []string{"title", "body"}, strata.IsAccessDeniedErr},
		{"whitelists are unioned", strata.Authenticated("1", "EDITOR"), schema.OpUpdate, []string{"title", "body"}, nil},
		{"grant without whitelist", strata.Authenticated("1", strata.RoleStaff), schema.OpUpdate, []string{"rank"}, nil},
		{"no grant", strata.Anonymous(), schema.OpCreate, []string{"title"}, strata.IsAccessDeniedErr},
		{"no grant for op", strata.Authenticated("1", "EDITOR"), schema.OpCreate, []string{"title"}, strata.IsAccessDeniedErr},
		{"admin bypasses whitelist", strata.Authenticated("1", strata.RoleAdmin), schema.OpCreate, []string{"rank"}, nil},
		{"unknown field", strata.Trusted(), schema.OpCreate, []string{"nope"}, strata.IsUserInputErr},
		{"access mask", strata.Trusted(), schema.OpUpdate, []string{"slug"}, strata.IsUserInputErr},
		{"access mask applies to admins", strata.Authenticated("1", strata.RoleAdmin), schema.OpUpdate, []string{"slug"}, strata.IsUserInputErr},
		{"no fields", strata.Authenticated("1"), schema.OpUpdate, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.CheckFields(NewScope(ctx, tt.rc), post, tt.op, tt.fields)
			if tt.check == nil {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error kind: %v", err)
		})
	}
}

func TestCheckFieldsDenyDecision(t *testing.T) {
	types := fieldTypes()
	c := NewCompiler(handler.NewRegistry(types))
	ctx := strata.WithDecisionContext(context.Background(), strata.DecisionDeny)

	err := c.CheckFields(NewScope(ctx, strata.Authenticated("1", strata.RoleAdmin)), types.Object("Post"), schema.OpCreate, []string{"title"})
	assert.True(t, strata.IsAccessDeniedErr(err))
}
