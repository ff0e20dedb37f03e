package schema_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/strata/pkg/schema"
)

func userType() *schema.TypeDefinition {
	return &schema.TypeDefinition{
		Name: "User",
		Fields: []schema.FieldDefinition{
			{Name: "id", Type: schema.ScalarID},
			{Name: "email", Type: schema.ScalarString, Required: true, Unique: true},
		},
	}
}

func TestValidate_Valid(t *testing.T) {
	types := schema.New(userType())
	require.NoError(t, schema.Validate(types))
}

func TestValidate_IdentityField(t *testing.T) {
	tests := []struct {
		name    string
		fields  []schema.FieldDefinition
		wantErr string
	}{
		{
			name:    "missing identity",
			fields:  []schema.FieldDefinition{{Name: "email", Type: schema.ScalarString}},
			wantErr: "expected exactly one identity field, found 0",
		},
		{
			name: "second ID field",
			fields: []schema.FieldDefinition{
				{Name: "id", Type: schema.ScalarID},
				{Name: "externalId", Type: schema.ScalarID},
			},
			wantErr: "ID fields are reserved",
		},
		{
			name: "storage on non-identity",
			fields: []schema.FieldDefinition{
				{Name: "id", Type: schema.ScalarID},
				{Name: "name", Type: schema.ScalarString, Storage: schema.StorageUUID},
			},
			wantErr: "storage hint is only valid on the identity field",
		},
		{
			name: "unknown storage",
			fields: []schema.FieldDefinition{
				{Name: "id", Type: schema.ScalarID, Storage: "snowflake"},
			},
			wantErr: `unknown storage "snowflake"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			types := schema.New(&schema.TypeDefinition{Name: "Thing", Fields: tt.fields})
			err := schema.Validate(types)
			require.Error(t, err)
			assert.True(t, schema.IsInvalidTypeMapErr(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_UnresolvedTarget(t *testing.T) {
	u := userType()
	u.Fields = append(u.Fields, schema.FieldDefinition{Name: "team", Type: "Team"})
	err := schema.Validate(schema.New(u))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "User.team")
	assert.Contains(t, err.Error(), "Team")
}

func TestValidate_UnionNotStorable(t *testing.T) {
	u := userType()
	u.Fields = append(u.Fields, schema.FieldDefinition{Name: "owner", Type: "Owner"})
	types := schema.New(u, &schema.TypeDefinition{Kind: schema.KindUnion, Name: "Owner", PossibleTypes: []string{"User"}})
	err := schema.Validate(types)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "union type Owner cannot be stored")
}

func TestValidate_Connections(t *testing.T) {
	group := &schema.TypeDefinition{
		Name:   "Group",
		Fields: []schema.FieldDefinition{{Name: "id", Type: schema.ScalarID}, {Name: "name", Type: schema.ScalarString}},
	}
	membership := &schema.TypeDefinition{
		Name: "Membership",
		Fields: []schema.FieldDefinition{
			{Name: "id", Type: schema.ScalarID},
			{Name: "user", Type: "User"},
			{Name: "group", Type: "Group"},
		},
	}
	u := userType()
	u.Connections = []schema.ConnectionDefinition{{
		Name:            "groups",
		NodeType:        "Group",
		EdgeType:        "Membership",
		EdgeSourceField: "user",
		EdgeNodeField:   "group",
	}}

	types := schema.New(u, group, membership)
	require.NoError(t, schema.Validate(types))

	conn := types["User"].Connection("groups")
	require.NotNil(t, conn)
	assert.Equal(t, "User", conn.SourceType, "source type defaults to owner")
	assert.Equal(t, "id", conn.SourceField)
	assert.Equal(t, "id", conn.NodeKeyField)
	assert.True(t, conn.IsJoin())

	u.Connections[0].EdgeNodeField = "team"
	err := schema.Validate(types)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown edge node field "team" on Membership`)
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	types := schema.New(
		&schema.TypeDefinition{Name: "A", Fields: []schema.FieldDefinition{{Name: "x", Type: "Nope"}}},
		&schema.TypeDefinition{Kind: schema.KindEnum, Name: "Color"},
	)
	err := schema.Validate(types)
	require.Error(t, err)
	msg := err.Error()
	assert.True(t, strings.Contains(msg, "A.x"), msg)
	assert.True(t, strings.Contains(msg, "enum Color has no values"), msg)
	assert.True(t, strings.Contains(msg, "A: expected exactly one identity field"), msg)
}
