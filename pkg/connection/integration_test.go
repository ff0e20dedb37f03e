package connection_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/strata"
	"github.com/pthm/strata/internal/testutil"
	"github.com/pthm/strata/pkg/connection"
	"github.com/pthm/strata/pkg/schema"
	"github.com/pthm/strata/pkg/store"
)

const inAdmins = `query { node(filter: {groups: {node: {name: {eq: "admins"}}}}) }`

func groupTypes() schema.TypeMap {
	anyone := []schema.Permission{{Role: strata.RoleAnonymous, Operations: []schema.Operation{schema.OpRead}}}
	return schema.New(
		&schema.TypeDefinition{
			Name: "User",
			Fields: []schema.FieldDefinition{
				{Name: "id", Type: schema.ScalarID},
				{Name: "email", Type: schema.ScalarString, Unique: true},
			},
			Connections: []schema.ConnectionDefinition{
				{Name: "groups", NodeType: "Group", EdgeType: "Membership", EdgeSourceField: "user", EdgeNodeField: "group"},
			},
			Permissions: []schema.Permission{
				{Role: strata.RoleAuthenticated, Operations: []schema.Operation{schema.OpRead}, Query: inAdmins},
			},
		},
		&schema.TypeDefinition{
			Name: "Group",
			Fields: []schema.FieldDefinition{
				{Name: "id", Type: schema.ScalarID},
				{Name: "name", Type: schema.ScalarString},
			},
			Connections: []schema.ConnectionDefinition{
				{Name: "memberships", NodeType: "Membership", NodeField: "group"},
			},
			Permissions: anyone,
		},
		&schema.TypeDefinition{
			Name: "Membership",
			Fields: []schema.FieldDefinition{
				{Name: "id", Type: schema.ScalarID},
				{Name: "user", Type: "User", Required: true},
				{Name: "group", Type: "Group", Required: true},
				{Name: "role", Type: schema.ScalarString},
			},
			Permissions: anyone,
		},
	)
}

type fixture struct {
	store       *store.Postgres
	admins      string
	memberships []string
}

// seed creates the groups admins and staff, puts size users in admins and
// one more user in staff.
func seed(t *testing.T, size int) *fixture {
	t.Helper()
	ctx := context.Background()
	db := testutil.DB(t)
	types := groupTypes()
	s, err := store.New(db, types)
	require.NoError(t, err)
	_, err = s.Migrate(ctx, types, nil)
	require.NoError(t, err)

	create := func(typ string, values map[string]any) string {
		node, err := s.Create(ctx, typ, values, strata.Trusted(), false)
		require.NoError(t, err)
		return node["id"].(string)
	}

	f := &fixture{store: s}
	f.admins = create("Group", map[string]any{"name": "admins"})
	staff := create("Group", map[string]any{"name": "staff"})
	for i := range size {
		user := create("User", map[string]any{"email": fmt.Sprintf("admin%d@example.com", i)})
		f.memberships = append(f.memberships, create("Membership", map[string]any{"user": user, "group": f.admins, "role": "member"}))
	}
	outsider := create("User", map[string]any{"email": "outsider@example.com"})
	create("Membership", map[string]any{"user": outsider, "group": staff, "role": "member"})
	return f
}

func (f *fixture) page(t *testing.T, args connection.Args) *connection.Connection {
	t.Helper()
	ctx := context.Background()
	l, err := f.store.GetConnectionLoader(ctx, strata.Anonymous(), "Group", "memberships", false, "")
	require.NoError(t, err)
	page, err := l.Load(f.admins, args).Get(ctx)
	require.NoError(t, err)
	return page
}

func ids(page *connection.Connection) []string {
	out := make([]string, len(page.Edges))
	for i, e := range page.Edges {
		out[i] = e.Node["id"].(string)
	}
	return out
}

func intp(n int) *int { return &n }

func TestIntegrationPaginationWalk(t *testing.T) {
	f := seed(t, 7)

	t.Run("forward", func(t *testing.T) {
		var (
			seen  []string
			after *string
			pages int
		)
		for {
			page := f.page(t, connection.Args{First: intp(3), After: after})
			pages++
			assert.LessOrEqual(t, len(page.Edges), 3)
			seen = append(seen, ids(page)...)
			assert.Equal(t, len(seen) < len(f.memberships), page.PageInfo.HasNextPage)
			if !page.PageInfo.HasNextPage {
				break
			}
			after = &page.PageInfo.EndCursor
		}
		assert.Equal(t, 3, pages)
		assert.Equal(t, f.memberships, seen, "pages neither overlap nor skip rows")
	})

	t.Run("backward", func(t *testing.T) {
		page := f.page(t, connection.Args{Last: intp(3)})
		assert.Equal(t, f.memberships[4:], ids(page), "backward pages keep forward order")
		assert.True(t, page.PageInfo.HasPreviousPage)

		page = f.page(t, connection.Args{Last: intp(3), Before: &page.PageInfo.StartCursor})
		assert.Equal(t, f.memberships[1:4], ids(page))
	})

	t.Run("total count ignores the window", func(t *testing.T) {
		page := f.page(t, connection.Args{First: intp(2)})
		total, err := page.TotalCount(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 7, total)
	})
}

func TestIntegrationPermissionThroughJoin(t *testing.T) {
	ctx := context.Background()
	f := seed(t, 1)
	rc := strata.Authenticated("999")

	nodes, err := f.store.FetchAll(ctx, "User", map[string]any{"email": "admin0@example.com"}, rc, false)
	require.NoError(t, err)
	assert.Len(t, nodes, 1, "member of admins is visible")

	nodes, err = f.store.FetchAll(ctx, "User", map[string]any{"email": "outsider@example.com"}, rc, false)
	require.NoError(t, err)
	assert.Empty(t, nodes, "the email matches but the permission does not")
}
