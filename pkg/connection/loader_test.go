package connection

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/strata"
	"github.com/pthm/strata/internal/handler"
	"github.com/pthm/strata/internal/query"
	"github.com/pthm/strata/pkg/schema"
)

func testTypes() schema.TypeMap {
	anyone := []schema.Permission{{Role: strata.RoleAnonymous}}
	return schema.New(
		&schema.TypeDefinition{
			Name: "User",
			Fields: []schema.FieldDefinition{
				{Name: "id", Type: schema.ScalarID},
				{Name: "name", Type: schema.ScalarString},
				{Name: "email", Type: schema.ScalarString, Unique: true},
				{Name: "tags", Type: schema.ScalarString, List: true},
			},
			Permissions: anyone,
		},
		&schema.TypeDefinition{
			Name: "Group",
			Fields: []schema.FieldDefinition{
				{Name: "id", Type: schema.ScalarID},
				{Name: "name", Type: schema.ScalarString},
			},
			Connections: []schema.ConnectionDefinition{
				{Name: "memberships", NodeType: "Membership", NodeField: "group"},
				{Name: "members", NodeType: "User", EdgeType: "Membership", EdgeSourceField: "group", EdgeNodeField: "user"},
				{Name: "secrets", NodeType: "Secret", NodeField: "group"},
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
		&schema.TypeDefinition{
			Name: "Secret",
			Fields: []schema.FieldDefinition{
				{Name: "id", Type: schema.ScalarID},
				{Name: "group", Type: "Group"},
			},
			Permissions: []schema.Permission{{Role: strata.RoleStaff}},
		},
	)
}

func newTestSession(t *testing.T, rc *strata.RequestContext, opts ...SessionOption) (*Session, sqlmock.Sqlmock) {
	t.Helper()
	types := testTypes()
	require.NoError(t, schema.Validate(types))
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	compiler := query.NewCompiler(handler.NewRegistry(types))
	return NewSession(context.Background(), compiler, db, rc, opts...), mock
}

func connLoader(t *testing.T, s *Session, typeName, connName string) *Loader {
	t.Helper()
	conn, err := s.LookupConnection(typeName, connName)
	require.NoError(t, err)
	l, err := s.GetConnectionLoader(conn, false, "")
	require.NoError(t, err)
	return l
}

func openGroup(t *testing.T, l *Loader, args Args, keys ...string) *group {
	t.Helper()
	win, err := args.window(l.cfg)
	require.NoError(t, err)
	return &group{loader: l, args: args, win: win, keys: keys}
}

func TestPagePlanDirect(t *testing.T) {
	s, _ := newTestSession(t, strata.Anonymous())
	l := connLoader(t, s, "Group", "memberships")

	plan, err := l.pagePlan(openGroup(t, l, Args{First: intp(2)}, "1", "2"))
	require.NoError(t, err)
	want := `SELECT k.key, coalesce(p.rows, '[]'::json) AS rows
FROM unnest($1::text[]) WITH ORDINALITY AS k(key, ord)
LEFT JOIN LATERAL (
    SELECT json_agg(row_to_json(x) ORDER BY x."id" ASC) AS rows
    FROM (
        SELECT n1.*
        FROM "membership" AS n1
        WHERE n1."group" = k.key::bigint
        ORDER BY n1."id" ASC
        LIMIT 3
    ) AS x
) AS p ON TRUE
ORDER BY k.ord ASC`
	assert.Equal(t, want, plan.SQL())
	assert.Equal(t, []any{pq.Array([]string{"1", "2"})}, plan.Args())
}

func TestPagePlanJoin(t *testing.T) {
	s, _ := newTestSession(t, strata.Anonymous())
	l := connLoader(t, s, "Group", "members")

	plan, err := l.pagePlan(openGroup(t, l, Args{}, "1"))
	require.NoError(t, err)
	sql := plan.SQL()
	assert.Contains(t, sql, `SELECT n1.*, row_to_json(e2) AS _edge`)
	assert.Contains(t, sql, `FROM "membership" AS e2`)
	assert.Contains(t, sql, `INNER JOIN "user" AS n1 ON n1."id" = e2."user"`)
	assert.Contains(t, sql, `WHERE e2."group" = k.key::bigint`)
	assert.Contains(t, sql, `LIMIT 101`)
}

func TestPagePlanBoundaries(t *testing.T) {
	s, _ := newTestSession(t, strata.Anonymous())
	l := connLoader(t, s, "Group", "memberships")

	tests := []struct {
		name  string
		args  Args
		want  string
		order string
	}{
		{
			name:  "after ascending",
			args:  Args{First: intp(2), After: cursor("7"), Order: &Order{Fields: []string{"role"}}},
			want:  `(n1."role", n1."id") > (SELECT c2."role", c2."id"`,
			order: `ORDER BY n1."role" ASC, n1."id" ASC`,
		},
		{
			name:  "after descending",
			args:  Args{First: intp(2), After: cursor("7"), Order: &Order{Fields: []string{"role"}, Direction: DESC}},
			want:  `(n1."role", n1."id") < (SELECT c2."role", c2."id"`,
			order: `ORDER BY n1."role" DESC, n1."id" DESC`,
		},
		{
			name:  "before ascending fetches in reverse",
			args:  Args{Last: intp(2), Before: cursor("7"), Order: &Order{Fields: []string{"role"}}},
			want:  `(n1."role", n1."id") < (SELECT c2."role", c2."id"`,
			order: `ORDER BY n1."role" DESC, n1."id" DESC`,
		},
		{
			name:  "before descending",
			args:  Args{Last: intp(2), Before: cursor("7"), Order: &Order{Fields: []string{"role"}, Direction: DESC}},
			want:  `(n1."role", n1."id") > (SELECT c2."role", c2."id"`,
			order: `ORDER BY n1."role" ASC, n1."id" ASC`,
		},
		{
			name:  "identity sort is not repeated",
			args:  Args{After: cursor("7"), Order: &Order{Fields: []string{"id"}}},
			want:  `n1."id" > (SELECT c2."id"`,
			order: `ORDER BY n1."id" ASC`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := l.pagePlan(openGroup(t, l, tt.args, "1"))
			require.NoError(t, err)
			assert.Contains(t, plan.SQL(), tt.want)
			assert.Contains(t, plan.SQL(), `WHERE c2."id" = $2::bigint)`)
			assert.Contains(t, plan.SQL(), tt.order)
			assert.Equal(t, int64(7), plan.Args()[1])
		})
	}
}

func TestPagePlanSkip(t *testing.T) {
	s, _ := newTestSession(t, strata.Anonymous())
	l := connLoader(t, s, "Group", "memberships")
	plan, err := l.pagePlan(openGroup(t, l, Args{First: intp(5), Skip: 10}, "1"))
	require.NoError(t, err)
	assert.Contains(t, plan.SQL(), "LIMIT 6 OFFSET 10")
}

func TestPagePlanAppliesPermission(t *testing.T) {
	s, _ := newTestSession(t, strata.Anonymous())
	l := connLoader(t, s, "Group", "secrets")
	plan, err := l.pagePlan(openGroup(t, l, Args{}, "1"))
	require.NoError(t, err)
	assert.Contains(t, plan.SQL(), `WHERE (n1."group" = k.key::bigint AND FALSE)`)

	staff, _ := newTestSession(t, strata.Authenticated("3", strata.RoleStaff))
	l = connLoader(t, staff, "Group", "secrets")
	plan, err = l.pagePlan(openGroup(t, l, Args{}, "1"))
	require.NoError(t, err)
	assert.NotContains(t, plan.SQL(), "FALSE")
}

func TestPagePlanRejectsOrder(t *testing.T) {
	s, _ := newTestSession(t, strata.Anonymous())
	l := connLoader(t, s, "Group", "members")
	for _, field := range []string{"missing", "tags"} {
		_, err := l.pagePlan(openGroup(t, l, Args{Order: &Order{Fields: []string{field}}}, "1"))
		assert.True(t, strata.IsUserInputErr(err), field)
	}
}

func TestLoadPagesForward(t *testing.T) {
	hooks := strata.NewMemoryHooks()
	s, mock := newTestSession(t, strata.Anonymous(), WithHooks(hooks))
	l := connLoader(t, s, "Group", "memberships")

	a := l.Load("1", Args{First: intp(2)})
	b := l.Load(int64(2), Args{First: intp(2)})
	c := l.Load("1", Args{First: intp(2)})

	mock.ExpectQuery(`unnest`).
		WithArgs(pq.Array([]string{"1", "2"})).
		WillReturnRows(sqlmock.NewRows([]string{"r0"}).AddRow([]byte(`[
			{"key": "1", "rows": [
				{"id": 10, "group": 1, "user": 5, "role": "owner"},
				{"id": 11, "group": 1, "user": 6, "role": null},
				{"id": 12, "group": 1, "user": 7, "role": null}
			]},
			{"key": "2", "rows": []}
		]`)))

	require.NoError(t, s.Dispatch(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())

	page, err := a.Get(context.Background())
	require.NoError(t, err)
	require.Len(t, page.Edges, 2)
	assert.Equal(t, map[string]any{"id": "10", "group": "1", "user": "5", "role": "owner"}, page.Edges[0].Node)
	assert.Nil(t, page.Edges[0].Edge)
	assert.Equal(t, EncodeCursor("10"), page.Edges[0].Cursor)
	assert.Equal(t, PageInfo{
		HasNextPage:     true,
		HasPreviousPage: false,
		StartCursor:     EncodeCursor("10"),
		EndCursor:       EncodeCursor("11"),
	}, page.PageInfo)

	empty, err := b.Get(context.Background())
	require.NoError(t, err)
	assert.Empty(t, empty.Edges)
	assert.Equal(t, PageInfo{}, empty.PageInfo)

	again, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, page.Edges, again.Edges)

	assert.True(t, hooks.Depends("Membership"))
	assert.True(t, hooks.Depends("Membership:10"))
	assert.False(t, hooks.Depends("Membership:12"))
}

func TestLoadPagesBackward(t *testing.T) {
	s, mock := newTestSession(t, strata.Anonymous())
	l := connLoader(t, s, "Group", "memberships")
	thunk := l.Load("1", Args{Last: intp(2)})

	mock.ExpectQuery(`ORDER BY n1."id" DESC`).
		WillReturnRows(sqlmock.NewRows([]string{"r0"}).AddRow([]byte(`[
			{"key": "1", "rows": [{"id": 12}, {"id": 11}, {"id": 10}]}
		]`)))

	// Get flushes on its own.
	page, err := thunk.Get(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	require.Len(t, page.Edges, 2)
	assert.Equal(t, "11", page.Edges[0].Node["id"])
	assert.Equal(t, "12", page.Edges[1].Node["id"])
	assert.True(t, page.PageInfo.HasPreviousPage)
	assert.False(t, page.PageInfo.HasNextPage)
	assert.Equal(t, EncodeCursor("11"), page.PageInfo.StartCursor)
}

func TestLoadJoinDecodesEdges(t *testing.T) {
	s, mock := newTestSession(t, strata.Anonymous())
	l := connLoader(t, s, "Group", "members")
	thunk := l.Load("1", Args{After: cursor("4")})

	mock.ExpectQuery(`row_to_json\(e2\) AS _edge`).
		WillReturnRows(sqlmock.NewRows([]string{"r0"}).AddRow([]byte(`[
			{"key": "1", "rows": [{"id": 5, "name": "ada", "_edge": {"id": 30, "user": 5, "group": 1, "role": "owner"}}]}
		]`)))
	page, err := thunk.Get(context.Background())
	require.NoError(t, err)
	require.Len(t, page.Edges, 1)
	assert.Equal(t, map[string]any{"id": "5", "name": "ada"}, page.Edges[0].Node)
	assert.Equal(t, map[string]any{"id": "30", "user": "5", "group": "1", "role": "owner"}, page.Edges[0].Edge)
	assert.False(t, page.PageInfo.HasNextPage)
	assert.True(t, page.PageInfo.HasPreviousPage)
}

func TestLoadGroupsByArgs(t *testing.T) {
	s, mock := newTestSession(t, strata.Anonymous())
	l := connLoader(t, s, "Group", "memberships")
	users, err := s.GetLoader("User", "id", false, "")
	require.NoError(t, err)

	first := l.Load("1", Args{First: intp(1)})
	second := l.Load("1", Args{First: intp(2)})
	user := users.Load("5")

	// Two connection groups and one node lookup share one statement.
	mock.ExpectQuery(`(?s)AS r0,.*AS r1,.*AS r2`).
		WillReturnRows(sqlmock.NewRows([]string{"r0", "r1", "r2"}).AddRow(
			[]byte(`[{"key": "1", "rows": [{"id": 10}]}]`),
			[]byte(`[{"key": "1", "rows": [{"id": 10}, {"id": 11}]}]`),
			[]byte(`[{"id": 5, "name": "ada"}]`),
		))
	require.NoError(t, s.Dispatch(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())

	for _, th := range []*Thunk{first, second} {
		page, err := th.Get(context.Background())
		require.NoError(t, err)
		assert.NotEmpty(t, page.Edges)
	}
	node, err := user.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ada", node["name"])
}

func TestLoadInvalidArgsFailsThunkOnly(t *testing.T) {
	s, mock := newTestSession(t, strata.Anonymous())
	l := connLoader(t, s, "Group", "memberships")
	bad := l.Load("1", Args{First: intp(1), Last: intp(1)})
	badOrder := l.Load("1", Args{Order: &Order{Fields: []string{"nope"}}})

	_, err := bad.Get(context.Background())
	assert.True(t, strata.IsUserInputErr(err))

	// The order is only compiled at flush time; nothing reaches the database.
	_, err = badOrder.Get(context.Background())
	assert.True(t, strata.IsUserInputErr(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadInvalidSourceKeyFailsThunkOnly(t *testing.T) {
	s, mock := newTestSession(t, strata.Anonymous())
	l := connLoader(t, s, "Group", "memberships")
	members := connLoader(t, s, "Group", "members")
	users, err := s.GetLoader("User", "id", false, "")
	require.NoError(t, err)

	bad := l.Load("not-a-number", Args{First: intp(2)})
	badJoin := members.Load("g-1", Args{})
	missing := l.Load(nil, Args{})
	good := l.Load(int64(1), Args{First: intp(2)})
	user := users.Load("1")

	// Only the valid loads reach the merged statement.
	mock.ExpectQuery(`(?s)AS r0,.*AS r1`).
		WithArgs(pq.Array([]string{"1"}), pq.Array([]string{"1"})).
		WillReturnRows(sqlmock.NewRows([]string{"r0", "r1"}).AddRow(
			[]byte(`[{"key": "1", "rows": [{"id": 10}]}]`),
			[]byte(`[{"id": 1, "name": "ada"}]`),
		))

	for _, th := range []*Thunk{bad, badJoin, missing} {
		_, err := th.Get(context.Background())
		assert.True(t, strata.IsUserInputErr(err))
	}

	page, err := good.Get(context.Background())
	require.NoError(t, err)
	require.Len(t, page.Edges, 1)
	assert.Equal(t, "10", page.Edges[0].Node["id"])

	node, err := user.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ada", node["name"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTotalCountIsLazy(t *testing.T) {
	s, mock := newTestSession(t, strata.Anonymous())
	l := connLoader(t, s, "Group", "memberships")
	a := l.Load("1", Args{First: intp(1), Filter: map[string]any{"role": map[string]any{"eq": "owner"}}})
	b := l.Load("2", Args{First: intp(1), Filter: map[string]any{"role": map[string]any{"eq": "owner"}}})

	mock.ExpectQuery(`unnest`).
		WillReturnRows(sqlmock.NewRows([]string{"r0"}).AddRow([]byte(`[
			{"key": "1", "rows": [{"id": 10}]},
			{"key": "2", "rows": []}
		]`)))
	pa, err := a.Get(context.Background())
	require.NoError(t, err)
	pb, err := b.Get(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	mock.ExpectQuery(`\(SELECT count\(\*\)`).
		WithArgs(pq.Array([]string{"1", "2"}), "owner").
		WillReturnRows(sqlmock.NewRows([]string{"r0"}).AddRow([]byte(`[
			{"key": "1", "count": 4},
			{"key": "2", "count": 0}
		]`)))
	n, err := pa.TotalCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	n, err = pb.TotalCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountPlan(t *testing.T) {
	s, _ := newTestSession(t, strata.Anonymous())
	l := connLoader(t, s, "Group", "memberships")
	plan, err := l.countPlan(openGroup(t, l, Args{First: intp(1)}, "1"))
	require.NoError(t, err)
	assert.Equal(t, `SELECT k.key, (SELECT count(*)
FROM "membership" AS n1
WHERE n1."group" = k.key::bigint) AS count
FROM unnest($1::text[]) AS k(key)`, plan.SQL())
}
