package batch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/strata/internal/sqlgen/sqldsl"
)

func lookupPlan(table, column string, value any, cast string) *Plan {
	params := sqldsl.NewParams()
	stmt := sqldsl.SelectStmt{
		ColumnExprs: []sqldsl.Expr{sqldsl.Star("n1")},
		FromExpr:    sqldsl.TableAs(sqldsl.QuoteIdent(table), "n1"),
		Where:       sqldsl.Eq{Left: sqldsl.QCol("n1", column), Right: params.Add(value, cast)},
	}
	return NewPlan(stmt, params)
}

func newMock(t *testing.T) (*Scheduler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewScheduler(db), mock
}

func TestPlanRendersStandalone(t *testing.T) {
	p := lookupPlan("user", "name", "ada", "text")
	assert.Equal(t, "SELECT n1.*\nFROM \"user\" AS n1\nWHERE n1.\"name\" = $1::text", p.SQL())
	assert.Equal(t, []any{"ada"}, p.Args())
	assert.Equal(t, p.Key(), lookupPlan("user", "name", "ada", "text").Key())
	assert.NotEqual(t, p.Key(), lookupPlan("user", "name", "bob", "text").Key())
}

func TestFlushMergesPlans(t *testing.T) {
	s, mock := newMock(t)

	users := s.Enqueue(lookupPlan("user", "name", "ada", "text"))
	groups := s.Enqueue(lookupPlan("group", "id", int64(3), "bigint"))
	assert.Equal(t, 2, s.Len())

	want := strings.Join([]string{
		`SELECT`,
		`    (SELECT coalesce(json_agg(row_to_json(s0)), '[]'::json) FROM (`,
		`        SELECT n1.*`,
		`        FROM "user" AS n1`,
		`        WHERE n1."name" = $1::text`,
		`    ) AS s0) AS r0,`,
		`    (SELECT coalesce(json_agg(row_to_json(s1)), '[]'::json) FROM (`,
		`        SELECT n1.*`,
		`        FROM "group" AS n1`,
		`        WHERE n1."id" = $2::bigint`,
		`    ) AS s1) AS r1`,
	}, "\n")
	mock.ExpectQuery(want).
		WithArgs("ada", int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"r0", "r1"}).
			AddRow([]byte(`[{"id":1,"name":"ada"}]`), []byte(`[]`)))

	require.NoError(t, s.Flush(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 0, s.Len())

	rows, err := users.Rows()
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"id": json.Number("1"), "name": "ada"}}, rows)

	rows, err = groups.Rows()
	require.NoError(t, err)
	assert.Empty(t, rows)

	// The plan renders standalone again after the merge.
	assert.Equal(t, "SELECT n1.*\nFROM \"group\" AS n1\nWHERE n1.\"id\" = $1::bigint", groups.Plan().SQL())
}

func TestEnqueueSharesEqualPlans(t *testing.T) {
	s, mock := newMock(t)
	a := s.Enqueue(lookupPlan("user", "name", "ada", "text"))
	b := s.Enqueue(lookupPlan("user", "name", "ada", "text"))
	assert.Same(t, a, b)
	assert.Equal(t, 1, s.Len())

	mock.ExpectQuery(`SELECT
    (SELECT coalesce(json_agg(row_to_json(s0)), '[]'::json) FROM (
        SELECT n1.*
        FROM "user" AS n1
        WHERE n1."name" = $1::text
    ) AS s0) AS r0`).
		WithArgs("ada").
		WillReturnRows(sqlmock.NewRows([]string{"r0"}).AddRow([]byte(`[{"id":1}]`)))
	require.NoError(t, s.Flush(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueKeepsCollidingPlansApart(t *testing.T) {
	orig := planHash
	planHash = func(string, []byte) uint64 { return 42 }
	t.Cleanup(func() { planHash = orig })

	s, mock := newMock(t)
	ada := s.Enqueue(lookupPlan("user", "name", "ada", "text"))
	bob := s.Enqueue(lookupPlan("user", "name", "bob", "text"))
	again := s.Enqueue(lookupPlan("user", "name", "ada", "text"))
	assert.NotSame(t, ada, bob)
	assert.Same(t, ada, again)
	assert.Equal(t, 2, s.Len())

	mock.ExpectQuery(`SELECT
    (SELECT coalesce(json_agg(row_to_json(s0)), '[]'::json) FROM (
        SELECT n1.*
        FROM "user" AS n1
        WHERE n1."name" = $1::text
    ) AS s0) AS r0,
    (SELECT coalesce(json_agg(row_to_json(s1)), '[]'::json) FROM (
        SELECT n1.*
        FROM "user" AS n1
        WHERE n1."name" = $2::text
    ) AS s1) AS r1`).
		WithArgs("ada", "bob").
		WillReturnRows(sqlmock.NewRows([]string{"r0", "r1"}).
			AddRow([]byte(`[{"id":1}]`), []byte(`[{"id":2}]`)))
	require.NoError(t, s.Flush(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())

	rows, err := bob.Rows()
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"id": json.Number("2")}}, rows)
}

func TestPlanEqual(t *testing.T) {
	p := lookupPlan("user", "name", "ada", "text")
	assert.True(t, p.Equal(lookupPlan("user", "name", "ada", "text")))
	assert.False(t, p.Equal(lookupPlan("user", "name", "bob", "text")))
	assert.False(t, p.Equal(lookupPlan("user", "email", "ada", "text")))

	unencodable := lookupPlan("user", "name", make(chan int), "text")
	assert.True(t, unencodable.Equal(unencodable))
	assert.False(t, unencodable.Equal(lookupPlan("user", "name", make(chan int), "text")))
}

func TestRowsBeforeFlush(t *testing.T) {
	s, _ := newMock(t)
	p := s.Enqueue(lookupPlan("user", "name", "ada", "text"))
	_, err := p.Rows()
	assert.ErrorIs(t, err, ErrNotFlushed)
}

func TestFlushWithoutPlansIsNoop(t *testing.T) {
	s, mock := newMock(t)
	require.NoError(t, s.Flush(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFlushFailureFailsEveryPlan(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewScheduler(db)
	a := s.Enqueue(lookupPlan("user", "name", "ada", "text"))
	b := s.Enqueue(lookupPlan("user", "name", "bob", "text"))

	boom := errors.New("connection reset")
	mock.ExpectQuery(`json_agg`).WithArgs("ada", "bob").WillReturnError(boom)

	err = s.Flush(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	for _, p := range []*Pending{a, b} {
		_, err := p.Rows()
		assert.ErrorIs(t, err, boom)
	}
}

type lookupSource struct {
	s     *Scheduler
	names []string
	out   []*Pending
}

func (l *lookupSource) Prepare() error {
	for _, n := range l.names {
		l.out = append(l.out, l.s.Enqueue(lookupPlan("user", "name", n, "text")))
	}
	l.names = nil
	return nil
}

func TestFlushPreparesSources(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewScheduler(db)
	src := &lookupSource{s: s, names: []string{"ada"}}
	s.Register(src)
	direct := s.Enqueue(lookupPlan("group", "id", int64(3), "bigint"))

	mock.ExpectQuery(`json_agg`).WithArgs(int64(3), "ada").
		WillReturnRows(sqlmock.NewRows([]string{"r0", "r1"}).AddRow([]byte(`[]`), []byte(`[{"id":1}]`)))
	require.NoError(t, s.Flush(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, src.out, 1)
	rows, err := src.out[0].Rows()
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	rows, err = direct.Rows()
	require.NoError(t, err)
	assert.Empty(t, rows)

	// A second flush with nothing pending does not query.
	require.NoError(t, s.Flush(context.Background()))
}
