package handler

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/strata"
	"github.com/pthm/strata/internal/sqlgen/sqldsl"
	"github.com/pthm/strata/pkg/schema"
)

func testTypes() schema.TypeMap {
	return schema.New(
		&schema.TypeDefinition{
			Name: "Article",
			Fields: []schema.FieldDefinition{
				{Name: "id", Type: schema.ScalarID, Storage: schema.StorageUUID},
				{Name: "title", Type: schema.ScalarString, Required: true},
				{Name: "views", Type: schema.ScalarInt, Default: 0},
				{Name: "rating", Type: schema.ScalarFloat},
				{Name: "live", Type: schema.ScalarBoolean},
				{Name: "publishedAt", Type: schema.ScalarDateTime},
				{Name: "day", Type: schema.ScalarDate},
				{Name: "price", Type: schema.ScalarDecimal},
				{Name: "meta", Type: schema.ScalarJSON},
				{Name: "status", Type: "Status", Default: "DRAFT"},
				{Name: "tags", Type: schema.ScalarString, List: true, Default: []any{"a", "b"}},
				{Name: "flags", Type: "Status", List: true},
				{Name: "blobs", Type: schema.ScalarJSON, List: true},
				{Name: "author", Type: "Author"},
			},
		},
		&schema.TypeDefinition{
			Name:   "Author",
			Fields: []schema.FieldDefinition{{Name: "id", Type: schema.ScalarID}},
		},
		&schema.TypeDefinition{Kind: schema.KindEnum, Name: "Status", Values: []string{"DRAFT", "LIVE"}},
		&schema.TypeDefinition{Kind: schema.KindUnion, Name: "Anything", PossibleTypes: []string{"Author"}},
	)
}

func resolve(t *testing.T, field string) Handler {
	t.Helper()
	types := testTypes()
	r := NewRegistry(types)
	h, err := r.ResolveName(types["Article"], field)
	require.NoError(t, err)
	return h
}

func TestRegistryKinds(t *testing.T) {
	tests := []struct {
		field string
		kind  FieldKind
		cast  string
	}{
		{"id", KindID, "uuid"},
		{"title", KindString, "text"},
		{"views", KindInt, "integer"},
		{"rating", KindFloat, "double precision"},
		{"live", KindBoolean, "boolean"},
		{"publishedAt", KindDateTime, "timestamptz"},
		{"day", KindDate, "date"},
		{"price", KindDecimal, "numeric"},
		{"meta", KindJSON, "jsonb"},
		{"status", KindEnum, "text"},
		{"tags", KindString, "text[]"},
		{"author", KindObject, "bigint"},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			h := resolve(t, tt.field)
			assert.Equal(t, tt.kind, h.Kind())
			assert.Equal(t, tt.cast, h.Cast())
		})
	}
}

func TestRegistryCachesHandlers(t *testing.T) {
	types := testTypes()
	r := NewRegistry(types)
	h1, err := r.ResolveName(types["Article"], "title")
	require.NoError(t, err)
	h2, err := r.ResolveName(types["Article"], "title")
	require.NoError(t, err)
	assert.Same(t, h1, h2)
}

func TestRegistryErrors(t *testing.T) {
	types := testTypes()
	r := NewRegistry(types)

	_, err := r.ResolveName(types["Article"], "nope")
	require.Error(t, err)
	assert.True(t, strata.IsUserInputErr(err))

	_, err = r.Resolve(types["Article"], &schema.FieldDefinition{Name: "x", Type: "Missing"})
	require.Error(t, err)
	assert.True(t, schema.IsUnknownTypeErr(err))

	_, err = r.Resolve(types["Article"], &schema.FieldDefinition{Name: "y", Type: "Anything"})
	require.Error(t, err)
	assert.True(t, schema.IsUnknownTypeErr(err))
}

func TestColumnSpecs(t *testing.T) {
	id, err := resolve(t, "id").Column()
	require.NoError(t, err)
	assert.Equal(t, `"id" uuid PRIMARY KEY DEFAULT gen_random_uuid()`, id.Definition())

	title, err := resolve(t, "title").Column()
	require.NoError(t, err)
	assert.Equal(t, `"title" text NOT NULL`, title.Definition())

	views, err := resolve(t, "views").Column()
	require.NoError(t, err)
	assert.Equal(t, `"views" integer DEFAULT '0'::integer`, views.Definition())

	status, err := resolve(t, "status").Column()
	require.NoError(t, err)
	assert.Equal(t, `"status" IN ('DRAFT', 'LIVE')`, status.Check)
	assert.Equal(t, `'DRAFT'::text`, status.Default)

	flags, err := resolve(t, "flags").Column()
	require.NoError(t, err)
	assert.Equal(t, `"flags" <@ '{"DRAFT","LIVE"}'::text[]`, flags.Check)

	tags, err := resolve(t, "tags").Column()
	require.NoError(t, err)
	assert.Equal(t, `'{"a","b"}'::text[]`, tags.Default)

	author, err := resolve(t, "author").Column()
	require.NoError(t, err)
	require.NotNil(t, author.References)
	assert.Equal(t, "author", author.References.Table)
	assert.Equal(t, "id", author.References.Column)

	serialTypes := testTypes()
	r := NewRegistry(serialTypes)
	h, err := r.ResolveName(serialTypes["Author"], "id")
	require.NoError(t, err)
	col, err := h.Column()
	require.NoError(t, err)
	assert.Equal(t, `"id" bigint GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY`, col.Definition())
}

func TestUnsupportedListIsHandlerError(t *testing.T) {
	_, err := resolve(t, "blobs").Column()
	require.Error(t, err)
	assert.True(t, strata.IsHandlerErr(err))
}

func TestToStore(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		field string
		in    any
		want  any
	}{
		{"title", "hello", "hello"},
		{"views", float64(3), int64(3)},
		{"views", json.Number("7"), int64(7)},
		{"rating", 2, float64(2)},
		{"live", true, true},
		{"publishedAt", "2024-03-01T12:00:00Z", ts},
		{"day", ts, "2024-03-01"},
		{"price", "12.50", "12.50"},
		{"meta", map[string]any{"a": 1}, `{"a":1}`},
		{"status", "LIVE", "LIVE"},
		{"tags", []any{"x", "y"}, pq.StringArray{"x", "y"}},
		{"author", "42", int64(42)},
		{"id", "6f1c2a54-3b8e-4d3e-9d5b-2f4b1a7c9e10", "6f1c2a54-3b8e-4d3e-9d5b-2f4b1a7c9e10"},
		{"title", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			got, err := resolve(t, tt.field).ToStore(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestToStoreRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		field string
		in    any
	}{
		{"title", 3},
		{"views", 1.5},
		{"views", int64(1) << 40},
		{"status", "ARCHIVED"},
		{"id", "not-a-uuid"},
		{"author", "abc"},
		{"price", "twelve"},
		{"day", "03/01/2024"},
		{"tags", "x"},
		{"tags", []any{"x", nil}},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			_, err := resolve(t, tt.field).ToStore(tt.in)
			require.Error(t, err)
			assert.True(t, strata.IsUserInputErr(err), "%v", err)
		})
	}
}

func TestFromStore(t *testing.T) {
	got, err := resolve(t, "author").FromStore(json.Number("42"))
	require.NoError(t, err)
	assert.Equal(t, "42", got)

	got, err = resolve(t, "views").FromStore(json.Number("9"))
	require.NoError(t, err)
	assert.Equal(t, int64(9), got)

	got, err = resolve(t, "price").FromStore(json.Number("12.50"))
	require.NoError(t, err)
	assert.Equal(t, "12.50", got)

	got, err = resolve(t, "publishedAt").FromStore("2024-03-01T12:00:00+00:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), got)

	got, err = resolve(t, "tags").FromStore([]any{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, got)

	got, err = resolve(t, "title").FromStore(nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestOperators(t *testing.T) {
	assert.Equal(t, []string{"eq", "isNull", "notEq"}, resolve(t, "live").Operators())
	assert.Equal(t, []string{"isNull"}, resolve(t, "tags").Operators())
	assert.Contains(t, resolve(t, "title").Operators(), "startsWith")
	assert.NotContains(t, resolve(t, "views").Operators(), "contains")
}

func filterSQL(t *testing.T, field string, ops map[string]any) ([]string, []any) {
	t.Helper()
	params := sqldsl.NewParams()
	preds, err := resolve(t, field).Filter(sqldsl.QCol("n1", field), ops, params)
	require.NoError(t, err)
	out := make([]string, len(preds))
	for i, p := range preds {
		out[i] = p.SQL()
	}
	return out, params.Values()
}

func TestFilterOperators(t *testing.T) {
	tests := []struct {
		name  string
		field string
		ops   map[string]any
		want  []string
		args  []any
	}{
		{
			name:  "eq casts parameter",
			field: "title",
			ops:   map[string]any{"eq": "a@x.com"},
			want:  []string{`n1."title" = $1::text`},
			args:  []any{"a@x.com"},
		},
		{
			name:  "eq null",
			field: "title",
			ops:   map[string]any{"eq": nil},
			want:  []string{`n1."title" IS NULL`},
		},
		{
			name:  "notEq keeps nulls",
			field: "views",
			ops:   map[string]any{"notEq": 3},
			want:  []string{`n1."views" IS DISTINCT FROM $1::integer`},
			args:  []any{int64(3)},
		},
		{
			name:  "ranges in sorted operator order",
			field: "views",
			ops:   map[string]any{"lt": 10, "gte": 2},
			want:  []string{`n1."views" >= $1::integer`, `n1."views" < $2::integer`},
			args:  []any{int64(2), int64(10)},
		},
		{
			name:  "in",
			field: "author",
			ops:   map[string]any{"in": []any{"1", "2"}},
			want:  []string{`n1."author" = ANY($1::bigint[])`},
			args:  []any{pq.Array([]string{"1", "2"})},
		},
		{
			name:  "notIn",
			field: "status",
			ops:   map[string]any{"notIn": []any{"LIVE"}},
			want:  []string{`(n1."status" IS NULL OR n1."status" <> ALL($1::text[]))`},
			args:  []any{pq.Array([]string{"LIVE"})},
		},
		{
			name:  "empty in",
			field: "status",
			ops:   map[string]any{"in": []any{}, "notIn": []any{}},
			want:  []string{"FALSE", "TRUE"},
		},
		{
			name:  "string patterns escaped",
			field: "title",
			ops:   map[string]any{"startsWith": "50%", "endsWith": "x_", "contains": "a"},
			want:  []string{`n1."title" LIKE $1::text`, `n1."title" LIKE $2::text`, `n1."title" LIKE $3::text`},
			args:  []any{"%a%", `%x\_`, `50\%%`},
		},
		{
			name:  "isNull",
			field: "tags",
			ops:   map[string]any{"isNull": false},
			want:  []string{`n1."tags" IS NOT NULL`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, args := filterSQL(t, tt.field, tt.ops)
			assert.Equal(t, tt.want, got)
			if tt.args == nil {
				assert.Empty(t, args)
			} else {
				assert.Equal(t, tt.args, args)
			}
		})
	}
}

func TestFilterRejectsUnsupportedOperators(t *testing.T) {
	tests := []struct {
		name  string
		field string
		ops   map[string]any
		keys  []string
	}{
		{"boolean ordering", "live", map[string]any{"gt": true, "in": []any{true}}, []string{"gt", "in"}},
		{"list equality", "tags", map[string]any{"eq": "x"}, []string{"eq"}},
		{"unknown", "title", map[string]any{"like": "x"}, []string{"like"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolve(t, tt.field).Filter(sqldsl.QCol("n1", tt.field), tt.ops, sqldsl.NewParams())
			require.Error(t, err)
			var uie *strata.UserInputError
			require.ErrorAs(t, err, &uie)
			assert.Equal(t, tt.keys, uie.Keys)
		})
	}
}

func TestFilterRejectsBadValues(t *testing.T) {
	_, err := resolve(t, "views").Filter(sqldsl.QCol("n1", "views"), map[string]any{"eq": "three"}, sqldsl.NewParams())
	assert.True(t, strata.IsUserInputErr(err))

	_, err = resolve(t, "views").Filter(sqldsl.QCol("n1", "views"), map[string]any{"isNull": "yes"}, sqldsl.NewParams())
	assert.True(t, strata.IsUserInputErr(err))

	_, err = resolve(t, "views").Filter(sqldsl.QCol("n1", "views"), map[string]any{"in": 3}, sqldsl.NewParams())
	assert.True(t, strata.IsUserInputErr(err))
}
