package naming

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/strata/pkg/schema"
)

func TestSnake(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"User", "user"},
		{"firstName", "first_name"},
		{"Blog_Article", "blog_article"},
		{"HTTPServer", "http_server"},
		{"userID", "user_id"},
		{"address2Line", "address2_line"},
		{"already_snake", "already_snake"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Snake(tt.in))
		})
	}
}

func TestIdentTruncatesWithHash(t *testing.T) {
	short := Ident("user", "email", "uniq")
	assert.Equal(t, "user_email_uniq", short)

	long1 := Ident(strings.Repeat("a", 60), "first", "uniq")
	long2 := Ident(strings.Repeat("a", 60), "second", "uniq")

	assert.Len(t, long1, MaxIdentLength)
	assert.Len(t, long2, MaxIdentLength)
	assert.NotEqual(t, long1, long2, "distinct long names stay distinct")
	assert.Equal(t, long1, Ident(strings.Repeat("a", 60), "first", "uniq"), "deterministic")
	assert.Equal(t, strings.Repeat("a", MaxIdentLength-hashSuffixLength)+"_", long1[:MaxIdentLength-16])

	exact := strings.Repeat("b", MaxIdentLength)
	assert.Equal(t, exact, Ident(exact))
}

func TestStorageTables(t *testing.T) {
	assert.Equal(t, "blog_article", StorageTable("BlogArticle", Draft))
	assert.Equal(t, "blog_article__published", StorageTable("BlogArticle", Published))
	assert.Equal(t, "blog_article__history", StorageTable("BlogArticle", History))
	assert.Equal(t, `"app"."blog_article__history"`, QualifiedTable("app", "BlogArticle", History))
	assert.Equal(t, "published", Published.String())
}

func TestConstraintNames(t *testing.T) {
	assert.Equal(t, "user_email_uniq", Index("user", []string{"email"}, true))
	assert.Equal(t, "user_last_name_first_name_idx", Index("user", []string{"last_name", "first_name"}, false))
	assert.Equal(t, "membership_group_fkey", ForeignKey("membership", "group"))
	assert.Equal(t, "article_status_check", EnumCheck("article", "status"))
	assert.Equal(t, "article_autocomplete_idx", AutocompleteIndex("article"))
	assert.Equal(t, "article_history_fn", HistoryFunction("article"))
	assert.Equal(t, "article_history_trg", HistoryTrigger("article"))
}

func TestFieldsForConstraint(t *testing.T) {
	typ := &schema.TypeDefinition{
		Name:    "Article",
		Content: true,
		Fields: []schema.FieldDefinition{
			{Name: "id", Type: schema.ScalarID},
			{Name: "slug", Type: schema.ScalarString, Unique: true},
			{Name: "firstName", Type: schema.ScalarString},
			{Name: "lastName", Type: schema.ScalarString},
		},
		Indexes: []schema.IndexDefinition{
			{Fields: []string{"firstName", "lastName"}, Unique: true},
			{Fields: []string{"lastName"}},
		},
	}

	assert.Equal(t, []string{"slug"}, FieldsForConstraint(typ, "article_slug_uniq"))
	assert.Equal(t, []string{"slug"}, FieldsForConstraint(typ, "article__published_slug_uniq"))
	assert.Equal(t, []string{"firstName", "lastName"}, FieldsForConstraint(typ, "article_first_name_last_name_uniq"))
	assert.Nil(t, FieldsForConstraint(typ, "article_last_name_idx"))
	assert.Nil(t, FieldsForConstraint(typ, "other_uniq"))

	all := UniqueConstraints(typ)
	require.Len(t, all, 4)
}
