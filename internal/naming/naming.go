// Package naming maps logical type and field names to PostgreSQL table,
// column, index and constraint identifiers.
//
// Every mapping is deterministic. Identifiers longer than the 63-byte
// PostgreSQL limit are truncated and suffixed with a hash of the full name so
// that distinct long names stay distinct.
package naming

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/pthm/strata/internal/sqlgen/sqldsl"
	"github.com/pthm/strata/pkg/schema"
)

// MaxIdentLength is NAMEDATALEN-1 for a default PostgreSQL build.
const MaxIdentLength = 63

// hashSuffixLength is the length of "_" plus 16 hex digits.
const hashSuffixLength = 17

// Form selects one of the storage tables of a type.
type Form int

const (
	// Draft is the working copy, and the only table of plain types.
	Draft Form = iota
	// Published holds the published copy of content types.
	Published
	// History is the append-only history of content types.
	History
)

func (f Form) String() string {
	switch f {
	case Published:
		return "published"
	case History:
		return "history"
	default:
		return "draft"
	}
}

// System columns. Field names cannot start with an underscore, so these never
// collide with user columns.
const (
	ColLocale      = "_locale"
	ColStatus      = "_status"
	ColPublishedAt = "_published_at"
	ColHistoryID   = "_history_id"
	ColHistoryAt   = "_history_at"
)

// Snake converts a logical name to snake_case: "firstName" -> "first_name",
// "Blog_Article" -> "blog_article", "HTTPServer" -> "http_server".
func Snake(name string) string {
	runes := []rune(name)
	var sb strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && runes[i-1] != '_' {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					sb.WriteByte('_')
				}
			}
			sb.WriteRune(unicode.ToLower(r))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Ident joins parts with underscores and shortens the result when it exceeds
// MaxIdentLength.
func Ident(parts ...string) string {
	full := strings.Join(parts, "_")
	if len(full) <= MaxIdentLength {
		return full
	}
	return full[:MaxIdentLength-hashSuffixLength] + fmt.Sprintf("_%016x", xxhash.Sum64String(full))
}

// Table returns the base table name of a type.
func Table(typeName string) string {
	return Ident(Snake(typeName))
}

// StorageTable returns the table holding form of a type.
func StorageTable(typeName string, form Form) string {
	switch form {
	case Published:
		return Ident(Snake(typeName) + "__published")
	case History:
		return Ident(Snake(typeName) + "__history")
	default:
		return Table(typeName)
	}
}

// Column returns the column name of a field.
func Column(fieldName string) string {
	return Ident(Snake(fieldName))
}

// Quote renders a quoted identifier.
func Quote(ident string) string {
	return sqldsl.QuoteIdent(ident)
}

// QualifiedTable renders the quoted, schema-qualified table of a type form.
func QualifiedTable(schemaName, typeName string, form Form) string {
	return sqldsl.QuoteQualified(schemaName, StorageTable(typeName, form))
}

// Index returns the name of an index over columns of table.
func Index(table string, columns []string, unique bool) string {
	suffix := "idx"
	if unique {
		suffix = "uniq"
	}
	parts := append([]string{table}, columns...)
	return Ident(append(parts, suffix)...)
}

// ForeignKey returns the name of the foreign key constraint on column.
func ForeignKey(table, column string) string {
	return Ident(table, column, "fkey")
}

// EnumCheck returns the name of the CHECK constraint encoding the legal
// values of an enum column.
func EnumCheck(table, column string) string {
	return Ident(table, column, "check")
}

// AutocompleteIndex returns the name of the trigram search index of table.
func AutocompleteIndex(table string) string {
	return Ident(table, "autocomplete", "idx")
}

// HistoryFunction returns the name of the trigger function copying rows of
// table into its history table.
func HistoryFunction(table string) string {
	return Ident(table, "history", "fn")
}

// HistoryTrigger returns the name of the trigger on table.
func HistoryTrigger(table string) string {
	return Ident(table, "history", "trg")
}

// UniqueConstraints maps every unique index name of typ, on each of its
// storage tables, to the logical fields it covers.
func UniqueConstraints(typ *schema.TypeDefinition) map[string][]string {
	forms := []Form{Draft}
	if typ.Content {
		forms = append(forms, Published)
	}
	out := make(map[string][]string)
	for _, form := range forms {
		table := StorageTable(typ.Name, form)
		for _, f := range typ.Fields {
			if f.Unique && !f.IsIdentity() {
				out[Index(table, []string{Column(f.Name)}, true)] = []string{f.Name}
			}
		}
		for _, idx := range typ.Indexes {
			if !idx.Unique {
				continue
			}
			out[Index(table, Columns(idx.Fields), true)] = append([]string(nil), idx.Fields...)
		}
	}
	return out
}

// FieldsForConstraint returns the logical fields covered by a unique
// constraint name reported by the database, or nil when the name is not one
// of typ's.
func FieldsForConstraint(typ *schema.TypeDefinition, constraint string) []string {
	return UniqueConstraints(typ)[constraint]
}

// Columns maps field names to column names.
func Columns(fields []string) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = Column(f)
	}
	return out
}
