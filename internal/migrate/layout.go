package migrate

import (
	"fmt"
	"strings"

	"github.com/pthm/strata/internal/handler"
	"github.com/pthm/strata/internal/naming"
	"github.com/pthm/strata/internal/sqlgen/sqldsl"
	"github.com/pthm/strata/pkg/schema"
)

// layout is the resolved storage of one Object type: its column specs and
// the DDL derived from them.
type layout struct {
	typ       *schema.TypeDefinition
	schema    string
	retention int
	columns   []handler.ColumnSpec
	byField   map[string]handler.ColumnSpec
	// autocomplete is the unqualified search expression, empty when the type
	// has no autocomplete fields.
	autocomplete string
}

func newLayout(reg *handler.Registry, typ *schema.TypeDefinition, schemaName string, retention int) (*layout, error) {
	l := &layout{
		typ:       typ,
		schema:    schemaName,
		retention: retention,
		byField:   make(map[string]handler.ColumnSpec, len(typ.Fields)),
	}
	for i := range typ.Fields {
		h, err := reg.Resolve(typ, &typ.Fields[i])
		if err != nil {
			return nil, err
		}
		col, err := h.Column()
		if err != nil {
			return nil, err
		}
		l.columns = append(l.columns, col)
		l.byField[typ.Fields[i].Name] = col
	}
	if len(typ.AutoCompleteFields) > 0 {
		expr, err := reg.Autocomplete(typ, "")
		if err != nil {
			return nil, err
		}
		l.autocomplete = expr.SQL()
	}
	return l, nil
}

// forms returns the storage forms holding live rows: draft, plus published
// for content types. History is handled separately.
func (l *layout) forms() []naming.Form {
	if l.typ.Content {
		return []naming.Form{naming.Draft, naming.Published}
	}
	return []naming.Form{naming.Draft}
}

func (l *layout) table(form naming.Form) string {
	return naming.StorageTable(l.typ.Name, form)
}

func (l *layout) qualified(form naming.Form) string {
	return naming.QualifiedTable(l.schema, l.typ.Name, form)
}

func (l *layout) qualifiedName(name string) string {
	return sqldsl.QuoteQualified(l.schema, name)
}

// systemColumns are the content bookkeeping columns of draft and published
// tables.
var systemColumns = []string{
	naming.Quote(naming.ColLocale) + " text",
	naming.Quote(naming.ColStatus) + " text NOT NULL DEFAULT 'draft'",
	naming.Quote(naming.ColPublishedAt) + " timestamptz",
}

// columnDefinition renders col for form. Published rows are copies of draft
// rows, so their identity is neither generated nor defaulted.
func columnDefinition(col handler.ColumnSpec, form naming.Form) string {
	if form == naming.Published && col.PrimaryKey {
		col.Generated = false
		col.Default = ""
	}
	return col.Definition()
}

func (l *layout) createTable(form naming.Form) string {
	var defs []string
	for _, col := range l.columns {
		defs = append(defs, columnDefinition(col, form))
	}
	if l.typ.Content {
		defs = append(defs, systemColumns...)
	}
	for _, col := range l.columns {
		if col.Check != "" {
			defs = append(defs, fmt.Sprintf("CONSTRAINT %s CHECK (%s)",
				naming.Quote(naming.EnumCheck(l.table(form), col.Name)), col.Check))
		}
	}
	return createTableSQL(l.qualified(form), defs)
}

func (l *layout) createHistoryTable() string {
	defs := []string{
		naming.Quote(naming.ColHistoryID) + " bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY",
		naming.Quote(naming.ColHistoryAt) + " timestamptz NOT NULL DEFAULT now()",
	}
	for _, col := range l.columns {
		defs = append(defs, historyColumn(col))
	}
	defs = append(defs,
		naming.Quote(naming.ColLocale)+" text",
		naming.Quote(naming.ColStatus)+" text",
		naming.Quote(naming.ColPublishedAt)+" timestamptz",
	)
	return createTableSQL(l.qualified(naming.History), defs)
}

// historyColumn renders a history column: the field's type without
// constraints, since history rows are snapshots.
func historyColumn(col handler.ColumnSpec) string {
	return naming.Quote(col.Name) + " " + col.Type
}

func createTableSQL(table string, defs []string) string {
	return "CREATE TABLE IF NOT EXISTS " + table + " (\n    " + strings.Join(defs, ",\n    ") + "\n)"
}

func (l *layout) historyIndex() string {
	table := l.table(naming.History)
	id := naming.Column(schema.IdentityField)
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		naming.Quote(naming.Index(table, []string{id}, false)), l.qualified(naming.History), naming.Quote(id))
}

// uniqueIndex returns the partial unique index of a unique field. Content
// types repeat values across locales, so their index includes the locale.
func (l *layout) uniqueIndex(form naming.Form, col string) string {
	cols := []string{naming.Quote(col)}
	if l.typ.Content {
		cols = append(cols, naming.Quote(naming.ColLocale))
	}
	return fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s) WHERE %s IS NOT NULL",
		naming.Quote(naming.Index(l.table(form), []string{col}, true)), l.qualified(form),
		strings.Join(cols, ", "), naming.Quote(col))
}

func (l *layout) plainIndex(form naming.Form, col string) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		naming.Quote(naming.Index(l.table(form), []string{col}, false)), l.qualified(form), naming.Quote(col))
}

func (l *layout) dropIndex(name string) string {
	return "DROP INDEX IF EXISTS " + l.qualifiedName(name)
}

// fieldIndexes returns the indexes a field declares on form.
func (l *layout) fieldIndexes(form naming.Form, f *schema.FieldDefinition) []string {
	col := naming.Column(f.Name)
	switch {
	case f.IsIdentity():
		return nil
	case f.Unique:
		return []string{l.uniqueIndex(form, col)}
	case f.Indexed:
		return []string{l.plainIndex(form, col)}
	}
	return nil
}

// compositeIndexes maps the name of every declared composite index of form
// to its CREATE statement.
func (l *layout) compositeIndexes(form naming.Form) map[string]string {
	out := make(map[string]string, len(l.typ.Indexes))
	for _, idx := range l.typ.Indexes {
		cols := naming.Columns(idx.Fields)
		name := naming.Index(l.table(form), cols, idx.Unique)
		quoted := make([]string, len(cols), len(cols)+1)
		for i, c := range cols {
			quoted[i] = naming.Quote(c)
		}
		kind := "INDEX"
		if idx.Unique {
			kind = "UNIQUE INDEX"
			if l.typ.Content {
				quoted = append(quoted, naming.Quote(naming.ColLocale))
			}
		}
		out[name] = fmt.Sprintf("CREATE %s IF NOT EXISTS %s ON %s (%s)",
			kind, naming.Quote(name), l.qualified(form), strings.Join(quoted, ", "))
	}
	return out
}

func (l *layout) dropCheck(form naming.Form, col string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s",
		l.qualified(form), naming.Quote(naming.EnumCheck(l.table(form), col)))
}

func (l *layout) addCheck(form naming.Form, col handler.ColumnSpec) string {
	return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s CHECK (%s)",
		l.qualified(form), naming.Quote(naming.EnumCheck(l.table(form), col.Name)), col.Check)
}

// Foreign keys live on the draft table only; published and history rows are
// copies and may outlive their targets.

func (l *layout) foreignKey(col handler.ColumnSpec) string {
	return naming.ForeignKey(l.table(naming.Draft), col.Name)
}

func (l *layout) dropForeignKey(col handler.ColumnSpec) string {
	return fmt.Sprintf("ALTER TABLE IF EXISTS %s DROP CONSTRAINT IF EXISTS %s",
		l.qualified(naming.Draft), naming.Quote(l.foreignKey(col)))
}

// addForeignKey returns the statements adding col's foreign key. Required
// references cascade deletes; optional ones are cleared.
func (l *layout) addForeignKey(col handler.ColumnSpec) []string {
	onDelete := "SET NULL"
	if col.NotNull {
		onDelete = "CASCADE"
	}
	ref := col.References
	return []string{
		l.dropForeignKey(col),
		fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s) ON DELETE %s",
			l.qualified(naming.Draft), naming.Quote(l.foreignKey(col)), naming.Quote(col.Name),
			l.qualifiedName(ref.Table), naming.Quote(ref.Column), onDelete),
	}
}

func (l *layout) autocompleteIndexName(form naming.Form) string {
	return naming.AutocompleteIndex(l.table(form))
}

func (l *layout) createAutocompleteIndex(form naming.Form) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING gin ((%s) gin_trgm_ops)",
		naming.Quote(l.autocompleteIndexName(form)), l.qualified(form), l.autocomplete)
}

func (l *layout) historyFunctionName() string {
	return l.qualifiedName(naming.HistoryFunction(l.table(naming.Draft)))
}

// historyFunction renders the trigger function snapshotting draft rows into
// the history table and pruning snapshots beyond the retention count.
func (l *layout) historyFunction() string {
	history := l.qualified(naming.History)
	id := naming.Quote(naming.Column(schema.IdentityField))
	newID := sqldsl.Col{Table: "NEW", Column: id}

	var cols []string
	var values []sqldsl.Expr
	for _, col := range l.columns {
		cols = append(cols, naming.Quote(col.Name))
		values = append(values, sqldsl.Col{Table: "NEW", Column: naming.Quote(col.Name)})
	}
	for _, sys := range []string{naming.ColLocale, naming.ColStatus, naming.ColPublishedAt} {
		cols = append(cols, naming.Quote(sys))
		values = append(values, sqldsl.Col{Table: "NEW", Column: naming.Quote(sys)})
	}

	keep := sqldsl.SelectStmt{
		ColumnExprs: []sqldsl.Expr{sqldsl.QCol("k", naming.ColHistoryID)},
		FromExpr:    sqldsl.TableAs(history, "k"),
		Where:       sqldsl.Eq{Left: sqldsl.Col{Table: "k", Column: id}, Right: newID},
		OrderBy:     []sqldsl.OrderItem{{Expr: sqldsl.QCol("k", naming.ColHistoryID), Desc: true}},
		Limit:       l.retention,
	}
	prune := sqldsl.DeleteStmt{
		Table: sqldsl.TableAs(history, "h"),
		Where: sqldsl.And(
			sqldsl.Eq{Left: sqldsl.Col{Table: "h", Column: id}, Right: newID},
			sqldsl.Raw(sqldsl.QCol("h", naming.ColHistoryID).SQL()+" NOT IN "+sqldsl.Subquery{Query: keep}.SQL()),
		),
	}

	fn := triggerFunction{
		name:    l.historyFunctionName(),
		comment: fmt.Sprintf("Copies %s rows into %s, keeping %d per record", l.table(naming.Draft), l.table(naming.History), l.retention),
		body: []stmt{
			ifStmt{
				cond: sqldsl.Raw("TG_OP = 'UPDATE' AND OLD IS NOT DISTINCT FROM NEW"),
				then: []stmt{returnStmt{value: sqldsl.Raw("NEW")}},
			},
			execStmt{query: sqldsl.InsertStmt{
				Table:   history,
				Columns: cols,
				Query:   sqldsl.SelectStmt{ColumnExprs: values},
			}},
			execStmt{query: prune},
			returnStmt{value: sqldsl.Raw("NEW")},
		},
	}
	return fn.SQL()
}

func (l *layout) historyTrigger() []string {
	trigger := naming.Quote(naming.HistoryTrigger(l.table(naming.Draft)))
	return append([]string{l.historyFunction()},
		rowTrigger(trigger, l.qualified(naming.Draft), l.historyFunctionName())...)
}

func (l *layout) dropHistoryTrigger() []string {
	return []string{
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s",
			naming.Quote(naming.HistoryTrigger(l.table(naming.Draft))), l.qualified(naming.Draft)),
		"DROP FUNCTION IF EXISTS " + l.historyFunctionName() + "()",
	}
}
