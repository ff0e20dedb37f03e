package migrate

import (
	"fmt"
	"strings"

	"github.com/pthm/strata/internal/sqlgen/sqldsl"
)

// stmt is one statement of a trigger function body.
type stmt interface {
	stmtSQL() string
}

// returnStmt renders RETURN <expr>;
type returnStmt struct {
	value sqldsl.Expr
}

func (r returnStmt) stmtSQL() string {
	return "RETURN " + r.value.SQL() + ";"
}

// ifStmt renders IF cond THEN ... END IF;
type ifStmt struct {
	cond sqldsl.Expr
	then []stmt
}

func (i ifStmt) stmtSQL() string {
	var sb strings.Builder
	sb.WriteString("IF " + i.cond.SQL() + " THEN\n")
	for _, s := range i.then {
		writeIndented(&sb, s.stmtSQL())
	}
	sb.WriteString("END IF;")
	return sb.String()
}

// execStmt runs a statement for its side effects.
type execStmt struct {
	query sqldsl.SQLer
}

func (e execStmt) stmtSQL() string {
	return e.query.SQL() + ";"
}

// triggerFunction is a VOLATILE PL/pgSQL function returning trigger. name
// is rendered as given, so it must already be qualified and quoted.
type triggerFunction struct {
	name    string
	comment string
	body    []stmt
}

func (f triggerFunction) SQL() string {
	var sb strings.Builder
	if f.comment != "" {
		sb.WriteString("-- " + f.comment + "\n")
	}
	fmt.Fprintf(&sb, "CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$\n", f.name)
	sb.WriteString("BEGIN\n")
	for _, s := range f.body {
		writeIndented(&sb, s.stmtSQL())
	}
	sb.WriteString("END;\n")
	sb.WriteString("$$ LANGUAGE plpgsql VOLATILE;")
	return sb.String()
}

func writeIndented(sb *strings.Builder, text string) {
	for _, line := range strings.Split(text, "\n") {
		sb.WriteString("    " + line + "\n")
	}
}

// rowTrigger renders the statements replacing the AFTER INSERT OR UPDATE row
// trigger name on table.
func rowTrigger(name, table, function string) []string {
	return []string{
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", name, table),
		fmt.Sprintf("CREATE TRIGGER %s AFTER INSERT OR UPDATE ON %s FOR EACH ROW EXECUTE FUNCTION %s()", name, table, function),
	}
}
