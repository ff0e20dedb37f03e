package migrate

import (
	"fmt"
	"maps"
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/pthm/strata"
	"github.com/pthm/strata/internal/handler"
	"github.com/pthm/strata/internal/naming"
	"github.com/pthm/strata/pkg/schema"
)

// trigramExtension provides gin_trgm_ops for autocomplete indexes.
const trigramExtension = "CREATE EXTENSION IF NOT EXISTS pg_trgm"

// differ carries the state of one Diff call.
type differ struct {
	scope   *Scope
	current *handler.Registry
	next    *handler.Registry
	trigram bool
}

// Diff computes the actions turning the storage of scope.Current into the
// storage of scope.Next. Types present only in Next are created, types
// present only in Current are deleted, and types present in both are
// altered field by field. Changes that cannot be applied in place, such as a
// field changing its target type, fail the whole diff with a MigrationError.
func Diff(scope *Scope) (*Plan, error) {
	d := &differ{
		scope:   scope,
		current: handler.NewRegistry(scope.Current),
		next:    handler.NewRegistry(scope.Next),
	}

	names := make(map[string]struct{})
	for _, t := range scope.Current.Objects() {
		names[t.Name] = struct{}{}
	}
	for _, t := range scope.Next.Objects() {
		names[t.Name] = struct{}{}
	}

	plan := &Plan{}
	for _, name := range slices.Sorted(maps.Keys(names)) {
		cur, next := scope.Current.Object(name), scope.Next.Object(name)

		var (
			action *Action
			err    error
		)
		switch {
		case cur == nil:
			action, err = d.create(next)
		case next == nil:
			action, err = d.delete(cur)
		default:
			action, err = d.alter(cur, next)
		}
		if err != nil {
			var merr *strata.MigrationError
			if errors.As(err, &merr) {
				return nil, err
			}
			return nil, strata.NewMigrationError(name, "diff", err)
		}
		if !action.empty() {
			plan.Actions = append(plan.Actions, *action)
		}
	}
	if d.trigram {
		plan.Setup = []string{trigramExtension}
	}
	return plan, nil
}

func (d *differ) layout(reg *handler.Registry, typ *schema.TypeDefinition) (*layout, error) {
	return newLayout(reg, typ, d.scope.schemaName(), d.scope.retention(typ))
}

func (d *differ) create(typ *schema.TypeDefinition) (*Action, error) {
	l, err := d.layout(d.next, typ)
	if err != nil {
		return nil, err
	}
	a := &Action{Type: typ.Name, Kind: ActionCreate}

	for _, form := range l.forms() {
		a.Main = append(a.Main, l.createTable(form))
	}
	if typ.Content {
		a.Main = append(a.Main, l.createHistoryTable(), l.historyIndex())
	}
	for _, form := range l.forms() {
		for i := range typ.Fields {
			a.Main = append(a.Main, l.fieldIndexes(form, &typ.Fields[i])...)
		}
		composite := l.compositeIndexes(form)
		for _, name := range slices.Sorted(maps.Keys(composite)) {
			a.Main = append(a.Main, composite[name])
		}
	}
	if typ.Content {
		a.Main = append(a.Main, l.historyTrigger()...)
	}
	a.Main = append(a.Main, d.createAutocomplete(l)...)

	for _, col := range l.columns {
		if col.References != nil {
			a.Postpone = append(a.Postpone, l.addForeignKey(col)...)
		}
	}
	return a, nil
}

func (d *differ) delete(typ *schema.TypeDefinition) (*Action, error) {
	l, err := d.layout(d.current, typ)
	if err != nil {
		return nil, err
	}
	a := &Action{Type: typ.Name, Kind: ActionDelete}

	// Foreign keys of other tables pointing at the dropped table go first.
	for _, other := range d.scope.Current.Objects() {
		if other.Name == typ.Name {
			continue
		}
		for _, f := range other.Fields {
			if f.Type != typ.Name {
				continue
			}
			a.Prepone = append(a.Prepone, fmt.Sprintf("ALTER TABLE IF EXISTS %s DROP CONSTRAINT IF EXISTS %s",
				naming.QualifiedTable(l.schema, other.Name, naming.Draft),
				naming.Quote(naming.ForeignKey(naming.Table(other.Name), naming.Column(f.Name)))))
		}
	}

	if typ.Content {
		a.Main = append(a.Main,
			"DROP TABLE IF EXISTS "+l.qualified(naming.History)+" CASCADE",
			"DROP TABLE IF EXISTS "+l.qualified(naming.Published)+" CASCADE",
		)
	}
	a.Main = append(a.Main, "DROP TABLE IF EXISTS "+l.qualified(naming.Draft)+" CASCADE")
	if typ.Content {
		a.Main = append(a.Main, "DROP FUNCTION IF EXISTS "+l.historyFunctionName()+"()")
	}
	return a, nil
}

func (d *differ) alter(curTyp, nextTyp *schema.TypeDefinition) (*Action, error) {
	if curTyp.Content != nextTyp.Content {
		return nil, hardError(nextTyp.Name, "content storage cannot be toggled (content %t -> %t)", curTyp.Content, nextTyp.Content)
	}
	if cs, ns := curTyp.IdentityStorage(), nextTyp.IdentityStorage(); cs != ns {
		return nil, hardError(nextTyp.Name, "identity storage changes from %s to %s", cs, ns)
	}
	cur, err := d.layout(d.current, curTyp)
	if err != nil {
		return nil, err
	}
	next, err := d.layout(d.next, nextTyp)
	if err != nil {
		return nil, err
	}
	a := &Action{Type: nextTyp.Name, Kind: ActionAlter}

	rebuildSearch := cur.autocomplete != next.autocomplete
	if rebuildSearch && cur.autocomplete != "" {
		for _, form := range cur.forms() {
			a.Main = append(a.Main, cur.dropIndex(cur.autocompleteIndexName(form)))
		}
	}

	for i := range curTyp.Fields {
		f := &curTyp.Fields[i]
		if nextTyp.Field(f.Name) != nil {
			continue
		}
		d.removeField(a, cur, f)
	}
	for i := range nextTyp.Fields {
		f := &nextTyp.Fields[i]
		old := curTyp.Field(f.Name)
		if old == nil {
			d.addField(a, next, f)
			continue
		}
		if err := d.changeField(a, cur, next, old, f); err != nil {
			return nil, err
		}
	}

	for _, form := range next.forms() {
		before, after := cur.compositeIndexes(form), next.compositeIndexes(form)
		for _, name := range slices.Sorted(maps.Keys(before)) {
			if _, ok := after[name]; !ok {
				a.Main = append(a.Main, next.dropIndex(name))
			}
		}
		for _, name := range slices.Sorted(maps.Keys(after)) {
			if _, ok := before[name]; !ok {
				a.Main = append(a.Main, after[name])
			}
		}
	}

	if nextTyp.Content && cur.historyFunction() != next.historyFunction() {
		a.Main = append(a.Main, next.dropHistoryTrigger()...)
		a.Main = append(a.Main, next.historyTrigger()...)
	}
	if rebuildSearch {
		a.Main = append(a.Main, d.createAutocomplete(next)...)
	}
	return a, nil
}

func (d *differ) removeField(a *Action, l *layout, f *schema.FieldDefinition) {
	col := l.byField[f.Name]
	if col.References != nil {
		a.Prepone = append(a.Prepone, l.dropForeignKey(col))
	}
	for _, form := range l.forms() {
		a.Main = append(a.Main, fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s", l.qualified(form), naming.Quote(col.Name)))
	}
	if l.typ.Content {
		a.Main = append(a.Main, fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s", l.qualified(naming.History), naming.Quote(col.Name)))
	}
}

func (d *differ) addField(a *Action, l *layout, f *schema.FieldDefinition) {
	col := l.byField[f.Name]
	for _, form := range l.forms() {
		a.Main = append(a.Main, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s", l.qualified(form), columnDefinition(col, form)))
		if col.Check != "" {
			a.Main = append(a.Main, l.dropCheck(form, col.Name), l.addCheck(form, col))
		}
		a.Main = append(a.Main, l.fieldIndexes(form, f)...)
	}
	if l.typ.Content {
		a.Main = append(a.Main, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s", l.qualified(naming.History), historyColumn(col)))
	}
	if col.References != nil {
		a.Postpone = append(a.Postpone, l.addForeignKey(col)...)
	}
}

func (d *differ) changeField(a *Action, cur, next *layout, old, f *schema.FieldDefinition) error {
	typeName := next.typ.Name
	if old.Type != f.Type {
		return hardError(typeName, "field %s changes type from %s to %s", f.Name, old.Type, f.Type)
	}
	if old.List != f.List {
		return hardError(typeName, "field %s changes list-ness (list %t -> %t)", f.Name, old.List, f.List)
	}
	oc, nc := cur.byField[old.Name], next.byField[f.Name]
	if oc.Type != nc.Type {
		return hardError(typeName, "field %s changes storage from %s to %s", f.Name, oc.Type, nc.Type)
	}

	for _, form := range next.forms() {
		table := next.qualified(form)
		column := naming.Quote(nc.Name)
		if oc.NotNull != nc.NotNull && !nc.PrimaryKey {
			verb := "DROP"
			if nc.NotNull {
				verb = "SET"
			}
			a.Main = append(a.Main, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s %s NOT NULL", table, column, verb))
		}
		if oc.Default != nc.Default && !nc.PrimaryKey {
			if nc.Default == "" {
				a.Main = append(a.Main, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP DEFAULT", table, column))
			} else {
				a.Main = append(a.Main, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET DEFAULT %s", table, column, nc.Default))
			}
		}
		if oc.Check != nc.Check {
			a.Main = append(a.Main, next.dropCheck(form, nc.Name))
			if nc.Check != "" {
				a.Main = append(a.Main, next.addCheck(form, nc))
			}
		}
		if !f.IsIdentity() {
			a.Main = append(a.Main, indexChanges(next, form, old, f)...)
		}
	}

	if nc.References != nil && oc.NotNull != nc.NotNull {
		a.Prepone = append(a.Prepone, cur.dropForeignKey(oc))
		a.Postpone = append(a.Postpone, next.addForeignKey(nc)...)
	}
	return nil
}

// indexChanges returns the statements moving a field's single-column index
// on form from old's declaration to f's.
func indexChanges(l *layout, form naming.Form, old, f *schema.FieldDefinition) []string {
	col := naming.Column(f.Name)
	var out []string
	if old.Unique != f.Unique {
		if f.Unique {
			out = append(out, l.uniqueIndex(form, col))
		} else {
			out = append(out, l.dropIndex(naming.Index(l.table(form), []string{col}, true)))
		}
	}
	wasPlain, isPlain := old.Indexed && !old.Unique, f.Indexed && !f.Unique
	if wasPlain != isPlain {
		if isPlain {
			out = append(out, l.plainIndex(form, col))
		} else {
			out = append(out, l.dropIndex(naming.Index(l.table(form), []string{col}, false)))
		}
	}
	return out
}

func (d *differ) createAutocomplete(l *layout) []string {
	if l.autocomplete == "" {
		return nil
	}
	d.trigram = true
	out := make([]string, 0, 2)
	for _, form := range l.forms() {
		out = append(out, l.createAutocompleteIndex(form))
	}
	return out
}

func hardError(typeName, format string, args ...any) error {
	return strata.NewMigrationError(typeName, "diff", errors.Newf(format, args...))
}
