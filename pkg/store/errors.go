package store

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/pthm/strata"
	"github.com/pthm/strata/internal/handler"
	"github.com/pthm/strata/internal/naming"
	"github.com/pthm/strata/pkg/schema"
)

// PostgreSQL error codes mapped to typed errors.
const (
	pgNotNullViolation    = "23502"
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
	pgCheckViolation      = "23514"
)

// pgError is the driver-independent part of a PostgreSQL error.
type pgError struct {
	code       string
	constraint string
	column     string
}

// inspect extracts the SQLSTATE, constraint and column of a PostgreSQL
// error. Works with both drivers:
//   - pgx/pgconn: *pgconn.PgError
//   - lib/pq: *pq.Error
//
// Other errors exposing SQLState() or Code() only yield the code, and as a
// last resort the code is read from an "SQLSTATE xxxxx" message suffix.
func inspect(err error) pgError {
	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return pgError{code: pgxErr.Code, constraint: pgxErr.ConstraintName, column: pgxErr.ColumnName}
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pgError{code: string(pqErr.Code), constraint: pqErr.Constraint, column: pqErr.Column}
	}

	type sqlStateErr interface{ SQLState() string }
	var se sqlStateErr
	if errors.As(err, &se) {
		return pgError{code: se.SQLState()}
	}
	type codeErr interface{ Code() string }
	var ce codeErr
	if errors.As(err, &ce) {
		return pgError{code: ce.Code()}
	}

	errStr := err.Error()
	for _, prefix := range []string{"SQLSTATE ", "SQLSTATE: "} {
		if idx := strings.Index(errStr, prefix); idx >= 0 {
			start := idx + len(prefix)
			if start+5 <= len(errStr) {
				return pgError{code: errStr[start : start+5]}
			}
		}
	}
	return pgError{}
}

// translate maps integrity violations raised while writing typ to typed
// errors naming the offending fields. Other errors are wrapped with op.
func (p *Postgres) translate(typ *schema.TypeDefinition, op string, err error) error {
	if err == nil {
		return nil
	}
	pe := inspect(err)
	switch pe.code {
	case pgUniqueViolation:
		return errors.WithStack(&strata.ConstraintViolationError{
			Type:       typ.Name,
			Fields:     naming.FieldsForConstraint(typ, pe.constraint),
			Constraint: pe.constraint,
		})
	case pgForeignKeyViolation:
		if f := p.referenceField(typ, pe.constraint); f != nil {
			return strata.NewUserInputError([]string{f.Name}, "%s.%s references a missing %s", typ.Name, f.Name, f.Type)
		}
		return strata.NewUserInputError(nil, "%s references a missing row: %s", typ.Name, pe.constraint)
	case pgNotNullViolation:
		if f := fieldForColumn(typ, pe.column); f != nil {
			return strata.NewUserInputError([]string{f.Name}, "%s.%s is required", typ.Name, f.Name)
		}
	case pgCheckViolation:
		if f := checkField(typ, pe.constraint); f != nil {
			return strata.NewUserInputError([]string{f.Name}, "invalid value for %s.%s", typ.Name, f.Name)
		}
	}
	return errors.Wrapf(err, "%s %s", op, typ.Name)
}

// referenceField returns the relation field whose foreign key is named
// constraint.
func (p *Postgres) referenceField(typ *schema.TypeDefinition, constraint string) *schema.FieldDefinition {
	table := naming.Table(typ.Name)
	for i := range typ.Fields {
		f := &typ.Fields[i]
		kind, err := handler.KindOf(p.compiler.Types(), f)
		if err != nil || kind != handler.KindObject {
			continue
		}
		if naming.ForeignKey(table, naming.Column(f.Name)) == constraint {
			return f
		}
	}
	return nil
}

// checkField returns the enum field whose check constraint is named
// constraint, on any storage table of typ.
func checkField(typ *schema.TypeDefinition, constraint string) *schema.FieldDefinition {
	forms := []naming.Form{naming.Draft, naming.Published}
	for i := range typ.Fields {
		f := &typ.Fields[i]
		for _, form := range forms {
			if naming.EnumCheck(naming.StorageTable(typ.Name, form), naming.Column(f.Name)) == constraint {
				return f
			}
		}
	}
	return nil
}

func fieldForColumn(typ *schema.TypeDefinition, column string) *schema.FieldDefinition {
	if column == "" {
		return nil
	}
	for i := range typ.Fields {
		if naming.Column(typ.Fields[i].Name) == column {
			return &typ.Fields[i]
		}
	}
	return nil
}
