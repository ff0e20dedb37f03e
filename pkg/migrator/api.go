package migrator

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/pthm/strata/pkg/schema"
)

// Migrate applies a type map to the database in one operation.
// This is the recommended high-level API for most applications.
//
// The function is idempotent and safe to call on every application startup.
// The previous type map is read from the migrations table, and an unchanged
// type map is skipped.
//
//	types, _ := schema.LoadFile("types.yaml")
//	if err := migrator.Migrate(ctx, db, types); err != nil {
//	    log.Fatalf("migration failed: %v", err)
//	}
//
// For dry runs, forced runs or a non-default schema use MigrateWithOptions.
func Migrate(ctx context.Context, db Execer, types schema.TypeMap) error {
	_, err := New(db, Options{}).Migrate(ctx, types, nil)
	return err
}

// MigrateFile loads a type map document and applies it.
func MigrateFile(ctx context.Context, db Execer, path string, opts Options) (*Result, error) {
	types, err := schema.LoadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", path)
	}
	return New(db, opts).Migrate(ctx, types, nil)
}

// MigrateWithOptions applies types with control over dry-run and skip
// behavior.
//
// Returns (skipped, error):
//   - skipped=true if the migration was skipped because the type map matches
//     the last migration (only when Force is false and DryRun is nil)
//   - error is non-nil if validation, diffing or a statement failed
//
// Example: generate a migration script without applying it
//
//	var buf bytes.Buffer
//	_, err := migrator.MigrateWithOptions(ctx, db, types, migrator.Options{DryRun: &buf})
//	os.WriteFile("migrations/001_storage.sql", buf.Bytes(), 0o644)
func MigrateWithOptions(ctx context.Context, db Execer, types schema.TypeMap, opts Options) (skipped bool, err error) {
	res, err := New(db, opts).Migrate(ctx, types, nil)
	if err != nil {
		return false, err
	}
	return res.Skipped, nil
}
