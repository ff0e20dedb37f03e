package migrator

import (
	"context"
	"database/sql"
)

// Execer is the minimal interface needed to run migrations.
// Implemented by *sql.DB, *sql.Tx, and *sql.Conn.
//
// Actions of one phase run concurrently, so pass a *sql.DB unless
// Options.Parallelism is 1.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
