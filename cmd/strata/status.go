package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pthm/strata/internal/cli"
	"github.com/pthm/strata/pkg/migrator"
)

var (
	statusDB     string
	statusSchema string
	statusCheck  bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	Long:  `Compare the last applied migration with the type map.`,
	Example: `  # Check status
  strata status --db postgres://localhost/mydb

  # Fail in CI when a migration is pending
  strata status --check`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, err := resolveDSN(statusDB)
		if err != nil {
			return err
		}
		opts := cfg.MigratorOptions()
		opts.Schema = resolveString(statusSchema, opts.Schema)
		opts.Logger = logger
		return runStatus(cmd.Context(), dsn, opts)
	},
}

func init() {
	f := statusCmd.Flags()
	f.StringVar(&statusDB, "db", "", "database URL")
	f.StringVar(&statusSchema, "schema", "", "PostgreSQL schema holding the tables")
	f.BoolVar(&statusCheck, "check", false, "exit non-zero when a migration is pending")
}

func runStatus(ctx context.Context, dsn string, opts migrator.Options) error {
	types, path, err := loadTypes()
	if err != nil {
		return err
	}

	db, err := openDB(ctx, dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	s, err := migrator.New(db, opts).GetStatus(ctx, types)
	if err != nil {
		return cli.GeneralError("getting status", err)
	}

	if !quiet {
		fmt.Printf("Type map:     %s (%d types)\n", path, len(types.Objects()))
		fmt.Printf("Checksum:     %s\n", s.NextChecksum)
		if s.Applied {
			fmt.Printf("Applied:      %s at %s\n", s.Checksum, s.AppliedAt.Format(time.RFC3339))
		} else {
			fmt.Println("Applied:      never")
		}
		if s.Pending {
			fmt.Println("\nMigration pending. Run strata migrate to apply it.")
		} else {
			fmt.Println("\nDatabase is up to date.")
		}
	}

	if statusCheck && s.Pending {
		return &cli.ExitError{Code: cli.ExitPending, Message: "migration pending"}
	}
	return nil
}
