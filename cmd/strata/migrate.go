package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/pthm/strata/internal/cli"
	"github.com/pthm/strata/pkg/migrator"
	"github.com/pthm/strata/pkg/schema"
)

var (
	migrateDB          string
	migrateSchema      string
	migrateDryRun      bool
	migrateForce       bool
	migrateParallelism int
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the type map to the database",
	Long: `Apply the type map to a PostgreSQL database.

The type map is diffed against the one recorded by the last migration and the
resulting actions run in three phases. An unchanged type map is skipped.`,
	Example: `  # Apply types.yaml
  strata migrate --db postgres://localhost/mydb

  # Preview migration without applying
  strata migrate --db postgres://localhost/mydb --dry-run

  # Force re-apply even if the type map is unchanged
  strata migrate --db postgres://localhost/mydb --force`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, err := resolveDSN(migrateDB)
		if err != nil {
			return err
		}
		opts := cfg.MigratorOptions()
		opts.Schema = resolveString(migrateSchema, opts.Schema)
		opts.Force = resolveBool(migrateForce, cfg.Migrate.Force)
		if migrateParallelism > 0 {
			opts.Parallelism = migrateParallelism
		}
		return runMigrate(cmd.Context(), dsn, opts, resolveBool(migrateDryRun, cfg.Migrate.DryRun))
	},
}

func init() {
	f := migrateCmd.Flags()
	f.StringVar(&migrateDB, "db", "", "database URL")
	f.StringVar(&migrateSchema, "schema", "", "PostgreSQL schema holding the tables")
	f.BoolVar(&migrateDryRun, "dry-run", false, "output migration SQL without applying")
	f.BoolVar(&migrateForce, "force", false, "force migration even if the type map is unchanged")
	f.IntVar(&migrateParallelism, "parallelism", 0, "concurrent actions per phase")
}

// resolveDSN gets the database DSN from flag or config.
func resolveDSN(flagDSN string) (string, error) {
	if flagDSN != "" {
		return flagDSN, nil
	}

	dsn, err := cfg.DSN()
	if err != nil {
		return "", cli.ConfigError("database configuration", err)
	}
	if dsn == "" {
		return "", cli.ConfigError("database URL is required (use --db or set in config)", nil)
	}
	return dsn, nil
}

// openDB opens and pings the database.
func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, cli.DBConnectError("connecting to database", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, cli.DBConnectError("connecting to database", err)
	}
	return db, nil
}

// loadTypes loads the type map named by --types or the configuration.
func loadTypes() (schema.TypeMap, string, error) {
	path := cfg.ResolvedTypes(typesFile)
	if _, err := os.Stat(path); err != nil {
		return nil, path, cli.TypeMapError(fmt.Sprintf("type map not found: %s", path), nil)
	}
	types, err := schema.LoadFile(path)
	if err != nil {
		return nil, path, cli.TypeMapError("loading "+path, err)
	}
	return types, path, nil
}

func runMigrate(ctx context.Context, dsn string, opts migrator.Options, dryRun bool) error {
	types, path, err := loadTypes()
	if err != nil {
		return err
	}

	db, err := openDB(ctx, dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	opts.Logger = logger
	if dryRun {
		opts.DryRun = os.Stdout
		if !quiet {
			fmt.Fprintln(os.Stderr, "-- Dry-run mode: SQL will be output but not applied")
			fmt.Fprintln(os.Stderr, "")
		}
	} else if !quiet {
		fmt.Printf("Applying %s...\n", path)
	}

	res, err := migrator.New(db, opts).Migrate(ctx, types, nil)
	if err != nil {
		if schema.IsInvalidTypeMapErr(err) {
			return cli.TypeMapError("type map error", err)
		}
		return err
	}

	if dryRun || quiet {
		return nil
	}
	if res.Skipped {
		fmt.Println("Type map unchanged, migration skipped.")
		fmt.Println("Use --force to re-apply.")
		return nil
	}
	fmt.Printf("Applied %d actions (checksum %s).\n", len(res.Plan.Actions), res.Checksum)
	return nil
}
