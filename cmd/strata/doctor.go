package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pthm/strata/internal/cli"
	"github.com/pthm/strata/internal/doctor"
)

var (
	doctorDB      string
	doctorSchema  string
	doctorVerbose bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run health checks",
	Long: `Check the database against the type map: migration state, tables,
history triggers, extensions and planner statistics.`,
	Example: `  # Run health checks
  strata doctor --db postgres://localhost/mydb

  # Run with verbose output
  strata doctor --db postgres://localhost/mydb --details`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, err := resolveDSN(doctorDB)
		if err != nil {
			return err
		}
		return runDoctor(cmd.Context(), dsn, resolveString(doctorSchema, cfg.Migrate.Schema), doctorVerbose || verbose > 0)
	},
}

func init() {
	f := doctorCmd.Flags()
	f.StringVar(&doctorDB, "db", "", "database URL")
	f.StringVar(&doctorSchema, "schema", "", "PostgreSQL schema holding the tables")
	f.BoolVar(&doctorVerbose, "details", false, "show detailed output")
}

func runDoctor(ctx context.Context, dsn, schemaName string, details bool) error {
	db, err := openDB(ctx, dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if !quiet {
		fmt.Println("strata doctor - Health Check")
	}

	report, err := doctor.New(db, cfg.ResolvedTypes(typesFile), schemaName).Run(ctx)
	if err != nil {
		return cli.GeneralError("running doctor", err)
	}
	report.Print(os.Stdout, details)

	if report.HasErrors() {
		return cli.GeneralError("health checks failed", nil)
	}
	return nil
}
