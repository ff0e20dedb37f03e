package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pthm/strata/internal/cli"
	"github.com/pthm/strata/internal/migrate"
	"github.com/pthm/strata/pkg/migrator"
	"github.com/pthm/strata/pkg/schema"
)

var (
	planDB      string
	planFrom    string
	planSchema  string
	planSummary bool
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the DDL a migration would run",
	Long: `Diff the type map against the applied one and print the resulting DDL,
grouped by phase.

The applied type map is read from the database, or from --from when given, in
which case no database connection is made.`,
	Example: `  # Plan against the database
  strata plan --db postgres://localhost/mydb

  # Plan between two documents
  strata plan --from types.prev.yaml --types types.yaml

  # Only list the affected types
  strata plan --from types.prev.yaml --summary`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := cfg.MigratorOptions()
		opts.Schema = resolveString(planSchema, opts.Schema)
		opts.Logger = logger
		return runPlan(cmd.Context(), os.Stdout, opts)
	},
}

func init() {
	f := planCmd.Flags()
	f.StringVar(&planDB, "db", "", "database URL")
	f.StringVar(&planFrom, "from", "", "type map document to plan from instead of the database")
	f.StringVar(&planSchema, "schema", "", "PostgreSQL schema holding the tables")
	f.BoolVar(&planSummary, "summary", false, "list actions without SQL")
}

func runPlan(ctx context.Context, w io.Writer, opts migrator.Options) error {
	next, _, err := loadTypes()
	if err != nil {
		return err
	}

	var (
		m       *migrator.Migrator
		current schema.TypeMap
	)
	if planFrom != "" {
		if current, err = schema.LoadFile(planFrom); err != nil {
			return cli.TypeMapError("loading "+planFrom, err)
		}
		m = migrator.New(nil, opts)
	} else {
		dsn, err := resolveDSN(planDB)
		if err != nil {
			return err
		}
		db, err := openDB(ctx, dsn)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		m = migrator.New(db, opts)
	}

	plan, err := m.Plan(ctx, next, current)
	if err != nil {
		return err
	}
	writePlan(w, plan, planSummary)
	return nil
}

func writePlan(w io.Writer, plan *migrate.Plan, summary bool) {
	if plan.Empty() {
		fmt.Fprintln(w, "-- no storage changes")
		return
	}
	for _, a := range plan.Actions {
		fmt.Fprintf(w, "-- %-8s %s (%d prepone, %d main, %d postpone)\n",
			a.Kind, a.Type, len(a.Prepone), len(a.Main), len(a.Postpone))
	}
	if summary {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprint(w, plan.SQL())
}
