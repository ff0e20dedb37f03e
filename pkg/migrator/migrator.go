// Package migrator applies type map changes to a PostgreSQL database.
//
// A migration diffs the next type map against the last applied one (read
// from the strata_migrations table unless given), runs the resulting plan
// phase by phase, and records the applied map. Migrations are idempotent:
// re-running after a partial failure is safe, and an unchanged type map is
// skipped unless forced.
//
//	m := migrator.New(db, migrator.Options{Schema: "app"})
//	res, err := m.Migrate(ctx, types, nil)
package migrator

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/pthm/strata"
	"github.com/pthm/strata/internal/metrics"
	"github.com/pthm/strata/internal/migrate"
	"github.com/pthm/strata/internal/sqlgen/sqldsl"
	"github.com/pthm/strata/pkg/schema"
)

// GeneratorVersion is incremented when DDL generation changes. It ensures
// migrations re-run even if the type map checksum matches.
const GeneratorVersion = "1"

// DefaultParallelism bounds the actions of one phase running at once.
const DefaultParallelism = 4

// Options controls migration behavior.
type Options struct {
	// Schema is the PostgreSQL schema holding the tables. Defaults to public.
	Schema string

	// DryRun outputs SQL to the provided writer without applying changes to
	// the database.
	DryRun io.Writer

	// Force re-runs the migration even if the type map is unchanged.
	Force bool

	// Parallelism bounds concurrent actions within a phase.
	Parallelism int

	// Retention is the history retention of content types that set none.
	Retention int

	Logger *slog.Logger
}

// Record is a row of the migrations table.
type Record struct {
	Checksum         string
	GeneratorVersion string
	TypeNames        []string
	TypeMap          schema.TypeMap
	AppliedAt        time.Time
}

// Result describes one Migrate call.
type Result struct {
	// Skipped is true when the type map matched the last migration.
	Skipped  bool
	Checksum string
	Plan     *migrate.Plan
}

// Migrator applies type maps to one database schema.
type Migrator struct {
	db     Execer
	opts   Options
	logger *slog.Logger
}

// New creates a migrator running statements on db.
func New(db Execer, opts Options) *Migrator {
	if opts.Schema == "" {
		opts.Schema = "public"
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{db: db, opts: opts, logger: logger}
}

func (m *Migrator) table() string {
	return sqldsl.QuoteQualified(m.opts.Schema, MigrationsTable)
}

// LastMigration returns the most recent migration record, or nil if none
// exists.
func (m *Migrator) LastMigration(ctx context.Context) (*Record, error) {
	var tableExists bool
	err := m.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_class c
			JOIN pg_namespace n ON n.oid = c.relnamespace
			WHERE c.relname = $1
			AND n.nspname = $2
		)
	`, MigrationsTable, m.opts.Schema).Scan(&tableExists)
	if err != nil {
		return nil, errors.Wrap(err, "checking migrations table")
	}
	if !tableExists {
		return nil, nil
	}

	var (
		rec     Record
		typeMap []byte
	)
	err = m.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT checksum, generator_version, type_names, type_map, applied_at
		FROM %s
		ORDER BY id DESC
		LIMIT 1
	`, m.table())).Scan(&rec.Checksum, &rec.GeneratorVersion, pq.Array(&rec.TypeNames), &typeMap, &rec.AppliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "querying last migration")
	}
	if rec.TypeMap, err = schema.Unmarshal(typeMap); err != nil {
		return nil, errors.Wrap(err, "decoding applied type map")
	}
	return &rec, nil
}

// Current returns the last applied type map, or an empty map when nothing
// was applied yet.
func (m *Migrator) Current(ctx context.Context) (schema.TypeMap, error) {
	last, err := m.LastMigration(ctx)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return schema.New(), nil
	}
	return last.TypeMap, nil
}

// Plan diffs next against current. A nil current is loaded from the
// migrations table.
func (m *Migrator) Plan(ctx context.Context, next, current schema.TypeMap) (*migrate.Plan, error) {
	if current == nil {
		var err error
		if current, err = m.Current(ctx); err != nil {
			return nil, err
		}
	}
	return migrate.Diff(&migrate.Scope{
		Current:   current,
		Next:      next,
		Schema:    m.opts.Schema,
		Retention: m.opts.Retention,
	})
}

// Migrate brings the database from current to next. A nil current is
// loaded from the migrations table.
//
// Phases run in order and each phase waits for all of its actions; actions
// within a phase run concurrently. There is no transaction spanning the
// run: a failure leaves earlier statements applied, and a re-run resumes
// because every statement is guarded by IF [NOT] EXISTS.
func (m *Migrator) Migrate(ctx context.Context, next, current schema.TypeMap) (*Result, error) {
	if err := schema.Validate(next); err != nil {
		return nil, err
	}
	checksum, err := schema.Checksum(next)
	if err != nil {
		return nil, err
	}
	res := &Result{Checksum: checksum}

	if !m.opts.Force && m.opts.DryRun == nil {
		last, err := m.LastMigration(ctx)
		if err != nil {
			return nil, err
		}
		if shouldSkipMigration(last, checksum) {
			m.logger.Info("type map unchanged, skipping migration", "checksum", checksum)
			res.Skipped = true
			return res, nil
		}
	}

	if res.Plan, err = m.Plan(ctx, next, current); err != nil {
		return nil, err
	}

	if m.opts.DryRun != nil {
		return res, m.outputDryRun(m.opts.DryRun, checksum, next, res.Plan)
	}

	if err := m.execAll(ctx, migrationsDDL(m.opts.Schema)); err != nil {
		return nil, errors.Wrap(err, "applying migrations DDL")
	}
	for _, phase := range res.Plan.Phases() {
		if err := m.runPhase(ctx, phase); err != nil {
			return nil, err
		}
	}
	if err := m.insertRecord(ctx, checksum, next); err != nil {
		return nil, err
	}
	m.logger.Info("migration applied", "checksum", checksum, "actions", len(res.Plan.Actions))
	return res, nil
}

func shouldSkipMigration(last *Record, checksum string) bool {
	if last == nil {
		return false
	}
	return last.Checksum == checksum && last.GeneratorVersion == GeneratorVersion
}

// runPhase runs the steps of one phase with bounded concurrency. The first
// failure cancels the remaining steps.
func (m *Migrator) runPhase(ctx context.Context, phase migrate.PhaseSteps) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Parallelism)
	for _, step := range phase.Steps {
		g.Go(func() error {
			m.logger.Debug("applying migration step", "phase", phase.Phase, "type", step.Type, "statements", len(step.Statements))
			if err := m.execAll(gctx, step.Statements); err != nil {
				return strata.NewMigrationError(step.Type, string(phase.Phase), err)
			}
			metrics.MigrationActions.WithLabelValues(string(phase.Phase)).Inc()
			return nil
		})
	}
	return g.Wait()
}

func (m *Migrator) execAll(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "executing %q", firstLine(stmt))
		}
		metrics.Statements.WithLabelValues(metrics.KindDDL).Inc()
	}
	return nil
}

func firstLine(stmt string) string {
	line, _, _ := strings.Cut(stmt, "\n")
	return line
}

func (m *Migrator) insertRecord(ctx context.Context, checksum string, next schema.TypeMap) error {
	typeMap, err := schema.Marshal(next)
	if err != nil {
		return err
	}
	_, err = m.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (checksum, generator_version, type_names, type_map)
		VALUES ($1, $2, $3, $4)
	`, m.table()), checksum, GeneratorVersion, pq.Array(objectNames(next)), typeMap)
	if err != nil {
		return errors.Wrap(err, "inserting migration record")
	}
	return nil
}

func objectNames(types schema.TypeMap) []string {
	objects := types.Objects()
	names := make([]string, len(objects))
	for i, t := range objects {
		names[i] = t.Name
	}
	return names
}

// outputDryRun writes the migration SQL to w.
func (m *Migrator) outputDryRun(w io.Writer, checksum string, next schema.TypeMap, plan *migrate.Plan) error {
	typeMap, err := schema.Marshal(next)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "-- Strata Migration (dry-run)\n")
	_, _ = fmt.Fprintf(w, "-- Type map checksum: %s\n", checksum)
	_, _ = fmt.Fprintf(w, "-- Generator version: %s\n\n", GeneratorVersion)

	_, _ = fmt.Fprintf(w, "-- =====\n-- migration tracking table\n-- =====\n")
	for _, stmt := range migrationsDDL(m.opts.Schema) {
		_, _ = fmt.Fprintf(w, "%s;\n", stmt)
	}
	_, _ = fmt.Fprintf(w, "\n")

	if plan.Empty() {
		_, _ = fmt.Fprintf(w, "-- no storage changes\n\n")
	} else {
		_, _ = io.WriteString(w, plan.SQL())
	}

	_, _ = fmt.Fprintf(w, "-- =====\n-- migration record\n-- =====\n")
	_, _ = fmt.Fprintf(w, "INSERT INTO %s (checksum, generator_version, type_names, type_map)\n", m.table())
	names, _ := pq.Array(objectNames(next)).Value()
	_, _ = fmt.Fprintf(w, "VALUES (%s, %s, %s, %s);\n",
		sqldsl.Lit(checksum).SQL(), sqldsl.Lit(GeneratorVersion).SQL(), sqldsl.Lit(fmt.Sprint(names)).SQL(), sqldsl.Lit(string(typeMap)).SQL())
	return nil
}

// Status is the migration state of a database relative to a type map.
type Status struct {
	// Applied is false when no migration was ever recorded.
	Applied   bool
	Checksum  string
	AppliedAt time.Time
	// Pending is true when next differs from the applied type map.
	Pending      bool
	NextChecksum string
}

// GetStatus compares the last applied migration with next.
func (m *Migrator) GetStatus(ctx context.Context, next schema.TypeMap) (*Status, error) {
	checksum, err := schema.Checksum(next)
	if err != nil {
		return nil, err
	}
	last, err := m.LastMigration(ctx)
	if err != nil {
		return nil, err
	}
	status := &Status{NextChecksum: checksum, Pending: !shouldSkipMigration(last, checksum)}
	if last != nil {
		status.Applied = true
		status.Checksum = last.Checksum
		status.AppliedAt = last.AppliedAt
	}
	return status, nil
}
