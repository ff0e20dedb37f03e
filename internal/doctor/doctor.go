// Package doctor provides health checks for strata storage.
//
// The doctor command checks that a database matches a type map: the type
// map document loads, the last migration applied it, every table and
// history trigger it implies exists, and the planner statistics that record
// limits read are populated.
//
// Example usage:
//
//	d := doctor.New(db, "types.yaml", "public")
//	report, err := d.Run(ctx)
//	if err != nil {
//		log.Fatal(err)
//	}
//	report.Print(os.Stdout, true) // verbose=true
package doctor

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/lib/pq"

	"github.com/pthm/strata/internal/naming"
	"github.com/pthm/strata/pkg/migrator"
	"github.com/pthm/strata/pkg/schema"
)

// Status represents the result of a health check.
type Status int

const (
	// StatusPass indicates the check passed.
	StatusPass Status = iota
	// StatusWarn indicates a non-critical issue.
	StatusWarn
	// StatusFail indicates a critical issue that will cause failures.
	StatusFail
)

func (s Status) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusWarn:
		return "warn"
	case StatusFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Symbol returns a status indicator symbol for terminal output.
func (s Status) Symbol() string {
	switch s {
	case StatusPass:
		return "✓"
	case StatusWarn:
		return "⚠"
	case StatusFail:
		return "✗"
	default:
		return "?"
	}
}

// CheckResult represents the outcome of a single health check.
type CheckResult struct {
	// Category groups related checks (e.g., "Type Map", "Storage").
	Category string

	// Name is a short identifier for the check.
	Name string

	Status  Status
	Message string

	// Details provides additional information for verbose output.
	Details string

	// FixHint suggests how to resolve issues.
	FixHint string
}

// Report contains all health check results.
type Report struct {
	Checks []CheckResult

	Passed   int
	Warnings int
	Errors   int
}

// AddCheck adds a check result and updates summary counts.
func (r *Report) AddCheck(check CheckResult) {
	r.Checks = append(r.Checks, check)
	switch check.Status {
	case StatusPass:
		r.Passed++
	case StatusWarn:
		r.Warnings++
	case StatusFail:
		r.Errors++
	}
}

// Print writes the report to w, grouped by category in check order.
func (r *Report) Print(w io.Writer, verbose bool) {
	categories := make(map[string][]CheckResult)
	var order []string
	for _, check := range r.Checks {
		if _, ok := categories[check.Category]; !ok {
			order = append(order, check.Category)
		}
		categories[check.Category] = append(categories[check.Category], check)
	}

	for _, cat := range order {
		_, _ = fmt.Fprintf(w, "\n%s\n", cat)
		for _, check := range categories[cat] {
			_, _ = fmt.Fprintf(w, "  %s %s\n", check.Status.Symbol(), check.Message)
			if verbose && check.Details != "" {
				for _, line := range strings.Split(check.Details, "\n") {
					_, _ = fmt.Fprintf(w, "      %s\n", line)
				}
			}
			if check.Status != StatusPass && check.FixHint != "" {
				_, _ = fmt.Fprintf(w, "      Fix: %s\n", check.FixHint)
			}
		}
	}

	_, _ = fmt.Fprintf(w, "\nSummary: %d passed, %d warnings, %d errors\n",
		r.Passed, r.Warnings, r.Errors)
}

// HasErrors returns true if any check failed.
func (r *Report) HasErrors() bool {
	return r.Errors > 0
}

// Doctor checks one database schema against a type map document.
type Doctor struct {
	db        migrator.Execer
	typesPath string
	schema    string

	// populated during Run
	types  schema.TypeMap
	tables map[string]float64
}

// New creates a Doctor for the tables of schemaName.
func New(db migrator.Execer, typesPath, schemaName string) *Doctor {
	if schemaName == "" {
		schemaName = "public"
	}
	return &Doctor{db: db, typesPath: typesPath, schema: schemaName}
}

// Run executes all health checks and returns a report. Errors are returned
// only when a check could not run at all.
func (d *Doctor) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	d.checkTypeMap(report)
	if err := d.checkMigrationState(ctx, report); err != nil {
		return nil, errors.Wrap(err, "checking migration state")
	}
	if d.types == nil {
		return report, nil
	}
	if err := d.checkTables(ctx, report); err != nil {
		return nil, errors.Wrap(err, "checking tables")
	}
	if err := d.checkTriggers(ctx, report); err != nil {
		return nil, errors.Wrap(err, "checking history triggers")
	}
	if err := d.checkExtensions(ctx, report); err != nil {
		return nil, errors.Wrap(err, "checking extensions")
	}
	d.checkStatistics(report)
	return report, nil
}

func (d *Doctor) checkTypeMap(report *Report) {
	types, err := schema.LoadFile(d.typesPath)
	if err != nil {
		report.AddCheck(CheckResult{
			Category: "Type Map",
			Name:     "valid",
			Status:   StatusFail,
			Message:  fmt.Sprintf("Type map %s cannot be loaded", d.typesPath),
			Details:  err.Error(),
			FixHint:  "Run 'strata validate' to see detailed errors",
		})
		return
	}
	d.types = types

	var content int
	objects := types.Objects()
	for _, t := range objects {
		if t.Content {
			content++
		}
	}
	report.AddCheck(CheckResult{
		Category: "Type Map",
		Name:     "valid",
		Status:   StatusPass,
		Message:  fmt.Sprintf("Type map is valid (%d object types, %d content types)", len(objects), content),
	})
}

func (d *Doctor) checkMigrationState(ctx context.Context, report *Report) error {
	m := migrator.New(d.db, migrator.Options{Schema: d.schema})
	last, err := m.LastMigration(ctx)
	if err != nil {
		return err
	}
	if last == nil {
		report.AddCheck(CheckResult{
			Category: "Migration State",
			Name:     "migrated",
			Status:   StatusWarn,
			Message:  "No migration records found",
			FixHint:  "Run 'strata migrate' to apply the type map",
		})
		return nil
	}
	report.AddCheck(CheckResult{
		Category: "Migration State",
		Name:     "migrated",
		Status:   StatusPass,
		Message:  fmt.Sprintf("Type map migrated at %s (%d types)", last.AppliedAt.Format("2006-01-02 15:04:05"), len(last.TypeNames)),
	})

	if d.types == nil {
		return nil
	}
	checksum, err := schema.Checksum(d.types)
	if err != nil {
		return err
	}
	switch {
	case checksum != last.Checksum:
		report.AddCheck(CheckResult{
			Category: "Migration State",
			Name:     "in_sync",
			Status:   StatusWarn,
			Message:  "Type map has changed since last migration",
			Details:  fmt.Sprintf("File checksum: %s\nDB checksum:   %s", short(checksum), short(last.Checksum)),
			FixHint:  "Run 'strata migrate' to apply changes",
		})
	case last.GeneratorVersion != migrator.GeneratorVersion:
		report.AddCheck(CheckResult{
			Category: "Migration State",
			Name:     "in_sync",
			Status:   StatusWarn,
			Message:  "DDL generator version has changed",
			Details:  fmt.Sprintf("Current: %s, DB: %s", migrator.GeneratorVersion, last.GeneratorVersion),
			FixHint:  "Run 'strata migrate --force' to regenerate storage",
		})
	default:
		report.AddCheck(CheckResult{
			Category: "Migration State",
			Name:     "in_sync",
			Status:   StatusPass,
			Message:  "Type map is in sync with database",
		})
	}
	return nil
}

// expectedTables returns every storage table the type map implies.
func (d *Doctor) expectedTables() []string {
	var out []string
	for _, t := range d.types.Objects() {
		out = append(out, naming.StorageTable(t.Name, naming.Draft))
		if t.Content {
			out = append(out,
				naming.StorageTable(t.Name, naming.Published),
				naming.StorageTable(t.Name, naming.History))
		}
	}
	return out
}

func (d *Doctor) checkTables(ctx context.Context, report *Report) error {
	expected := d.expectedTables()
	rows, err := d.db.QueryContext(ctx, `
		SELECT c.relname, c.reltuples
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1
		AND c.relkind = 'r'
		AND c.relname = ANY($2::text[])
	`, d.schema, pq.Array(expected))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	d.tables = make(map[string]float64, len(expected))
	for rows.Next() {
		var (
			name      string
			reltuples float64
		)
		if err := rows.Scan(&name, &reltuples); err != nil {
			return err
		}
		d.tables[name] = reltuples
	}
	if err := rows.Err(); err != nil {
		return err
	}

	var missing []string
	for _, table := range expected {
		if _, ok := d.tables[table]; !ok {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		report.AddCheck(CheckResult{
			Category: "Storage",
			Name:     "tables",
			Status:   StatusFail,
			Message:  fmt.Sprintf("Missing %d of %d tables", len(missing), len(expected)),
			Details:  strings.Join(missing, "\n"),
			FixHint:  "Run 'strata migrate' to create them",
		})
		return nil
	}
	report.AddCheck(CheckResult{
		Category: "Storage",
		Name:     "tables",
		Status:   StatusPass,
		Message:  fmt.Sprintf("All %d tables exist", len(expected)),
	})
	return nil
}

func (d *Doctor) checkTriggers(ctx context.Context, report *Report) error {
	var expected []string
	for _, t := range d.types.Objects() {
		if t.Content {
			expected = append(expected, naming.HistoryTrigger(naming.StorageTable(t.Name, naming.Draft)))
		}
	}
	if len(expected) == 0 {
		return nil
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT t.tgname
		FROM pg_trigger t
		JOIN pg_class c ON c.oid = t.tgrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1
		AND NOT t.tgisinternal
		AND t.tgname = ANY($2::text[])
	`, d.schema, pq.Array(expected))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	var found []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		found = append(found, name)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	var missing []string
	for _, name := range expected {
		if !slices.Contains(found, name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		report.AddCheck(CheckResult{
			Category: "Storage",
			Name:     "history_triggers",
			Status:   StatusFail,
			Message:  fmt.Sprintf("Missing %d history triggers", len(missing)),
			Details:  strings.Join(missing, "\n"),
			FixHint:  "Run 'strata migrate --force' to recreate them",
		})
		return nil
	}
	report.AddCheck(CheckResult{
		Category: "Storage",
		Name:     "history_triggers",
		Status:   StatusPass,
		Message:  fmt.Sprintf("All %d history triggers exist", len(expected)),
	})
	return nil
}

func (d *Doctor) checkExtensions(ctx context.Context, report *Report) error {
	needed := false
	for _, t := range d.types.Objects() {
		if len(t.AutoCompleteFields) > 0 {
			needed = true
			break
		}
	}
	if !needed {
		return nil
	}

	var installed bool
	err := d.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'pg_trgm')`).Scan(&installed)
	if err != nil {
		return err
	}
	if !installed {
		report.AddCheck(CheckResult{
			Category: "Storage",
			Name:     "pg_trgm",
			Status:   StatusFail,
			Message:  "pg_trgm extension is not installed",
			Details:  "Autocomplete indexes use gin_trgm_ops",
			FixHint:  "Run 'strata migrate' as a role allowed to create extensions",
		})
		return nil
	}
	report.AddCheck(CheckResult{
		Category: "Storage",
		Name:     "pg_trgm",
		Status:   StatusPass,
		Message:  "pg_trgm extension is installed",
	})
	return nil
}

// checkStatistics warns about draft tables never analyzed. Record limits
// count rows from pg_class.reltuples, which stays -1 until then.
func (d *Doctor) checkStatistics(report *Report) {
	var stale []string
	for _, t := range d.types.Objects() {
		table := naming.StorageTable(t.Name, naming.Draft)
		if n, ok := d.tables[table]; ok && n < 0 {
			stale = append(stale, table)
		}
	}
	if len(stale) > 0 {
		report.AddCheck(CheckResult{
			Category: "Statistics",
			Name:     "analyzed",
			Status:   StatusWarn,
			Message:  fmt.Sprintf("%d tables have never been analyzed", len(stale)),
			Details:  strings.Join(stale, "\n"),
			FixHint:  "Run ANALYZE so record limits see current row counts",
		})
		return
	}
	report.AddCheck(CheckResult{
		Category: "Statistics",
		Name:     "analyzed",
		Status:   StatusPass,
		Message:  "Row estimates are available for all tables",
	})
}

func short(checksum string) string {
	if len(checksum) > 16 {
		return checksum[:16] + "..."
	}
	return checksum
}
