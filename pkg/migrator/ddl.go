package migrator

import (
	"fmt"

	"github.com/pthm/strata/internal/sqlgen/sqldsl"
)

// MigrationsTable is the name of the table recording applied migrations.
const MigrationsTable = "strata_migrations"

// migrationsDDL returns the DDL of the migrations table in schemaName.
//
// Each row is one completed migration:
//   - checksum: SHA-256 of the canonical type map encoding
//   - generator_version: version of the DDL generation logic
//   - type_names: the Object types of the applied map
//   - type_map: the applied map, used as the current side of the next diff
func migrationsDDL(schemaName string) []string {
	table := sqldsl.QuoteQualified(schemaName, MigrationsTable)
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    applied_at timestamptz NOT NULL DEFAULT now(),
    checksum varchar(64) NOT NULL,
    generator_version varchar(32) NOT NULL,
    type_names text[] NOT NULL,
    type_map jsonb NOT NULL
)`, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (checksum, generator_version)",
			sqldsl.QuoteIdent(MigrationsTable+"_checksum_idx"), table),
	}
}
