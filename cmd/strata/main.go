// Command strata manages the PostgreSQL storage of a type map.
//
// The CLI supports:
//   - validate: check a type map document
//   - plan: print the phased DDL that would migrate the database
//   - migrate: apply the type map to PostgreSQL
//   - status: compare the database with the type map
//   - doctor: check tables, triggers and statistics against the type map
//   - config show: print the effective configuration
//
// Usage:
//
//	strata [flags] <command>
//
// Commands that touch the database (plan, migrate, status, doctor) need --db,
// database settings in strata.yaml, or STRATA_DATABASE_URL.
package main

func main() {
	Execute()
}
