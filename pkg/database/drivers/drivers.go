// Package drivers registers the database/sql drivers the server can open.
// Binaries import it for its side effects; package tests that only need one
// engine import that driver directly.
package drivers

// Names lists the -db-type values backed by a registered driver.  DuckDB
// joins the list only in builds with the duckdb tag.
var Names = []string{"sqlite", "genji", "pgx"}

// Ready makes the import explicit at call sites.
func Ready() {}
