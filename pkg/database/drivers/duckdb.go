//go:build cgo && duckdb && (linux || darwin) && (amd64 || arm64)

// DuckDB needs CGO, so it only ships in builds that ask for it:
//
//	CGO_ENABLED=1 go build -tags duckdb
package drivers

import (
	_ "github.com/marcboeker/go-duckdb"
)

func init() { Names = append(Names, "duckdb") }
