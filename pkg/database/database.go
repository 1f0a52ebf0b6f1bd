package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// Database wraps the SQL handle that stores the fetch journal and share links.
type Database struct {
	DB          *sql.DB    // The underlying SQL database connection
	Driver      string     // Normalized driver name so SQL builders can stay declarative
	idGenerator chan int64 // Channel for generating unique IDs
}

// Config holds the configuration details for initializing the database.
type Config struct {
	DBType    string // "sqlite", "genji", "pgx" (PostgreSQL) or "duckdb"
	DBPath    string // File path for file-based engines
	DBConn    string // Raw DSN for pgx; wins over the discrete fields below
	DBHost    string
	DBPort    int
	DBUser    string
	DBPass    string
	DBName    string
	PGSSLMode string
	Port      int // HTTP port, used to name the default database file
}

// ErrUnavailable is returned when a method is called on a nil database.
var ErrUnavailable = errors.New("database not initialized")

func normalizeDBType(dbType string) string {
	return strings.ToLower(strings.TrimSpace(dbType))
}

// startIDGenerator hands out sequential IDs from a goroutine so concurrent
// writers never collide on primary keys.
func startIDGenerator(initialID int64) chan int64 {
	ids := make(chan int64)
	go func(next int64) {
		for {
			ids <- next
			next++
		}
	}(initialID)
	return ids
}

// dsnFor maps the config to the driver's data source name.
func dsnFor(driver string, cfg Config) (string, error) {
	switch driver {
	case "sqlite", "genji":
		if cfg.DBPath != "" {
			return cfg.DBPath, nil
		}
		return fmt.Sprintf("geo-drilldown-%d.%s", cfg.Port, driver), nil
	case "duckdb":
		if cfg.DBPath != "" {
			return cfg.DBPath, nil
		}
		return fmt.Sprintf("geo-drilldown-%d.duckdb", cfg.Port), nil
	case "pgx":
		if strings.TrimSpace(cfg.DBConn) != "" {
			return cfg.DBConn, nil
		}
		ssl := cfg.PGSSLMode
		if ssl == "" {
			ssl = "disable"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName, ssl), nil
	default:
		return "", fmt.Errorf("unsupported database type: %s", cfg.DBType)
	}
}

// NewDatabase opens the database, pins file engines to a single connection
// and seeds the ID generator from existing rows.  The driver must already be
// registered with database/sql.
func NewDatabase(cfg Config) (*Database, error) {
	driver := normalizeDBType(cfg.DBType)
	dsn, err := dsnFor(driver, cfg)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening the database: %w", err)
	}

	switch driver {
	case "sqlite", "genji", "duckdb":
		// One physical connection: file engines do not like concurrent writers.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
	case "pgx":
		sqlDB.SetMaxOpenConns(8)
		sqlDB.SetMaxIdleConns(4)
		sqlDB.SetConnMaxIdleTime(2 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}
	if driver == "sqlite" {
		if err := tuneSQLite(ctx, sqlDB, log.Printf); err != nil {
			log.Printf("sqlite tuning skipped: %v", err)
		}
	}

	log.Printf("Using database driver: %s with DSN: %s", driver, redactDSN(dsn))
	return &Database{DB: sqlDB, Driver: driver}, nil
}

// tuneSQLite applies WAL and busy-timeout pragmas.
func tuneSQLite(ctx context.Context, db *sql.DB, logf func(string, ...any)) error {
	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&mode); err != nil {
		return fmt.Errorf("apply journal_mode: %w", err)
	}
	logf("SQLite tuning journal_mode -> %s", mode)
	for _, stmt := range []string{
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply %s: %w", stmt, err)
		}
	}
	return nil
}

// redactDSN hides the password of URL style DSNs in logs.
func redactDSN(dsn string) string {
	at := strings.Index(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || scheme > at {
		return dsn
	}
	creds := dsn[scheme+3 : at]
	if colon := strings.Index(creds, ":"); colon >= 0 {
		return dsn[:scheme+3] + creds[:colon] + ":***" + dsn[at:]
	}
	return dsn
}

// placeholder returns the n-th (1-based) bind parameter for the driver.
func (db *Database) placeholder(n int) string {
	switch db.Driver {
	case "pgx", "duckdb":
		return fmt.Sprintf("$%d", n)
	default:
		return "?"
	}
}

// placeholders returns count comma separated bind parameters.
func (db *Database) placeholders(count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = db.placeholder(i + 1)
	}
	return strings.Join(parts, ",")
}

// schemaStatements is the DDL per engine.  Every table carries an explicit
// BIGINT id filled by the ID generator so the statements stay portable.
func schemaStatements(driver string) ([]string, error) {
	var idType, intType string
	switch driver {
	case "sqlite", "genji":
		idType, intType = "INTEGER PRIMARY KEY", "INTEGER"
	case "pgx", "duckdb":
		idType, intType = "BIGINT PRIMARY KEY", "BIGINT"
	default:
		return nil, fmt.Errorf("unsupported database type: %s", driver)
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS fetch_log (
  id          %[1]s,
  session_id  TEXT,
  region_key  TEXT,
  level       TEXT,
  url_path    TEXT,
  outcome     TEXT,
  status      %[2]s,
  elapsed_ms  %[2]s,
  generation  %[2]s,
  fetched_at  %[2]s,
  error       TEXT
)`, idType, intType),
		`CREATE INDEX IF NOT EXISTS idx_fetch_log_session ON fetch_log (session_id, fetched_at)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS short_links (
  id         %[1]s,
  code       TEXT NOT NULL UNIQUE,
  target     TEXT NOT NULL UNIQUE,
  created_at %[2]s NOT NULL
)`, idType, intType),
		`CREATE INDEX IF NOT EXISTS idx_short_links_created ON short_links (created_at)`,
	}, nil
}

// InitSchema creates the tables and starts the ID generator after the
// highest existing id.
func (db *Database) InitSchema(ctx context.Context) error {
	if db == nil || db.DB == nil {
		return ErrUnavailable
	}
	stmts, err := schemaStatements(db.Driver)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := db.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	initialID := int64(1)
	for _, table := range []string{"fetch_log", "short_links"} {
		var maxID sql.NullInt64
		if err := db.DB.QueryRowContext(ctx, "SELECT MAX(id) FROM "+table).Scan(&maxID); err != nil {
			return fmt.Errorf("seed ids from %s: %w", table, err)
		}
		if maxID.Valid && maxID.Int64 >= initialID {
			initialID = maxID.Int64 + 1
		}
	}
	db.idGenerator = startIDGenerator(initialID)
	return nil
}

// nextID draws a primary key.  InitSchema must have run.
func (db *Database) nextID() int64 { return <-db.idGenerator }

// Close releases the connection pool.
func (db *Database) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	return db.DB.Close()
}
