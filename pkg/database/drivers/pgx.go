package drivers

import (
	// Registers "pgx" for PostgreSQL.
	_ "github.com/jackc/pgx/v5/stdlib"
)
