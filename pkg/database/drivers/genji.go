package drivers

import (
	// Registers "genji", an embedded document engine reachable through SQL.
	_ "github.com/genjidb/genji/driver"
)
