package drivers

import (
	// Registers "sqlite" (pure Go, no CGO).
	_ "modernc.org/sqlite"
)
