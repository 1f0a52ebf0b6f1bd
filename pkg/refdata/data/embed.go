package data

import _ "embed"

// Countries stores the bundled country and subdivision list so the
// reference lookups never touch the filesystem or the network.
//
//go:embed countries.json
var Countries []byte
