//go:build !test

// SQL drivers are linked only into real binaries; go test builds the
// packages with -tags test and registers just what each test imports.
package main

import "geo-drilldown-map/pkg/database/drivers"

func init() {
	drivers.Ready()
}
