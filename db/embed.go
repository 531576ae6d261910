// Package db carries the schema migrations compiled into the control plane
// binaries, so deployments never depend on a migrations directory being
// mounted next to the executable.
package db

import "embed"

//go:embed migrations/*.sql
var Migrations embed.FS
