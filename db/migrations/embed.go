// Package dbmigrations exposes embedded SQL migrations for shopstream binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into shopstream binaries.
//
//go:embed *.sql
var Files embed.FS
