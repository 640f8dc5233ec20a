// Package migrations embeds the gateway's SQLite schema migrations.
package migrations

import "embed"

// FS holds every YYYYMMDD_HHMMSS_name.{up,down}.sql file in this directory.
//
//go:embed *.sql
var FS embed.FS
