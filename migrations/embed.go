// Package migrations embeds the Postgres schema migrations.
package migrations

import "embed"

// FS holds the numbered *.sql files applied by `intake-bridge migrate up`.
//
//go:embed *.sql
var FS embed.FS
