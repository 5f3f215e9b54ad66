package migrations

import "embed"

// FS contains embedded SQLite migrations for matching storage.
//
//go:embed *.sql
var FS embed.FS
