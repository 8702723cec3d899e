package migrations

import "embed"

// FS contains embedded SQLite migrations for engagement shard storage.
//
//go:embed *.sql
var FS embed.FS
