package migrations

import "embed"

// FS contains embedded SQLite migrations for the engagement outbox.
//
//go:embed *.sql
var FS embed.FS
