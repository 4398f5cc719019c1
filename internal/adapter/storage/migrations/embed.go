package migrations

import "embed"

// FS contains the embedded SQLite ledger schema.
//
//go:embed *.sql
var FS embed.FS
