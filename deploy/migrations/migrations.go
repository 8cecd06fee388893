package migrations

import "embed"

// Files holds the SQL migrations applied by the SQL state backend.
//
//go:embed *.sql
var Files embed.FS
