// Package migrations holds the SQL schema of the reminder store.
package migrations

import "embed"

// FS contains the NNN_name.sql migration files.
//
//go:embed *.sql
var FS embed.FS
