// Package migrations holds the schema as ordered SQL files, applied by
// storage.DB.RunMigrations.
package migrations

import "embed"

// FS contains every NNN_name.sql file in this directory.
//
//go:embed *.sql
var FS embed.FS
