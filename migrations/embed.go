// Package migrations embeds the registry schema into the binary.
package migrations

import "embed"

// FS holds the NNNN_description.sql files, applied by database.DB.Migrate.
//
//go:embed *.sql
var FS embed.FS
