// Package database provides the SQLite store behind the device registry.
//
// This package manages:
//   - Connection setup with optional WAL mode and a busy timeout
//   - Forward-only schema migrations read from an fs.FS
//
// Queries are parameterised; the file is created with 0600 permissions.
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if _, err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
