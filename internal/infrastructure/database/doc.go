// Package database provides the relay's local SQLite store.
//
// The store holds one table of consequence, state_history, an audit trail
// of fragment updates. Router state itself lives in memory and is never
// rebuilt from here.
//
// This package manages:
//   - Connection setup (WAL mode, busy timeout, single writer)
//   - Versioned migrations read from any fs.FS (the migrations package
//     embeds the production set)
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
