// Package database owns the SQLite file behind the Lutron session journal.
//
// Open creates the file (mode 0600) and configures go-sqlite3 for a single
// connection with an optional WAL. Schema changes ship as embedded files
// named YYYYMMDD_HHMMSS_name.up.sql with an optional .down.sql partner;
// Migrate applies the pending ones and records a SHA-256 of each so an
// edited migration is caught rather than silently skipped.
//
//	db, err := database.Open(database.Config{
//	    Path:       cfg.Database.Path,
//	    WALMode:    cfg.Database.WALMode,
//	    Migrations: migrations.FS,
//	})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
