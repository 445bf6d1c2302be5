// Package database provides SQLite connectivity for serialdeviced.
//
// The database holds the session event history (see internal/history).
// This package manages:
//   - Connection setup with WAL mode and a busy timeout
//   - Versioned schema migrations read from an fs.FS
//   - Connection pooling sized for SQLite's single writer
//
// Security Considerations:
//   - All queries use parameterised statements
//   - Database file permissions are set to 0600 (owner read/write only)
//
// Usage:
//
//	db, err := database.Open(database.Config{
//	    Path:        cfg.Database.Path,
//	    WALMode:     cfg.Database.WALMode,
//	    BusyTimeout: time.Duration(cfg.Database.BusyTimeout) * time.Second,
//	    Migrations:  migrations.FS,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migrations are additive: new columns are NULLABLE or carry a DEFAULT,
// and each .up.sql has a matching .down.sql.
package database
