// Package database provides the SQLite connection used for liveness records
// and stored broker configurations.
//
// This package manages:
//   - Connection setup with WAL mode and a busy timeout
//   - Embedded schema migrations (see the migrations package)
//   - In-memory databases for tests (Path: MemoryPath)
//
// Usage:
//
//	db, err := database.Open(database.ConfigFrom(cfg.Database))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns are nullable or defaulted, and every
// .up.sql file has a matching .down.sql.
package database
