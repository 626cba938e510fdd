// Package database provides the SQLite store used by the bridge host.
//
// The host keeps only a small amount of durable state: the status history of
// every child bridge. This package owns the connection (WAL mode, busy
// timeout, single writer) and the schema migrations; repositories such as
// internal/history build on *DB.
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
//
// Migration files are named YYYYMMDD_HHMMSS_description.{up,down}.sql and
// are applied oldest first, one transaction each.
package database
