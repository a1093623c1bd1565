// Package database opens the SQLite file that holds the device journal and
// applies its schema migrations.
//
// The driver is github.com/mattn/go-sqlite3 behind database/sql. A single
// connection is used; WAL mode and a busy timeout are set through the DSN.
//
// Migrations are forward only. The migrations package embeds them and the
// caller passes that filesystem to Migrate:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if _, err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
