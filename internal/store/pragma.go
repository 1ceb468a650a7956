package store

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
)

// tuningPragmas favour concurrent digest scans running next to ingest
// writes. They are only applied with MEDIAMAIL_SQLITE_TUNING=1.
var tuningPragmas = []string{
	"synchronous=NORMAL",
	"busy_timeout=5000",
	"wal_autocheckpoint=1000",
	"temp_store=MEMORY",
	"cache_size=-16000",
}

func tuningEnabled() bool { return os.Getenv("MEDIAMAIL_SQLITE_TUNING") == "1" }

// ApplySQLitePragmas applies the tuning set when enabled and returns what
// SQLite reported for each statement. Failures are logged and skipped.
func ApplySQLitePragmas(ctx context.Context, db *sql.DB) map[string]string {
	if !tuningEnabled() {
		return nil
	}
	applied := make(map[string]string, len(tuningPragmas))
	for _, stmt := range tuningPragmas {
		v, err := pragmaValue(ctx, db, stmt)
		if err != nil {
			log.Printf("store: sqlite tuning %s: %v", stmt, err)
			continue
		}
		applied[stmt] = v
	}
	log.Printf("store: sqlite tuning applied %v", applied)
	return applied
}

// pragmaValue runs one PRAGMA. Setters that return no row report "ok".
func pragmaValue(ctx context.Context, db *sql.DB, stmt string) (string, error) {
	var v sql.NullString
	err := db.QueryRowContext(ctx, "PRAGMA "+stmt+";").Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := db.ExecContext(ctx, "PRAGMA "+stmt+";"); err != nil {
			return "", err
		}
		return "ok", nil
	case err != nil:
		return "", err
	}
	if !v.Valid {
		return "ok", nil
	}
	return v.String, nil
}
