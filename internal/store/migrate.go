package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
)

// migration upgrades a database from version-1 to version.
type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, tx *sql.Tx) error
}

// migrations run in order against databases whose user_version is below
// their version. Version 1 is the first ingest layout: no author_name or
// locality columns, nullable JSON lists and rows that may lack a ticket.
var migrations = []migration{
	{version: 2, name: "author name and locality", apply: addProfileColumns},
	{version: 3, name: "backfill lists and tickets", apply: backfillRows},
}

// schemaVersion is the user_version of a fully migrated database.
var schemaVersion = migrations[len(migrations)-1].version

func migrate(ctx context.Context, db *sql.DB) error {
	from, err := userVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("sqlite: user_version: %w", err)
	}
	fresh, err := tableMissing(ctx, db, "messages")
	if err != nil {
		return fmt.Errorf("sqlite: inspect schema: %w", err)
	}
	log.Printf("store: sqlite: file=%s user_version=%d fresh=%t", databaseFile(ctx, db), from, fresh)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	if fresh {
		return setUserVersion(ctx, db, schemaVersion)
	}

	for _, m := range migrations {
		if from >= m.version {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("sqlite: begin migration %d: %w", m.version, err)
		}
		if err := m.apply(ctx, tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version=%d;`, m.version)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("sqlite: commit migration %d: %w", m.version, err)
		}
		log.Printf("store: sqlite: migrated to %d (%s)", m.version, m.name)
	}
	return nil
}

func addProfileColumns(ctx context.Context, tx *sql.Tx) error {
	have, err := columnNames(ctx, tx, "messages")
	if err != nil {
		return err
	}
	for col, ddl := range map[string]string{
		"author_name": `ALTER TABLE messages ADD COLUMN author_name TEXT NOT NULL DEFAULT ''`,
		"locality":    `ALTER TABLE messages ADD COLUMN locality REAL NOT NULL DEFAULT 0`,
	} {
		if have[col] {
			continue
		}
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("add %s: %w", col, err)
		}
	}
	return nil
}

func backfillRows(ctx context.Context, tx *sql.Tx) error {
	for _, col := range []string{"hashtags_json", "references_json", "tokens_json"} {
		stmt := fmt.Sprintf(`UPDATE messages SET %[1]s='[]' WHERE %[1]s IS NULL OR %[1]s=''`, col)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("backfill %s: %w", col, err)
		}
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE messages SET mmid=printf('%%0%dd', seq) WHERE mmid IS NULL OR TRIM(mmid)=''`, MMIDWidth))
	if err != nil {
		return fmt.Errorf("backfill mmid: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("store: sqlite: assigned tickets to %d legacy rows", n)
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func userVersion(ctx context.Context, q querier) (int, error) {
	var v int
	err := q.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&v)
	return v, err
}

func setUserVersion(ctx context.Context, db *sql.DB, v int) error {
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version=%d;`, v)); err != nil {
		return fmt.Errorf("sqlite: set user_version: %w", err)
	}
	return nil
}

func tableMissing(ctx context.Context, q querier, table string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n)
	return n == 0, err
}

// columnNames returns the lower-cased column names of table.
func columnNames(ctx context.Context, q querier, table string) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[strings.ToLower(name)] = true
	}
	return out, rows.Err()
}

func databaseFile(ctx context.Context, q querier) string {
	var file sql.NullString
	err := q.QueryRowContext(ctx, `SELECT file FROM pragma_database_list WHERE name='main'`).Scan(&file)
	switch {
	case err != nil:
		return "(unknown)"
	case !file.Valid || file.String == "":
		return "(memory)"
	default:
		return file.String
	}
}
