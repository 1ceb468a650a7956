// Package store is the SQLite-backed search store: ingestion writes messages
// here, digest cycles scan it by query and reply processing looks tickets up.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/mediamail/internal/core"
)

// ErrNotFound is returned by Lookup for unknown tickets.
var ErrNotFound = errors.New("store: message not found")

const schema = `CREATE TABLE IF NOT EXISTS messages (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  mmid TEXT UNIQUE,
  platform TEXT NOT NULL DEFAULT '',
  source_id TEXT,
  ts TEXT NOT NULL,
  text TEXT NOT NULL,
  author_screen_name TEXT NOT NULL DEFAULT '',
  author_name TEXT NOT NULL DEFAULT '',
  author_location TEXT NOT NULL DEFAULT '',
  hashtags_json TEXT NOT NULL DEFAULT '[]',
  references_json TEXT NOT NULL DEFAULT '[]',
  tokens_json TEXT NOT NULL DEFAULT '[]',
  url TEXT NOT NULL DEFAULT '',
  locality REAL NOT NULL DEFAULT 0,
  UNIQUE (platform, source_id)
);
CREATE INDEX IF NOT EXISTS messages_ts ON messages(ts);`

const columns = `mmid, platform, source_id, ts, text, author_screen_name, author_name, author_location,
  hashtags_json, references_json, tokens_json, url, locality`

// MMIDWidth is the zero-padded width of assigned ticket ids.
const MMIDWidth = 5

// Store wraps the messages database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	ctx := context.Background()
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	ApplySQLitePragmas(ctx, db)
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping() error { return s.db.Ping() }

// RawDB exposes the handle for maintenance tooling.
func (s *Store) RawDB() *sql.DB { return s.db }

func (s *Store) String() string {
	return fmt.Sprintf("Store{%p}", s.db)
}

// Write stores msg and returns it with its MMID set. A message whose
// (platform, source id) is already stored is not written again; the stored
// ticket is returned instead.
func (s *Store) Write(msg core.Message) (core.Message, error) {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return msg, errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	const q = `INSERT INTO messages (mmid, platform, source_id, ts, text, author_screen_name, author_name,
  author_location, hashtags_json, references_json, tokens_json, url, locality)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(platform, source_id) DO NOTHING;`

	if msg.Ts.IsZero() {
		msg.Ts = time.Now().UTC()
	}
	res, err := tx.ExecContext(ctx, q,
		nullable(msg.MMID), msg.Platform, nullable(msg.SourceID),
		msg.Ts.UTC().Format(time.RFC3339Nano), msg.Text,
		msg.AuthorScreenName, msg.AuthorName, msg.AuthorLocation,
		encodeList(msg.Hashtags), encodeList(msg.References), encodeList(msg.Tokens),
		msg.URL, msg.LocalityConfidence,
	)
	if err != nil {
		return msg, errors.Wrap(err, "insert message")
	}

	if n, _ := res.RowsAffected(); n == 0 {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT mmid FROM messages WHERE platform = ? AND source_id = ?;`,
			msg.Platform, msg.SourceID).Scan(&existing)
		if err != nil {
			return msg, errors.Wrap(err, "resolve duplicate")
		}
		msg.MMID = existing
		return msg, errors.Wrap(tx.Commit(), "commit")
	}

	if msg.MMID == "" {
		seq, err := res.LastInsertId()
		if err != nil {
			return msg, errors.Wrap(err, "last insert id")
		}
		msg.MMID = FormatMMID(seq)
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET mmid = ? WHERE seq = ?;`, msg.MMID, seq); err != nil {
			return msg, errors.Wrap(err, "assign mmid")
		}
	}
	return msg, errors.Wrap(tx.Commit(), "commit")
}

// FormatMMID renders a row sequence as a ticket id.
func FormatMMID(seq int64) string {
	return fmt.Sprintf("%0*d", MMIDWidth, seq)
}

// Lookup resolves a ticket exactly as written.
func (s *Store) Lookup(ctx context.Context, mmid string) (core.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM messages WHERE mmid = ?;`, mmid)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Message{}, fmt.Errorf("%w: %s", ErrNotFound, mmid)
	}
	if err != nil {
		return core.Message{}, errors.Wrap(err, "lookup")
	}
	return msg, nil
}

// Scan streams matching messages to fn row by row. An error from fn stops
// the scan and is returned as is.
func (s *Store) Scan(ctx context.Context, q Query, fn func(core.Message) error) error {
	query, args := buildMessageQuery(q, false)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "query messages")
	}
	defer rows.Close()

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return errors.Wrap(err, "scan message")
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
	return errors.Wrap(rows.Err(), "iterate messages")
}

// List collects Scan results; q.Limit defaults to DefaultListLimit.
func (s *Store) List(ctx context.Context, q Query) ([]core.Message, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultListLimit
	}
	var out []core.Message
	err := s.Scan(ctx, q, func(m core.Message) error {
		out = append(out, m)
		return nil
	})
	return out, err
}

func (s *Store) Count(ctx context.Context, q Query) (int64, error) {
	query, args := buildMessageQuery(q, true)
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count")
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (core.Message, error) {
	var (
		msg                    core.Message
		mmid, sourceID         sql.NullString
		ts                     string
		hashtags, refs, tokens string
	)
	if err := r.Scan(&mmid, &msg.Platform, &sourceID, &ts, &msg.Text,
		&msg.AuthorScreenName, &msg.AuthorName, &msg.AuthorLocation,
		&hashtags, &refs, &tokens, &msg.URL, &msg.LocalityConfidence); err != nil {
		return core.Message{}, err
	}
	msg.MMID = mmid.String
	msg.SourceID = sourceID.String
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		msg.Ts = t
	}
	msg.Hashtags = decodeList(hashtags)
	msg.References = decodeList(refs)
	msg.Tokens = decodeList(tokens)
	return msg, nil
}

func nullable(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func encodeList(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeList(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
