package convstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const schemaVersion = 1

type dialect string

const (
	dialectSQLite   dialect = "sqlite"
	dialectPostgres dialect = "postgres"
)

// rebind rewrites ? placeholders to $n for postgres.
func (d dialect) rebind(q string) string {
	if d != dialectPostgres || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// lockRow is the suffix that locks rows read inside a transaction. SQLite
// transactions already serialize writers.
func (d dialect) lockRow() string {
	if d == dialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func (d dialect) ddl() []string {
	seq := "seq INTEGER PRIMARY KEY AUTOINCREMENT"
	bigint := "INTEGER"
	if d == dialectPostgres {
		seq = "seq BIGSERIAL PRIMARY KEY"
		bigint = "BIGINT"
	}
	return []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS conversations (
  id TEXT PRIMARY KEY,
  title TEXT NOT NULL DEFAULT '',
  created_at_unix_ms %[1]s NOT NULL,
  updated_at_unix_ms %[1]s NOT NULL,
  metadata_json TEXT NOT NULL DEFAULT '{}'
)`, bigint),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS messages (
  %[2]s,
  id TEXT NOT NULL UNIQUE,
  conversation_id TEXT NOT NULL,
  role TEXT NOT NULL,
  content TEXT NOT NULL DEFAULT '',
  created_at_unix_ms %[1]s NOT NULL,
  metadata_json TEXT NOT NULL DEFAULT '{}'
)`, bigint, seq),
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_order ON messages(conversation_id, created_at_unix_ms, seq)`,
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS tool_calls (
  id TEXT NOT NULL,
  message_id TEXT NOT NULL,
  position INTEGER NOT NULL,
  tool_name TEXT NOT NULL DEFAULT '',
  function_name TEXT NOT NULL,
  arguments_json TEXT NOT NULL DEFAULT '{}',
  result_json TEXT,
  status TEXT NOT NULL,
  created_at_unix_ms %[1]s NOT NULL,
  PRIMARY KEY (message_id, id)
)`, bigint),
	}
}

func initSQLite(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range dialectSQLite.ddl() {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func initPostgres(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range dialectPostgres.ddl() {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}
