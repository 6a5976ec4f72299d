// Package storage provides the embedded relational store backing
// BudgetTracker, RevocationStore, SessionStore, and TaskStore, grounded on
// the teacher's SQLiteRepository pattern but widened to a single shared
// *sql.DB with WAL and a busy timeout, since multiple subsystems share it.
package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kandev/agentbridge/internal/logging"
)

// DB is the single embedded SQLite handle shared by every durable
// subsystem. SQLite only supports one writer at a time, so the pool is
// deliberately pinned to a single connection the way the teacher's
// SQLiteRepository does.
type DB struct {
	Conn *sql.DB
	log  *logging.Logger
}

// Open opens (creating if necessary) the SQLite file at path, enables WAL
// journaling and a busy timeout so concurrent subsystem writers block
// instead of failing with SQLITE_BUSY, and runs pending migrations.
func Open(path string, log *logging.Logger) (*DB, error) {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", path, err)
	}

	db := &DB{Conn: conn, log: log}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.Conn.Close()
}
