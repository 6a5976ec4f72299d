package storage

import (
	"fmt"

	"go.uber.org/zap"
)

// migration is one forward-only, transactional schema step. Migrations
// never run in reverse; the migrations table is the single source of
// truth for what has already applied.
type migration struct {
	id   int
	name string
	sql  string
}

var migrations = []migration{
	{
		id:   1,
		name: "create_migrations_table",
		sql: `CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	},
	{
		id:   2,
		name: "create_budget_records",
		sql: `CREATE TABLE IF NOT EXISTS budget_records (
			date TEXT NOT NULL,
			client_id TEXT NOT NULL,
			spent_usd REAL NOT NULL DEFAULT 0,
			request_count INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (date, client_id)
		);`,
	},
	{
		id:   3,
		name: "create_revoked_tokens",
		sql: `CREATE TABLE IF NOT EXISTS revoked_tokens (
			jti TEXT PRIMARY KEY,
			revoked_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_revoked_tokens_expires_at ON revoked_tokens(expires_at);`,
	},
	{
		id:   4,
		name: "create_sessions",
		sql: `CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			context_id TEXT NOT NULL,
			client_id TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			pid INTEGER NOT NULL DEFAULT 0,
			process_alive INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			last_accessed_at DATETIME NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_context_id ON sessions(context_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_client_id ON sessions(client_id);`,
	},
	{
		id:   5,
		name: "create_tasks",
		sql: `CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			context_id TEXT NOT NULL,
			owner_client_id TEXT,
			agent_name TEXT NOT NULL,
			status TEXT NOT NULL,
			last_message TEXT NOT NULL DEFAULT '{}',
			cost_usd REAL NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_context_id ON tasks(context_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_owner_client_id ON tasks(owner_client_id);`,
	},
}

// migrate applies every migration not yet recorded, each inside its own
// transaction, in ascending id order. A failed migration rolls back and
// aborts startup rather than leaving a half-applied schema.
func (db *DB) migrate() error {
	if _, err := db.Conn.Exec(migrations[0].sql); err != nil {
		return fmt.Errorf("bootstrap migrations table: %w", err)
	}

	applied := map[int]bool{}
	rows, err := db.Conn.Query(`SELECT id FROM migrations`)
	if err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		applied[id] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.id] {
			continue
		}
		tx, err := db.Conn.Begin()
		if err != nil {
			return fmt.Errorf("migration %d (%s): begin: %w", m.id, m.name, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.id, m.name, err)
		}
		if _, err := tx.Exec(`INSERT INTO migrations (id, name) VALUES (?, ?)`, m.id, m.name); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): record: %w", m.id, m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d (%s): commit: %w", m.id, m.name, err)
		}
		if db.log != nil {
			db.log.Info("applied migration", zap.Int("migration_id", m.id), zap.String("migration_name", m.name))
		}
	}
	return nil
}
