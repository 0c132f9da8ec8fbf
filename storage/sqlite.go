package storage

import (
	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	driver: "sqlite",
	schema: `CREATE TABLE IF NOT EXISTS node_kv (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (namespace, key)
	)`,
	get: `SELECT value FROM node_kv WHERE namespace = ? AND key = ?`,
	put: `INSERT INTO node_kv (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
	del: `DELETE FROM node_kv WHERE namespace = ? AND key = ?`,
}

// NewSQLiteStorage opens (or creates) a SQLite database file.
func NewSQLiteStorage(path string) (*SQLStorage, error) {
	return openSQL(SQLite, sqliteDialect, path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(1000)")
}
