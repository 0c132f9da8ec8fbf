package storage

import (
	_ "github.com/lib/pq"
)

var postgresDialect = dialect{
	driver: "postgres",
	schema: `CREATE TABLE IF NOT EXISTS node_kv (
		namespace VARCHAR(64) NOT NULL,
		key VARCHAR(64) NOT NULL,
		value BYTEA NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (namespace, key)
	)`,
	get: `SELECT value FROM node_kv WHERE namespace = $1 AND key = $2`,
	put: `INSERT INTO node_kv (namespace, key, value, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
	del: `DELETE FROM node_kv WHERE namespace = $1 AND key = $2`,
}

// NewPostgreSQLStorage connects to PostgreSQL using a lib/pq DSN.
func NewPostgreSQLStorage(dsn string) (*SQLStorage, error) {
	return openSQL(PostgreSQL, postgresDialect, dsn)
}
