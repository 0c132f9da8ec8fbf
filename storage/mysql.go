package storage

import (
	_ "github.com/go-sql-driver/mysql"
)

var mysqlDialect = dialect{
	driver: "mysql",
	schema: "CREATE TABLE IF NOT EXISTS node_kv (" +
		"namespace VARCHAR(64) NOT NULL, " +
		"`key` VARCHAR(64) NOT NULL, " +
		"value MEDIUMBLOB NOT NULL, " +
		"updated_at BIGINT NOT NULL, " +
		"PRIMARY KEY (namespace, `key`)" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
	get: "SELECT value FROM node_kv WHERE namespace = ? AND `key` = ?",
	put: "INSERT INTO node_kv (namespace, `key`, value, updated_at) VALUES (?, ?, ?, ?) " +
		"ON DUPLICATE KEY UPDATE value = VALUES(value), updated_at = VALUES(updated_at)",
	del: "DELETE FROM node_kv WHERE namespace = ? AND `key` = ?",
}

// NewMySQLStorage connects to MySQL using a go-sql-driver DSN.
func NewMySQLStorage(dsn string) (*SQLStorage, error) {
	return openSQL(MySQL, mysqlDialect, dsn)
}
