package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DatabaseType names a SQL backend.
type DatabaseType string

const (
	SQLite     DatabaseType = "sqlite"
	MySQL      DatabaseType = "mysql"
	PostgreSQL DatabaseType = "postgresql"
)

// dialect holds the statements that differ between SQL engines.
type dialect struct {
	driver string
	schema string
	get    string
	put    string
	del    string
}

// SQLStorage keeps values in a single node_kv table.
type SQLStorage struct {
	db      *sql.DB
	kind    DatabaseType
	dialect dialect
}

func openSQL(kind DatabaseType, d dialect, dsn string) (*SQLStorage, error) {
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", kind, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", kind, err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLStorage{db: db, kind: kind, dialect: d}
	if err := s.InitDatabase(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("init %s storage", kind)
	return s, nil
}

// InitDatabase creates the key-value table if it does not exist.
func (s *SQLStorage) InitDatabase(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.schema); err != nil {
		return fmt.Errorf("create %s schema: %w", s.kind, err)
	}
	return nil
}

// Get implements Backend.
func (s *SQLStorage) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, s.dialect.get, namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Put implements Backend. The upsert is a single statement, so the old
// row is replaced atomically.
func (s *SQLStorage) Put(ctx context.Context, namespace, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, s.dialect.put, namespace, key, value, time.Now().Unix())
	return err
}

// Delete implements Backend.
func (s *SQLStorage) Delete(ctx context.Context, namespace, key string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.del, namespace, key)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close implements Backend.
func (s *SQLStorage) Close() error {
	return s.db.Close()
}

// Open creates a backend by kind. target is a directory for "file", a
// DSN for the SQL engines and an address for "redis".
func Open(kind, target string) (Backend, error) {
	switch kind {
	case "file", "":
		return NewFileStorage(target)
	case string(SQLite):
		return NewSQLiteStorage(target)
	case string(MySQL):
		return NewMySQLStorage(target)
	case string(PostgreSQL), "postgres":
		return NewPostgreSQLStorage(target)
	case "redis":
		return NewRedisStorage(target)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", kind)
	}
}
