package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore implements Store on a relational database. SQLite is the default
// backend; PostgreSQL is selected with STORAGE_BACKEND=postgres. Queries are
// written once with ? placeholders and rebound per driver.
type SQLStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLStore)(nil)

// NewSQLite opens (creating if necessary) a SQLite-backed store at dbPath.
func NewSQLite(dbPath string) (*SQLStore, error) {
	normalized := normalizeSQLitePath(dbPath)
	if err := ensureSQLiteDir(normalized); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	if err := ensureSQLiteFile(normalized); err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=5000", normalized)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return newSQLStore(db)
}

// NewPostgres opens a PostgreSQL-backed store.
func NewPostgres(dsn string) (*SQLStore, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	return newSQLStore(db)
}

func newSQLStore(db *sqlx.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureSQLiteFile(dbPath string) error {
	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func normalizeSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	if strings.HasPrefix(dbPath, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			dbPath = filepath.Join(home, dbPath[2:])
		}
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}

// initSchema creates the storage tables if they don't exist.
func (s *SQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		k TEXT PRIMARY KEY,
		v TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS kv_counter (
		k TEXT PRIMARY KEY,
		n BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS kv_hash (
		k TEXT NOT NULL,
		f TEXT NOT NULL,
		v TEXT NOT NULL,
		PRIMARY KEY (k, f)
	);

	CREATE TABLE IF NOT EXISTS kv_list (
		k TEXT NOT NULL,
		pos BIGINT NOT NULL,
		v TEXT NOT NULL,
		PRIMARY KEY (k, pos)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLStore) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	q := s.db.Rebind("SELECT v FROM kv WHERE k = ?")
	err := s.db.GetContext(ctx, &v, q, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

func (s *SQLStore) Set(ctx context.Context, key, value string) error {
	q := s.db.Rebind(`INSERT INTO kv (k, v) VALUES (?, ?)
		ON CONFLICT (k) DO UPDATE SET v = excluded.v`)
	if _, err := s.db.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	for _, table := range []string{"kv", "kv_counter", "kv_hash", "kv_list"} {
		q, args, err := sqlx.In(fmt.Sprintf("DELETE FROM %s WHERE k IN (?)", table), keys)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(q), args...); err != nil {
			return fmt.Errorf("delete from %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	q := s.db.Rebind(`INSERT INTO kv_counter (k, n) VALUES (?, 1)
		ON CONFLICT (k) DO UPDATE SET n = kv_counter.n + 1
		RETURNING n`)
	if err := s.db.GetContext(ctx, &n, q, key); err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return n, nil
}

func (s *SQLStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	var v string
	q := s.db.Rebind("SELECT v FROM kv_hash WHERE k = ? AND f = ?")
	err := s.db.GetContext(ctx, &v, q, key, field)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hget %s %s: %w", key, field, err)
	}
	return v, true, nil
}

func (s *SQLStore) HSet(ctx context.Context, key, field, value string) error {
	q := s.db.Rebind(`INSERT INTO kv_hash (k, f, v) VALUES (?, ?, ?)
		ON CONFLICT (k, f) DO UPDATE SET v = excluded.v`)
	if _, err := s.db.ExecContext(ctx, q, key, field, value); err != nil {
		return fmt.Errorf("hset %s %s: %w", key, field, err)
	}
	return nil
}

func (s *SQLStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	q, args, err := sqlx.In("DELETE FROM kv_hash WHERE k = ? AND f IN (?)", key, fields)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...); err != nil {
		return fmt.Errorf("hdel %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	rows := []struct {
		F string `db:"f"`
		V string `db:"v"`
	}{}
	q := s.db.Rebind("SELECT f, v FROM kv_hash WHERE k = ?")
	if err := s.db.SelectContext(ctx, &rows, q, key); err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.F] = r.V
	}
	return out, nil
}

func (s *SQLStore) RPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var next int64
	q := tx.Rebind("SELECT COALESCE(MAX(pos) + 1, 0) FROM kv_list WHERE k = ?")
	if err := tx.GetContext(ctx, &next, q, key); err != nil {
		return fmt.Errorf("rpush %s: %w", key, err)
	}
	ins := tx.Rebind("INSERT INTO kv_list (k, pos, v) VALUES (?, ?, ?)")
	for i, v := range values {
		if _, err := tx.ExecContext(ctx, ins, key, next+int64(i), v); err != nil {
			return fmt.Errorf("rpush %s: %w", key, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	n, err := s.LLen(ctx, key)
	if err != nil {
		return nil, err
	}
	offset, count, ok := normalizeRange(start, stop, n)
	if !ok {
		return []string{}, nil
	}
	var out []string
	q := s.db.Rebind("SELECT v FROM kv_list WHERE k = ? ORDER BY pos LIMIT ? OFFSET ?")
	if err := s.db.SelectContext(ctx, &out, q, key, count, offset); err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	return out, nil
}

func (s *SQLStore) LLen(ctx context.Context, key string) (int64, error) {
	var n int64
	q := s.db.Rebind("SELECT COUNT(*) FROM kv_list WHERE k = ?")
	if err := s.db.GetContext(ctx, &n, q, key); err != nil {
		return 0, fmt.Errorf("llen %s: %w", key, err)
	}
	return n, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
