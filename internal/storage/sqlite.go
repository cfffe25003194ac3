package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "guildwatch/pkg/logx"

	_ "modernc.org/sqlite"
)

// table holds the pre-built statements for one scope.
type table struct {
	get    string
	upsert string
	delete string
	all    string
}

func newTable(name, idCol string) table {
	return table{
		get: `SELECT value FROM ` + name + ` WHERE ` + idCol + ` = ? AND key = ?`,
		upsert: `INSERT INTO ` + name + `(` + idCol + `, key, value, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(` + idCol + `, key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		delete: `DELETE FROM ` + name + ` WHERE ` + idCol + ` = ? AND key = ?`,
		all:    `SELECT key, value, updated_at FROM ` + name + ` WHERE ` + idCol + ` = ?`,
	}
}

var tables = map[Scope]table{
	ScopeGuild: newTable("guild_kv", "guild_id"),
	ScopeUser:  newTable("user_kv", "user_id"),
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time

	reads      atomic.Uint64
	writes     atomic.Uint64
	suppressed atomic.Uint64
	deletes    atomic.Uint64
}

// OpenSQLite opens (creating if needed) the database file and applies migrations.
func OpenSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	inMemory := path == ":memory:"
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			log.Warn("creating new database file", logx.String("path", path))
		}
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	conns := cfg.MaxOpenConns
	if conns <= 0 {
		conns = 4
	}
	// Each :memory: connection is its own database.
	if inMemory {
		conns = 1
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Info("database initialized", logx.String("path", path), logx.Int("max_conns", conns))
	return NewWithDB(db, log), nil
}

// NewWithDB wraps an already-migrated database handle.
func NewWithDB(db *sql.DB, log logx.Logger) Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqliteStore{db: db, log: log, now: time.Now}
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Stats() Stats {
	return Stats{
		Reads:      s.reads.Load(),
		Writes:     s.writes.Load(),
		Suppressed: s.suppressed.Load(),
		Deletes:    s.deletes.Load(),
	}
}

func (s *sqliteStore) Set(ctx context.Context, scope Scope, id, key, value string) error {
	t, ok := tables[scope]
	if !ok {
		return &Error{Op: "set", Scope: scope, ID: id, Key: key, Err: ErrUnknownScope}
	}
	cur, found, err := s.lookup(ctx, t, id, key)
	if err != nil {
		return &Error{Op: "set", Scope: scope, ID: id, Key: key, Err: err}
	}
	if found && cur == value {
		s.suppressed.Add(1)
		s.log.Debug("value unchanged, skipping update", logx.String("scope", scope.String()), logx.String("id", id), logx.String("key", key))
		return nil
	}

	s.log.Debug("setting value", logx.String("scope", scope.String()), logx.String("id", id), logx.String("key", key))
	at := s.now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx, t.upsert, id, key, value, at); err != nil {
		return &Error{Op: "set", Scope: scope, ID: id, Key: key, Err: err}
	}
	s.writes.Add(1)
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, scope Scope, id, key string) (string, bool, error) {
	t, ok := tables[scope]
	if !ok {
		return "", false, &Error{Op: "get", Scope: scope, ID: id, Key: key, Err: ErrUnknownScope}
	}
	v, found, err := s.lookup(ctx, t, id, key)
	if err != nil {
		return "", false, &Error{Op: "get", Scope: scope, ID: id, Key: key, Err: err}
	}
	return v, found, nil
}

func (s *sqliteStore) lookup(ctx context.Context, t table, id, key string) (string, bool, error) {
	s.reads.Add(1)
	var v string
	err := s.db.QueryRowContext(ctx, t.get, id, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqliteStore) Delete(ctx context.Context, scope Scope, id, key string) (bool, error) {
	t, ok := tables[scope]
	if !ok {
		return false, &Error{Op: "delete", Scope: scope, ID: id, Key: key, Err: ErrUnknownScope}
	}
	s.log.Debug("deleting value", logx.String("scope", scope.String()), logx.String("id", id), logx.String("key", key))
	res, err := s.db.ExecContext(ctx, t.delete, id, key)
	if err != nil {
		return false, &Error{Op: "delete", Scope: scope, ID: id, Key: key, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &Error{Op: "delete", Scope: scope, ID: id, Key: key, Err: err}
	}
	if n > 0 {
		s.deletes.Add(1)
	}
	return n > 0, nil
}

func (s *sqliteStore) GetAll(ctx context.Context, scope Scope, id string) ([]Entry, error) {
	t, ok := tables[scope]
	if !ok {
		return nil, &Error{Op: "get_all", Scope: scope, ID: id, Err: ErrUnknownScope}
	}
	s.reads.Add(1)
	rows, err := s.db.QueryContext(ctx, t.all, id)
	if err != nil {
		return nil, &Error{Op: "get_all", Scope: scope, ID: id, Err: err}
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var at string
		if err := rows.Scan(&e.Key, &e.Value, &at); err != nil {
			return nil, &Error{Op: "get_all", Scope: scope, ID: id, Err: err}
		}
		// A malformed timestamp leaves UpdatedAt zero; the value is still usable.
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Op: "get_all", Scope: scope, ID: id, Err: err}
	}
	return out, nil
}

func (s *sqliteStore) Optimize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return fmt.Errorf("pragma optimize: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}
