package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrUnknownScope = errors.New("unknown scope")

// Scope selects the key namespace. Each scope is a separate physical table,
// so a guild and a user with the same numeric id never share rows.
type Scope int

const (
	ScopeGuild Scope = iota + 1
	ScopeUser
)

func (s Scope) String() string {
	switch s {
	case ScopeGuild:
		return "guild"
	case ScopeUser:
		return "user"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// Entry is one persisted (scope id, key) row.
type Entry struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Stats are best-effort counters since the store was opened.
type Stats struct {
	Reads      uint64 `json:"reads"`
	Writes     uint64 `json:"writes"`
	Suppressed uint64 `json:"suppressed"`
	Deletes    uint64 `json:"deletes"`
}

// KV is the per-guild / per-user string store.
//
// Set is a no-op when the stored value is byte-identical to the new one.
// Get reports ok=false for a missing key; callers treat that as "not configured".
// No operation retries internally.
type KV interface {
	Set(ctx context.Context, scope Scope, id, key, value string) error
	Get(ctx context.Context, scope Scope, id, key string) (value string, ok bool, err error)
	Delete(ctx context.Context, scope Scope, id, key string) (existed bool, err error)
	GetAll(ctx context.Context, scope Scope, id string) ([]Entry, error)
}

// Store is a KV backed by a closable engine.
type Store interface {
	KV
	Stats() Stats
	// Optimize runs engine housekeeping (for sqlite: PRAGMA optimize + WAL checkpoint).
	Optimize(ctx context.Context) error
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file (pure Go driver)
type Config struct {
	Driver       string
	Path         string
	BusyTimeout  time.Duration // 0 means 5s
	MaxOpenConns int           // 0 means 4
}

// Error is returned by every failing store operation.
type Error struct {
	Op    string
	Scope Scope
	ID    string
	Key   string
	Err   error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s %s/%s: %v", e.Op, e.Scope, e.ID, e.Err)
	}
	return fmt.Sprintf("storage %s %s/%s/%s: %v", e.Op, e.Scope, e.ID, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
