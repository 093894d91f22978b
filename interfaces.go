// interfaces.go
// Core interfaces for the sturdy data-access layer: the driver SPI any
// storage engine must implement (Driver, Conn, Stmt, Cursor) and the
// CacheStore contract shared by the in-memory and Redis cache drivers.

package sturdy

import (
	"context"
	"time"
)

// Row is a single result row keyed by column name.
type Row map[string]any

// Result is the single tagged result shape every adapter operation is
// normalized into. Statements that return rows populate Rows and set
// RowCount to len(Rows); statements that do not return rows leave Rows
// empty and set RowCount to the number of rows affected.
type Result struct {
	Rows     []Row
	RowCount int
}

// Status describes the connection state machine position.
type Status int

const (
	StatusDisconnected Status = iota
	StatusIdle
	StatusInTransaction
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusIdle:
		return "idle"
	case StatusInTransaction:
		return "in_transaction"
	default:
		return "unknown"
	}
}

// FetchState signals whether a cursor has more rows to deliver.
type FetchState int

const (
	FetchContinue FetchState = iota
	FetchHalt
)

// Driver opens physical connections to a storage engine. Connection
// configuration (endpoint, credentials, tuning directives) is supplied to
// the driver's constructor; Connect hands out one physical connection per
// call.
type Driver interface {
	Connect(ctx context.Context) (Conn, error)
	Name() string
	Close() error
}

// Conn is a single physical database connection. A Conn is owned by exactly
// one goroutine at a time; none of its methods are safe for concurrent use.
// All blocking methods take a context, but an expired context leaves the
// connection potentially poisoned: the caller must recycle it rather than
// reuse it.
type Conn interface {
	// Ping issues a trivial round-trip query. Any error means the connection
	// is unhealthy and should be discarded and replaced.
	Ping(ctx context.Context) error

	// Begin starts a transaction. Fails with ErrInTransaction if one is
	// already open. Commit and Rollback are the symmetric inverse and fail
	// with ErrNoTransaction when the connection is idle.
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// Prepare compiles query into a statement handle, memoized per
	// connection: repeat calls with identical query text return the same
	// handle. A failed compile leaves the statement cache untouched.
	Prepare(ctx context.Context, query string) (Stmt, error)

	// Execute binds args positionally and runs the statement, preparing it
	// through the statement cache first. On bind or execution failure the
	// statement handle is released before returning.
	Execute(ctx context.Context, query string, args ...any) (*Result, error)

	// Declare opens a simulated cursor over query. The engine has no native
	// server-side cursors, so the first Fetch eagerly loads the entire
	// result set and halts.
	Declare(ctx context.Context, query string, args ...any) (Cursor, error)

	Status() Status

	// Close releases the physical resource and discards all cached
	// statement handles and open cursors.
	Close() error
}

// Stmt is a prepared statement handle, owned by the connection that
// compiled it.
type Stmt interface {
	// QueryText returns the raw query text this statement was compiled from.
	QueryText() string
	// Close releases the handle and removes it from the owning connection's
	// statement cache. Idempotent.
	Close() error
}

// Cursor is a simulated server-side cursor. Fetch returns FetchHalt with
// the complete result set on its first call; there is no partial streaming.
type Cursor interface {
	Fetch(ctx context.Context) (FetchState, *Result, error)
	// Deallocate releases the cursor. Idempotent.
	Deallocate() error
}

// CacheStore is the contract for cache drivers. Values are opaque bytes;
// callers handle serialization.
//
// Get returns ErrNotFound for absent keys. For a present but expired entry
// still inside the store's stale window, Get returns the old value with
// stale=true: it counts as a miss and is only usable as a degraded-mode
// fallback.
type CacheStore interface {
	Get(ctx context.Context, key string) (value []byte, stale bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes the entry if present; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key in a logical namespace.
	DeletePrefix(ctx context.Context, prefix string) error
	// Clear empties the store and resets hit/miss counters.
	Clear(ctx context.Context) error
	Stats(ctx context.Context) CacheStats
}

// CacheStats holds hit/miss counters for monitoring.
type CacheStats struct {
	Hits   uint64
	Misses uint64
}

// HitRate returns hits / (hits + misses), or 0 before any lookups.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
