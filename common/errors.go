package common

import "errors"

// ErrNotFound is returned when a requested item (cache key, database record) is not found.
var ErrNotFound = errors.New("sturdy: requested item not found")

// Additional package-level errors. These live here rather than in the root
// package so drivers can reference them without an import cycle.
var (
	ErrConnClosed = errors.New("sturdy: connection is closed")
	// ErrInTransaction is returned by Begin when a transaction is already open.
	ErrInTransaction = errors.New("sturdy: transaction already in progress")
	// ErrNoTransaction is returned by Commit/Rollback when no transaction is open.
	ErrNoTransaction     = errors.New("sturdy: no transaction in progress")
	ErrPoolClosed        = errors.New("sturdy: connection pool is closed")
	ErrStmtClosed        = errors.New("sturdy: prepared statement has been closed")
	ErrCursorDeallocated = errors.New("sturdy: cursor has been deallocated")
	ErrDriverNotSet      = errors.New("sturdy: database driver not set")
)

// NoneResult is a marker value for cache entries indicating a known-missing record.
// Used to differentiate between "key not in cache" and "key exists, but represents no record".
const NoneResult = "__sturdy_none__"
