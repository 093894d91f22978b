package sturdy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sturdy/common"
)

// Re-exported sentinels so most callers only need the root package.
var (
	ErrNotFound          = common.ErrNotFound
	ErrConnClosed        = common.ErrConnClosed
	ErrInTransaction     = common.ErrInTransaction
	ErrNoTransaction     = common.ErrNoTransaction
	ErrPoolClosed        = common.ErrPoolClosed
	ErrStmtClosed        = common.ErrStmtClosed
	ErrCursorDeallocated = common.ErrCursorDeallocated
	ErrDriverNotSet      = common.ErrDriverNotSet
)

// ConnectionError indicates the physical database resource is unreachable or
// broken. It is transient: the owning connection should be recycled, and it
// counts as a circuit breaker failure.
type ConnectionError struct {
	Op  string // operation that failed, e.g. "connect", "execute", "ping"
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("sturdy: connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// QueryError indicates the statement itself is invalid (syntax error, missing
// table or column). Non-retryable; counts as a circuit breaker failure.
type QueryError struct {
	Query string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("sturdy: query error for %q: %v", e.Query, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// EncodeError indicates a bound parameter has an unsupported type. It fails
// fast before any I/O and does not count against the circuit breaker: it is
// a caller bug, not a resource failure.
type EncodeError struct {
	Index int // zero-based position of the offending parameter
	Value any
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("sturdy: cannot encode parameter %d (%T)", e.Index, e.Value)
}

// CircuitOpenError is the synthetic error returned when a breaker
// short-circuits a call without invoking the underlying function.
type CircuitOpenError struct {
	Resource   string
	RetryAfter time.Duration // time until the next half-open probe is allowed
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("sturdy: circuit open for %q (next probe in %s)", e.Resource, e.RetryAfter)
}

// IsTransient reports whether err represents a transient resource failure: a
// broken connection or a caller-side timeout. Only transient write failures
// are eligible for the single automatic retry.
func IsTransient(err error) bool {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// breakerOutcome classifies an error for circuit accounting.
type breakerOutcome int

const (
	outcomeSuccess breakerOutcome = iota
	outcomeFailure
	outcomeNeutral // caller bug; neither trips nor heals the circuit
)

// classifyOutcome maps an error from a guarded call onto circuit accounting.
// A missing record means the resource answered and is healthy. An encode
// failure never reached the resource at all.
func classifyOutcome(err error) breakerOutcome {
	if err == nil || errors.Is(err, common.ErrNotFound) {
		return outcomeSuccess
	}
	var encErr *EncodeError
	if errors.As(err, &encErr) {
		return outcomeNeutral
	}
	return outcomeFailure
}
