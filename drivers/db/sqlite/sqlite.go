// Package sqlite implements the sturdy driver SPI on SQLite. Each Conn pins
// one physical connection, owns a memoized prepared-statement cache, runs
// transaction control as explicit BEGIN/COMMIT/ROLLBACK directives, and
// simulates cursors by eager full-result retrieval (the engine has no
// native server-side cursors).
package sqlite

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"log"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	"sturdy"
	"sturdy/common"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
	connectPingTimeout     = 5 * time.Second
)

// defaultPragmas are the tuning directives applied to every new connection.
// They are performance hints: individual failures are logged and skipped,
// the connection stays usable with engine defaults.
var defaultPragmas = map[string]string{
	"busy_timeout": "5000",
	"foreign_keys": "ON",
	"journal_mode": "WAL",
	"synchronous":  "NORMAL",
}

// Config holds connection configuration for the SQLite driver.
type Config struct {
	DSN string
	// Pragmas are merged over the defaults; set a value to "" to suppress a
	// default directive.
	Pragmas         map[string]string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Driver implements sturdy.Driver for SQLite.
type Driver struct {
	db      *sqlx.DB
	pragmas map[string]string
	dsn     string

	closeMx sync.Mutex
	closed  bool
}

var _ sturdy.Driver = (*Driver)(nil)

// New opens the database file and verifies it is reachable.
func New(cfg Config) (*Driver, error) {
	if cfg.DSN == "" {
		return nil, &sturdy.ConnectionError{Op: "connect", Err: errors.New("sqlite: empty DSN")}
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = defaultMaxOpenConns
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = defaultMaxIdleConns
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = defaultConnMaxLifetime
	}

	log.Printf("Initializing SQLite driver with DSN: %s", cfg.DSN)
	db, err := sqlx.Open("sqlite3", cfg.DSN)
	if err != nil {
		return nil, &sturdy.ConnectionError{Op: "connect", Err: err}
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), connectPingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &sturdy.ConnectionError{Op: "connect", Err: err}
	}

	pragmas := make(map[string]string, len(defaultPragmas)+len(cfg.Pragmas))
	for k, v := range defaultPragmas {
		pragmas[k] = v
	}
	for k, v := range cfg.Pragmas {
		if v == "" {
			delete(pragmas, k)
			continue
		}
		pragmas[k] = v
	}

	return &Driver{db: db, pragmas: pragmas, dsn: cfg.DSN}, nil
}

func (d *Driver) Name() string { return "sqlite" }

// Connect pins one physical connection and applies the tuning directives.
func (d *Driver) Connect(ctx context.Context) (sturdy.Conn, error) {
	if d.isClosed() {
		return nil, &sturdy.ConnectionError{Op: "connect", Err: common.ErrConnClosed}
	}
	cx, err := d.db.Connx(ctx)
	if err != nil {
		return nil, &sturdy.ConnectionError{Op: "connect", Err: err}
	}
	c := &conn{
		cx:      cx,
		stmts:   make(map[string]*stmt),
		cursors: make(map[*cursor]struct{}),
	}
	c.applyPragmas(ctx, d.pragmas)
	return c, nil
}

// Close releases the underlying database handle.
func (d *Driver) Close() error {
	d.closeMx.Lock()
	defer d.closeMx.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	log.Println("SQLite driver closed.")
	return d.db.Close()
}

func (d *Driver) isClosed() bool {
	d.closeMx.Lock()
	defer d.closeMx.Unlock()
	return d.closed
}

// conn is one pinned physical connection. Single-owner by contract, so its
// state needs no synchronization.
type conn struct {
	cx      *sqlx.Conn
	inTx    bool
	stmts   map[string]*stmt
	cursors map[*cursor]struct{}
	closed  bool
}

var _ sturdy.Conn = (*conn)(nil)

// applyPragmas issues the tuning directives in deterministic order,
// continuing past individual failures.
func (c *conn) applyPragmas(ctx context.Context, pragmas map[string]string) {
	names := make([]string, 0, len(pragmas))
	for name := range pragmas {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		directive := fmt.Sprintf("PRAGMA %s=%s", name, pragmas[name])
		if _, err := c.cx.ExecContext(ctx, directive); err != nil {
			log.Printf("WARN: Tuning directive %q failed, continuing with engine default: %v", directive, err)
		}
	}
}

// Ping issues a trivial round-trip query. Any error reclassifies the
// connection as unhealthy.
func (c *conn) Ping(ctx context.Context) error {
	if c.closed {
		return &sturdy.ConnectionError{Op: "ping", Err: common.ErrConnClosed}
	}
	var one int
	if err := c.cx.QueryRowxContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return &sturdy.ConnectionError{Op: "ping", Err: err}
	}
	return nil
}

func (c *conn) Begin(ctx context.Context) error {
	if c.closed {
		return &sturdy.ConnectionError{Op: "begin", Err: common.ErrConnClosed}
	}
	if c.inTx {
		return common.ErrInTransaction
	}
	if _, err := c.cx.ExecContext(ctx, "BEGIN"); err != nil {
		return classify("begin", "BEGIN", err)
	}
	c.inTx = true
	log.Println("DB Transaction Started")
	return nil
}

func (c *conn) Commit(ctx context.Context) error {
	if c.closed {
		return &sturdy.ConnectionError{Op: "commit", Err: common.ErrConnClosed}
	}
	if !c.inTx {
		return common.ErrNoTransaction
	}
	if _, err := c.cx.ExecContext(ctx, "COMMIT"); err != nil {
		return classify("commit", "COMMIT", err)
	}
	c.inTx = false
	log.Println("DB Transaction Committed")
	return nil
}

func (c *conn) Rollback(ctx context.Context) error {
	if c.closed {
		return &sturdy.ConnectionError{Op: "rollback", Err: common.ErrConnClosed}
	}
	if !c.inTx {
		return common.ErrNoTransaction
	}
	if _, err := c.cx.ExecContext(ctx, "ROLLBACK"); err != nil {
		return classify("rollback", "ROLLBACK", err)
	}
	c.inTx = false
	log.Println("DB Transaction Rolled Back")
	return nil
}

// Prepare compiles query, memoized by raw query text: the second Prepare of
// identical text returns the identical handle. A failed compile leaves the
// cache untouched.
func (c *conn) Prepare(ctx context.Context, query string) (sturdy.Stmt, error) {
	return c.prepare(ctx, query)
}

func (c *conn) prepare(ctx context.Context, query string) (*stmt, error) {
	if c.closed {
		return nil, &sturdy.ConnectionError{Op: "prepare", Err: common.ErrConnClosed}
	}
	if st, ok := c.stmts[query]; ok {
		return st, nil
	}
	sx, err := c.cx.PreparexContext(ctx, query)
	if err != nil {
		return nil, classify("prepare", query, err)
	}
	st := &stmt{conn: c, query: query, sx: sx}
	c.stmts[query] = st
	return st, nil
}

// Execute binds args positionally and runs query through the statement
// cache. On bind or execution failure the statement handle is released
// before returning, so a broken statement never leaks in the cache.
func (c *conn) Execute(ctx context.Context, query string, args ...any) (*sturdy.Result, error) {
	if c.closed {
		return nil, &sturdy.ConnectionError{Op: "execute", Err: common.ErrConnClosed}
	}
	bound, err := bindArgs(args)
	if err != nil {
		// Encode failures happen before any I/O and touch no handles.
		return nil, err
	}
	st, err := c.prepare(ctx, query)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if returnsRows(query) {
		rows, qerr := st.sx.QueryxContext(ctx, bound...)
		if qerr != nil {
			c.releaseStmt(st)
			log.Printf("DB Query Error: %s [%v] (%s) - %v", query, bound, time.Since(start), qerr)
			return nil, classify("execute", query, qerr)
		}
		defer rows.Close()

		result := &sturdy.Result{}
		for rows.Next() {
			row := make(sturdy.Row)
			if serr := rows.MapScan(row); serr != nil {
				c.releaseStmt(st)
				log.Printf("DB Scan Error: %s [%v] (%s) - %v", query, bound, time.Since(start), serr)
				return nil, classify("execute", query, serr)
			}
			result.Rows = append(result.Rows, normalizeRow(row))
		}
		if rerr := rows.Err(); rerr != nil {
			c.releaseStmt(st)
			log.Printf("DB Rows Error: %s [%v] (%s) - %v", query, bound, time.Since(start), rerr)
			return nil, classify("execute", query, rerr)
		}
		result.RowCount = len(result.Rows)
		log.Printf("DB Query OK: %s [%v] (%d rows, %s)", query, bound, result.RowCount, time.Since(start))
		return result, nil
	}

	res, xerr := st.sx.ExecContext(ctx, bound...)
	if xerr != nil {
		c.releaseStmt(st)
		log.Printf("DB Exec Error: %s [%v] (%s) - %v", query, bound, time.Since(start), xerr)
		return nil, classify("execute", query, xerr)
	}
	affected, _ := res.RowsAffected()
	log.Printf("DB Exec OK: %s [%v] (Affected: %d) (%s)", query, bound, affected, time.Since(start))
	return &sturdy.Result{RowCount: int(affected)}, nil
}

// Declare captures query and params for a simulated cursor. No I/O happens
// until the first Fetch.
func (c *conn) Declare(ctx context.Context, query string, args ...any) (sturdy.Cursor, error) {
	if c.closed {
		return nil, &sturdy.ConnectionError{Op: "declare", Err: common.ErrConnClosed}
	}
	bound, err := bindArgs(args)
	if err != nil {
		return nil, err
	}
	cur := &cursor{conn: c, query: query, args: bound}
	c.cursors[cur] = struct{}{}
	return cur, nil
}

func (c *conn) Status() sturdy.Status {
	switch {
	case c.closed:
		return sturdy.StatusDisconnected
	case c.inTx:
		return sturdy.StatusInTransaction
	default:
		return sturdy.StatusIdle
	}
}

// Close rolls back any open transaction, discards cached statement handles
// and cursors, and releases the physical connection.
func (c *conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	if c.inTx {
		if _, err := c.cx.ExecContext(context.Background(), "ROLLBACK"); err != nil {
			log.Printf("WARN: Rollback during connection close failed: %v", err)
		}
		c.inTx = false
	}
	for _, st := range c.stmts {
		st.closed = true
		if err := st.sx.Close(); err != nil {
			log.Printf("WARN: Failed to close cached statement %q: %v", st.query, err)
		}
	}
	c.stmts = nil
	for cur := range c.cursors {
		cur.dealloc = true
	}
	c.cursors = nil
	return c.cx.Close()
}

// releaseStmt drops a statement after a failure so the next Execute
// recompiles it from scratch.
func (c *conn) releaseStmt(st *stmt) {
	if err := st.Close(); err != nil {
		log.Printf("WARN: Failed to release statement %q: %v", st.query, err)
	}
}

// stmt is a prepared statement handle owned by one connection.
type stmt struct {
	conn   *conn
	query  string
	sx     *sqlx.Stmt
	closed bool
}

var _ sturdy.Stmt = (*stmt)(nil)

func (s *stmt) QueryText() string { return s.query }

// Close releases the handle and removes it from the owning connection's
// statement cache. Idempotent.
func (s *stmt) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn.stmts != nil {
		delete(s.conn.stmts, s.query)
	}
	if err := s.sx.Close(); err != nil {
		return classify("close", s.query, err)
	}
	return nil
}

// cursor fakes server-side cursor semantics: the first Fetch eagerly loads
// the entire result set and signals completion. There is no partial
// streaming; callers needing incremental pages must paginate in SQL.
type cursor struct {
	conn    *conn
	query   string
	args    []any
	done    bool
	dealloc bool
}

var _ sturdy.Cursor = (*cursor)(nil)

func (cur *cursor) Fetch(ctx context.Context) (sturdy.FetchState, *sturdy.Result, error) {
	if cur.dealloc {
		return sturdy.FetchHalt, nil, common.ErrCursorDeallocated
	}
	if cur.done {
		return sturdy.FetchHalt, &sturdy.Result{}, nil
	}
	res, err := cur.conn.Execute(ctx, cur.query, cur.args...)
	if err != nil {
		return sturdy.FetchHalt, nil, err
	}
	cur.done = true
	return sturdy.FetchHalt, res, nil
}

// Deallocate releases the cursor. Idempotent.
func (cur *cursor) Deallocate() error {
	if cur.dealloc {
		return nil
	}
	cur.dealloc = true
	if cur.conn.cursors != nil {
		delete(cur.conn.cursors, cur)
	}
	return nil
}

// bindArgs gives each supported parameter type its dedicated binding path
// and stringifies everything else. Values that cannot round-trip through
// the engine at all (channels, functions) fail fast with an EncodeError.
func bindArgs(args []any) ([]any, error) {
	bound := make([]any, len(args))
	for i, arg := range args {
		switch arg.(type) {
		case nil,
			bool,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64,
			string, []byte,
			time.Time:
			bound[i] = arg
			continue
		}
		if _, ok := arg.(driver.Valuer); ok {
			bound[i] = arg
			continue
		}
		switch reflect.ValueOf(arg).Kind() {
		case reflect.Chan, reflect.Func, reflect.UnsafePointer:
			return nil, &sturdy.EncodeError{Index: i, Value: arg}
		}
		// Generic stringification fallback for everything else.
		bound[i] = fmt.Sprintf("%v", arg)
	}
	return bound, nil
}

// returnsRows reports whether query produces a result set, deciding between
// the query and exec paths. RETURNING clauses force the query path even on
// writes.
func returnsRows(query string) bool {
	q := strings.ToUpper(strings.TrimSpace(query))
	for _, kw := range [...]string{"SELECT", "WITH", "PRAGMA", "EXPLAIN", "VALUES"} {
		if strings.HasPrefix(q, kw) {
			return true
		}
	}
	return strings.Contains(q, "RETURNING")
}

// normalizeRow converts driver byte slices to strings so rows serialize
// cleanly and compare predictably downstream.
func normalizeRow(row sturdy.Row) sturdy.Row {
	for k, v := range row {
		if b, ok := v.([]byte); ok {
			row[k] = string(b)
		}
	}
	return row
}

// classify maps an engine error onto the sturdy error taxonomy: resource
// failures become ConnectionError (transient, recycles the connection),
// everything else becomes QueryError.
func classify(op, query string, err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr,
			sqlite3.ErrCantOpen, sqlite3.ErrNotADB, sqlite3.ErrFull,
			sqlite3.ErrProtocol, sqlite3.ErrCorrupt:
			return &sturdy.ConnectionError{Op: op, Err: err}
		}
		return &sturdy.QueryError{Query: query, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, driver.ErrBadConn) {
		return &sturdy.ConnectionError{Op: op, Err: err}
	}
	return &sturdy.QueryError{Query: query, Err: err}
}
