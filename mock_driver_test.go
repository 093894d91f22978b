package sturdy_test

import (
	"context"
	"sync"
	"sync/atomic"

	"sturdy"
	"sturdy/common"
)

// fakeDriver is an in-memory sturdy.Driver whose behavior is scripted per
// test through the exec hook. Every connection it hands out shares the hook,
// so tests can flip behavior mid-scenario (e.g. healthy, then failing).
type fakeDriver struct {
	mu         sync.Mutex
	exec       func(query string, args []any) (*sturdy.Result, error)
	connectErr error
	pingErr    error

	dialed    atomic.Int64
	execCalls atomic.Int64
	closed    bool
}

func (d *fakeDriver) setExec(fn func(query string, args []any) (*sturdy.Result, error)) {
	d.mu.Lock()
	d.exec = fn
	d.mu.Unlock()
}

func (d *fakeDriver) setConnectErr(err error) {
	d.mu.Lock()
	d.connectErr = err
	d.mu.Unlock()
}

func (d *fakeDriver) setPingErr(err error) {
	d.mu.Lock()
	d.pingErr = err
	d.mu.Unlock()
}

func (d *fakeDriver) Connect(ctx context.Context) (sturdy.Conn, error) {
	d.mu.Lock()
	err := d.connectErr
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	d.dialed.Add(1)
	return &fakeConn{d: d}, nil
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// fakeConn implements the full Conn surface; only the parts the pool and
// repository touch do real work.
type fakeConn struct {
	d      *fakeDriver
	inTx   bool
	closed bool
}

func (c *fakeConn) Ping(ctx context.Context) error {
	if c.closed {
		return &sturdy.ConnectionError{Op: "ping", Err: common.ErrConnClosed}
	}
	c.d.mu.Lock()
	err := c.d.pingErr
	c.d.mu.Unlock()
	return err
}

func (c *fakeConn) Begin(ctx context.Context) error {
	if c.inTx {
		return common.ErrInTransaction
	}
	c.inTx = true
	return nil
}

func (c *fakeConn) Commit(ctx context.Context) error {
	if !c.inTx {
		return common.ErrNoTransaction
	}
	c.inTx = false
	return nil
}

func (c *fakeConn) Rollback(ctx context.Context) error {
	if !c.inTx {
		return common.ErrNoTransaction
	}
	c.inTx = false
	return nil
}

func (c *fakeConn) Prepare(ctx context.Context, query string) (sturdy.Stmt, error) {
	return &fakeStmt{query: query}, nil
}

func (c *fakeConn) Execute(ctx context.Context, query string, args ...any) (*sturdy.Result, error) {
	if c.closed {
		return nil, &sturdy.ConnectionError{Op: "execute", Err: common.ErrConnClosed}
	}
	c.d.execCalls.Add(1)
	c.d.mu.Lock()
	fn := c.d.exec
	c.d.mu.Unlock()
	if fn == nil {
		return &sturdy.Result{}, nil
	}
	return fn(query, args)
}

func (c *fakeConn) Declare(ctx context.Context, query string, args ...any) (sturdy.Cursor, error) {
	return &fakeCursor{conn: c, query: query, args: args}, nil
}

func (c *fakeConn) Status() sturdy.Status {
	switch {
	case c.closed:
		return sturdy.StatusDisconnected
	case c.inTx:
		return sturdy.StatusInTransaction
	default:
		return sturdy.StatusIdle
	}
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type fakeStmt struct {
	query  string
	closed bool
}

func (s *fakeStmt) QueryText() string { return s.query }

func (s *fakeStmt) Close() error {
	s.closed = true
	return nil
}

type fakeCursor struct {
	conn    *fakeConn
	query   string
	args    []any
	done    bool
	dealloc bool
}

func (cur *fakeCursor) Fetch(ctx context.Context) (sturdy.FetchState, *sturdy.Result, error) {
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

func (cur *fakeCursor) Deallocate() error {
	cur.dealloc = true
	return nil
}
