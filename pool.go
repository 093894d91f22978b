package sturdy

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Pool hands out physical connections with checkout/checkin semantics: a
// checked-out Conn has exactly one owner until it is checked back in, so
// operations on it never interleave with another goroutine's. Capacity is
// bounded by a semaphore; idle connections are kept for reuse and re-pinged
// when they have been sitting too long.
type Pool struct {
	driver         Driver
	sem            chan struct{} // capacity tokens, one per checkout
	idleProbeAfter time.Duration

	mu     sync.Mutex
	idle   []*pooledConn
	closed bool

	dialed    atomic.Int64
	discarded atomic.Int64
}

type pooledConn struct {
	Conn
	idleSince time.Time
}

// PoolStats is a point-in-time snapshot of pool activity.
type PoolStats struct {
	Size      int
	Idle      int
	InUse     int
	Dialed    int64
	Discarded int64
}

// NewPool creates a pool over driver with the given capacity. Connections
// are dialed lazily on first checkout.
func NewPool(driver Driver, size int, idleProbeAfter time.Duration) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if idleProbeAfter <= 0 {
		idleProbeAfter = DefaultIdleProbeAfter
	}
	return &Pool{
		driver:         driver,
		sem:            make(chan struct{}, size),
		idleProbeAfter: idleProbeAfter,
	}
}

// Checkout leases a connection. It blocks until capacity is available or
// ctx expires. An idle connection that has been parked longer than the
// probe interval is pinged first; if the ping fails it is discarded and a
// fresh connection dialed in its place.
func (p *Pool) Checkout(ctx context.Context) (Conn, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, &ConnectionError{Op: "checkout", Err: ctx.Err()}
	}

	for {
		pc := p.popIdle()
		if pc == nil {
			break
		}
		if time.Since(pc.idleSince) < p.idleProbeAfter {
			return pc.Conn, nil
		}
		if err := pc.Ping(ctx); err == nil {
			return pc.Conn, nil
		}
		log.Printf("POOL: discarding stale connection after failed ping")
		p.discard(pc.Conn)
	}

	conn, err := p.driver.Connect(ctx)
	if err != nil {
		<-p.sem
		return nil, err
	}
	p.dialed.Add(1)
	return conn, nil
}

// Checkin returns a leased connection. Unhealthy connections, and healthy
// ones abandoned mid-transaction, are closed and their capacity released
// for a replacement dial. The caller must not touch conn afterwards.
func (p *Pool) Checkin(conn Conn, healthy bool) {
	defer func() { <-p.sem }()

	if conn == nil {
		return
	}
	if !healthy || conn.Status() != StatusIdle {
		p.discard(conn)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.discard(conn)
		return
	}
	p.idle = append(p.idle, &pooledConn{Conn: conn, idleSince: time.Now()})
	p.mu.Unlock()
}

func (p *Pool) popIdle() *pooledConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) == 0 {
		return nil
	}
	pc := p.idle[len(p.idle)-1]
	p.idle = p.idle[:len(p.idle)-1]
	return pc
}

func (p *Pool) discard(conn Conn) {
	p.discarded.Add(1)
	if err := conn.Close(); err != nil {
		log.Printf("WARN: Failed to close discarded connection: %v", err)
	}
}

// Stats returns a snapshot of pool activity.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	idle := len(p.idle)
	p.mu.Unlock()
	return PoolStats{
		Size:      cap(p.sem),
		Idle:      idle,
		InUse:     len(p.sem),
		Dialed:    p.dialed.Load(),
		Discarded: p.discarded.Load(),
	}
}

// Close closes all idle connections and marks the pool closed. Connections
// currently checked out are closed as they come back in.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, pc := range idle {
		if err := pc.Close(); err != nil {
			log.Printf("WARN: Failed to close pooled connection: %v", err)
		}
	}
	return nil
}
