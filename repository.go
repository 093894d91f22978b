package sturdy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"

	"sturdy/common"
	"sturdy/internal/sqlbuilder"
)

// ResourceKind splits a schema into independent read and write circuits.
type ResourceKind string

const (
	KindRead  ResourceKind = "read"
	KindWrite ResourceKind = "write"
)

// Filters narrows a list or count query. Where is a SQL fragment with
// positional placeholders bound from Args.
type Filters struct {
	Where string
	Args  []any
}

// ListOptions paginates and orders a list query.
type ListOptions struct {
	Limit   int
	Offset  int
	OrderBy string
}

// GetOptions tunes a single-record read.
type GetOptions struct {
	// ForceRefresh bypasses the cache fast path and always hits the database.
	ForceRefresh bool
}

// FetchResult is a single-record read result. Degraded marks a stale cached
// record returned because the live data path is currently failing.
type FetchResult struct {
	Record   Row
	Degraded bool
}

// ListResult is a list read result, with the same degraded-mode semantics.
type ListResult struct {
	Records  []Row
	Degraded bool
}

// Repository is the façade business code calls. It orchestrates the cache,
// the per-resource circuit breakers, and pooled connection access into one
// read-through / write-around policy:
//
//	read:  cache -> guard(db) -> cache update, stale fallback on failure
//	write: guard(db, one transient retry) -> cache invalidation
//
// Safe for concurrent use.
type Repository struct {
	driver   Driver
	pool     *Pool
	cache    CacheStore
	breakers *Breakers
	cfg      Config
}

// New assembles a Repository from cfg. The driver is required; a nil Cache
// falls back to an in-process LocalCache.
func New(cfg Config) (*Repository, error) {
	if cfg.Driver == nil {
		return nil, ErrDriverNotSet
	}
	cfg = cfg.normalize()
	cache := cfg.Cache
	if cache == nil {
		cache = NewLocalCache(LocalCacheConfig{DefaultTTL: cfg.CacheTTL})
	}
	return &Repository{
		driver:   cfg.Driver,
		pool:     NewPool(cfg.Driver, cfg.PoolSize, cfg.IdleProbeAfter),
		cache:    cache,
		breakers: NewBreakers(cfg.Breaker),
		cfg:      cfg,
	}, nil
}

// Get fetches one record by primary key. Unless opts.ForceRefresh is set,
// a fresh cache entry short-circuits the database entirely. When the
// guarded database call fails and any cached value survives (fresh or
// stale), it is returned with Degraded set instead of the error.
func (r *Repository) Get(ctx context.Context, schema string, id int64, opts GetOptions) (*FetchResult, error) {
	key := recordKey(schema, id)

	if !opts.ForceRefresh {
		if value, stale, err := r.cache.Get(ctx, key); err == nil && !stale {
			if string(value) == common.NoneResult {
				return nil, ErrNotFound
			}
			if rec, derr := decodeRecord(value); derr == nil {
				return &FetchResult{Record: rec}, nil
			} else {
				log.Printf("WARN: Dropping corrupt cache entry %s: %v", key, derr)
				_ = r.cache.Delete(ctx, key)
			}
		}
	}

	var rec Row
	err := r.breakers.Guard(ctx, r.resource(schema, KindRead), func(ctx context.Context) error {
		res, execErr := r.exec(ctx, sqlbuilder.SelectByID(schema), []any{id})
		if execErr != nil {
			return execErr
		}
		if res.RowCount == 0 {
			return ErrNotFound
		}
		rec = res.Rows[0]
		return nil
	})

	switch {
	case err == nil:
		r.cachePut(ctx, key, rec)
		return &FetchResult{Record: rec}, nil
	case errors.Is(err, ErrNotFound):
		if r.cfg.NegativeTTL > 0 {
			_ = r.cache.Set(ctx, key, []byte(common.NoneResult), r.cfg.NegativeTTL)
		}
		return nil, err
	}

	// Live path failed: fall back to whatever the cache still holds.
	if value, _, cerr := r.cache.Get(ctx, key); cerr == nil && string(value) != common.NoneResult {
		if cached, derr := decodeRecord(value); derr == nil {
			log.Printf("REPO: Degraded read for %s after live failure: %v", key, err)
			return &FetchResult{Record: cached, Degraded: true}, nil
		}
	}
	return nil, err
}

// List fetches records matching filters, keyed in the cache by a hash of
// filters plus pagination. An empty result set is a legitimate value and is
// cached normally.
func (r *Repository) List(ctx context.Context, schema string, filters Filters, opts ListOptions) (*ListResult, error) {
	key := listKey(schema, filters, opts)

	if value, stale, err := r.cache.Get(ctx, key); err == nil && !stale {
		if recs, derr := decodeRecords(value); derr == nil {
			return &ListResult{Records: recs}, nil
		}
		log.Printf("WARN: Dropping corrupt cache entry %s", key)
		_ = r.cache.Delete(ctx, key)
	}

	var recs []Row
	query := sqlbuilder.SelectList(schema, filters.Where, opts.OrderBy, opts.Limit, opts.Offset)
	err := r.breakers.Guard(ctx, r.resource(schema, KindRead), func(ctx context.Context) error {
		res, execErr := r.exec(ctx, query, filters.Args)
		if execErr != nil {
			return execErr
		}
		recs = res.Rows
		return nil
	})

	if err == nil {
		if payload, encErr := json.Marshal(recs); encErr == nil {
			_ = r.cache.Set(ctx, key, payload, r.cfg.CacheTTL)
		}
		return &ListResult{Records: recs}, nil
	}

	if value, _, cerr := r.cache.Get(ctx, key); cerr == nil {
		if cached, derr := decodeRecords(value); derr == nil {
			log.Printf("REPO: Degraded list read for %s after live failure: %v", key, err)
			return &ListResult{Records: cached, Degraded: true}, nil
		}
	}
	return nil, err
}

// Count returns the number of records matching filters, guarded and cached
// like a list read (without the stale fallback: a wrong count is worse than
// an error).
func (r *Repository) Count(ctx context.Context, schema string, filters Filters) (int64, error) {
	key := schema + ":count:" + queryHash(filters, ListOptions{})

	if value, stale, err := r.cache.Get(ctx, key); err == nil && !stale {
		if n, perr := strconv.ParseInt(string(value), 10, 64); perr == nil {
			return n, nil
		}
		_ = r.cache.Delete(ctx, key)
	}

	var count int64
	query := sqlbuilder.Count(schema, filters.Where)
	err := r.breakers.Guard(ctx, r.resource(schema, KindRead), func(ctx context.Context) error {
		res, execErr := r.exec(ctx, query, filters.Args)
		if execErr != nil {
			return execErr
		}
		if res.RowCount == 0 {
			return &QueryError{Query: query, Err: errors.New("count query returned no row")}
		}
		n, convErr := toInt64(firstValue(res.Rows[0]))
		if convErr != nil {
			return &QueryError{Query: query, Err: convErr}
		}
		count = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	_ = r.cache.Set(ctx, key, []byte(strconv.FormatInt(count, 10)), r.cfg.CacheTTL)
	return count, nil
}

// Insert stores a new record and returns it as written, including generated
// columns. The fresh record is placed in the cache proactively.
func (r *Repository) Insert(ctx context.Context, schema string, payload Row) (Row, error) {
	cols, args, err := columnsAndArgs(payload, false)
	if err != nil {
		return nil, err
	}
	query := sqlbuilder.InsertReturning(schema, cols)

	var rec Row
	err = r.breakers.Guard(ctx, r.resource(schema, KindWrite), func(ctx context.Context) error {
		res, execErr := r.execWrite(ctx, query, args)
		if execErr != nil {
			return execErr
		}
		if res.RowCount == 0 {
			return &QueryError{Query: query, Err: errors.New("insert returned no row")}
		}
		rec = res.Rows[0]
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.invalidateDerived(ctx, schema)
	if id, idErr := toInt64(rec["id"]); idErr == nil {
		r.cachePut(ctx, recordKey(schema, id), rec)
	}
	return rec, nil
}

// Update rewrites the record identified by payload["id"] and returns it as
// stored. Zero matched rows means the record does not exist. The cached
// copy is invalidated, never patched in place.
func (r *Repository) Update(ctx context.Context, schema string, payload Row) (Row, error) {
	id, err := toInt64(payload["id"])
	if err != nil {
		return nil, fmt.Errorf("sturdy: update payload needs an id: %w", err)
	}
	cols, args, err := columnsAndArgs(payload, true)
	if err != nil {
		return nil, err
	}
	args = append(args, id)
	query := sqlbuilder.UpdateReturning(schema, cols)

	var rec Row
	err = r.breakers.Guard(ctx, r.resource(schema, KindWrite), func(ctx context.Context) error {
		res, execErr := r.execWrite(ctx, query, args)
		if execErr != nil {
			return execErr
		}
		if res.RowCount == 0 {
			return ErrNotFound
		}
		rec = res.Rows[0]
		return nil
	})
	if err != nil {
		return nil, err
	}

	_ = r.cache.Delete(ctx, recordKey(schema, id))
	r.invalidateDerived(ctx, schema)
	return rec, nil
}

// Delete removes the record by primary key and returns it as it was. Zero
// matched rows means the record does not exist.
func (r *Repository) Delete(ctx context.Context, schema string, id int64) (Row, error) {
	query := sqlbuilder.DeleteReturning(schema)

	var rec Row
	err := r.breakers.Guard(ctx, r.resource(schema, KindWrite), func(ctx context.Context) error {
		res, execErr := r.execWrite(ctx, query, []any{id})
		if execErr != nil {
			return execErr
		}
		if res.RowCount == 0 {
			return ErrNotFound
		}
		rec = res.Rows[0]
		return nil
	})
	if err != nil {
		return nil, err
	}

	_ = r.cache.Delete(ctx, recordKey(schema, id))
	r.invalidateDerived(ctx, schema)
	return rec, nil
}

// InvalidateSchema drops every cached entry for schema. Intended for use
// after bulk operations performed outside the repository.
func (r *Repository) InvalidateSchema(ctx context.Context, schema string) error {
	return r.cache.DeletePrefix(ctx, schemaPrefix(schema))
}

// CacheStats returns the cache hit/miss counters.
func (r *Repository) CacheStats(ctx context.Context) CacheStats {
	return r.cache.Stats(ctx)
}

// ClearCache empties the cache and resets its counters.
func (r *Repository) ClearCache(ctx context.Context) error {
	return r.cache.Clear(ctx)
}

// CircuitState reports the breaker state for one schema and kind.
func (r *Repository) CircuitState(schema string, kind ResourceKind) BreakerState {
	return r.breakers.State(r.resource(schema, kind))
}

// ResetCircuit forces the breaker for one schema and kind back to closed.
func (r *Repository) ResetCircuit(schema string, kind ResourceKind) {
	r.breakers.Reset(r.resource(schema, kind))
}

// PoolStats returns a snapshot of connection pool activity.
func (r *Repository) PoolStats() PoolStats {
	return r.pool.Stats()
}

// Close releases the connection pool and the underlying driver.
func (r *Repository) Close() error {
	poolErr := r.pool.Close()
	driverErr := r.driver.Close()
	if poolErr != nil {
		return poolErr
	}
	return driverErr
}

func (r *Repository) resource(schema string, kind ResourceKind) string {
	return schema + ":" + string(kind)
}

// exec runs one statement on a pooled connection. A connection-level
// failure or caller timeout marks the lease unhealthy so the pool recycles
// the connection instead of reusing it.
func (r *Repository) exec(ctx context.Context, query string, args []any) (*Result, error) {
	conn, err := r.pool.Checkout(ctx)
	if err != nil {
		return nil, err
	}
	res, err := conn.Execute(ctx, query, args...)
	r.pool.Checkin(conn, !poisons(err))
	return res, err
}

// execWrite is exec plus the bounded retry policy: a transient failure is
// retried exactly once (on a fresh connection) before the error surfaces to
// the circuit breaker.
func (r *Repository) execWrite(ctx context.Context, query string, args []any) (*Result, error) {
	res, err := r.exec(ctx, query, args)
	if err != nil && IsTransient(err) && ctx.Err() == nil {
		log.Printf("REPO: Retrying write after transient failure: %v", err)
		res, err = r.exec(ctx, query, args)
	}
	return res, err
}

// poisons reports whether err means the connection that produced it can no
// longer be trusted.
func poisons(err error) bool {
	if err == nil {
		return false
	}
	var connErr *ConnectionError
	return errors.As(err, &connErr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

func (r *Repository) cachePut(ctx context.Context, key string, rec Row) {
	payload, err := json.Marshal(rec)
	if err != nil {
		log.Printf("WARN: Failed to encode record for cache key %s: %v", key, err)
		return
	}
	if err := r.cache.Set(ctx, key, payload, r.cfg.CacheTTL); err != nil {
		log.Printf("WARN: Failed to cache %s: %v", key, err)
	}
}

// invalidateDerived drops list and count caches for schema after any write;
// a single changed row can move any of them.
func (r *Repository) invalidateDerived(ctx context.Context, schema string) {
	if err := r.cache.DeletePrefix(ctx, listKeyPrefix(schema)); err != nil {
		log.Printf("WARN: Failed to invalidate list cache for %s: %v", schema, err)
	}
	if err := r.cache.DeletePrefix(ctx, schema+":count:"); err != nil {
		log.Printf("WARN: Failed to invalidate count cache for %s: %v", schema, err)
	}
}

func decodeRecord(value []byte) (Row, error) {
	var rec Row
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func decodeRecords(value []byte) ([]Row, error) {
	var recs []Row
	if err := json.Unmarshal(value, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// columnsAndArgs flattens a payload into deterministic column order.
// Columns are sorted so identical payloads always produce identical query
// text and hit the per-connection statement cache.
func columnsAndArgs(payload Row, dropID bool) ([]string, []any, error) {
	if len(payload) == 0 {
		return nil, nil, errors.New("sturdy: empty payload")
	}
	cols := make([]string, 0, len(payload))
	for col := range payload {
		if dropID && col == "id" {
			continue
		}
		cols = append(cols, col)
	}
	if len(cols) == 0 {
		return nil, nil, errors.New("sturdy: payload has no updatable columns")
	}
	sort.Strings(cols)
	args := make([]any, len(cols))
	for i, col := range cols {
		args[i] = payload[col]
	}
	return cols, args, nil
}

func firstValue(row Row) any {
	for _, v := range row {
		return v
	}
	return nil
}

func toInt64(v any) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case uint64:
		return int64(val), nil
	case float64:
		return int64(val), nil
	case json.Number:
		return val.Int64()
	case string:
		return strconv.ParseInt(val, 10, 64)
	case nil:
		return 0, errors.New("sturdy: value is nil")
	default:
		return 0, fmt.Errorf("sturdy: cannot convert %T to int64", v)
	}
}
