package sturdy

import "time"

// Defaults applied by Config.normalize.
const (
	DefaultPoolSize         = 4
	DefaultCacheTTL         = 5 * time.Minute
	DefaultStaleWindow      = time.Hour
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second
	DefaultHalfOpenProbes   = 1
	DefaultIdleProbeAfter   = time.Minute
)

// Config assembles a Repository.
type Config struct {
	Driver Driver
	// Cache defaults to an in-process LocalCache when nil.
	Cache CacheStore

	// PoolSize bounds the number of physical connections checked out
	// concurrently.
	PoolSize int
	// IdleProbeAfter is how long a connection may sit idle in the pool
	// before checkout re-pings it.
	IdleProbeAfter time.Duration

	// CacheTTL applies to entries the repository writes without an explicit
	// override.
	CacheTTL time.Duration
	// NegativeTTL, when positive, caches known-missing records under the
	// NoneResult marker for that duration. Zero disables negative caching.
	NegativeTTL time.Duration

	Breaker BreakerConfig
}

func (c Config) normalize() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.IdleProbeAfter <= 0 {
		c.IdleProbeAfter = DefaultIdleProbeAfter
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	c.Breaker = c.Breaker.normalize()
	return c
}

// BreakerConfig controls circuit breaker state transitions. Every named
// resource tracked by a registry shares the same thresholds.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips a
	// closed breaker open.
	FailureThreshold int
	// ResetTimeout is how long an open breaker waits before allowing a
	// half-open probe.
	ResetTimeout time.Duration
	// HalfOpenProbes is the number of concurrent trial calls allowed while
	// half-open.
	HalfOpenProbes int
}

func (c BreakerConfig) normalize() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = DefaultHalfOpenProbes
	}
	return c
}
