package sturdy

import (
	"context"
	"log"
	"sync"
	"time"
)

// BreakerState is the position of a single circuit.
type BreakerState int32

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breakers is a registry of named, independent circuit breakers. Each
// resource name (e.g. "users:read") gets its own state machine; failures on
// one name never affect another. All methods are safe for concurrent use.
type Breakers struct {
	cfg BreakerConfig
	m   sync.Map // map[string]*breaker
}

// NewBreakers creates a registry. Zero config fields fall back to defaults.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{cfg: cfg.normalize()}
}

func (b *Breakers) get(name string) *breaker {
	if v, ok := b.m.Load(name); ok {
		return v.(*breaker)
	}
	v, _ := b.m.LoadOrStore(name, &breaker{name: name, cfg: b.cfg})
	return v.(*breaker)
}

// Guard runs fn under the breaker for name. If the circuit is open (or all
// half-open probe slots are taken), fn is never invoked and a
// *CircuitOpenError is returned.
func (b *Breakers) Guard(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return b.GuardWithFallback(ctx, name, fn, nil)
}

// GuardWithFallback is Guard with a degraded-mode hook: when the circuit
// short-circuits, fallback (if non-nil) is invoked with the
// *CircuitOpenError instead of returning it.
func (b *Breakers) GuardWithFallback(ctx context.Context, name string, fn func(ctx context.Context) error, fallback func(ctx context.Context, err error) error) error {
	br := b.get(name)

	openErr := br.allow()
	if openErr != nil {
		if fallback != nil {
			return fallback(ctx, openErr)
		}
		return openErr
	}

	err := fn(ctx)
	br.record(classifyOutcome(err))
	return err
}

// State returns the current state of the named breaker. Unknown names
// report StateClosed, matching a breaker that has never seen a failure.
func (b *Breakers) State(name string) BreakerState {
	if v, ok := b.m.Load(name); ok {
		return v.(*breaker).snapshot()
	}
	return StateClosed
}

// Reset forces the named breaker closed with zero failures. Administrative
// escape hatch.
func (b *Breakers) Reset(name string) {
	br := b.get(name)
	br.mu.Lock()
	defer br.mu.Unlock()
	br.state = StateClosed
	br.failures = 0
	br.probes = 0
	br.openedAt = time.Time{}
	log.Printf("BREAKER RESET: %s forced closed", name)
}

// ForceState moves the named breaker to an arbitrary state, bypassing
// normal transition rules. Test and operations hook only.
func (b *Breakers) ForceState(name string, state BreakerState) {
	br := b.get(name)
	br.mu.Lock()
	defer br.mu.Unlock()
	br.state = state
	br.probes = 0
	switch state {
	case StateOpen:
		br.openedAt = time.Now()
	case StateClosed:
		br.failures = 0
		br.openedAt = time.Time{}
	case StateHalfOpen:
		br.failures = 0
	}
	log.Printf("BREAKER FORCE: %s set to %s", name, state)
}

// breaker is one named circuit. Transitions are serialized by mu so
// concurrent failures cannot produce lost updates.
type breaker struct {
	name string
	cfg  BreakerConfig

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probes   int // in-flight half-open probes
}

// allow decides whether a call may proceed. It returns a *CircuitOpenError
// when the call must short-circuit, and claims a probe slot when entering
// or already in the half-open state.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := time.Since(b.openedAt)
		if elapsed < b.cfg.ResetTimeout {
			return &CircuitOpenError{Resource: b.name, RetryAfter: b.cfg.ResetTimeout - elapsed}
		}
		// Reset timeout elapsed: transition to half-open and let this
		// caller through as the probe.
		b.state = StateHalfOpen
		b.failures = 0
		b.probes = 1
		log.Printf("BREAKER %s: open -> half_open, probing", b.name)
		return nil
	case StateHalfOpen:
		if b.probes >= b.cfg.HalfOpenProbes {
			// A probe is already in flight; concurrent callers short-circuit
			// rather than piling onto a possibly still-broken resource.
			return &CircuitOpenError{Resource: b.name, RetryAfter: 0}
		}
		b.probes++
		return nil
	}
	return nil
}

// record applies the outcome of a permitted call.
func (b *breaker) record(outcome breakerOutcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}

	switch outcome {
	case outcomeSuccess:
		if b.state == StateHalfOpen {
			log.Printf("BREAKER %s: half_open -> closed (probe succeeded)", b.name)
			b.state = StateClosed
			b.probes = 0
		}
		b.failures = 0
	case outcomeFailure:
		b.failures++
		switch b.state {
		case StateHalfOpen:
			log.Printf("BREAKER %s: half_open -> open (probe failed)", b.name)
			b.state = StateOpen
			b.openedAt = time.Now()
			b.probes = 0
		case StateClosed:
			if b.failures >= b.cfg.FailureThreshold {
				log.Printf("BREAKER %s: closed -> open after %d consecutive failures", b.name, b.failures)
				b.state = StateOpen
				b.openedAt = time.Now()
			}
		}
	case outcomeNeutral:
		// Caller bug (encode failure): the probe slot is released above but
		// state and failure count stay untouched.
	}
}

func (b *breaker) snapshot() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
