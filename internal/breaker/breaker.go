// Package breaker implements a per-backend circuit breaker for C6: a
// backend that keeps failing is excluded from selection for a cooldown
// period instead of being scored and retried on every request.
//
// Adapted from internal/proxy/circuitbreaker.go's per-provider breaker
// (closed/open/half-open state machine, rolling error window). The
// teacher pre-seeded one breaker per entry in providers.DefaultFallbackOrder;
// here breakers are created lazily on first use, since the dispatch
// core's registry can hold backends (localfile, proxy, per-tenant
// adapters) that have no place in that static list.
package breaker

import (
	"sync"
	"time"
)

type state int

const (
	closed   state = 0
	open     state = 1
	halfOpen state = 2
)

// Config holds circuit breaker tuning parameters. Zero values fall back to
// the package defaults.
type Config struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window for counting errors. Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

const (
	defaultErrorThreshold  = 5
	defaultTimeWindow      = 60 * time.Second
	defaultHalfOpenTimeout = 30 * time.Second
)

func (c Config) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return defaultErrorThreshold
}

func (c Config) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return defaultTimeWindow
}

func (c Config) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return defaultHalfOpenTimeout
}

// backendCB holds per-backend circuit breaker state.
type backendCB struct {
	mu sync.Mutex

	state         state
	errorCount    int
	windowStart   time.Time
	openedAt      time.Time
	probeInflight bool
}

// Breaker manages independent circuit breakers for each registered backend.
// Safe for concurrent use.
type Breaker struct {
	mu       sync.RWMutex
	backends map[string]*backendCB
	cfg      Config
}

// New creates a Breaker with the given thresholds. Per-backend state is
// created lazily the first time a backend id is seen.
func New(cfg Config) *Breaker {
	return &Breaker{backends: make(map[string]*backendCB), cfg: cfg}
}

func (b *Breaker) getOrCreate(backendID string) *backendCB {
	b.mu.RLock()
	bc, ok := b.backends[backendID]
	b.mu.RUnlock()
	if ok {
		return bc
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if bc, ok := b.backends[backendID]; ok {
		return bc
	}
	bc = &backendCB{state: closed, windowStart: time.Now()}
	b.backends[backendID] = bc
	return bc
}

// Allow reports whether backendID should receive the next request.
//
//   - Closed   → always true.
//   - Open     → false, unless HalfOpenTimeout has elapsed, in which case the
//     breaker transitions to half-open and allows one probe.
//   - HalfOpen → true only if no probe is currently in flight.
func (b *Breaker) Allow(backendID string) bool {
	bc := b.getOrCreate(backendID)

	bc.mu.Lock()
	defer bc.mu.Unlock()

	switch bc.state {
	case closed:
		return true

	case open:
		if time.Since(bc.openedAt) >= b.cfg.halfOpenTimeout() {
			bc.state = halfOpen
			bc.probeInflight = true
			return true
		}
		return false

	case halfOpen:
		if bc.probeInflight {
			return false
		}
		bc.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess marks a successful response for backendID and resets the
// breaker to Closed regardless of its previous state.
func (b *Breaker) RecordSuccess(backendID string) {
	bc := b.getOrCreate(backendID)

	bc.mu.Lock()
	defer bc.mu.Unlock()

	bc.state = closed
	bc.errorCount = 0
	bc.probeInflight = false
	bc.windowStart = time.Now()
}

// RecordFailure increments the error counter for backendID. When the
// counter reaches ErrorThreshold within TimeWindow the breaker opens.
func (b *Breaker) RecordFailure(backendID string) {
	bc := b.getOrCreate(backendID)

	bc.mu.Lock()
	defer bc.mu.Unlock()

	now := time.Now()
	if now.Sub(bc.windowStart) > b.cfg.timeWindow() {
		bc.errorCount = 0
		bc.windowStart = now
	}

	bc.errorCount++
	bc.probeInflight = false

	if bc.errorCount >= b.cfg.errorThreshold() {
		bc.state = open
		bc.openedAt = now
	}
}

// StateLabel returns a human-readable state name for backendID: "closed",
// "open", or "half_open" — used for metrics export.
func (b *Breaker) StateLabel(backendID string) string {
	bc := b.getOrCreate(backendID)
	bc.mu.Lock()
	defer bc.mu.Unlock()
	switch bc.state {
	case open:
		return "open"
	case halfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
