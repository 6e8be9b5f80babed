// Package gpu routes generation work across GPU providers with failover,
// per-provider circuit breaking and client-side throttling.
package gpu

import (
	"sort"
	"sync"
	"time"

	"github.com/adi99/vidai/internal/adapter/observability"
)

// CircuitState is the lifecycle state of one provider's breaker. The numeric
// values feed the gpu_circuit_state gauge directly.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitHalfOpen
	CircuitOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerStats is a point-in-time view of one breaker for the ops surface.
type BreakerStats struct {
	Provider      string    `json:"provider"`
	State         string    `json:"state"`
	Failures      int       `json:"failures"`
	CooldownUntil time.Time `json:"cooldown_until"`
}

// Breaker tracks consecutive failures for one provider. Closed admits all
// calls; open rejects until the cooldown elapses; the first call after the
// cooldown runs half_open as a probe. Breakers are process-local.
type Breaker struct {
	provider  string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu            sync.Mutex
	state         CircuitState
	failures      int
	cooldownUntil time.Time
}

// Allow reports whether a call may proceed. An open breaker past its
// cooldown flips to half_open and admits the probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != CircuitOpen {
		return true
	}
	if b.now().Before(b.cooldownUntil) {
		return false
	}
	b.setState(CircuitHalfOpen)
	return true
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.setState(CircuitClosed)
}

// RecordFailure counts one failure. A failed half_open probe reopens with a
// fresh cooldown; a closed breaker opens once failures reach the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == CircuitHalfOpen || b.failures >= b.threshold {
		b.cooldownUntil = b.now().Add(b.cooldown)
		b.setState(CircuitOpen)
	}
}

// State returns the current state without mutating it.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats snapshots the breaker for the ops overview.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		Provider:      b.provider,
		State:         b.state.String(),
		Failures:      b.failures,
		CooldownUntil: b.cooldownUntil,
	}
}

// setState mutates state and publishes the gauge. Callers hold b.mu.
func (b *Breaker) setState(s CircuitState) {
	b.state = s
	observability.SetCircuitState(b.provider, float64(s))
}

// BreakerSet lazily creates one breaker per provider with shared settings.
type BreakerSet struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerSet builds a set on the wall clock.
func NewBreakerSet(threshold int, cooldown time.Duration) *BreakerSet {
	return NewBreakerSetWithClock(threshold, cooldown, time.Now)
}

// NewBreakerSetWithClock fixes the clock so tests can cross the cooldown
// boundary without sleeping.
func NewBreakerSetWithClock(threshold int, cooldown time.Duration, clock func() time.Time) *BreakerSet {
	if threshold <= 0 {
		threshold = 1
	}
	return &BreakerSet{
		threshold: threshold,
		cooldown:  cooldown,
		now:       clock,
		breakers:  make(map[string]*Breaker),
	}
}

// For returns the breaker for a provider, creating it closed on first use.
func (s *BreakerSet) For(provider string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[provider]; ok {
		return b
	}
	b := &Breaker{provider: provider, threshold: s.threshold, cooldown: s.cooldown, now: s.now}
	s.breakers[provider] = b
	observability.SetCircuitState(provider, float64(CircuitClosed))
	return b
}

// Snapshot lists stats for every breaker created so far, ordered by provider.
func (s *BreakerSet) Snapshot() []BreakerStats {
	s.mu.Lock()
	names := make([]string, 0, len(s.breakers))
	for name := range s.breakers {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)
	out := make([]BreakerStats, 0, len(names))
	for _, name := range names {
		out = append(out, s.For(name).Stats())
	}
	return out
}
