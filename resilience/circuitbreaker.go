// Package resilience implements the router's per-provider circuit breaker.
//
// This collapses the 3-state CLOSED/OPEN/HALF_OPEN model a traditional
// circuit breaker uses down to the 2-state model the router actually needs:
// CLOSED and OPEN, with HALF-OPEN implicit. An OPEN circuit whose cooldown
// deadline has passed is treated as closed for guarding purposes; the next
// call's outcome either resets the breaker (success) or reopens it
// (failure). Concurrent callers that arrive after the deadline are all
// admitted — the first to complete determines the subsequent state.
package resilience

import (
	"sync"
	"time"

	routererrors "github.com/havenline/routecore/pkg/errors"
)

// Config controls when a provider's circuit trips and how long it stays
// open.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// DefaultConfig matches the router's documented defaults.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

type providerState struct {
	failureCount int
	openUntil    time.Time
	open         bool
}

// Breaker is a per-provider circuit breaker guarding the fallback loop. A
// single instance serializes state per provider via one mutex keyed by
// provider name; this matches the router's requirement that breaker event
// ordering respect real per-provider call completion order.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	state    map[string]*providerState
	onChange func(provider string, open bool)

	// shared, when non-nil, backs the OPEN condition with a shared key
	// instead of in-process state so multiple router instances observe
	// the same trip. Failure counts always stay local: undercounting
	// failures across instances is acceptable because whichever instance
	// crosses the threshold trips the shared key, which every instance
	// respects.
	shared SharedOpenStore
}

// SharedOpenStore backs the OPEN condition with an external key bearing a
// TTL, so every router instance observes the same circuit state.
type SharedOpenStore interface {
	// SetOpen marks a provider's circuit open for the given duration.
	SetOpen(provider string, cooldown time.Duration) error
	// IsOpen reports whether the shared key is currently set.
	IsOpen(provider string) (bool, error)
	// Clear removes the shared open key, e.g. on success.
	Clear(provider string) error
}

// New creates a Breaker operating purely in-process.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: make(map[string]*providerState)}
}

// NewShared creates a Breaker whose OPEN condition is additionally mirrored
// into a shared store.
func NewShared(cfg Config, shared SharedOpenStore) *Breaker {
	b := New(cfg)
	b.shared = shared
	return b
}

// OnStateChange registers a callback invoked whenever a provider's circuit
// trips open or resets closed.
func (b *Breaker) OnStateChange(fn func(provider string, open bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

func (b *Breaker) stateFor(provider string) *providerState {
	s, ok := b.state[provider]
	if !ok {
		s = &providerState{}
		b.state[provider] = s
	}
	return s
}

// Guard fails fast with a KindCircuitOpen error if the provider's circuit
// is OPEN and its cooldown has not elapsed. A nil return means the caller
// may proceed (CLOSED, or OPEN with an elapsed deadline).
func (b *Breaker) Guard(provider string) error {
	if b.shared != nil {
		// In shared mode the key is authoritative: its TTL is the
		// cooldown timer, and a clear from any instance closes the
		// circuit everywhere. Local state is only a fallback when the
		// store cannot be reached.
		open, err := b.shared.IsOpen(provider)
		if err == nil {
			if open {
				return routererrors.New(routererrors.KindCircuitOpen, provider, "circuit open")
			}
			return nil
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stateFor(provider)
	if !s.open {
		return nil
	}
	if time.Now().Before(s.openUntil) {
		return routererrors.New(routererrors.KindCircuitOpen, provider, "circuit open")
	}
	// Deadline passed: treated as closed for guarding. The breaker state
	// itself only flips on the next recorded outcome.
	return nil
}

// RecordSuccess resets the failure count to zero and closes the circuit.
func (b *Breaker) RecordSuccess(provider string) {
	b.mu.Lock()
	s := b.stateFor(provider)
	wasOpen := s.open
	s.failureCount = 0
	s.open = false
	cb := b.onChange
	b.mu.Unlock()

	if b.shared != nil {
		_ = b.shared.Clear(provider)
	}
	if wasOpen && cb != nil {
		go cb(provider, false)
	}
}

// RecordFailure increments the failure count and trips the circuit once
// the threshold is reached.
func (b *Breaker) RecordFailure(provider string) {
	b.mu.Lock()
	s := b.stateFor(provider)
	s.failureCount++
	tripped := false
	if s.failureCount >= b.cfg.FailureThreshold {
		s.open = true
		s.openUntil = time.Now().Add(b.cfg.Cooldown)
		s.failureCount = 0
		tripped = true
	}
	cb := b.onChange
	b.mu.Unlock()

	if tripped {
		if b.shared != nil {
			_ = b.shared.SetOpen(provider, b.cfg.Cooldown)
		}
		if cb != nil {
			go cb(provider, true)
		}
	}
}

// IsOpen reports whether the provider's circuit is currently tripped and
// its cooldown has not yet elapsed, for status reporting.
func (b *Breaker) IsOpen(provider string) bool {
	if b.shared != nil {
		if open, err := b.shared.IsOpen(provider); err == nil {
			return open
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stateFor(provider)
	return s.open && time.Now().Before(s.openUntil)
}
