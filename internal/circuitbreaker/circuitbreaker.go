// Package circuitbreaker implements a per-service consecutive-failure circuit
// breaker. It short-circuits dispatch to a known-bad upstream service,
// reducing failover latency from seconds (timeout + retries) to nanoseconds
// (an atomic load).
package circuitbreaker

import (
	"sync/atomic"
	"time"
)

// State represents the circuit breaker state, encoded as a single int32 so
// transitions are a lock-free compare-and-swap.
type State int32

const (
	// StateClosed allows all requests through; consecutive failures are counted.
	StateClosed State = iota
	// StateOpen rejects all requests until the reset timeout elapses.
	StateOpen
	// StateHalfOpen allows probe requests while deciding whether to close.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
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

// Config holds circuit breaker parameters.
type Config struct {
	FailureThreshold int           // consecutive failures in Closed to trip Open
	SuccessThreshold int           // consecutive successes in HalfOpen to close
	ResetTimeout     time.Duration // time in Open, since the last failure, before probing resumes
}

// DefaultConfig returns the gateway's standard breaker parameters.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		ResetTimeout:     30 * time.Second,
	}
}

// Breaker is a per-service circuit breaker state machine. Every method is
// safe for concurrent use; state and counters are independent atomics, never
// held under a lock together, since transitions only ever move forward along
// Closed -> Open -> HalfOpen -> {Closed, Open}.
type Breaker struct {
	state       atomic.Int32
	failures    atomic.Int32
	successes   atomic.Int32
	lastFailure atomic.Int64 // UnixNano of the last recorded failure
	lastUsed    atomic.Int64 // UnixNano of the last Allow call, for stale eviction
	cfg         Config
}

// NewBreaker creates a breaker with the given config, starting Closed.
func NewBreaker(cfg Config) *Breaker {
	b := &Breaker{cfg: cfg}
	b.lastUsed.Store(time.Now().UnixNano())
	return b
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// Allow reports whether a request should be dispatched. Closed always
// allows; Open allows only once the reset timeout has elapsed since the
// last failure, at which point it flips to HalfOpen and admits the probe;
// HalfOpen admits every request as a probe.
func (b *Breaker) Allow() bool {
	b.lastUsed.Store(time.Now().UnixNano())

	switch State(b.state.Load()) {
	case StateClosed:
		return true
	case StateOpen:
		last := time.Unix(0, b.lastFailure.Load())
		if time.Since(last) < b.cfg.ResetTimeout {
			return false
		}
		if b.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
			b.successes.Store(0)
		}
		return true
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful dispatch. In Closed it resets the
// failure counter; in HalfOpen it counts toward success_threshold and closes
// the breaker once reached.
func (b *Breaker) RecordSuccess() {
	switch State(b.state.Load()) {
	case StateClosed:
		b.failures.Store(0)
	case StateHalfOpen:
		if b.successes.Add(1) >= int32(b.cfg.SuccessThreshold) {
			if b.state.CompareAndSwap(int32(StateHalfOpen), int32(StateClosed)) {
				b.failures.Store(0)
				b.successes.Store(0)
			}
		}
	}
}

// RecordError records a failed dispatch. In Closed it counts toward
// failure_threshold and opens the breaker once reached; in HalfOpen any
// failure immediately reopens it and resets the reset-timeout clock.
func (b *Breaker) RecordError() {
	b.lastFailure.Store(time.Now().UnixNano())

	switch State(b.state.Load()) {
	case StateClosed:
		if b.failures.Add(1) >= int32(b.cfg.FailureThreshold) {
			if b.state.CompareAndSwap(int32(StateClosed), int32(StateOpen)) {
				b.successes.Store(0)
			}
		}
	case StateHalfOpen:
		if b.state.CompareAndSwap(int32(StateHalfOpen), int32(StateOpen)) {
			b.failures.Store(0)
			b.successes.Store(0)
		}
	}
}

// LastUsed returns the time of last Allow activity, for stale eviction.
func (b *Breaker) LastUsed() time.Time {
	return time.Unix(0, b.lastUsed.Load())
}

// ResetTimeout returns the configured time a rejecting caller should wait
// before retrying, for surfacing as a Retry-After value.
func (b *Breaker) ResetTimeout() time.Duration {
	return b.cfg.ResetTimeout
}
