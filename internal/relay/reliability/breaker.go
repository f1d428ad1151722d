package reliability

import (
	"sync"
	"time"
)

// Circuit breaker states.
const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

// BreakerConfig governs the per-endpoint circuit breaker.
type BreakerConfig struct {
	Enabled            bool  `mapstructure:"enabled" yaml:"enabled"`
	FailureThreshold   int   `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	CooldownMs         int64 `mapstructure:"cooldown_ms" yaml:"cooldown_ms"`
	HalfOpenProbeCount int   `mapstructure:"half_open_probe_count" yaml:"half_open_probe_count"`
	SuccessToClose     int   `mapstructure:"success_to_close" yaml:"success_to_close"`
}

// DefaultBreaker returns the breaker defaults.
func DefaultBreaker() BreakerConfig {
	return BreakerConfig{
		Enabled:            true,
		FailureThreshold:   5,
		CooldownMs:         30000,
		HalfOpenProbeCount: 1,
		SuccessToClose:     2,
	}
}

type breakerState struct {
	state               string
	consecutiveFailures int
	openedAt            time.Time
	halfOpenSuccesses   int
}

// CircuitBreaker tracks delivery health per endpoint hash. Endpoints
// with no recorded state are implicitly CLOSED.
type CircuitBreaker struct {
	mu    sync.Mutex
	cfg   BreakerConfig
	clock func() time.Time
	state map[string]*breakerState
}

// NewCircuitBreaker creates a breaker. A nil clock defaults to time.Now.
func NewCircuitBreaker(cfg BreakerConfig, clock func() time.Time) *CircuitBreaker {
	if clock == nil {
		clock = time.Now
	}
	return &CircuitBreaker{
		cfg:   cfg,
		clock: clock,
		state: make(map[string]*breakerState),
	}
}

// Check reports whether a delivery to the endpoint may proceed. An OPEN
// breaker whose cooldown has elapsed transitions to HALF_OPEN and
// allows the probe through.
func (b *CircuitBreaker) Check(endpointHash string) bool {
	if !b.cfg.Enabled {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.state[endpointHash]
	if !ok {
		return true
	}
	switch s.state {
	case StateOpen:
		if b.clock().Sub(s.openedAt) >= time.Duration(b.cfg.CooldownMs)*time.Millisecond {
			s.state = StateHalfOpen
			s.halfOpenSuccesses = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess feeds a successful delivery back into the state
// machine. In HALF_OPEN, enough successes close the breaker.
func (b *CircuitBreaker) RecordSuccess(endpointHash string) {
	if !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.state[endpointHash]
	if !ok {
		return
	}
	switch s.state {
	case StateHalfOpen:
		s.halfOpenSuccesses++
		if s.halfOpenSuccesses >= b.cfg.SuccessToClose {
			delete(b.state, endpointHash)
		}
	default:
		s.consecutiveFailures = 0
	}
}

// RecordFailure feeds a failed delivery back into the state machine.
// Enough consecutive failures open the breaker; any failure in
// HALF_OPEN reopens it.
func (b *CircuitBreaker) RecordFailure(endpointHash string) {
	if !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.state[endpointHash]
	if !ok {
		s = &breakerState{state: StateClosed}
		b.state[endpointHash] = s
	}
	switch s.state {
	case StateHalfOpen:
		s.state = StateOpen
		s.openedAt = b.clock()
		s.halfOpenSuccesses = 0
	default:
		s.consecutiveFailures++
		if s.consecutiveFailures >= b.cfg.FailureThreshold {
			s.state = StateOpen
			s.openedAt = b.clock()
		}
	}
}

// Reset drops the endpoint's state, returning it to CLOSED lazily.
func (b *CircuitBreaker) Reset(endpointHash string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.state, endpointHash)
}

// State reports the endpoint's current breaker state.
func (b *CircuitBreaker) State(endpointHash string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.state[endpointHash]; ok {
		return s.state
	}
	return StateClosed
}
