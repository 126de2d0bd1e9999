package provider

import (
	"sync"
	"time"
)

// CircuitConfig tunes the per-provider circuit breaker used during
// failover: a threshold-then-cooldown shape keyed off (tier,
// provider_id) so each tier fails over independently.
type CircuitConfig struct {
	// Threshold is the number of consecutive failures that opens the
	// circuit for a provider.
	Threshold int

	// Cooldown is how long a circuit stays open before the provider is
	// tried again.
	Cooldown time.Duration
}

// DefaultCircuitConfig mirrors agent.DefaultFailoverConfig's breaker
// settings.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{Threshold: 3, Cooldown: 30 * time.Second}
}

type circuitState struct {
	failures    int
	open        bool
	openedAt    time.Time
	lastFailure time.Time
}

// circuitBreaker tracks per-provider health across every tier it
// participates in. A provider that is failing one tier's calls is
// treated as unhealthy for all tiers sharing it.
type circuitBreaker struct {
	mu     sync.Mutex
	cfg    CircuitConfig
	states map[string]*circuitState
}

func newCircuitBreaker(cfg CircuitConfig) *circuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultCircuitConfig().Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCircuitConfig().Cooldown
	}
	return &circuitBreaker{cfg: cfg, states: make(map[string]*circuitState)}
}

func (b *circuitBreaker) available(providerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.states[providerID]
	if !ok || !state.open {
		return true
	}
	if time.Since(state.openedAt) > b.cfg.Cooldown {
		// Half-open: let one request through to probe recovery.
		return true
	}
	return false
}

func (b *circuitBreaker) recordSuccess(providerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.states[providerID]
	if !ok {
		return
	}
	state.failures = 0
	state.open = false
}

func (b *circuitBreaker) recordFailure(providerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.states[providerID]
	if !ok {
		state = &circuitState{}
		b.states[providerID] = state
	}
	state.failures++
	state.lastFailure = time.Now()
	if state.failures >= b.cfg.Threshold && !state.open {
		state.open = true
		state.openedAt = time.Now()
	}
}

// snapshot returns a copy of each tracked provider's breaker state, for
// the /status CLI command and the HTTP health surface.
func (b *circuitBreaker) snapshot() map[string]circuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]circuitState, len(b.states))
	for id, s := range b.states {
		out[id] = *s
	}
	return out
}
