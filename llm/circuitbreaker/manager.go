package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/agentflow/types"
)

// ManagerConfig tunes the per-provider breakers a Manager owns. Field
// names and defaults mirror the orchestration spec exactly, distinct from
// the single-call Config above (Threshold/Timeout/ResetTimeout), which
// this type does not reuse: the manager's breakers key state by provider
// id rather than by call site, and only retryable failures count.
type ManagerConfig struct {
	FailureThreshold    int
	HalfOpenAfter       time.Duration
	HalfOpenConcurrency int
	ResetOnSuccess      bool
}

// DefaultManagerConfig returns the spec-pinned defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		FailureThreshold:    5,
		HalfOpenAfter:       30 * time.Second,
		HalfOpenConcurrency: 1,
		ResetOnSuccess:      true,
	}
}

// ErrOpen is a plain sentinel for an OPEN circuit. Allow does not return
// it; Allow reports an open circuit as a *types.Error with code
// CIRCUIT_OPEN.
var ErrOpen = errors.New("circuit open")

// providerBreaker is the per-provider state machine: CLOSED, OPEN,
// HALF_OPEN. All transitions happen under mu, a single critical section
// per transition per spec §5.
type providerBreaker struct {
	mu                    sync.Mutex
	state                 types.CircuitState
	consecutiveFailures   int
	lastFailureAt         time.Time
	openedAt              time.Time
	halfOpenInFlight      int
}

// Manager owns one providerBreaker per provider id. Circuit-breaker state
// is process-wide per provider id per spec §3 Ownership & lifecycle.
type Manager struct {
	cfg ManagerConfig

	mu       sync.RWMutex
	breakers map[string]*providerBreaker
}

// NewManager creates a Manager with cfg. Non-positive numeric fields in
// cfg fall back to DefaultManagerConfig's values; ResetOnSuccess is used
// as given.
func NewManager(cfg ManagerConfig) *Manager {
	d := DefaultManagerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.HalfOpenAfter <= 0 {
		cfg.HalfOpenAfter = d.HalfOpenAfter
	}
	if cfg.HalfOpenConcurrency <= 0 {
		cfg.HalfOpenConcurrency = d.HalfOpenConcurrency
	}
	return &Manager{cfg: cfg, breakers: make(map[string]*providerBreaker)}
}

func (m *Manager) breakerFor(providerID string) *providerBreaker {
	m.mu.RLock()
	b, ok := m.breakers[providerID]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[providerID]; ok {
		return b
	}
	b = &providerBreaker{state: types.CircuitClosed}
	m.breakers[providerID] = b
	return b
}

// Allow reports whether a call to providerID may proceed. When it
// returns false, err is a *types.Error with code CIRCUIT_OPEN, retryable
// true, and, while the OPEN period has time left, the suggested delay in
// its message (SuggestedDelay returns the same value as a Duration).
func (m *Manager) Allow(providerID string) (bool, error) {
	b := m.breakerFor(providerID)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case types.CircuitClosed:
		return true, nil

	case types.CircuitOpen:
		elapsed := time.Since(b.openedAt)
		if elapsed < m.cfg.HalfOpenAfter {
			remaining := m.cfg.HalfOpenAfter - elapsed
			return false, circuitOpenError(providerID, remaining)
		}
		b.state = types.CircuitHalfOpen
		b.halfOpenInFlight = 0
		fallthrough

	case types.CircuitHalfOpen:
		if b.halfOpenInFlight >= m.cfg.HalfOpenConcurrency {
			return false, circuitOpenError(providerID, 0)
		}
		b.halfOpenInFlight++
		return true, nil
	}
	return true, nil
}

func circuitOpenError(providerID string, suggestedDelay time.Duration) error {
	msg := "circuit open for provider " + providerID
	if suggestedDelay > 0 {
		msg += " (suggested delay " + suggestedDelay.String() + ")"
	}
	return types.NewError(types.ErrCircuitOpen, msg).
		WithRetryable(true).
		WithProvider(providerID)
}

// SuggestedDelay returns how long a caller should wait before retrying a
// provider whose circuit is OPEN. Zero if the circuit is not OPEN.
func (m *Manager) SuggestedDelay(providerID string) time.Duration {
	b := m.breakerFor(providerID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != types.CircuitOpen {
		return 0
	}
	remaining := m.cfg.HalfOpenAfter - time.Since(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordSuccess reports a successful call. CLOSED resets the failure
// counter; HALF_OPEN closes the circuit.
func (m *Manager) RecordSuccess(providerID string) {
	b := m.breakerFor(providerID)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case types.CircuitClosed:
		b.consecutiveFailures = 0
	case types.CircuitHalfOpen:
		if m.cfg.ResetOnSuccess {
			b.state = types.CircuitClosed
			b.consecutiveFailures = 0
		}
		b.halfOpenInFlight = 0
	}
}

// RecordFailure reports a failed call. retryable must reflect whether the
// failure is a RETRYABLE kind per spec §4.5: deterministic client errors
// (validation, auth, quota) must not be counted.
func (m *Manager) RecordFailure(providerID string, retryable bool) {
	if !retryable {
		return
	}
	b := m.breakerFor(providerID)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailureAt = time.Now()

	switch b.state {
	case types.CircuitClosed:
		if b.consecutiveFailures >= m.cfg.FailureThreshold {
			b.state = types.CircuitOpen
			b.openedAt = time.Now()
		}
	case types.CircuitHalfOpen:
		b.state = types.CircuitOpen
		b.openedAt = time.Now()
		b.halfOpenInFlight = 0
	}
}

// Snapshot returns a read-only view of providerID's breaker state.
func (m *Manager) Snapshot(providerID string) types.CircuitSnapshot {
	b := m.breakerFor(providerID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return types.CircuitSnapshot{
		ProviderID:            providerID,
		State:                 b.state,
		ConsecutiveFailures:   b.consecutiveFailures,
		LastFailureAt:         b.lastFailureAt,
		OpenedAt:              b.openedAt,
		HalfOpenProbeInFlight: b.halfOpenInFlight > 0,
	}
}

// Reset forces providerID's breaker back to CLOSED, used by the
// administrative resetCircuit operation.
func (m *Manager) Reset(providerID string) {
	b := m.breakerFor(providerID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = types.CircuitClosed
	b.consecutiveFailures = 0
	b.halfOpenInFlight = 0
}

// IsOpen is a convenience check used by the router to exclude OPEN
// providers from the primary candidate (they are retained only as a
// last-resort tail per spec §4.4 step 1).
func (m *Manager) IsOpen(providerID string) bool {
	return m.Snapshot(providerID).State == types.CircuitOpen
}
