// Package breaker implements the per-downstream circuit breaker registry
// (C6): one breaker per DownstreamServer with a closed/open/half-open state
// machine. State transitions are guarded by a dedicated mutex per breaker so
// stats updates stay monotonic and observable, mirroring the teacher's
// "stats-update" named-mutex discipline reframed as an owned, per-key lock.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/toolbroker/orchestrator/internal/telemetry"
	"github.com/toolbroker/orchestrator/internal/toolerrors"
)

// State is one of the three circuit breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config configures a single breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures in Closed that
	// trips the breaker to Open.
	FailureThreshold int
	// Cooldown is how long the breaker stays Open before allowing a probe.
	Cooldown time.Duration
}

// DefaultConfig returns the spec's default breaker configuration.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

type breakerState struct {
	mu sync.Mutex // stats-update: guards every field below

	state            State
	consecutiveFails int
	openedAt         time.Time
	probing          bool
}

// Registry holds one breaker per downstream server name, created lazily on
// first use.
type Registry struct {
	mu       sync.Mutex // guards the breakers map only
	cfg      func(server string) Config
	breakers map[string]*breakerState

	now     func() time.Time
	metrics telemetry.Metrics
}

// Option configures optional Registry behavior.
type Option func(*Registry)

// WithMetrics attaches m as the destination for the per-downstream circuit
// state gauge (0=closed, 1=half-open, 2=open), recorded on every state
// check and transition.
func WithMetrics(m telemetry.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry constructs a Registry. cfgFor resolves the Config for a given
// server name; pass a function returning DefaultConfig() for every name to
// use uniform settings.
func NewRegistry(cfgFor func(server string) Config, opts ...Option) *Registry {
	if cfgFor == nil {
		cfgFor = func(string) Config { return DefaultConfig() }
	}
	r := &Registry{cfg: cfgFor, breakers: make(map[string]*breakerState), now: time.Now, metrics: telemetry.NewNoopMetrics()}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

func stateValue(s State) float64 {
	switch s {
	case StateClosed:
		return 0
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return -1
	}
}

func (r *Registry) breakerFor(server string) *breakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[server]
	if !ok {
		b = &breakerState{state: StateClosed}
		r.breakers[server] = b
	}
	return b
}

// Execute runs thunk if the breaker for server allows it; otherwise it fails
// fast with a KindCircuitOpen error without invoking thunk.
func (r *Registry) Execute(ctx context.Context, server string, thunk func(ctx context.Context) error) error {
	cfg := r.cfg(server)
	b := r.breakerFor(server)

	allowed, isProbe := b.admit(r.now(), cfg)
	if !allowed {
		return toolerrors.New(toolerrors.KindCircuitOpen, "circuit open for "+server)
	}

	err := thunk(ctx)

	if isProbe {
		b.finishProbe(err == nil, r.now())
		r.metrics.RecordGauge("breaker.state", stateValue(b.currentState()), "server", server)
		return err
	}
	if err != nil {
		b.recordFailure(r.now(), cfg)
	} else {
		b.recordSuccess()
	}
	r.metrics.RecordGauge("breaker.state", stateValue(b.currentState()), "server", server)
	return err
}

// State reports the current state of the breaker for server, transitioning
// Open to HalfOpen first if the cooldown has elapsed (a read-time
// transition, consistent with the design's "open -> half-open is
// time-based").
func (r *Registry) State(server string) State {
	b := r.breakerFor(server)
	cfg := r.cfg(server)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeExpireCooldownLocked(r.now(), cfg)
	state := b.state
	r.metrics.RecordGauge("breaker.state", stateValue(state), "server", server)
	return state
}

func (b *breakerState) currentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// admit decides whether a call may proceed, returning whether it is a
// half-open probe.
func (b *breakerState) admit(now time.Time, cfg Config) (allowed bool, isProbe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeExpireCooldownLocked(now, cfg)

	switch b.state {
	case StateClosed:
		return true, false
	case StateOpen:
		return false, false
	case StateHalfOpen:
		if b.probing {
			return false, false
		}
		b.probing = true
		return true, true
	default:
		return false, false
	}
}

func (b *breakerState) maybeExpireCooldownLocked(now time.Time, cfg Config) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= cfg.Cooldown {
		b.state = StateHalfOpen
		b.probing = false
	}
}

func (b *breakerState) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails = 0
}

func (b *breakerState) recordFailure(now time.Time, cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails++
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 1
	}
	if b.consecutiveFails >= threshold {
		b.state = StateOpen
		b.openedAt = now
	}
}

func (b *breakerState) finishProbe(success bool, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if success {
		b.state = StateClosed
		b.consecutiveFails = 0
		return
	}
	b.state = StateOpen
	b.openedAt = now
}
