// Package ratelimit implements the per-client token bucket rate limiter (C3).
// Each client gets its own bucket guarded by a per-key lock (never a single
// global mutex, so two different clients never contend) with continuous
// refill and a background sweep that evicts idle buckets.
package ratelimit

import (
	"sync"
	"time"

	"github.com/toolbroker/orchestrator/internal/telemetry"
)

// Result is returned by Check and Peek.
type Result struct {
	Allowed   bool
	Remaining float64
	// ResetIn is the duration until at least one more token is available.
	ResetIn time.Duration
	// FillLevel is the current token count as a fraction of burst, in [0,1].
	FillLevel float64
}

type bucket struct {
	mu         sync.Mutex // per-bucket key-scoped lock
	tokens     float64
	lastRefill time.Time
	lastSeen   time.Time
}

// Limiter is the per-client rate limiter. maxRequests tokens refill every
// windowMs, up to a cap of burst (defaults to maxRequests when zero).
type Limiter struct {
	maxRequests float64
	windowMS    float64
	burst       float64
	idleAfter   time.Duration

	mu      sync.Mutex // guards the buckets map only; bucket math is per-bucket
	buckets map[string]*bucket

	now func() time.Time

	metrics telemetry.Metrics

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// Option configures optional Limiter behavior.
type Option func(*Limiter)

// WithMetrics attaches m as the destination for the per-client token bucket
// fill-level gauge, recorded on every Check and Peek.
func WithMetrics(m telemetry.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// Config configures a Limiter.
type Config struct {
	MaxRequests int
	WindowMS    int64
	// Burst defaults to MaxRequests when zero or negative.
	Burst int
	// IdleAfter defaults to 2x the window when zero.
	IdleAfter time.Duration
}

// New constructs a Limiter. It does not start the background sweep; call
// StartSweep separately so tests can control the clock without goroutines.
func New(cfg Config, opts ...Option) *Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.MaxRequests
	}
	idle := cfg.IdleAfter
	if idle <= 0 {
		idle = time.Duration(cfg.WindowMS) * time.Millisecond * 2
	}
	l := &Limiter{
		maxRequests: float64(cfg.MaxRequests),
		windowMS:    float64(cfg.WindowMS),
		burst:       float64(burst),
		idleAfter:   idle,
		buckets:     make(map[string]*bucket),
		now:         time.Now,
		metrics:     telemetry.NewNoopMetrics(),
	}
	for _, o := range opts {
		if o != nil {
			o(l)
		}
	}
	return l
}

// Check consumes one token for clientID if available.
func (l *Limiter) Check(clientID string) Result {
	return l.evaluate(clientID, true)
}

// Peek reports the bucket state for clientID without mutating it.
func (l *Limiter) Peek(clientID string) Result {
	return l.evaluate(clientID, false)
}

func (l *Limiter) evaluate(clientID string, consume bool) Result {
	b := l.bucketFor(clientID)
	now := l.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lastRefill.IsZero() {
		b.tokens = l.burst
		b.lastRefill = now
	}
	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 && l.windowMS > 0 {
		refill := float64(elapsed.Milliseconds()) * (l.maxRequests / l.windowMS)
		b.tokens += refill
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
		b.lastRefill = now
	}
	b.lastSeen = now

	allowed := b.tokens >= 1
	if allowed && consume {
		b.tokens--
	}

	resetIn := time.Duration(0)
	if b.tokens < 1 && l.maxRequests > 0 && l.windowMS > 0 {
		deficitMS := (1 - b.tokens) / (l.maxRequests / l.windowMS)
		resetIn = time.Duration(deficitMS) * time.Millisecond
		if resetIn < 0 {
			resetIn = 0
		}
	}
	fill := 0.0
	if l.burst > 0 {
		fill = b.tokens / l.burst
	}
	l.metrics.RecordGauge("ratelimit.fill_level", fill, "client", clientID)
	return Result{
		Allowed:   allowed,
		Remaining: b.tokens,
		ResetIn:   resetIn,
		FillLevel: fill,
	}
}

func (l *Limiter) bucketFor(clientID string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[clientID]
	if !ok {
		b = &bucket{}
		l.buckets[clientID] = b
	}
	return b
}

// StartSweep launches a background goroutine that evicts buckets idle for
// longer than idleAfter, checking every interval. Call Stop to terminate it.
func (l *Limiter) StartSweep(interval time.Duration) {
	l.sweepOnce.Do(func() {
		l.stopSweep = make(chan struct{})
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					l.evictIdle()
				case <-l.stopSweep:
					return
				}
			}
		}()
	})
}

// Stop terminates the background sweep goroutine, if running.
func (l *Limiter) Stop() {
	if l.stopSweep != nil {
		select {
		case <-l.stopSweep:
		default:
			close(l.stopSweep)
		}
	}
}

func (l *Limiter) evictIdle() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, b := range l.buckets {
		b.mu.Lock()
		idle := !b.lastSeen.IsZero() && now.Sub(b.lastSeen) > l.idleAfter
		b.mu.Unlock()
		if idle {
			delete(l.buckets, id)
		}
	}
}

// Len reports the number of tracked buckets. Exposed for tests and metrics.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
