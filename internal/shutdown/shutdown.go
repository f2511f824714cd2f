// Package shutdown implements graceful shutdown (C13): an ordered,
// deadline-bounded teardown of the active Executions (C10/C11), the
// downstream pool (C8), the audit log (C2), and the schema cache (C5),
// bounded by a hard ceiling after which the process exits regardless of
// in-flight I/O.
//
// The signal-handling shape (a channel shared between the signal handler
// and the main goroutine, a context cancelled once, a WaitGroup drained
// with a bound) mirrors the teacher's own process entrypoint.
package shutdown

import (
	"context"
	"sync"
	"time"

	"goa.design/clue/log"
)

// ActiveExecution is the subset of one running Execution that shutdown
// needs to tear down: deny further tool calls at its bridge and then force
// the sandbox to stop.
type ActiveExecution interface {
	CloseBridge() error
	Cancel()
}

// DownstreamDrainer is the subset of internal/downstream.Pool shutdown
// depends on.
type DownstreamDrainer interface {
	Close() error
}

// AuditFlusher is the subset of internal/audit.Logger shutdown depends on.
type AuditFlusher interface {
	Close() error
}

// SchemaPersister is the subset of internal/schema.Cache shutdown depends
// on.
type SchemaPersister interface {
	PersistToDisk() error
}

// Config bounds each stage of the shutdown sequence plus the overall
// ceiling.
type Config struct {
	SandboxGrace    time.Duration // grace period before forcibly killing sandboxes
	DownstreamDrain time.Duration // deadline for in-flight downstream calls to finish
	HardCeiling     time.Duration // absolute ceiling for the whole sequence
}

// DefaultConfig matches the documented 10s hard ceiling, split across
// stages.
func DefaultConfig() Config {
	return Config{
		SandboxGrace:    2 * time.Second,
		DownstreamDrain: 5 * time.Second,
		HardCeiling:     10 * time.Second,
	}
}

// Coordinator runs the ordered shutdown sequence.
type Coordinator struct {
	cfg Config

	mu         sync.Mutex
	stopAccept func()
	executions map[string]ActiveExecution

	pool    DownstreamDrainer
	auditor AuditFlusher
	schemas SchemaPersister
}

// New constructs a Coordinator. stopAccept is called first to stop C12 from
// admitting new execute-requests.
func New(cfg Config, stopAccept func(), pool DownstreamDrainer, auditor AuditFlusher, schemas SchemaPersister) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		stopAccept: stopAccept,
		executions: make(map[string]ActiveExecution),
		pool:       pool,
		auditor:    auditor,
		schemas:    schemas,
	}
}

// Track registers a running Execution so shutdown can tear it down. The
// returned func must be called when the Execution finishes on its own.
func (c *Coordinator) Track(executionID string, exec ActiveExecution) func() {
	c.mu.Lock()
	c.executions[executionID] = exec
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.executions, executionID)
		c.mu.Unlock()
	}
}

// Run executes the ordered shutdown sequence, bounded overall by
// cfg.HardCeiling. It never blocks past that ceiling even if a stage is
// still in flight.
func (c *Coordinator) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.run(ctx)
	}()

	select {
	case <-done:
	case <-time.After(c.cfg.HardCeiling):
		log.Printf(ctx, "shutdown hard ceiling reached, exiting with work abandoned")
	}
}

func (c *Coordinator) run(ctx context.Context) {
	if c.stopAccept != nil {
		c.stopAccept()
	}

	c.closeActiveBridgesAndGraceKill(ctx)
	c.drainDownstream(ctx)

	if c.schemas != nil {
		if err := c.schemas.PersistToDisk(); err != nil {
			log.Printf(ctx, "failed to persist schema cache during shutdown: %v", err)
		}
	}
	if c.auditor != nil {
		if err := c.auditor.Close(); err != nil {
			log.Printf(ctx, "failed to flush audit log during shutdown: %v", err)
		}
	}
}

func (c *Coordinator) closeActiveBridgesAndGraceKill(ctx context.Context) {
	c.mu.Lock()
	execs := make([]ActiveExecution, 0, len(c.executions))
	for _, e := range c.executions {
		execs = append(execs, e)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range execs {
		wg.Add(1)
		go func(e ActiveExecution) {
			defer wg.Done()
			if err := e.CloseBridge(); err != nil {
				log.Printf(ctx, "failed to close bridge during shutdown: %v", err)
			}
		}(e)
	}
	waitWithDeadline(&wg, c.cfg.SandboxGrace)

	for _, e := range execs {
		e.Cancel()
	}
}

func (c *Coordinator) drainDownstream(ctx context.Context) {
	if c.pool == nil {
		return
	}
	done := make(chan error, 1)
	go func() { done <- c.pool.Close() }()
	select {
	case err := <-done:
		if err != nil {
			log.Printf(ctx, "downstream pool close returned an error: %v", err)
		}
	case <-time.After(c.cfg.DownstreamDrain):
		log.Printf(ctx, "downstream pool drain deadline exceeded, forcing close")
	}
}

func waitWithDeadline(wg *sync.WaitGroup, deadline time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
	}
}
