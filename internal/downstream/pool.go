package downstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/toolbroker/orchestrator/internal/breaker"
	"github.com/toolbroker/orchestrator/internal/queue"
	"github.com/toolbroker/orchestrator/internal/schema"
	"github.com/toolbroker/orchestrator/internal/toolerrors"
)

// Health reports the reachability of a downstream server as tracked by the
// pool, independent of the circuit breaker's own state vocabulary.
type Health string

const (
	HealthUnknown   Health = "unknown"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

type dialFunc func(ctx context.Context, cfg ServerConfig) (Transport, error)

func defaultDial(ctx context.Context, cfg ServerConfig) (Transport, error) {
	switch cfg.Kind {
	case KindStdio:
		return dialStdio(ctx, cfg)
	case KindHTTP:
		return dialHTTP(cfg)
	default:
		return nil, fmt.Errorf("downstream: unknown transport kind %q", cfg.Kind)
	}
}

type serverHandle struct {
	cfg ServerConfig

	admission *queue.Queue
	active    atomic.Int64

	mu        sync.Mutex
	transport Transport
	health    Health
}

// Pool maintains one live client per configured DownstreamServer (C8). It
// applies the connection queue (C7) and circuit breaker (C6) around every
// call and exposes FetchToolSchema so it can serve as the schema cache's
// (C5) Fetcher.
type Pool struct {
	mu       sync.Mutex
	handles  map[string]*serverHandle
	breakers *breaker.Registry
	dial     dialFunc
}

// NewPool constructs a Pool. breakers may be shared with other components
// that need circuit visibility; pass nil to create a private registry with
// default thresholds.
func NewPool(servers []ServerConfig, breakers *breaker.Registry) *Pool {
	if breakers == nil {
		breakers = breaker.NewRegistry(nil)
	}
	p := &Pool{handles: make(map[string]*serverHandle), breakers: breakers, dial: defaultDial}
	for _, cfg := range servers {
		p.handles[cfg.Name] = newServerHandle(cfg)
	}
	return p
}

func newServerHandle(cfg ServerConfig) *serverHandle {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	return &serverHandle{
		cfg:    cfg,
		health: HealthUnknown,
		admission: queue.New(queue.Config{
			Slots:    cfg.MaxConcurrent,
			Capacity: cfg.QueueCapacity,
			Timeout:  time.Duration(cfg.QueueTimeout) * time.Millisecond,
		}),
	}
}

func (p *Pool) handleFor(server string) (*serverHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[server]
	if !ok {
		return nil, toolerrors.New(toolerrors.KindToolNotPermitted, "unknown downstream server "+server)
	}
	return h, nil
}

// CallTool routes a tool call to server's live transport, applying the
// circuit breaker (C6), admission (C7), and transport reconnection in that
// order: a tripped breaker must fail fast in constant time rather than
// queue behind admission's FIFO wait.
func (p *Pool) CallTool(ctx context.Context, server, tool string, args json.RawMessage) (json.RawMessage, error) {
	h, err := p.handleFor(server)
	if err != nil {
		return nil, err
	}

	var result json.RawMessage
	err = p.breakers.Execute(ctx, server, func(ctx context.Context) error {
		release, aerr := h.admission.Acquire(ctx)
		if aerr != nil {
			return aerr
		}
		h.active.Add(1)
		defer func() {
			h.active.Add(-1)
			release()
		}()

		t, derr := h.ensureTransport(ctx, p.dial)
		if derr != nil {
			h.setHealth(HealthUnhealthy)
			return derr
		}
		r, cerr := t.CallTool(ctx, tool, args)
		if cerr != nil {
			h.invalidateTransport()
			h.setHealth(HealthUnhealthy)
			return cerr
		}
		h.setHealth(HealthHealthy)
		result = r
		return nil
	})
	if err != nil {
		if _, ok := toolerrors.As(err); ok {
			return nil, err
		}
		return nil, toolerrors.Wrap(toolerrors.KindDownstreamFailure, "downstream call failed", err)
	}
	return result, nil
}

// ListTools returns every tool exposed by server.
func (p *Pool) ListTools(ctx context.Context, server string) ([]ToolInfo, error) {
	h, err := p.handleFor(server)
	if err != nil {
		return nil, err
	}
	var tools []ToolInfo
	err = p.breakers.Execute(ctx, server, func(ctx context.Context) error {
		t, derr := h.ensureTransport(ctx, p.dial)
		if derr != nil {
			h.setHealth(HealthUnhealthy)
			return derr
		}
		list, lerr := t.ListTools(ctx)
		if lerr != nil {
			h.invalidateTransport()
			h.setHealth(HealthUnhealthy)
			return lerr
		}
		h.setHealth(HealthHealthy)
		tools = list
		return nil
	})
	if err != nil {
		return nil, toolerrors.Wrap(toolerrors.KindDownstreamFailure, "list tools failed", err)
	}
	return tools, nil
}

// FetchToolSchema implements schema.Fetcher: it derives a ToolDescriptor
// from the matching entry in the server's listTools result. name must be of
// the form "<server>.<tool>".
func (p *Pool) FetchToolSchema(ctx context.Context, name string) (*schema.ToolDescriptor, error) {
	server, tool, ok := splitQualifiedName(name)
	if !ok {
		return nil, toolerrors.New(toolerrors.KindSchemaUnavailable, "malformed tool name "+name)
	}
	tools, err := p.ListTools(ctx, server)
	if err != nil {
		return nil, err
	}
	for _, info := range tools {
		if info.Name == tool {
			return &schema.ToolDescriptor{
				Name:        name,
				Server:      server,
				Description: info.Description,
				InputSchema: append(json.RawMessage(nil), info.InputSchema...),
			}, nil
		}
	}
	return nil, toolerrors.New(toolerrors.KindSchemaUnavailable, "tool "+name+" not found on "+server)
}

// HealthOf reports the last observed reachability of server.
func (p *Pool) HealthOf(server string) Health {
	h, err := p.handleFor(server)
	if err != nil {
		return HealthUnknown
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.health
}

// ActiveConcurrent reports the current in-flight call count for server.
func (p *Pool) ActiveConcurrent(server string) int64 {
	h, err := p.handleFor(server)
	if err != nil {
		return 0
	}
	return h.active.Load()
}

// Close tears down every live transport and halts each admission queue's
// background sweep. Callers already waiting in an admission queue are not
// woken; they keep waiting until a slot frees or their queue timeout elapses.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, h := range p.handles {
		h.admission.Stop()
		h.mu.Lock()
		if h.transport != nil {
			if err := h.transport.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			h.transport = nil
		}
		h.mu.Unlock()
	}
	return firstErr
}

func (h *serverHandle) ensureTransport(ctx context.Context, dial dialFunc) (Transport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.transport != nil {
		return h.transport, nil
	}
	t, err := dial(ctx, h.cfg)
	if err != nil {
		return nil, err
	}
	h.transport = t
	return t, nil
}

func (h *serverHandle) invalidateTransport() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.transport != nil {
		_ = h.transport.Close()
		h.transport = nil
	}
}

func (h *serverHandle) setHealth(s Health) {
	h.mu.Lock()
	h.health = s
	h.mu.Unlock()
}

func splitQualifiedName(name string) (server, tool string, ok bool) {
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			return name[:i], name[i+1:], true
		}
	}
	return "", "", false
}
