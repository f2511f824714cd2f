// Command orchestratord is the process entrypoint: it loads configuration,
// wires every component together, and serves the execute operation on either
// the stdio front-end (--stdio) or the streaming HTTP front-end (the default)
// until it receives a termination signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"goa.design/clue/log"

	"github.com/toolbroker/orchestrator/internal/audit"
	"github.com/toolbroker/orchestrator/internal/breaker"
	"github.com/toolbroker/orchestrator/internal/bridge"
	"github.com/toolbroker/orchestrator/internal/config"
	"github.com/toolbroker/orchestrator/internal/dispatcher"
	"github.com/toolbroker/orchestrator/internal/downstream"
	"github.com/toolbroker/orchestrator/internal/ratelimit"
	"github.com/toolbroker/orchestrator/internal/sandbox"
	"github.com/toolbroker/orchestrator/internal/schema"
	"github.com/toolbroker/orchestrator/internal/server"
	"github.com/toolbroker/orchestrator/internal/shutdown"
	"github.com/toolbroker/orchestrator/internal/telemetry"
	"github.com/toolbroker/orchestrator/internal/toolname"
)

func main() {
	var (
		httpAddrF = flag.String("http-addr", "localhost:8090", "Streaming HTTP front-end bind address")
		stdioF    = flag.Bool("stdio", false, "Serve the execute operation over stdio instead of HTTP")
		dbgF      = flag.Bool("debug", false, "Log request and response bodies")
		dryRunF   = flag.Bool("dry-run", false, "Load and validate configuration, then exit without binding any listener")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	validator := schema.NewValidator()
	cfg, err := config.Load(validator, config.DefaultSchemaDoc())
	if err != nil {
		log.Printf(ctx, "fatal: failed to load configuration: %v", err)
		os.Exit(1)
	}

	if *dryRunF {
		log.Printf(ctx, "configuration valid: state-dir=%s downstream-servers=%d engines=%d", cfg.StateDir, len(cfg.DownstreamServers), len(cfg.Engines))
		return
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		log.Printf(ctx, "fatal: failed to create state directory %q: %v", cfg.StateDir, err)
		os.Exit(1)
	}

	auditor, err := audit.New(cfg.StateDir)
	if err != nil {
		log.Printf(ctx, "fatal: failed to open audit log: %v", err)
		os.Exit(1)
	}

	metrics := telemetry.NewClueMetrics()

	breakers := breaker.NewRegistry(func(string) breaker.Config { return cfg.Breaker }, breaker.WithMetrics(metrics))
	pool := downstream.NewPool(cfg.DownstreamServers, breakers)
	schemaCache := schema.NewCache(pool, cfg.SchemaCache.ToSchemaConfig(func(msg string, keyvals ...any) {
		log.Printf(ctx, "%s %v", msg, keyvals)
	}))
	schemaCache.LoadFromDisk()

	limiter := ratelimit.New(cfg.RateLimit, ratelimit.WithMetrics(metrics))
	limiter.StartSweep(time.Minute)
	defer limiter.Stop()

	disp := dispatcher.New(limiter, schemaCache, validator, pool, auditor, dispatcher.WithMetrics(metrics))

	engines := engineResolver(cfg.Engines)

	var httpSrv *http.Server
	coordinator := shutdown.New(cfg.Shutdown, func() {
		if httpSrv != nil {
			_ = httpSrv.Shutdown(ctx)
		}
	}, pool, auditor, schemaCache)

	supervisor := sandbox.NewSupervisor(func(bctx context.Context, cancel context.CancelFunc, executionID string, allowed *toolname.AllowList) (sandbox.Bridge, error) {
		session, err := bridge.Start(bctx, executionID, allowed, bridge.Config{
			Dispatcher: disp,
			Schemas:    schemaCache,
			Auditor:    auditor,
		})
		if err != nil {
			return nil, err
		}
		untrack := coordinator.Track(executionID, trackedExecution{session: session, cancel: cancel})
		return trackedBridge{Session: session, untrack: untrack}, nil
	})

	front := server.New(engines, supervisor)

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup

	if *stdioF {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stdioSrv := server.NewStdioServer(front)
			if err := stdioSrv.Serve(ctx, os.Stdin, os.Stdout); err != nil {
				errc <- err
			}
		}()
	} else {
		ln, err := net.Listen("tcp", *httpAddrF)
		if err != nil {
			log.Printf(ctx, "fatal: failed to bind HTTP front-end on %q: %v", *httpAddrF, err)
			os.Exit(1)
		}
		httpSrv = &http.Server{Handler: server.NewHTTPServer(front).Mux(), ReadHeaderTimeout: 60 * time.Second}
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Printf(ctx, "HTTP front-end listening on %s", ln.Addr())
			if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
				errc <- err
			}
		}()
	}

	log.Printf(ctx, "exiting (%v)", <-errc)

	coordinator.Run(ctx)

	wg.Wait()
	log.Printf(ctx, "exited")
}

// trackedExecution satisfies shutdown.ActiveExecution for one running
// bridge session. Cancel invokes the Execution's own deadline-context
// CancelFunc (captured from sandbox.BridgeFactory), which forces
// sandbox.Supervisor.Run's process-group kill path to fire immediately
// instead of waiting out the Execution's remaining deadline.
type trackedExecution struct {
	session *bridge.Session
	cancel  context.CancelFunc
}

func (t trackedExecution) CloseBridge() error { return t.session.Close() }
func (t trackedExecution) Cancel()            { t.cancel() }

// trackedBridge wraps a bridge.Session so that closing it (as
// internal/sandbox does unconditionally at the end of every Run) also
// untracks the Execution from the shutdown coordinator.
type trackedBridge struct {
	*bridge.Session
	untrack func()
}

func (t trackedBridge) Close() error {
	defer t.untrack()
	return t.Session.Close()
}

type engineResolverFunc func(language string) (sandbox.EngineConfig, bool)

func (f engineResolverFunc) Resolve(language string) (sandbox.EngineConfig, bool) { return f(language) }

func engineResolver(engines map[string]sandbox.EngineConfig) server.EngineResolver {
	return engineResolverFunc(func(language string) (sandbox.EngineConfig, bool) {
		e, ok := engines[language]
		return e, ok
	})
}
