// Package engine assembles the proxy: it fans configuration out to
// the workers, owns the listeners that cannot be per-worker, and
// serves the metrics endpoint.
package engine

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/relay/internal/config"
	"github.com/wudi/relay/internal/logging"
	"github.com/wudi/relay/internal/metrics"
	"github.com/wudi/relay/internal/pipeline"
	"github.com/wudi/relay/internal/router"
	"github.com/wudi/relay/internal/stages"
	"github.com/wudi/relay/internal/worker"
)

// Engine runs a set of workers over one validated configuration and
// applies subsequent configurations as new generations.
type Engine struct {
	mu      sync.Mutex
	current *config.Config

	collector *metrics.Collector
	workers   []*worker.Worker
	shared    map[string]net.Listener
}

// New builds the engine: shared listeners, workers, and the first
// generation. A failure anywhere leaves nothing listening.
func New(cfg *config.Config) (*Engine, error) {
	e := &Engine{
		current:   cfg,
		collector: metrics.NewCollector(),
		shared:    make(map[string]net.Listener),
	}

	for _, sc := range cfg.Servers {
		if sc.Transport == config.TransportUnix {
			ln, err := worker.ListenUnix(sc.Address)
			if err != nil {
				e.closeShared()
				return nil, fmt.Errorf("server %q: %w", sc.Name, err)
			}
			e.shared[sc.Name] = ln
		}
	}

	n := cfg.Runtime.Workers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	for i := 0; i < n; i++ {
		w, err := worker.New(worker.Options{
			ID:      i,
			Runtime: cfg.Runtime,
			Servers: cfg.Servers,
			Shared:  e.shared,
			Metrics: e.collector,
		})
		if err != nil {
			e.shutdownWorkers()
			e.closeShared()
			return nil, err
		}
		e.workers = append(e.workers, w)
	}

	if err := validatePipelines(cfg); err != nil {
		e.shutdownWorkers()
		e.closeShared()
		return nil, err
	}
	for _, w := range e.workers {
		if err := w.Apply(cfg); err != nil {
			e.shutdownWorkers()
			e.closeShared()
			return nil, err
		}
	}

	logging.Info("engine ready",
		zap.Int("workers", n),
		zap.Int("servers", len(cfg.Servers)))
	return e, nil
}

// Start runs every worker and, when enabled, the metrics endpoint. It
// blocks until the context is canceled and all workers have drained.
func (e *Engine) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, w := range e.workers {
		w := w
		g.Go(func() error { return w.Run(gctx) })
	}

	if e.current.Metrics.Enabled {
		srv := &http.Server{
			Addr:    e.current.Metrics.Address,
			Handler: e.collector.Handler(),
		}
		g.Go(func() error {
			err := srv.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	err := g.Wait()
	e.closeShared()
	return err
}

// Reload validates a new configuration and broadcasts it to every
// worker. A rejected configuration changes nothing; the live
// generation keeps serving.
func (e *Engine) Reload(cfg *config.Config) error {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkCompatible(cfg); err != nil {
		return err
	}
	if err := validatePipelines(cfg); err != nil {
		return err
	}

	var errs error
	for _, w := range e.workers {
		errs = multierr.Append(errs, w.Apply(cfg))
	}
	if errs != nil {
		return errs
	}

	e.current = cfg
	routes := 0
	for _, sc := range cfg.Servers {
		routes += len(sc.Routes)
	}
	logging.Info("configuration reloaded",
		zap.Int("servers", len(cfg.Servers)),
		zap.Int("routes", routes))
	return nil
}

// checkCompatible rejects changes a running engine cannot absorb:
// listener bindings are opened once at startup, so adding, removing,
// or rebinding a server needs a restart. Routes, balancing, and
// failover are free to change.
func (e *Engine) checkCompatible(next *config.Config) error {
	type binding struct {
		transport config.Transport
		address   string
		protocol  config.Protocol
		tls       config.TLSConfig
		timeouts  config.TimeoutConfig
	}
	cur := make(map[string]binding, len(e.current.Servers))
	for _, sc := range e.current.Servers {
		cur[sc.Name] = binding{sc.Transport, sc.Address, sc.Protocol, sc.TLS, sc.Timeouts}
	}
	if len(next.Servers) != len(cur) {
		return fmt.Errorf("reload cannot add or remove servers; restart required")
	}
	for _, sc := range next.Servers {
		b, ok := cur[sc.Name]
		if !ok {
			return fmt.Errorf("reload cannot add server %q; restart required", sc.Name)
		}
		if b != (binding{sc.Transport, sc.Address, sc.Protocol, sc.TLS, sc.Timeouts}) {
			return fmt.Errorf("reload cannot rebind server %q; restart required", sc.Name)
		}
	}
	return nil
}

// Shutdown stops accepting everywhere. Start returns once in-flight
// connections finish.
func (e *Engine) Shutdown() {
	e.shutdownWorkers()
}

// Collector exposes the engine's metrics collector.
func (e *Engine) Collector() *metrics.Collector { return e.collector }

// Addr returns a bound address for the named server. Each worker holds
// its own SO_REUSEPORT socket; the first worker's address is returned,
// which is the shared one unless the server was bound to port 0.
func (e *Engine) Addr(serverName string) net.Addr {
	if len(e.workers) == 0 {
		return nil
	}
	return e.workers[0].Addr(serverName)
}

func (e *Engine) shutdownWorkers() {
	for _, w := range e.workers {
		w.Shutdown()
	}
}

func (e *Engine) closeShared() {
	for _, ln := range e.shared {
		ln.Close()
	}
}

// validatePipelines checks every server's stage chain before it is
// handed to any worker, so a bad chain is caught exactly once.
func validatePipelines(cfg *config.Config) error {
	for _, sc := range cfg.Servers {
		rt, err := router.Build(sc.Routes)
		if err != nil {
			return fmt.Errorf("server %q: %w", sc.Name, err)
		}
		_, err = pipeline.NewBlueprint(pipeline.ConnKeys,
			stages.ObserveFactory{Server: sc.Name},
			stages.EnrichFactory{},
			stages.RouteFactory{Router: rt},
			stages.DispatchFactory{},
		)
		if err != nil {
			return fmt.Errorf("server %q: %w", sc.Name, err)
		}
	}
	return nil
}
