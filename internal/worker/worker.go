// Package worker implements the per-core serve loop. Each worker owns
// its listener sockets, its upstream pool and connector, and its own
// generation pointer; workers share nothing mutable but the metrics
// collector, so the hot path never crosses a worker boundary.
package worker

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wudi/relay/internal/codec"
	"github.com/wudi/relay/internal/config"
	"github.com/wudi/relay/internal/connector"
	"github.com/wudi/relay/internal/errors"
	"github.com/wudi/relay/internal/logging"
	"github.com/wudi/relay/internal/metrics"
	"github.com/wudi/relay/internal/pipeline"
	"github.com/wudi/relay/internal/pool"
	"github.com/wudi/relay/internal/router"
	"github.com/wudi/relay/internal/stages"
	"github.com/wudi/relay/internal/upgrade"
)

// Options configures one worker.
type Options struct {
	ID      int
	Runtime config.RuntimeConfig
	Servers []config.ServerConfig

	// Shared maps server name to a listener the engine opened once for
	// all workers (unix sockets). TCP servers are absent: each worker
	// binds its own SO_REUSEPORT socket.
	Shared map[string]net.Listener

	Metrics *metrics.Collector
}

type server struct {
	cfg     config.ServerConfig
	ln      net.Listener
	owned   bool
	tlsCfg  *tls.Config
	limiter *rate.Limiter
	opts    codec.Options
}

// Worker is one accept-and-serve unit. Run drives it; Apply swaps in
// a new generation built from fresh configuration.
type Worker struct {
	id      int
	label   string
	pool    *pool.Pool
	conn    *connector.Connector
	coord   *upgrade.Coordinator
	metrics *metrics.Collector
	servers []*server

	connWg    sync.WaitGroup
	lastReuse uint64
	closeCh   chan struct{}
	closeOnce sync.Once
}

// New creates a worker and opens its listeners. The worker serves
// nothing until the first Apply installs a generation.
func New(opts Options) (*Worker, error) {
	w := &Worker{
		id:      opts.ID,
		label:   workerLabel(opts.ID),
		pool:    pool.New(pool.DefaultConfig),
		metrics: opts.Metrics,
		coord:   upgrade.NewCoordinator(),
		closeCh: make(chan struct{}),
	}
	w.conn = connector.New(w.pool, 0)

	m := opts.Metrics
	w.coord.OnBuild = func(number uint64, err error) {
		if err != nil {
			m.GenerationBuilds.WithLabelValues("failure").Inc()
			return
		}
		m.GenerationBuilds.WithLabelValues("success").Inc()
		m.LiveGenerations.WithLabelValues(upgrade.StateActive.String()).Inc()
	}
	w.coord.OnDrain = func(g *upgrade.Generation) {
		m.LiveGenerations.WithLabelValues(upgrade.StateActive.String()).Dec()
		m.LiveGenerations.WithLabelValues(upgrade.StateDraining.String()).Inc()
	}
	w.coord.OnRetire = func(g *upgrade.Generation) {
		m.LiveGenerations.WithLabelValues(upgrade.StateDraining.String()).Dec()
	}

	for _, sc := range opts.Servers {
		srv := &server{
			cfg: sc,
			opts: codec.Options{
				HeaderRead: sc.Timeouts.HeaderRead,
				Idle:       sc.Timeouts.Idle,
			},
		}
		if shared, ok := opts.Shared[sc.Name]; ok {
			srv.ln = shared
		} else {
			ln, err := ListenTCP(sc.Address, opts.Runtime.QueueDepth)
			if err != nil {
				w.closeListeners()
				return nil, err
			}
			srv.ln = ln
			srv.owned = true
		}
		if sc.TLS.Enabled {
			tc, err := TLSConfigFor(sc)
			if err != nil {
				w.closeListeners()
				return nil, err
			}
			srv.tlsCfg = tc
		}
		if sc.AcceptRate > 0 {
			burst := sc.AcceptBurst
			if burst <= 0 {
				burst = 1
			}
			srv.limiter = rate.NewLimiter(rate.Limit(sc.AcceptRate), burst)
		}
		w.servers = append(w.servers, srv)
	}
	return w, nil
}

// Apply builds this worker's pipelines for the given configuration and
// commits them as a new generation. On error the previous generation
// keeps serving.
func (w *Worker) Apply(cfg *config.Config) error {
	blueprints := make(map[string]*pipeline.Blueprint, len(cfg.Servers))
	for _, sc := range cfg.Servers {
		rt, err := router.Build(sc.Routes)
		if err != nil {
			return err
		}
		bp, err := pipeline.NewBlueprint(pipeline.ConnKeys,
			stages.ObserveFactory{Server: sc.Name, Metrics: w.metrics},
			stages.EnrichFactory{},
			stages.RouteFactory{Router: rt},
			stages.DispatchFactory{Connector: w.conn, ConnectTimeout: sc.Timeouts.UpstreamConnect},
		)
		if err != nil {
			return err
		}
		blueprints[sc.Name] = bp
	}

	gen, err := w.coord.Commit(blueprints)
	if err != nil {
		return err
	}
	logging.Debug("generation committed",
		zap.Int("worker", w.id),
		zap.Uint64("generation", gen.Number()))
	return nil
}

// Run accepts until Shutdown. It returns after every accept loop has
// stopped and every in-flight connection has drained.
func (w *Worker) Run(ctx context.Context) error {
	var acceptWg sync.WaitGroup
	for _, srv := range w.servers {
		acceptWg.Add(1)
		go func(srv *server) {
			defer acceptWg.Done()
			w.acceptLoop(ctx, srv)
		}(srv)
	}

	go func() {
		select {
		case <-ctx.Done():
			w.Shutdown()
		case <-w.closeCh:
		}
	}()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-w.closeCh:
			acceptWg.Wait()
			w.connWg.Wait()
			w.pool.Close()
			w.conn.Close()
			return nil
		case <-ticker.C:
			w.metrics.PoolIdle.WithLabelValues(w.label).Set(float64(w.pool.IdleCount()))
			total := w.pool.ReuseTotal()
			w.metrics.PoolReuse.WithLabelValues(w.label).Add(float64(total - w.lastReuse))
			w.lastReuse = total
		}
	}
}

// Shutdown stops accepting. Pinned connections finish on their own
// schedule; Run returns once they have.
func (w *Worker) Shutdown() {
	w.closeOnce.Do(func() {
		close(w.closeCh)
		w.closeListeners()
	})
}

// Addr returns the worker's bound address for a server, or nil when
// the server is unknown.
func (w *Worker) Addr(serverName string) net.Addr {
	for _, srv := range w.servers {
		if srv.cfg.Name == serverName {
			return srv.ln.Addr()
		}
	}
	return nil
}

func (w *Worker) closeListeners() {
	for _, srv := range w.servers {
		if srv.owned && srv.ln != nil {
			srv.ln.Close()
		}
	}
}

func (w *Worker) acceptLoop(ctx context.Context, srv *server) {
	for {
		select {
		case <-w.closeCh:
			return
		default:
		}

		if srv.limiter != nil {
			if err := srv.limiter.Wait(ctx); err != nil {
				return
			}
		}
		// A short accept deadline keeps shutdown responsive without a
		// separate wakeup channel.
		if d, ok := srv.ln.(interface{ SetDeadline(time.Time) error }); ok {
			d.SetDeadline(time.Now().Add(time.Second))
		}
		conn, err := srv.ln.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-w.closeCh:
				return
			default:
			}
			logging.Warn("accept failed",
				zap.String("server", srv.cfg.Name),
				zap.Error(err))
			return
		}

		w.connWg.Add(1)
		go w.serve(ctx, srv, conn)
	}
}

// serve owns one downstream connection for its whole life. The
// generation is pinned here, at accept, and released when the
// connection goes away; a reload mid-connection never reroutes it.
func (w *Worker) serve(ctx context.Context, srv *server, conn net.Conn) {
	defer w.connWg.Done()
	defer conn.Close()

	w.metrics.ActiveConns.WithLabelValues(srv.cfg.Name).Inc()
	defer w.metrics.ActiveConns.WithLabelValues(srv.cfg.Name).Dec()

	gen := w.coord.Pin()
	if gen == nil {
		return
	}
	defer gen.Release()
	stage := gen.Stage(srv.cfg.Name)
	if stage == nil {
		return
	}

	proto := srv.cfg.Protocol
	var tlsState *tls.ConnectionState
	c := conn

	if srv.tlsCfg != nil {
		tc := tls.Server(conn, srv.tlsCfg)
		hctx, cancel := context.WithTimeout(ctx, srv.cfg.Timeouts.HeaderRead)
		err := tc.HandshakeContext(hctx)
		cancel()
		if err != nil {
			logging.Debug("tls handshake failed",
				zap.String("server", srv.cfg.Name),
				zap.String("peer", conn.RemoteAddr().String()),
				zap.Error(err))
			return
		}
		st := tc.ConnectionState()
		tlsState = &st
		if proto == config.ProtoAuto {
			if st.NegotiatedProtocol == "h2" {
				proto = config.ProtoHTTP2
			} else {
				proto = config.ProtoHTTP1
			}
		}
		c = tc
	} else if proto == config.ProtoAuto {
		detected, wrapped, err := codec.Detect(c, srv.cfg.Timeouts.HeaderRead)
		if err != nil {
			w.recordTerminal(srv, err)
			return
		}
		proto = detected
		c = wrapped
	}

	srvCodec, err := codec.ForProtocol(proto, srv.opts)
	if err != nil {
		logging.Error("no codec for connection",
			zap.String("server", srv.cfg.Name),
			zap.String("protocol", string(proto)))
		return
	}

	peer, local := conn.RemoteAddr(), conn.LocalAddr()
	newCtx := func() *pipeline.Context {
		return pipeline.NewContext(peer, local, tlsState, proto)
	}
	w.recordTerminal(srv, srvCodec.Serve(c, newCtx, stage))
}

// recordTerminal accounts for the error that ended a connection.
// Idle timeouts and clean closes are the normal end of life and stay
// out of the error counters.
func (w *Worker) recordTerminal(srv *server, err error) {
	if err == nil || errors.IsTimeout(err, errors.TimeoutIdle) {
		return
	}
	pe, ok := errors.AsProxyError(err)
	if !ok {
		return
	}
	w.metrics.UpstreamErrors.WithLabelValues(pe.Class.String()).Inc()
	logging.Debug("connection ended with error",
		zap.String("server", srv.cfg.Name),
		zap.String("class", pe.Class.String()),
		zap.Error(err))
}
