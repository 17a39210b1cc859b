// Package connector resolves upstream endpoints into usable
// connections, preferring pooled connections and dialing on miss.
package connector

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/wudi/relay/internal/config"
	"github.com/wudi/relay/internal/errors"
	"github.com/wudi/relay/internal/loadbalancer"
	"github.com/wudi/relay/internal/logging"
	"github.com/wudi/relay/internal/pool"
)

// Connector owns upstream connection establishment for one worker. It
// consults the worker's pool first and dials only on a miss. The
// connector is shared by every generation on its worker, so pooled
// connections survive configuration reloads.
type Connector struct {
	pool           *pool.Pool
	connectTimeout time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]

	h2mu    sync.Mutex
	h2conns map[string]*http2.ClientConn
	h2tr    *http2.Transport
}

// New creates a connector backed by the given pool.
func New(p *pool.Pool, connectTimeout time.Duration) *Connector {
	if connectTimeout == 0 {
		connectTimeout = 10 * time.Second
	}
	return &Connector{
		pool:           p,
		connectTimeout: connectTimeout,
		breakers:       make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
		h2conns:        make(map[string]*http2.ClientConn),
		h2tr:           &http2.Transport{AllowHTTP: true},
	}
}

// Acquire returns a connection to the endpoint, from the pool when a
// live idle connection exists, freshly dialed otherwise.
func (c *Connector) Acquire(ctx context.Context, ep *loadbalancer.Endpoint) (*pool.Entry, error) {
	if e := c.pool.Checkout(ep.Key()); e != nil {
		return e, nil
	}
	conn, err := c.dial(ctx, ep)
	if err != nil {
		return nil, err
	}
	return c.pool.Offer(ep.Key(), conn), nil
}

// Release returns a healthy connection to the pool for reuse.
func (c *Connector) Release(e *pool.Entry) {
	c.pool.Checkin(e)
}

// Discard closes a connection whose state is unknown or broken. It
// must never be returned to the pool.
func (c *Connector) Discard(e *pool.Entry) {
	e.Conn.Close()
}

func (c *Connector) dial(ctx context.Context, ep *loadbalancer.Endpoint) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dctx, ep.Network, ep.Address)
	if err != nil {
		if dctx.Err() == context.DeadlineExceeded {
			return nil, errors.Timeout(errors.TimeoutUpstreamConnect, err)
		}
		return nil, errors.Transport(err, "dialing "+ep.Address)
	}

	if ep.Scheme != "https" {
		return conn, nil
	}

	tlsConn := tls.Client(conn, tlsClientConfig(ep))
	if err := tlsConn.HandshakeContext(dctx); err != nil {
		conn.Close()
		if dctx.Err() == context.DeadlineExceeded {
			return nil, errors.Timeout(errors.TimeoutUpstreamConnect, err)
		}
		return nil, errors.Transport(err, "tls handshake with "+ep.Address)
	}
	return tlsConn, nil
}

func tlsClientConfig(ep *loadbalancer.Endpoint) *tls.Config {
	cfg := &tls.Config{
		ServerName: hostOnly(ep.Host),
		MinVersion: tls.VersionTLS12,
	}
	if ep.Protocol == config.ProtoHTTP2 {
		cfg.NextProtos = []string{"h2", "http/1.1"}
	} else {
		cfg.NextProtos = []string{"http/1.1"}
	}
	return cfg
}

func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// Breaker returns the endpoint's circuit breaker, creating it on
// first use. Breakers are keyed like the pool so a tripped endpoint is
// skipped across routes that share it.
func (c *Connector) Breaker(ep *loadbalancer.Endpoint) *gobreaker.CircuitBreaker[*http.Response] {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := ep.Key()
	if cb, ok := c.breakers[key]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:    key,
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("endpoint circuit state changed",
				zap.String("endpoint", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	c.breakers[key] = cb
	return cb
}
