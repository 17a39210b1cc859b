package connector

import (
	"context"
	"net/http"

	"golang.org/x/net/http2"

	"github.com/wudi/relay/internal/errors"
	"github.com/wudi/relay/internal/loadbalancer"
)

// RoundTripH2 sends the request over the endpoint's multiplexed h2
// client connection. One connection per endpoint is kept and shared;
// the h2 layer interleaves streams, so there is no pool of connections
// to manage.
func (c *Connector) RoundTripH2(ctx context.Context, ep *loadbalancer.Endpoint, req *http.Request) (*http.Response, error) {
	cc, err := c.h2conn(ctx, ep)
	if err != nil {
		return nil, err
	}
	resp, err := cc.RoundTrip(req.WithContext(ctx))
	if err != nil {
		c.evictH2(ep)
		return nil, errors.Transport(err, "h2 round trip to "+ep.Address)
	}
	return resp, nil
}

func (c *Connector) h2conn(ctx context.Context, ep *loadbalancer.Endpoint) (*http2.ClientConn, error) {
	key := ep.Key()

	c.h2mu.Lock()
	cc := c.h2conns[key]
	c.h2mu.Unlock()
	if cc != nil && cc.CanTakeNewRequest() {
		return cc, nil
	}

	conn, err := c.dial(ctx, ep)
	if err != nil {
		return nil, err
	}
	fresh, err := c.h2tr.NewClientConn(conn)
	if err != nil {
		conn.Close()
		return nil, errors.Transport(err, "h2 handshake with "+ep.Address)
	}

	c.h2mu.Lock()
	defer c.h2mu.Unlock()
	// Another goroutine may have raced us to a usable connection.
	if cur := c.h2conns[key]; cur != nil && cur.CanTakeNewRequest() {
		fresh.Close()
		return cur, nil
	}
	c.h2conns[key] = fresh
	return fresh, nil
}

func (c *Connector) evictH2(ep *loadbalancer.Endpoint) {
	c.h2mu.Lock()
	defer c.h2mu.Unlock()
	if cc := c.h2conns[ep.Key()]; cc != nil && !cc.CanTakeNewRequest() {
		delete(c.h2conns, ep.Key())
	}
}

// Close shuts down the connector's multiplexed connections. The pool
// is owned and closed by the worker.
func (c *Connector) Close() error {
	c.h2mu.Lock()
	defer c.h2mu.Unlock()
	for key, cc := range c.h2conns {
		cc.Close()
		delete(c.h2conns, key)
	}
	return nil
}
