package stages

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/wudi/relay/internal/codec"
	"github.com/wudi/relay/internal/config"
	"github.com/wudi/relay/internal/connector"
	"github.com/wudi/relay/internal/errors"
	"github.com/wudi/relay/internal/loadbalancer"
	"github.com/wudi/relay/internal/logging"
	"github.com/wudi/relay/internal/pipeline"
	"github.com/wudi/relay/internal/pool"
)

// replayLimit bounds how much request body is buffered to make
// failover retries possible.
const replayLimit = 4 << 20

// DispatchFactory builds the innermost stage: endpoint selection and
// the upstream exchange. The route's failover policy is applied here
// so a retry covers the whole exchange, not just the connect.
type DispatchFactory struct {
	Connector *connector.Connector

	// ConnectTimeout bounds establishing the upstream connection for
	// one attempt. Zero falls back to the connector's default.
	ConnectTimeout time.Duration
}

func (DispatchFactory) Name() string { return "dispatch" }
func (DispatchFactory) Requires() []pipeline.Key {
	return []pipeline.Key{pipeline.KeyRoute, pipeline.KeyPeerAddr, pipeline.KeyTLSState}
}
func (DispatchFactory) Produces() []pipeline.Key { return []pipeline.Key{pipeline.KeyEndpoint} }

func (f DispatchFactory) New(inner pipeline.Stage) (pipeline.Stage, error) {
	if inner != nil {
		return nil, errors.Construction(nil, "dispatch must be the innermost stage")
	}
	return &dispatcher{conn: f.Connector, connectTimeout: f.ConnectTimeout}, nil
}

type dispatcher struct {
	conn           *connector.Connector
	connectTimeout time.Duration
}

// acquire establishes the upstream connection under the per-server
// connect deadline.
func (d *dispatcher) acquire(ctx context.Context, ep *loadbalancer.Endpoint) (*pool.Entry, error) {
	if d.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.connectTimeout)
		defer cancel()
	}
	return d.conn.Acquire(ctx, ep)
}

func (d *dispatcher) Serve(rc *pipeline.Context, req *http.Request) (*http.Response, error) {
	route := rc.Route()
	fo := route.Failover

	// With retries enabled the body must be replayable across
	// attempts. Without them the body streams straight through.
	if fo.Attempts > 0 && req.Body != nil && req.Body != http.NoBody {
		buf, err := io.ReadAll(io.LimitReader(req.Body, replayLimit+1))
		if err != nil {
			req.Body.Close()
			return nil, errors.Transport(err, "buffering request body")
		}
		if len(buf) > replayLimit {
			// Too large to replay; stitch the read bytes back on and
			// stream the body through a single attempt.
			req.Body = rejoinedBody{io.MultiReader(bytes.NewReader(buf), req.Body), req.Body}
			fo.Attempts = 0
		} else {
			req.Body.Close()
			req.Body = io.NopCloser(bytes.NewReader(buf))
			req.ContentLength = int64(len(buf))
			req.GetBody = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(buf)), nil
			}
		}
	}

	var resp *http.Response
	attempt := func() error {
		ep := route.Balancer.Next()
		if ep == nil {
			return backoff.Permanent(errors.Pool(nil, "route "+route.ID+" has no endpoints"))
		}
		rc.SetEndpoint(ep)

		if req.GetBody != nil {
			body, _ := req.GetBody()
			req.Body = body
		}

		ep.IncrActive()
		defer ep.DecrActive()

		var err error
		if fo.Breaker {
			resp, err = d.conn.Breaker(ep).Execute(func() (*http.Response, error) {
				return d.exchange(rc, ep, req)
			})
		} else {
			resp, err = d.exchange(rc, ep, req)
		}
		return err
	}

	if fo.Attempts <= 0 {
		if err := attempt(); err != nil {
			return nil, err
		}
		return resp, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = fo.Backoff
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(fo.Attempts)), req.Context())

	err := backoff.RetryNotify(attempt, policy, func(err error, wait time.Duration) {
		logging.Debug("upstream attempt failed, retrying",
			zap.String("route", route.ID),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// exchange performs one request/response round trip against a chosen
// endpoint, speaking the endpoint's preferred protocol.
func (d *dispatcher) exchange(rc *pipeline.Context, ep *loadbalancer.Endpoint, req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	outreq := req.Clone(ctx)
	outreq.URL.Scheme = ep.Scheme
	outreq.URL.Host = ep.Host
	outreq.Host = ep.Host
	outreq.RequestURI = ""
	outreq.Close = false
	forwardHeaders(rc, outreq)

	switch ep.Protocol {
	case config.ProtoHTTP2:
		return d.conn.RoundTripH2(ctx, ep, outreq)
	case config.ProtoFramed:
		return d.exchangeFramed(ep, outreq)
	default:
		return d.exchangeHTTP1(ep, outreq)
	}
}

// abortOnCancel closes the upstream connection when ctx dies before
// stop is closed. Closing the socket is the only way to unblock its
// reads once the downstream peer has gone away.
func abortOnCancel(ctx context.Context, entry *pool.Entry, stop chan struct{}) {
	go func() {
		select {
		case <-ctx.Done():
			entry.Conn.Close()
		case <-stop:
		}
	}()
}

// cancelled rewraps an exchange error when the downstream context died
// mid-flight, so the cause reads as the client leaving rather than the
// upstream socket the abort closed.
func cancelled(ctx context.Context, ep *loadbalancer.Endpoint) error {
	return errors.Transport(ctx.Err(), "downstream gone during exchange with "+ep.Address)
}

func (d *dispatcher) exchangeHTTP1(ep *loadbalancer.Endpoint, outreq *http.Request) (*http.Response, error) {
	ctx := outreq.Context()
	entry, err := d.acquire(ctx, ep)
	if err != nil {
		return nil, err
	}
	stop := make(chan struct{})
	abortOnCancel(ctx, entry, stop)

	if err := outreq.Write(entry.Conn); err != nil {
		close(stop)
		d.conn.Discard(entry)
		if ctx.Err() != nil {
			return nil, cancelled(ctx, ep)
		}
		return nil, errors.Transport(err, "writing request to "+ep.Address)
	}
	resp, err := http.ReadResponse(bufio.NewReader(entry.Conn), outreq)
	if err != nil {
		close(stop)
		d.conn.Discard(entry)
		if ctx.Err() != nil {
			return nil, cancelled(ctx, ep)
		}
		return nil, errors.Transport(err, "reading response from "+ep.Address)
	}

	// Hand the connection back only once the body has been fully
	// consumed and the upstream did not ask for a close.
	resp.Body = &pooledBody{
		body:     resp.Body,
		conn:     d.conn,
		entry:    entry,
		reusable: !resp.Close,
		stop:     stop,
	}
	return resp, nil
}

func (d *dispatcher) exchangeFramed(ep *loadbalancer.Endpoint, outreq *http.Request) (*http.Response, error) {
	ctx := outreq.Context()
	entry, err := d.acquire(ctx, ep)
	if err != nil {
		return nil, err
	}
	stop := make(chan struct{})
	abortOnCancel(ctx, entry, stop)

	if err := codec.WriteFramedRequest(entry.Conn, outreq); err != nil {
		close(stop)
		d.conn.Discard(entry)
		if ctx.Err() != nil {
			return nil, cancelled(ctx, ep)
		}
		return nil, errors.Transport(err, "writing frame to "+ep.Address)
	}
	resp, err := codec.ReadFramedResponse(entry.Conn)
	close(stop)
	if err != nil {
		d.conn.Discard(entry)
		if ctx.Err() != nil {
			return nil, cancelled(ctx, ep)
		}
		return nil, errors.Transport(err, "reading frame from "+ep.Address)
	}
	// Framed responses are fully buffered, so the connection is idle
	// again already.
	d.conn.Release(entry)
	return resp, nil
}

// forwardHeaders records the downstream peer on the outgoing request,
// both in the de facto X-Forwarded form and as an RFC 7239 Forwarded
// element.
func forwardHeaders(rc *pipeline.Context, outreq *http.Request) {
	proto := "http"
	if rc.TLSState() != nil {
		proto = "https"
	}
	outreq.Header.Set("X-Forwarded-Proto", proto)

	host, _, err := net.SplitHostPort(rc.PeerAddr().String())
	if err != nil {
		return
	}
	if prior := outreq.Header.Get("X-Forwarded-For"); prior != "" {
		host = prior + ", " + host
	}
	outreq.Header.Set("X-Forwarded-For", host)
	outreq.Header.Add("Forwarded", fmt.Sprintf("for=%q;proto=%s", rc.PeerAddr().String(), proto))
}

// rejoinedBody streams a partially buffered request body followed by
// the rest of the original stream, closing the original.
type rejoinedBody struct {
	io.Reader
	closer io.Closer
}

func (b rejoinedBody) Close() error { return b.closer.Close() }

// pooledBody streams an upstream response body and settles the pooled
// connection on Close: reuse after a clean full read, discard
// otherwise.
type pooledBody struct {
	body     io.ReadCloser
	conn     *connector.Connector
	entry    *pool.Entry
	reusable bool
	stop     chan struct{}
	done     bool
	closed   bool
}

func (b *pooledBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if err == io.EOF {
		b.done = true
	}
	return n, err
}

func (b *pooledBody) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	if b.stop != nil {
		close(b.stop)
	}
	err := b.body.Close()
	if b.done && b.reusable {
		b.conn.Release(b.entry)
	} else {
		b.conn.Discard(b.entry)
	}
	return err
}
