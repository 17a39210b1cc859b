package pipeline

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/wudi/relay/internal/config"
	"github.com/wudi/relay/internal/loadbalancer"
	"github.com/wudi/relay/internal/router"
)

// Key identifies one typed Context field. Factories declare the keys
// they require and produce; Validate checks the declarations before a
// blueprint ever serves a request, so field access at request time
// cannot miss.
type Key uint8

const (
	KeyPeerAddr Key = iota
	KeyLocalAddr
	KeyTLSState
	KeyProtocol
	KeyRequestID
	KeyStartTime
	KeyRoute
	KeyEndpoint

	keyCount
)

func (k Key) String() string {
	switch k {
	case KeyPeerAddr:
		return "peer_addr"
	case KeyLocalAddr:
		return "local_addr"
	case KeyTLSState:
		return "tls_state"
	case KeyProtocol:
		return "protocol"
	case KeyRequestID:
		return "request_id"
	case KeyStartTime:
		return "start_time"
	case KeyRoute:
		return "route"
	case KeyEndpoint:
		return "endpoint"
	}
	return fmt.Sprintf("key(%d)", uint8(k))
}

// ConnKeys is the root produced set: the connection layer seeds every
// Context with these before the first stage runs.
var ConnKeys = []Key{KeyPeerAddr, KeyLocalAddr, KeyTLSState, KeyProtocol}

// Context is the fixed-shape per-request record. It exists for exactly
// one request and is owned by the goroutine serving that request's
// connection; it is never retained by a stage or shared across
// requests.
//
// Insertion and lookup are plain field accesses. The presence mask
// only backs the panic in get paths: after Validate has accepted a
// blueprint a miss is a programming error, not a runtime condition.
type Context struct {
	set uint16

	peerAddr  net.Addr
	localAddr net.Addr
	tlsState  *tls.ConnectionState // nil on plaintext connections
	protocol  config.Protocol

	requestID string
	startTime time.Time
	route     *router.Route
	params    map[string]string
	endpoint  *loadbalancer.Endpoint
}

// NewContext seeds a Context with the connection-layer keys. tlsState
// may be nil for plaintext transports; the key is still considered
// produced so stages can branch on it without a declared dependency
// failing.
func NewContext(peer, local net.Addr, tlsState *tls.ConnectionState, proto config.Protocol) *Context {
	c := &Context{
		peerAddr:  peer,
		localAddr: local,
		tlsState:  tlsState,
		protocol:  proto,
	}
	for _, k := range ConnKeys {
		c.set |= 1 << k
	}
	return c
}

// Has reports whether a key has been produced.
func (c *Context) Has(k Key) bool { return c.set&(1<<k) != 0 }

func (c *Context) mustHave(k Key) {
	if !c.Has(k) {
		panic("pipeline: context key " + k.String() + " read before being produced")
	}
}

// PeerAddr returns the downstream peer address.
func (c *Context) PeerAddr() net.Addr {
	c.mustHave(KeyPeerAddr)
	return c.peerAddr
}

// LocalAddr returns the accepting listener address.
func (c *Context) LocalAddr() net.Addr {
	c.mustHave(KeyLocalAddr)
	return c.localAddr
}

// TLSState returns the downstream TLS session state, or nil when the
// connection is plaintext.
func (c *Context) TLSState() *tls.ConnectionState {
	c.mustHave(KeyTLSState)
	return c.tlsState
}

// Protocol returns the decoded downstream protocol version.
func (c *Context) Protocol() config.Protocol {
	c.mustHave(KeyProtocol)
	return c.protocol
}

// SetRequestID records the request identifier.
func (c *Context) SetRequestID(id string) {
	c.requestID = id
	c.set |= 1 << KeyRequestID
}

// RequestID returns the request identifier.
func (c *Context) RequestID() string {
	c.mustHave(KeyRequestID)
	return c.requestID
}

// SetStartTime records when request decoding completed.
func (c *Context) SetStartTime(t time.Time) {
	c.startTime = t
	c.set |= 1 << KeyStartTime
}

// StartTime returns when request decoding completed.
func (c *Context) StartTime() time.Time {
	c.mustHave(KeyStartTime)
	return c.startTime
}

// SetRoute records the matched route and its wildcard captures.
func (c *Context) SetRoute(r *router.Route, params map[string]string) {
	c.route = r
	c.params = params
	c.set |= 1 << KeyRoute
}

// Route returns the matched route.
func (c *Context) Route() *router.Route {
	c.mustHave(KeyRoute)
	return c.route
}

// PathParams returns the wildcard captures of the matched route. May
// be nil when the route has no wildcard.
func (c *Context) PathParams() map[string]string {
	c.mustHave(KeyRoute)
	return c.params
}

// SetEndpoint records the selected upstream endpoint.
func (c *Context) SetEndpoint(e *loadbalancer.Endpoint) {
	c.endpoint = e
	c.set |= 1 << KeyEndpoint
}

// Endpoint returns the selected upstream endpoint.
func (c *Context) Endpoint() *loadbalancer.Endpoint {
	c.mustHave(KeyEndpoint)
	return c.endpoint
}
