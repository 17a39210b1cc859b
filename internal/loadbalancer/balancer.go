package loadbalancer

import (
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/wudi/relay/internal/config"
)

// Endpoint represents one upstream target. Immutable once constructed.
type Endpoint struct {
	// Address is the dialable form: host:port for tcp, a filesystem
	// path for unix sockets.
	Address string

	// Network is "tcp" or "unix".
	Network string

	// Scheme records whether upstream TLS is required ("https") or not
	// ("http").
	Scheme string

	// Host is the authority for the Host header, when derived from a
	// URL.
	Host string

	Weight   int
	Protocol config.Protocol

	// ActiveRequests counts in-flight requests against this endpoint.
	ActiveRequests int64
}

// NewEndpoint parses an endpoint address from configuration. Accepted
// forms: http://host:port, https://host:port, bare host:port, and
// unix:/path.
func NewEndpoint(cfg config.EndpointConfig) (*Endpoint, error) {
	ep := &Endpoint{
		Network:  "tcp",
		Scheme:   "http",
		Weight:   cfg.Weight,
		Protocol: cfg.Protocol,
	}
	if ep.Weight <= 0 {
		ep.Weight = 1
	}
	if ep.Protocol == "" {
		ep.Protocol = config.ProtoHTTP1
	}

	addr := cfg.Address
	switch {
	case strings.HasPrefix(addr, "unix:"):
		ep.Network = "unix"
		ep.Address = strings.TrimPrefix(addr, "unix:")
		ep.Host = "localhost"
	case strings.Contains(addr, "://"):
		u, err := url.Parse(addr)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", addr, err)
		}
		switch u.Scheme {
		case "http", "https":
			ep.Scheme = u.Scheme
		default:
			return nil, fmt.Errorf("endpoint %q: unsupported scheme %q", addr, u.Scheme)
		}
		host := u.Host
		if u.Port() == "" {
			if u.Scheme == "https" {
				host += ":443"
			} else {
				host += ":80"
			}
		}
		ep.Address = host
		ep.Host = u.Host
	default:
		ep.Address = addr
		ep.Host = addr
	}
	if ep.Address == "" {
		return nil, fmt.Errorf("endpoint %q: empty address", addr)
	}
	return ep, nil
}

// Key identifies the endpoint for pooling: one pool bucket per
// (address, protocol version).
func (e *Endpoint) Key() string {
	return e.Network + "/" + e.Address + "/" + string(e.Protocol)
}

// IncrActive atomically increments the active request count.
func (e *Endpoint) IncrActive() { atomic.AddInt64(&e.ActiveRequests, 1) }

// DecrActive atomically decrements the active request count.
func (e *Endpoint) DecrActive() { atomic.AddInt64(&e.ActiveRequests, -1) }

// GetActive atomically reads the active request count.
func (e *Endpoint) GetActive() int64 { return atomic.LoadInt64(&e.ActiveRequests) }

// Balancer selects one endpoint per request at dispatch time.
type Balancer interface {
	// Next returns the next endpoint to use, or nil when none remain.
	Next() *Endpoint
	// Endpoints returns the full endpoint set in configured order.
	Endpoints() []*Endpoint
}

// New builds a balancer for the given policy over the given endpoints.
func New(policy string, endpoints []*Endpoint) (Balancer, error) {
	switch policy {
	case "", "round_robin":
		return NewRoundRobin(endpoints), nil
	case "weighted_round_robin":
		return NewWeightedRoundRobin(endpoints), nil
	case "weighted_random":
		return NewWeightedRandom(endpoints), nil
	default:
		return nil, fmt.Errorf("unknown balancing policy %q", policy)
	}
}
