package config

import (
	"fmt"
	"strings"
	"time"
)

// Protocol identifies an application protocol spoken on a connection.
type Protocol string

const (
	ProtoHTTP1  Protocol = "http/1.1"
	ProtoHTTP2  Protocol = "h2"
	ProtoFramed Protocol = "framed"
	ProtoAuto   Protocol = "auto" // detect h2 preface, fall back to http/1.1
)

// Transport identifies a listener transport kind.
type Transport string

const (
	TransportTCP  Transport = "tcp"
	TransportUnix Transport = "unix"
)

// Config is the root configuration consumed by the engine. It arrives
// already parsed and validated; the engine never touches the file
// format.
type Config struct {
	Runtime RuntimeConfig  `yaml:"runtime"`
	Servers []ServerConfig `yaml:"servers"`
	Logging LoggingConfig  `yaml:"logging"`
	Metrics MetricsConfig  `yaml:"metrics"`
}

// RuntimeConfig holds worker-level parameters.
type RuntimeConfig struct {
	// Workers is the number of accept/serve workers. 0 means one per
	// available CPU.
	Workers int `yaml:"workers"`

	// QueueDepth is the listen(2) backlog applied to each listener.
	QueueDepth int `yaml:"queue_depth"`
}

// LoggingConfig selects log level and optional rotated file output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig controls the prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// ServerConfig describes one listener and its routes.
type ServerConfig struct {
	Name      string    `yaml:"name"`
	Transport Transport `yaml:"transport"` // tcp (default) or unix
	Address   string    `yaml:"address"`   // host:port, or socket path for unix
	Protocol  Protocol  `yaml:"protocol"`  // auto (default), http/1.1, h2, framed

	TLS      TLSConfig     `yaml:"tls"`
	Timeouts TimeoutConfig `yaml:"timeouts"`
	Routes   []RouteConfig `yaml:"routes"`

	// AcceptRate caps accepted connections per second; 0 disables.
	AcceptRate  float64 `yaml:"accept_rate"`
	AcceptBurst int     `yaml:"accept_burst"`
}

// TLSConfig holds downstream TLS material for a server.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// TimeoutConfig holds the per-server deadlines.
type TimeoutConfig struct {
	HeaderRead      time.Duration `yaml:"header_read"`
	Idle            time.Duration `yaml:"idle"`
	UpstreamConnect time.Duration `yaml:"upstream_connect"`
}

// RouteConfig binds a path pattern to a set of upstream endpoints.
type RouteConfig struct {
	ID       string           `yaml:"id"`
	Path     string           `yaml:"path"` // literal, or single trailing /*name wildcard
	Policy   string           `yaml:"policy"` // round_robin (default), weighted_round_robin, weighted_random
	Backends []EndpointConfig `yaml:"backends"`
	Failover FailoverConfig   `yaml:"failover"`
}

// EndpointConfig describes one upstream target.
type EndpointConfig struct {
	// Address is a URL (http://host:port, https://host:port), a bare
	// host:port, or unix:/path for a local socket.
	Address string `yaml:"address"`

	// Weight defaults to 1 when unset.
	Weight int `yaml:"weight"`

	// Protocol is the preferred upstream protocol version. Defaults to
	// http/1.1.
	Protocol Protocol `yaml:"protocol"`
}

// FailoverConfig is the explicit endpoint-failure policy. Both knobs
// default off: a failed endpoint yields an immediate gateway error.
type FailoverConfig struct {
	// Attempts is the number of additional balancer picks to try after
	// the first endpoint fails.
	Attempts int `yaml:"attempts"`

	// Backoff is the initial delay between attempts (jittered,
	// exponential). Defaults to 50ms when Attempts > 0.
	Backoff time.Duration `yaml:"backoff"`

	// Breaker enables a per-endpoint circuit breaker so repeatedly
	// failing endpoints are skipped at selection time.
	Breaker bool `yaml:"breaker"`
}

// Default returns a Config with engine defaults applied.
func Default() *Config {
	return &Config{
		Runtime: RuntimeConfig{QueueDepth: 4096},
		Logging: LoggingConfig{Level: "info"},
	}
}

// ApplyDefaults fills unset fields in place.
func (c *Config) ApplyDefaults() {
	if c.Runtime.QueueDepth == 0 {
		c.Runtime.QueueDepth = 4096
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.Transport == "" {
			s.Transport = TransportTCP
		}
		if s.Protocol == "" {
			s.Protocol = ProtoAuto
		}
		if s.Timeouts.HeaderRead == 0 {
			s.Timeouts.HeaderRead = 30 * time.Second
		}
		if s.Timeouts.Idle == 0 {
			s.Timeouts.Idle = 90 * time.Second
		}
		if s.Timeouts.UpstreamConnect == 0 {
			s.Timeouts.UpstreamConnect = 10 * time.Second
		}
		for j := range s.Routes {
			r := &s.Routes[j]
			if r.Policy == "" {
				r.Policy = "round_robin"
			}
			if r.Failover.Attempts > 0 && r.Failover.Backoff == 0 {
				r.Failover.Backoff = 50 * time.Millisecond
			}
			for k := range r.Backends {
				if r.Backends[k].Weight == 0 {
					r.Backends[k].Weight = 1
				}
				if r.Backends[k].Protocol == "" {
					r.Backends[k].Protocol = ProtoHTTP1
				}
			}
		}
	}
}

var validPolicies = map[string]bool{
	"round_robin":          true,
	"weighted_round_robin": true,
	"weighted_random":      true,
}

// Validate checks structural invariants. The engine refuses to start
// or reload on a Validate error.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("no servers configured")
	}
	names := make(map[string]bool, len(c.Servers))
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.Name == "" {
			return fmt.Errorf("server %d: missing name", i)
		}
		if names[s.Name] {
			return fmt.Errorf("server %q: duplicate name", s.Name)
		}
		names[s.Name] = true
		if s.Address == "" {
			return fmt.Errorf("server %q: missing address", s.Name)
		}
		if s.Transport != TransportTCP && s.Transport != TransportUnix {
			return fmt.Errorf("server %q: unknown transport %q", s.Name, s.Transport)
		}
		if s.TLS.Enabled && (s.TLS.CertFile == "" || s.TLS.KeyFile == "") {
			return fmt.Errorf("server %q: tls enabled without cert/key files", s.Name)
		}
		if len(s.Routes) == 0 {
			return fmt.Errorf("server %q: no routes", s.Name)
		}
		ids := make(map[string]bool, len(s.Routes))
		for j := range s.Routes {
			r := &s.Routes[j]
			if r.ID == "" {
				return fmt.Errorf("server %q route %d: missing id", s.Name, j)
			}
			if ids[r.ID] {
				return fmt.Errorf("server %q route %q: duplicate id", s.Name, r.ID)
			}
			ids[r.ID] = true
			if err := validatePath(r.Path); err != nil {
				return fmt.Errorf("server %q route %q: %w", s.Name, r.ID, err)
			}
			if !validPolicies[r.Policy] {
				return fmt.Errorf("server %q route %q: unknown policy %q", s.Name, r.ID, r.Policy)
			}
			if len(r.Backends) == 0 {
				return fmt.Errorf("server %q route %q: no backends", s.Name, r.ID)
			}
			for k := range r.Backends {
				b := &r.Backends[k]
				if b.Address == "" {
					return fmt.Errorf("server %q route %q backend %d: missing address", s.Name, r.ID, k)
				}
				if b.Weight < 0 {
					return fmt.Errorf("server %q route %q backend %d: negative weight", s.Name, r.ID, k)
				}
			}
		}
	}
	return nil
}

// validatePath enforces the route pattern grammar: a literal path, or
// a literal path ending in a single trailing wildcard segment.
func validatePath(path string) error {
	if path == "" || !strings.HasPrefix(path, "/") {
		return fmt.Errorf("path must start with /")
	}
	// ':' is reserved by the underlying route tree; a literal colon
	// would be reinterpreted as a parameter segment.
	if strings.Contains(path, ":") {
		return fmt.Errorf("path must not contain ':'")
	}
	if i := strings.Index(path, "*"); i >= 0 {
		// Wildcard only as the whole final segment: "/prefix/*name".
		if path[i-1] != '/' {
			return fmt.Errorf("wildcard must start a segment")
		}
		rest := path[i+1:]
		if strings.ContainsAny(rest, "/*") {
			return fmt.Errorf("wildcard must be the final segment")
		}
	}
	return nil
}
