package config

import (
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
runtime:
  workers: 2
servers:
  - name: edge
    address: "0.0.0.0:8080"
    protocol: auto
    routes:
      - id: api
        path: /api/*rest
        policy: weighted_random
        backends:
          - address: "http://10.0.0.1:9000"
            weight: 3
          - address: "http://10.0.0.2:9000"
        failover:
          attempts: 2
      - id: root
        path: /
        backends:
          - address: "10.0.0.3:9000"
logging:
  level: ${RELAY_TEST_LEVEL}
metrics:
  enabled: true
  address: ":9102"
`

func TestLoaderParse(t *testing.T) {
	t.Setenv("RELAY_TEST_LEVEL", "debug")

	cfg, err := NewLoader().Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Runtime.Workers != 2 {
		t.Fatalf("workers %d", cfg.Runtime.Workers)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("env expansion failed: level %q", cfg.Logging.Level)
	}

	srv := cfg.Servers[0]
	if srv.Transport != TransportTCP {
		t.Fatalf("transport default %q", srv.Transport)
	}
	if srv.Timeouts.HeaderRead != 30*time.Second || srv.Timeouts.Idle != 90*time.Second {
		t.Fatalf("timeout defaults %+v", srv.Timeouts)
	}

	api := srv.Routes[0]
	if api.Failover.Backoff != 50*time.Millisecond {
		t.Fatalf("failover backoff default %s", api.Failover.Backoff)
	}
	if api.Backends[1].Weight != 1 {
		t.Fatalf("weight default %d", api.Backends[1].Weight)
	}
	if api.Backends[0].Protocol != ProtoHTTP1 {
		t.Fatalf("backend protocol default %q", api.Backends[0].Protocol)
	}

	root := srv.Routes[1]
	if root.Policy != "round_robin" {
		t.Fatalf("policy default %q", root.Policy)
	}
	if root.Failover.Attempts != 0 || root.Failover.Backoff != 0 {
		t.Fatalf("failover should default off: %+v", root.Failover)
	}
}

func TestValidateRejections(t *testing.T) {
	base := func() *Config {
		cfg, err := NewLoader().Parse([]byte(sampleYAML))
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "no servers",
			mutate:  func(c *Config) { c.Servers = nil },
			wantErr: "no servers",
		},
		{
			name: "duplicate server name",
			mutate: func(c *Config) {
				dup := c.Servers[0]
				dup.Address = "0.0.0.0:8081"
				c.Servers = append(c.Servers, dup)
			},
			wantErr: "duplicate name",
		},
		{
			name:    "missing address",
			mutate:  func(c *Config) { c.Servers[0].Address = "" },
			wantErr: "missing address",
		},
		{
			name:    "bad transport",
			mutate:  func(c *Config) { c.Servers[0].Transport = "sctp" },
			wantErr: "unknown transport",
		},
		{
			name:    "tls without material",
			mutate:  func(c *Config) { c.Servers[0].TLS.Enabled = true },
			wantErr: "tls enabled",
		},
		{
			name: "duplicate route id",
			mutate: func(c *Config) {
				c.Servers[0].Routes[1].ID = c.Servers[0].Routes[0].ID
			},
			wantErr: "duplicate id",
		},
		{
			name:    "relative path",
			mutate:  func(c *Config) { c.Servers[0].Routes[0].Path = "api" },
			wantErr: "start with /",
		},
		{
			name:    "wildcard mid-path",
			mutate:  func(c *Config) { c.Servers[0].Routes[0].Path = "/api/*rest/x" },
			wantErr: "final segment",
		},
		{
			name:    "wildcard mid-segment",
			mutate:  func(c *Config) { c.Servers[0].Routes[0].Path = "/api*rest" },
			wantErr: "start a segment",
		},
		{
			name:    "colon in path",
			mutate:  func(c *Config) { c.Servers[0].Routes[0].Path = "/user/:id" },
			wantErr: "':'",
		},
		{
			name:    "unknown policy",
			mutate:  func(c *Config) { c.Servers[0].Routes[0].Policy = "sticky" },
			wantErr: "unknown policy",
		},
		{
			name:    "no backends",
			mutate:  func(c *Config) { c.Servers[0].Routes[0].Backends = nil },
			wantErr: "no backends",
		},
		{
			name:    "negative weight",
			mutate:  func(c *Config) { c.Servers[0].Routes[0].Backends[0].Weight = -1 },
			wantErr: "negative weight",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseRejectsInvalidYAML(t *testing.T) {
	if _, err := NewLoader().Parse([]byte("servers: [")); err == nil {
		t.Fatal("expected parse error")
	}
}
