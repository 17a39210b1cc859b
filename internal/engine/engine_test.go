package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wudi/relay/internal/config"
)

func namedBackend(t *testing.T, name string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, name)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func engineConfig(backendAddr string) *config.Config {
	cfg := &config.Config{
		Runtime: config.RuntimeConfig{Workers: 1},
		Servers: []config.ServerConfig{{
			Name:     "edge",
			Address:  "127.0.0.1:0",
			Protocol: config.ProtoHTTP1,
			Routes: []config.RouteConfig{{
				ID:       "root",
				Path:     "/",
				Backends: []config.EndpointConfig{{Address: backendAddr}},
			}},
		}},
	}
	cfg.ApplyDefaults()
	return cfg
}

func startEngine(t *testing.T, cfg *config.Config) (*Engine, string) {
	t.Helper()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	eng, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	})

	addr := eng.Addr("edge").String()
	waitReachable(t, addr)
	return eng, addr
}

func waitReachable(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s never became reachable", addr)
}

func get(t *testing.T, addr string) string {
	t.Helper()
	client := &http.Client{
		Transport: &http.Transport{DisableKeepAlives: true},
		Timeout:   3 * time.Second,
	}
	resp, err := client.Get("http://" + addr + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestReloadReroutesNewConnections(t *testing.T) {
	a := namedBackend(t, "A")
	c := namedBackend(t, "C")

	eng, addr := startEngine(t, engineConfig(a.Listener.Addr().String()))

	if got := get(t, addr); got != "A" {
		t.Fatalf("before reload: %q", got)
	}

	if err := eng.Reload(engineConfig(c.Listener.Addr().String())); err != nil {
		t.Fatal(err)
	}

	if got := get(t, addr); got != "C" {
		t.Fatalf("after reload: %q, want C", got)
	}
}

func TestEstablishedConnectionStaysPinned(t *testing.T) {
	a := namedBackend(t, "A")
	c := namedBackend(t, "C")

	eng, addr := startEngine(t, engineConfig(a.Listener.Addr().String()))

	// One long-lived downstream connection, driven by hand so it stays
	// open across the reload.
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	br := bufio.NewReader(conn)

	request := func() string {
		if _, err := fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: relay\r\n\r\n"); err != nil {
			t.Fatal(err)
		}
		resp, err := http.ReadResponse(br, nil)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return string(body)
	}

	if got := request(); got != "A" {
		t.Fatalf("first request: %q", got)
	}

	if err := eng.Reload(engineConfig(c.Listener.Addr().String())); err != nil {
		t.Fatal(err)
	}

	if got := request(); got != "A" {
		t.Fatalf("pinned connection rerouted to %q after reload", got)
	}
	if got := get(t, addr); got != "C" {
		t.Fatalf("new connection got %q, want C", got)
	}
}

func TestReloadRejectsListenerChanges(t *testing.T) {
	a := namedBackend(t, "A")
	eng, _ := startEngine(t, engineConfig(a.Listener.Addr().String()))

	next := engineConfig(a.Listener.Addr().String())
	next.Servers[0].Address = "127.0.0.1:1"
	if err := eng.Reload(next); err == nil {
		t.Fatal("rebinding a server must be rejected")
	}

	added := engineConfig(a.Listener.Addr().String())
	added.Servers = append(added.Servers, added.Servers[0])
	added.Servers[1].Name = "extra"
	if err := eng.Reload(added); err == nil {
		t.Fatal("adding a server must be rejected")
	}
}

func TestReloadRejectsInvalidConfig(t *testing.T) {
	a := namedBackend(t, "A")
	eng, addr := startEngine(t, engineConfig(a.Listener.Addr().String()))

	bad := engineConfig(a.Listener.Addr().String())
	bad.Servers[0].Routes = nil
	if err := eng.Reload(bad); err == nil {
		t.Fatal("invalid config must be rejected")
	}

	// The rejected reload must not have disturbed the live generation.
	if got := get(t, addr); got != "A" {
		t.Fatalf("after rejected reload: %q", got)
	}
}
