package stages

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wudi/relay/internal/config"
	"github.com/wudi/relay/internal/connector"
	"github.com/wudi/relay/internal/pipeline"
	"github.com/wudi/relay/internal/pool"
	"github.com/wudi/relay/internal/router"
)

func newConn(t *testing.T) (*pool.Pool, *connector.Connector) {
	t.Helper()
	p := pool.New(pool.DefaultConfig)
	c := connector.New(p, 0)
	t.Cleanup(func() {
		c.Close()
		p.Close()
	})
	return p, c
}

func routedContext(t *testing.T, rt *router.Router, path string) *pipeline.Context {
	t.Helper()
	peer := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
	local := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080}
	rc := pipeline.NewContext(peer, local, nil, config.ProtoHTTP1)
	m := rt.Lookup(path)
	if m == nil {
		t.Fatalf("no route for %q", path)
	}
	rc.SetRoute(m.Route, m.Params)
	return rc
}

func dispatchStage(t *testing.T, c *connector.Connector) pipeline.Stage {
	t.Helper()
	stage, err := DispatchFactory{Connector: c, ConnectTimeout: 2 * time.Second}.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return stage
}

func TestDispatchProxiesAndPoolsConnections(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Backend", "a")
		io.WriteString(w, "pong")
	}))
	defer backend.Close()

	p, c := newConn(t)
	rt, err := router.Build([]config.RouteConfig{{
		ID:       "r",
		Path:     "/",
		Policy:   "round_robin",
		Backends: []config.EndpointConfig{{Address: backend.Listener.Addr().String(), Weight: 1}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	stage := dispatchStage(t, c)

	for i := 0; i < 2; i++ {
		rc := routedContext(t, rt, "/")
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		resp, err := stage.Serve(rc, req)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || string(body) != "pong" {
			t.Fatalf("request %d: status %d body %q", i, resp.StatusCode, body)
		}
		if resp.Header.Get("X-Backend") != "a" {
			t.Fatalf("request %d: missing backend header", i)
		}
		if !rc.Has(pipeline.KeyEndpoint) {
			t.Fatal("dispatch must record the selected endpoint")
		}
	}

	// The second request should have ridden the pooled connection.
	if p.ReuseTotal() != 1 {
		t.Fatalf("pool reuse total %d, want 1", p.ReuseTotal())
	}
}

func TestDispatchFailoverRetriesNextEndpoint(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "alive")
	}))
	defer backend.Close()

	// A freshly closed listener yields a connection-refused address.
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := dead.Addr().String()
	dead.Close()

	_, c := newConn(t)
	rt, err := router.Build([]config.RouteConfig{{
		ID:     "r",
		Path:   "/",
		Policy: "round_robin",
		Backends: []config.EndpointConfig{
			{Address: deadAddr, Weight: 1},
			{Address: backend.Listener.Addr().String(), Weight: 1},
		},
		Failover: config.FailoverConfig{Attempts: 2, Backoff: time.Millisecond},
	}})
	if err != nil {
		t.Fatal(err)
	}
	stage := dispatchStage(t, c)

	rc := routedContext(t, rt, "/")
	resp, err := stage.Serve(rc, httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("failover did not recover: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestDispatchNoFailoverFailsFast(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := dead.Addr().String()
	dead.Close()

	_, c := newConn(t)
	rt, err := router.Build([]config.RouteConfig{{
		ID:       "r",
		Path:     "/",
		Policy:   "round_robin",
		Backends: []config.EndpointConfig{{Address: deadAddr, Weight: 1}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	stage := dispatchStage(t, c)

	rc := routedContext(t, rt, "/")
	if _, err := stage.Serve(rc, httptest.NewRequest(http.MethodGet, "/", nil)); err == nil {
		t.Fatal("expected an immediate error with failover off")
	}
}

func TestDispatchDownstreamCancelAbortsExchange(t *testing.T) {
	// An upstream that accepts and then never answers.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	held := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			held <- c
		}
	}()

	_, c := newConn(t)
	rt, err := router.Build([]config.RouteConfig{{
		ID:       "r",
		Path:     "/",
		Policy:   "round_robin",
		Backends: []config.EndpointConfig{{Address: ln.Addr().String(), Weight: 1}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	stage := dispatchStage(t, c)
	rc := routedContext(t, rt, "/")

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)

	done := make(chan error, 1)
	go func() {
		_, err := stage.Serve(rc, req)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error once the downstream context died")
		}
	case <-time.After(time.Second):
		t.Fatal("exchange still blocked after the downstream context died")
	}
	select {
	case c := <-held:
		c.Close()
	default:
	}
}

func TestDispatchOversizedBodyForwardedWhole(t *testing.T) {
	received := make(chan int64, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := io.Copy(io.Discard, r.Body)
		received <- n
	}))
	defer backend.Close()

	_, c := newConn(t)
	rt, err := router.Build([]config.RouteConfig{{
		ID:       "r",
		Path:     "/",
		Policy:   "round_robin",
		Backends: []config.EndpointConfig{{Address: backend.Listener.Addr().String(), Weight: 1}},
		Failover: config.FailoverConfig{Attempts: 2, Backoff: time.Millisecond},
	}})
	if err != nil {
		t.Fatal(err)
	}
	stage := dispatchStage(t, c)

	// Larger than the replay buffer: the body must arrive complete,
	// not silently cut at the buffering limit.
	size := replayLimit + 1024
	body := bytes.Repeat([]byte("z"), size)
	rc := routedContext(t, rt, "/")
	resp, err := stage.Serve(rc, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body)))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if n := <-received; n != int64(size) {
		t.Fatalf("upstream received %d bytes, want %d", n, size)
	}
}

func TestDispatchAddsForwardingHeaders(t *testing.T) {
	headers := make(chan http.Header, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
	}))
	defer backend.Close()

	_, c := newConn(t)
	rt, err := router.Build([]config.RouteConfig{{
		ID:       "r",
		Path:     "/",
		Policy:   "round_robin",
		Backends: []config.EndpointConfig{{Address: backend.Listener.Addr().String(), Weight: 1}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	stage := dispatchStage(t, c)

	rc := routedContext(t, rt, "/")
	resp, err := stage.Serve(rc, httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	h := <-headers
	if got := h.Get("X-Forwarded-For"); got != "127.0.0.1" {
		t.Errorf("X-Forwarded-For %q, want the downstream peer", got)
	}
	if got := h.Get("X-Forwarded-Proto"); got != "http" {
		t.Errorf("X-Forwarded-Proto %q, want http", got)
	}
	if got := h.Get("Forwarded"); !strings.Contains(got, `for="127.0.0.1:40000"`) {
		t.Errorf("Forwarded %q, want the downstream peer element", got)
	}
}

func TestDispatchRejectsInnerStage(t *testing.T) {
	_, c := newConn(t)
	inner := pipeline.StageFunc(func(rc *pipeline.Context, req *http.Request) (*http.Response, error) {
		return nil, nil
	})
	if _, err := (DispatchFactory{Connector: c}).New(inner); err == nil {
		t.Fatal("dispatch must refuse to wrap an inner stage")
	}
}
