package codec

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/wudi/relay/internal/config"
	"github.com/wudi/relay/internal/errors"
	"github.com/wudi/relay/internal/pipeline"
)

func testCtxFactory() ContextFactory {
	peer := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 40000}
	local := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 8080}
	return func() *pipeline.Context {
		return pipeline.NewContext(peer, local, nil, config.ProtoFramed)
	}
}

func echoStage(t *testing.T, wantPath string) pipeline.Stage {
	return pipeline.StageFunc(func(rc *pipeline.Context, req *http.Request) (*http.Response, error) {
		if req.URL.Path != wantPath {
			t.Errorf("stage saw path %q, want %q", req.URL.Path, wantPath)
		}
		body, _ := io.ReadAll(req.Body)
		return &http.Response{
			StatusCode:    http.StatusOK,
			Header:        make(http.Header),
			Body:          io.NopCloser(bytes.NewReader(body)),
			ContentLength: int64(len(body)),
		}, nil
	})
}

func TestFramedRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		done <- NewFramed(Options{}).Serve(server, testCtxFactory(), echoStage(t, "/svc.Echo"))
	}()

	req := &http.Request{
		URL:  &url.URL{Path: "/svc.Echo"},
		Body: io.NopCloser(strings.NewReader("ping")),
	}
	if err := WriteFramedRequest(client, req); err != nil {
		t.Fatal(err)
	}
	resp, err := ReadFramedResponse(client)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	payload, _ := io.ReadAll(resp.Body)
	if string(payload) != "ping" {
		t.Fatalf("payload %q", payload)
	}

	client.Close()
	if err := <-done; err != nil {
		t.Fatalf("serve returned %v", err)
	}
}

func TestFramedErrorFrame(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	failing := pipeline.StageFunc(func(rc *pipeline.Context, req *http.Request) (*http.Response, error) {
		return nil, errors.Transport(io.ErrUnexpectedEOF, "upstream gone")
	})
	go NewFramed(Options{}).Serve(server, testCtxFactory(), failing)

	req := &http.Request{URL: &url.URL{Path: "/x"}}
	if err := WriteFramedRequest(client, req); err != nil {
		t.Fatal(err)
	}
	resp, err := ReadFramedResponse(client)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status %d, want 502", resp.StatusCode)
	}
}

func TestFramedOversizedFrameResets(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		done <- NewFramed(Options{}).Serve(server, testCtxFactory(), echoStage(t, "/"))
	}()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(framedMaxFrame+1))
	if _, err := client.Write(lenBuf[:]); err != nil {
		t.Fatal(err)
	}

	err := <-done
	pe, ok := errors.AsProxyError(err)
	if !ok || pe.Class != errors.ClassProtocol {
		t.Fatalf("want protocol error, got %v", err)
	}
}

func TestFramedTruncatedFrame(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		done <- NewFramed(Options{HeaderRead: 50 * time.Millisecond}).
			Serve(server, testCtxFactory(), echoStage(t, "/"))
	}()

	// Announce 10 bytes but send only the version byte.
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 10)
	client.Write(lenBuf[:])
	client.Write([]byte{framedVersion})

	err := <-done
	if err == nil {
		t.Fatal("truncated frame must fail")
	}
	pe, ok := errors.AsProxyError(err)
	if !ok || (pe.Class != errors.ClassTimeout && pe.Class != errors.ClassProtocol) {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestDetectHTTP2Preface(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	preface := "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"
	go client.Write([]byte(preface + "rest"))

	proto, wrapped, err := Detect(server, 0)
	if err != nil {
		t.Fatal(err)
	}
	if proto != config.ProtoHTTP2 {
		t.Fatalf("detected %s, want h2", proto)
	}
	buf := make([]byte, len(preface))
	if _, err := io.ReadFull(wrapped, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != preface {
		t.Fatal("detection consumed preface bytes")
	}
}

func TestDetectDecidesBeforePrefaceLength(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	// Shorter than the h2 preface, and nothing more is coming; the
	// first byte already rules h2 out.
	go client.Write([]byte("GET / HTTP/1.0\r\n\r\n"))

	decided := make(chan config.Protocol, 1)
	go func() {
		proto, _, err := Detect(server, time.Second)
		if err != nil {
			t.Error(err)
		}
		decided <- proto
	}()

	select {
	case proto := <-decided:
		if proto != config.ProtoHTTP1 {
			t.Fatalf("detected %s, want http/1.1", proto)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("detection stalled waiting for preface-length input")
	}
}

func TestDetectHTTP1(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	raw := "GET /health HTTP/1.1\r\nHost: x\r\n\r\n"
	go client.Write([]byte(raw))

	proto, wrapped, err := Detect(server, 0)
	if err != nil {
		t.Fatal(err)
	}
	if proto != config.ProtoHTTP1 {
		t.Fatalf("detected %s, want http/1.1", proto)
	}
	buf := make([]byte, len(raw))
	if _, err := io.ReadFull(wrapped, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != raw {
		t.Fatal("detection consumed request bytes")
	}
}
