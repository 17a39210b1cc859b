// Package codec implements the downstream protocol servers. A codec
// owns one accepted connection: it decodes requests, drives the stage
// chain one request at a time, and encodes responses in arrival order.
package codec

import (
	"net"
	"time"

	"github.com/wudi/relay/internal/config"
	"github.com/wudi/relay/internal/errors"
	"github.com/wudi/relay/internal/pipeline"
)

// ContextFactory mints a fresh per-request Context seeded with the
// connection-layer keys.
type ContextFactory func() *pipeline.Context

// Options carries the per-server deadlines.
type Options struct {
	// HeaderRead bounds reading one request head. Expiry yields a 408
	// and closes the connection.
	HeaderRead time.Duration

	// Idle bounds the wait for the next request on a kept-alive
	// connection. Expiry closes the connection without a response.
	Idle time.Duration
}

// Server serves one downstream connection until it closes or fails.
type Server interface {
	Serve(conn net.Conn, newCtx ContextFactory, stage pipeline.Stage) error
}

// ForProtocol returns the codec server for a decoded protocol version.
// ProtoAuto must be resolved through Detect before calling.
func ForProtocol(p config.Protocol, opts Options) (Server, error) {
	switch p {
	case config.ProtoHTTP1:
		return NewHTTP1(opts), nil
	case config.ProtoHTTP2:
		return NewHTTP2(opts), nil
	case config.ProtoFramed:
		return NewFramed(opts), nil
	default:
		return nil, errors.Protocol(nil, "no codec for protocol "+string(p))
	}
}
