package codec

import (
	"io"
	"net"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/wudi/relay/internal/errors"
	"github.com/wudi/relay/internal/logging"
	"github.com/wudi/relay/internal/pipeline"
)

// HTTP2 serves h2 connections on top of the x/net frame machinery.
// Stream scheduling and flow control belong to the library; this codec
// only bridges streams into the stage chain.
type HTTP2 struct {
	opts Options
	srv  *http2.Server
}

// NewHTTP2 creates an HTTP/2 codec server.
func NewHTTP2(opts Options) *HTTP2 {
	return &HTTP2{
		opts: opts,
		srv: &http2.Server{
			IdleTimeout: opts.Idle,
		},
	}
}

// Serve runs the connection until the peer goes away. Each stream gets
// its own Context; streams on one connection may be served
// concurrently.
func (s *HTTP2) Serve(conn net.Conn, newCtx ContextFactory, stage pipeline.Stage) error {
	handler := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		resp, err := stage.Serve(newCtx(), req)
		if err != nil {
			status := errors.StatusFor(err)
			if status == 0 {
				// Reset the stream without a response.
				panic(http.ErrAbortHandler)
			}
			logging.Debug("stream failed",
				zap.String("path", req.URL.Path),
				zap.Int("status", status),
				zap.Error(err))
			w.WriteHeader(status)
			return
		}

		for k, vv := range resp.Header {
			for _, v := range vv {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != nil {
			io.Copy(w, resp.Body)
			resp.Body.Close()
		}
	})

	s.srv.ServeConn(conn, &http2.ServeConnOpts{Handler: handler})
	return nil
}
