package codec

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/relay/internal/errors"
	"github.com/wudi/relay/internal/logging"
	"github.com/wudi/relay/internal/pipeline"
)

// HTTP1 serves HTTP/1.1 connections. Requests on one connection are
// processed strictly in order; responses go out in the order requests
// arrived.
type HTTP1 struct {
	opts Options
}

// NewHTTP1 creates an HTTP/1.1 codec server.
func NewHTTP1(opts Options) *HTTP1 {
	return &HTTP1{opts: opts}
}

// Serve runs the keep-alive request loop until the peer closes, a
// deadline expires, or a request is malformed.
func (s *HTTP1) Serve(conn net.Conn, newCtx ContextFactory, stage pipeline.Stage) error {
	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)

	// connCtx is cancelled when the downstream peer goes away, so an
	// in-flight upstream exchange never outlives its client.
	connCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watch := newConnWatch(br, cancel)

	for {
		// Wait for the next request head under the idle deadline, then
		// switch to the header-read deadline once bytes arrive.
		if s.opts.Idle > 0 {
			conn.SetReadDeadline(time.Now().Add(s.opts.Idle))
		}
		if err := watch.Await(); err != nil {
			if isTimeout(err) {
				return errors.Timeout(errors.TimeoutIdle, err)
			}
			if err == io.EOF {
				return nil
			}
			return errors.Transport(err, "awaiting request")
		}

		if s.opts.HeaderRead > 0 {
			conn.SetReadDeadline(time.Now().Add(s.opts.HeaderRead))
		}
		req, err := http.ReadRequest(br)
		if err != nil {
			if isTimeout(err) {
				s.writeError(bw, http.StatusRequestTimeout, true)
				return errors.Timeout(errors.TimeoutHeaderRead, err)
			}
			return errors.Protocol(err, "parsing request")
		}
		conn.SetReadDeadline(time.Time{})

		req = req.WithContext(connCtx)
		if req.ContentLength == 0 && len(req.TransferEncoding) == 0 {
			watch.Start()
		} else {
			req.Body = &watchedBody{ReadCloser: req.Body, onEOF: watch.Start}
		}

		resp, serr := stage.Serve(newCtx(), req)
		if serr != nil {
			status := errors.StatusFor(serr)
			if status == 0 {
				return serr
			}
			logging.Debug("request failed",
				zap.String("path", req.URL.Path),
				zap.Int("status", status),
				zap.Error(serr))
			// The downstream connection is still healthy after an
			// upstream failure, but only if the request body was fully
			// consumed; leftover body bytes would desync the framing.
			if !drain(req.Body) {
				s.writeError(bw, status, true)
				return nil
			}
			s.writeError(bw, status, false)
			continue
		}

		keepAlive := drain(req.Body) && !req.Close && !resp.Close
		if !keepAlive {
			resp.Close = true
		}
		err = resp.Write(bw)
		if resp.Body != nil {
			resp.Body.Close()
		}
		if err == nil {
			err = bw.Flush()
		}
		if err != nil {
			return errors.Transport(err, "writing response")
		}
		if !keepAlive {
			return nil
		}
	}
}

// writeError emits a bodyless response head by hand. Response.Write
// drops an explicit zero Content-Length, which would leave the client
// reading the body until close and wreck keep-alive framing.
func (s *HTTP1) writeError(bw *bufio.Writer, status int, close bool) {
	fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\n", status, http.StatusText(status))
	if close {
		io.WriteString(bw, "Connection: close\r\n")
	}
	io.WriteString(bw, "\r\n")
	bw.Flush()
}

// drainLimit bounds how much of an unread request body is consumed to
// keep the connection reusable.
const drainLimit = 1 << 20

// drain consumes what remains of a request body and reports whether
// the connection is still in sync for the next request.
func drain(body io.ReadCloser) bool {
	if body == nil {
		return true
	}
	n, err := io.Copy(io.Discard, io.LimitReader(body, drainLimit+1))
	body.Close()
	return err == nil && n <= drainLimit
}

func isTimeout(err error) bool {
	netErr, ok := err.(net.Error)
	if ok && netErr.Timeout() {
		return true
	}
	// ReadRequest wraps deadline errors from the underlying reader.
	return err != nil && strings.Contains(err.Error(), "i/o timeout")
}
