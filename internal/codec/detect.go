package codec

import (
	"bufio"
	"bytes"
	"net"
	"time"

	"golang.org/x/net/http2"

	"github.com/wudi/relay/internal/config"
	"github.com/wudi/relay/internal/errors"
)

// Detect sniffs the first bytes of a connection to distinguish an
// HTTP/2 connection preface from HTTP/1.1. The returned connection
// replays the sniffed bytes, so no codec sees a gap.
func Detect(conn net.Conn, headerRead time.Duration) (config.Protocol, net.Conn, error) {
	br := bufio.NewReader(conn)

	if headerRead > 0 {
		conn.SetReadDeadline(time.Now().Add(headerRead))
	}
	// Peek incrementally and decide as soon as the bytes diverge from
	// the preface, so a short HTTP/1.x request is not held hostage
	// waiting for preface-length input.
	preface := []byte(http2.ClientPreface)
	proto := config.ProtoHTTP1
	want := 1
	for {
		peeked, err := br.Peek(want)
		if len(peeked) > 0 && !bytes.HasPrefix(preface, peeked) {
			break
		}
		if len(peeked) == len(preface) {
			proto = config.ProtoHTTP2
			break
		}
		if err != nil {
			if len(peeked) > 0 {
				// A true prefix that can never complete; let the
				// HTTP/1.1 parser produce the real error.
				break
			}
			conn.SetReadDeadline(time.Time{})
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return "", nil, errors.Timeout(errors.TimeoutHeaderRead, err)
			}
			return "", nil, errors.Protocol(err, "reading connection preface")
		}
		want = len(peeked) + 1
	}
	conn.SetReadDeadline(time.Time{})

	return proto, &bufferedConn{Conn: conn, r: br}, nil
}

// bufferedConn replays bytes buffered during detection before reading
// from the wrapped connection.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }
