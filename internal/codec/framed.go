package codec

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/wudi/relay/internal/errors"
	"github.com/wudi/relay/internal/pipeline"
)

// Framed wire format, all integers big-endian:
//
//	request:  u32 length | u8 version | u16 pathLen | path | payload
//	response: u32 length | u8 version | u16 status  | payload
//
// length counts everything after the length field. Requests translate
// into POSTs on the frame's path so routing and dispatch treat framed
// traffic like any other request.
const (
	framedVersion  = 1
	framedMaxFrame = 16 << 20
)

// Framed serves length-prefixed binary RPC connections.
type Framed struct {
	opts Options
}

// NewFramed creates a framed-RPC codec server.
func NewFramed(opts Options) *Framed {
	return &Framed{opts: opts}
}

// Serve runs the frame loop. Frames on one connection are processed
// strictly in order. Any malformed frame resets the connection; there
// is no in-band error frame for garbage input.
func (s *Framed) Serve(conn net.Conn, newCtx ContextFactory, stage pipeline.Stage) error {
	br := bufio.NewReader(conn)

	connCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watch := newConnWatch(br, cancel)

	for {
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
			return errors.Transport(err, "awaiting frame")
		}

		req, err := s.readFrame(conn, br)
		if err != nil {
			return err
		}
		// The frame is fully buffered, so the reader is idle for the
		// rest of the exchange.
		watch.Start()

		resp, serr := stage.Serve(newCtx(), req.WithContext(connCtx))
		if serr != nil {
			status := errors.StatusFor(serr)
			if status == 0 {
				return serr
			}
			if werr := s.writeFrame(conn, status, nil); werr != nil {
				return errors.Transport(werr, "writing error frame")
			}
			continue
		}

		var payload []byte
		if resp.Body != nil {
			payload, err = io.ReadAll(io.LimitReader(resp.Body, framedMaxFrame))
			resp.Body.Close()
			if err != nil {
				return errors.Transport(err, "reading upstream payload")
			}
		}
		if err := s.writeFrame(conn, resp.StatusCode, payload); err != nil {
			return errors.Transport(err, "writing response frame")
		}
	}
}

// readFrame reads and translates one request frame. The first byte is
// already readable; the whole frame is bounded by the header-read
// deadline.
func (s *Framed) readFrame(conn net.Conn, br *bufio.Reader) (*http.Request, error) {
	if s.opts.HeaderRead > 0 {
		conn.SetReadDeadline(time.Now().Add(s.opts.HeaderRead))
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
		return nil, s.frameReadError(err, "reading frame length")
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < 3 || length > framedMaxFrame {
		return nil, errors.Protocol(nil, fmt.Sprintf("frame length %d out of range", length))
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(br, frame); err != nil {
		return nil, s.frameReadError(err, "reading frame body")
	}
	conn.SetReadDeadline(time.Time{})

	if frame[0] != framedVersion {
		return nil, errors.Protocol(nil, fmt.Sprintf("unsupported frame version %d", frame[0]))
	}
	pathLen := int(binary.BigEndian.Uint16(frame[1:3]))
	if 3+pathLen > len(frame) {
		return nil, errors.Protocol(nil, "frame path exceeds frame length")
	}
	path := string(frame[3 : 3+pathLen])
	if path == "" || path[0] != '/' {
		return nil, errors.Protocol(nil, fmt.Sprintf("invalid frame path %q", path))
	}
	payload := frame[3+pathLen:]

	req := &http.Request{
		Method:        http.MethodPost,
		URL:           &url.URL{Path: path},
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"application/octet-stream"}},
		Body:          io.NopCloser(bytes.NewReader(payload)),
		ContentLength: int64(len(payload)),
	}
	return req, nil
}

func (s *Framed) writeFrame(conn net.Conn, status int, payload []byte) error {
	buf := make([]byte, 7, 7+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(3+len(payload)))
	buf[4] = framedVersion
	binary.BigEndian.PutUint16(buf[5:7], uint16(status))
	buf = append(buf, payload...)
	_, err := conn.Write(buf)
	return err
}

func (s *Framed) frameReadError(err error, what string) error {
	if isTimeout(err) {
		return errors.Timeout(errors.TimeoutHeaderRead, err)
	}
	// A partial frame is a framing violation, not a clean close.
	return errors.Protocol(err, what)
}

// WriteFramedRequest encodes an in-flight request as a request frame
// for a framed upstream.
func WriteFramedRequest(conn net.Conn, req *http.Request) error {
	var payload []byte
	if req.Body != nil {
		var err error
		payload, err = io.ReadAll(io.LimitReader(req.Body, framedMaxFrame))
		req.Body.Close()
		if err != nil {
			return err
		}
	}
	path := req.URL.Path
	buf := make([]byte, 7, 7+len(path)+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(3+len(path)+len(payload)))
	buf[4] = framedVersion
	binary.BigEndian.PutUint16(buf[5:7], uint16(len(path)))
	buf = append(buf, path...)
	buf = append(buf, payload...)
	_, err := conn.Write(buf)
	return err
}

// ReadFramedResponse decodes one response frame from a framed upstream
// into the canonical response shape.
func ReadFramedResponse(conn net.Conn) (*http.Response, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < 3 || length > framedMaxFrame {
		return nil, fmt.Errorf("response frame length %d out of range", length)
	}
	frame := make([]byte, length)
	if _, err := io.ReadFull(conn, frame); err != nil {
		return nil, err
	}
	if frame[0] != framedVersion {
		return nil, fmt.Errorf("unsupported response frame version %d", frame[0])
	}
	status := int(binary.BigEndian.Uint16(frame[1:3]))
	payload := frame[3:]

	return &http.Response{
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"application/octet-stream"}},
		Body:          io.NopCloser(bytes.NewReader(payload)),
		ContentLength: int64(len(payload)),
	}, nil
}
