package codec

import (
	"bufio"
	"context"
	"io"
)

// connWatch coordinates ownership of a connection's read side between
// the serve loop and a background peek. The background peek runs while
// an exchange is in flight and the reader would otherwise sit idle; a
// read failure there means the peer is gone, and cancels the
// connection context so the exchange does not outlive its client.
type connWatch struct {
	br     *bufio.Reader
	cancel context.CancelFunc
	ch     chan error
}

func newConnWatch(br *bufio.Reader, cancel context.CancelFunc) *connWatch {
	return &connWatch{br: br, cancel: cancel}
}

// Await blocks until the next request byte is readable, reclaiming the
// reader from a background peek when one is active. Deadlines set on
// the underlying connection interrupt either path.
func (w *connWatch) Await() error {
	if w.ch != nil {
		err := <-w.ch
		w.ch = nil
		return err
	}
	_, err := w.br.Peek(1)
	return err
}

// Start hands the reader to a background peek. Callers must not touch
// the reader again until Await returns; starting is only safe once the
// current request has been fully consumed from it.
func (w *connWatch) Start() {
	if w.ch != nil {
		return
	}
	ch := make(chan error, 1)
	w.ch = ch
	go func() {
		_, err := w.br.Peek(1)
		if err != nil {
			w.cancel()
		}
		ch <- err
	}()
}

// watchedBody starts the connection watch the moment a request body
// has been read to its end, the earliest point at which the reader is
// idle for the rest of the exchange.
type watchedBody struct {
	io.ReadCloser
	onEOF func()
	seen  bool
}

func (b *watchedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err == io.EOF && !b.seen {
		b.seen = true
		b.onEOF()
	}
	return n, err
}
