package worker

import (
	"net"
	"testing"
	"time"
)

func TestListenTCPSharesAddress(t *testing.T) {
	ln1, err := ListenTCP("127.0.0.1:0", 128)
	if err != nil {
		t.Fatal(err)
	}
	defer ln1.Close()

	// A second socket on the exact same address must bind cleanly;
	// that is the whole point of the per-worker listener.
	ln2, err := ListenTCP(ln1.Addr().String(), 128)
	if err != nil {
		t.Fatalf("second bind on %s: %v", ln1.Addr(), err)
	}
	defer ln2.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, ln := range []net.Listener{ln1, ln2} {
			if d, ok := ln.(interface{ SetDeadline(time.Time) error }); ok {
				d.SetDeadline(time.Now().Add(2 * time.Second))
			}
		}
		// Whichever socket the kernel picked, one accept completes.
		accepted := make(chan net.Conn, 2)
		for _, ln := range []net.Listener{ln1, ln2} {
			go func(ln net.Listener) {
				if c, err := ln.Accept(); err == nil {
					accepted <- c
				}
			}(ln)
		}
		select {
		case c := <-accepted:
			c.Close()
		case <-time.After(2 * time.Second):
			t.Error("no socket accepted the connection")
		}
	}()

	conn, err := net.DialTimeout("tcp", ln1.Addr().String(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()
	<-done
}

func TestListenUnixClearsStaleSocket(t *testing.T) {
	path := t.TempDir() + "/relay.sock"

	ln1, err := ListenUnix(path)
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a crashed process leaving the socket file behind.
	ln1.(*net.UnixListener).SetUnlinkOnClose(false)
	ln1.Close()

	ln2, err := ListenUnix(path)
	if err != nil {
		t.Fatalf("rebind over stale socket: %v", err)
	}
	ln2.Close()
}
