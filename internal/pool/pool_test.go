package pool

import (
	"net"
	"testing"
	"time"
)

const key = "tcp/10.0.0.1:80/http/1.1"

func newTestPool(cfg Config) *Pool {
	p := New(cfg)
	return p
}

func TestCheckoutEmpty(t *testing.T) {
	p := newTestPool(Config{})
	defer p.Close()
	if e := p.Checkout(key); e != nil {
		t.Fatal("checkout on empty pool should be nil")
	}
}

func TestCheckinCheckoutReuse(t *testing.T) {
	p := newTestPool(Config{})
	defer p.Close()

	local, remote := net.Pipe()
	defer remote.Close()

	p.Checkin(p.Offer(key, local))
	if got := p.IdleCount(); got != 1 {
		t.Fatalf("idle count %d, want 1", got)
	}

	e := p.Checkout(key)
	if e == nil {
		t.Fatal("expected a pooled connection")
	}
	if e.Conn != local {
		t.Fatal("got a different connection back")
	}
	if e.Reuses() != 1 {
		t.Fatalf("reuse count %d, want 1", e.Reuses())
	}
	if p.ReuseTotal() != 1 {
		t.Fatalf("pool reuse total %d, want 1", p.ReuseTotal())
	}
	if p.IdleCount() != 0 {
		t.Fatal("checkout should remove the entry")
	}
}

func TestPeerClosedConnectionNeverHandedOut(t *testing.T) {
	p := newTestPool(Config{})
	defer p.Close()

	local, remote := net.Pipe()
	p.Checkin(p.Offer(key, local))
	remote.Close()

	if e := p.Checkout(key); e != nil {
		t.Fatal("peer-closed connection must be evicted, not handed out")
	}
}

func TestUnsolicitedBytesEvict(t *testing.T) {
	p := newTestPool(Config{})
	defer p.Close()

	local, remote := net.Pipe()
	defer remote.Close()
	p.Checkin(p.Offer(key, local))

	go remote.Write([]byte{0xff})
	time.Sleep(5 * time.Millisecond)

	if e := p.Checkout(key); e != nil {
		t.Fatal("connection with unsolicited bytes must be evicted")
	}
}

func TestIdleExpiry(t *testing.T) {
	p := newTestPool(Config{MaxIdleTime: 10 * time.Millisecond})
	defer p.Close()

	local, remote := net.Pipe()
	defer remote.Close()
	p.Checkin(p.Offer(key, local))

	time.Sleep(25 * time.Millisecond)
	if e := p.Checkout(key); e != nil {
		t.Fatal("idle-expired connection must be evicted")
	}
}

func TestLifetimeExpiryOnCheckin(t *testing.T) {
	p := newTestPool(Config{MaxLifetime: 10 * time.Millisecond})
	defer p.Close()

	local, remote := net.Pipe()
	defer remote.Close()

	e := p.Offer(key, local)
	time.Sleep(25 * time.Millisecond)
	p.Checkin(e)

	if got := p.IdleCount(); got != 0 {
		t.Fatalf("idle count %d, want 0 after lifetime expiry", got)
	}
}

func TestPerKeyCap(t *testing.T) {
	p := newTestPool(Config{MaxIdlePerKey: 1})
	defer p.Close()

	a, ar := net.Pipe()
	b, br := net.Pipe()
	defer ar.Close()
	defer br.Close()

	p.Checkin(p.Offer(key, a))
	p.Checkin(p.Offer(key, b))

	if got := p.IdleCount(); got != 1 {
		t.Fatalf("idle count %d, want 1 with per-key cap", got)
	}
}

func TestKeysAreIsolated(t *testing.T) {
	p := newTestPool(Config{})
	defer p.Close()

	local, remote := net.Pipe()
	defer remote.Close()
	p.Checkin(p.Offer(key, local))

	if e := p.Checkout("tcp/10.0.0.2:80/http/1.1"); e != nil {
		t.Fatal("checkout must not cross keys")
	}
}

func TestCloseRejectsCheckin(t *testing.T) {
	p := newTestPool(Config{})

	local, remote := net.Pipe()
	defer remote.Close()
	e := p.Offer(key, local)

	p.Close()
	p.Checkin(e)
	if got := p.IdleCount(); got != 0 {
		t.Fatalf("idle count %d after close", got)
	}
}
