// Package pool implements the per-worker upstream connection pool.
// Each worker owns exactly one Pool; entries never cross workers.
package pool

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Entry is one pooled upstream connection, keyed by endpoint identity
// and protocol version.
type Entry struct {
	Conn net.Conn

	key       string
	createdAt time.Time
	idleSince time.Time
	reuses    int
}

// Reuses returns how many times this connection has been checked out.
func (e *Entry) Reuses() int { return e.reuses }

// Key returns the (endpoint, protocol) pool key.
func (e *Entry) Key() string { return e.key }

// Config configures a Pool.
type Config struct {
	MaxIdlePerKey int
	MaxIdleTime   time.Duration
	MaxLifetime   time.Duration
}

// DefaultConfig provides default pool settings.
var DefaultConfig = Config{
	MaxIdlePerKey: 16,
	MaxIdleTime:   90 * time.Second,
	MaxLifetime:   10 * time.Minute,
}

// Pool holds free lists of idle upstream connections keyed by
// (endpoint identity, protocol version). It is local to one worker:
// the mutex serializes the worker's own connection goroutines, never
// other workers.
type Pool struct {
	mu        sync.Mutex
	conns     map[string][]*Entry
	cfg       Config
	reuses    atomic.Uint64
	closeCh   chan struct{}
	closeOnce sync.Once
}

// New creates a pool and starts its eviction sweep.
func New(cfg Config) *Pool {
	if cfg.MaxIdlePerKey == 0 {
		cfg.MaxIdlePerKey = DefaultConfig.MaxIdlePerKey
	}
	if cfg.MaxIdleTime == 0 {
		cfg.MaxIdleTime = DefaultConfig.MaxIdleTime
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = DefaultConfig.MaxLifetime
	}

	p := &Pool{
		conns:   make(map[string][]*Entry),
		cfg:     cfg,
		closeCh: make(chan struct{}),
	}
	go p.sweep()
	return p
}

// Checkout removes and returns a live idle connection for key, or nil
// when none is usable. Expired and peer-closed candidates found along
// the way are evicted and closed, never handed out.
func (p *Pool) Checkout(key string) *Entry {
	for {
		p.mu.Lock()
		entries := p.conns[key]
		if len(entries) == 0 {
			p.mu.Unlock()
			return nil
		}
		// Most recently idle first: warm connections are the least
		// likely to have been closed by the peer.
		e := entries[len(entries)-1]
		p.conns[key] = entries[:len(entries)-1]
		p.mu.Unlock()

		if p.alive(e) {
			e.reuses++
			p.reuses.Add(1)
			return e
		}
		e.Conn.Close()
	}
}

// Checkin returns a connection to the pool, resetting its idle timer.
// Connections over the per-key cap or past their lifetime are closed
// instead of retained.
func (p *Pool) Checkin(e *Entry) {
	select {
	case <-p.closeCh:
		e.Conn.Close()
		return
	default:
	}

	now := time.Now()
	if p.cfg.MaxLifetime > 0 && now.Sub(e.createdAt) > p.cfg.MaxLifetime {
		e.Conn.Close()
		return
	}
	e.idleSince = now

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns[e.key]) >= p.cfg.MaxIdlePerKey {
		e.Conn.Close()
		return
	}
	p.conns[e.key] = append(p.conns[e.key], e)
}

// Offer wraps a freshly dialed connection into an Entry so it can be
// checked in after use.
func (p *Pool) Offer(key string, conn net.Conn) *Entry {
	return &Entry{
		Conn:      conn,
		key:       key,
		createdAt: time.Now(),
		idleSince: time.Now(),
	}
}

// alive validates a candidate before handing it out: idle timeout,
// lifetime, and a short non-blocking read that detects a peer-closed
// connection.
func (p *Pool) alive(e *Entry) bool {
	now := time.Now()
	if now.Sub(e.idleSince) > p.cfg.MaxIdleTime {
		return false
	}
	if p.cfg.MaxLifetime > 0 && now.Sub(e.createdAt) > p.cfg.MaxLifetime {
		return false
	}

	e.Conn.SetReadDeadline(now.Add(time.Millisecond))
	var one [1]byte
	n, err := e.Conn.Read(one[:])
	e.Conn.SetReadDeadline(time.Time{})

	if n > 0 {
		// Unsolicited bytes on an idle connection: the entry is
		// unusable since the byte cannot be pushed back.
		return false
	}
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return true
		}
		return false
	}
	return true
}

// sweep periodically evicts expired entries.
func (p *Pool) sweep() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.closeCh:
			return
		case <-ticker.C:
			p.evictExpired()
		}
	}
}

func (p *Pool) evictExpired() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for key, entries := range p.conns {
		var kept []*Entry
		for _, e := range entries {
			expired := now.Sub(e.idleSince) > p.cfg.MaxIdleTime ||
				(p.cfg.MaxLifetime > 0 && now.Sub(e.createdAt) > p.cfg.MaxLifetime)
			if expired {
				e.Conn.Close()
			} else {
				kept = append(kept, e)
			}
		}
		if len(kept) > 0 {
			p.conns[key] = kept
		} else {
			delete(p.conns, key)
		}
	}
}

// IdleCount returns the total number of idle entries.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, entries := range p.conns {
		total += len(entries)
	}
	return total
}

// ReuseTotal returns the cumulative count of checkouts served from an
// existing connection.
func (p *Pool) ReuseTotal() uint64 { return p.reuses.Load() }

// Close closes the pool and every idle connection.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() { close(p.closeCh) })

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, entries := range p.conns {
		for _, e := range entries {
			e.Conn.Close()
		}
	}
	p.conns = make(map[string][]*Entry)
	return nil
}
