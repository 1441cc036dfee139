// Package ratelimit admits new flows per client address with token buckets and an
// optional cap on concurrently open flows.
package ratelimit

import (
	"net/netip"
	"sync"
	"time"
)

// TokenBucket refills rate tokens per second up to capacity.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	rate       float64
	lastRefill time.Time
	now        func() time.Time
}

func NewTokenBucket(rate, capacity int) *TokenBucket {
	return newBucket(rate, capacity, time.Now)
}

func newBucket(rate, capacity int, now func() time.Time) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		rate:       float64(rate),
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

type Config struct {
	// GlobalRate is new flows per second across all clients, 0 disables.
	GlobalRate int
	// PerClientRate is new flows per second for one client address, 0 disables.
	PerClientRate int
	Burst         int
	// MaxPerClient caps concurrently open flows of one client address, 0 disables.
	MaxPerClient int
}

func (c Config) Enabled() bool {
	return c.GlobalRate > 0 || c.PerClientRate > 0 || c.MaxPerClient > 0
}

type client struct {
	bucket   *TokenBucket
	open     int
	lastSeen time.Time
}

// Limiter is safe for concurrent use.
type Limiter struct {
	cfg    Config
	global *TokenBucket
	now    func() time.Time

	mu      sync.Mutex
	clients map[netip.Addr]*client
}

func New(cfg Config) *Limiter {
	return newLimiter(cfg, time.Now)
}

func newLimiter(cfg Config, now func() time.Time) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = max(cfg.GlobalRate, cfg.PerClientRate, 1)
	}
	l := &Limiter{cfg: cfg, now: now, clients: make(map[netip.Addr]*client)}
	if cfg.GlobalRate > 0 {
		l.global = newBucket(cfg.GlobalRate, cfg.Burst, now)
	}
	return l
}

// AllowFlow decides whether a new flow from addr may open. An admitted flow must be
// released with Done when it ends.
func (l *Limiter) AllowFlow(addr netip.Addr) bool {
	addr = addr.Unmap()
	l.mu.Lock()
	c, ok := l.clients[addr]
	if !ok {
		c = &client{}
		if l.cfg.PerClientRate > 0 {
			c.bucket = newBucket(l.cfg.PerClientRate, l.cfg.Burst, l.now)
		}
		l.clients[addr] = c
	}
	c.lastSeen = l.now()
	if l.cfg.MaxPerClient > 0 && c.open >= l.cfg.MaxPerClient {
		l.mu.Unlock()
		return false
	}
	if c.bucket != nil && !c.bucket.Allow() {
		l.mu.Unlock()
		return false
	}
	if l.global != nil && !l.global.Allow() {
		l.mu.Unlock()
		return false
	}
	c.open++
	l.mu.Unlock()
	return true
}

// Done releases a flow admitted by AllowFlow.
func (l *Limiter) Done(addr netip.Addr) {
	addr = addr.Unmap()
	l.mu.Lock()
	if c, ok := l.clients[addr]; ok && c.open > 0 {
		c.open--
		c.lastSeen = l.now()
	}
	l.mu.Unlock()
}

// Open reports the admitted, not yet released flows of addr.
func (l *Limiter) Open(addr netip.Addr) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.clients[addr.Unmap()]; ok {
		return c.open
	}
	return 0
}

// Prune forgets clients without open flows that were idle for longer than idle.
func (l *Limiter) Prune(idle time.Duration) int {
	cutoff := l.now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for addr, c := range l.clients {
		if c.open == 0 && c.lastSeen.Before(cutoff) {
			delete(l.clients, addr)
			n++
		}
	}
	return n
}

// Clients is the number of tracked client addresses.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
