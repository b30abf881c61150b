// Package forwardpool implements C2: a cache of dialed HTTP/2
// cleartext clients to directly-reachable backends, keyed by address,
// with TTL, idle eviction, and an LRU-by-created-at cap. Grounded on
// _examples/original_source/src/services/client_manager.rs for the
// channel-cache shape, enriched with the TTL/idle/cap eviction policy
// sketched in
// _examples/other_examples/403fe4f3_Sergey-Bar-Alfred__services-gateway-provider-pool.go.go
// (entry bookkeeping only — rewritten from scratch).
package forwardpool

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"k8s.io/klog/v2"
)

// Dialer opens an HTTP/2 client to address. Overridable for tests.
type Dialer func(address string) *http.Client

// defaultDialer builds an h2c (HTTP/2 over cleartext) client, matching
// the gateway's own client-facing listener (spec.md §6: "HTTP/2
// cleartext; TLS is out of scope for the core").
func defaultDialer(address string) *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}

type entry struct {
	address   string
	client    *http.Client
	createdAt time.Time
	lastUsed  time.Time
	useCount  int64
}

// Stats exposes the pool's operating counters (spec.md §4.2).
type Stats struct {
	Hits        int64
	Misses      int64
	Creations   int64
	Evictions   int64
	Expirations int64
}

// Pool is C2.
type Pool struct {
	maxConnections  int
	ttl             time.Duration
	idleTimeout     time.Duration
	cleanupInterval time.Duration
	dial            Dialer

	mu      sync.Mutex
	entries map[string]*entry
	stats   Stats
}

// Config bundles the pool's tunables, sourced from
// pkg/config.ConnectionPoolConfig.
type Config struct {
	MaxConnections  int
	TTL             time.Duration
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
}

// New constructs a Pool with the default h2c dialer.
func New(cfg Config) *Pool {
	return NewWithDialer(cfg, defaultDialer)
}

// NewWithDialer constructs a Pool with a caller-supplied dialer,
// primarily for tests.
func NewWithDialer(cfg Config, dial Dialer) *Pool {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 500
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	return &Pool{
		maxConnections:  cfg.MaxConnections,
		ttl:             cfg.TTL,
		idleTimeout:     cfg.IdleTimeout,
		cleanupInterval: cfg.CleanupInterval,
		dial:            dial,
		entries:         make(map[string]*entry),
	}
}

func (p *Pool) isExpired(e *entry, now time.Time) bool {
	return now.Sub(e.createdAt) > p.ttl || now.Sub(e.lastUsed) > p.idleTimeout
}

// GetOrDial returns a cached client for address if present and not
// expired, touching its last-used time; otherwise dials a new one,
// evicting the oldest-created entry first if the cache is at capacity.
// Dialing an h2c client is cheap (no handshake happens until the first
// request), so failure here is limited to malformed addresses.
func (p *Pool) GetOrDial(address string) (*http.Client, error) {
	if address == "" {
		return nil, fmt.Errorf("forwardpool: empty address")
	}
	now := time.Now()

	p.mu.Lock()
	if e, ok := p.entries[address]; ok && !p.isExpired(e, now) {
		e.lastUsed = now
		e.useCount++
		p.stats.Hits++
		p.mu.Unlock()
		return e.client, nil
	}
	if _, ok := p.entries[address]; ok {
		delete(p.entries, address)
		p.stats.Expirations++
	}
	p.stats.Misses++

	if len(p.entries) >= p.maxConnections {
		p.evictOldestLocked()
	}
	client := p.dial(address)
	p.entries[address] = &entry{
		address:   address,
		client:    client,
		createdAt: now,
		lastUsed:  now,
		useCount:  1,
	}
	p.stats.Creations++
	p.mu.Unlock()

	return client, nil
}

// evictOldestLocked removes the entry with the oldest created-at
// timestamp. Must be called with p.mu held. A deliberately simple
// policy: the cap is an anti-leak guard, not a workload optimizer
// (spec.md §4.2).
func (p *Pool) evictOldestLocked() {
	var oldestAddr string
	var oldestAt time.Time
	first := true
	for addr, e := range p.entries {
		if first || e.createdAt.Before(oldestAt) {
			oldestAddr, oldestAt, first = addr, e.createdAt, false
		}
	}
	if oldestAddr == "" {
		return
	}
	delete(p.entries, oldestAddr)
	p.stats.Evictions++
	klog.V(4).InfoS("forwardpool: evicted oldest channel", "address", oldestAddr)
}

// Remove discards the cached client for address, if any.
func (p *Pool) Remove(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, address)
}

// ClearAll discards every cached client.
func (p *Pool) ClearAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string]*entry)
}

// Stats returns a point-in-time snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Len reports the current cached-client count.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// RunCleanup reaps expired entries every cleanupInterval until ctx is
// done.
func (p *Pool) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(p.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, e := range p.entries {
		if p.isExpired(e, now) {
			delete(p.entries, addr)
			p.stats.Expirations++
		}
	}
}
