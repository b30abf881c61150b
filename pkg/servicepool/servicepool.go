// Package servicepool implements C4: the set of tunnels announcing one
// service name, with a round-robin cursor and expired-entry reaping.
// Grounded on
// _examples/original_source/src/services/connection/service_pool.rs
// (ServicePool, AtomicUsize cursor, active/expired partition before
// round robin).
package servicepool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tunnelfabric/gateway/pkg/tunnel"
)

// Pool is the set of tunnels serving one service name.
type Pool struct {
	mu      sync.Mutex
	tunnels map[string]*tunnel.Tunnel
	cursor  atomic.Uint64
}

// New constructs an empty Pool.
func New() *Pool {
	return &Pool{tunnels: make(map[string]*tunnel.Tunnel)}
}

// Add upserts t by connection-id, returning the replaced tunnel (if
// any) for the caller to detach from other indices.
func (p *Pool) Add(t *tunnel.Tunnel) (old *tunnel.Tunnel, replaced bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	old, replaced = p.tunnels[t.ConnectionID]
	p.tunnels[t.ConnectionID] = t
	return old, replaced
}

// Remove deletes the tunnel for connectionID, returning it if present.
func (p *Pool) Remove(connectionID string) (*tunnel.Tunnel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tunnels[connectionID]
	if ok {
		delete(p.tunnels, connectionID)
	}
	return t, ok
}

// Next snapshots all entries, partitions them into active-and-fresh vs
// expired, drops the expired entries from the pool, and returns the
// next tunnel in round-robin order among the active set. Returns
// false if nothing is active.
func (p *Pool) Next(heartbeatTimeout time.Duration) (*tunnel.Tunnel, bool) {
	p.mu.Lock()
	active := make([]*tunnel.Tunnel, 0, len(p.tunnels))
	for id, t := range p.tunnels {
		if t.IsFresh(heartbeatTimeout) {
			active = append(active, t)
		} else {
			delete(p.tunnels, id)
		}
	}
	p.mu.Unlock()

	if len(active) == 0 {
		return nil, false
	}
	idx := p.cursor.Add(1) % uint64(len(active))
	return active[idx], true
}

// Len reports the current tunnel count, including any not-yet-reaped
// stale entries.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tunnels)
}

// IsEmpty reports whether the pool holds no tunnels.
func (p *Pool) IsEmpty() bool {
	return p.Len() == 0
}
