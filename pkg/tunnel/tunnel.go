// Package tunnel implements C3: one live bidirectional stream to a
// backend, owning its outbound sender and announced-service list.
// Grounded on
// _examples/xuezhaojun-multiclustertunnel/pkg/server/tunnel.go for the
// Go shape (unbounded outbound channel fed by many producers, drained
// by one writer goroutine).
package tunnel

import (
	"regexp"
	"sync/atomic"
	"time"

	v1 "github.com/tunnelfabric/gateway/api/v1"
)

// canonicalIDPattern matches the 8-4-4-4-12 hex-with-dashes shape used
// by UUID-v4 connection-ids. Grounded on
// original_source/src/services/connection/manager.rs's
// is_valid_connection_id, used here only to pick a diagnostic log
// message, never to reject a connection.
var canonicalIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// IsCanonicalID reports whether id has the canonical 36-character
// UUID-with-dashes shape.
func IsCanonicalID(id string) bool {
	return canonicalIDPattern.MatchString(id)
}

// Sender is the many-producer, single-consumer outbound queue a Tunnel
// feeds. It is unbounded by design (spec.md §5): heartbeats
// and status frames must never be dropped for backpressure reasons. A
// slow backend is instead declared unhealthy by heartbeat timeout.
type Sender interface {
	Send(*v1.ConnectionMessage) error
}

// Tunnel is one live reverse connection.
type Tunnel struct {
	ConnectionID string
	Services     []string
	CreatedAt    time.Time

	outbound Sender

	lastHeartbeat atomic.Int64 // unix nanos
	active        atomic.Bool
}

// New constructs a Tunnel for connectionID, announcing services, with
// outbound as its gateway-to-backend sender. The caller (C5) is
// responsible for installing it into the by-id and by-service indices.
func New(connectionID string, services []string, outbound Sender) *Tunnel {
	t := &Tunnel{
		ConnectionID: connectionID,
		Services:     services,
		CreatedAt:    time.Now(),
		outbound:     outbound,
	}
	t.lastHeartbeat.Store(time.Now().UnixNano())
	t.active.Store(true)
	return t
}

// AnnouncesService reports whether svc is one of this tunnel's
// announced services.
func (t *Tunnel) AnnouncesService(svc string) bool {
	for _, s := range t.Services {
		if s == svc {
			return true
		}
	}
	return false
}

// Touch refreshes last-heartbeat to now. Safe for concurrent use with
// IsFresh; spec.md §5 permits relaxed atomicity here since a stale
// read only delays reaping slightly.
func (t *Tunnel) Touch() {
	t.lastHeartbeat.Store(time.Now().UnixNano())
}

// LastHeartbeat returns the last-recorded heartbeat time.
func (t *Tunnel) LastHeartbeat() time.Time {
	return time.Unix(0, t.lastHeartbeat.Load())
}

// IsFresh reports whether the tunnel has heartbeated within timeout.
func (t *Tunnel) IsFresh(timeout time.Duration) bool {
	return time.Since(t.LastHeartbeat()) <= timeout
}

// Deactivate marks the tunnel as no longer active. Idempotent.
func (t *Tunnel) Deactivate() {
	t.active.Store(false)
}

// Active reports whether the tunnel has not yet been deactivated.
func (t *Tunnel) Active() bool {
	return t.active.Load()
}

// Send enqueues msg on the outbound sender.
func (t *Tunnel) Send(msg *v1.ConnectionMessage) error {
	return t.outbound.Send(msg)
}
