// Package registry implements C1: a map from service name to the set
// of its healthy instances, with heartbeat-based expiry. Grounded on
// original_source/src/services/registry/types.rs and service.rs.
package registry

import (
	"context"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// HealthStatus mirrors original_source's ServiceHealthStatus enum.
type HealthStatus int

const (
	Unknown HealthStatus = iota
	Healthy
	Unhealthy
)

func (s HealthStatus) String() string {
	switch s {
	case Healthy:
		return "Healthy"
	case Unhealthy:
		return "Unhealthy"
	default:
		return "Unknown"
	}
}

// Instance is one registered address for a service.
type Instance struct {
	Address       string
	LastHeartbeat time.Time
	Health        HealthStatus
}

// Registry maps service name -> instance-id (address, or tunnel
// connection-id) -> Instance.
type Registry struct {
	mu              sync.Mutex
	services        map[string]map[string]*Instance
	heartbeatTimeout time.Duration
}

// New constructs an empty Registry. heartbeatTimeout is the liveness
// sweep's expiry window (spec.md §4.1, default 120s).
func New(heartbeatTimeout time.Duration) *Registry {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 120 * time.Second
	}
	return &Registry{
		services:         make(map[string]map[string]*Instance),
		heartbeatTimeout: heartbeatTimeout,
	}
}

// Register upserts an instance for every named service, all keyed by
// instanceID (the tunnel connection-id, or the dialed address for a
// directly-reachable backend). Never fails partially.
func (r *Registry) Register(instanceID, address string, services []string) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, svc := range services {
		instances, ok := r.services[svc]
		if !ok {
			instances = make(map[string]*Instance)
			r.services[svc] = instances
		}
		instances[instanceID] = &Instance{
			Address:       address,
			LastHeartbeat: now,
			Health:        Healthy,
		}
	}
}

// GetHealthy returns the address of the first Healthy instance found
// for service, in map iteration order (any deterministic-enough order
// is acceptable per spec.md §4.1).
func (r *Registry) GetHealthy(service string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	instances, ok := r.services[service]
	if !ok {
		return "", false
	}
	for _, inst := range instances {
		if inst.Health == Healthy {
			return inst.Address, true
		}
	}
	return "", false
}

// UpdateHealth sets every instance of service to status and reports
// whether anything matched.
func (r *Registry) UpdateHealth(service string, status HealthStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	instances, ok := r.services[service]
	if !ok || len(instances) == 0 {
		return false
	}
	for _, inst := range instances {
		inst.Health = status
	}
	return true
}

// Unregister removes the entire service entry.
func (r *Registry) Unregister(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, service)
}

// TouchInstance refreshes last-heartbeat for one instance of one
// service. Called by the reverse manager to keep registry state in
// sync with tunnel liveness (spec.md §4.5.3).
func (r *Registry) TouchInstance(service, instanceID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	instances, ok := r.services[service]
	if !ok {
		return
	}
	inst, ok := instances[instanceID]
	if !ok {
		return
	}
	inst.LastHeartbeat = now
}

// RemoveInstance removes one instance of one service, pruning the
// service entry if it becomes empty. Used when a tunnel detaches.
func (r *Registry) RemoveInstance(service, instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	instances, ok := r.services[service]
	if !ok {
		return
	}
	delete(instances, instanceID)
	if len(instances) == 0 {
		delete(r.services, service)
	}
}

// sweep removes every instance whose heartbeat is stale, pruning
// service entries that become empty under a remove-if-empty guard.
func (r *Registry) sweep() {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for svc, instances := range r.services {
		for id, inst := range instances {
			if now.Sub(inst.LastHeartbeat) > r.heartbeatTimeout {
				delete(instances, id)
				klog.Warningf("registry: reaped stale instance %s of service %s", id, svc)
			}
		}
		if len(instances) == 0 {
			delete(r.services, svc)
		}
	}
}

// RunSweep runs the liveness sweep every heartbeatTimeout until ctx is
// done. The sweep is infallible; each reaped instance is logged at
// warn rather than propagated.
func (r *Registry) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}
