// Package reverse implements C5, the reverse manager: the heart of the
// gateway. It owns every tunnel, indexes them by connection-id and by
// service name, dispatches outbound requests, correlates responses,
// reassembles streamed payloads, and runs the periodic cleanup sweeps.
//
// Grounded primarily on
// _examples/original_source/src/services/connection/manager.rs,
// handler.rs, and cleanup.rs, with the inbound demux wiring grounded on
// _examples/original_source/src/services/registry/grpc_impl.rs's
// handle_message_type.
package reverse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	v1 "github.com/tunnelfabric/gateway/api/v1"
	"github.com/tunnelfabric/gateway/pkg/gatewayerr"
	"github.com/tunnelfabric/gateway/pkg/registry"
	"github.com/tunnelfabric/gateway/pkg/servicepool"
	"github.com/tunnelfabric/gateway/pkg/tunnel"
)

// EventBus is the subset of C6 the reverse manager hands Event and
// Subscription frames off to.
type EventBus interface {
	Publish(evt *v1.EventMessage) (int, error)
	Subscribe(eventType string) (id string, ch <-chan *v1.EventMessage, err error)
	Unsubscribe(eventType, id string)
}

// Config bundles the reverse manager's tunable timeouts, sourced from
// pkg/config.ReverseConnectionConfig.
type Config struct {
	HeartbeatTimeout   time.Duration
	RequestTimeout     time.Duration
	CleanupInterval    time.Duration
	MaxPendingRequests int
	MaxBodySize        int64
}

type pendingRequest struct {
	createdAt time.Time
	sink      chan *v1.ForwardResponse
}

type reassembly struct {
	chunks   map[int32][]byte
	maxIndex int32
	base     *v1.ForwardResponse
	sink     chan *v1.ForwardResponse
}

type subscription struct {
	id   string
	stop chan struct{}
}

// Manager is C5.
type Manager struct {
	cfg Config

	registry *registry.Registry // one-way optional reference; registry stays ignorant of tunnels
	events   EventBus

	mu         sync.Mutex
	byID       map[string]*tunnel.Tunnel
	byService  map[string]*servicepool.Pool
	pending    map[string]*pendingRequest
	reassembly map[string]*reassembly
	subsByConn map[string]map[string]*subscription // connectionID -> eventType -> subscription

	nextSeq uint64 // not read or written anywhere; not part of wire protocol
}

// New constructs a Manager. reg may be nil if the gateway is run
// without a registry-backed forward path (tunnels-only deployments).
// events may be nil until C6 is wired in cmd/gateway.
func New(cfg Config, reg *registry.Registry, events EventBus) *Manager {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 120 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 60 * time.Second
	}
	if cfg.MaxPendingRequests <= 0 {
		cfg.MaxPendingRequests = 1000
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 100 << 20
	}
	return &Manager{
		cfg:        cfg,
		registry:   reg,
		events:     events,
		byID:       make(map[string]*tunnel.Tunnel),
		byService:  make(map[string]*servicepool.Pool),
		pending:    make(map[string]*pendingRequest),
		reassembly: make(map[string]*reassembly),
		subsByConn: make(map[string]map[string]*subscription),
	}
}

// ConnectionStats is a read-only snapshot, grounded on
// original_source/src/services/connection/types.rs's ConnectionStats.
type ConnectionStats struct {
	ActiveConnections int
	RegisteredServices int
	PendingRequests    int
}

// Stats returns a point-in-time snapshot of manager-owned state.
func (m *Manager) Stats() ConnectionStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConnectionStats{
		ActiveConnections:  len(m.byID),
		RegisteredServices: len(m.byService),
		PendingRequests:    len(m.pending),
	}
}

// RegisterConnection implements spec.md §4.5.1. If connectionID is
// empty a fresh UUID-v4 is minted.
func (m *Manager) RegisterConnection(connectionID string, services []string, outbound tunnel.Sender) *tunnel.Tunnel {
	if connectionID == "" {
		connectionID = uuid.NewString()
	}
	t := tunnel.New(connectionID, services, outbound)

	m.mu.Lock()
	old, existed := m.byID[connectionID]
	if existed {
		// Detach the prior tunnel from every by-service pool before
		// installing the new one under the same connection-id key: for
		// any service both tunnels announce, installing first would let
		// the detach below remove the new tunnel instead of the old one
		// (servicepool.Pool keys entries by connection-id), silently
		// dropping the replacement from byService entirely.
		m.detachTunnelLocked(old)
	}
	m.byID[connectionID] = t
	for _, svc := range services {
		pool, ok := m.byService[svc]
		if !ok {
			pool = servicepool.New()
			m.byService[svc] = pool
		}
		pool.Add(t)
	}
	m.mu.Unlock()

	if existed {
		klog.InfoS("reverse: connection re-registered, detaching prior tunnel", "connection_id", connectionID)
		old.Deactivate()
		if m.registry != nil {
			for _, svc := range old.Services {
				m.registry.RemoveInstance(svc, old.ConnectionID)
			}
		}
	}
	if m.registry != nil {
		m.registry.Register(connectionID, connectionID, services)
	}
	klog.InfoS("reverse: connection registered", "connection_id", connectionID, "services", services)
	return t
}

// detachTunnel removes old from every service pool it was announced
// under and prunes the outer by-service map entries that become
// empty, under an empty-only guard (spec.md §3 invariant 1).
func (m *Manager) detachTunnel(old *tunnel.Tunnel) {
	if old == nil {
		return
	}
	old.Deactivate()
	m.mu.Lock()
	m.detachTunnelLocked(old)
	m.mu.Unlock()

	if m.registry != nil {
		for _, svc := range old.Services {
			m.registry.RemoveInstance(svc, old.ConnectionID)
		}
	}
}

// detachTunnelLocked does the byService bookkeeping half of
// detachTunnel; the caller must hold m.mu. Split out so
// RegisterConnection can detach a replaced tunnel under the same
// critical section that installs its replacement.
func (m *Manager) detachTunnelLocked(old *tunnel.Tunnel) {
	for _, svc := range old.Services {
		pool, ok := m.byService[svc]
		if !ok {
			continue
		}
		pool.Remove(old.ConnectionID)
		if pool.IsEmpty() {
			delete(m.byService, svc)
		}
	}
}

// UnregisterConnection implements spec.md §4.5.2.
func (m *Manager) UnregisterConnection(connectionID string) {
	m.mu.Lock()
	t, ok := m.byID[connectionID]
	if ok {
		delete(m.byID, connectionID)
	}
	subs := m.subsByConn[connectionID]
	delete(m.subsByConn, connectionID)
	m.mu.Unlock()

	if !ok {
		return
	}
	m.detachTunnel(t)

	if m.events != nil {
		for eventType, sub := range subs {
			close(sub.stop)
			m.events.Unsubscribe(eventType, sub.id)
		}
	}
	klog.InfoS("reverse: connection unregistered", "connection_id", connectionID)
}

// Heartbeat implements spec.md §4.5.3's three-tier resolution.
func (m *Manager) Heartbeat(id string) {
	m.mu.Lock()
	if t, ok := m.byID[id]; ok {
		t.Touch()
		svcs := append([]string(nil), t.Services...)
		m.mu.Unlock()
		if m.registry != nil {
			now := time.Now()
			for _, svc := range svcs {
				m.registry.TouchInstance(svc, id, now)
			}
		}
		return
	}
	pool, ok := m.byService[id]
	m.mu.Unlock()

	if ok {
		if t, found := pool.Next(m.cfg.HeartbeatTimeout); found {
			t.Touch()
			klog.ErrorS(nil, "reverse: heartbeat used a service name instead of a connection-id; client should send its connection-id", "service_name", id)
			return
		}
	}

	switch {
	case id == "":
		klog.InfoS("reverse: heartbeat dropped, empty id supplied")
	case !tunnel.IsCanonicalID(id):
		klog.InfoS("reverse: heartbeat dropped, id is not a valid connection-id or known service name", "id", id)
	default:
		klog.InfoS("reverse: heartbeat dropped, well-formed id does not match any known connection", "connection_id", id)
	}
}

// Resolve implements spec.md §4.5.4: direct lookup, then hierarchical
// dot-prefix fallback, then an opportunistic prune of a dangling empty
// entry.
func (m *Manager) Resolve(service string) (*tunnel.Tunnel, bool) {
	if t, ok := m.resolveDirect(service); ok {
		return t, true
	}
	for _, candidate := range prefixes(service) {
		if t, ok := m.resolveDirect(candidate); ok {
			return t, true
		}
	}
	m.pruneIfEmpty(service)
	return nil, false
}

func (m *Manager) resolveDirect(service string) (*tunnel.Tunnel, bool) {
	m.mu.Lock()
	pool, ok := m.byService[service]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return pool.Next(m.cfg.HeartbeatTimeout)
}

func (m *Manager) pruneIfEmpty(service string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pool, ok := m.byService[service]; ok && pool.IsEmpty() {
		delete(m.byService, service)
	}
}

// prefixes returns progressively shorter dot-delimited prefixes of
// service, e.g. "a.b.c" -> ["a.b", "a"].
func prefixes(service string) []string {
	var out []string
	for i := len(service) - 1; i >= 0; i-- {
		if service[i] == '.' {
			out = append(out, service[:i])
		}
	}
	return out
}

// HasReverseConnection is a read-only probe used by the router to
// decide between the tunnel path and the forward path (spec.md §4.8
// step 3). It does not consume the round-robin cursor's fairness
// beyond what Resolve itself would.
func (m *Manager) HasReverseConnection(service string) bool {
	_, ok := m.Resolve(service)
	return ok
}

// Send implements spec.md §4.5.5, the unary dispatch-and-correlate
// path.
func (m *Manager) Send(ctx context.Context, service, methodPath string, headers map[string]string, payload []byte, timeout time.Duration) (*v1.ForwardResponse, error) {
	t, ok := m.Resolve(service)
	if !ok {
		return nil, fmt.Errorf("%s: %w", service, gatewayerr.ErrNoReverseConnection)
	}

	requestID := uuid.NewString()

	m.mu.Lock()
	if len(m.pending) >= m.cfg.MaxPendingRequests {
		m.mu.Unlock()
		return nil, gatewayerr.ErrTooManyPendingRequests
	}
	pr := &pendingRequest{createdAt: time.Now(), sink: make(chan *v1.ForwardResponse, 1)}
	m.pending[requestID] = pr
	m.mu.Unlock()

	if timeout <= 0 {
		timeout = m.cfg.RequestTimeout
	}

	req := &v1.ForwardRequest{
		RequestID:      requestID,
		MethodPath:     methodPath,
		Headers:        headers,
		Payload:        payload,
		TimeoutSeconds: int32(timeout.Seconds()),
		StreamingInfo: &v1.StreamingInfo{
			StreamType:  v1.StreamTypeUnary,
			IsStreamEnd: true,
		},
	}

	if err := t.Send(v1.NewRequestMessage(req)); err != nil {
		m.removePendingIfPresent(requestID)
		return nil, fmt.Errorf("%s: %w", err, gatewayerr.ErrTunnelSendFailed)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case resp, open := <-pr.sink:
		if !open {
			return nil, gatewayerr.ErrResponseChannelClosed
		}
		return resp, nil
	case <-waitCtx.Done():
		m.removePendingIfPresent(requestID)
		return nil, gatewayerr.ErrRequestTimeout
	}
}

// SendStream collects body (bounded by MaxBodySize) into a payload and
// calls Send, per spec.md §4.5.5's streaming variant for the tunneled
// path.
func (m *Manager) SendStream(ctx context.Context, service, methodPath string, headers map[string]string, body io.Reader, timeout time.Duration) (*v1.ForwardResponse, error) {
	payload, err := collectBounded(body, m.cfg.MaxBodySize)
	if err != nil {
		return nil, err
	}
	return m.Send(ctx, service, methodPath, headers, payload, timeout)
}

func (m *Manager) removePendingIfPresent(requestID string) {
	m.mu.Lock()
	delete(m.pending, requestID)
	delete(m.reassembly, requestID)
	m.mu.Unlock()
}

// deliverResponse hands resp to its pending request's sink, exactly
// once (spec.md §3 invariant 3: producers race, the loser drops the
// response — here the "race" is resolved by the map delete acting as
// the single point of ownership transfer).
func (m *Manager) deliverResponse(resp *v1.ForwardResponse) {
	m.mu.Lock()
	pr, ok := m.pending[resp.RequestID]
	if ok {
		delete(m.pending, resp.RequestID)
	}
	m.mu.Unlock()

	if !ok {
		klog.V(2).InfoS("reverse: response for unknown or already-resolved request-id dropped", "request_id", resp.RequestID)
		return
	}
	pr.sink <- resp
}

// handleStreamChunk implements spec.md §4.5.6's reassembly: chunks are
// stored in a map keyed by index; once the final chunk and as many
// chunks as its index implies have arrived, in any wire order, they are
// concatenated in index order.
func (m *Manager) handleStreamChunk(resp *v1.ForwardResponse) {
	info := resp.ResponseStreamInfo

	m.mu.Lock()
	ra, ok := m.reassembly[resp.RequestID]
	if !ok {
		pr, found := m.pending[resp.RequestID]
		if !found {
			m.mu.Unlock()
			klog.V(2).InfoS("reverse: stream chunk for unknown request-id dropped", "request_id", resp.RequestID)
			return
		}
		delete(m.pending, resp.RequestID)
		ra = &reassembly{chunks: make(map[int32][]byte), maxIndex: -1, sink: pr.sink}
		m.reassembly[resp.RequestID] = ra
	}
	ra.chunks[info.ChunkIndex] = resp.Payload
	ra.base = resp
	if info.IsFinal {
		ra.maxIndex = info.ChunkIndex
	}
	complete := ra.maxIndex >= 0 && len(ra.chunks) >= int(ra.maxIndex)+1
	if complete {
		delete(m.reassembly, resp.RequestID)
	}
	m.mu.Unlock()

	if !complete {
		return
	}

	assembled := make([]byte, 0)
	for i := int32(0); i <= ra.maxIndex; i++ {
		chunk, ok := ra.chunks[i]
		if !ok {
			klog.ErrorS(nil, "reverse: streamed response missing a chunk, aborting reassembly", "request_id", resp.RequestID, "missing_index", i)
			return
		}
		assembled = append(assembled, chunk...)
	}

	out := *ra.base
	out.Payload = assembled
	out.ResponseStreamInfo = nil
	ra.sink <- &out
}

// HandleInbound implements spec.md §4.5.6's demux table for a message
// arriving from connectionID's tunnel. It returns true when the inbound
// loop should end (a Disconnected status frame was observed).
func (m *Manager) HandleInbound(connectionID string, msg *v1.ConnectionMessage) (shouldClose bool) {
	switch {
	case msg.GetResponse() != nil:
		resp := msg.GetResponse()
		if resp.ResponseStreamInfo != nil && resp.ResponseStreamInfo.IsStreamed {
			m.handleStreamChunk(resp)
		} else {
			m.deliverResponse(resp)
		}
	case msg.GetHeartbeat() != nil:
		m.Heartbeat(msg.GetHeartbeat().ConnectionID)
	case msg.GetStatus() != nil:
		if msg.GetStatus().Status == v1.StatusDisconnected {
			return true
		}
	case msg.GetRequest() != nil:
		m.handleServiceToServiceRequest(connectionID, msg.GetRequest())
	case msg.GetRegister() != nil:
		klog.Warningf("reverse: unexpected register message on established connection %s", connectionID)
	case msg.GetEvent() != nil:
		m.handlePublish(msg.GetEvent())
	case msg.GetSubscription() != nil:
		m.handleSubscription(connectionID, msg.GetSubscription())
	}
	return false
}

// handleServiceToServiceRequest implements spec.md §4.5.6's Request
// case: a call originated from the tunneled side, dispatched back
// through the manager and answered on the originating tunnel's
// outbound sender. It is spawned on its own goroutine so the inbound
// demux loop is never blocked on a downstream call (spec.md §4.7).
func (m *Manager) handleServiceToServiceRequest(originConnectionID string, req *v1.ForwardRequest) {
	m.mu.Lock()
	origin, ok := m.byID[originConnectionID]
	m.mu.Unlock()
	if !ok {
		klog.Warningf("reverse: service-to-service request from unknown connection %s dropped", originConnectionID)
		return
	}

	go func() {
		svc := extractServiceName(req.MethodPath)
		timeout := m.cfg.RequestTimeout
		if req.TimeoutSeconds > 0 {
			timeout = time.Duration(req.TimeoutSeconds) * time.Second
		}

		resp, err := m.Send(context.Background(), svc, req.MethodPath, req.Headers, req.Payload, timeout)
		if err != nil {
			klog.ErrorS(err, "reverse: service-to-service request failed", "request_id", req.RequestID, "method_path", req.MethodPath)
			resp = &v1.ForwardResponse{
				RequestID:    req.RequestID,
				StatusCode:   500,
				ErrorMessage: err.Error(),
			}
		} else {
			resp.RequestID = req.RequestID
		}

		if sendErr := origin.Send(v1.NewResponseMessage(resp)); sendErr != nil {
			klog.ErrorS(sendErr, "reverse: failed to send service-to-service response back to origin", "connection_id", originConnectionID)
		}
	}()
}

// extractServiceName trims the leading '/' from a method path of the
// form "/<pkg.Service>/<Method>" and returns the first segment,
// preserving its dotted form (spec.md §6, §4.8 step 2 — this
// deliberately diverges from original_source/extractor.rs, see
// DESIGN.md).
func extractServiceName(methodPath string) string {
	p := methodPath
	if len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			return p[:i]
		}
	}
	return p
}

func (m *Manager) handlePublish(evt *v1.EventMessage) {
	if m.events == nil {
		return
	}
	if _, err := m.events.Publish(evt); err != nil {
		klog.V(2).InfoS("reverse: event publish reported no subscribers", "event_type", evt.EventType)
	}
}

func (m *Manager) handleSubscription(connectionID string, req *v1.SubscriptionRequest) {
	if m.events == nil {
		return
	}

	m.mu.Lock()
	t, ok := m.byID[connectionID]
	m.mu.Unlock()
	if !ok {
		return
	}

	if !req.Subscribe {
		m.mu.Lock()
		subs := m.subsByConn[connectionID]
		sub, found := subs[req.EventType]
		if found {
			delete(subs, req.EventType)
		}
		m.mu.Unlock()
		if found {
			close(sub.stop)
			m.events.Unsubscribe(req.EventType, sub.id)
		}
		return
	}

	id, ch, err := m.events.Subscribe(req.EventType)
	if err != nil {
		klog.ErrorS(err, "reverse: subscribe failed", "connection_id", connectionID, "event_type", req.EventType)
		return
	}
	sub := &subscription{id: id, stop: make(chan struct{})}

	m.mu.Lock()
	subs, ok := m.subsByConn[connectionID]
	if !ok {
		subs = make(map[string]*subscription)
		m.subsByConn[connectionID] = subs
	}
	subs[req.EventType] = sub
	m.mu.Unlock()

	go m.forwardEvents(t, req.EventType, ch, sub.stop)
}

func (m *Manager) forwardEvents(t *tunnel.Tunnel, eventType string, ch <-chan *v1.EventMessage, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := t.Send(v1.NewEventMessage(evt)); err != nil {
				klog.V(4).InfoS("reverse: dropping event for closed tunnel", "connection_id", t.ConnectionID, "event_type", eventType)
				return
			}
		}
	}
}

// RunCleanup implements spec.md §4.5.7's periodic sweep until ctx is
// done.
func (m *Manager) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepTunnels()
			m.sweepPending()
		}
	}
}

func (m *Manager) sweepTunnels() {
	m.mu.Lock()
	stale := make([]*tunnel.Tunnel, 0)
	for id, t := range m.byID {
		if !t.IsFresh(m.cfg.HeartbeatTimeout) {
			delete(m.byID, id)
			stale = append(stale, t)
		}
	}
	m.mu.Unlock()

	for _, t := range stale {
		klog.InfoS("reverse: cleanup sweep reaped a stale tunnel", "connection_id", t.ConnectionID)
		m.detachTunnel(t)
	}
}

func (m *Manager) sweepPending() {
	now := time.Now()
	m.mu.Lock()
	var expired []*pendingRequest
	for id, pr := range m.pending {
		if now.Sub(pr.createdAt) > m.cfg.RequestTimeout {
			delete(m.pending, id)
			expired = append(expired, pr)
		}
	}
	m.mu.Unlock()

	for _, pr := range expired {
		close(pr.sink)
	}
}

// collectBounded reads body to completion, per spec.md §9's "source of
// framed bytes that may fail, terminates on EOF" guidance, failing fast
// if it exceeds max bytes.
func collectBounded(body io.Reader, max int64) ([]byte, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 32*1024)
	var total int64
	for {
		n, err := body.Read(chunk)
		if n > 0 {
			total += int64(n)
			if total > max {
				return nil, fmt.Errorf("body exceeds max size %d bytes: %w", max, gatewayerr.ErrSerializationError)
			}
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return buf, nil
			}
			return nil, fmt.Errorf("reading request body: %w", err)
		}
		if n == 0 {
			return buf, nil
		}
	}
}
