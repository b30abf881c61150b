// Package registryservice implements C7: the gRPC-facing
// registry.RegistryService (Register, EstablishConnection), wiring C1
// and C5 together with token authentication. Grounded on
// _examples/original_source/src/services/registry/grpc_impl.rs.
package registryservice

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	v1 "github.com/tunnelfabric/gateway/api/v1"
	"github.com/tunnelfabric/gateway/pkg/registry"
	"github.com/tunnelfabric/gateway/pkg/reverse"
)

// TokenValidator reports whether an api-key is accepted.
type TokenValidator interface {
	ValidateToken(apiKey string) bool
}

// Service implements v1.RegistryServiceServer.
type Service struct {
	v1.UnimplementedRegistryServiceServer

	tokens   TokenValidator
	registry *registry.Registry
	manager  *reverse.Manager
}

// New constructs a Service.
func New(tokens TokenValidator, reg *registry.Registry, mgr *reverse.Manager) *Service {
	return &Service{tokens: tokens, registry: reg, manager: mgr}
}

// Register implements the unary registration call (spec.md §4.7).
func (s *Service) Register(ctx context.Context, req *v1.RegisterRequest) (*v1.RegisterResponse, error) {
	if !s.tokens.ValidateToken(req.APIKey) {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}

	s.registry.Register(req.Address, req.Address, req.Services)
	for _, svc := range req.Services {
		klog.InfoS("registryservice: registered service", "service", svc, "address", req.Address)
	}

	return &v1.RegisterResponse{Success: true, Message: "registration successful"}, nil
}

// EstablishConnection implements the bidirectional tunnel handshake
// and lifecycle (spec.md §4.7).
func (s *Service) EstablishConnection(stream v1.RegistryService_EstablishConnectionServer) error {
	first, err := stream.Recv()
	if err != nil {
		return status.Error(codes.Internal, "failed to receive connection message")
	}

	reg := first.GetRegister()
	if reg == nil {
		return status.Error(codes.InvalidArgument, "first message must be a connection register")
	}
	if !s.tokens.ValidateToken(reg.APIKey) {
		return status.Error(codes.Unauthenticated, "invalid token")
	}

	outbound := newStreamSender(stream)
	defer outbound.close()
	t := s.manager.RegisterConnection(reg.ConnectionID, reg.Services, outbound)

	klog.InfoS("registryservice: establishing reverse connection", "connection_id", t.ConnectionID, "services", reg.Services)

	if err := outbound.Send(v1.NewStatusMessage(&v1.ConnectionStatus{
		ConnectionID: t.ConnectionID,
		Status:       v1.StatusConnected,
		Message:      "connection established",
	})); err != nil {
		return status.Error(codes.Internal, "failed to send connection confirmation")
	}

	for {
		msg, err := stream.Recv()
		if err != nil {
			klog.InfoS("registryservice: inbound stream ended", "connection_id", t.ConnectionID, "error", err)
			break
		}
		if s.manager.HandleInbound(t.ConnectionID, msg) {
			klog.InfoS("registryservice: client requested disconnection", "connection_id", t.ConnectionID)
			break
		}
	}

	// A tunnel replaced by a newer registration under the same
	// connection-id (or already reaped by the cleanup sweep) is no longer
	// active; unregistering by id here would remove its successor.
	if t.Active() {
		s.manager.UnregisterConnection(t.ConnectionID)
	}
	klog.InfoS("registryservice: reverse connection closed", "connection_id", t.ConnectionID)
	return nil
}

// streamSender adapts the gRPC server stream's Send to the
// tunnel.Sender interface the reverse manager and tunnel package use.
// Per spec.md §4.7(3),(7) and §5, outbound is an unbounded queue
// drained by a single writer goroutine, not a direct synchronous send:
// heartbeat acks, service-to-service responses, and event fan-out are
// all producers on the same tunnel, and a mutex held across the
// blocking gRPC write would let one slow backend stall every other
// producer on it. Enqueue only appends and signals; the actual
// stream.Send happens on writeLoop's own goroutine.
type streamSender struct {
	stream v1.RegistryService_EstablishConnectionServer

	mu      sync.Mutex
	queue   []*v1.ConnectionMessage
	sendErr error

	notify chan struct{}
	closed chan struct{}
	once   sync.Once
}

func newStreamSender(stream v1.RegistryService_EstablishConnectionServer) *streamSender {
	s := &streamSender{
		stream: stream,
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *streamSender) Send(msg *v1.ConnectionMessage) error {
	s.mu.Lock()
	if s.sendErr != nil {
		err := s.sendErr
		s.mu.Unlock()
		return err
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// writeLoop is the single writer: it drains the queue in order,
// calling the blocking stream.Send one message at a time, so a slow
// or wedged backend only delays its own queue, never other tunnels or
// other producers racing to enqueue onto this one.
func (s *streamSender) writeLoop() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.closed:
				return
			}
		}
		msg := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if err := s.stream.Send(msg); err != nil {
			s.mu.Lock()
			s.sendErr = fmt.Errorf("registryservice: stream send: %w", err)
			s.mu.Unlock()
			return
		}
	}
}

// close stops writeLoop. Idempotent.
func (s *streamSender) close() {
	s.once.Do(func() { close(s.closed) })
}
