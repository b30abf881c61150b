// Package backendclient is the minimal SDK a backend process links in
// to register with the gateway and serve requests over a reverse
// tunnel, instead of hand-rolling the EstablishConnection stream.
// Grounded on
// _examples/original_source/src/services/gateway_client.rs and
// client/config.rs (GatewayClientConfig) for the config surface, and
// on _examples/xuezhaojun-multiclustertunnel/pkg/agent/agent.go's
// Run/establishAndServe/serve split for the reconnect-with-backoff
// idiom and the DRAIN-on-shutdown pattern.
package backendclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"k8s.io/klog/v2"

	v1 "github.com/tunnelfabric/gateway/api/v1"
)

// Handler answers one ForwardRequest arriving over the tunnel.
type Handler func(ctx context.Context, req *v1.ForwardRequest) (*v1.ForwardResponse, error)

// Config holds a backend's connection settings.
type Config struct {
	GatewayAddress string
	APIKey         string
	Services       []string
	ConnectionID   string // optional; empty lets the gateway mint one
	ConnectTimeout time.Duration
	HeartbeatEvery time.Duration
	DialOptions    []grpc.DialOption
	BackoffFactory func() backoff.BackOff
}

func (c *Config) setDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 30 * time.Second
	}
	if c.BackoffFactory == nil {
		c.BackoffFactory = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}
}

// Client is a reconnecting backend-side handle on the gateway's
// registry.RegistryService.
type Client struct {
	cfg     Config
	handler Handler
}

// New constructs a Client. handler answers every inbound
// ForwardRequest; each call runs on its own goroutine, so a handler
// that blocks does not delay subsequent frames on this connection.
func New(cfg Config, handler Handler) *Client {
	cfg.setDefaults()
	return &Client{cfg: cfg, handler: handler}
}

// Run dials the gateway and serves the tunnel until ctx is canceled,
// reconnecting with backoff on any stream failure.
func (c *Client) Run(ctx context.Context) error {
	b := c.cfg.BackoffFactory()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := c.establishAndServe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			klog.ErrorS(err, "backendclient: tunnel session failed, retrying")
		}

		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) establishAndServe(ctx context.Context) error {
	dialOpts := c.cfg.DialOptions
	if dialOpts == nil {
		dialOpts = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		}
	}

	conn, err := grpc.NewClient(c.cfg.GatewayAddress, dialOpts...)
	if err != nil {
		return fmt.Errorf("backendclient: dial gateway: %w", err)
	}
	defer conn.Close()

	client := v1.NewRegistryServiceClient(conn)
	rawStream, err := client.EstablishConnection(ctx)
	if err != nil {
		return fmt.Errorf("backendclient: open tunnel stream: %w", err)
	}
	stream := &safeStream{RegistryService_EstablishConnectionClient: rawStream}

	if err := stream.Send(v1.NewRegisterMessage(&v1.RegisterRequest{
		APIKey:       c.cfg.APIKey,
		ConnectionID: c.cfg.ConnectionID,
		Services:     c.cfg.Services,
	})); err != nil {
		return fmt.Errorf("backendclient: send register frame: %w", err)
	}

	first, err := stream.Recv()
	if err != nil {
		return fmt.Errorf("backendclient: await connection confirmation: %w", err)
	}
	status := first.GetStatus()
	if status == nil || status.Status != v1.StatusConnected {
		return fmt.Errorf("backendclient: expected Connected status, got %+v", first)
	}
	connectionID := status.ConnectionID
	klog.InfoS("backendclient: tunnel established", "connection_id", connectionID, "services", c.cfg.Services)

	return c.serve(ctx, stream, connectionID)
}

// codecName selects the hand-rolled JSON wire codec registered by
// api/v1's init(), since no protoc-generated binary codec exists for
// this service (see DESIGN.md "api/v1 (wire protocol)").
const codecName = "json"

// safeStream wraps one EstablishConnection client stream so its Send
// method is safe for the concurrent callers this package has: answer
// (one goroutine per inbound request), heartbeatLoop, and the drain
// goroutine in serve all send on the same stream. gRPC forbids
// unsynchronized concurrent SendMsg on one stream, so every Send here
// goes through a mutex. (The gateway side's streamSender in
// pkg/registryservice/service.go serializes its sends through a single
// writer goroutine instead.)
type safeStream struct {
	v1.RegistryService_EstablishConnectionClient
	mu sync.Mutex
}

func (s *safeStream) Send(msg *v1.ConnectionMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.RegistryService_EstablishConnectionClient.Send(msg)
}

// serve runs the send/receive halves of one established tunnel
// session until the stream ends or ctx is canceled, at which point it
// sends a Disconnected status before returning (spec.md-adjacent
// graceful-drain behavior, see SPEC_FULL.md's supplemented-features
// entry on backendclient).
func (c *Client) serve(ctx context.Context, stream v1.RegistryService_EstablishConnectionClient, connectionID string) error {
	errCh := make(chan error, 2)

	go func() {
		errCh <- c.processInbound(ctx, stream, connectionID)
	}()

	go func() {
		errCh <- c.heartbeatLoop(ctx, stream, connectionID)
	}()

	go func() {
		<-ctx.Done()
		done := make(chan error, 1)
		go func() {
			done <- stream.Send(v1.NewStatusMessage(&v1.ConnectionStatus{
				ConnectionID: connectionID,
				Status:       v1.StatusDisconnected,
				Message:      "shutting down",
			}))
		}()
		select {
		case err := <-done:
			if err != nil {
				klog.ErrorS(err, "backendclient: failed to send disconnect status", "connection_id", connectionID)
			}
		case <-time.After(100 * time.Millisecond):
			klog.InfoS("backendclient: timed out sending disconnect status", "connection_id", connectionID)
		}
	}()

	return <-errCh
}

func (c *Client) processInbound(ctx context.Context, stream v1.RegistryService_EstablishConnectionClient, connectionID string) error {
	for {
		msg, err := stream.Recv()
		if err != nil {
			return fmt.Errorf("backendclient: stream recv: %w", err)
		}
		req := msg.GetRequest()
		if req == nil {
			continue
		}
		go c.answer(ctx, stream, connectionID, req)
	}
}

// answer runs on its own goroutine per inbound request so a slow
// handler never stalls the receive loop, mirroring the gateway's own
// handleServiceToServiceRequest dispatch (pkg/reverse/manager.go).
func (c *Client) answer(ctx context.Context, stream v1.RegistryService_EstablishConnectionClient, connectionID string, req *v1.ForwardRequest) {
	reqCtx := ctx
	if req.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	resp, err := c.handler(reqCtx, req)
	if err != nil {
		resp = &v1.ForwardResponse{
			RequestID:    req.RequestID,
			StatusCode:   500,
			ErrorMessage: err.Error(),
		}
	}
	if resp.RequestID == "" {
		resp.RequestID = req.RequestID
	}
	if sendErr := stream.Send(v1.NewResponseMessage(resp)); sendErr != nil {
		klog.ErrorS(sendErr, "backendclient: failed to send response", "connection_id", connectionID, "request_id", req.RequestID)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, stream v1.RegistryService_EstablishConnectionClient, connectionID string) error {
	ticker := time.NewTicker(c.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := stream.Send(v1.NewHeartbeatMessage(&v1.Heartbeat{ConnectionID: connectionID})); err != nil {
				return fmt.Errorf("backendclient: heartbeat send: %w", err)
			}
		}
	}
}
