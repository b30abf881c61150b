// Package integration runs the gateway's own components end to end:
// a real gRPC listener for C7 and a real HTTP/2 cleartext listener for
// C8, with backends dialing in through pkg/backendclient exactly as a
// production backend would. Grounded on
// _examples/xuezhaojun-multiclustertunnel/tests/integration/framework.go's
// TestFramework shape (real listeners, no mocked transport, ginkgo
// BeforeEach/AfterEach setup/teardown) — rewritten against this
// gateway's own component graph instead of the teacher's Packet tunnel.
package integration

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"

	v1 "github.com/tunnelfabric/gateway/api/v1"
	"github.com/tunnelfabric/gateway/pkg/backendclient"
	"github.com/tunnelfabric/gateway/pkg/eventbus"
	"github.com/tunnelfabric/gateway/pkg/forwardpool"
	"github.com/tunnelfabric/gateway/pkg/registry"
	"github.com/tunnelfabric/gateway/pkg/registryservice"
	"github.com/tunnelfabric/gateway/pkg/reverse"
	"github.com/tunnelfabric/gateway/pkg/router"
)

const testAPIKey = "integration-test-token"

// staticTokens is the TokenValidator used by every test gateway: a
// single accepted token, matching spec.md §6's static token set.
type staticTokens struct{ token string }

func (s staticTokens) ValidateToken(apiKey string) bool { return apiKey == s.token }

// TestGateway wraps a fully wired gateway (registry, reverse manager,
// registry service, dynamic router) bound to real loopback listeners.
type TestGateway struct {
	ctx    context.Context
	cancel context.CancelFunc

	Registry *registry.Registry
	Manager  *reverse.Manager
	Pool     *forwardpool.Pool

	grpcServer   *grpc.Server
	grpcListener net.Listener
	httpServer   *http.Server
	httpListener net.Listener

	backends []*backendclient.Client
	wg       sync.WaitGroup
}

// NewTestGateway constructs and starts a gateway on ephemeral loopback
// ports. Call Close to tear it down.
func NewTestGateway() (*TestGateway, error) {
	return newTestGateway("127.0.0.1:0")
}

// NewTestGatewayAt starts a gateway whose gRPC listener is bound to a
// specific address rather than an ephemeral one, so a backend that was
// already dialing that address (and retrying via its own backoff loop)
// can find the gateway once it comes up.
func NewTestGatewayAt(grpcAddress string) (*TestGateway, error) {
	return newTestGateway(grpcAddress)
}

func newTestGateway(grpcAddress string) (*TestGateway, error) {
	ctx, cancel := context.WithCancel(context.Background())

	reg := registry.New(5 * time.Second)
	bus := eventbus.New(50, 16)
	manager := reverse.New(reverse.Config{
		HeartbeatTimeout:   5 * time.Second,
		RequestTimeout:     2 * time.Second,
		CleanupInterval:    200 * time.Millisecond,
		MaxPendingRequests: 1000,
		MaxBodySize:        1 << 20,
	}, reg, bus)
	pool := forwardpool.New(forwardpool.Config{MaxConnections: 50, TTL: time.Minute, IdleTimeout: time.Minute, CleanupInterval: time.Minute})
	svc := registryservice.New(staticTokens{testAPIKey}, reg, manager)
	dynamicRouter := router.New(manager, reg, pool, 2*time.Second)

	grpcListener, err := net.Listen("tcp", grpcAddress)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("listen grpc: %w", err)
	}
	httpListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		cancel()
		return nil, fmt.Errorf("listen http: %w", err)
	}

	grpcServer := grpc.NewServer()
	v1.RegisterRegistryServiceServer(grpcServer, svc)

	h2s := &http2.Server{}
	httpServer := &http.Server{Handler: h2c.NewHandler(dynamicRouter, h2s)}

	g := &TestGateway{
		ctx:          ctx,
		cancel:       cancel,
		Registry:     reg,
		Manager:      manager,
		Pool:         pool,
		grpcServer:   grpcServer,
		grpcListener: grpcListener,
		httpServer:   httpServer,
		httpListener: httpListener,
	}

	go reg.RunSweep(ctx)
	go manager.RunCleanup(ctx)

	g.wg.Add(2)
	go func() { defer g.wg.Done(); _ = grpcServer.Serve(grpcListener) }()
	go func() { defer g.wg.Done(); _ = httpServer.Serve(httpListener) }()

	return g, nil
}

// GRPCAddress is where backends should dial to register.
func (g *TestGateway) GRPCAddress() string { return g.grpcListener.Addr().String() }

// HTTPAddress is where clients should send requests.
func (g *TestGateway) HTTPAddress() string { return g.httpListener.Addr().String() }

// StartBackend dials the gateway with pkg/backendclient, announcing
// services and answering every request with handler, and blocks until
// the gateway has observed its registration.
func (g *TestGateway) StartBackend(services []string, handler backendclient.Handler) *backendclient.Client {
	client := backendclient.New(backendclient.Config{
		GatewayAddress: g.GRPCAddress(),
		APIKey:         testAPIKey,
		Services:       services,
		HeartbeatEvery: 200 * time.Millisecond,
	}, handler)

	g.backends = append(g.backends, client)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		_ = client.Run(g.ctx)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if g.Manager.HasReverseConnection(services[0]) {
			return client
		}
		time.Sleep(10 * time.Millisecond)
	}
	return client
}

// Close stops every backend and both listeners.
func (g *TestGateway) Close() {
	g.cancel()
	g.grpcServer.GracefulStop()
	_ = g.httpServer.Close()
	g.wg.Wait()
}

// Get issues a GET against the gateway's router for path.
func (g *TestGateway) Get(path string) (*http.Response, error) {
	return g.client().Get(fmt.Sprintf("http://%s%s", g.HTTPAddress(), path))
}

// Post issues a POST against the gateway's router for path.
func (g *TestGateway) Post(path string, body []byte) (*http.Response, error) {
	return g.client().Post(fmt.Sprintf("http://%s%s", g.HTTPAddress(), path), "application/octet-stream", bytes.NewReader(body))
}

// readAll drains and closes resp.Body, returning it as a string. Test
// helper only; a real client would stream it.
func readAll(resp *http.Response) string {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ""
	}
	return string(body)
}

func (g *TestGateway) client() *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
		Timeout: 5 * time.Second,
	}
}
