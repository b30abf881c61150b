// Command gateway runs the full tunnel gateway: C7's gRPC registry
// service for backend registration and reverse tunnels, and C8's
// HTTP/2 cleartext dynamic router for client requests. Grounded on
// _examples/xuezhaojun-multiclustertunnel/cmd/server/main.go's
// flag-parsing, dual-listener startup, and signal-driven graceful
// shutdown.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"k8s.io/klog/v2"

	v1 "github.com/tunnelfabric/gateway/api/v1"
	"github.com/tunnelfabric/gateway/pkg/config"
	"github.com/tunnelfabric/gateway/pkg/eventbus"
	"github.com/tunnelfabric/gateway/pkg/forwardpool"
	"github.com/tunnelfabric/gateway/pkg/registry"
	"github.com/tunnelfabric/gateway/pkg/registryservice"
	"github.com/tunnelfabric/gateway/pkg/reverse"
	"github.com/tunnelfabric/gateway/pkg/router"
)

func main() {
	var configPath = flag.String("config", "", "path to a YAML configuration file")

	klog.InitFlags(nil)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		klog.ErrorS(err, "failed to load configuration")
		os.Exit(1)
	}

	klog.InfoS("starting gateway", "grpc_address", cfg.Server.Address, "http_address", cfg.Server.HTTPAddress)

	reg := registry.New(cfg.Router.HeartbeatTimeout)
	bus := eventbus.New(cfg.Event.MaxSubscribersPerType, cfg.Event.ChannelCapacity)
	manager := reverse.New(reverse.Config{
		HeartbeatTimeout:   cfg.ReverseConnection.HeartbeatTimeout,
		RequestTimeout:     cfg.ReverseConnection.RequestTimeout,
		CleanupInterval:    cfg.ReverseConnection.CleanupInterval,
		MaxPendingRequests: cfg.ReverseConnection.MaxPendingRequests,
		MaxBodySize:        cfg.ReverseConnection.MaxBodySize,
	}, reg, bus)
	pool := forwardpool.New(forwardpool.Config{
		MaxConnections:  cfg.ConnectionPool.MaxConnections,
		TTL:             cfg.ConnectionPool.ConnectionTTL,
		IdleTimeout:     cfg.ConnectionPool.IdleTimeout,
		CleanupInterval: cfg.ConnectionPool.CleanupInterval,
	})
	svc := registryservice.New(cfg, reg, manager)
	dynamicRouter := router.New(manager, reg, pool, cfg.Router.RequestTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go reg.RunSweep(ctx)
	go manager.RunCleanup(ctx)
	go pool.RunCleanup(ctx)

	grpcServer := newGRPCServer(svc)
	grpcListener, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		klog.ErrorS(err, "failed to listen for gRPC", "address", cfg.Server.Address)
		os.Exit(1)
	}

	h2s := &http2.Server{}
	httpServer := &http.Server{
		Addr:    cfg.Server.HTTPAddress,
		Handler: h2c.NewHandler(dynamicRouter, h2s),
	}

	errCh := make(chan error, 2)
	go func() {
		klog.InfoS("gRPC registry service listening", "address", grpcListener.Addr().String())
		errCh <- grpcServer.Serve(grpcListener)
	}()
	go func() {
		klog.InfoS("HTTP/2 dynamic router listening", "address", cfg.Server.HTTPAddress)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		klog.InfoS("shutdown signal received, draining gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			klog.InfoS("graceful gRPC stop timed out, forcing stop")
			grpcServer.Stop()
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			klog.ErrorS(err, "http server shutdown error")
		}
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			klog.ErrorS(err, "gateway listener failed")
			os.Exit(1)
		}
	}

	klog.InfoS("gateway stopped")
}

func newGRPCServer(svc *registryservice.Service) *grpc.Server {
	s := grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
		Time:    60 * time.Second,
		Timeout: 5 * time.Second,
	}))
	v1.RegisterRegistryServiceServer(s, svc)
	return s
}
