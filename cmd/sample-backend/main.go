// Command sample-backend is a minimal demo backend built on
// pkg/backendclient: it registers service "sample.Echo" with the
// gateway and echoes every request's payload back verbatim, the same
// scenario spec.md §8 scenario 1 walks through end to end. Grounded on
// _examples/xuezhaojun-multiclustertunnel/cmd/test-agent/main.go's
// flag-parsing and signal-driven shutdown idiom.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"k8s.io/klog/v2"

	v1 "github.com/tunnelfabric/gateway/api/v1"
	"github.com/tunnelfabric/gateway/pkg/backendclient"
)

func main() {
	var (
		gatewayAddr = flag.String("gateway-address", "127.0.0.1:50051", "gateway gRPC address")
		apiKey      = flag.String("api-key", "", "api key to register with")
		services    = flag.String("services", "sample.Echo", "comma-separated list of services to announce")
	)

	klog.InitFlags(nil)
	flag.Parse()

	client := backendclient.New(backendclient.Config{
		GatewayAddress: *gatewayAddr,
		APIKey:         *apiKey,
		Services:       strings.Split(*services, ","),
	}, echoHandler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	klog.InfoS("sample-backend starting", "gateway_address", *gatewayAddr, "services", *services)
	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		klog.ErrorS(err, "sample-backend exited with error")
		os.Exit(1)
	}
	klog.InfoS("sample-backend stopped")
}

// echoHandler implements backendclient.Handler by returning the
// request's payload and headers unchanged with HTTP 200.
func echoHandler(_ context.Context, req *v1.ForwardRequest) (*v1.ForwardResponse, error) {
	return &v1.ForwardResponse{
		RequestID:  req.RequestID,
		StatusCode: 200,
		Headers:    req.Headers,
		Payload:    req.Payload,
	}, nil
}
