package integration

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/tunnelfabric/gateway/api/v1"
	"github.com/tunnelfabric/gateway/pkg/backendclient"
)

var _ = Describe("Connection Replacement and Reconnection", func() {
	var gw *TestGateway

	BeforeEach(func() {
		var err error
		gw, err = NewTestGateway()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if gw != nil {
			gw.Close()
		}
	})

	It("detaches the prior tunnel when a connection id re-registers", func() {
		const connectionID = "backend-fixed-id"

		first := backendclient.New(backendclient.Config{
			GatewayAddress: gw.GRPCAddress(),
			APIKey:         testAPIKey,
			ConnectionID:   connectionID,
			Services:       []string{"pkg.Svc"},
			HeartbeatEvery: 200 * time.Millisecond,
		}, func(_ context.Context, req *v1.ForwardRequest) (*v1.ForwardResponse, error) {
			return &v1.ForwardResponse{RequestID: req.RequestID, StatusCode: 200, Payload: []byte("first")}, nil
		})
		firstCtx, firstCancel := context.WithCancel(context.Background())
		go first.Run(firstCtx)

		Eventually(func() bool { return gw.Manager.HasReverseConnection("pkg.Svc") }, 3*time.Second, 10*time.Millisecond).Should(BeTrue())

		resp, err := gw.Post("/pkg.Svc/Echo", nil)
		Expect(err).NotTo(HaveOccurred())
		body := readAll(resp)
		Expect(body).To(Equal("first"))

		second := backendclient.New(backendclient.Config{
			GatewayAddress: gw.GRPCAddress(),
			APIKey:         testAPIKey,
			ConnectionID:   connectionID,
			Services:       []string{"pkg.Svc"},
			HeartbeatEvery: 200 * time.Millisecond,
		}, func(_ context.Context, req *v1.ForwardRequest) (*v1.ForwardResponse, error) {
			return &v1.ForwardResponse{RequestID: req.RequestID, StatusCode: 200, Payload: []byte("second")}, nil
		})
		secondCtx, secondCancel := context.WithCancel(context.Background())
		defer secondCancel()
		go second.Run(secondCtx)

		Eventually(func() string {
			resp, err := gw.Post("/pkg.Svc/Echo", nil)
			if err != nil {
				return ""
			}
			return readAll(resp)
		}, 3*time.Second, 20*time.Millisecond).Should(Equal("second"))

		// The first tunnel was detached on replacement; canceling it does not
		// disturb the second, still-resolvable connection.
		firstCancel()
		Consistently(func() bool { return gw.Manager.HasReverseConnection("pkg.Svc") }, 300*time.Millisecond, 20*time.Millisecond).Should(BeTrue())
	})

	It("reconnects once the gateway becomes reachable after initial dial failures", func() {
		// Point a backend at an address nothing is listening on yet, then
		// start the gateway's gRPC listener on that same address shortly
		// after. The client's Run backoff loop (pkg/backendclient) must
		// retry until it succeeds, without any input from the test beyond
		// letting time pass.
		gw.Close()

		addr := gw.GRPCAddress()
		client := backendclient.New(backendclient.Config{
			GatewayAddress: addr,
			APIKey:         testAPIKey,
			Services:       []string{"pkg.Late"},
			HeartbeatEvery: 200 * time.Millisecond,
			BackoffFactory: func() backoff.BackOff {
				b := backoff.NewExponentialBackOff()
				b.InitialInterval = 50 * time.Millisecond
				b.MaxInterval = 100 * time.Millisecond
				return b
			},
		}, func(_ context.Context, req *v1.ForwardRequest) (*v1.ForwardResponse, error) {
			return &v1.ForwardResponse{RequestID: req.RequestID, StatusCode: 200}, nil
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go client.Run(ctx)

		time.Sleep(150 * time.Millisecond)

		var err error
		gw, err = NewTestGatewayAt(addr)
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() bool { return gw.Manager.HasReverseConnection("pkg.Late") }, 3*time.Second, 20*time.Millisecond).Should(BeTrue())
	})
})
