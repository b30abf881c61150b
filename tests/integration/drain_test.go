package integration

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/tunnelfabric/gateway/api/v1"
	"github.com/tunnelfabric/gateway/pkg/backendclient"
)

var _ = Describe("Graceful Disconnect", func() {
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

	It("unregisters the connection once a backend sends Disconnected on shutdown", func() {
		client := backendclient.New(backendclient.Config{
			GatewayAddress: gw.GRPCAddress(),
			APIKey:         testAPIKey,
			Services:       []string{"pkg.Drain"},
			HeartbeatEvery: 200 * time.Millisecond,
		}, func(_ context.Context, req *v1.ForwardRequest) (*v1.ForwardResponse, error) {
			return &v1.ForwardResponse{RequestID: req.RequestID, StatusCode: 200}, nil
		})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- client.Run(ctx) }()

		Eventually(func() bool { return gw.Manager.HasReverseConnection("pkg.Drain") }, 3*time.Second, 10*time.Millisecond).Should(BeTrue())

		// Canceling the client's context triggers backendclient's drain
		// path: it sends a Disconnected status frame with a bounded
		// timeout before the stream tears down (see SPEC_FULL.md's
		// supplemented-features entry). The gateway's demux loop observes
		// that frame and unregisters the connection in response.
		cancel()

		Eventually(done, 2*time.Second).Should(Receive(MatchError(context.Canceled)))
		Eventually(func() bool { return gw.Manager.HasReverseConnection("pkg.Drain") }, 2*time.Second, 10*time.Millisecond).Should(BeFalse())
	})

	It("reports no route once the only backend for a service has drained", func() {
		client := backendclient.New(backendclient.Config{
			GatewayAddress: gw.GRPCAddress(),
			APIKey:         testAPIKey,
			Services:       []string{"pkg.Solo"},
			HeartbeatEvery: 200 * time.Millisecond,
		}, func(_ context.Context, req *v1.ForwardRequest) (*v1.ForwardResponse, error) {
			return &v1.ForwardResponse{RequestID: req.RequestID, StatusCode: 200}, nil
		})

		ctx, cancel := context.WithCancel(context.Background())
		go client.Run(ctx)

		Eventually(func() bool { return gw.Manager.HasReverseConnection("pkg.Solo") }, 3*time.Second, 10*time.Millisecond).Should(BeTrue())

		resp, err := gw.Post("/pkg.Solo/Echo", nil)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(200))

		cancel()
		Eventually(func() bool { return gw.Manager.HasReverseConnection("pkg.Solo") }, 2*time.Second, 10*time.Millisecond).Should(BeFalse())

		resp, err = gw.Post("/pkg.Solo/Echo", nil)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.Header.Get("grpc-status")).To(Equal("5"))
	})
})
