package integration

import (
	"context"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/tunnelfabric/gateway/api/v1"
)

var _ = Describe("Error Handling", func() {
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

	It("reports InvalidArgument for a malformed request path", func() {
		resp, err := gw.Get("/not-a-well-formed-path")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(resp.Header.Get("grpc-status")).To(Equal("3"))
		Expect(resp.Header.Get("content-type")).To(Equal("application/grpc"))
	})

	It("reports NotFound when no backend has announced the service", func() {
		resp, err := gw.Post("/pkg.Missing/Echo", nil)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(resp.Header.Get("grpc-status")).To(Equal("5"))
	})

	It("reports DeadlineExceeded when the backend never answers in time", func() {
		gw.StartBackend([]string{"pkg.Slow"}, func(ctx context.Context, req *v1.ForwardRequest) (*v1.ForwardResponse, error) {
			<-ctx.Done()
			return &v1.ForwardResponse{RequestID: req.RequestID, StatusCode: 200}, ctx.Err()
		})

		resp, err := gw.Post("/pkg.Slow/Echo", nil)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(resp.Header.Get("grpc-status")).To(Equal("4"))
	})
})
