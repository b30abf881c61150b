package integration

import (
	"context"
	"io"
	"net/http"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/tunnelfabric/gateway/api/v1"
)

func TestIntegration(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Integration Suite")
}

var _ = Describe("Basic Connectivity", func() {
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

	It("routes a unary request through the reverse tunnel end to end", func() {
		gw.StartBackend([]string{"pkg.Svc"}, func(_ context.Context, req *v1.ForwardRequest) (*v1.ForwardResponse, error) {
			return &v1.ForwardResponse{RequestID: req.RequestID, StatusCode: 200, Payload: req.Payload}, nil
		})

		resp, err := gw.Post("/pkg.Svc/Echo", []byte{0x01, 0x02})
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(body).To(Equal([]byte{0x01, 0x02}))
	})

	It("resolves a hierarchical service name against a coarser registration", func() {
		gw.StartBackend([]string{"pkg"}, func(_ context.Context, req *v1.ForwardRequest) (*v1.ForwardResponse, error) {
			return &v1.ForwardResponse{RequestID: req.RequestID, StatusCode: 200, Payload: []byte("via-prefix")}, nil
		})

		resp, err := gw.Post("/pkg.Svc/Echo", nil)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(Equal("via-prefix"))
	})
})
