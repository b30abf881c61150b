// Package router implements C8, the Dynamic Router: the HTTP/2
// entrypoint that, for every incoming request, extracts a service
// name from the path and prefers a live reverse tunnel (C5) over a
// direct forward through the connection pool (C2), falling back to a
// gRPC-flavored error response when neither resolves. Grounded on
// _examples/original_source/src/services/router/mod.rs (DynamicRouter
// dispatch order) and response.rs (the HTTP-200-with-grpc-status
// error convention), reworked as an http.Handler in the style of
// _examples/xuezhaojun-multiclustertunnel/pkg/server/server.go's
// httpHandler.
package router

import (
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"k8s.io/klog/v2"

	"github.com/tunnelfabric/gateway/pkg/forwardpool"
	"github.com/tunnelfabric/gateway/pkg/gatewayerr"
	"github.com/tunnelfabric/gateway/pkg/registry"
	"github.com/tunnelfabric/gateway/pkg/reverse"
)

// MaxTunneledBodyBytes is not consulted by the router: a tunneled
// request's body is bounded by the reverse manager's Config.MaxBodySize
// (100 MiB by default), which SendStream applies while collecting it.
const MaxTunneledBodyBytes = 32 << 20 // 32 MiB

// Router is C8.
type Router struct {
	manager        *reverse.Manager
	registry       *registry.Registry
	forwardPool    *forwardpool.Pool
	requestTimeout time.Duration
}

// New constructs a Router.
func New(manager *reverse.Manager, reg *registry.Registry, pool *forwardpool.Pool, requestTimeout time.Duration) *Router {
	return &Router{
		manager:        manager,
		registry:       reg,
		forwardPool:    pool,
		requestTimeout: requestTimeout,
	}
}

// ServeHTTP implements spec.md §4.8's dispatch order: parse the path,
// prefer a reverse tunnel, else a direct forward, else an error.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	methodPath, service, err := parsePath(r.URL.Path)
	if err != nil {
		klog.InfoS("router: rejecting malformed path", "path", r.URL.Path)
		writeError(w, err)
		return
	}

	if rt.manager.HasReverseConnection(service) {
		rt.forwardViaTunnel(w, r, service, methodPath)
		return
	}

	if address, ok := rt.registry.GetHealthy(service); ok {
		klog.V(4).InfoS("router: forwarding directly", "service", service, "address", address)
		if err := forwardDirect(w, r, rt.forwardPool, address, rt.requestTimeout); err != nil {
			klog.ErrorS(err, "router: direct forward failed", "service", service, "address", address)
			writeError(w, gatewayerr.ErrForwardingError)
		}
		return
	}

	klog.InfoS("router: no route for service", "service", service)
	writeError(w, gatewayerr.ErrServiceNotFound)
}

// forwardViaTunnel implements spec.md §4.8 step 3: headers collected
// into a name→value map (first value per name; non-UTF-8 values are
// skipped), the body acquired as a bounded stream, and the resulting
// ForwardResponse translated back into an HTTP response.
func (rt *Router) forwardViaTunnel(w http.ResponseWriter, r *http.Request, service, methodPath string) {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) == 0 || !utf8.ValidString(values[0]) {
			continue
		}
		headers[name] = values[0]
	}

	resp, err := rt.manager.SendStream(r.Context(), service, methodPath, headers, r.Body, rt.requestTimeout)
	if err != nil {
		klog.InfoS("router: tunnel forward failed", "service", service, "method_path", methodPath, "error", err)
		writeError(w, err)
		return
	}

	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	status := int(resp.StatusCode)
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(resp.Payload) > 0 {
		if _, err := w.Write(resp.Payload); err != nil {
			klog.ErrorS(err, "router: writing tunneled response body failed", "service", service)
		}
	}
}

// writeError renders err as an HTTP response per spec.md §7: the
// router always returns HTTP 200 with the failure carried in
// gRPC-convention headers, since the caller is a gRPC client speaking
// directly over HTTP/2.
func writeError(w http.ResponseWriter, err error) {
	st := gatewayerr.Status(err)
	w.Header().Set("content-type", "application/grpc")
	w.Header().Set("grpc-status", strconv.Itoa(int(st.Code())))
	w.Header().Set("grpc-message", st.Message())
	w.WriteHeader(http.StatusOK)
}
