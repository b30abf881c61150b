package router

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"k8s.io/klog/v2"

	"github.com/tunnelfabric/gateway/pkg/forwardpool"
)

// forwardDirect implements spec.md §4.8 step 4: when no reverse tunnel
// announces the service, resolve a healthy backend address through C1
// and proxy the request to it over a pooled HTTP/2 client, preserving
// method, URI, protocol version and headers, and streaming both body
// and response untouched. Never buffers either body.
func forwardDirect(w http.ResponseWriter, r *http.Request, pool *forwardpool.Pool, address string, timeout time.Duration) error {
	client, err := pool.GetOrDial(address)
	if err != nil {
		return fmt.Errorf("forwarder: dial %s: %w", address, err)
	}

	ctx := r.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	outURL := *r.URL
	outURL.Scheme = "http"
	outURL.Host = address

	outReq, err := http.NewRequestWithContext(ctx, r.Method, outURL.String(), r.Body)
	if err != nil {
		return fmt.Errorf("forwarder: build outbound request: %w", err)
	}
	outReq.Proto = r.Proto
	outReq.ProtoMajor = r.ProtoMajor
	outReq.ProtoMinor = r.ProtoMinor
	outReq.ContentLength = r.ContentLength
	for name, values := range r.Header {
		for _, v := range values {
			outReq.Header.Add(name, v)
		}
	}

	resp, err := client.Do(outReq)
	if err != nil {
		return fmt.Errorf("forwarder: backend request: %w", err)
	}
	defer resp.Body.Close()

	klog.V(4).InfoS("forwarder: proxied request", "address", address, "path", r.URL.Path, "status", resp.StatusCode)

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		klog.ErrorS(err, "forwarder: streaming response body failed", "address", address)
	}
	return nil
}
