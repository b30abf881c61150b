package router

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	v1 "github.com/tunnelfabric/gateway/api/v1"
	"github.com/tunnelfabric/gateway/pkg/forwardpool"
	"github.com/tunnelfabric/gateway/pkg/registry"
	"github.com/tunnelfabric/gateway/pkg/reverse"
)

type fakeSender struct {
	mgr    *reverse.Manager
	connID string
}

func (f *fakeSender) Send(msg *v1.ConnectionMessage) error {
	req := msg.GetRequest()
	if req == nil {
		return nil
	}
	go f.mgr.HandleInbound(f.connID, v1.NewResponseMessage(&v1.ForwardResponse{
		RequestID:  req.RequestID,
		StatusCode: 200,
		Payload:    []byte{0x01, 0x02},
	}))
	return nil
}

func testManager() *reverse.Manager {
	return reverse.New(reverse.Config{
		HeartbeatTimeout:   time.Minute,
		RequestTimeout:     time.Second,
		CleanupInterval:    time.Hour,
		MaxPendingRequests: 10,
		MaxBodySize:        1 << 20,
	}, nil, nil)
}

func TestParsePathRejectsMalformed(t *testing.T) {
	cases := []string{"", "nopeleadingslash", "/onlyone", "/", "//", "/svc/"}
	for _, c := range cases {
		if _, _, err := parsePath(c); err == nil {
			t.Fatalf("parsePath(%q) succeeded, want error", c)
		}
	}
}

func TestParsePathPreservesDottedServiceName(t *testing.T) {
	methodPath, service, err := parsePath("/pkg.Svc/Echo")
	if err != nil {
		t.Fatalf("parsePath() error = %v", err)
	}
	if service != "pkg.Svc" {
		t.Fatalf("service = %q, want pkg.Svc", service)
	}
	if methodPath != "/pkg.Svc/Echo" {
		t.Fatalf("methodPath = %q, want /pkg.Svc/Echo", methodPath)
	}
}

func TestServeHTTPPrefersTunnelOverForward(t *testing.T) {
	mgr := testManager()
	mgr.RegisterConnection("conn-1", []string{"pkg.Svc"}, &fakeSender{mgr: mgr, connID: "conn-1"})

	reg := registry.New(time.Minute)
	pool := forwardpool.New(forwardpool.Config{})
	rt := New(mgr, reg, pool, time.Second)

	req := httptest.NewRequest(http.MethodPost, "/pkg.Svc/Echo", bytes.NewReader([]byte{0x01, 0x02}))
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), []byte{0x01, 0x02}) {
		t.Fatalf("body = %v, want [1 2]", rec.Body.Bytes())
	}
}

func TestServeHTTPRejectsMalformedPath(t *testing.T) {
	mgr := testManager()
	reg := registry.New(time.Minute)
	pool := forwardpool.New(forwardpool.Config{})
	rt := New(mgr, reg, pool, time.Second)

	req := httptest.NewRequest(http.MethodGet, "/onlyoneseg", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (gRPC convention)", rec.Code)
	}
	if rec.Header().Get("grpc-status") != "3" {
		t.Fatalf("grpc-status = %q, want 3 (INVALID_ARGUMENT)", rec.Header().Get("grpc-status"))
	}
}

func TestServeHTTPReportsNotFoundWhenNoRoute(t *testing.T) {
	mgr := testManager()
	reg := registry.New(time.Minute)
	pool := forwardpool.New(forwardpool.Config{})
	rt := New(mgr, reg, pool, time.Second)

	req := httptest.NewRequest(http.MethodPost, "/unknown.Svc/Echo", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	if rec.Header().Get("grpc-status") != "5" {
		t.Fatalf("grpc-status = %q, want 5 (NOT_FOUND)", rec.Header().Get("grpc-status"))
	}
}
