package tunnel

import (
	"testing"
	"time"

	v1 "github.com/tunnelfabric/gateway/api/v1"
)

type recordingSender struct {
	sent []*v1.ConnectionMessage
}

func (r *recordingSender) Send(m *v1.ConnectionMessage) error {
	r.sent = append(r.sent, m)
	return nil
}

func TestIsCanonicalID(t *testing.T) {
	cases := map[string]bool{
		"550e8400-e29b-41d4-a716-446655440000": true,
		"not-a-uuid":                           false,
		"":                                     false,
		"pkg.Svc":                              false,
	}
	for id, want := range cases {
		if got := IsCanonicalID(id); got != want {
			t.Errorf("IsCanonicalID(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestTouchAdvancesHeartbeatMonotonically(t *testing.T) {
	tun := New("conn-1", []string{"pkg.Svc"}, &recordingSender{})
	first := tun.LastHeartbeat()

	time.Sleep(2 * time.Millisecond)
	tun.Touch()
	second := tun.LastHeartbeat()

	if !second.After(first) {
		t.Fatalf("Touch() did not advance last-heartbeat: first=%v second=%v", first, second)
	}
	if !tun.IsFresh(time.Minute) {
		t.Fatalf("IsFresh() = false immediately after Touch()")
	}
}

func TestIsFreshExpires(t *testing.T) {
	tun := New("conn-1", nil, &recordingSender{})
	if tun.IsFresh(-time.Second) {
		t.Fatalf("IsFresh() = true with a negative timeout window")
	}
}

func TestAnnouncesService(t *testing.T) {
	tun := New("conn-1", []string{"pkg.Svc", "pkg.Other"}, &recordingSender{})
	if !tun.AnnouncesService("pkg.Svc") {
		t.Fatalf("AnnouncesService(%q) = false, want true", "pkg.Svc")
	}
	if tun.AnnouncesService("pkg.Missing") {
		t.Fatalf("AnnouncesService(%q) = true, want false", "pkg.Missing")
	}
}
