package registry

import (
	"testing"
	"time"
)

func TestRegisterThenUnregisterLeavesServiceEmpty(t *testing.T) {
	r := New(time.Minute)
	r.Register("inst-1", "10.0.0.1:9000", []string{"pkg.Svc"})

	addr, ok := r.GetHealthy("pkg.Svc")
	if !ok || addr != "10.0.0.1:9000" {
		t.Fatalf("GetHealthy() = %q, %v, want 10.0.0.1:9000, true", addr, ok)
	}

	r.Unregister("pkg.Svc")

	if _, ok := r.GetHealthy("pkg.Svc"); ok {
		t.Fatalf("GetHealthy() after Unregister still found an instance")
	}
}

func TestUpdateHealthAffectsAllInstances(t *testing.T) {
	r := New(time.Minute)
	r.Register("inst-1", "10.0.0.1:9000", []string{"pkg.Svc"})
	r.Register("inst-2", "10.0.0.2:9000", []string{"pkg.Svc"})

	if matched := r.UpdateHealth("pkg.Svc", Unhealthy); !matched {
		t.Fatalf("UpdateHealth() = false, want true")
	}

	if _, ok := r.GetHealthy("pkg.Svc"); ok {
		t.Fatalf("GetHealthy() found a healthy instance after marking all unhealthy")
	}

	if matched := r.UpdateHealth("unknown.Svc", Unhealthy); matched {
		t.Fatalf("UpdateHealth() on unknown service = true, want false")
	}
}

func TestSweepReapsStaleInstancesAndEmptyServices(t *testing.T) {
	r := New(10 * time.Millisecond)
	r.Register("inst-1", "10.0.0.1:9000", []string{"pkg.Svc"})

	time.Sleep(20 * time.Millisecond)
	r.sweep()

	if _, ok := r.GetHealthy("pkg.Svc"); ok {
		t.Fatalf("GetHealthy() found an instance that should have been swept")
	}
	if _, ok := r.services["pkg.Svc"]; ok {
		t.Fatalf("empty service entry was not pruned by sweep")
	}
}

func TestTouchInstanceRefreshesHeartbeat(t *testing.T) {
	r := New(50 * time.Millisecond)
	r.Register("inst-1", "10.0.0.1:9000", []string{"pkg.Svc"})

	time.Sleep(30 * time.Millisecond)
	r.TouchInstance("pkg.Svc", "inst-1", time.Now())
	time.Sleep(30 * time.Millisecond)
	r.sweep()

	if _, ok := r.GetHealthy("pkg.Svc"); !ok {
		t.Fatalf("instance was reaped despite a recent TouchInstance")
	}
}
