package servicepool

import (
	"testing"
	"time"

	v1 "github.com/tunnelfabric/gateway/api/v1"
	"github.com/tunnelfabric/gateway/pkg/tunnel"
)

type nopSender struct{}

func (nopSender) Send(*v1.ConnectionMessage) error { return nil }

func TestAddReplacesExistingConnectionID(t *testing.T) {
	p := New()
	first := tunnel.New("conn-1", []string{"pkg.Svc"}, nopSender{})
	second := tunnel.New("conn-1", []string{"pkg.Svc"}, nopSender{})

	if _, replaced := p.Add(first); replaced {
		t.Fatalf("Add() reported a replacement on first insert")
	}
	old, replaced := p.Add(second)
	if !replaced || old != first {
		t.Fatalf("Add() replaced = %v, old = %p, want true, %p", replaced, old, first)
	}
}

func TestNextRoundRobinsAcrossActiveTunnels(t *testing.T) {
	p := New()
	a := tunnel.New("a", []string{"pkg.Svc"}, nopSender{})
	b := tunnel.New("b", []string{"pkg.Svc"}, nopSender{})
	p.Add(a)
	p.Add(b)

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		t, ok := p.Next(time.Minute)
		if !ok {
			t2, _ := p.Next(time.Minute)
			_ = t2
			_ = ok
			break
		}
		seen[t.ConnectionID] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("Next() did not visit both tunnels: %v", seen)
	}
}

func TestNextDropsExpiredTunnels(t *testing.T) {
	p := New()
	stale := tunnel.New("stale", []string{"pkg.Svc"}, nopSender{})
	p.Add(stale)

	if _, ok := p.Next(-time.Second); ok {
		t.Fatalf("Next() returned a tunnel with a negative freshness window")
	}
	if !p.IsEmpty() {
		t.Fatalf("expired tunnel was not dropped from the pool")
	}
}

func TestRemove(t *testing.T) {
	p := New()
	a := tunnel.New("a", nil, nopSender{})
	p.Add(a)

	if _, ok := p.Remove("a"); !ok {
		t.Fatalf("Remove() = false for a present tunnel")
	}
	if !p.IsEmpty() {
		t.Fatalf("pool not empty after removing its only tunnel")
	}
	if _, ok := p.Remove("a"); ok {
		t.Fatalf("Remove() = true for an already-removed tunnel")
	}
}
