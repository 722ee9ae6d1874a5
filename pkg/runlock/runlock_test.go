package runlock

import (
	"context"
	"testing"
	"time"
)

func TestNoopManagerAcquire(t *testing.T) {
	manager := NewNoopManager()
	lease, err := manager.Acquire(context.Background())
	if err != nil {
		t.Fatalf("expected acquire to succeed, got error: %v", err)
	}
	if lease == nil {
		t.Fatal("expected lease to be non-nil")
	}
	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("expected release to succeed, got error: %v", err)
	}
}

func TestNoopManagerAcquireContextCancelled(t *testing.T) {
	manager := NewNoopManager()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := manager.Acquire(ctx); err == nil {
		t.Fatal("expected context cancellation error")
	}
}

func TestNoopManagerReleaseIgnoresContextDeadline(t *testing.T) {
	lease, err := NewNoopManager().Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("expected release to succeed even when context expired, got %v", err)
	}
}

func TestApplyNamespace(t *testing.T) {
	cases := []struct {
		namespace, key, want string
	}{
		{"", "/powercycled/targets/10.0.0.1", "/powercycled/targets/10.0.0.1"},
		{"lab", "powercycled/targets/10.0.0.1/", "/lab/powercycled/targets/10.0.0.1"},
		{"/env/prod/", "/t", "/env/prod/t"},
	}
	for _, tc := range cases {
		if got := applyNamespace(tc.namespace, tc.key); got != tc.want {
			t.Fatalf("applyNamespace(%q, %q) = %q, want %q", tc.namespace, tc.key, got, tc.want)
		}
	}
}

func TestNewEtcdManagerValidatesOptions(t *testing.T) {
	cases := map[string]EtcdManagerOptions{
		"no endpoints": {Key: "/k", TTL: time.Second},
		"no key":       {Endpoints: []string{"127.0.0.1:2379"}, TTL: time.Second},
		"no ttl":       {Endpoints: []string{"127.0.0.1:2379"}, Key: "/k"},
	}
	for name, opts := range cases {
		if _, err := NewEtcdManager(opts); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
