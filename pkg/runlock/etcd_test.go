package runlock

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/powercycled/powercycled/internal/testutil"
)

func newTestManager(t *testing.T, endpoints []string, runID string) *EtcdManager {
	t.Helper()
	manager, err := NewEtcdManager(EtcdManagerOptions{
		Endpoints: endpoints,
		Key:       "/powercycled/targets/192.168.1.100",
		TTL:       3 * time.Second,
		Identity:  "bench-a",
		Host:      "192.168.1.100",
		RunID:     runID,
	})
	if err != nil {
		t.Fatalf("failed to create etcd manager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func TestEtcdManagerAcquireAndRelease(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)
	manager := newTestManager(t, cluster.Endpoints, "run-1")

	lease, err := manager.Acquire(context.Background())
	if err != nil {
		t.Fatalf("expected acquire to succeed, got %v", err)
	}

	holder, err := manager.Holder(context.Background())
	if err != nil {
		t.Fatalf("read holder: %v", err)
	}
	if holder == nil || holder.Identity != "bench-a" || holder.RunID != "run-1" || holder.Host != "192.168.1.100" {
		t.Fatalf("unexpected holder annotation: %+v", holder)
	}

	resp, err := cluster.Client(t).Get(context.Background(), manager.Key()+"/", clientv3.WithPrefix())
	if err != nil {
		t.Fatalf("read lock key: %v", err)
	}
	if len(resp.Kvs) != 1 || resp.Kvs[0].Lease == 0 {
		t.Fatalf("expected one leased lock key, got %d", len(resp.Kvs))
	}

	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("expected release to succeed, got %v", err)
	}
	holder, err = manager.Holder(context.Background())
	if err != nil {
		t.Fatalf("read holder after release: %v", err)
	}
	if holder != nil {
		t.Fatalf("expected no holder after release, got %+v", holder)
	}
}

func TestEtcdManagerContention(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)
	first := newTestManager(t, cluster.Endpoints, "run-1")
	second := newTestManager(t, cluster.Endpoints, "run-2")

	lease1, err := first.Acquire(context.Background())
	if err != nil {
		t.Fatalf("expected first acquire to succeed, got %v", err)
	}

	if _, err := second.Acquire(context.Background()); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired when target held, got %v", err)
	}

	if err := lease1.Release(context.Background()); err != nil {
		t.Fatalf("expected release to succeed, got %v", err)
	}

	lease2, err := second.Acquire(context.Background())
	if err != nil {
		t.Fatalf("expected second acquire to succeed, got %v", err)
	}
	if err := lease2.Release(context.Background()); err != nil {
		t.Fatalf("expected second release to succeed, got %v", err)
	}
}

func TestEtcdManagerAcquireContextCancelled(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)
	manager := newTestManager(t, cluster.Endpoints, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := manager.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation error, got %v", err)
	}
}

func TestEtcdManagerNamespaceApplied(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)

	manager, err := NewEtcdManager(EtcdManagerOptions{
		Endpoints: cluster.Endpoints,
		Key:       "targets/10.0.0.1",
		Namespace: "lab/rack3",
		TTL:       3 * time.Second,
		Identity:  "bench-b",
	})
	if err != nil {
		t.Fatalf("failed to create etcd manager: %v", err)
	}
	defer manager.Close()

	lease, err := manager.Acquire(context.Background())
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	internal, ok := lease.(*etcdLease)
	if !ok {
		t.Fatalf("expected lease to be etcdLease, got %T", lease)
	}
	if key := internal.mutex.Key(); !strings.HasPrefix(key, "/lab/rack3/targets/10.0.0.1/") {
		t.Fatalf("expected key to include namespace prefix, got %s", key)
	}
	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("failed to release lease: %v", err)
	}
}
