package runlock

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// EtcdManagerOptions configures the etcd-backed run lock.
type EtcdManagerOptions struct {
	Endpoints   []string
	DialTimeout time.Duration
	// Key identifies the guarded target, usually a prefix plus the host address.
	Key       string
	Namespace string
	TTL       time.Duration
	TLS       *tls.Config
	// Identity names the tester holding the lock; defaults to the hostname.
	Identity  string
	Host      string
	RunID     string
	ProcessID int
	Clock     func() time.Time
}

// EtcdManager coordinates run locks via etcd mutexes.
type EtcdManager struct {
	client     *clientv3.Client
	key        string
	ttlSeconds int
	annotation Annotation
	now        func() time.Time
}

// Annotation is the metadata stored on the held lock key.
type Annotation struct {
	Identity   string `json:"identity"`
	PID        int    `json:"pid"`
	Host       string `json:"host,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	AcquiredAt string `json:"acquired_at"`
}

// NewEtcdManager builds a run lock manager backed by etcd.
func NewEtcdManager(opts EtcdManagerOptions) (*EtcdManager, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("etcd run lock requires at least one endpoint")
	}
	trimmedKey := strings.TrimSpace(opts.Key)
	if trimmedKey == "" {
		return nil, errors.New("etcd run lock requires a non-empty key")
	}
	if opts.TTL <= 0 {
		return nil, errors.New("etcd run lock requires a positive TTL")
	}

	identity := strings.TrimSpace(opts.Identity)
	if identity == "" {
		hostname, err := os.Hostname()
		if err != nil || strings.TrimSpace(hostname) == "" {
			return nil, errors.New("etcd run lock requires an identity for metadata")
		}
		identity = hostname
	}

	pid := opts.ProcessID
	if pid <= 0 {
		pid = os.Getpid()
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	ttlSeconds := int(math.Ceil(opts.TTL.Seconds()))
	if ttlSeconds <= 0 {
		return nil, errors.New("etcd run lock TTL must be at least 1 second")
	}

	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:           opts.Endpoints,
		DialTimeout:         dialTimeout,
		TLS:                 opts.TLS,
		RejectOldCluster:    true,
		PermitWithoutStream: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}

	return &EtcdManager{
		client:     client,
		key:        applyNamespace(opts.Namespace, trimmedKey),
		ttlSeconds: ttlSeconds,
		annotation: Annotation{
			Identity: identity,
			PID:      pid,
			Host:     opts.Host,
			RunID:    opts.RunID,
		},
		now: clock,
	}, nil
}

// Close releases underlying client resources.
func (m *EtcdManager) Close() error {
	if m == nil {
		return nil
	}
	return m.client.Close()
}

// Key returns the namespaced lock prefix.
func (m *EtcdManager) Key() string { return m.key }

// Acquire attempts to obtain the run lock without waiting.
func (m *EtcdManager) Acquire(ctx context.Context) (Lease, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	linearizableCtx := clientv3.WithRequireLeader(ctx)

	session, err := concurrency.NewSession(m.client, concurrency.WithTTL(m.ttlSeconds))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	mutex := concurrency.NewMutex(session, m.key)
	if err := mutex.TryLock(linearizableCtx); err != nil {
		_ = session.Close()
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, ErrNotAcquired
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("try lock: %w", err)
	}

	if err := m.annotate(linearizableCtx, session, mutex); err != nil {
		cleanupCtx, cancel := context.WithTimeout(clientv3.WithRequireLeader(context.Background()), 5*time.Second)
		_ = mutex.Unlock(cleanupCtx)
		cancel()
		_ = session.Close()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("annotate lock: %w", err)
	}

	return &etcdLease{session: session, mutex: mutex}, nil
}

// Holder returns the annotation of the current lock holder, or nil when the
// target is free.
func (m *EtcdManager) Holder(ctx context.Context) (*Annotation, error) {
	resp, err := m.client.Get(clientv3.WithRequireLeader(ctx), m.key+"/", clientv3.WithFirstCreate()...)
	if err != nil {
		return nil, fmt.Errorf("read lock holder: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	var ann Annotation
	if err := json.Unmarshal(resp.Kvs[0].Value, &ann); err != nil {
		return nil, fmt.Errorf("decode lock holder: %w", err)
	}
	return &ann, nil
}

var _ Manager = (*EtcdManager)(nil)

type etcdLease struct {
	session *concurrency.Session
	mutex   *concurrency.Mutex
}

func (l *etcdLease) Release(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx = clientv3.WithRequireLeader(ctx)

	unlockErr := l.mutex.Unlock(ctx)
	closeErr := l.session.Close()

	if unlockErr != nil && !errors.Is(unlockErr, concurrency.ErrLockReleased) {
		if errors.Is(unlockErr, context.Canceled) || errors.Is(unlockErr, context.DeadlineExceeded) {
			return unlockErr
		}
		return fmt.Errorf("unlock: %w", unlockErr)
	}
	if closeErr != nil {
		if errors.Is(closeErr, context.Canceled) || errors.Is(closeErr, context.DeadlineExceeded) {
			return closeErr
		}
		return fmt.Errorf("close session: %w", closeErr)
	}
	return nil
}

func applyNamespace(namespace, key string) string {
	normalizedKey := "/" + strings.Trim(key, "/")
	trimmedNamespace := strings.Trim(namespace, "/")
	if trimmedNamespace == "" {
		return normalizedKey
	}
	return "/" + trimmedNamespace + normalizedKey
}

func (m *EtcdManager) annotate(ctx context.Context, session *concurrency.Session, mutex *concurrency.Mutex) error {
	ann := m.annotation
	ann.AcquiredAt = m.now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(ann)
	if err != nil {
		return err
	}

	_, err = session.Client().Put(ctx, mutex.Key(), string(payload), clientv3.WithLease(session.Lease()))
	return err
}
