// Package runlock guards a target host so only one tester cycles its power at a time.
package runlock

import (
	"context"
	"errors"
)

var (
	// ErrNotAcquired indicates that another tester currently holds the target.
	ErrNotAcquired = errors.New("runlock: not acquired")
)

// Manager coordinates exclusive access to a target host.
type Manager interface {
	Acquire(ctx context.Context) (Lease, error)
}

// Lease represents a held run lock that can be released.
type Lease interface {
	Release(ctx context.Context) error
}

// NoopManager returns an immediately acquired lease without any remote coordination.
type NoopManager struct{}

// NewNoopManager constructs a manager that always succeeds in acquiring the lock.
func NewNoopManager() *NoopManager {
	return &NoopManager{}
}

// Acquire implements Manager for NoopManager.
func (m *NoopManager) Acquire(ctx context.Context) (Lease, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return noopLease{}, nil
}

type noopLease struct{}

func (noopLease) Release(context.Context) error { return nil }

var _ Manager = (*NoopManager)(nil)
var _ Lease = noopLease{}
