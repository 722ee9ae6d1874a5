package probe

import (
	"context"
	"errors"
)

// Checker performs a single reachability attempt against a host.
type Checker interface {
	Check(ctx context.Context, host string) (bool, error)
}

// CheckerFunc adapts a function into a Checker.
type CheckerFunc func(ctx context.Context, host string) (bool, error)

// Check implements Checker.
func (f CheckerFunc) Check(ctx context.Context, host string) (bool, error) {
	return f(ctx, host)
}

// AttemptResult labels the outcome of one attempt for observability hooks.
type AttemptResult string

const (
	AttemptReachable   AttemptResult = "reachable"
	AttemptUnreachable AttemptResult = "unreachable"
	AttemptError       AttemptResult = "error"
)

// Prober retries a Checker sequentially until the host answers or the budget is spent.
type Prober struct {
	checker     Checker
	attemptHook func(attempt int, result AttemptResult, err error)
}

// Option customises a Prober.
type Option func(*Prober)

// WithAttemptHook registers a callback invoked after every attempt.
func WithAttemptHook(fn func(attempt int, result AttemptResult, err error)) Option {
	return func(p *Prober) {
		p.attemptHook = fn
	}
}

// NewProber constructs a Prober around the provided checker.
func NewProber(checker Checker, opts ...Option) (*Prober, error) {
	if checker == nil {
		return nil, errors.New("probe checker must not be nil")
	}
	p := &Prober{checker: checker}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Probe returns true on the first successful attempt. It returns false once
// maxAttempts attempts have failed, or when ctx is cancelled before an attempt
// starts. An attempt already in flight is not interrupted by cancellation.
// Checker errors count as failed attempts.
func (p *Prober) Probe(ctx context.Context, host string, maxAttempts int) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		ok, err := p.checker.Check(context.WithoutCancel(ctx), host)
		result := AttemptUnreachable
		switch {
		case err != nil:
			result = AttemptError
			ok = false
		case ok:
			result = AttemptReachable
		}
		if p.attemptHook != nil {
			p.attemptHook(attempt, result, err)
		}
		if ok {
			return true
		}
	}
	return false
}
