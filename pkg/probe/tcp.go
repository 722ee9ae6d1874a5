package probe

import (
	"context"
	"net"
	"strconv"
	"time"
)

// TCPChecker treats a completed TCP handshake as reachability, for targets
// that filter ICMP.
type TCPChecker struct {
	port    int
	timeout time.Duration
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewTCPChecker builds a checker dialing host:port with the given timeout.
func NewTCPChecker(port int, timeout time.Duration) *TCPChecker {
	dialer := &net.Dialer{Timeout: timeout}
	return &TCPChecker{port: port, timeout: timeout, dial: dialer.DialContext}
}

// Check implements Checker. Dial failures mean unreachable, not error.
func (c *TCPChecker) Check(ctx context.Context, host string) (bool, error) {
	dialCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	conn, err := c.dial(dialCtx, "tcp4", net.JoinHostPort(host, strconv.Itoa(c.port)))
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
	_ = conn.Close()
	return true, nil
}

var _ Checker = (*TCPChecker)(nil)
