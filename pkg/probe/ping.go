package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Output signatures that mark a ping run as failed, covering the Windows and
// iputils/BSD phrasings.
var failureSignatures = []string{
	"100% loss",
	"100% packet loss",
	"100.0% packet loss",
	"Destination host unreachable",
	"Destination Host Unreachable",
}

// PingChecker shells out to the platform ping utility.
type PingChecker struct {
	binary  string
	count   int
	timeout time.Duration
	goos    string
	run     func(ctx context.Context, name string, args ...string) (string, int, error)
}

// NewPingChecker builds a checker sending count echo requests per attempt.
// timeout bounds the whole ping invocation.
func NewPingChecker(count int, timeout time.Duration) *PingChecker {
	if count <= 0 {
		count = 2
	}
	return &PingChecker{
		binary:  "ping",
		count:   count,
		timeout: timeout,
		goos:    runtime.GOOS,
		run:     runCommand,
	}
}

// Check implements Checker.
func (c *PingChecker) Check(ctx context.Context, host string) (bool, error) {
	if strings.TrimSpace(host) == "" {
		return false, errors.New("ping host must not be empty")
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if c.timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	out, exitCode, err := c.run(execCtx, c.binary, c.args(host)...)
	if execCtx.Err() != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return false, nil
		}
		return false, execCtx.Err()
	}
	if err != nil {
		return false, fmt.Errorf("run ping: %w", err)
	}
	if hasFailureSignature(out) {
		return false, nil
	}
	return exitCode == 0, nil
}

func (c *PingChecker) args(host string) []string {
	count := strconv.Itoa(c.count)
	waitSec := int(c.timeout / time.Second)
	if waitSec <= 0 {
		waitSec = 1
	}
	if c.goos == "windows" {
		return []string{"-n", count, "-w", strconv.Itoa(waitSec * 1000), host}
	}
	return []string{"-c", count, "-W", strconv.Itoa(waitSec), host}
}

func hasFailureSignature(out string) bool {
	for _, sig := range failureSignatures {
		if strings.Contains(out, sig) {
			return true
		}
	}
	return false
}

// runCommand executes name and returns combined output with the exit code.
// A non-zero exit is not an error; only failures to start are.
func runCommand(ctx context.Context, name string, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out.String(), exitErr.ExitCode(), nil
		}
		return out.String(), -1, err
	}
	return out.String(), 0, nil
}

var _ Checker = (*PingChecker)(nil)
