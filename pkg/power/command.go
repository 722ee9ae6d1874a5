package power

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// CommandRunner executes driver commands enforcing a timeout and environment injection.
type CommandRunner struct {
	timeout time.Duration
	env     map[string]string
}

// Result captures the outcome of executing a driver command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// NewCommandRunner constructs a runner; a zero timeout disables the deadline.
func NewCommandRunner(timeout time.Duration, baseEnv map[string]string) *CommandRunner {
	envCopy := make(map[string]string, len(baseEnv))
	for k, v := range baseEnv {
		envCopy[k] = v
	}
	return &CommandRunner{timeout: timeout, env: envCopy}
}

// Run executes argv. A non-zero exit is reported through Result.ExitCode, not as an error.
func (r *CommandRunner) Run(ctx context.Context, argv []string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, errors.New("command is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if r.timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), formatEnv(r.env)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if execCtx.Err() != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return result, fmt.Errorf("command %q timed out after %s", argv[0], r.timeout)
		}
		return result, execCtx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("run %q: %w", strings.Join(argv, " "), err)
	}

	return result, nil
}

// Timeout returns the configured timeout duration.
func (r *CommandRunner) Timeout() time.Duration {
	return r.timeout
}

func formatEnv(values map[string]string) []string {
	if len(values) == 0 {
		return nil
	}
	formatted := make([]string, 0, len(values))
	for k, v := range values {
		formatted = append(formatted, fmt.Sprintf("%s=%s", k, v))
	}
	return formatted
}
