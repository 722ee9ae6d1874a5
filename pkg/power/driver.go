package power

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Operation names a Power Driver action.
type Operation string

const (
	OpPowerOn        Operation = "power_on"
	OpPowerOff       Operation = "power_off"
	OpRemoteShutdown Operation = "remote_shutdown"
)

// Driver switches the relay feeding the host under test.
type Driver interface {
	PowerOn(ctx context.Context) error
	PowerOff(ctx context.Context) error
}

// Shutdowner asks the host to shut itself down gracefully and returns the
// shutdown tool's exit code.
type Shutdowner interface {
	RemoteShutdown(ctx context.Context, host string) (int, error)
}

// DriverError reports a failed Power Driver operation.
type DriverError struct {
	Op       Operation
	ExitCode int
	Stderr   string
	Err      error
}

func (e *DriverError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	msg := fmt.Sprintf("%s failed with exit code %d", e.Op, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *DriverError) Unwrap() error { return e.Err }

// CommandDriver drives the relay through external commands, such as a USB relay utility.
type CommandDriver struct {
	on     []string
	off    []string
	runner *CommandRunner
}

// NewCommandDriver builds a driver running the on/off argv through runner.
func NewCommandDriver(on, off []string, runner *CommandRunner) (*CommandDriver, error) {
	if len(on) == 0 {
		return nil, errors.New("power on command must not be empty")
	}
	if len(off) == 0 {
		return nil, errors.New("power off command must not be empty")
	}
	if runner == nil {
		runner = NewCommandRunner(0, nil)
	}
	return &CommandDriver{
		on:     append([]string(nil), on...),
		off:    append([]string(nil), off...),
		runner: runner,
	}, nil
}

// PowerOn implements Driver.
func (d *CommandDriver) PowerOn(ctx context.Context) error {
	return d.invoke(ctx, OpPowerOn, d.on)
}

// PowerOff implements Driver.
func (d *CommandDriver) PowerOff(ctx context.Context) error {
	return d.invoke(ctx, OpPowerOff, d.off)
}

func (d *CommandDriver) invoke(ctx context.Context, op Operation, argv []string) error {
	res, err := d.runner.Run(ctx, argv)
	if err != nil {
		return &DriverError{Op: op, ExitCode: res.ExitCode, Stderr: res.Stderr, Err: err}
	}
	if res.ExitCode != 0 {
		return &DriverError{Op: op, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return nil
}

// HostPlaceholder is replaced by the target host in shutdown command arguments.
const HostPlaceholder = "{host}"

// CommandShutdowner triggers a remote shutdown through an external command.
type CommandShutdowner struct {
	argv   []string
	runner *CommandRunner
}

// NewCommandShutdowner builds a Shutdowner; occurrences of {host} in argv are substituted per call.
func NewCommandShutdowner(argv []string, runner *CommandRunner) (*CommandShutdowner, error) {
	if len(argv) == 0 {
		return nil, errors.New("shutdown command must not be empty")
	}
	if runner == nil {
		runner = NewCommandRunner(0, nil)
	}
	return &CommandShutdowner{argv: append([]string(nil), argv...), runner: runner}, nil
}

// RemoteShutdown implements Shutdowner.
func (s *CommandShutdowner) RemoteShutdown(ctx context.Context, host string) (int, error) {
	argv := make([]string, len(s.argv))
	for i, arg := range s.argv {
		argv[i] = strings.ReplaceAll(arg, HostPlaceholder, host)
	}
	res, err := s.runner.Run(ctx, argv)
	if err != nil {
		return -1, &DriverError{Op: OpRemoteShutdown, Stderr: res.Stderr, Err: err}
	}
	return res.ExitCode, nil
}

// MissingError lists driver files that are not present on disk.
type MissingError struct {
	Paths []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("power control files missing: %s", strings.Join(e.Paths, ", "))
}

// CheckPresence verifies that every file backing the driver exists.
func CheckPresence(paths []string) error {
	missing := make([]string, 0)
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				missing = append(missing, p)
				continue
			}
			return fmt.Errorf("stat %s: %w", p, err)
		}
	}
	if len(missing) > 0 {
		return &MissingError{Paths: missing}
	}
	return nil
}

var _ Driver = (*CommandDriver)(nil)
var _ Shutdowner = (*CommandShutdowner)(nil)
