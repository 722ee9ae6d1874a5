package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/powercycled/powercycled/pkg/config"
	"github.com/powercycled/powercycled/pkg/version"
)

const (
	exitOK            = 0
	exitUsage         = 64
	exitConfigError   = 65
	exitDriverMissing = 66
	exitRunAborted    = 67
	exitRunCancelled  = 68
	exitTargetLocked  = 69
)

// exitError carries a process exit code out of a cobra RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)

	err := root.Execute()
	if err == nil {
		return exitOK
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		if exitErr.err != nil {
			fmt.Fprintln(stderr, exitErr.err)
		}
		return exitErr.code
	}
	fmt.Fprintln(stderr, err)
	fmt.Fprintln(stderr, "Run 'powercycle-tester --help' for usage.")
	return exitUsage
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "powercycle-tester",
		Short: "Repeatedly power-cycle a host and verify it comes back healthy",
		Long: `powercycle-tester drives a relay to cut and restore power to a host under
test, then verifies the host answers on the network and that its serial log
shows no fault signatures.

Quick Start:
  1. Check the configuration:  powercycle-tester validate-config --config lab.yaml
  2. Try the relay:            powercycle-tester power-off --config lab.yaml
  3. Start a run:              powercycle-tester run --config lab.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(
		newRunCmd(stdout, stderr),
		newValidateCmd(stdout),
		newProbeCmd(stdout),
		newScanCmd(stdout),
		newPowerCmd(stdout, true),
		newPowerCmd(stdout, false),
		newVersionCmd(stdout),
	)
	return root
}

func newVersionCmd(stdout io.Writer) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				fmt.Fprintln(stdout, version.Full())
				return nil
			}
			fmt.Fprintln(stdout, version.Version)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include toolchain and revision details")
	return cmd
}

func newValidateCmd(stdout io.Writer) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return withCode(exitConfigError, fmt.Errorf("configuration invalid: %w", err))
			}
			fmt.Fprintf(stdout, "configuration at %s is valid\n", configPath)
			fmt.Fprintf(stdout, "  host: %s\n", cfg.Host)
			fmt.Fprintf(stdout, "  loops: %d (safe mode: %v)\n", cfg.Loops, cfg.SafeMode)
			fmt.Fprintf(stdout, "  probe: %s, %d attempts\n", cfg.Probe.Method, cfg.Probe.Attempts)
			if cfg.CheckLogEnabled {
				fmt.Fprintf(stdout, "  serial log: %s\n", cfg.LogPath)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.DefaultConfigPath, "path to configuration file")
	return cmd
}
