package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/powercycled/powercycled/pkg/config"
	"github.com/powercycled/powercycled/pkg/logscan"
	"github.com/powercycled/powercycled/pkg/observability"
	"github.com/powercycled/powercycled/pkg/power"
)

func secondsDuration(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func newProbeCmd(stdout io.Writer) *cobra.Command {
	probeCfg := config.ProbeConfig{}
	cmd := &cobra.Command{
		Use:   "probe <host>",
		Short: "Check whether a host answers on the network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host := args[0]
			if !config.ValidHost(host) {
				return fmt.Errorf("host %q must be a dotted-quad IPv4 address", host)
			}
			if probeCfg.Attempts <= 0 || probeCfg.AttemptTimeoutSec <= 0 {
				return fmt.Errorf("attempts and timeout must be greater than zero")
			}
			prober, err := buildProber(probeCfg, observability.NoopCollector{})
			if err != nil {
				return err
			}
			if prober.Probe(cmd.Context(), host, probeCfg.Attempts) {
				fmt.Fprintf(stdout, "Host %s is online now.\n", host)
				return nil
			}
			return withCode(exitRunAborted, fmt.Errorf("host %s is offline after %d attempts", host, probeCfg.Attempts))
		},
	}
	cmd.Flags().StringVar(&probeCfg.Method, "method", config.ProbeMethodPing, "probe mechanism: ping or tcp")
	cmd.Flags().IntVar(&probeCfg.Port, "port", 0, "port to dial for tcp probes")
	cmd.Flags().IntVar(&probeCfg.Attempts, "attempts", config.DefaultProbeAttempts, "number of sequential attempts")
	cmd.Flags().IntVar(&probeCfg.AttemptTimeoutSec, "timeout", 10, "per-attempt timeout in seconds")
	cmd.Flags().IntVar(&probeCfg.PingCount, "count", 2, "echo requests per ping attempt")
	return cmd
}

func newScanCmd(stdout io.Writer) *cobra.Command {
	var logPath, keywords string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Search a serial log for fault keywords",
		Long: `Scan reads the log line by line and reports the first line containing one of
the comma separated keywords. Matching is case-sensitive. Use --log - to read
from standard input.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kws := logscan.ParseKeywords(keywords)
			var (
				res logscan.Result
				err error
			)
			if logPath == "-" {
				res, err = logscan.ScanReader(cmd.Context(), cmd.InOrStdin(), kws)
			} else {
				res, err = logscan.NewScanner().Scan(cmd.Context(), logPath, kws)
			}
			if err != nil {
				return withCode(exitConfigError, err)
			}
			switch res.Status {
			case logscan.StatusKeywordFound:
				fmt.Fprintf(stdout, "'%s' found in the log at line %d\n", res.Keyword, res.LineNumber)
				fmt.Fprintln(stdout, res.Line)
				return withCode(exitRunAborted, nil)
			case logscan.StatusCancelled:
				return withCode(exitRunCancelled, nil)
			}
			fmt.Fprintln(stdout, "No significant keyword found.")
			return nil
		},
	}
	cmd.Flags().StringVar(&logPath, "log", "", "serial log file, or - for stdin")
	cmd.Flags().StringVar(&keywords, "keywords", "", "comma separated fault keywords")
	_ = cmd.MarkFlagRequired("log")
	return cmd
}

func newPowerCmd(stdout io.Writer, on bool) *cobra.Command {
	var (
		configPath      string
		skipDriverCheck bool
	)
	use, label := "power-off", "Power off"
	if on {
		use, label = "power-on", "Power on"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: label + " the configured host through the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return withCode(exitConfigError, fmt.Errorf("failed to load configuration: %w", err))
			}
			if !skipDriverCheck {
				if err := power.CheckPresence(cfg.Power.RequiredFiles); err != nil {
					return withCode(exitDriverMissing, err)
				}
			}
			driver, _, err := buildDriver(cfg)
			if err != nil {
				return withCode(exitConfigError, err)
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			fmt.Fprintln(stdout, label)
			if on {
				err = driver.PowerOn(ctx)
			} else {
				err = driver.PowerOff(ctx)
			}
			if err != nil {
				return withCode(exitRunAborted, fmt.Errorf("%s failed: %w", label, err))
			}
			fmt.Fprintf(stdout, "%s finished.\n", label)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.DefaultConfigPath, "path to configuration file")
	cmd.Flags().BoolVar(&skipDriverCheck, "skip-driver-check", false, "do not verify the power driver files exist")
	return cmd
}

