package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/powercycled/powercycled/pkg/config"
	"github.com/powercycled/powercycled/pkg/controller"
	"github.com/powercycled/powercycled/pkg/observability"
	"github.com/powercycled/powercycled/pkg/power"
	"github.com/powercycled/powercycled/pkg/runlock"
)

type runOptions struct {
	configPath      string
	loops           int
	safe            bool
	dryRun          bool
	skipDriverCheck bool
}

func newRunCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the power-cycle test against the configured host",
		Long: `Run power-cycles the configured host for the requested number of loops.

Each loop cuts power, waits, restores power, waits for the host to answer,
lets it run IO for a while and checks it again. The run stops at the first
loop where the host stays offline or the serial log shows a fault keyword.
Press Ctrl+C to stop the run; it ends within about a second.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTest(cmd.Context(), opts, cmd.Flags().Changed("safe"), stdout, stderr)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", config.DefaultConfigPath, "path to configuration file")
	cmd.Flags().IntVar(&opts.loops, "loops", 0, "override the configured loop count")
	cmd.Flags().BoolVar(&opts.safe, "safe", false, "shut the host down remotely before cutting power")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "validate and print the plan without touching the relay")
	cmd.Flags().BoolVar(&opts.skipDriverCheck, "skip-driver-check", false, "do not verify the power driver files exist")
	return cmd
}

func runTest(ctx context.Context, opts runOptions, safeSet bool, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return withCode(exitConfigError, fmt.Errorf("failed to load configuration: %w", err))
	}
	if opts.loops > 0 {
		cfg.Loops = opts.loops
	}
	if safeSet {
		cfg.SafeMode = opts.safe
	}
	if err := cfg.Validate(); err != nil {
		return withCode(exitConfigError, err)
	}

	if !opts.skipDriverCheck {
		if err := power.CheckPresence(cfg.Power.RequiredFiles); err != nil {
			return withCode(exitDriverMissing, err)
		}
	}

	metrics := observability.NewPrometheusCollector()
	driver, shutdowner, err := buildDriver(cfg)
	if err != nil {
		return withCode(exitConfigError, err)
	}
	prober, err := buildProber(cfg.Probe, metrics)
	if err != nil {
		return withCode(exitConfigError, err)
	}
	snapshot := cfg.Snapshot()

	if opts.dryRun {
		printPlan(stdout, cfg, snapshot)
		return nil
	}

	logger, err := observability.OpenJSONLogFile(cfg.LogFile)
	if err != nil {
		return withCode(exitConfigError, fmt.Errorf("open debug log: %w", err))
	}
	defer logger.Close()

	runID := uuid.NewString()

	locks, closeLocks, err := buildRunLock(cfg, runID)
	if err != nil {
		return withCode(exitConfigError, fmt.Errorf("initialise run lock: %w", err))
	}
	defer closeLocks()

	lease, err := locks.Acquire(ctx)
	if err != nil {
		if errors.Is(err, runlock.ErrNotAcquired) {
			return withCode(exitTargetLocked, describeHolder(ctx, locks, cfg.Host))
		}
		return withCode(exitConfigError, fmt.Errorf("acquire run lock: %w", err))
	}
	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lease.Release(releaseCtx); err != nil {
				fmt.Fprintf(stderr, "failed to release run lock: %v\n", err)
			}
		})
	}
	defer release()

	observers := controller.MultiObserver{
		newConsoleObserver(stdout, snapshot.Loops),
		controller.NewStructuredObserver(cfg.Host, logger),
	}
	if cfg.EventStream.Enabled {
		pub, closeStream, err := buildEventStream(cfg, func(err error) {
			_ = logger.Log(context.Background(), observability.Event{
				Level:     observability.LevelWarn,
				RunID:     runID,
				Host:      cfg.Host,
				Component: "eventstream",
				Event:     "publish_failed",
				Message:   err.Error(),
			})
		})
		if err != nil {
			return withCode(exitConfigError, fmt.Errorf("initialise event stream: %w", err))
		}
		defer closeStream()
		observers = append(observers, pub)
	}
	observers = append(observers, controller.ObserverFuncs{
		Finished: func(controller.Summary) { release() },
	})
	async := controller.NewAsyncObserver(observers)

	ctrl, err := controller.New(controller.Dependencies{
		Driver:     driver,
		Shutdowner: shutdowner,
		Prober:     prober,
	},
		controller.WithObserver(async),
		controller.WithMetrics(metrics),
		controller.WithRunID(func() string { return runID }),
	)
	if err != nil {
		async.Close()
		return withCode(exitConfigError, err)
	}

	sigCtx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	run, err := ctrl.Start(context.Background(), snapshot)
	if err != nil {
		async.Close()
		return withCode(exitConfigError, err)
	}

	summary, err := supervise(sigCtx, run, cfg, metrics)
	async.Close()
	printSummary(stdout, summary)
	if err != nil {
		fmt.Fprintf(stderr, "metrics server: %v\n", err)
	}

	switch summary.State {
	case controller.StateCompleted:
		return nil
	case controller.StateCancelled:
		return withCode(exitRunCancelled, nil)
	default:
		return withCode(exitRunAborted, summary.Err)
	}
}

// supervise waits for the run while serving metrics. A signal or a failing
// metrics server stops the run; the run ending stops the metrics server.
func supervise(ctx context.Context, run *controller.Run, cfg *config.Config, metrics *observability.PrometheusCollector) (controller.Summary, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	var summary controller.Summary
	g.Go(func() error {
		summary = run.Wait()
		cancel()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		run.Stop()
		return nil
	})

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	return summary, err
}

func describeHolder(ctx context.Context, locks runlock.Manager, host string) error {
	etcdLocks, ok := locks.(*runlock.EtcdManager)
	if !ok {
		return fmt.Errorf("host %s is already under test", host)
	}
	holder, err := etcdLocks.Holder(ctx)
	if err != nil || holder == nil {
		return fmt.Errorf("host %s is already under test", host)
	}
	return fmt.Errorf("host %s is already under test by %s (run %s since %s)", host, holder.Identity, holder.RunID, holder.AcquiredAt)
}

func printPlan(w io.Writer, cfg *config.Config, snap config.TestConfig) {
	mode := "unsafe"
	if snap.SafeMode {
		mode = "safe"
	}
	fmt.Fprintf(w, "dry run: %d %s power-cycle loops against %s\n", snap.Loops, mode, snap.Host)
	fmt.Fprintf(w, "  power off wait: %s, power on wait: %s, io time: %s\n", snap.PowerOffWait, snap.PowerOnWait, snap.IOTime)
	fmt.Fprintf(w, "  probe: %s, %d attempts\n", cfg.Probe.Method, snap.Attempts())
	if snap.CheckLogEnabled {
		fmt.Fprintf(w, "  serial log: %s, keywords: %q\n", snap.LogPath, snap.IssueKeywords)
	} else {
		fmt.Fprintln(w, "  serial log: not checked")
	}
	fmt.Fprintln(w, "no power actions performed in dry-run mode")
}

func printSummary(w io.Writer, s controller.Summary) {
	fmt.Fprintf(w, "run %s %s: %d/%d loops, %d successful\n", s.RunID, s.State, s.LoopIndex, s.Loops, s.SuccessCount)
}
