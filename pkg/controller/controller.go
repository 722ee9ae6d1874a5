package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/powercycled/powercycled/pkg/config"
	"github.com/powercycled/powercycled/pkg/logscan"
	"github.com/powercycled/powercycled/pkg/observability"
	"github.com/powercycled/powercycled/pkg/power"
)

// Prober answers whether a host is reachable within a bounded number of attempts.
type Prober interface {
	Probe(ctx context.Context, host string, maxAttempts int) bool
}

// LogScanner searches a log source for fault keywords.
type LogScanner interface {
	Scan(ctx context.Context, path string, keywords []string) (logscan.Result, error)
}

// Dependencies are the collaborators a Controller drives.
type Dependencies struct {
	Driver     power.Driver
	Shutdowner power.Shutdowner
	Prober     Prober
	Scanner    LogScanner
}

// Controller runs power-cycle tests, one at a time.
type Controller struct {
	deps     Dependencies
	observer Observer
	metrics  observability.MetricsCollector
	sleep    func(time.Duration)
	now      func() time.Time
	newID    func() string

	mu     sync.Mutex
	active *Run
}

// Option customises a Controller.
type Option func(*Controller)

// WithObserver attaches the observer receiving log, progress and finish events.
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m observability.MetricsCollector) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithSleepFunc overrides the one-second tick used by waits.
func WithSleepFunc(fn func(time.Duration)) Option {
	return func(c *Controller) {
		c.sleep = fn
	}
}

// WithClock injects a custom time source, enabling deterministic tests.
func WithClock(fn func() time.Time) Option {
	return func(c *Controller) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithRunID overrides run id generation.
func WithRunID(fn func() string) Option {
	return func(c *Controller) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// New constructs a Controller. Driver and Prober are required; a nil Scanner
// defaults to the filesystem scanner.
func New(deps Dependencies, opts ...Option) (*Controller, error) {
	if deps.Driver == nil {
		return nil, errors.New("power driver must not be nil")
	}
	if deps.Prober == nil {
		return nil, errors.New("prober must not be nil")
	}
	if deps.Scanner == nil {
		deps.Scanner = logscan.NewScanner()
	}

	c := &Controller{
		deps:     deps,
		observer: NoopObserver{},
		metrics:  observability.NoopCollector{},
		sleep:    time.Sleep,
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sleep == nil {
		c.sleep = time.Sleep
	}
	return c, nil
}

// Run is the handle of a started run.
type Run struct {
	id        string
	cfg       config.TestConfig
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
	summary   Summary
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Stop requests cooperative cancellation. It is safe to call repeatedly and
// from any goroutine. A power or shutdown command in flight runs to
// completion; the worker then stops at its next wait tick, reachability
// attempt or scanned log line.
func (r *Run) Stop() {
	r.cancelled.Store(true)
	r.cancel()
}

// State reports StateRunning until the run finished, then its final state.
func (r *Run) State() State {
	select {
	case <-r.done:
		return r.summary.State
	default:
		return StateRunning
	}
}

// Done is closed once the run reached a terminal state.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finished and returns its summary.
func (r *Run) Wait() Summary {
	<-r.done
	return r.summary
}

func (r *Run) isCancelled() bool {
	if r.cancelled.Load() {
		return true
	}
	if r.ctx.Err() != nil {
		r.cancelled.Store(true)
		return true
	}
	return false
}

// Start validates cfg and launches the run on its own goroutine. Cancelling
// ctx has the same effect as Run.Stop.
func (c *Controller) Start(ctx context.Context, cfg config.TestConfig) (*Run, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.SafeMode && c.deps.Shutdowner == nil {
		return nil, &config.ValidationError{Problems: []string{"safe mode requires a remote shutdown driver"}}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return nil, ErrRunActive
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		id:     c.newID(),
		cfg:    cfg.Clone(),
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.active = run

	go c.execute(run)
	return run, nil
}

// Run executes a full test synchronously and returns its summary.
func (c *Controller) Run(ctx context.Context, cfg config.TestConfig) (Summary, error) {
	run, err := c.Start(ctx, cfg)
	if err != nil {
		return Summary{}, err
	}
	return run.Wait(), nil
}

// State reports StateRunning while a run is active and StateIdle otherwise.
func (c *Controller) State() State {
	if c.Active() {
		return StateRunning
	}
	return StateIdle
}

// Active reports whether a run is in progress.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

func (c *Controller) execute(run *Run) {
	state := &RunState{}
	started := c.now()

	c.metrics.Collect(observability.Metric{
		Name:        "run_active",
		Type:        observability.MetricGauge,
		Value:       1,
		Description: "Whether a power-cycle run is in progress.",
	})

	final, err := c.loop(run, state)

	if final == StateCancelled {
		c.emit(run, observability.LevelInfo, "run_cancelled", "Test stopped by request.")
	}
	c.emit(run, observability.LevelInfo, "test_exit", "Test exit!")

	run.summary = Summary{
		RunID:        run.id,
		Host:         run.cfg.Host,
		State:        final,
		Loops:        run.cfg.Loops,
		LoopIndex:    state.LoopIndex,
		SuccessCount: state.SuccessCount,
		Err:          err,
		StartedAt:    started,
		FinishedAt:   c.now(),
	}
	c.recordRun(run.summary)
	run.cancel()

	c.mu.Lock()
	c.active = nil
	c.mu.Unlock()

	c.observer.OnFinished(run.summary)
	close(run.done)
}

type loopOutcome int

const (
	loopPassed loopOutcome = iota
	loopAborted
	loopCancelled
)

func (c *Controller) loop(run *Run, state *RunState) (State, error) {
	for idx := 1; idx <= run.cfg.Loops; idx++ {
		if run.isCancelled() {
			return StateCancelled, nil
		}
		state.LoopIndex = idx

		start := c.now()
		outcome, err := c.cycle(run, state)
		c.recordLoop(run.cfg, outcome, c.now().Sub(start))

		switch outcome {
		case loopAborted:
			return StateAborted, err
		case loopCancelled:
			return StateCancelled, nil
		}

		progress := ProgressEvent{
			RunID:        run.id,
			LoopIndex:    state.LoopIndex,
			SuccessCount: state.SuccessCount,
		}
		c.recordProgress(progress)
		c.observer.OnProgress(progress)
	}
	return StateCompleted, nil
}

// cycle performs one power-off, power-on, verify iteration.
func (c *Controller) cycle(run *Run, state *RunState) (loopOutcome, error) {
	cfg := run.cfg
	ctx := run.ctx
	// Relay and shutdown commands always run to completion; Stop is honoured
	// at the next wait, probe attempt or scanned line.
	driverCtx := context.WithoutCancel(ctx)

	if cfg.SafeMode {
		c.emit(run, observability.LevelFlag, "loop_started", fmt.Sprintf("Safe_Power_Cycle_Test: Begin # %d", state.LoopIndex))
		c.emit(run, observability.LevelInfo, "remote_shutdown", fmt.Sprintf("Shutdown host %s", cfg.Host))
		code, err := c.deps.Shutdowner.RemoteShutdown(driverCtx, cfg.Host)
		if err == nil && code != 0 {
			err = &power.DriverError{Op: power.OpRemoteShutdown, ExitCode: code}
		}
		c.recordPower(power.OpRemoteShutdown, err)
		if err != nil {
			c.emit(run, observability.LevelError, "remote_shutdown_failed", "Remote shutdown failed.")
			c.emit(run, observability.LevelError, "remote_shutdown_failed", err.Error())
			return loopAborted, asDriverError(power.OpRemoteShutdown, err)
		}
		c.emit(run, observability.LevelInfo, "shutdown_wait", fmt.Sprintf("Wait host %s shutdown", cfg.Host))
		if !c.wait(run, cfg.ShutdownGrace) {
			return loopCancelled, nil
		}
		c.emit(run, observability.LevelInfo, "power_off", "Power off")
		if err := c.powerOff(driverCtx); err != nil {
			c.emit(run, observability.LevelError, "power_off_failed", "Safe Power off failed.")
			return loopAborted, err
		}
	} else {
		c.emit(run, observability.LevelFlag, "loop_started", fmt.Sprintf("Unsafe_Power_Cycle_Test: Begin # %d", state.LoopIndex))
		c.emit(run, observability.LevelInfo, "power_off", "Power off")
		if err := c.powerOff(driverCtx); err != nil {
			c.emit(run, observability.LevelError, "power_off_failed", "Unsafe Power off failed.")
			return loopAborted, err
		}
	}
	c.emit(run, observability.LevelInfo, "power_off_done", "Power off finished.")

	c.emit(run, observability.LevelInfo, "power_off_wait", fmt.Sprintf("Start waiting %d seconds", wholeSeconds(cfg.PowerOffWait)))
	if !c.wait(run, cfg.PowerOffWait) {
		return loopCancelled, nil
	}

	c.emit(run, observability.LevelInfo, "power_on", "Power on")
	err := c.deps.Driver.PowerOn(driverCtx)
	c.recordPower(power.OpPowerOn, err)
	if err != nil {
		c.emit(run, observability.LevelError, "power_on_failed", "Power on failed.")
		return loopAborted, asDriverError(power.OpPowerOn, err)
	}
	c.emit(run, observability.LevelInfo, "power_on_done", "Power on finished.")

	c.emit(run, observability.LevelInfo, "power_on_wait", fmt.Sprintf("Start waiting %d seconds", wholeSeconds(cfg.PowerOnWait)))
	if !c.wait(run, cfg.PowerOnWait) {
		return loopCancelled, nil
	}

	c.emit(run, observability.LevelInfo, "probe_after_power_on", "====>Check host online or not after power on")
	if !c.deps.Prober.Probe(ctx, cfg.Host, cfg.Attempts()) {
		if run.isCancelled() {
			return loopCancelled, nil
		}
		c.emit(run, observability.LevelError, "host_offline", "Host is offline.")
		unreachable := &UnreachableError{Host: cfg.Host, Phase: phaseAfterPowerOn, Attempts: cfg.Attempts()}
		if !cfg.CheckLogEnabled {
			c.emit(run, observability.LevelInfo, "log_check_skipped", "Do not need to check serial log.")
			return loopAborted, unreachable
		}
		outcome, err := c.checkLog(run, phaseAfterPowerOn)
		if outcome != loopPassed {
			return outcome, err
		}
		// A clean log leaves the failure unexplained; the run still ends here.
		c.emit(run, observability.LevelWarn, "log_clean_offline", "No significant keyword found, force shutdown and continue the test!!!")
		unreachable.LogClean = true
		return loopAborted, unreachable
	}
	c.emit(run, observability.LevelInfo, "host_online", "Host is online now.")
	state.SuccessCount++

	c.emit(run, observability.LevelInfo, "io_wait", fmt.Sprintf("Start to run IO about %d seconds", wholeSeconds(cfg.IOTime)))
	if !c.wait(run, cfg.IOTime) {
		return loopCancelled, nil
	}
	c.emit(run, observability.LevelInfo, "io_done", "IO done.")

	c.emit(run, observability.LevelInfo, "probe_after_io", "====>Check host status again after IO is done")
	if !c.deps.Prober.Probe(ctx, cfg.Host, cfg.Attempts()) {
		if run.isCancelled() {
			return loopCancelled, nil
		}
		c.emit(run, observability.LevelError, "host_offline_after_io", "Host is offline after IO.")
		return loopAborted, &UnreachableError{Host: cfg.Host, Phase: phaseAfterIO, Attempts: cfg.Attempts()}
	}
	c.emit(run, observability.LevelInfo, "host_online_after_io", "host is still online after IO.")
	if !cfg.CheckLogEnabled {
		c.emit(run, observability.LevelInfo, "log_check_skipped", "Do not need to check serial log.")
	} else if outcome, err := c.checkLog(run, phaseAfterIO); outcome != loopPassed {
		return outcome, err
	}

	c.emit(run, observability.LevelInfo, "loop_end", "Test loop end")
	return loopPassed, nil
}

func (c *Controller) powerOff(ctx context.Context) error {
	err := c.deps.Driver.PowerOff(ctx)
	c.recordPower(power.OpPowerOff, err)
	if err != nil {
		return asDriverError(power.OpPowerOff, err)
	}
	return nil
}

// checkLog scans the serial log; loopPassed means the log is clean.
func (c *Controller) checkLog(run *Run, phase string) (loopOutcome, error) {
	cfg := run.cfg
	res, err := c.deps.Scanner.Scan(run.ctx, cfg.LogPath, cfg.IssueKeywords)
	if err != nil {
		if run.isCancelled() {
			return loopCancelled, nil
		}
		c.recordScan("error")
		c.emit(run, observability.LevelError, "log_read_failed", fmt.Sprintf("Failed to read serial log: %v", err))
		var ioErr *logscan.ScanIOError
		if !errors.As(err, &ioErr) {
			err = &logscan.ScanIOError{Path: cfg.LogPath, Err: err}
		}
		return loopAborted, err
	}
	c.recordScan(string(res.Status))

	switch res.Status {
	case logscan.StatusCancelled:
		return loopCancelled, nil
	case logscan.StatusKeywordFound:
		c.emit(run, observability.LevelError, "fault_keyword_found", fmt.Sprintf("'%s' found in the log, test aborted!!!", res.Keyword))
		c.emit(run, observability.LevelError, "fault_keyword_line", res.Line)
		return loopAborted, &FaultConfirmedError{
			Phase:      phase,
			Keyword:    res.Keyword,
			Line:       res.Line,
			LineNumber: res.LineNumber,
		}
	}
	if run.isCancelled() {
		return loopCancelled, nil
	}
	return loopPassed, nil
}

// wait blocks for d in one-second ticks, checking for cancellation before
// each tick and once more at the end. It returns false when cancelled.
func (c *Controller) wait(run *Run, d time.Duration) bool {
	for i := 0; i < wholeSeconds(d); i++ {
		if run.isCancelled() {
			return false
		}
		c.sleepWithContext(run.ctx, time.Second)
	}
	return !run.isCancelled()
}

func (c *Controller) sleepWithContext(ctx context.Context, d time.Duration) {
	done := make(chan struct{})
	go func() {
		c.sleep(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
}

func (c *Controller) emit(run *Run, level observability.Level, name, message string) {
	c.observer.OnLog(LogEvent{
		RunID:     run.id,
		Timestamp: c.now(),
		Level:     level,
		Name:      name,
		Message:   message,
	})
}

func asDriverError(op power.Operation, err error) error {
	var derr *power.DriverError
	if errors.As(err, &derr) {
		return err
	}
	return &power.DriverError{Op: op, Err: err}
}

// wholeSeconds rounds up so a sub-second remainder still costs one tick.
func wholeSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	n := int(d / time.Second)
	if d%time.Second != 0 {
		n++
	}
	return n
}
