package controller

import (
	"time"

	"github.com/powercycled/powercycled/pkg/config"
	"github.com/powercycled/powercycled/pkg/observability"
	"github.com/powercycled/powercycled/pkg/power"
)

func (c *Controller) recordLoop(cfg config.TestConfig, outcome loopOutcome, duration time.Duration) {
	result := "success"
	switch outcome {
	case loopAborted:
		result = "aborted"
	case loopCancelled:
		result = "cancelled"
	}
	mode := "unsafe"
	if cfg.SafeMode {
		mode = "safe"
	}

	c.metrics.Collect(observability.Metric{
		Name:        "loops_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"result": result},
		Description: "Number of power-cycle loops grouped by result.",
	})
	c.metrics.Collect(observability.Metric{
		Name:        "loop_duration_seconds",
		Type:        observability.MetricHistogram,
		Value:       duration.Seconds(),
		Labels:      map[string]string{"mode": mode, "result": result},
		Description: "Wall-clock duration of a power-cycle loop.",
		Unit:        "seconds",
	})
}

func (c *Controller) recordProgress(ev ProgressEvent) {
	c.metrics.Collect(observability.Metric{
		Name:        "current_loop",
		Type:        observability.MetricGauge,
		Value:       float64(ev.LoopIndex),
		Description: "Index of the most recently completed loop.",
	})
	c.metrics.Collect(observability.Metric{
		Name:        "success_count",
		Type:        observability.MetricGauge,
		Value:       float64(ev.SuccessCount),
		Description: "Loops in the current run where the host came back online.",
	})
}

func (c *Controller) recordPower(op power.Operation, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.metrics.Collect(observability.Metric{
		Name:        "power_operations_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"op": string(op), "result": result},
		Description: "Number of power driver operations grouped by operation and result.",
	})
}

func (c *Controller) recordScan(result string) {
	c.metrics.Collect(observability.Metric{
		Name:        "log_scans_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"result": result},
		Description: "Number of serial log scans grouped by result.",
	})
}

func (c *Controller) recordRun(summary Summary) {
	c.metrics.Collect(observability.Metric{
		Name:        "runs_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"state": string(summary.State)},
		Description: "Number of finished runs grouped by terminal state.",
	})
	c.metrics.Collect(observability.Metric{
		Name:        "run_active",
		Type:        observability.MetricGauge,
		Value:       0,
		Description: "Whether a power-cycle run is in progress.",
	})
}
