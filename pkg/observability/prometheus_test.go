package observability_test

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/powercycled/powercycled/pkg/config"
	"github.com/powercycled/powercycled/pkg/controller"
	"github.com/powercycled/powercycled/pkg/observability"
)

// relay fails the n-th power-off.
type relay struct {
	mu        sync.Mutex
	offs      int
	failOffAt int
}

func (r *relay) PowerOn(context.Context) error { return nil }

func (r *relay) PowerOff(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offs++
	if r.offs == r.failOffAt {
		return errors.New("relay stuck")
	}
	return nil
}

type alwaysUp struct{}

func (alwaysUp) Probe(context.Context, string, int) bool { return true }

func testConfig(loops int) config.TestConfig {
	return config.TestConfig{
		Host:         "192.168.1.100",
		Loops:        loops,
		IOTime:       time.Second,
		PowerOffWait: time.Second,
		PowerOnWait:  time.Second,
	}
}

func runController(t *testing.T, collector *observability.PrometheusCollector, driver *relay, loops int, sleep func(time.Duration)) controller.Summary {
	t.Helper()
	c, err := controller.New(
		controller.Dependencies{Driver: driver, Prober: alwaysUp{}},
		controller.WithMetrics(collector),
		controller.WithSleepFunc(sleep),
	)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	summary, err := c.Run(context.Background(), testConfig(loops))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return summary
}

func gather(t *testing.T, collector *observability.PrometheusCollector) []*dto.MetricFamily {
	t.Helper()
	mfs, err := collector.Registry().Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	return mfs
}

// sampleValue returns the counter or gauge value of the series carrying exactly labels.
func sampleValue(t *testing.T, mf *dto.MetricFamily, labels map[string]string) float64 {
	t.Helper()
	for _, m := range mf.GetMetric() {
		if !hasLabels(m, labels) {
			continue
		}
		if m.GetCounter() != nil {
			return m.GetCounter().GetValue()
		}
		return m.GetGauge().GetValue()
	}
	t.Fatalf("series %v not found in %s", labels, mf.GetName())
	return 0
}

func hasLabels(m *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestPrometheusCollectorCountsLoopsAndPowerOperations(t *testing.T) {
	collector := observability.NewPrometheusCollector()
	summary := runController(t, collector, &relay{failOffAt: 2}, 3, func(time.Duration) {})
	if summary.State != controller.StateAborted {
		t.Fatalf("expected aborted run, got %s", summary.State)
	}

	mfs := gather(t, collector)
	loops := findMetric(t, mfs, "powercycled_loops_total")
	if got := sampleValue(t, loops, map[string]string{"result": "success"}); got != 1 {
		t.Fatalf("expected 1 successful loop, got %v", got)
	}
	if got := sampleValue(t, loops, map[string]string{"result": "aborted"}); got != 1 {
		t.Fatalf("expected 1 aborted loop, got %v", got)
	}

	ops := findMetric(t, mfs, "powercycled_power_operations_total")
	cases := []struct {
		op, result string
		want       float64
	}{
		{"power_off", "success", 1},
		{"power_off", "failure", 1},
		{"power_on", "success", 1},
	}
	for _, tc := range cases {
		got := sampleValue(t, ops, map[string]string{"op": tc.op, "result": tc.result})
		if got != tc.want {
			t.Fatalf("power_operations_total{op=%s,result=%s} = %v, want %v", tc.op, tc.result, got, tc.want)
		}
	}
	if len(ops.GetMetric()) != len(cases) {
		t.Fatalf("expected %d power operation series, got %d", len(cases), len(ops.GetMetric()))
	}

	runs := findMetric(t, mfs, "powercycled_runs_total")
	if got := sampleValue(t, runs, map[string]string{"state": "aborted"}); got != 1 {
		t.Fatalf("expected one aborted run, got %v", got)
	}
	if collector.Rejected() != 0 {
		t.Fatalf("controller metrics must have stable label sets, rejected %d", collector.Rejected())
	}
}

func TestPrometheusCollectorRunActiveGauge(t *testing.T) {
	collector := observability.NewPrometheusCollector()
	var (
		once   sync.Once
		during = -1.0
	)
	// Sleeps run off the test goroutine, so only record here.
	sleep := func(time.Duration) {
		once.Do(func() {
			mfs, err := collector.Registry().Gather()
			if err != nil {
				return
			}
			for _, mf := range mfs {
				if mf.GetName() == "powercycled_run_active" {
					during = mf.GetMetric()[0].GetGauge().GetValue()
				}
			}
		})
	}

	summary := runController(t, collector, &relay{}, 1, sleep)
	if summary.State != controller.StateCompleted {
		t.Fatalf("expected completed run, got %s", summary.State)
	}
	if during != 1 {
		t.Fatalf("expected run_active 1 while running, got %v", during)
	}
	mf := findMetric(t, gather(t, collector), "powercycled_run_active")
	if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 0 {
		t.Fatalf("expected run_active 0 after the run, got %v", got)
	}

	current := findMetric(t, gather(t, collector), "powercycled_current_loop")
	if got := current.GetMetric()[0].GetGauge().GetValue(); got != 1 {
		t.Fatalf("expected current_loop 1, got %v", got)
	}
}

func TestPrometheusCollectorLoopDurationBuckets(t *testing.T) {
	collector := observability.NewPrometheusCollector(
		observability.WithHistogramBuckets("loop_duration_seconds", []float64{1, 10}),
	)
	runController(t, collector, &relay{}, 2, func(time.Duration) {})

	mf := findMetric(t, gather(t, collector), "powercycled_loop_duration_seconds")
	series := mf.GetMetric()
	if len(series) != 1 {
		t.Fatalf("expected one histogram series, got %d", len(series))
	}
	h := series[0].GetHistogram()
	if h.GetSampleCount() != 2 {
		t.Fatalf("expected 2 observations, got %d", h.GetSampleCount())
	}
	if len(h.GetBucket()) != 2 {
		t.Fatalf("expected custom buckets, got %d", len(h.GetBucket()))
	}
	if !hasLabels(series[0], map[string]string{"mode": "unsafe", "result": "success", "unit": "seconds"}) {
		t.Fatalf("unexpected histogram labels: %+v", series[0].GetLabel())
	}
}

func TestPrometheusCollectorRejectsConflictingSamples(t *testing.T) {
	collector := observability.NewPrometheusCollector()
	collector.Collect(observability.Metric{Name: "log_scans_total", Type: observability.MetricCounter, Value: 1, Labels: map[string]string{"result": "clean"}})
	collector.Collect(observability.Metric{Name: "log_scans_total", Type: observability.MetricCounter, Value: 1, Labels: map[string]string{"result": "clean", "host": "10.0.0.1"}})
	collector.Collect(observability.Metric{Name: "log_scans_total", Type: observability.MetricGauge, Value: 5, Labels: map[string]string{"result": "clean"}})
	collector.Collect(observability.Metric{Name: "log_scans_total", Type: observability.MetricCounter, Value: -3, Labels: map[string]string{"result": "clean"}})

	mf := findMetric(t, gather(t, collector), "powercycled_log_scans_total")
	if got := sampleValue(t, mf, map[string]string{"result": "clean"}); got != 1 {
		t.Fatalf("expected counter to stay at 1, got %v", got)
	}
	if collector.Rejected() != 2 {
		t.Fatalf("expected 2 rejected samples, got %d", collector.Rejected())
	}
}

func TestPrometheusCollectorHandlerServesRunMetrics(t *testing.T) {
	collector := observability.NewPrometheusCollector()
	runController(t, collector, &relay{}, 1, func(time.Duration) {})

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Result().Body)
	if !strings.Contains(string(body), `powercycled_loops_total{result="success"} 1`) {
		t.Fatalf("expected loop counter in exposition, got:\n%s", body)
	}
}

// findMetric searches metric families by name.
func findMetric(t *testing.T, mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	t.Helper()
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}
