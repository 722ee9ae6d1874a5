package observability

import (
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const prometheusNamespace = "powercycled"

// Loops take minutes: power-off and power-on waits plus up to twenty pings.
var defaultLoopBuckets = prometheus.ExponentialBuckets(15, 2, 8)

// family is one registered metric name. The first sample fixes its kind and
// label set; later samples disagreeing with either are dropped.
type family struct {
	kind   MetricType
	labels []string
	record func(prometheus.Labels, float64)
}

// PrometheusCollector turns Metric events into Prometheus series on a
// dedicated registry and serves them over HTTP.
type PrometheusCollector struct {
	registry *prometheus.Registry
	buckets  map[string][]float64

	mu       sync.Mutex
	families map[string]*family
	rejected int
}

// PrometheusOption customises a PrometheusCollector.
type PrometheusOption func(*PrometheusCollector)

// WithHistogramBuckets sets the bucket layout of the named histogram.
func WithHistogramBuckets(name string, buckets []float64) PrometheusOption {
	return func(c *PrometheusCollector) {
		if len(buckets) > 0 {
			c.buckets[name] = append([]float64(nil), buckets...)
		}
	}
}

// NewPrometheusCollector builds a collector backed by its own registry.
func NewPrometheusCollector(opts ...PrometheusOption) *PrometheusCollector {
	c := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
		buckets:  map[string][]float64{"loop_duration_seconds": defaultLoopBuckets},
		families: make(map[string]*family),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect implements MetricsCollector.
func (c *PrometheusCollector) Collect(metric Metric) {
	if c == nil || metric.Name == "" {
		return
	}
	labels := toLabels(metric.Labels)
	names := labelNames(labels)

	c.mu.Lock()
	defer c.mu.Unlock()

	fam, ok := c.families[metric.Name]
	if !ok {
		fam = c.register(metric, names)
		if fam == nil {
			c.rejected++
			return
		}
		c.families[metric.Name] = fam
	}
	if fam.kind != metric.Type || !slices.Equal(fam.labels, names) {
		c.rejected++
		return
	}
	fam.record(labels, metric.Value)
}

// Rejected counts samples dropped for an unknown type or a kind or label set
// conflicting with the first sample of the same name.
func (c *PrometheusCollector) Rejected() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejected
}

// Registry returns the underlying registry.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *PrometheusCollector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *PrometheusCollector) register(metric Metric, names []string) *family {
	help := helpText(metric)
	fam := &family{kind: metric.Type, labels: names}

	var vec prometheus.Collector
	switch metric.Type {
	case MetricCounter:
		v := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prometheusNamespace, Name: metric.Name, Help: help,
		}, names)
		fam.record = func(l prometheus.Labels, value float64) {
			if value > 0 {
				v.With(l).Add(value)
			}
		}
		vec = v
	case MetricGauge:
		v := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: prometheusNamespace, Name: metric.Name, Help: help,
		}, names)
		fam.record = func(l prometheus.Labels, value float64) { v.With(l).Set(value) }
		vec = v
	case MetricHistogram:
		opts := prometheus.HistogramOpts{
			Namespace: prometheusNamespace, Name: metric.Name, Help: help,
			Buckets: c.buckets[metric.Name],
		}
		if metric.Unit != "" {
			opts.ConstLabels = prometheus.Labels{"unit": metric.Unit}
		}
		v := prometheus.NewHistogramVec(opts, names)
		fam.record = func(l prometheus.Labels, value float64) { v.With(l).Observe(value) }
		vec = v
	default:
		return nil
	}

	if err := c.registry.Register(vec); err != nil {
		return nil
	}
	return fam
}

func helpText(metric Metric) string {
	if desc := strings.TrimSpace(metric.Description); desc != "" {
		return desc
	}
	if metric.Unit != "" {
		return metric.Name + " (" + metric.Unit + ")"
	}
	return metric.Name
}

func labelNames(labels prometheus.Labels) []string {
	if len(labels) == 0 {
		return nil
	}
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func toLabels(in map[string]string) prometheus.Labels {
	if len(in) == 0 {
		return nil
	}
	out := make(prometheus.Labels, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ MetricsCollector = (*PrometheusCollector)(nil)
