package observability

// MetricType enumerates the supported metric kinds.
type MetricType string

const (
	MetricCounter   MetricType = "counter"
	MetricGauge     MetricType = "gauge"
	MetricHistogram MetricType = "histogram"
)

// Metric is a single measurement handed to a MetricsCollector.
type Metric struct {
	Name        string
	Type        MetricType
	Value       float64
	Labels      map[string]string
	Description string
	Unit        string
}

// MetricsCollector receives metric measurements.
type MetricsCollector interface {
	Collect(Metric)
}

// MetricsCollectorFunc adapts a function into a MetricsCollector.
type MetricsCollectorFunc func(Metric)

// Collect implements MetricsCollector.
func (f MetricsCollectorFunc) Collect(m Metric) {
	if f != nil {
		f(m)
	}
}

// NoopCollector drops every metric.
type NoopCollector struct{}

// Collect implements MetricsCollector.
func (NoopCollector) Collect(Metric) {}

var _ MetricsCollector = NoopCollector{}
var _ MetricsCollector = MetricsCollectorFunc(nil)
