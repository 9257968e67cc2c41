package vm

import (
	"fmt"
	"net/http"

	"github.com/VictoriaMetrics/metrics"

	"github.com/arloliu/veritas/types"
)

// Option configures a Collector.
type Option func(*Collector)

// WithPrefix sets the metric name prefix.
//
// Default: "veritas"
//
// Parameters:
//   - prefix: The prefix to use for all metric names
//
// Returns:
//   - Option: A configuration option
func WithPrefix(prefix string) Option {
	return func(c *Collector) {
		c.prefix = prefix
	}
}

// WithMetricsSet sets the metrics set to use.
//
// If provided, the collector will register metrics with this set instead of
// creating a new one. The caller is responsible for exposing this set
// (e.g., via metrics.WritePrometheus or a custom handler).
//
// Parameters:
//   - set: The metrics set to use
//
// Returns:
//   - Option: A configuration option
func WithMetricsSet(set *metrics.Set) Option {
	return func(c *Collector) {
		c.set = set
	}
}

// Collector implements types.MetricsCollector using VictoriaMetrics.
//
// Test verdict and fail point counters are pre-created at initialization
// time; per-operation series are created lazily on the first use of each
// operation name. Thread-safe for concurrent use.
type Collector struct {
	set    *metrics.Set
	prefix string

	failPointInstalled *metrics.Counter
	failPointDisabled  *metrics.Counter

	testPassed  *metrics.Counter
	testFailed  *metrics.Counter
	testSkipped *metrics.Counter
}

// Compile-time assertion that Collector implements types.MetricsCollector.
var _ types.MetricsCollector = (*Collector)(nil)

// New creates a new VictoriaMetrics-based metrics collector.
//
// The collector creates its own metrics.Set and registers it globally
// unless WithMetricsSet provides one.
//
// Parameters:
//   - opts: Configuration options (e.g., WithPrefix)
//
// Returns:
//   - *Collector: A new metrics collector ready for use
//
// Example:
//
//	collector := vm.New(vm.WithPrefix("scenarios"))
//	runner := veritas.NewRunner(
//	    veritas.WithURI(uri),
//	    veritas.WithMetrics(collector),
//	)
func New(opts ...Option) *Collector {
	c := &Collector{
		prefix: "veritas",
	}

	for _, opt := range opts {
		opt(c)
	}

	// If no set is provided, create a new one and register it globally.
	// If a set is provided, we assume the caller manages it.
	if c.set == nil {
		c.set = metrics.NewSet()
		metrics.RegisterSet(c.set)
	}

	c.initMetrics()

	return c
}

// initMetrics pre-creates the fixed-cardinality metrics.
func (c *Collector) initMetrics() {
	p := c.prefix

	c.failPointInstalled = c.set.NewCounter(p + "_failpoints_installed_total")
	c.failPointDisabled = c.set.NewCounter(p + "_failpoints_disabled_total")

	c.testPassed = c.set.NewCounter(fmt.Sprintf(`%s_tests_total{verdict="passed"}`, p))
	c.testFailed = c.set.NewCounter(fmt.Sprintf(`%s_tests_total{verdict="failed"}`, p))
	c.testSkipped = c.set.NewCounter(fmt.Sprintf(`%s_tests_total{verdict="skipped"}`, p))
}

// IncOperationTotal increments the executed-operation counter.
func (c *Collector) IncOperationTotal(name string) {
	c.set.GetOrCreateCounter(fmt.Sprintf(`%s_operations_total{operation=%q}`, c.prefix, name)).Inc()
}

// IncOperationError increments the failed-operation counter.
func (c *Collector) IncOperationError(name string) {
	c.set.GetOrCreateCounter(fmt.Sprintf(`%s_operation_errors_total{operation=%q}`, c.prefix, name)).Inc()
}

// ObserveOperationDuration records an operation execution duration.
func (c *Collector) ObserveOperationDuration(name string, seconds float64) {
	c.set.GetOrCreateHistogram(fmt.Sprintf(`%s_operation_duration_seconds{operation=%q}`, c.prefix, name)).Update(seconds)
}

// IncFailPointInstalled increments the installed fail point counter.
func (c *Collector) IncFailPointInstalled() {
	c.failPointInstalled.Inc()
}

// IncFailPointDisabled increments the disabled fail point counter.
func (c *Collector) IncFailPointDisabled() {
	c.failPointDisabled.Inc()
}

// IncTestPassed increments the passed test-case counter.
func (c *Collector) IncTestPassed() {
	c.testPassed.Inc()
}

// IncTestFailed increments the failed test-case counter.
func (c *Collector) IncTestFailed() {
	c.testFailed.Inc()
}

// IncTestSkipped increments the skipped test-case counter.
func (c *Collector) IncTestSkipped() {
	c.testSkipped.Inc()
}

// Handler returns an HTTP handler exposing the collector's metrics in
// Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		c.set.WritePrometheus(w)
	})
}
