// Package metrics provides internal metrics utilities for Veritas.
package metrics

import "github.com/arloliu/veritas/types"

// NopMetrics is a no-op metrics collector that discards all metrics.
//
// This is used as the default metrics collector when no collector is configured,
// avoiding nil checks throughout the codebase.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements types.MetricsCollector.
var _ types.MetricsCollector = (*NopMetrics)(nil)

// NewNopMetrics creates a new no-op metrics collector.
//
// Returns:
//   - *NopMetrics: A collector that discards all metrics
func NewNopMetrics() *NopMetrics {
	return &NopMetrics{}
}

// IncOperationTotal discards the metric.
func (m *NopMetrics) IncOperationTotal(_ string) {}

// IncOperationError discards the metric.
func (m *NopMetrics) IncOperationError(_ string) {}

// ObserveOperationDuration discards the metric.
func (m *NopMetrics) ObserveOperationDuration(_ string, _ float64) {}

// IncFailPointInstalled discards the metric.
func (m *NopMetrics) IncFailPointInstalled() {}

// IncFailPointDisabled discards the metric.
func (m *NopMetrics) IncFailPointDisabled() {}

// IncTestPassed discards the metric.
func (m *NopMetrics) IncTestPassed() {}

// IncTestFailed discards the metric.
func (m *NopMetrics) IncTestFailed() {}

// IncTestSkipped discards the metric.
func (m *NopMetrics) IncTestSkipped() {}
