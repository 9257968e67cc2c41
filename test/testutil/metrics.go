package testutil

import (
	"sync"
	"sync/atomic"

	"github.com/arloliu/veritas/types"
)

// TestMetricsCollector is a test implementation of types.MetricsCollector
// that tracks method calls for assertion in integration tests.
type TestMetricsCollector struct {
	mu sync.RWMutex

	// Per-operation counters
	OperationTotal    map[string]int64
	OperationErrors   map[string]int64
	OperationDuration map[string][]float64

	// Fail points
	failPointsInstalled atomic.Int64
	failPointsDisabled  atomic.Int64

	// Test verdicts
	testsPassed  atomic.Int64
	testsFailed  atomic.Int64
	testsSkipped atomic.Int64
}

// Compile-time assertion that TestMetricsCollector implements types.MetricsCollector.
var _ types.MetricsCollector = (*TestMetricsCollector)(nil)

// NewTestMetricsCollector creates a new test metrics collector.
func NewTestMetricsCollector() *TestMetricsCollector {
	return &TestMetricsCollector{
		OperationTotal:    make(map[string]int64),
		OperationErrors:   make(map[string]int64),
		OperationDuration: make(map[string][]float64),
	}
}

func (m *TestMetricsCollector) IncOperationTotal(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OperationTotal[name]++
}

func (m *TestMetricsCollector) IncOperationError(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OperationErrors[name]++
}

func (m *TestMetricsCollector) ObserveOperationDuration(name string, seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OperationDuration[name] = append(m.OperationDuration[name], seconds)
}

func (m *TestMetricsCollector) IncFailPointInstalled() {
	m.failPointsInstalled.Add(1)
}

func (m *TestMetricsCollector) IncFailPointDisabled() {
	m.failPointsDisabled.Add(1)
}

func (m *TestMetricsCollector) IncTestPassed() {
	m.testsPassed.Add(1)
}

func (m *TestMetricsCollector) IncTestFailed() {
	m.testsFailed.Add(1)
}

func (m *TestMetricsCollector) IncTestSkipped() {
	m.testsSkipped.Add(1)
}

// ----------------------
// Test Helpers
// ----------------------

// GetOperationTotal returns the executed count for an operation name.
func (m *TestMetricsCollector) GetOperationTotal(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.OperationTotal[name]
}

// GetOperationErrors returns the error count for an operation name.
func (m *TestMetricsCollector) GetOperationErrors(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.OperationErrors[name]
}

// GetFailPointsInstalled returns the total installed fail point count.
func (m *TestMetricsCollector) GetFailPointsInstalled() int64 {
	return m.failPointsInstalled.Load()
}

// GetFailPointsDisabled returns the total disabled fail point count.
func (m *TestMetricsCollector) GetFailPointsDisabled() int64 {
	return m.failPointsDisabled.Load()
}

// GetTestsPassed returns the passed test count.
func (m *TestMetricsCollector) GetTestsPassed() int64 {
	return m.testsPassed.Load()
}

// GetTestsFailed returns the failed test count.
func (m *TestMetricsCollector) GetTestsFailed() int64 {
	return m.testsFailed.Load()
}

// GetTestsSkipped returns the skipped test count.
func (m *TestMetricsCollector) GetTestsSkipped() int64 {
	return m.testsSkipped.Load()
}

// Reset clears all collected metrics.
func (m *TestMetricsCollector) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.OperationTotal = make(map[string]int64)
	m.OperationErrors = make(map[string]int64)
	m.OperationDuration = make(map[string][]float64)

	m.failPointsInstalled.Store(0)
	m.failPointsDisabled.Store(0)
	m.testsPassed.Store(0)
	m.testsFailed.Store(0)
	m.testsSkipped.Store(0)
}
