package types

// MetricsCollector defines methods for collecting scenario execution metrics.
//
// Implementations should be thread-safe: background threads report their
// operation outcomes through the same collector as the primary flow.
type MetricsCollector interface {
	// IncOperationTotal increments the executed-operation counter for the
	// named operation.
	IncOperationTotal(name string)

	// IncOperationError increments the failed-operation counter for the
	// named operation. Captured operation failures count here even when the
	// scenario expected them.
	IncOperationError(name string)

	// ObserveOperationDuration records an operation execution duration in
	// seconds.
	ObserveOperationDuration(name string, seconds float64)

	// IncFailPointInstalled increments the counter of installed fail points.
	IncFailPointInstalled()

	// IncFailPointDisabled increments the counter of disabled fail points.
	IncFailPointDisabled()

	// IncTestPassed increments the passed test-case counter.
	IncTestPassed()

	// IncTestFailed increments the failed test-case counter.
	IncTestFailed()

	// IncTestSkipped increments the skipped test-case counter.
	IncTestSkipped()
}
