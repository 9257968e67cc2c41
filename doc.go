// Package veritas executes declarative MongoDB driver test scenarios.
//
// A scenario file declares the entities a test needs (clients with event
// and log observation, databases, collections, sessions, GridFS buckets,
// client-encryption handles, background threads), a list of operations to
// run against them, and the expected results, errors, events, log
// messages, and final collection contents. The Runner builds the entities,
// dispatches each operation through the driver, matches everything
// observed against the expectations, and tears the entities down again.
//
// Basic usage:
//
//	runner := veritas.NewRunner(
//		veritas.WithURI("mongodb://localhost:27017"),
//	)
//	file, err := veritas.LoadScenario("retryable-writes.json")
//	if err != nil {
//		return err
//	}
//	results, err := runner.RunFile(ctx, file)
//
// Scenario semantics follow the unified test format: fail points are
// cleared after each test through the client and session that installed
// them, loop operations absorb failures into named document-list
// entities, and background thread operations run on serial per-thread
// workers.
package veritas
