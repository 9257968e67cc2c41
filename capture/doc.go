// Package capture records driver instrumentation output for later assertion.
//
// Each client entity owns a set of recorders that hook into the driver's
// monitoring callbacks:
//
//   - CommandRecorder: command started/succeeded/failed events
//   - PoolRecorder: connection pool lifecycle events
//   - ServerRecorder: server/topology description changes
//   - LogRecorder: structured log messages emitted by the driver
//
// Recorders are append-only and thread-safe. Snapshots returned by the
// accessor methods are copies; callers may poll them freely while the
// driver keeps appending. The matchers in package match consume these
// snapshots, so recorders never block driver callbacks on assertion work.
package capture
