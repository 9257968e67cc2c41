// Package types provides shared types and error definitions for the veritas library.
//
// This is a leaf package with zero veritas imports to prevent import cycles.
// All packages in veritas can safely import this package.
//
// # Types
//
// EntityKind identifies the variant of a registered test entity:
//
//	const (
//	    EntityClient     EntityKind = "client"
//	    EntityDatabase   EntityKind = "database"
//	    EntityCollection EntityKind = "collection"
//	    EntitySession    EntityKind = "session"
//	    // ...
//	)
//
// # Errors
//
// Sentinel errors are provided for common failure scenarios:
//
//   - ErrEntityNotFound: An entity id is absent or has the wrong variant
//   - ErrEntityExists: An entity id was declared twice
//   - ErrRegistryClosed: The entity registry has been torn down
//   - ErrThreadClosed: A task was submitted to a stopped background thread
//
// Two structured error kinds drive control flow during a scenario run:
//
//   - ConfigError: fatal test-setup problems (unknown operation names,
//     unresolved entity ids, malformed arguments). Aborts the scenario and
//     is never absorbed by the loop runner.
//   - AssertionError: expected/actual mismatches, including bounded waits
//     that timed out. Carries the assertion-context trail for diagnostics
//     and is absorbable by the loop runner when failure storage is
//     configured.
package types
