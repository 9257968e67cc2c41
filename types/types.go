// Package types provides shared types and errors for the Veritas library.
//
// This is a "leaf" package with no imports from other veritas packages,
// allowing it to be imported by any package without causing import cycles.
package types

import (
	"errors"
	"fmt"
	"strings"
)

// EntityKind identifies the variant of a registered test entity.
type EntityKind string

// Entity kinds recognized by the registry.
const (
	EntityClient              EntityKind = "client"
	EntityDatabase            EntityKind = "database"
	EntityCollection          EntityKind = "collection"
	EntitySession             EntityKind = "session"
	EntityBucket              EntityKind = "bucket"
	EntityClientEncryption    EntityKind = "clientEncryption"
	EntityThread              EntityKind = "thread"
	EntityCursor              EntityKind = "cursor"
	EntityValue               EntityKind = "value"
	EntityCounter             EntityKind = "counter"
	EntityDocumentList        EntityKind = "documentList"
	EntityTopologyDescription EntityKind = "topologyDescription"
)

// String returns the string representation of the entity kind.
func (k EntityKind) String() string {
	return string(k)
}

// Sentinel errors for common failure scenarios.
var (
	// ErrEntityNotFound indicates an entity id was referenced that does not
	// exist in the registry, or exists with a different variant.
	ErrEntityNotFound = errors.New("veritas: entity not found")

	// ErrEntityExists indicates an attempt to create an entity with an id
	// that is already registered. Entity ids are unique for the lifetime
	// of a scenario.
	ErrEntityExists = errors.New("veritas: entity id already exists")

	// ErrRegistryClosed indicates an operation was attempted on a registry
	// that has already been torn down.
	ErrRegistryClosed = errors.New("veritas: entity registry is closed")

	// ErrThreadClosed indicates a task was submitted to a background thread
	// that has already been shut down.
	ErrThreadClosed = errors.New("veritas: background thread is closed")
)

// ConfigError represents a fatal test-setup problem: an unknown operation
// name, an unresolved entity id, or a malformed argument shape.
//
// Configuration errors abort the scenario immediately. They are never
// captured into an operation result and never absorbed by the loop runner's
// failure-storage policies.
type ConfigError struct {
	// Op describes the operation or directive being processed.
	Op string

	// Reason is a human-readable description of the problem.
	Reason string

	// Cause is the underlying error, if any.
	Cause error
}

// NewConfigError creates a configuration error for the given operation.
func NewConfigError(op, format string, args ...any) *ConfigError {
	return &ConfigError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	msg := "veritas: configuration error"
	if e.Op != "" {
		msg += " in " + e.Op
	}
	msg += ": " + e.Reason
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}

	return msg
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// IsConfigError reports whether err is, or wraps, a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// AssertionError represents a mismatch between an expected and an actual
// value, error, event, or log record. The Trail carries the assertion
// context frames active when the mismatch was detected, outermost first.
//
// Timeouts while waiting for events, threads, or topology changes are also
// reported as AssertionErrors (with Timeout set) rather than raw timeout
// errors, so they fail the enclosing assertion instead of the process.
type AssertionError struct {
	// Msg is the one-line description of the mismatch.
	Msg string

	// Trail holds the assertion-context frames, outermost first.
	Trail []string

	// Timeout indicates the failure was caused by a bounded wait expiring.
	Timeout bool

	// Cause is the captured error that triggered the failure, if any.
	Cause error
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var b strings.Builder
	b.WriteString("veritas: assertion failed: ")
	b.WriteString(e.Msg)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	for _, frame := range e.Trail {
		b.WriteString("\n  ")
		b.WriteString(frame)
	}

	return b.String()
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *AssertionError) Unwrap() error {
	return e.Cause
}

// IsAssertionError reports whether err is, or wraps, an AssertionError.
func IsAssertionError(err error) bool {
	var ae *AssertionError
	return errors.As(err, &ae)
}

// Logger defines the structured logging interface used across Veritas.
//
// The interface is compatible with zap.SugaredLogger and with slog-style
// key/value pair loggers. A no-op implementation is used when no logger
// is configured.
type Logger interface {
	// Debug logs a debug-level message with optional key/value pairs.
	Debug(msg string, args ...any)

	// Info logs an info-level message with optional key/value pairs.
	Info(msg string, args ...any)

	// Warn logs a warning-level message with optional key/value pairs.
	Warn(msg string, args ...any)

	// Error logs an error-level message with optional key/value pairs.
	Error(msg string, args ...any)

	// Fatal logs a fatal-level message with optional key/value pairs.
	Fatal(msg string, args ...any)
}
