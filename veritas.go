package veritas

import "github.com/arloliu/veritas/types"

// Type aliases for convenience - re-export from types package.
type (
	EntityKind       = types.EntityKind
	AssertionError   = types.AssertionError
	ConfigError      = types.ConfigError
	Logger           = types.Logger
	MetricsCollector = types.MetricsCollector
)

// Re-export entity kind constants for convenience.
const (
	EntityClient           = types.EntityClient
	EntityDatabase         = types.EntityDatabase
	EntityCollection       = types.EntityCollection
	EntitySession          = types.EntitySession
	EntityBucket           = types.EntityBucket
	EntityClientEncryption = types.EntityClientEncryption
	EntityThread           = types.EntityThread
)
