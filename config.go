package veritas

import (
	"time"

	"github.com/arloliu/veritas/internal/logging"
	"github.com/arloliu/veritas/internal/metrics"
	"github.com/arloliu/veritas/types"
)

// Default timing applied when options leave them unset.
const (
	DefaultEventWaitTimeout     = 10 * time.Second
	DefaultThreadJoinTimeout    = 10 * time.Second
	DefaultPrimaryChangeTimeout = 10 * time.Second
)

// Config holds runner configuration.
type Config struct {
	// URI is the connection string scenario clients derive from.
	URI string

	// Logger receives runner diagnostics.
	Logger types.Logger

	// Metrics counts scenario verdicts and fail point activity.
	Metrics types.MetricsCollector

	// EventWaitTimeout bounds waitForEvent and waitForThread polling.
	EventWaitTimeout time.Duration

	// ThreadJoinTimeout bounds each task join during waitForThread.
	ThreadJoinTimeout time.Duration

	// PrimaryChangeTimeout is the default bound for waitForPrimaryChange.
	PrimaryChangeTimeout time.Duration

	// LoopDone reports whether running loop operations should stop after
	// the current iteration. Loops spin until it returns true.
	LoopDone func() bool

	// RequirementsMet decides whether a runOnRequirements document is
	// satisfied by the deployment under test. Nil accepts everything.
	RequirementsMet func(requirement map[string]any) bool
}

// DefaultConfig returns a Config with no-op observability and standard
// timeouts.
func DefaultConfig() *Config {
	return &Config{
		URI:                  "mongodb://localhost:27017",
		Logger:               logging.NewNopLogger(),
		Metrics:              metrics.NewNopMetrics(),
		EventWaitTimeout:     DefaultEventWaitTimeout,
		ThreadJoinTimeout:    DefaultThreadJoinTimeout,
		PrimaryChangeTimeout: DefaultPrimaryChangeTimeout,
	}
}

// Option mutates runner configuration.
type Option func(*Config)

// WithURI sets the base connection string.
func WithURI(uri string) Option {
	return func(cfg *Config) { cfg.URI = uri }
}

// WithLogger sets the runner logger.
func WithLogger(logger types.Logger) Option {
	return func(cfg *Config) { cfg.Logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector types.MetricsCollector) Option {
	return func(cfg *Config) { cfg.Metrics = collector }
}

// WithEventWaitTimeout bounds event and log waiting.
func WithEventWaitTimeout(d time.Duration) Option {
	return func(cfg *Config) { cfg.EventWaitTimeout = d }
}

// WithThreadJoinTimeout bounds each task join during waitForThread.
func WithThreadJoinTimeout(d time.Duration) Option {
	return func(cfg *Config) { cfg.ThreadJoinTimeout = d }
}

// WithPrimaryChangeTimeout sets the default waitForPrimaryChange bound.
func WithPrimaryChangeTimeout(d time.Duration) Option {
	return func(cfg *Config) { cfg.PrimaryChangeTimeout = d }
}

// WithLoopTermination installs the loop termination check.
func WithLoopTermination(done func() bool) Option {
	return func(cfg *Config) { cfg.LoopDone = done }
}

// WithRequirementsMatcher installs the runOnRequirements predicate.
func WithRequirementsMatcher(met func(requirement map[string]any) bool) Option {
	return func(cfg *Config) { cfg.RequirementsMet = met }
}
