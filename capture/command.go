package capture

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
)

// Command event kinds as they appear in scenario expectations.
const (
	CommandStarted   = "commandStartedEvent"
	CommandSucceeded = "commandSucceededEvent"
	CommandFailed    = "commandFailedEvent"
)

// sensitiveCommands are never recorded with their payloads intact unless
// sensitive observation is explicitly enabled for the client.
var sensitiveCommands = map[string]struct{}{
	"authenticate":    {},
	"saslStart":       {},
	"saslContinue":    {},
	"getnonce":        {},
	"createUser":      {},
	"updateUser":      {},
	"copydbgetnonce":  {},
	"copydbsaslstart": {},
	"copydb":          {},
}

// CommandEvent is a captured command monitoring event.
type CommandEvent struct {
	// Kind is one of CommandStarted, CommandSucceeded, CommandFailed.
	Kind string

	// CommandName is the name of the command (e.g. "insert", "find").
	CommandName string

	// DatabaseName is set for started events.
	DatabaseName string

	// Command holds the full command document for started events.
	Command bson.Raw

	// Reply holds the server reply for succeeded events.
	Reply bson.Raw

	// Failure holds the error description for failed events.
	Failure string

	// HasServiceID reports whether the event carried a load-balanced
	// service id.
	HasServiceID bool

	// HasServerConnectionID reports whether the event carried a server
	// connection id.
	HasServerConnectionID bool
}

// CommandRecorderConfig controls which command events are captured.
type CommandRecorderConfig struct {
	// Observed restricts capture to the listed event kinds. Empty means
	// capture all three kinds.
	Observed []string

	// IgnoredCommands lists command names whose events are dropped.
	// configureFailPoint is always ignored so fail-point management never
	// pollutes expectations.
	IgnoredCommands []string

	// ObserveSensitive captures security-sensitive command payloads
	// instead of redacting them.
	ObserveSensitive bool
}

// CommandRecorder captures command monitoring events from a driver client.
type CommandRecorder struct {
	mu       sync.Mutex
	events   []CommandEvent
	observed map[string]struct{}
	ignored  map[string]struct{}
	sensOK   bool
}

// NewCommandRecorder creates a recorder with the given capture configuration.
func NewCommandRecorder(cfg CommandRecorderConfig) *CommandRecorder {
	r := &CommandRecorder{
		ignored: map[string]struct{}{"configureFailPoint": {}},
		sensOK:  cfg.ObserveSensitive,
	}
	if len(cfg.Observed) > 0 {
		r.observed = make(map[string]struct{}, len(cfg.Observed))
		for _, kind := range cfg.Observed {
			r.observed[kind] = struct{}{}
		}
	}
	for _, name := range cfg.IgnoredCommands {
		r.ignored[name] = struct{}{}
	}

	return r
}

// Monitor returns a command monitor wired to this recorder, suitable for
// options.ClientOptions.SetMonitor.
func (r *CommandRecorder) Monitor() *event.CommandMonitor {
	return &event.CommandMonitor{
		Started:   r.started,
		Succeeded: r.succeeded,
		Failed:    r.failed,
	}
}

// Events returns a snapshot of all captured events in capture order.
func (r *CommandRecorder) Events() []CommandEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]CommandEvent, len(r.events))
	copy(out, r.events)

	return out
}

// StartedEvents returns a snapshot of the captured started events only.
func (r *CommandRecorder) StartedEvents() []CommandEvent {
	all := r.Events()
	out := make([]CommandEvent, 0, len(all))
	for _, ev := range all {
		if ev.Kind == CommandStarted {
			out = append(out, ev)
		}
	}

	return out
}

// Reset discards all captured events.
func (r *CommandRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *CommandRecorder) started(_ context.Context, evt *event.CommandStartedEvent) {
	if r.skip(CommandStarted, evt.CommandName) {
		return
	}
	captured := CommandEvent{
		Kind:                  CommandStarted,
		CommandName:           evt.CommandName,
		DatabaseName:          evt.DatabaseName,
		Command:               evt.Command,
		HasServiceID:          evt.ServiceID != nil,
		HasServerConnectionID: evt.ServerConnectionID64 != nil,
	}
	if r.isSensitive(evt.CommandName) {
		captured.Command = nil
	}
	r.append(captured)
}

func (r *CommandRecorder) succeeded(_ context.Context, evt *event.CommandSucceededEvent) {
	if r.skip(CommandSucceeded, evt.CommandName) {
		return
	}
	captured := CommandEvent{
		Kind:                  CommandSucceeded,
		CommandName:           evt.CommandName,
		Reply:                 evt.Reply,
		HasServiceID:          evt.ServiceID != nil,
		HasServerConnectionID: evt.ServerConnectionID64 != nil,
	}
	if r.isSensitive(evt.CommandName) {
		captured.Reply = nil
	}
	r.append(captured)
}

func (r *CommandRecorder) failed(_ context.Context, evt *event.CommandFailedEvent) {
	if r.skip(CommandFailed, evt.CommandName) {
		return
	}
	r.append(CommandEvent{
		Kind:                  CommandFailed,
		CommandName:           evt.CommandName,
		Failure:               evt.Failure,
		HasServiceID:          evt.ServiceID != nil,
		HasServerConnectionID: evt.ServerConnectionID64 != nil,
	})
}

func (r *CommandRecorder) skip(kind, commandName string) bool {
	if _, ok := r.ignored[commandName]; ok {
		return true
	}
	if r.observed != nil {
		if _, ok := r.observed[kind]; !ok {
			return true
		}
	}

	return false
}

func (r *CommandRecorder) isSensitive(commandName string) bool {
	if r.sensOK {
		return false
	}
	_, ok := sensitiveCommands[commandName]

	return ok
}

func (r *CommandRecorder) append(ev CommandEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}
