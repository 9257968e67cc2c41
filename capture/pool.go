package capture

import (
	"sync"

	"go.mongodb.org/mongo-driver/event"
)

// Pool event kinds as they appear in scenario expectations.
const (
	PoolCreated             = "poolCreatedEvent"
	PoolReady               = "poolReadyEvent"
	PoolCleared             = "poolClearedEvent"
	PoolClosed              = "poolClosedEvent"
	ConnectionCreated       = "connectionCreatedEvent"
	ConnectionReady         = "connectionReadyEvent"
	ConnectionClosed        = "connectionClosedEvent"
	ConnectionCheckOutStart = "connectionCheckOutStartedEvent"
	ConnectionCheckOutFail  = "connectionCheckOutFailedEvent"
	ConnectionCheckedOut    = "connectionCheckedOutEvent"
	ConnectionCheckedIn     = "connectionCheckedInEvent"
)

// poolEventKinds maps the driver's pool event type strings to scenario
// event kinds.
var poolEventKinds = map[string]string{
	"ConnectionPoolCreated":     PoolCreated,
	"ConnectionPoolReady":       PoolReady,
	"ConnectionPoolCleared":     PoolCleared,
	"ConnectionPoolClosed":      PoolClosed,
	"ConnectionCreated":         ConnectionCreated,
	"ConnectionReady":           ConnectionReady,
	"ConnectionClosed":          ConnectionClosed,
	"ConnectionCheckOutStarted": ConnectionCheckOutStart,
	"ConnectionCheckOutFailed":  ConnectionCheckOutFail,
	"ConnectionCheckedOut":      ConnectionCheckedOut,
	"ConnectionCheckedIn":       ConnectionCheckedIn,
}

// PoolEvent is a captured connection pool lifecycle event.
type PoolEvent struct {
	// Kind is the scenario-facing event kind (e.g. "poolClearedEvent").
	Kind string

	// Address is the server address the pool belongs to.
	Address string

	// ConnectionID identifies the connection for connection-scoped events.
	ConnectionID uint64

	// Reason is set for cleared, closed, and check-out-failed events.
	Reason string

	// HasServiceID reports whether the event carried a load-balanced
	// service id.
	HasServiceID bool
}

// PoolRecorder captures connection pool events from a driver client.
//
// Besides the raw event list, it tracks the number of connections currently
// checked out, which assertNumberConnectionsCheckedOut consumes directly.
type PoolRecorder struct {
	mu         sync.Mutex
	events     []PoolEvent
	checkedOut int
	observed   map[string]struct{}
}

// NewPoolRecorder creates a pool recorder. observed restricts capture to the
// listed scenario event kinds; empty means capture everything.
func NewPoolRecorder(observed []string) *PoolRecorder {
	r := &PoolRecorder{}
	if len(observed) > 0 {
		r.observed = make(map[string]struct{}, len(observed))
		for _, kind := range observed {
			r.observed[kind] = struct{}{}
		}
	}

	return r
}

// Monitor returns a pool monitor wired to this recorder, suitable for
// options.ClientOptions.SetPoolMonitor.
func (r *PoolRecorder) Monitor() *event.PoolMonitor {
	return &event.PoolMonitor{Event: r.handle}
}

// Events returns a snapshot of all captured events in capture order.
func (r *PoolRecorder) Events() []PoolEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PoolEvent, len(r.events))
	copy(out, r.events)

	return out
}

// CheckedOut returns the number of connections currently checked out.
func (r *PoolRecorder) CheckedOut() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.checkedOut
}

// Reset discards all captured events. The checked-out counter is preserved
// because it reflects live pool state, not history.
func (r *PoolRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *PoolRecorder) handle(evt *event.PoolEvent) {
	kind, ok := poolEventKinds[evt.Type]
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// The counter tracks every check-out/check-in regardless of the
	// observed filter.
	switch kind {
	case ConnectionCheckedOut:
		r.checkedOut++
	case ConnectionCheckedIn:
		r.checkedOut--
	}

	if r.observed != nil {
		if _, ok := r.observed[kind]; !ok {
			return
		}
	}

	r.events = append(r.events, PoolEvent{
		Kind:         kind,
		Address:      evt.Address,
		ConnectionID: evt.ConnectionID,
		Reason:       evt.Reason,
		HasServiceID: evt.ServiceID != nil,
	})
}
