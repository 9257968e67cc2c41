package capture

import (
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo/description"
)

// Scenario-facing kinds for server monitoring events.
const (
	ServerDescriptionChanged   = "serverDescriptionChangedEvent"
	TopologyDescriptionChanged = "topologyDescriptionChangedEvent"
)

// ServerEvent is a captured server or topology description change event.
type ServerEvent struct {
	// Kind is ServerDescriptionChanged or TopologyDescriptionChanged.
	Kind string

	// Address is the server the description change applies to.
	Address string

	// Doc is a document rendering of the event used by the value matcher:
	// {address, previousDescription: {type}, newDescription: {type}}.
	Doc bson.Raw
}

// ServerRecorder captures server monitoring output from a driver client:
// the stream of server description changes and the latest topology
// description observed.
type ServerRecorder struct {
	mu       sync.Mutex
	events   []ServerEvent
	topology description.Topology
	seenTopo bool
}

// NewServerRecorder creates an empty server recorder.
func NewServerRecorder() *ServerRecorder {
	return &ServerRecorder{}
}

// Monitor returns a server monitor wired to this recorder, suitable for
// options.ClientOptions.SetServerMonitor.
func (r *ServerRecorder) Monitor() *event.ServerMonitor {
	return &event.ServerMonitor{
		ServerDescriptionChanged:   r.serverChanged,
		TopologyDescriptionChanged: r.topologyChanged,
	}
}

// Events returns a snapshot of the captured server description change events.
func (r *ServerRecorder) Events() []ServerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ServerEvent, len(r.events))
	copy(out, r.events)

	return out
}

// Topology returns the most recent topology description and whether one has
// been observed yet.
func (r *ServerRecorder) Topology() (description.Topology, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.topology, r.seenTopo
}

func (r *ServerRecorder) serverChanged(evt *event.ServerDescriptionChangedEvent) {
	doc, err := bson.Marshal(bson.D{
		{Key: "address", Value: evt.Address.String()},
		{Key: "previousDescription", Value: bson.D{{Key: "type", Value: evt.PreviousDescription.Kind.String()}}},
		{Key: "newDescription", Value: bson.D{{Key: "type", Value: evt.NewDescription.Kind.String()}}},
	})
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ServerEvent{
		Kind:    ServerDescriptionChanged,
		Address: evt.Address.String(),
		Doc:     doc,
	})
}

func (r *ServerRecorder) topologyChanged(evt *event.TopologyDescriptionChangedEvent) {
	doc, err := bson.Marshal(bson.D{
		{Key: "previousDescription", Value: bson.D{{Key: "type", Value: evt.PreviousDescription.Kind.String()}}},
		{Key: "newDescription", Value: bson.D{{Key: "type", Value: evt.NewDescription.Kind.String()}}},
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	r.topology = evt.NewDescription
	r.seenTopo = true
	if err == nil {
		r.events = append(r.events, ServerEvent{
			Kind: TopologyDescriptionChanged,
			Doc:  doc,
		})
	}
}

// PrimaryAddress returns the address of the primary server in the given
// topology description, if one is present.
func PrimaryAddress(topo description.Topology) (string, bool) {
	for _, server := range topo.Servers {
		if server.Kind == description.RSPrimary {
			return server.Addr.String(), true
		}
	}

	return "", false
}
