package capture

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
)

func marshalDoc(t *testing.T, doc bson.D) bson.Raw {
	t.Helper()
	raw, err := bson.Marshal(doc)
	require.NoError(t, err)

	return raw
}

func TestCommandRecorderCapturesInOrder(t *testing.T) {
	r := NewCommandRecorder(CommandRecorderConfig{})
	cmd := marshalDoc(t, bson.D{{Key: "insert", Value: "coll"}})

	r.started(context.Background(), &event.CommandStartedEvent{CommandName: "insert", DatabaseName: "db", Command: cmd})
	r.succeeded(context.Background(), &event.CommandSucceededEvent{
		CommandFinishedEvent: event.CommandFinishedEvent{CommandName: "insert"},
	})

	events := r.Events()
	require.Len(t, events, 2)
	require.Equal(t, CommandStarted, events[0].Kind)
	require.Equal(t, "insert", events[0].CommandName)
	require.Equal(t, "db", events[0].DatabaseName)
	require.Equal(t, CommandSucceeded, events[1].Kind)
}

func TestCommandRecorderObservedFilter(t *testing.T) {
	r := NewCommandRecorder(CommandRecorderConfig{Observed: []string{CommandStarted}})

	r.started(context.Background(), &event.CommandStartedEvent{CommandName: "find"})
	r.succeeded(context.Background(), &event.CommandSucceededEvent{
		CommandFinishedEvent: event.CommandFinishedEvent{CommandName: "find"},
	})

	events := r.Events()
	require.Len(t, events, 1)
	require.Equal(t, CommandStarted, events[0].Kind)
}

func TestCommandRecorderIgnoresConfigureFailPoint(t *testing.T) {
	r := NewCommandRecorder(CommandRecorderConfig{})
	r.started(context.Background(), &event.CommandStartedEvent{CommandName: "configureFailPoint"})
	require.Empty(t, r.Events())
}

func TestCommandRecorderIgnoredCommands(t *testing.T) {
	r := NewCommandRecorder(CommandRecorderConfig{IgnoredCommands: []string{"killCursors"}})
	r.started(context.Background(), &event.CommandStartedEvent{CommandName: "killCursors"})
	r.started(context.Background(), &event.CommandStartedEvent{CommandName: "find"})

	events := r.Events()
	require.Len(t, events, 1)
	require.Equal(t, "find", events[0].CommandName)
}

func TestCommandRecorderRedactsSensitiveCommands(t *testing.T) {
	cmd := marshalDoc(t, bson.D{{Key: "saslStart", Value: 1}, {Key: "payload", Value: "secret"}})

	r := NewCommandRecorder(CommandRecorderConfig{})
	r.started(context.Background(), &event.CommandStartedEvent{CommandName: "saslStart", Command: cmd})

	events := r.Events()
	require.Len(t, events, 1)
	require.Nil(t, events[0].Command)

	observing := NewCommandRecorder(CommandRecorderConfig{ObserveSensitive: true})
	observing.started(context.Background(), &event.CommandStartedEvent{CommandName: "saslStart", Command: cmd})
	require.NotNil(t, observing.Events()[0].Command)
}

func TestPoolRecorderCheckedOutCounter(t *testing.T) {
	r := NewPoolRecorder(nil)

	r.handle(&event.PoolEvent{Type: "ConnectionCheckedOut", Address: "host:27017", ConnectionID: 1})
	r.handle(&event.PoolEvent{Type: "ConnectionCheckedOut", Address: "host:27017", ConnectionID: 2})
	r.handle(&event.PoolEvent{Type: "ConnectionCheckedIn", Address: "host:27017", ConnectionID: 1})

	require.Equal(t, 1, r.CheckedOut())
	require.Len(t, r.Events(), 3)
}

func TestPoolRecorderObservedFilterKeepsCounter(t *testing.T) {
	r := NewPoolRecorder([]string{PoolCleared})

	r.handle(&event.PoolEvent{Type: "ConnectionCheckedOut", ConnectionID: 1})
	r.handle(&event.PoolEvent{Type: "ConnectionPoolCleared", Reason: "error"})

	events := r.Events()
	require.Len(t, events, 1)
	require.Equal(t, PoolCleared, events[0].Kind)
	require.Equal(t, 1, r.CheckedOut())
}

func TestPoolRecorderUnknownTypeIgnored(t *testing.T) {
	r := NewPoolRecorder(nil)
	r.handle(&event.PoolEvent{Type: "SomethingNew"})
	require.Empty(t, r.Events())
}

func TestLogRecorderLevelsAndComponents(t *testing.T) {
	r := NewLogRecorder()

	r.Info(1, "Command started", "commandName", "insert", "requestId", int64(42))
	r.Info(0, "Server selection started", "selector", "writeSelector")
	r.Error(errors.New("socket closed"), "Connection closed")

	messages := r.Messages()
	require.Len(t, messages, 3)

	require.Equal(t, LogLevelDebug, messages[0].Level)
	require.Equal(t, LogComponentCommand, messages[0].Component)
	require.Equal(t, "Command started", messages[0].Data.Lookup("message").StringValue())
	require.Equal(t, "insert", messages[0].Data.Lookup("commandName").StringValue())

	require.Equal(t, LogLevelInfo, messages[1].Level)
	require.Equal(t, LogComponentServerSelection, messages[1].Component)

	require.Equal(t, LogLevelError, messages[2].Level)
	require.Equal(t, LogComponentConnection, messages[2].Component)
	require.Equal(t, "socket closed", messages[2].Data.Lookup("failure").StringValue())
}
