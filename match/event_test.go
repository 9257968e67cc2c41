package match

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/arloliu/veritas/capture"
	"github.com/arloliu/veritas/types"
)

func newTestEventMatcher() *EventMatcher {
	return NewEventMatcher(nil, NewAssertionContext())
}

func startedEvent(t *testing.T, name, db string, cmd bson.D) capture.CommandEvent {
	t.Helper()

	return capture.CommandEvent{
		Kind:         capture.CommandStarted,
		CommandName:  name,
		DatabaseName: db,
		Command:      mustRaw(t, cmd),
	}
}

func expectStarted(t *testing.T, fields bson.D) bson.Raw {
	t.Helper()

	return mustRaw(t, bson.D{{Key: capture.CommandStarted, Value: fields}})
}

func TestEventMatcherExactSequence(t *testing.T) {
	m := newTestEventMatcher()

	events := []capture.CommandEvent{
		startedEvent(t, "insert", "db", bson.D{{Key: "insert", Value: "coll"}}),
		startedEvent(t, "find", "db", bson.D{{Key: "find", Value: "coll"}}),
	}
	expected := []bson.Raw{
		expectStarted(t, bson.D{{Key: "commandName", Value: "insert"}}),
		expectStarted(t, bson.D{{Key: "commandName", Value: "find"}}),
	}

	require.NoError(t, m.AssertCommandEvents(expected, events, false))

	// Exact mode rejects extra recorded events.
	extra := append(events, startedEvent(t, "ping", "admin", bson.D{{Key: "ping", Value: int32(1)}}))
	assert.Error(t, m.AssertCommandEvents(expected, extra, false))
}

func TestEventMatcherSubsequence(t *testing.T) {
	m := newTestEventMatcher()

	events := []capture.CommandEvent{
		startedEvent(t, "insert", "db", bson.D{{Key: "insert", Value: "coll"}}),
		startedEvent(t, "ping", "admin", bson.D{{Key: "ping", Value: int32(1)}}),
		startedEvent(t, "find", "db", bson.D{{Key: "find", Value: "coll"}}),
	}
	expected := []bson.Raw{
		expectStarted(t, bson.D{{Key: "commandName", Value: "insert"}}),
		expectStarted(t, bson.D{{Key: "commandName", Value: "find"}}),
	}

	assert.NoError(t, m.AssertCommandEvents(expected, events, true))

	// Order still matters in subsequence mode.
	reversed := []bson.Raw{
		expectStarted(t, bson.D{{Key: "commandName", Value: "find"}}),
		expectStarted(t, bson.D{{Key: "commandName", Value: "insert"}}),
	}
	assert.Error(t, m.AssertCommandEvents(reversed, events, true))
}

func TestEventMatcherCommandBody(t *testing.T) {
	m := newTestEventMatcher()

	events := []capture.CommandEvent{
		startedEvent(t, "insert", "db", bson.D{
			{Key: "insert", Value: "coll"},
			{Key: "ordered", Value: true},
		}),
	}
	expected := []bson.Raw{
		expectStarted(t, bson.D{
			{Key: "command", Value: bson.D{
				{Key: "insert", Value: "coll"},
				{Key: "ordered", Value: bson.D{{Key: "$$exists", Value: true}}},
			}},
		}),
	}

	assert.NoError(t, m.AssertCommandEvents(expected, events, false))

	mismatched := []bson.Raw{
		expectStarted(t, bson.D{
			{Key: "command", Value: bson.D{{Key: "insert", Value: "other"}}},
		}),
	}
	assert.Error(t, m.AssertCommandEvents(mismatched, events, false))
}

func TestEventMatcherPoolEvents(t *testing.T) {
	m := newTestEventMatcher()

	events := []capture.PoolEvent{
		{Kind: capture.PoolCleared, Address: "localhost:27017"},
		{Kind: capture.ConnectionCheckedOut, Address: "localhost:27017"},
	}
	expected := []bson.Raw{
		mustRaw(t, bson.D{{Key: capture.PoolCleared, Value: bson.D{}}}),
		mustRaw(t, bson.D{{Key: capture.ConnectionCheckedOut, Value: bson.D{}}}),
	}

	assert.NoError(t, m.AssertPoolEvents(expected, events, false))

	wrongKind := []bson.Raw{
		mustRaw(t, bson.D{{Key: capture.ConnectionCreated, Value: bson.D{}}}),
	}
	assert.Error(t, m.AssertPoolEvents(wrongKind, events, true))
}

func TestEventMatcherInvalidExpectation(t *testing.T) {
	m := newTestEventMatcher()

	malformed := []bson.Raw{
		mustRaw(t, bson.D{
			{Key: "commandStartedEvent", Value: bson.D{}},
			{Key: "commandSucceededEvent", Value: bson.D{}},
		}),
	}
	events := []capture.CommandEvent{
		startedEvent(t, "ping", "admin", bson.D{{Key: "ping", Value: int32(1)}}),
	}
	err := m.AssertCommandEvents(malformed, events, false)
	require.Error(t, err)
	assert.True(t, types.IsConfigError(err))
}

func TestEventMatcherWaitFor(t *testing.T) {
	m := newTestEventMatcher()

	calls := 0
	err := m.WaitFor(time.Second, func() bool {
		calls++

		return calls >= 3
	}, "waiting for three calls")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls, 3)

	err = m.WaitFor(50*time.Millisecond, func() bool { return false }, "waiting for %s", "nothing")
	require.Error(t, err)

	var aerr *types.AssertionError
	require.ErrorAs(t, err, &aerr)
	assert.True(t, aerr.Timeout)
	assert.Contains(t, aerr.Error(), "waiting for nothing")
}
