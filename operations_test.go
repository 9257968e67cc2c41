package veritas

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/description"

	"github.com/arloliu/veritas/types"
)

func testOperation(t *testing.T, name string, args bson.D) *Operation {
	t.Helper()

	return &Operation{
		Name:      name,
		Object:    "testRunner",
		Arguments: rawDoc(t, args),
	}
}

func TestRunOnThreadAndWait(t *testing.T) {
	run := newOfflineRun(t)
	createEntities(t, run,
		bson.D{{Key: "thread", Value: bson.D{{Key: "id", Value: "thread0"}}}},
	)

	ctx := context.Background()
	op := testOperation(t, "runOnThread", bson.D{
		{Key: "thread", Value: "thread0"},
		{Key: "operation", Value: bson.D{
			{Key: "name", Value: "wait"},
			{Key: "object", Value: "testRunner"},
			{Key: "arguments", Value: bson.D{{Key: "ms", Value: 1}}},
		}},
	})
	_, err := run.dispatch(ctx, op)
	require.NoError(t, err)

	_, err = run.dispatch(ctx, testOperation(t, "waitForThread", bson.D{
		{Key: "thread", Value: "thread0"},
	}))
	assert.NoError(t, err)
}

func TestWaitForThreadReportsTaskFailure(t *testing.T) {
	run := newOfflineRun(t)
	createEntities(t, run,
		bson.D{{Key: "client", Value: bson.D{{Key: "id", Value: "client0"}}}},
		bson.D{{Key: "session", Value: bson.D{{Key: "id", Value: "session0"}, {Key: "client", Value: "client0"}}}},
		bson.D{{Key: "thread", Value: bson.D{{Key: "id", Value: "thread0"}}}},
	)

	ctx := context.Background()
	op := testOperation(t, "runOnThread", bson.D{
		{Key: "thread", Value: "thread0"},
		{Key: "operation", Value: bson.D{
			{Key: "name", Value: "assertSessionTransactionState"},
			{Key: "object", Value: "testRunner"},
			{Key: "arguments", Value: bson.D{
				{Key: "session", Value: "session0"},
				{Key: "state", Value: "in_progress"},
			}},
		}},
	})
	_, err := run.dispatch(ctx, op)
	require.NoError(t, err, "submission never fails for a healthy thread")

	_, err = run.dispatch(ctx, testOperation(t, "waitForThread", bson.D{
		{Key: "thread", Value: "thread0"},
	}))
	assert.True(t, types.IsAssertionError(err))
}

func TestAssertEventCount(t *testing.T) {
	run := newOfflineRun(t)
	createEntities(t, run,
		bson.D{{Key: "client", Value: bson.D{{Key: "id", Value: "client0"}}}},
	)

	ctx := context.Background()
	args := bson.D{
		{Key: "client", Value: "client0"},
		{Key: "event", Value: bson.D{{Key: "poolClearedEvent", Value: bson.D{}}}},
		{Key: "count", Value: 0},
	}
	_, err := run.dispatch(ctx, testOperation(t, "assertEventCount", args))
	assert.NoError(t, err, "no recorded events matches a count of zero")

	args[2].Value = 1
	_, err = run.dispatch(ctx, testOperation(t, "assertEventCount", args))
	assert.True(t, types.IsAssertionError(err))
}

func TestSessionStateAssertions(t *testing.T) {
	run := newOfflineRun(t)
	createEntities(t, run,
		bson.D{{Key: "client", Value: bson.D{{Key: "id", Value: "client0"}}}},
		bson.D{{Key: "session", Value: bson.D{{Key: "id", Value: "session0"}, {Key: "client", Value: "client0"}}}},
	)

	ctx := context.Background()
	sessionArgs := bson.D{{Key: "session", Value: "session0"}}

	_, err := run.dispatch(ctx, testOperation(t, "assertSessionNotDirty", sessionArgs))
	assert.NoError(t, err)

	run.markSessionError("session0", assert.AnError)
	_, err = run.dispatch(ctx, testOperation(t, "assertSessionDirty", sessionArgs))
	assert.NoError(t, err)

	_, err = run.dispatch(ctx, testOperation(t, "assertSessionUnpinned", sessionArgs))
	assert.NoError(t, err)

	run.sessionState("session0").pinned = true
	_, err = run.dispatch(ctx, testOperation(t, "assertSessionPinned", sessionArgs))
	assert.NoError(t, err)

	_, err = run.dispatch(ctx, testOperation(t, "assertSessionTransactionState", bson.D{
		{Key: "session", Value: "session0"},
		{Key: "state", Value: "none"},
	}))
	assert.NoError(t, err, "untouched sessions report state none")

	_, err = run.dispatch(ctx, testOperation(t, "assertSessionDirty", bson.D{
		{Key: "session", Value: "ghost"},
	}))
	assert.ErrorIs(t, err, types.ErrEntityNotFound)
}

func TestTopologyAssertions(t *testing.T) {
	run := newOfflineRun(t)
	createEntities(t, run,
		bson.D{{Key: "client", Value: bson.D{{Key: "id", Value: "client0"}}}},
	)

	ctx := context.Background()

	// A client that has not completed discovery has nothing to record.
	_, err := run.dispatch(ctx, testOperation(t, "recordTopologyDescription", bson.D{
		{Key: "client", Value: "client0"},
		{Key: "id", Value: "topo0"},
	}))
	assert.True(t, types.IsConfigError(err))

	require.NoError(t, run.reg.StoreTopology("topo0", description.Topology{Kind: description.Single}))

	_, err = run.dispatch(ctx, testOperation(t, "assertTopologyType", bson.D{
		{Key: "topologyDescription", Value: "topo0"},
		{Key: "topologyType", Value: "Single"},
	}))
	assert.NoError(t, err)

	_, err = run.dispatch(ctx, testOperation(t, "assertTopologyType", bson.D{
		{Key: "topologyDescription", Value: "topo0"},
		{Key: "topologyType", Value: "Sharded"},
	}))
	assert.True(t, types.IsAssertionError(err))
}

func TestEventSummary(t *testing.T) {
	doc := rawDoc(t, bson.D{{Key: "commandStartedEvent", Value: bson.D{}}})
	assert.Equal(t, "commandStartedEvent", eventSummary(doc))

	bad := rawDoc(t, bson.D{{Key: "a", Value: 1}, {Key: "b", Value: 2}})
	assert.Equal(t, "(invalid event)", eventSummary(bad))
}
